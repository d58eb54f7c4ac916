package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hongminglow/coop-ledger/internal/engine"
	"github.com/hongminglow/coop-ledger/internal/http/respond"
	"github.com/hongminglow/coop-ledger/internal/middleware"
	"github.com/hongminglow/coop-ledger/internal/models"
	"github.com/hongminglow/coop-ledger/internal/models/dto"
	"github.com/hongminglow/coop-ledger/internal/storage"
)

// LedgerHandler serves the member-facing API. Every route acts as the
// authenticated caller's account.
type LedgerHandler struct {
	eng *engine.Engine
	log *slog.Logger
}

// NewLedgerHandler constructs the handler.
func NewLedgerHandler(eng *engine.Engine, log *slog.Logger) *LedgerHandler {
	if log == nil {
		log = slog.Default()
	}
	return &LedgerHandler{eng: eng, log: log}
}

// Routes mounts member routes. The router must already authenticate.
func (h *LedgerHandler) Routes(r chi.Router) {
	r.Route("/accounts/me", func(r chi.Router) {
		r.Get("/", h.getAccount)
		r.Get("/entries", h.listEntries)
		r.Get("/interest", h.listInterest)
		r.Get("/reconcile", h.reconcile)
	})
	r.Post("/deposits", h.deposit)
	r.Post("/transfers", h.transfer)

	r.Route("/loans", func(r chi.Router) {
		r.Get("/", h.listLoans)
		r.Post("/", h.requestLoan)
		r.Get("/mine", h.myLoans)
		r.Get("/{loanID}", h.getLoan)
		r.Post("/{loanID}/fund", h.loanAction(h.eng.FundLoan))
		r.Post("/{loanID}/repay", h.loanAction(h.eng.RepayLoan))
		r.Post("/{loanID}/cancel", h.loanAction(h.eng.CancelLoan))
	})
	r.Get("/reserve", h.getReserve)
}

func caller(r *http.Request) string {
	c, _ := middleware.CallerFrom(r.Context())
	return c.AccountID
}

// created picks 201 for a fresh mutation and 200 for a replay.
func created(replayed bool) (int, string) {
	if replayed {
		return http.StatusOK, "already applied"
	}
	return http.StatusCreated, "applied"
}

func (h *LedgerHandler) getAccount(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	acct, err := h.eng.Account(r.Context(), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	pending, err := h.eng.PendingCounts(r.Context(), id)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, "ok", dto.AccountResponse{Account: acct, Pending: pending})
}

func (h *LedgerHandler) listEntries(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	q := r.URL.Query()
	entries, err := h.eng.Entries(r.Context(), caller(r), storage.EntryQuery{
		Type:   models.EntryType(q.Get("type")),
		Status: models.EntryStatus(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, "ok", entries)
}

func (h *LedgerHandler) listInterest(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	history, err := h.eng.InterestHistory(r.Context(), caller(r), limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, "ok", history)
}

func (h *LedgerHandler) reconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.eng.Reconcile(r.Context(), caller(r))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, "ok", rec)
}

func (h *LedgerHandler) deposit(w http.ResponseWriter, r *http.Request) {
	var req dto.DepositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.eng.Deposit(r.Context(), engine.DepositRequest{
		AccountID: caller(r),
		Amount:    req.Amount,
		Channel:   req.Channel,
		Reference: req.ReferenceNumber,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	status, msg := created(res.Replayed)
	respond.JSON(w, status, msg, res)
}

func (h *LedgerHandler) transfer(w http.ResponseWriter, r *http.Request) {
	var req dto.TransferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.eng.Transfer(r.Context(), engine.TransferRequest{
		AccountID:   caller(r),
		Amount:      req.Amount,
		Destination: engine.Destination{Kind: req.Destination.Kind, Address: req.Destination.Address},
		Reference:   req.ReferenceNumber,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	status, msg := created(res.Replayed)
	respond.JSON(w, status, msg, res)
}

// listLoans is the marketplace: open loans unless ?status= says otherwise.
func (h *LedgerHandler) listLoans(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	status := models.LoanStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.LoanOpen
	}
	loans, err := h.eng.Loans(r.Context(), storage.LoanQuery{Status: status, Limit: limit})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, "ok", loans)
}

// myLoans lists the caller's loans as borrower (default) or ?role=lender.
func (h *LedgerHandler) myLoans(w http.ResponseWriter, r *http.Request) {
	q := storage.LoanQuery{Status: models.LoanStatus(r.URL.Query().Get("status"))}
	switch r.URL.Query().Get("role") {
	case "", "borrower":
		q.BorrowerID = caller(r)
	case "lender":
		q.LenderID = caller(r)
	default:
		writeError(w, h.log, &engine.ValidationError{Field: "role", Message: "must be borrower or lender"})
		return
	}
	loans, err := h.eng.Loans(r.Context(), q)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, "ok", loans)
}

func (h *LedgerHandler) getLoan(w http.ResponseWriter, r *http.Request) {
	loan, err := h.eng.Loan(r.Context(), chi.URLParam(r, "loanID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, "ok", loan)
}

func (h *LedgerHandler) requestLoan(w http.ResponseWriter, r *http.Request) {
	var req dto.LoanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.eng.RequestLoan(r.Context(), engine.LoanRequest{
		BorrowerID: caller(r),
		Amount:     req.Amount,
		Reference:  req.ReferenceNumber,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	status, msg := created(res.Replayed)
	respond.JSON(w, status, msg, res)
}

type loanOp func(ctx context.Context, req engine.LoanAction) (engine.LoanResult, error)

func (h *LedgerHandler) loanAction(op loanOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.LoanActionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			respond.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		res, err := op(r.Context(), engine.LoanAction{
			AccountID: caller(r),
			LoanID:    chi.URLParam(r, "loanID"),
			Reference: req.ReferenceNumber,
		})
		if err != nil {
			writeError(w, h.log, err)
			return
		}
		status, msg := created(res.Replayed)
		respond.JSON(w, status, msg, res)
	}
}

func (h *LedgerHandler) getReserve(w http.ResponseWriter, r *http.Request) {
	reserve, err := h.eng.Reserve(r.Context())
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, "ok", reserve)
}
