package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hongminglow/coop-ledger/internal/engine"
	"github.com/hongminglow/coop-ledger/internal/http/respond"
	"github.com/hongminglow/coop-ledger/internal/models/dto"
)

// AdminHandler serves operator routes: account administration, reserve
// capital, referral payouts, clearing reversals and manual job runs.
type AdminHandler struct {
	eng *engine.Engine
	log *slog.Logger
}

// NewAdminHandler constructs the handler.
func NewAdminHandler(eng *engine.Engine, log *slog.Logger) *AdminHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AdminHandler{eng: eng, log: log}
}

// Routes mounts admin routes. The router must already require the admin role.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Post("/accounts", h.openAccount)
	r.Get("/accounts/{accountID}", h.getAccount)
	r.Patch("/accounts/{accountID}", h.updateAccount)
	r.Get("/accounts/{accountID}/reconcile", h.reconcile)
	r.Post("/reserve/contributions", h.contribute)
	r.Get("/reserve/movements", h.movements)
	r.Post("/referrals", h.referral)
	r.Post("/clearing/{reference}/reverse", h.reverse)
}

// JobRoutes mounts POST /jobs/{job} for manual or cron-driven batch runs.
func (h *AdminHandler) JobRoutes(r chi.Router) {
	r.Post("/jobs/{job}", h.runJob)
}

func (h *AdminHandler) openAccount(w http.ResponseWriter, r *http.Request) {
	var req dto.OpenAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	open := engine.OpenAccountRequest{ID: req.ID, MembershipTier: req.MembershipTier, KYCStatus: req.KYCStatus}
	if req.CreatedAt != nil {
		open.CreatedAt = *req.CreatedAt
	}
	acct, err := h.eng.OpenAccount(r.Context(), open)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusCreated, "account opened", acct)
}

func (h *AdminHandler) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.eng.Account(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, "ok", acct)
}

func (h *AdminHandler) updateAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	var req dto.UpdateAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Active != nil {
		if err := h.eng.SetAccountActive(r.Context(), id, *req.Active); err != nil {
			writeError(w, h.log, err)
			return
		}
	}
	if req.KYCStatus != nil {
		if err := h.eng.SetKYCStatus(r.Context(), id, *req.KYCStatus); err != nil {
			writeError(w, h.log, err)
			return
		}
	}
	h.getAccount(w, r)
}

func (h *AdminHandler) reconcile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.eng.Reconcile(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, "ok", rec)
}

func (h *AdminHandler) contribute(w http.ResponseWriter, r *http.Request) {
	var req dto.ReserveContributionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.eng.ContributeReserve(r.Context(), req.Amount, req.ReferenceNumber)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	status, msg := created(res.Replayed)
	respond.JSON(w, status, msg, res)
}

func (h *AdminHandler) movements(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	moves, err := h.eng.ReserveMovements(r.Context(), limit)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, "ok", moves)
}

func (h *AdminHandler) referral(w http.ResponseWriter, r *http.Request) {
	var req dto.ReferralRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.eng.CreditReferralCommission(r.Context(), engine.ReferralRequest{
		ReferrerID:        req.ReferrerID,
		ReferredAccountID: req.ReferredAccountID,
		Amount:            req.Amount,
		Reference:         req.ReferenceNumber,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	status, msg := created(res.Replayed)
	respond.JSON(w, status, msg, res)
}

func (h *AdminHandler) reverse(w http.ResponseWriter, r *http.Request) {
	var req dto.ReverseClearingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.eng.ReverseClearing(r.Context(), chi.URLParam(r, "reference"), req.Reason)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, "reversed", res)
}

func (h *AdminHandler) runJob(w http.ResponseWriter, r *http.Request) {
	var (
		sum engine.JobSummary
		err error
	)
	switch job := chi.URLParam(r, "job"); job {
	case engine.JobClearing:
		sum, err = h.eng.RunClearingRelease(r.Context())
	case engine.JobInterest:
		sum, err = h.eng.RunDailyInterest(r.Context())
	case engine.JobDefaults:
		sum, err = h.eng.RunDefaultSweep(r.Context())
	default:
		respond.Error(w, http.StatusNotFound, "unknown job "+job)
		return
	}
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, "job finished", sum)
}
