package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hongminglow/coop-ledger/internal/engine"
	"github.com/hongminglow/coop-ledger/internal/http/respond"
	"github.com/hongminglow/coop-ledger/internal/models/dto"
)

const maxBodyBytes = 1 << 20

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

// statusFor maps engine failures to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotBorrower):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrAccountNotFound),
		errors.Is(err, engine.ErrLoanNotFound),
		errors.Is(err, engine.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrConflict),
		errors.Is(err, engine.ErrLoanUnavailable),
		errors.Is(err, engine.ErrLoanNotActive),
		errors.Is(err, engine.ErrReserveInsufficient):
		return http.StatusConflict
	case errors.Is(err, engine.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, engine.ErrMaintenance):
		return http.StatusServiceUnavailable
	case engine.IsBusinessError(err):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// writeError renders an engine error. Infrastructure failures are logged and
// hidden from the caller.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error("request failed", "error", err)
		respond.Error(w, status, "internal error")
		return
	}
	var verr *engine.ValidationError
	if errors.As(err, &verr) {
		respond.ErrorData(w, status, verr.Error(), dto.ValidationDetail{Field: verr.Field})
		return
	}
	respond.Error(w, status, err.Error())
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &engine.ValidationError{Field: name, Message: "must be a non-negative integer"}
	}
	return n, nil
}
