package engine

import (
	"errors"
	"fmt"
)

// Business failures. All are returned after the transaction rolls back.
var (
	ErrValidation             = errors.New("engine: validation failed")
	ErrInsufficientFunds      = errors.New("engine: insufficient funds")
	ErrAgingNotMet            = errors.New("engine: account too new")
	ErrCollateralInsufficient = errors.New("engine: collateral insufficient")
	ErrAmountOutOfRange       = errors.New("engine: amount out of range")
	ErrLoanUnavailable        = errors.New("engine: loan unavailable")
	ErrSelfFundingDenied      = errors.New("engine: cannot fund own loan")
	ErrNotBorrower            = errors.New("engine: caller is not the borrower")
	ErrLoanNotActive          = errors.New("engine: loan not active")
	ErrRateLimited            = errors.New("engine: rate limited")
	ErrReserveInsufficient    = errors.New("engine: reserve fund insufficient")
	ErrConflict               = errors.New("engine: reference number conflict")
	ErrAccountNotFound        = errors.New("engine: account not found")
	ErrLoanNotFound           = errors.New("engine: loan not found")
	ErrEntryNotFound          = errors.New("engine: ledger entry not found")
	ErrAccountInactive        = errors.New("engine: account inactive")
	ErrKYCRequired            = errors.New("engine: kyc verification required")
	ErrMaintenance            = errors.New("engine: maintenance in progress")
)

// ValidationError reports a malformed or disallowed input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("engine: invalid %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

var businessErrors = []error{
	ErrValidation,
	ErrInsufficientFunds,
	ErrAgingNotMet,
	ErrCollateralInsufficient,
	ErrAmountOutOfRange,
	ErrLoanUnavailable,
	ErrSelfFundingDenied,
	ErrNotBorrower,
	ErrLoanNotActive,
	ErrRateLimited,
	ErrReserveInsufficient,
	ErrConflict,
	ErrAccountNotFound,
	ErrLoanNotFound,
	ErrEntryNotFound,
	ErrAccountInactive,
	ErrKYCRequired,
	ErrMaintenance,
}

// IsBusinessError reports whether err is a caller-facing rule violation
// rather than an infrastructure failure.
func IsBusinessError(err error) bool {
	for _, target := range businessErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
