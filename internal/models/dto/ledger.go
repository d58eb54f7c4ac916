package dto

import (
	"time"

	"github.com/hongminglow/coop-ledger/internal/models"
	"github.com/hongminglow/coop-ledger/internal/storage"
)

// Destination mirrors engine.Destination on the wire.
type Destination struct {
	Kind    string `json:"kind"`
	Address string `json:"address"`
}

type DepositRequest struct {
	Amount          int64  `json:"amount"`
	Channel         string `json:"channel"`
	ReferenceNumber string `json:"reference_number"`
}

type TransferRequest struct {
	Amount          int64       `json:"amount"`
	Destination     Destination `json:"destination"`
	ReferenceNumber string      `json:"reference_number"`
}

type LoanRequest struct {
	Amount          int64  `json:"amount"`
	ReferenceNumber string `json:"reference_number"`
}

// LoanActionRequest is the optional body of fund, repay and cancel calls.
type LoanActionRequest struct {
	ReferenceNumber string `json:"reference_number"`
}

// AccountResponse is an account with its in-flight counters.
type AccountResponse struct {
	Account models.Account        `json:"account"`
	Pending storage.PendingCounts `json:"pending"`
}

type OpenAccountRequest struct {
	ID             string     `json:"id"`
	MembershipTier string     `json:"membership_tier"`
	KYCStatus      string     `json:"kyc_status"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
}

// UpdateAccountRequest changes only the fields that are present.
type UpdateAccountRequest struct {
	Active    *bool   `json:"active,omitempty"`
	KYCStatus *string `json:"kyc_status,omitempty"`
}

type ReserveContributionRequest struct {
	Amount          int64  `json:"amount"`
	ReferenceNumber string `json:"reference_number"`
}

type ReferralRequest struct {
	ReferrerID        string `json:"referrer_id"`
	ReferredAccountID string `json:"referred_account_id"`
	Amount            int64  `json:"amount"`
	ReferenceNumber   string `json:"reference_number"`
}

type ReverseClearingRequest struct {
	Reason string `json:"reason"`
}

// ValidationDetail names the request field that was rejected.
type ValidationDetail struct {
	Field string `json:"field"`
}
