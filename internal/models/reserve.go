package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReserveFund is the pooled capital guaranteeing lender payouts.
type ReserveFund struct {
	TotalBalance     int64     `json:"total_balance"`
	FeeAccumulation  int64     `json:"fee_accumulation"`
	TotalPayoutsMade int64     `json:"total_payouts_made"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Reserve movement kinds.
const (
	ReserveContribution = "contribution"
	ReserveFee          = "withdrawal-fee"
	ReserveFeeRefund    = "fee-refund"
	ReservePayout       = "default-payout"
	ReserveForfeit      = "collateral-forfeit"
)

// ReserveMovement journals one change to the reserve fund. Amount is signed.
type ReserveMovement struct {
	ID               string    `json:"id"`
	Kind             string    `json:"kind"`
	Amount           int64     `json:"amount"`
	ReferenceNumber  string    `json:"reference_number"`
	RelatedLoanID    string    `json:"related_loan_id,omitempty"`
	RelatedAccountID string    `json:"related_account_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Interest run states.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
)

// InterestRun marks an accrual period as claimed or processed.
type InterestRun struct {
	PeriodKey      string     `json:"period_key"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ProcessedCount int        `json:"processed_count"`
	TotalAmount    int64      `json:"total_amount"`
	ErrorCount     int        `json:"error_count"`
}

// InterestRecord is one account's accrual within a period, kept for reporting.
type InterestRecord struct {
	AccountID       string          `json:"account_id"`
	PeriodKey       string          `json:"period_key"`
	BalanceSnapshot int64           `json:"balance_snapshot"`
	Rate            decimal.Decimal `json:"rate"`
	Amount          int64           `json:"amount"`
	ReferenceNumber string          `json:"reference_number"`
	CreatedAt       time.Time       `json:"created_at"`
}
