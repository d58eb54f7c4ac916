package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LoanStatus is a state in the loan lifecycle.
type LoanStatus string

const (
	LoanOpen      LoanStatus = "open"
	LoanFunded    LoanStatus = "funded"
	LoanRepaid    LoanStatus = "repaid"
	LoanDefaulted LoanStatus = "defaulted"
	LoanCancelled LoanStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s LoanStatus) Terminal() bool {
	return s == LoanRepaid || s == LoanDefaulted || s == LoanCancelled
}

// Loan is a peer-funded credit agreement.
type Loan struct {
	ID                 string          `json:"id"`
	BorrowerID         string          `json:"borrower_id"`
	LenderID           string          `json:"lender_id,omitempty"`
	PrincipalAmount    int64           `json:"principal_amount"`
	InterestRate       decimal.Decimal `json:"interest_rate"`
	InterestAmount     int64           `json:"interest_amount"`
	CollateralAmount   int64           `json:"collateral_amount"`
	DurationDays       int             `json:"duration_days"`
	CapitalLockDays    int             `json:"capital_lock_days"`
	Status             LoanStatus      `json:"status"`
	ReferenceNumber    string          `json:"reference_number"`
	AutoRepayTriggered bool            `json:"auto_repay_triggered"`
	CreatedAt          time.Time       `json:"created_at"`
	FundedAt           *time.Time      `json:"funded_at,omitempty"`
	DueDate            *time.Time      `json:"due_date,omitempty"`
	CapitalUnlockDate  *time.Time      `json:"capital_unlock_date,omitempty"`
	SettledAt          *time.Time      `json:"settled_at,omitempty"`
}

// AmountDue is what the borrower owes on repayment.
func (l Loan) AmountDue() int64 {
	return l.PrincipalAmount + l.InterestAmount
}

// Overdue reports whether a funded loan is past its due date at now.
func (l Loan) Overdue(now time.Time) bool {
	return l.Status == LoanFunded && l.DueDate != nil && !now.Before(*l.DueDate)
}
