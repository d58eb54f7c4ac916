package storage

import (
	"context"
	"errors"
	"time"

	"github.com/hongminglow/coop-ledger/internal/models"
)

// ErrNotFound indicates a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists indicates a uniqueness conflict.
var ErrAlreadyExists = errors.New("record already exists")

// EntryQuery filters ledger history reads.
type EntryQuery struct {
	Type   models.EntryType
	Status models.EntryStatus
	Limit  int
	Offset int
}

// LoanQuery filters loan listings. Empty fields match everything.
type LoanQuery struct {
	Status     models.LoanStatus
	BorrowerID string
	LenderID   string
	Limit      int
	Offset     int
}

// PendingCounts summarises what is still in flight for an account.
type PendingCounts struct {
	ClearingEntries   int   `json:"clearing_entries"`
	ClearingAmount    int64 `json:"clearing_amount"`
	OpenLoans         int   `json:"open_loans"`
	FundedAsBorrower  int   `json:"funded_as_borrower"`
	FundedAsLender    int   `json:"funded_as_lender"`
	OverdueAsBorrower int   `json:"overdue_as_borrower"`
}

// Tx is the transaction-scoped repository. Lock* methods take exclusive row
// locks held until the transaction ends; callers lock in the order
// entry → loan → accounts → reserve.
type Tx interface {
	// LockAccounts locks every listed account in ascending id order.
	LockAccounts(ctx context.Context, ids ...string) (map[string]*models.Account, error)
	LockLoan(ctx context.Context, loanID string) (*models.Loan, error)
	LockEntry(ctx context.Context, entryID string) (*models.LedgerEntry, error)
	LockReserve(ctx context.Context) (*models.ReserveFund, error)

	UpdateAccount(ctx context.Context, acct *models.Account) error
	UpdateReserve(ctx context.Context, r *models.ReserveFund) error

	// InsertEntry returns ErrAlreadyExists when the reference number is taken.
	InsertEntry(ctx context.Context, e *models.LedgerEntry) error
	UpdateEntryStatus(ctx context.Context, e *models.LedgerEntry) error
	EntryByReference(ctx context.Context, ref string) (models.LedgerEntry, error)

	InsertLoan(ctx context.Context, l *models.Loan) error
	UpdateLoan(ctx context.Context, l *models.Loan) error

	InsertInterestRecord(ctx context.Context, rec *models.InterestRecord) error
	// InsertReserveMovement returns ErrAlreadyExists when the reference number is taken.
	InsertReserveMovement(ctx context.Context, m *models.ReserveMovement) error
}

// Store captures persistence operations needed by the engine and handlers.
type Store interface {
	// WithTx runs fn in one transaction, committing when fn returns nil and
	// rolling back otherwise. fn must not call other Store methods.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	CreateAccount(ctx context.Context, acct models.Account) (models.Account, error)
	GetAccount(ctx context.Context, id string) (models.Account, error)
	SetAccountActive(ctx context.Context, id string, active bool) error
	SetKYCStatus(ctx context.Context, id, status string) error
	// ListFundedAccountIDs pages active accounts with a positive liquid
	// balance, ordered by id, strictly after afterID.
	ListFundedAccountIDs(ctx context.Context, afterID string, limit int) ([]string, error)

	GetEntryByReference(ctx context.Context, ref string) (models.LedgerEntry, error)
	ListEntries(ctx context.Context, accountID string, q EntryQuery) ([]models.LedgerEntry, error)
	// ListDueClearing pages ids of clearing entries due at now, ordered by id.
	ListDueClearing(ctx context.Context, now time.Time, afterID string, limit int) ([]string, error)

	GetLoan(ctx context.Context, id string) (models.Loan, error)
	GetLoanByReference(ctx context.Context, ref string) (models.Loan, error)
	ListLoans(ctx context.Context, q LoanQuery) ([]models.Loan, error)
	// ListOverdueLoans pages ids of funded loans due at now, ordered by id.
	ListOverdueLoans(ctx context.Context, now time.Time, afterID string, limit int) ([]string, error)
	PendingCounts(ctx context.Context, accountID string, now time.Time) (PendingCounts, error)

	GetReserve(ctx context.Context) (models.ReserveFund, error)
	GetReserveMovement(ctx context.Context, ref string) (models.ReserveMovement, error)
	ListReserveMovements(ctx context.Context, limit int) ([]models.ReserveMovement, error)

	// ClaimInterestRun inserts a running marker for period. It returns false
	// when the period is completed or a run started after staleBefore holds it.
	ClaimInterestRun(ctx context.Context, period string, now, staleBefore time.Time) (bool, error)
	CompleteInterestRun(ctx context.Context, run models.InterestRun) error
	GetInterestRun(ctx context.Context, period string) (models.InterestRun, error)
	ListInterestHistory(ctx context.Context, accountID string, limit int) ([]models.InterestRecord, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}
