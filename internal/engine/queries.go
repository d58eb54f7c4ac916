package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/hongminglow/coop-ledger/internal/models"
	"github.com/hongminglow/coop-ledger/internal/storage"
)

// Account returns an account's balances.
func (e *Engine) Account(ctx context.Context, id string) (models.Account, error) {
	acct, err := e.store.GetAccount(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Account{}, ErrAccountNotFound
	}
	return acct, err
}

// Entries returns an account's ledger history, newest first.
func (e *Engine) Entries(ctx context.Context, accountID string, q storage.EntryQuery) ([]models.LedgerEntry, error) {
	if q.Type != "" && !validEntryType(q.Type) {
		return nil, invalid("type", "unknown entry type %q", q.Type)
	}
	switch q.Status {
	case "", models.StatusClearing, models.StatusCompleted, models.StatusReversed:
	default:
		return nil, invalid("status", "unknown entry status %q", q.Status)
	}
	return e.store.ListEntries(ctx, accountID, q)
}

// Loan returns one loan.
func (e *Engine) Loan(ctx context.Context, id string) (models.Loan, error) {
	loan, err := e.store.GetLoan(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Loan{}, ErrLoanNotFound
	}
	return loan, err
}

// Loans lists loans: the open marketplace, or a member's borrowing and
// lending.
func (e *Engine) Loans(ctx context.Context, q storage.LoanQuery) ([]models.Loan, error) {
	switch q.Status {
	case "", models.LoanOpen, models.LoanFunded, models.LoanRepaid, models.LoanDefaulted, models.LoanCancelled:
	default:
		return nil, invalid("status", "unknown loan status %q", q.Status)
	}
	return e.store.ListLoans(ctx, q)
}

// PendingCounts returns what is still in flight for an account.
func (e *Engine) PendingCounts(ctx context.Context, accountID string) (storage.PendingCounts, error) {
	return e.store.PendingCounts(ctx, accountID, e.now())
}

// Reserve returns the reserve fund status.
func (e *Engine) Reserve(ctx context.Context) (models.ReserveFund, error) {
	return e.store.GetReserve(ctx)
}

// ReserveMovements returns the reserve journal, newest first.
func (e *Engine) ReserveMovements(ctx context.Context, limit int) ([]models.ReserveMovement, error) {
	return e.store.ListReserveMovements(ctx, limit)
}

// InterestHistory returns an account's accrual records, newest first.
func (e *Engine) InterestHistory(ctx context.Context, accountID string, limit int) ([]models.InterestRecord, error) {
	return e.store.ListInterestHistory(ctx, accountID, limit)
}

// Reconcile replays an account's full ledger history against its stored
// balances.
func (e *Engine) Reconcile(ctx context.Context, accountID string) (models.Reconciliation, error) {
	acct, err := e.Account(ctx, accountID)
	if err != nil {
		return models.Reconciliation{}, err
	}
	entries, err := e.store.ListEntries(ctx, accountID, storage.EntryQuery{})
	if err != nil {
		return models.Reconciliation{}, fmt.Errorf("list entries: %w", err)
	}
	rec := models.Reconcile(acct, entries)
	if !rec.Balanced {
		e.log.Error("account out of balance", "account_id", accountID, "stored", rec.Stored, "derived", rec.Derived)
	}
	return rec, nil
}

func validEntryType(t models.EntryType) bool {
	switch t {
	case models.EntryDeposit, models.EntryWithdrawal, models.EntryTransferOut, models.EntryTransferIn,
		models.EntryLendingProfit, models.EntryVaultInterest, models.EntryLoanFunding, models.EntryLoanRepayment,
		models.EntryCollateralLock, models.EntryCollateralRelease, models.EntryCollateralForfeit,
		models.EntryReferralCommission:
		return true
	}
	return false
}
