package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/hongminglow/coop-ledger/internal/models"
	"github.com/hongminglow/coop-ledger/internal/storage"
)

var _ storage.Tx = (*sqliteTx)(nil)

// sqliteTx reads rows plainly: holding the only connection is the lock.
type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) LockAccounts(ctx context.Context, ids ...string) (map[string]*models.Account, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	out := make(map[string]*models.Account, len(sorted))
	for _, id := range sorted {
		acct, err := scanAccount(t.tx.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id))
		if err != nil {
			return nil, err
		}
		out[id] = &acct
	}
	return out, nil
}

func (t *sqliteTx) LockLoan(ctx context.Context, loanID string) (*models.Loan, error) {
	l, err := scanLoan(t.tx.QueryRowContext(ctx, `SELECT `+loanCols+` FROM loans WHERE id = ?`, loanID))
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (t *sqliteTx) LockEntry(ctx context.Context, entryID string) (*models.LedgerEntry, error) {
	e, err := scanEntry(t.tx.QueryRowContext(ctx, `SELECT `+entryCols+` FROM ledger_entries WHERE id = ?`, entryID))
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *sqliteTx) LockReserve(ctx context.Context) (*models.ReserveFund, error) {
	r, err := scanReserve(t.tx.QueryRowContext(ctx, `SELECT total_balance, fee_accumulation, total_payouts_made, updated_at FROM reserve_fund WHERE id = 1`))
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *sqliteTx) UpdateAccount(ctx context.Context, acct *models.Account) error {
	err := expectOne(t.tx.ExecContext(ctx, `
		UPDATE accounts
		SET liquid_balance = ?, locked_balance = ?, lending_balance = ?, updated_at = ?
		WHERE id = ?`,
		acct.LiquidBalance, acct.LockedBalance, acct.LendingBalance, ts(acct.UpdatedAt), acct.ID))
	if err != nil {
		return fmt.Errorf("update account %s: %w", acct.ID, err)
	}
	return nil
}

func (t *sqliteTx) UpdateReserve(ctx context.Context, r *models.ReserveFund) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE reserve_fund
		SET total_balance = ?, fee_accumulation = ?, total_payouts_made = ?, updated_at = ?
		WHERE id = 1`,
		r.TotalBalance, r.FeeAccumulation, r.TotalPayoutsMade, ts(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("update reserve: %w", err)
	}
	return nil
}

func (t *sqliteTx) InsertEntry(ctx context.Context, e *models.LedgerEntry) error {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode entry metadata: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, string(e.Type), e.Amount, string(e.Bucket), string(e.FromBucket), string(e.Status),
		e.ReferenceNumber, nullTS(e.ClearingEndsAt), nullTS(e.ClearedAt), e.RelatedLoanID, e.RelatedAccountID,
		string(raw), ts(e.CreatedAt))
	return mapError(err)
}

func (t *sqliteTx) UpdateEntryStatus(ctx context.Context, e *models.LedgerEntry) error {
	return expectOne(t.tx.ExecContext(ctx, `UPDATE ledger_entries SET status = ?, cleared_at = ? WHERE id = ?`,
		string(e.Status), nullTS(e.ClearedAt), e.ID))
}

func (t *sqliteTx) EntryByReference(ctx context.Context, ref string) (models.LedgerEntry, error) {
	return entryByReference(ctx, t.tx, ref)
}

func (t *sqliteTx) InsertLoan(ctx context.Context, l *models.Loan) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO loans (id, borrower_id, lender_id, principal_amount, interest_rate, interest_amount, collateral_amount,
			duration_days, capital_lock_days, status, reference_number, auto_repay_triggered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.BorrowerID, nullable(l.LenderID), l.PrincipalAmount, l.InterestRate.String(), l.InterestAmount,
		l.CollateralAmount, l.DurationDays, l.CapitalLockDays, string(l.Status), l.ReferenceNumber,
		l.AutoRepayTriggered, ts(l.CreatedAt))
	return mapError(err)
}

func (t *sqliteTx) UpdateLoan(ctx context.Context, l *models.Loan) error {
	return expectOne(t.tx.ExecContext(ctx, `
		UPDATE loans
		SET lender_id = ?, status = ?, auto_repay_triggered = ?, funded_at = ?, due_date = ?,
			capital_unlock_date = ?, settled_at = ?
		WHERE id = ?`,
		nullable(l.LenderID), string(l.Status), l.AutoRepayTriggered, nullTS(l.FundedAt), nullTS(l.DueDate),
		nullTS(l.CapitalUnlockDate), nullTS(l.SettledAt), l.ID))
}

func (t *sqliteTx) InsertInterestRecord(ctx context.Context, rec *models.InterestRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO interest_history (account_id, period_key, balance_snapshot, rate, amount, reference_number, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.AccountID, rec.PeriodKey, rec.BalanceSnapshot, rec.Rate.String(), rec.Amount, rec.ReferenceNumber, ts(rec.CreatedAt))
	return mapError(err)
}

func (t *sqliteTx) InsertReserveMovement(ctx context.Context, m *models.ReserveMovement) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO reserve_movements (`+movementCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Kind, m.Amount, m.ReferenceNumber, m.RelatedLoanID, m.RelatedAccountID, ts(m.CreatedAt))
	return mapError(err)
}
