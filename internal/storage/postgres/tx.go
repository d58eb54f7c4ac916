package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"

	"github.com/hongminglow/coop-ledger/internal/models"
	"github.com/hongminglow/coop-ledger/internal/storage"
)

var _ storage.Tx = (*pgTx)(nil)

// pgTx locks rows with SELECT ... FOR UPDATE inside a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockAccounts(ctx context.Context, ids ...string) (map[string]*models.Account, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	out := make(map[string]*models.Account, len(sorted))
	for _, id := range sorted {
		acct, err := scanAccount(t.tx.QueryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return nil, err
		}
		out[id] = &acct
	}
	return out, nil
}

func (t *pgTx) LockLoan(ctx context.Context, loanID string) (*models.Loan, error) {
	l, err := scanLoan(t.tx.QueryRow(ctx, `SELECT `+loanCols+` FROM loans WHERE id = $1 FOR UPDATE`, loanID))
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (t *pgTx) LockEntry(ctx context.Context, entryID string) (*models.LedgerEntry, error) {
	e, err := scanEntry(t.tx.QueryRow(ctx, `SELECT `+entryCols+` FROM ledger_entries WHERE id = $1 FOR UPDATE`, entryID))
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (t *pgTx) LockReserve(ctx context.Context) (*models.ReserveFund, error) {
	r, err := scanReserve(t.tx.QueryRow(ctx, `SELECT total_balance, fee_accumulation, total_payouts_made, updated_at FROM reserve_fund WHERE id = 1 FOR UPDATE`))
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *pgTx) UpdateAccount(ctx context.Context, acct *models.Account) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE accounts
		SET liquid_balance = $1, locked_balance = $2, lending_balance = $3, updated_at = $4
		WHERE id = $5`,
		acct.LiquidBalance, acct.LockedBalance, acct.LendingBalance, acct.UpdatedAt, acct.ID)
	if err != nil {
		return fmt.Errorf("update account %s: %w", acct.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *pgTx) UpdateReserve(ctx context.Context, r *models.ReserveFund) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE reserve_fund
		SET total_balance = $1, fee_accumulation = $2, total_payouts_made = $3, updated_at = $4
		WHERE id = 1`,
		r.TotalBalance, r.FeeAccumulation, r.TotalPayoutsMade, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update reserve: %w", err)
	}
	return nil
}

func (t *pgTx) InsertEntry(ctx context.Context, e *models.LedgerEntry) error {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode entry metadata: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO ledger_entries (`+entryCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14)`,
		e.ID, e.AccountID, string(e.Type), e.Amount, string(e.Bucket), string(e.FromBucket), string(e.Status),
		e.ReferenceNumber, e.ClearingEndsAt, e.ClearedAt, e.RelatedLoanID, e.RelatedAccountID, string(raw), e.CreatedAt)
	if err != nil {
		return mapError(err)
	}
	return nil
}

func (t *pgTx) UpdateEntryStatus(ctx context.Context, e *models.LedgerEntry) error {
	tag, err := t.tx.Exec(ctx, `UPDATE ledger_entries SET status = $1, cleared_at = $2 WHERE id = $3`,
		string(e.Status), e.ClearedAt, e.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *pgTx) EntryByReference(ctx context.Context, ref string) (models.LedgerEntry, error) {
	return entryByReference(ctx, t.tx, ref)
}

func (t *pgTx) InsertLoan(ctx context.Context, l *models.Loan) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO loans (id, borrower_id, lender_id, principal_amount, interest_rate, interest_amount, collateral_amount,
			duration_days, capital_lock_days, status, reference_number, auto_repay_triggered, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13)`,
		l.ID, l.BorrowerID, nullable(l.LenderID), l.PrincipalAmount, l.InterestRate.String(), l.InterestAmount,
		l.CollateralAmount, l.DurationDays, l.CapitalLockDays, string(l.Status), l.ReferenceNumber,
		l.AutoRepayTriggered, l.CreatedAt)
	if err != nil {
		return mapError(err)
	}
	return nil
}

func (t *pgTx) UpdateLoan(ctx context.Context, l *models.Loan) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE loans
		SET lender_id = $1, status = $2, auto_repay_triggered = $3, funded_at = $4, due_date = $5,
			capital_unlock_date = $6, settled_at = $7
		WHERE id = $8`,
		nullable(l.LenderID), string(l.Status), l.AutoRepayTriggered, l.FundedAt, l.DueDate,
		l.CapitalUnlockDate, l.SettledAt, l.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertInterestRecord(ctx context.Context, rec *models.InterestRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO interest_history (account_id, period_key, balance_snapshot, rate, amount, reference_number, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)`,
		rec.AccountID, rec.PeriodKey, rec.BalanceSnapshot, rec.Rate.String(), rec.Amount, rec.ReferenceNumber, rec.CreatedAt)
	if err != nil {
		return mapError(err)
	}
	return nil
}

func (t *pgTx) InsertReserveMovement(ctx context.Context, m *models.ReserveMovement) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO reserve_movements (`+movementCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.Kind, m.Amount, m.ReferenceNumber, m.RelatedLoanID, m.RelatedAccountID, m.CreatedAt)
	if err != nil {
		return mapError(err)
	}
	return nil
}
