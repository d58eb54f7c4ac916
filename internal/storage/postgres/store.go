package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hongminglow/coop-ledger/internal/models"
	"github.com/hongminglow/coop-ledger/internal/storage"
)

// Ensure Store satisfies the storage.Store interface at compile time.
var _ storage.Store = (*Store)(nil)

// Store provides Postgres-backed persistence for the ledger.
type Store struct {
	pool *pgxpool.Pool
}

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewStore creates a new Store and runs migrations.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// Close releases database resources.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithTx runs fn inside a read-committed transaction. Row locks taken through
// the Tx are released on commit or rollback.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("commit: %w", err))
	}
	committed = true
	return nil
}

// ==================== Accounts ====================

const accountCols = `id, liquid_balance, locked_balance, lending_balance, membership_tier, kyc_status, active, created_at, updated_at`

// CreateAccount inserts a new account row with zero balances.
func (s *Store) CreateAccount(ctx context.Context, acct models.Account) (models.Account, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, membership_tier, kyc_status, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING `+accountCols,
		acct.ID, acct.MembershipTier, acct.KYCStatus, acct.Active, acct.CreatedAt)
	created, err := scanAccount(row)
	if err != nil {
		return models.Account{}, mapError(err)
	}
	return created, nil
}

// GetAccount fetches an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (models.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = $1`, id))
}

// SetAccountActive activates or deactivates an account.
func (s *Store) SetAccountActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE accounts SET active = $1, updated_at = NOW() WHERE id = $2`, active, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetKYCStatus records the outcome of an external KYC review.
func (s *Store) SetKYCStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE accounts SET kyc_status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListFundedAccountIDs pages active accounts holding liquid funds.
func (s *Store) ListFundedAccountIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	return collectIDs(s.pool.Query(ctx, `
		SELECT id FROM accounts
		WHERE active AND liquid_balance > 0 AND id > $1
		ORDER BY id LIMIT $2`, afterID, limit))
}

// ==================== Ledger entries ====================

const entryCols = `id, account_id, type, amount, bucket, from_bucket, status, reference_number, clearing_ends_at, cleared_at, related_loan_id, related_account_id, metadata, created_at`

// GetEntryByReference fetches the entry carrying ref.
func (s *Store) GetEntryByReference(ctx context.Context, ref string) (models.LedgerEntry, error) {
	return entryByReference(ctx, s.pool, ref)
}

// ListEntries returns an account's ledger history, newest first.
func (s *Store) ListEntries(ctx context.Context, accountID string, q storage.EntryQuery) ([]models.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryCols+` FROM ledger_entries
		WHERE account_id = $1
		  AND ($2 = '' OR type = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4 OFFSET $5`,
		accountID, string(q.Type), string(q.Status), limitOrAll(q.Limit), q.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListDueClearing pages clearing entries whose hold has elapsed.
func (s *Store) ListDueClearing(ctx context.Context, now time.Time, afterID string, limit int) ([]string, error) {
	return collectIDs(s.pool.Query(ctx, `
		SELECT id FROM ledger_entries
		WHERE status = 'clearing' AND clearing_ends_at <= $1 AND id > $2
		ORDER BY id LIMIT $3`, now, afterID, limit))
}

// ==================== Loans ====================

const loanCols = `id, borrower_id, lender_id, principal_amount, interest_rate::text, interest_amount, collateral_amount, duration_days, capital_lock_days, status, reference_number, auto_repay_triggered, created_at, funded_at, due_date, capital_unlock_date, settled_at`

// GetLoan fetches a loan by id.
func (s *Store) GetLoan(ctx context.Context, id string) (models.Loan, error) {
	return scanLoan(s.pool.QueryRow(ctx, `SELECT `+loanCols+` FROM loans WHERE id = $1`, id))
}

// GetLoanByReference fetches the loan created under ref.
func (s *Store) GetLoanByReference(ctx context.Context, ref string) (models.Loan, error) {
	return scanLoan(s.pool.QueryRow(ctx, `SELECT `+loanCols+` FROM loans WHERE reference_number = $1`, ref))
}

// ListLoans returns loans matching q, newest first.
func (s *Store) ListLoans(ctx context.Context, q storage.LoanQuery) ([]models.Loan, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+loanCols+` FROM loans
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR borrower_id = $2)
		  AND ($3 = '' OR lender_id = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4 OFFSET $5`,
		string(q.Status), q.BorrowerID, q.LenderID, limitOrAll(q.Limit), q.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListOverdueLoans pages funded loans past their due date.
func (s *Store) ListOverdueLoans(ctx context.Context, now time.Time, afterID string, limit int) ([]string, error) {
	return collectIDs(s.pool.Query(ctx, `
		SELECT id FROM loans
		WHERE status = 'funded' AND due_date <= $1 AND id > $2
		ORDER BY id LIMIT $3`, now, afterID, limit))
}

// PendingCounts aggregates in-flight work for an account dashboard.
func (s *Store) PendingCounts(ctx context.Context, accountID string, now time.Time) (storage.PendingCounts, error) {
	var pc storage.PendingCounts
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM ledger_entries WHERE account_id = $1 AND status = 'clearing'),
			(SELECT COALESCE(SUM(ABS(amount)), 0) FROM ledger_entries WHERE account_id = $1 AND status = 'clearing'),
			(SELECT COUNT(*) FROM loans WHERE borrower_id = $1 AND status = 'open'),
			(SELECT COUNT(*) FROM loans WHERE borrower_id = $1 AND status = 'funded'),
			(SELECT COUNT(*) FROM loans WHERE lender_id = $1 AND status = 'funded'),
			(SELECT COUNT(*) FROM loans WHERE borrower_id = $1 AND status = 'funded' AND due_date <= $2)`,
		accountID, now).Scan(&pc.ClearingEntries, &pc.ClearingAmount, &pc.OpenLoans,
		&pc.FundedAsBorrower, &pc.FundedAsLender, &pc.OverdueAsBorrower)
	return pc, err
}

// ==================== Reserve fund ====================

// GetReserve reads the reserve fund singleton.
func (s *Store) GetReserve(ctx context.Context) (models.ReserveFund, error) {
	return scanReserve(s.pool.QueryRow(ctx, `SELECT total_balance, fee_accumulation, total_payouts_made, updated_at FROM reserve_fund WHERE id = 1`))
}

const movementCols = `id, kind, amount, reference_number, related_loan_id, related_account_id, created_at`

// GetReserveMovement fetches the reserve movement carrying ref.
func (s *Store) GetReserveMovement(ctx context.Context, ref string) (models.ReserveMovement, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+movementCols+` FROM reserve_movements WHERE reference_number = $1`, ref)
	if err != nil {
		return models.ReserveMovement{}, err
	}
	m, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByPos[models.ReserveMovement])
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ReserveMovement{}, storage.ErrNotFound
	}
	return m, err
}

// ListReserveMovements returns the reserve journal, newest first.
func (s *Store) ListReserveMovements(ctx context.Context, limit int) ([]models.ReserveMovement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+movementCols+` FROM reserve_movements
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[models.ReserveMovement])
}

// ==================== Interest runs ====================

// ClaimInterestRun takes the period marker, or a stale running one.
func (s *Store) ClaimInterestRun(ctx context.Context, period string, now, staleBefore time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO interest_runs (period_key, status, started_at)
		VALUES ($1, 'running', $2)
		ON CONFLICT (period_key) DO UPDATE
			SET started_at = EXCLUDED.started_at
			WHERE interest_runs.status = 'running' AND interest_runs.started_at < $3`,
		period, now, staleBefore)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteInterestRun stores a run's totals and marks it completed.
func (s *Store) CompleteInterestRun(ctx context.Context, run models.InterestRun) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE interest_runs
		SET status = 'completed', completed_at = $2, processed_count = $3, total_amount = $4, error_count = $5
		WHERE period_key = $1`,
		run.PeriodKey, run.CompletedAt, run.ProcessedCount, run.TotalAmount, run.ErrorCount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetInterestRun fetches a period marker.
func (s *Store) GetInterestRun(ctx context.Context, period string) (models.InterestRun, error) {
	var run models.InterestRun
	err := s.pool.QueryRow(ctx, `
		SELECT period_key, status, started_at, completed_at, processed_count, total_amount, error_count
		FROM interest_runs WHERE period_key = $1`, period).
		Scan(&run.PeriodKey, &run.Status, &run.StartedAt, &run.CompletedAt, &run.ProcessedCount, &run.TotalAmount, &run.ErrorCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.InterestRun{}, storage.ErrNotFound
	}
	return run, err
}

// ListInterestHistory returns an account's accrual records, newest first.
func (s *Store) ListInterestHistory(ctx context.Context, accountID string, limit int) ([]models.InterestRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account_id, period_key, balance_snapshot, rate::text, amount, reference_number, created_at
		FROM interest_history WHERE account_id = $1
		ORDER BY period_key DESC LIMIT $2`, accountID, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.InterestRecord
	for rows.Next() {
		var rec models.InterestRecord
		var rate string
		if err := rows.Scan(&rec.AccountID, &rec.PeriodKey, &rec.BalanceSnapshot, &rate, &rec.Amount, &rec.ReferenceNumber, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if rec.Rate, err = decimal.NewFromString(rate); err != nil {
			return nil, fmt.Errorf("parse interest rate: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ==================== Helpers ====================

func entryByReference(ctx context.Context, q querier, ref string) (models.LedgerEntry, error) {
	return scanEntry(q.QueryRow(ctx, `SELECT `+entryCols+` FROM ledger_entries WHERE reference_number = $1`, ref))
}

func scanAccount(row pgx.Row) (models.Account, error) {
	var a models.Account
	if err := row.Scan(&a.ID, &a.LiquidBalance, &a.LockedBalance, &a.LendingBalance, &a.MembershipTier, &a.KYCStatus, &a.Active, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Account{}, storage.ErrNotFound
		}
		return models.Account{}, err
	}
	return a, nil
}

func scanEntry(row pgx.Row) (models.LedgerEntry, error) {
	var e models.LedgerEntry
	var typ, bucket, fromBucket, status string
	var metadata []byte
	if err := row.Scan(&e.ID, &e.AccountID, &typ, &e.Amount, &bucket, &fromBucket, &status, &e.ReferenceNumber,
		&e.ClearingEndsAt, &e.ClearedAt, &e.RelatedLoanID, &e.RelatedAccountID, &metadata, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.LedgerEntry{}, storage.ErrNotFound
		}
		return models.LedgerEntry{}, err
	}
	e.Type = models.EntryType(typ)
	e.Bucket = models.Bucket(bucket)
	e.FromBucket = models.Bucket(fromBucket)
	e.Status = models.EntryStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return models.LedgerEntry{}, fmt.Errorf("decode entry metadata: %w", err)
		}
	}
	return e, nil
}

func scanLoan(row pgx.Row) (models.Loan, error) {
	var l models.Loan
	var lender *string
	var rate, status string
	if err := row.Scan(&l.ID, &l.BorrowerID, &lender, &l.PrincipalAmount, &rate, &l.InterestAmount, &l.CollateralAmount,
		&l.DurationDays, &l.CapitalLockDays, &status, &l.ReferenceNumber, &l.AutoRepayTriggered, &l.CreatedAt,
		&l.FundedAt, &l.DueDate, &l.CapitalUnlockDate, &l.SettledAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Loan{}, storage.ErrNotFound
		}
		return models.Loan{}, err
	}
	if lender != nil {
		l.LenderID = *lender
	}
	l.Status = models.LoanStatus(status)
	parsed, err := decimal.NewFromString(rate)
	if err != nil {
		return models.Loan{}, fmt.Errorf("parse loan rate: %w", err)
	}
	l.InterestRate = parsed
	return l, nil
}

func scanReserve(row pgx.Row) (models.ReserveFund, error) {
	var r models.ReserveFund
	if err := row.Scan(&r.TotalBalance, &r.FeeAccumulation, &r.TotalPayoutsMade, &r.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ReserveFund{}, storage.ErrNotFound
		}
		return models.ReserveFund{}, err
	}
	return r, nil
}

func collectIDs(rows pgx.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func limitOrAll(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return storage.ErrAlreadyExists
	}
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
