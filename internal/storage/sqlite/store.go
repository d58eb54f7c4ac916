// Package sqlite persists the ledger in an embedded SQLite database.
// All transactions run on one connection, so writers are serialized and the
// Lock* methods need no row-level locking of their own.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/hongminglow/coop-ledger/internal/models"
	"github.com/hongminglow/coop-ledger/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the SQLite implementation of storage.Store.
type Store struct {
	db *sql.DB
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	dsn += "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}
	return nil
}

// WithTx runs fn in a transaction on the single connection.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// ─── Accounts ───────────────────────────────────────────────────────────────

const accountCols = `id, liquid_balance, locked_balance, lending_balance, membership_tier, kyc_status, active, created_at, updated_at`

// CreateAccount inserts a new account row with zero balances.
func (s *Store) CreateAccount(ctx context.Context, acct models.Account) (models.Account, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, membership_tier, kyc_status, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		acct.ID, acct.MembershipTier, acct.KYCStatus, acct.Active, ts(acct.CreatedAt), ts(acct.CreatedAt))
	if err != nil {
		return models.Account{}, mapError(err)
	}
	return s.GetAccount(ctx, acct.ID)
}

// GetAccount fetches an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (models.Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id))
}

// SetAccountActive activates or deactivates an account.
func (s *Store) SetAccountActive(ctx context.Context, id string, active bool) error {
	return expectOne(s.db.ExecContext(ctx, `UPDATE accounts SET active = ?, updated_at = ? WHERE id = ?`, active, ts(time.Now()), id))
}

// SetKYCStatus records the outcome of an external KYC review.
func (s *Store) SetKYCStatus(ctx context.Context, id, status string) error {
	return expectOne(s.db.ExecContext(ctx, `UPDATE accounts SET kyc_status = ?, updated_at = ? WHERE id = ?`, status, ts(time.Now()), id))
}

// ListFundedAccountIDs pages active accounts holding liquid funds.
func (s *Store) ListFundedAccountIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	return collectIDs(s.db.QueryContext(ctx, `
		SELECT id FROM accounts
		WHERE active = 1 AND liquid_balance > 0 AND id > ?
		ORDER BY id LIMIT ?`, afterID, limit))
}

// ─── Ledger entries ─────────────────────────────────────────────────────────

const entryCols = `id, account_id, type, amount, bucket, from_bucket, status, reference_number, clearing_ends_at, cleared_at, related_loan_id, related_account_id, metadata, created_at`

// GetEntryByReference fetches the entry carrying ref.
func (s *Store) GetEntryByReference(ctx context.Context, ref string) (models.LedgerEntry, error) {
	return entryByReference(ctx, s.db, ref)
}

// ListEntries returns an account's ledger history, newest first.
func (s *Store) ListEntries(ctx context.Context, accountID string, q storage.EntryQuery) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryCols+` FROM ledger_entries
		WHERE account_id = ?1
		  AND (?2 = '' OR type = ?2)
		  AND (?3 = '' OR status = ?3)
		ORDER BY created_at DESC, id DESC
		LIMIT ?4 OFFSET ?5`,
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
	return collectIDs(s.db.QueryContext(ctx, `
		SELECT id FROM ledger_entries
		WHERE status = 'clearing' AND clearing_ends_at <= ? AND id > ?
		ORDER BY id LIMIT ?`, ts(now), afterID, limit))
}

// ─── Loans ──────────────────────────────────────────────────────────────────

const loanCols = `id, borrower_id, lender_id, principal_amount, interest_rate, interest_amount, collateral_amount, duration_days, capital_lock_days, status, reference_number, auto_repay_triggered, created_at, funded_at, due_date, capital_unlock_date, settled_at`

// GetLoan fetches a loan by id.
func (s *Store) GetLoan(ctx context.Context, id string) (models.Loan, error) {
	return scanLoan(s.db.QueryRowContext(ctx, `SELECT `+loanCols+` FROM loans WHERE id = ?`, id))
}

// GetLoanByReference fetches the loan created under ref.
func (s *Store) GetLoanByReference(ctx context.Context, ref string) (models.Loan, error) {
	return scanLoan(s.db.QueryRowContext(ctx, `SELECT `+loanCols+` FROM loans WHERE reference_number = ?`, ref))
}

// ListLoans returns loans matching q, newest first.
func (s *Store) ListLoans(ctx context.Context, q storage.LoanQuery) ([]models.Loan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+loanCols+` FROM loans
		WHERE (?1 = '' OR status = ?1)
		  AND (?2 = '' OR borrower_id = ?2)
		  AND (?3 = '' OR lender_id = ?3)
		ORDER BY created_at DESC, id DESC
		LIMIT ?4 OFFSET ?5`,
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
	return collectIDs(s.db.QueryContext(ctx, `
		SELECT id FROM loans
		WHERE status = 'funded' AND due_date <= ? AND id > ?
		ORDER BY id LIMIT ?`, ts(now), afterID, limit))
}

// PendingCounts aggregates in-flight work for an account dashboard.
func (s *Store) PendingCounts(ctx context.Context, accountID string, now time.Time) (storage.PendingCounts, error) {
	var pc storage.PendingCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM ledger_entries WHERE account_id = ?1 AND status = 'clearing'),
			(SELECT COALESCE(SUM(ABS(amount)), 0) FROM ledger_entries WHERE account_id = ?1 AND status = 'clearing'),
			(SELECT COUNT(*) FROM loans WHERE borrower_id = ?1 AND status = 'open'),
			(SELECT COUNT(*) FROM loans WHERE borrower_id = ?1 AND status = 'funded'),
			(SELECT COUNT(*) FROM loans WHERE lender_id = ?1 AND status = 'funded'),
			(SELECT COUNT(*) FROM loans WHERE borrower_id = ?1 AND status = 'funded' AND due_date <= ?2)`,
		accountID, ts(now)).Scan(&pc.ClearingEntries, &pc.ClearingAmount, &pc.OpenLoans,
		&pc.FundedAsBorrower, &pc.FundedAsLender, &pc.OverdueAsBorrower)
	return pc, err
}

// ─── Reserve fund ───────────────────────────────────────────────────────────

// GetReserve reads the reserve fund singleton.
func (s *Store) GetReserve(ctx context.Context) (models.ReserveFund, error) {
	return scanReserve(s.db.QueryRowContext(ctx, `SELECT total_balance, fee_accumulation, total_payouts_made, updated_at FROM reserve_fund WHERE id = 1`))
}

const movementCols = `id, kind, amount, reference_number, related_loan_id, related_account_id, created_at`

// GetReserveMovement fetches the reserve movement carrying ref.
func (s *Store) GetReserveMovement(ctx context.Context, ref string) (models.ReserveMovement, error) {
	return scanMovement(s.db.QueryRowContext(ctx, `SELECT `+movementCols+` FROM reserve_movements WHERE reference_number = ?`, ref))
}

// ListReserveMovements returns the reserve journal, newest first.
func (s *Store) ListReserveMovements(ctx context.Context, limit int) ([]models.ReserveMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+movementCols+` FROM reserve_movements
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ReserveMovement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ─── Interest runs ──────────────────────────────────────────────────────────

// ClaimInterestRun takes the period marker, or a stale running one.
func (s *Store) ClaimInterestRun(ctx context.Context, period string, now, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO interest_runs (period_key, status, started_at)
		VALUES (?1, 'running', ?2)
		ON CONFLICT (period_key) DO UPDATE
			SET started_at = excluded.started_at
			WHERE interest_runs.status = 'running' AND interest_runs.started_at < ?3`,
		period, ts(now), ts(staleBefore))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteInterestRun stores a run's totals and marks it completed.
func (s *Store) CompleteInterestRun(ctx context.Context, run models.InterestRun) error {
	return expectOne(s.db.ExecContext(ctx, `
		UPDATE interest_runs
		SET status = 'completed', completed_at = ?, processed_count = ?, total_amount = ?, error_count = ?
		WHERE period_key = ?`,
		nullTS(run.CompletedAt), run.ProcessedCount, run.TotalAmount, run.ErrorCount, run.PeriodKey))
}

// GetInterestRun fetches a period marker.
func (s *Store) GetInterestRun(ctx context.Context, period string) (models.InterestRun, error) {
	var run models.InterestRun
	var started int64
	var completed sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT period_key, status, started_at, completed_at, processed_count, total_amount, error_count
		FROM interest_runs WHERE period_key = ?`, period).
		Scan(&run.PeriodKey, &run.Status, &started, &completed, &run.ProcessedCount, &run.TotalAmount, &run.ErrorCount)
	if errors.Is(err, sql.ErrNoRows) {
		return models.InterestRun{}, storage.ErrNotFound
	}
	if err != nil {
		return models.InterestRun{}, err
	}
	run.StartedAt = fromTS(started)
	run.CompletedAt = fromNullTS(completed)
	return run, nil
}

// ListInterestHistory returns an account's accrual records, newest first.
func (s *Store) ListInterestHistory(ctx context.Context, accountID string, limit int) ([]models.InterestRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, period_key, balance_snapshot, rate, amount, reference_number, created_at
		FROM interest_history WHERE account_id = ?
		ORDER BY period_key DESC LIMIT ?`, accountID, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.InterestRecord
	for rows.Next() {
		var rec models.InterestRecord
		var rate string
		var created int64
		if err := rows.Scan(&rec.AccountID, &rec.PeriodKey, &rec.BalanceSnapshot, &rate, &rec.Amount, &rec.ReferenceNumber, &created); err != nil {
			return nil, err
		}
		if rec.Rate, err = decimal.NewFromString(rate); err != nil {
			return nil, fmt.Errorf("parse interest rate: %w", err)
		}
		rec.CreatedAt = fromTS(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ─── Helpers ────────────────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func entryByReference(ctx context.Context, q querier, ref string) (models.LedgerEntry, error) {
	return scanEntry(q.QueryRowContext(ctx, `SELECT `+entryCols+` FROM ledger_entries WHERE reference_number = ?`, ref))
}

func scanAccount(row scanner) (models.Account, error) {
	var a models.Account
	var created, updated int64
	if err := row.Scan(&a.ID, &a.LiquidBalance, &a.LockedBalance, &a.LendingBalance, &a.MembershipTier, &a.KYCStatus, &a.Active, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Account{}, storage.ErrNotFound
		}
		return models.Account{}, err
	}
	a.CreatedAt = fromTS(created)
	a.UpdatedAt = fromTS(updated)
	return a, nil
}

func scanEntry(row scanner) (models.LedgerEntry, error) {
	var e models.LedgerEntry
	var typ, bucket, fromBucket, status, metadata string
	var clearingEnds, cleared sql.NullInt64
	var created int64
	if err := row.Scan(&e.ID, &e.AccountID, &typ, &e.Amount, &bucket, &fromBucket, &status, &e.ReferenceNumber,
		&clearingEnds, &cleared, &e.RelatedLoanID, &e.RelatedAccountID, &metadata, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.LedgerEntry{}, storage.ErrNotFound
		}
		return models.LedgerEntry{}, err
	}
	e.Type = models.EntryType(typ)
	e.Bucket = models.Bucket(bucket)
	e.FromBucket = models.Bucket(fromBucket)
	e.Status = models.EntryStatus(status)
	e.ClearingEndsAt = fromNullTS(clearingEnds)
	e.ClearedAt = fromNullTS(cleared)
	e.CreatedAt = fromTS(created)
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return models.LedgerEntry{}, fmt.Errorf("decode entry metadata: %w", err)
		}
	}
	return e, nil
}

func scanLoan(row scanner) (models.Loan, error) {
	var l models.Loan
	var lender sql.NullString
	var rate, status string
	var created int64
	var funded, due, unlock, settled sql.NullInt64
	if err := row.Scan(&l.ID, &l.BorrowerID, &lender, &l.PrincipalAmount, &rate, &l.InterestAmount, &l.CollateralAmount,
		&l.DurationDays, &l.CapitalLockDays, &status, &l.ReferenceNumber, &l.AutoRepayTriggered, &created,
		&funded, &due, &unlock, &settled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Loan{}, storage.ErrNotFound
		}
		return models.Loan{}, err
	}
	l.LenderID = lender.String
	l.Status = models.LoanStatus(status)
	l.CreatedAt = fromTS(created)
	l.FundedAt = fromNullTS(funded)
	l.DueDate = fromNullTS(due)
	l.CapitalUnlockDate = fromNullTS(unlock)
	l.SettledAt = fromNullTS(settled)
	parsed, err := decimal.NewFromString(rate)
	if err != nil {
		return models.Loan{}, fmt.Errorf("parse loan rate: %w", err)
	}
	l.InterestRate = parsed
	return l, nil
}

func scanReserve(row scanner) (models.ReserveFund, error) {
	var r models.ReserveFund
	var updated int64
	if err := row.Scan(&r.TotalBalance, &r.FeeAccumulation, &r.TotalPayoutsMade, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ReserveFund{}, storage.ErrNotFound
		}
		return models.ReserveFund{}, err
	}
	r.UpdatedAt = fromTS(updated)
	return r, nil
}

func scanMovement(row scanner) (models.ReserveMovement, error) {
	var m models.ReserveMovement
	var created int64
	if err := row.Scan(&m.ID, &m.Kind, &m.Amount, &m.ReferenceNumber, &m.RelatedLoanID, &m.RelatedAccountID, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.ReserveMovement{}, storage.ErrNotFound
		}
		return models.ReserveMovement{}, err
	}
	m.CreatedAt = fromTS(created)
	return m, nil
}

func collectIDs(rows *sql.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Timestamps are stored as unix nanoseconds so range scans compare numerically.
func ts(t time.Time) int64 { return t.UTC().UnixNano() }

func fromTS(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func fromNullTS(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromTS(n.Int64)
	return &t
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func mapError(err error) error {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return storage.ErrAlreadyExists
		}
	}
	return err
}
