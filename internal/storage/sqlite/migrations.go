package sqlite

// migrations returns the schema, one statement per string
// (SQLite executes one at a time).
func migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id              TEXT PRIMARY KEY,
			liquid_balance  INTEGER NOT NULL DEFAULT 0 CHECK (liquid_balance >= 0),
			locked_balance  INTEGER NOT NULL DEFAULT 0 CHECK (locked_balance >= 0),
			lending_balance INTEGER NOT NULL DEFAULT 0 CHECK (lending_balance >= 0),
			membership_tier TEXT NOT NULL DEFAULT 'member',
			kyc_status      TEXT NOT NULL DEFAULT 'pending',
			active          INTEGER NOT NULL DEFAULT 1,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id                 TEXT PRIMARY KEY,
			account_id         TEXT NOT NULL REFERENCES accounts(id),
			type               TEXT NOT NULL,
			amount             INTEGER NOT NULL,
			bucket             TEXT NOT NULL,
			from_bucket        TEXT NOT NULL DEFAULT '',
			status             TEXT NOT NULL,
			reference_number   TEXT NOT NULL UNIQUE,
			clearing_ends_at   INTEGER,
			cleared_at         INTEGER,
			related_loan_id    TEXT NOT NULL DEFAULT '',
			related_account_id TEXT NOT NULL DEFAULT '',
			metadata           TEXT NOT NULL DEFAULT '{}',
			created_at         INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_account ON ledger_entries(account_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_entries_clearing ON ledger_entries(status, clearing_ends_at)`,
		`CREATE TABLE IF NOT EXISTS loans (
			id                   TEXT PRIMARY KEY,
			borrower_id          TEXT NOT NULL REFERENCES accounts(id),
			lender_id            TEXT REFERENCES accounts(id),
			principal_amount     INTEGER NOT NULL CHECK (principal_amount > 0),
			interest_rate        TEXT NOT NULL,
			interest_amount      INTEGER NOT NULL CHECK (interest_amount >= 0),
			collateral_amount    INTEGER NOT NULL CHECK (collateral_amount >= 0),
			duration_days        INTEGER NOT NULL,
			capital_lock_days    INTEGER NOT NULL,
			status               TEXT NOT NULL,
			reference_number     TEXT NOT NULL UNIQUE,
			auto_repay_triggered INTEGER NOT NULL DEFAULT 0,
			created_at           INTEGER NOT NULL,
			funded_at            INTEGER,
			due_date             INTEGER,
			capital_unlock_date  INTEGER,
			settled_at           INTEGER,
			CHECK (lender_id IS NULL OR lender_id <> borrower_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_loans_status_due ON loans(status, due_date)`,
		`CREATE INDEX IF NOT EXISTS idx_loans_borrower ON loans(borrower_id)`,
		`CREATE INDEX IF NOT EXISTS idx_loans_lender ON loans(lender_id)`,
		`CREATE TABLE IF NOT EXISTS reserve_fund (
			id                 INTEGER PRIMARY KEY CHECK (id = 1),
			total_balance      INTEGER NOT NULL DEFAULT 0 CHECK (total_balance >= 0),
			fee_accumulation   INTEGER NOT NULL DEFAULT 0 CHECK (fee_accumulation >= 0),
			total_payouts_made INTEGER NOT NULL DEFAULT 0 CHECK (total_payouts_made >= 0),
			updated_at         INTEGER NOT NULL DEFAULT 0
		)`,
		`INSERT OR IGNORE INTO reserve_fund (id) VALUES (1)`,
		`CREATE TABLE IF NOT EXISTS reserve_movements (
			id                 TEXT PRIMARY KEY,
			kind               TEXT NOT NULL,
			amount             INTEGER NOT NULL,
			reference_number   TEXT NOT NULL UNIQUE,
			related_loan_id    TEXT NOT NULL DEFAULT '',
			related_account_id TEXT NOT NULL DEFAULT '',
			created_at         INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS interest_runs (
			period_key      TEXT PRIMARY KEY,
			status          TEXT NOT NULL,
			started_at      INTEGER NOT NULL,
			completed_at    INTEGER,
			processed_count INTEGER NOT NULL DEFAULT 0,
			total_amount    INTEGER NOT NULL DEFAULT 0,
			error_count     INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS interest_history (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id       TEXT NOT NULL REFERENCES accounts(id),
			period_key       TEXT NOT NULL,
			balance_snapshot INTEGER NOT NULL,
			rate             TEXT NOT NULL,
			amount           INTEGER NOT NULL,
			reference_number TEXT NOT NULL,
			created_at       INTEGER NOT NULL,
			UNIQUE(account_id, period_key)
		)`,
	}
}
