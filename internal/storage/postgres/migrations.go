package postgres

import (
	"context"
	"fmt"
)

func migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id              TEXT PRIMARY KEY,
			liquid_balance  BIGINT NOT NULL DEFAULT 0 CHECK (liquid_balance >= 0),
			locked_balance  BIGINT NOT NULL DEFAULT 0 CHECK (locked_balance >= 0),
			lending_balance BIGINT NOT NULL DEFAULT 0 CHECK (lending_balance >= 0),
			membership_tier TEXT NOT NULL DEFAULT 'member',
			kyc_status      TEXT NOT NULL DEFAULT 'pending',
			active          BOOLEAN NOT NULL DEFAULT TRUE,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id                 TEXT PRIMARY KEY,
			account_id         TEXT NOT NULL REFERENCES accounts(id),
			type               TEXT NOT NULL,
			amount             BIGINT NOT NULL,
			bucket             TEXT NOT NULL,
			from_bucket        TEXT NOT NULL DEFAULT '',
			status             TEXT NOT NULL,
			reference_number   TEXT NOT NULL,
			clearing_ends_at   TIMESTAMPTZ,
			cleared_at         TIMESTAMPTZ,
			related_loan_id    TEXT NOT NULL DEFAULT '',
			related_account_id TEXT NOT NULL DEFAULT '',
			metadata           JSONB NOT NULL DEFAULT '{}',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ledger_entries_reference_idx ON ledger_entries (reference_number);`,
		`CREATE INDEX IF NOT EXISTS ledger_entries_account_idx ON ledger_entries (account_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS ledger_entries_clearing_idx ON ledger_entries (id, clearing_ends_at) WHERE status = 'clearing';`,
		`CREATE TABLE IF NOT EXISTS loans (
			id                   TEXT PRIMARY KEY,
			borrower_id          TEXT NOT NULL REFERENCES accounts(id),
			lender_id            TEXT REFERENCES accounts(id),
			principal_amount     BIGINT NOT NULL CHECK (principal_amount > 0),
			interest_rate        NUMERIC(12,6) NOT NULL,
			interest_amount      BIGINT NOT NULL CHECK (interest_amount >= 0),
			collateral_amount    BIGINT NOT NULL CHECK (collateral_amount >= 0),
			duration_days        INT NOT NULL,
			capital_lock_days    INT NOT NULL,
			status               TEXT NOT NULL,
			reference_number     TEXT NOT NULL UNIQUE,
			auto_repay_triggered BOOLEAN NOT NULL DEFAULT FALSE,
			created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			funded_at            TIMESTAMPTZ,
			due_date             TIMESTAMPTZ,
			capital_unlock_date  TIMESTAMPTZ,
			settled_at           TIMESTAMPTZ,
			CHECK (lender_id IS NULL OR lender_id <> borrower_id)
		);`,
		`CREATE INDEX IF NOT EXISTS loans_status_due_idx ON loans (status, due_date);`,
		`CREATE INDEX IF NOT EXISTS loans_borrower_idx ON loans (borrower_id);`,
		`CREATE INDEX IF NOT EXISTS loans_lender_idx ON loans (lender_id);`,
		`CREATE TABLE IF NOT EXISTS reserve_fund (
			id                 SMALLINT PRIMARY KEY CHECK (id = 1),
			total_balance      BIGINT NOT NULL DEFAULT 0 CHECK (total_balance >= 0),
			fee_accumulation   BIGINT NOT NULL DEFAULT 0 CHECK (fee_accumulation >= 0),
			total_payouts_made BIGINT NOT NULL DEFAULT 0 CHECK (total_payouts_made >= 0),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`INSERT INTO reserve_fund (id) VALUES (1) ON CONFLICT (id) DO NOTHING;`,
		`CREATE TABLE IF NOT EXISTS reserve_movements (
			id                 TEXT PRIMARY KEY,
			kind               TEXT NOT NULL,
			amount             BIGINT NOT NULL,
			reference_number   TEXT NOT NULL UNIQUE,
			related_loan_id    TEXT NOT NULL DEFAULT '',
			related_account_id TEXT NOT NULL DEFAULT '',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
		`CREATE TABLE IF NOT EXISTS interest_runs (
			period_key      TEXT PRIMARY KEY,
			status          TEXT NOT NULL,
			started_at      TIMESTAMPTZ NOT NULL,
			completed_at    TIMESTAMPTZ,
			processed_count INT NOT NULL DEFAULT 0,
			total_amount    BIGINT NOT NULL DEFAULT 0,
			error_count     INT NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS interest_history (
			id               BIGSERIAL PRIMARY KEY,
			account_id       TEXT NOT NULL REFERENCES accounts(id),
			period_key       TEXT NOT NULL,
			balance_snapshot BIGINT NOT NULL,
			rate             NUMERIC(12,6) NOT NULL,
			amount           BIGINT NOT NULL,
			reference_number TEXT NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (account_id, period_key)
		);`,
	}
}

// Migrate applies the schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations() {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}
	return nil
}
