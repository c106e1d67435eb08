package database

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// schemaStatements are idempotent and applied in order.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		user_id BIGINT PRIMARY KEY,
		total_balance BIGINT NOT NULL DEFAULT 0 CHECK (total_balance >= 0),
		withdraw_amount BIGINT,
		withdraw_time TIMESTAMPTZ,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		deleted_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS topups (
		topup_id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES accounts(user_id) ON UPDATE CASCADE ON DELETE CASCADE,
		topup_no VARCHAR(64) NOT NULL,
		topup_amount BIGINT NOT NULL CHECK (topup_amount > 0),
		topup_method VARCHAR(64) NOT NULL DEFAULT '',
		topup_time TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		deleted_at TIMESTAMPTZ,
		CONSTRAINT topups_user_id_topup_no_key UNIQUE (user_id, topup_no)
	)`,
	`CREATE TABLE IF NOT EXISTS withdraws (
		withdraw_id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES accounts(user_id) ON UPDATE CASCADE ON DELETE CASCADE,
		withdraw_amount BIGINT NOT NULL CHECK (withdraw_amount > 0),
		withdraw_time TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		deleted_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS transfers (
		transfer_id BIGSERIAL PRIMARY KEY,
		transfer_from BIGINT NOT NULL REFERENCES accounts(user_id) ON UPDATE CASCADE ON DELETE CASCADE,
		transfer_to BIGINT NOT NULL REFERENCES accounts(user_id) ON UPDATE CASCADE ON DELETE CASCADE,
		transfer_amount BIGINT NOT NULL CHECK (transfer_amount > 0),
		transfer_time TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		deleted_at TIMESTAMPTZ,
		CHECK (transfer_from <> transfer_to)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_topups_user_time ON topups (user_id, topup_time DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_withdraws_user_time ON withdraws (user_id, withdraw_time DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_from_time ON transfers (transfer_from, transfer_time DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_to_time ON transfers (transfer_to, transfer_time DESC)`,
}

// Migrate creates the ledger tables in a single transaction.
func Migrate(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	logger.Info("database schema up to date", zap.Int("statements", len(schemaStatements)))
	return nil
}
