// Package repository is the ledger store: durable account balances and the
// append-only topup, withdraw and transfer history.
package repository

import (
	"context"

	"github.com/ruralpay/ledger/internal/models"
)

// Repository is the single source of truth for balances and history.
type Repository interface {
	// GetAccount returns a live account or an unknown_account error.
	GetAccount(ctx context.Context, userID int64) (*models.Account, error)
	// OpenAccount creates a zero balance account if none exists.
	OpenAccount(ctx context.Context, userID int64) (*models.Account, error)
	TopupExists(ctx context.Context, userID int64, topupNo string) (bool, error)

	// WithinTx runs fn as one atomic unit. Any error returned by fn, or by
	// the commit, discards every write made through tx.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	ListHistory(ctx context.Context, filter models.HistoryFilter) (*models.HistoryPage, error)
	GetTopup(ctx context.Context, id int64) (*models.TopupRecord, error)
	GetWithdraw(ctx context.Context, id int64) (*models.WithdrawRecord, error)
	GetTransfer(ctx context.Context, id int64) (*models.TransferRecord, error)

	// AccountHistory returns every entry touching userID, oldest first.
	AccountHistory(ctx context.Context, userID int64) ([]models.HistoryEntry, error)
	// AccountSnapshot returns a live account together with its history,
	// oldest first, both read from one consistent state.
	AccountSnapshot(ctx context.Context, userID int64) (*models.Account, []models.HistoryEntry, error)
	ListAccounts(ctx context.Context, afterUserID int64, limit int) ([]models.Account, error)
	Totals(ctx context.Context) (*models.Totals, error)
}

// Tx is the write side of one atomic unit.
type Tx interface {
	// LockAccounts reads the given accounts for update in ascending user id
	// order. Missing accounts are absent from the result.
	LockAccounts(ctx context.Context, userIDs ...int64) (map[int64]*models.Account, error)
	TopupExists(ctx context.Context, userID int64, topupNo string) (bool, error)
	// UpsertBalance writes a new balance guarded by the version token read
	// in LockAccounts. A stale token yields version_conflict.
	UpsertBalance(ctx context.Context, update models.BalanceUpdate) error
	// AppendHistory inserts rec and fills in its id and timestamps.
	AppendHistory(ctx context.Context, rec models.Record) error
}
