package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruralpay/ledger/internal/models"
)

var accountRowColumns = []string{"user_id", "total_balance", "withdraw_amount", "withdraw_time", "version", "created_at", "updated_at"}

func newMockRepository(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRepository(db, 3*time.Second), mock
}

func TestPostgresRepository_GetAccount(t *testing.T) {
	repo, mock := newMockRepository(t)
	ctx := context.Background()

	t.Run("existing account", func(t *testing.T) {
		now := time.Now()
		mock.ExpectQuery("SELECT (.+) FROM accounts WHERE user_id = \\$1 AND deleted_at IS NULL").
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows(accountRowColumns).
				AddRow(1, 5000, 200, now, 3, now, now))

		account, err := repo.GetAccount(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(5000), account.TotalBalance)
		assert.Equal(t, int64(3), account.Version)
		require.NotNil(t, account.LastWithdrawAmount)
		assert.Equal(t, int64(200), *account.LastWithdrawAmount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing account", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM accounts").
			WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows(accountRowColumns))

		_, err := repo.GetAccount(ctx, 2)
		assert.ErrorIs(t, err, models.ErrUnknownAccount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresRepository_WithinTx(t *testing.T) {
	repo, mock := newMockRepository(t)
	ctx := context.Background()
	now := time.Now()

	t.Run("transfer commits", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout = '3000ms'").WillReturnResult(sqlmock.NewResult(0, 0))

		// Rows are locked in ascending user id order
		mock.ExpectQuery("SELECT (.+) FROM accounts (.+) FOR UPDATE").
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows(accountRowColumns).AddRow(1, 2000, nil, nil, 1, now, now))
		mock.ExpectQuery("SELECT (.+) FROM accounts (.+) FOR UPDATE").
			WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows(accountRowColumns).AddRow(2, 5000, nil, nil, 4, now, now))

		mock.ExpectExec("UPDATE accounts SET total_balance = \\$1").
			WithArgs(int64(4000), nil, nil, sqlmock.AnyArg(), int64(2), int64(4)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts SET total_balance = \\$1").
			WithArgs(int64(3000), nil, nil, sqlmock.AnyArg(), int64(1), int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO transfers").
			WithArgs(int64(2), int64(1), int64(1000), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"transfer_id", "created_at", "updated_at"}).AddRow(42, now, now))
		mock.ExpectCommit()

		rec := &models.TransferRecord{TransferFrom: 2, TransferTo: 1, Amount: 1000, TransferTime: now}
		err := repo.WithinTx(ctx, func(tx Tx) error {
			accounts, err := tx.LockAccounts(ctx, 2, 1)
			if err != nil {
				return err
			}
			from, to := accounts[2], accounts[1]
			if err := tx.UpsertBalance(ctx, models.BalanceUpdate{UserID: 2, NewBalance: from.TotalBalance - 1000, Version: from.Version, At: now}); err != nil {
				return err
			}
			if err := tx.UpsertBalance(ctx, models.BalanceUpdate{UserID: 1, NewBalance: to.TotalBalance + 1000, Version: to.Version, At: now}); err != nil {
				return err
			}
			return tx.AppendHistory(ctx, rec)
		})
		require.NoError(t, err)
		assert.Equal(t, int64(42), rec.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale version rolls back", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("UPDATE accounts SET total_balance = \\$1").
			WithArgs(int64(100), nil, nil, sqlmock.AnyArg(), int64(1), int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := repo.WithinTx(ctx, func(tx Tx) error {
			return tx.UpsertBalance(ctx, models.BalanceUpdate{UserID: 1, NewBalance: 100, Version: 7, At: now})
		})
		assert.ErrorIs(t, err, models.ErrVersionConflict)
		assert.Contains(t, err.Error(), "optimistic lock failed for account 1")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("new account is inserted", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO accounts").
			WithArgs(int64(9), int64(500), nil, nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO topups").
			WithArgs(int64(9), "TP-1", int64(500), "bank", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"topup_id", "created_at", "updated_at"}).AddRow(1, now, now))
		mock.ExpectCommit()

		err := repo.WithinTx(ctx, func(tx Tx) error {
			if err := tx.UpsertBalance(ctx, models.BalanceUpdate{UserID: 9, NewBalance: 500, At: now}); err != nil {
				return err
			}
			return tx.AppendHistory(ctx, &models.TopupRecord{UserID: 9, TopupNo: "TP-1", Amount: 500, Method: "bank", TopupTime: now})
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lock timeout is busy", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FOR UPDATE").
			WithArgs(int64(1)).
			WillReturnError(&pq.Error{Code: "55P03", Message: "canceling statement due to lock timeout"})
		mock.ExpectRollback()

		err := repo.WithinTx(ctx, func(tx Tx) error {
			_, err := tx.LockAccounts(ctx, 1)
			return err
		})
		assert.ErrorIs(t, err, models.ErrBusy)
		assert.True(t, models.IsRetryable(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate topup reference", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("INSERT INTO topups").
			WillReturnError(&pq.Error{Code: "23505", Constraint: topupReferenceConstraint})
		mock.ExpectRollback()

		err := repo.WithinTx(ctx, func(tx Tx) error {
			return tx.AppendHistory(ctx, &models.TopupRecord{UserID: 1, TopupNo: "dup", Amount: 1, TopupTime: now})
		})
		assert.ErrorIs(t, err, models.ErrDuplicateReference)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.ErrorKind
	}{
		{"lock not available", &pq.Error{Code: "55P03"}, models.KindBusy},
		{"serialization failure", &pq.Error{Code: "40001"}, models.KindVersionConflict},
		{"deadlock", &pq.Error{Code: "40P01"}, models.KindVersionConflict},
		{"account created concurrently", &pq.Error{Code: "23505", Constraint: "accounts_pkey"}, models.KindVersionConflict},
		{"duplicate reference", &pq.Error{Code: "23505", Constraint: topupReferenceConstraint}, models.KindDuplicateReference},
		{"foreign key", &pq.Error{Code: "23503"}, models.KindUnknownAccount},
		{"anything else", errors.New("connection reset"), models.KindStorage},
		{"already classified", models.ErrInsufficientFunds, models.KindInsufficientFunds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, models.KindOf(classify("op", tt.err)))
		})
	}
	assert.NoError(t, classify("op", nil))
}

func TestPostgresRepository_ListHistory(t *testing.T) {
	repo, mock := newMockRepository(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	historyRows := []string{"kind", "id", "user_id", "counterparty_id", "amount", "reference", "method", "occurred_at"}

	t.Run("page with look-ahead row", func(t *testing.T) {
		userID := int64(7)
		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM (.+) WHERE \\(h.user_id = \\$1 OR h.counterparty_id = \\$1\\)").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))
		mock.ExpectQuery("ORDER BY h.occurred_at DESC, h.id ASC, h.kind ASC LIMIT \\$2 OFFSET \\$3").
			WithArgs(userID, 3, 2).
			WillReturnRows(sqlmock.NewRows(historyRows).
				AddRow("topup", 3, 7, nil, 100, "TP-3", "bank", base).
				AddRow("transfer", 2, 1, 7, 50, "", "", base.Add(-time.Minute)).
				AddRow("withdraw", 1, 7, nil, 20, "", "", base.Add(-2*time.Minute)))

		page, err := repo.ListHistory(ctx, models.HistoryFilter{UserID: &userID, Page: 2, PageSize: 2})
		require.NoError(t, err)
		require.Len(t, page.Entries, 2)
		assert.Equal(t, int64(5), page.Pagination.TotalItems)
		assert.Equal(t, 3, page.Pagination.TotalPages)
		assert.NotEmpty(t, page.Pagination.NextCursor)
		require.NotNil(t, page.Entries[1].CounterpartyID)
		assert.Equal(t, int64(50), page.Entries[1].Delta(userID))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("search escapes like wildcards", func(t *testing.T) {
		mock.ExpectQuery("SELECT COUNT").
			WithArgs(`50\%%`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery("ORDER BY").
			WillReturnRows(sqlmock.NewRows(historyRows))

		page, err := repo.ListHistory(ctx, models.HistoryFilter{Search: "50%"})
		require.NoError(t, err)
		assert.Empty(t, page.Entries)
		assert.NotNil(t, page.Entries)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("malformed cursor", func(t *testing.T) {
		mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		_, err := repo.ListHistory(ctx, models.HistoryFilter{Cursor: "not-a-cursor"})
		assert.Equal(t, models.KindValidation, models.KindOf(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresRepository_Totals(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery("SELECT (.+) FROM accounts").
		WillReturnRows(sqlmock.NewRows([]string{"balances", "topups", "withdraws", "accounts"}).AddRow(700, 1000, 300, 2))

	totals, err := repo.Totals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, totals.Topups-totals.Withdraws, totals.Balances)
	assert.Equal(t, int64(2), totals.Accounts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_AccountSnapshot(t *testing.T) {
	repo, mock := newMockRepository(t)
	ctx := context.Background()
	now := time.Now()

	// Both reads run inside one transaction
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM accounts WHERE user_id = \\$1 AND deleted_at IS NULL").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(accountRowColumns).AddRow(1, 150, nil, nil, 3, now, now))
	mock.ExpectQuery("SELECT (.+) WHERE h.user_id = \\$1 OR h.counterparty_id = \\$1").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "id", "user_id", "counterparty_id", "amount", "reference", "method", "occurred_at"}).
			AddRow("topup", 1, 1, nil, 200, "R1", "bank", now).
			AddRow("transfer", 1, 1, 2, 50, "", "", now.Add(time.Second)))
	mock.ExpectCommit()

	account, history, err := repo.AccountSnapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(150), account.TotalBalance)
	require.Len(t, history, 2)

	var expected int64
	for _, e := range history {
		expected += e.Delta(1)
	}
	assert.Equal(t, account.TotalBalance, expected)
	assert.NoError(t, mock.ExpectationsWereMet())

	t.Run("missing account rolls back", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM accounts").
			WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows(accountRowColumns))
		mock.ExpectRollback()

		_, _, err := repo.AccountSnapshot(ctx, 2)
		assert.ErrorIs(t, err, models.ErrUnknownAccount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresRepository_InsertConflict(t *testing.T) {
	repo, mock := newMockRepository(t)
	ctx := context.Background()
	now := time.Now()

	tests := []struct {
		name   string
		closed bool
		want   error
	}{
		{"closed account is permanent", true, models.ErrUnknownAccount},
		{"concurrent create is retryable", false, models.ErrVersionConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock.ExpectBegin()
			mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec("INSERT INTO accounts").
				WithArgs(int64(4), int64(10), nil, nil, sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery("SELECT deleted_at IS NOT NULL FROM accounts WHERE user_id = \\$1").
				WithArgs(int64(4)).
				WillReturnRows(sqlmock.NewRows([]string{"closed"}).AddRow(tt.closed))
			mock.ExpectRollback()

			err := repo.WithinTx(ctx, func(tx Tx) error {
				return tx.UpsertBalance(ctx, models.BalanceUpdate{UserID: 4, NewBalance: 10, At: now})
			})
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, !tt.closed, models.IsRetryable(err))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
