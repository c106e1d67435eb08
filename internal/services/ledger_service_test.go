package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ruralpay/ledger/internal/audit"
	"github.com/ruralpay/ledger/internal/events"
	"github.com/ruralpay/ledger/internal/guard"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/repository"
)

// recordingPublisher captures published events and how many account locks
// were live at publish time.
type recordingPublisher struct {
	mu        sync.Mutex
	guard     *guard.LocalGuard
	events    []events.Event
	heldLocks []int
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	if p.guard != nil {
		p.heldLocks = append(p.heldLocks, p.guard.Len())
	}
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type testLedger struct {
	svc       *LedgerService
	repo      *repository.MemoryRepository
	guard     *guard.LocalGuard
	checker   *InvariantChecker
	publisher *recordingPublisher
}

func newTestLedger(t *testing.T, cfg LedgerConfig) *testLedger {
	t.Helper()
	logger := zap.NewNop()
	auditLogger := audit.NewAuditLogger(logger)
	repo := repository.NewMemoryRepository()
	g := guard.NewLocalGuard(3 * time.Second)
	pub := &recordingPublisher{guard: g}
	checker := NewInvariantChecker(repo, auditLogger, logger)
	recorder := events.NewRecorder(logger, auditLogger, pub)
	return &testLedger{
		svc:       NewLedgerService(repo, g, recorder, checker, cfg, logger),
		repo:      repo,
		guard:     g,
		checker:   checker,
		publisher: pub,
	}
}

func (l *testLedger) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	account, err := l.svc.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return account.TotalBalance
}

func (l *testLedger) historyCount(t *testing.T, userID int64) int64 {
	t.Helper()
	page, err := l.svc.ListHistory(context.Background(), models.HistoryFilter{UserID: &userID})
	require.NoError(t, err)
	return page.Pagination.TotalItems
}

func (l *testLedger) fund(t *testing.T, userID, amount int64) {
	t.Helper()
	_, err := l.svc.Topup(context.Background(), models.TopupRequest{UserID: userID, Amount: amount, Method: "bank_transfer"})
	require.NoError(t, err)
}

func TestLedgerService_Topup(t *testing.T) {
	ctx := context.Background()

	t.Run("creates the account and generates a reference", func(t *testing.T) {
		l := newTestLedger(t, LedgerConfig{})

		rec, err := l.svc.Topup(ctx, models.TopupRequest{UserID: 1, Amount: 100, Method: "card"})
		require.NoError(t, err)
		assert.NotZero(t, rec.ID)
		assert.Len(t, rec.TopupNo, 26)
		assert.Equal(t, int64(100), l.balance(t, 1))
	})

	t.Run("duplicate reference is rejected", func(t *testing.T) {
		l := newTestLedger(t, LedgerConfig{})

		_, err := l.svc.Topup(ctx, models.TopupRequest{UserID: 1, Amount: 100, TopupNo: "R1"})
		require.NoError(t, err)

		_, err = l.svc.Topup(ctx, models.TopupRequest{UserID: 1, Amount: 50, TopupNo: "R1"})
		assert.ErrorIs(t, err, models.ErrDuplicateReference)
		assert.Equal(t, int64(100), l.balance(t, 1))
		assert.Equal(t, int64(1), l.historyCount(t, 1))

		// References are scoped per user
		_, err = l.svc.Topup(ctx, models.TopupRequest{UserID: 2, Amount: 50, TopupNo: "R1"})
		assert.NoError(t, err)
	})

	t.Run("invalid amounts", func(t *testing.T) {
		l := newTestLedger(t, LedgerConfig{})

		for _, amount := range []int64{0, -5} {
			_, err := l.svc.Topup(ctx, models.TopupRequest{UserID: 1, Amount: amount})
			assert.ErrorIs(t, err, models.ErrInvalidAmount)
		}
		_, err := l.svc.GetBalance(ctx, 1)
		assert.ErrorIs(t, err, models.ErrUnknownAccount)
	})

	t.Run("missing user id", func(t *testing.T) {
		l := newTestLedger(t, LedgerConfig{})

		_, err := l.svc.Topup(ctx, models.TopupRequest{Amount: 10})
		assert.Equal(t, models.KindValidation, models.KindOf(err))
	})
}

func TestLedgerService_Withdraw(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown account", func(t *testing.T) {
		l := newTestLedger(t, LedgerConfig{})

		_, err := l.svc.Withdraw(ctx, models.WithdrawRequest{UserID: 9, Amount: 10})
		assert.ErrorIs(t, err, models.ErrUnknownAccount)
	})

	t.Run("below minimum", func(t *testing.T) {
		l := newTestLedger(t, LedgerConfig{MinWithdrawAmount: 50})
		l.fund(t, 1, 100)

		_, err := l.svc.Withdraw(ctx, models.WithdrawRequest{UserID: 1, Amount: 49})
		assert.ErrorIs(t, err, models.ErrInvalidAmount)
		assert.Contains(t, err.Error(), "minimum withdraw amount is 50")
	})

	t.Run("insufficient funds", func(t *testing.T) {
		l := newTestLedger(t, LedgerConfig{})
		l.fund(t, 1, 100)

		_, err := l.svc.Withdraw(ctx, models.WithdrawRequest{UserID: 1, Amount: 101})
		assert.ErrorIs(t, err, models.ErrInsufficientFunds)
		assert.Equal(t, int64(100), l.balance(t, 1))
	})

	t.Run("success refreshes last withdraw fields", func(t *testing.T) {
		l := newTestLedger(t, LedgerConfig{})
		l.fund(t, 1, 100)

		rec, err := l.svc.Withdraw(ctx, models.WithdrawRequest{UserID: 1, Amount: 100})
		require.NoError(t, err)

		account, err := l.svc.GetBalance(ctx, 1)
		require.NoError(t, err)
		assert.Zero(t, account.TotalBalance)
		require.NotNil(t, account.LastWithdrawAmount)
		assert.Equal(t, int64(100), *account.LastWithdrawAmount)

		stored, err := l.svc.GetWithdraw(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(100), stored.Amount)
	})
}

func TestLedgerService_Transfer(t *testing.T) {
	ctx := context.Background()

	t.Run("self transfer", func(t *testing.T) {
		l := newTestLedger(t, LedgerConfig{})
		l.fund(t, 1, 100)

		_, err := l.svc.Transfer(ctx, models.TransferRequest{From: 1, To: 1, Amount: 10})
		assert.ErrorIs(t, err, models.ErrSelfTransfer)
	})

	t.Run("receiver must exist", func(t *testing.T) {
		l := newTestLedger(t, LedgerConfig{})
		l.fund(t, 1, 100)

		_, err := l.svc.Transfer(ctx, models.TransferRequest{From: 1, To: 2, Amount: 10})
		assert.ErrorIs(t, err, models.ErrUnknownAccount)
		assert.Equal(t, int64(100), l.balance(t, 1))
	})

	t.Run("insufficient funds leaves both sides unchanged", func(t *testing.T) {
		l := newTestLedger(t, LedgerConfig{})
		l.fund(t, 1, 30)
		l.fund(t, 2, 10)
		historyA, historyB := l.historyCount(t, 1), l.historyCount(t, 2)

		_, err := l.svc.Transfer(ctx, models.TransferRequest{From: 1, To: 2, Amount: 50})
		assert.ErrorIs(t, err, models.ErrInsufficientFunds)

		assert.Equal(t, int64(30), l.balance(t, 1))
		assert.Equal(t, int64(10), l.balance(t, 2))
		assert.Equal(t, historyA, l.historyCount(t, 1))
		assert.Equal(t, historyB, l.historyCount(t, 2))
		_, err = l.svc.GetTransfer(ctx, 1)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("success", func(t *testing.T) {
		l := newTestLedger(t, LedgerConfig{VerifyAfterCommit: true})
		l.fund(t, 1, 100)
		_, err := l.svc.OpenAccount(ctx, 2)
		require.NoError(t, err)

		rec, err := l.svc.Transfer(ctx, models.TransferRequest{From: 1, To: 2, Amount: 40})
		require.NoError(t, err)
		assert.Equal(t, int64(60), l.balance(t, 1))
		assert.Equal(t, int64(40), l.balance(t, 2))

		// The receiver sees the transfer in its own history
		receiver := int64(2)
		page, err := l.svc.ListHistory(ctx, models.HistoryFilter{UserID: &receiver, Kind: models.KindTransfer})
		require.NoError(t, err)
		require.Len(t, page.Entries, 1)
		assert.Equal(t, rec.ID, page.Entries[0].ID)
		assert.Equal(t, int64(40), page.Entries[0].Delta(receiver))
	})
}

func TestLedgerService_ConcurrentWithdraws(t *testing.T) {
	ctx := context.Background()

	t.Run("two withdraws of 60 from 100", func(t *testing.T) {
		l := newTestLedger(t, LedgerConfig{})
		l.fund(t, 1, 100)

		results := make([]error, 2)
		var eg errgroup.Group
		for i := range results {
			eg.Go(func() error {
				_, results[i] = l.svc.Withdraw(ctx, models.WithdrawRequest{UserID: 1, Amount: 60})
				return nil
			})
		}
		require.NoError(t, eg.Wait())

		var succeeded, rejected int
		for _, err := range results {
			switch {
			case err == nil:
				succeeded++
			case models.KindOf(err) == models.KindInsufficientFunds:
				rejected++
			}
		}
		assert.Equal(t, 1, succeeded)
		assert.Equal(t, 1, rejected)
		assert.Equal(t, int64(40), l.balance(t, 1))
		assert.Equal(t, int64(2), l.historyCount(t, 1))
	})

	t.Run("only the subset that fits succeeds", func(t *testing.T) {
		l := newTestLedger(t, LedgerConfig{})
		l.fund(t, 1, 100)

		var (
			mu        sync.Mutex
			succeeded int
		)
		var eg errgroup.Group
		for i := 0; i < 10; i++ {
			eg.Go(func() error {
				_, err := l.svc.Withdraw(ctx, models.WithdrawRequest{UserID: 1, Amount: 15})
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
					return nil
				}
				if models.KindOf(err) != models.KindInsufficientFunds {
					return err
				}
				return nil
			})
		}
		require.NoError(t, eg.Wait())

		assert.Equal(t, 6, succeeded)
		assert.Equal(t, int64(10), l.balance(t, 1))
	})
}

func TestLedgerService_Conservation(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, LedgerConfig{})

	ids := []int64{1, 2, 3, 4, 5}
	for _, id := range ids {
		l.fund(t, id, 1000)
	}

	var eg errgroup.Group
	for i := 0; i < 200; i++ {
		r := rand.New(rand.NewSource(int64(i)))
		from := ids[r.Intn(len(ids))]
		to := ids[r.Intn(len(ids))]
		amount := int64(r.Intn(400) + 1)
		eg.Go(func() error {
			_, err := l.svc.Transfer(ctx, models.TransferRequest{From: from, To: to, Amount: amount})
			switch models.KindOf(err) {
			case "", models.KindInsufficientFunds, models.KindSelfTransfer:
				return nil
			}
			return err
		})
	}
	require.NoError(t, eg.Wait())

	var total int64
	for _, id := range ids {
		balance := l.balance(t, id)
		assert.GreaterOrEqual(t, balance, int64(0))
		total += balance
	}
	assert.Equal(t, int64(5000), total)

	mismatches, err := l.checker.CheckAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	supply, err := l.checker.CheckSupply(ctx)
	require.NoError(t, err)
	assert.True(t, supply.Consistent())
}

func TestLedgerService_Events(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, LedgerConfig{})

	l.fund(t, 1, 100)
	_, err := l.svc.Withdraw(ctx, models.WithdrawRequest{UserID: 1, Amount: 500})
	require.Error(t, err)

	require.Len(t, l.publisher.events, 1, "only committed operations are published")
	e := l.publisher.events[0]
	assert.Equal(t, "ledger.topup.committed", e.Type)
	require.NotNil(t, e.BalanceAfter)
	assert.Equal(t, int64(100), *e.BalanceAfter)
	assert.Equal(t, []int{0}, l.publisher.heldLocks, "events are published after the guard is released")
}

func TestLedgerService_Busy(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	repo := repository.NewMemoryRepository()
	g := guard.NewLocalGuard(20 * time.Millisecond)
	svc := NewLedgerService(repo, g, nil, nil, LedgerConfig{}, logger)

	_, err := svc.Topup(ctx, models.TopupRequest{UserID: 1, Amount: 100})
	require.NoError(t, err)

	release, err := g.Acquire(ctx, 1)
	require.NoError(t, err)

	_, err = svc.Withdraw(ctx, models.WithdrawRequest{UserID: 1, Amount: 10})
	assert.ErrorIs(t, err, models.ErrBusy)
	release()

	account, err := svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), account.TotalBalance)
}

func TestLedgerService_ListHistory(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, LedgerConfig{DefaultPageSize: 2})
	for i := 0; i < 3; i++ {
		l.fund(t, 1, 10)
	}

	page, err := l.svc.ListHistory(ctx, models.HistoryFilter{})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)
	assert.Equal(t, 2, page.Pagination.TotalPages)

	_, err = l.svc.ListHistory(ctx, models.HistoryFilter{Kind: "refund"})
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestInvariantChecker_DetectsDrift(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, LedgerConfig{})
	l.fund(t, 1, 100)

	// Rewrite the cached balance without a history entry
	err := l.repo.WithinTx(ctx, func(tx repository.Tx) error {
		accounts, err := tx.LockAccounts(ctx, 1)
		if err != nil {
			return err
		}
		return tx.UpsertBalance(ctx, models.BalanceUpdate{UserID: 1, NewBalance: 130, Version: accounts[1].Version, At: time.Now()})
	})
	require.NoError(t, err)

	before := testutil.ToFloat64(events.IntegrityAlerts.WithLabelValues("account_replay"))
	rec, err := l.checker.CheckAccount(ctx, 1)
	require.NoError(t, err)
	assert.False(t, rec.Consistent)
	assert.Equal(t, int64(100), rec.Expected)
	assert.Equal(t, int64(30), rec.Drift)
	assert.Equal(t, before+1, testutil.ToFloat64(events.IntegrityAlerts.WithLabelValues("account_replay")))

	// The checker never corrects
	assert.Equal(t, int64(130), l.balance(t, 1))

	supply, err := l.checker.CheckSupply(ctx)
	require.NoError(t, err)
	assert.False(t, supply.Consistent())

	report, err := NewAuditor(l.checker, time.Minute, zap.NewNop()).RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, report.Consistent())
	assert.Len(t, report.Mismatches, 1)
}

func TestInvariantChecker_WriterInAnotherProcess(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, LedgerConfig{})
	l.fund(t, 1, 100)

	// A second engine on the same store with its own guard, as a separate
	// server process would be.
	other := NewLedgerService(l.repo, guard.NewLocalGuard(time.Second), nil, nil, LedgerConfig{}, zap.NewNop())
	alerts := events.IntegrityAlerts.WithLabelValues("account_replay")
	before := testutil.ToFloat64(alerts)

	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < 200; i++ {
			if _, err := other.Topup(ctx, models.TopupRequest{UserID: 1, Amount: 5}); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := 0; i < 200; i++ {
			rec, err := l.checker.CheckAccount(ctx, 1)
			if err != nil {
				return err
			}
			if !rec.Consistent {
				return fmt.Errorf("unexpected drift: %+v", *rec)
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())

	assert.Equal(t, before, testutil.ToFloat64(alerts))
	assert.Equal(t, int64(1100), l.balance(t, 1))
}

func TestLedgerService_WithdrawPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	logger := zap.NewNop()
	repo := repository.NewPostgresRepository(db, time.Second)
	svc := NewLedgerService(repo, guard.NewLocalGuard(time.Second), nil, nil, LedgerConfig{}, logger)

	now := time.Now()
	accountRows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"user_id", "total_balance", "withdraw_amount", "withdraw_time", "version", "created_at", "updated_at"}).
			AddRow(1, 5000, nil, nil, 2, now, now)
	}

	t.Run("successful withdraw", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM accounts WHERE user_id = \\$1 AND deleted_at IS NULL").
			WithArgs(int64(1)).
			WillReturnRows(accountRows())

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout = '1000ms'").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM accounts (.+) FOR UPDATE").
			WithArgs(int64(1)).
			WillReturnRows(accountRows())
		mock.ExpectExec("UPDATE accounts SET total_balance = \\$1").
			WithArgs(int64(4000), int64(1000), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(1), int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO withdraws").
			WithArgs(int64(1), int64(1000), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"withdraw_id", "created_at", "updated_at"}).AddRow(7, now, now))
		mock.ExpectCommit()

		rec, err := svc.Withdraw(context.Background(), models.WithdrawRequest{UserID: 1, Amount: 1000})
		assert.NoError(t, err)
		assert.Equal(t, int64(7), rec.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance rolls back", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM accounts WHERE user_id = \\$1 AND deleted_at IS NULL").
			WithArgs(int64(1)).
			WillReturnRows(accountRows())

		mock.ExpectBegin()
		mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FOR UPDATE").
			WithArgs(int64(1)).
			WillReturnRows(accountRows())
		mock.ExpectRollback()

		_, err := svc.Withdraw(context.Background(), models.WithdrawRequest{UserID: 1, Amount: 6000})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "insufficient balance")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_GuardCollaboration(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	repo := repository.NewMemoryRepository()
	_, err := repo.OpenAccount(ctx, 1)
	require.NoError(t, err)
	_, err = repo.OpenAccount(ctx, 2)
	require.NoError(t, err)

	t.Run("validation runs before the guard", func(t *testing.T) {
		g := new(MockGuard)
		svc := NewLedgerService(repo, g, nil, nil, LedgerConfig{}, logger)

		_, err := svc.Withdraw(ctx, models.WithdrawRequest{UserID: 1, Amount: 0})
		assert.ErrorIs(t, err, models.ErrInvalidAmount)
		_, err = svc.Transfer(ctx, models.TransferRequest{From: 1, To: 1, Amount: 5})
		assert.ErrorIs(t, err, models.ErrSelfTransfer)
		g.AssertNotCalled(t, "Acquire", mock.Anything, mock.Anything)
	})

	t.Run("busy guard leaves the store untouched", func(t *testing.T) {
		g := new(MockGuard)
		g.On("Acquire", mock.Anything, []int64{1}).
			Return(nil, models.NewError(models.KindBusy, "account 1 is busy, retry later", nil))
		svc := NewLedgerService(repo, g, nil, nil, LedgerConfig{}, logger)

		_, err := svc.Topup(ctx, models.TopupRequest{UserID: 1, Amount: 10})
		require.Error(t, err)
		assert.True(t, models.IsRetryable(err))

		account, err := repo.GetAccount(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(0), account.TotalBalance)
		g.AssertExpectations(t)
	})

	t.Run("transfer holds both parties", func(t *testing.T) {
		released := 0
		g := new(MockGuard)
		g.On("Acquire", mock.Anything, []int64{1, 2}).Return(func() { released++ }, nil).Once()
		g.On("Acquire", mock.Anything, []int64{1}).Return(func() { released++ }, nil).Once()
		svc := NewLedgerService(repo, g, nil, nil, LedgerConfig{}, logger)

		_, err := svc.Topup(ctx, models.TopupRequest{UserID: 1, Amount: 10})
		require.NoError(t, err)
		_, err = svc.Transfer(ctx, models.TransferRequest{From: 1, To: 2, Amount: 10})
		require.NoError(t, err)

		assert.Equal(t, 2, released)
		g.AssertExpectations(t)
	})
}

func TestLedgerService_PublisherCollaboration(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()

	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, mock.MatchedBy(func(e events.Event) bool {
		return e.Type == "ledger.topup.committed" && e.UserID == 7 && e.Amount == 25
	})).Return(errors.New("broker down")).Once()

	recorder := events.NewRecorder(logger, audit.NewAuditLogger(logger), pub)
	svc := NewLedgerService(repository.NewMemoryRepository(), guard.NewLocalGuard(time.Second), recorder, nil, LedgerConfig{}, logger)

	record, err := svc.Topup(ctx, models.TopupRequest{UserID: 7, Amount: 25})
	require.NoError(t, err, "publish failures never reach the caller")
	assert.Equal(t, int64(25), record.Amount)

	_, err = svc.Withdraw(ctx, models.WithdrawRequest{UserID: 7, Amount: 100})
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)

	pub.AssertExpectations(t)
	pub.AssertNumberOfCalls(t, "Publish", 1)
}
