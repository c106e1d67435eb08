package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/ruralpay/ledger/internal/events"
	"github.com/ruralpay/ledger/internal/guard"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/repository"
)

type LedgerConfig struct {
	CommitTimeout     time.Duration
	MinWithdrawAmount int64
	VerifyAfterCommit bool
	DefaultPageSize   int
	MaxPageSize       int
}

// LedgerService applies top-ups, withdraws and transfers. Every write runs
// under the account guard and inside one store transaction; outcomes are
// recorded only after the guard has been released.
type LedgerService struct {
	repo      repository.Repository
	guard     guard.Guard
	recorder  *events.Recorder
	checker   *InvariantChecker
	validator *ValidationHelper
	cfg       LedgerConfig
	logger    *zap.Logger
	now       func() time.Time
	newRef    func() string
}

func NewLedgerService(
	repo repository.Repository,
	g guard.Guard,
	recorder *events.Recorder,
	checker *InvariantChecker,
	cfg LedgerConfig,
	logger *zap.Logger,
) *LedgerService {
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 10 * time.Second
	}
	if cfg.MinWithdrawAmount <= 0 {
		cfg.MinWithdrawAmount = 1
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = models.DefaultPageSize
	}
	if cfg.MaxPageSize <= 0 || cfg.MaxPageSize > models.MaxPageSize {
		cfg.MaxPageSize = models.MaxPageSize
	}
	return &LedgerService{
		repo:      repo,
		guard:     g,
		recorder:  recorder,
		checker:   checker,
		validator: NewValidationHelper(),
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		newRef:    func() string { return ulid.Make().String() },
	}
}

// operation follows one request through its states.
type operation struct {
	op     models.Operation
	state  models.OperationState
	start  time.Time
	logger *zap.Logger
}

func (s *LedgerService) begin(op models.Operation, userID int64) *operation {
	return &operation{
		op:     op,
		state:  models.StateReceived,
		start:  time.Now(),
		logger: s.logger.With(zap.String("operation", string(op)), zap.Int64("user_id", userID)),
	}
}

func (o *operation) advance(next models.OperationState) {
	o.logger.Debug("operation state changed",
		zap.String("from", string(o.state)),
		zap.String("to", string(next)),
	)
	o.state = next
}

// finish moves the operation to its terminal state and records it. Callers
// must have released the guard.
func (s *LedgerService) finish(ctx context.Context, o *operation, e events.Event, affected ...int64) {
	o.advance(e.Outcome)
	e.Latency = time.Since(o.start)
	if e.ErrorKind == models.KindStorage {
		o.logger.Error("ledger operation failed", zap.String("error", e.Error))
	}
	if s.recorder != nil {
		s.recorder.Record(ctx, e)
	}

	if e.Committed() && s.cfg.VerifyAfterCommit && s.checker != nil {
		verifyCtx := context.WithoutCancel(ctx)
		for _, userID := range affected {
			if _, err := s.checker.CheckAccount(verifyCtx, userID); err != nil {
				o.logger.Warn("post-commit verification failed", zap.Int64("account", userID), zap.Error(err))
			}
		}
	}
}

// commit runs fn in one store transaction. Once started it is not
// cancellable by the caller, only bounded by the commit timeout.
func (s *LedgerService) commit(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CommitTimeout)
	defer cancel()
	return s.repo.WithinTx(cctx, func(tx repository.Tx) error {
		return fn(cctx, tx)
	})
}

func validateUserID(userID int64) error {
	if userID <= 0 {
		return models.NewError(models.KindValidation, "user id must be positive", nil)
	}
	return nil
}

// Topup credits req.Amount to req.UserID, creating the account if needed.
func (s *LedgerService) Topup(ctx context.Context, req models.TopupRequest) (*models.TopupRecord, error) {
	o := s.begin(models.OpTopup, req.UserID)
	rec, balance, err := s.topup(ctx, o, &req)

	e := events.New(models.OpTopup, req.UserID, req.Amount, err)
	if err == nil {
		e.RecordID = rec.ID
		e.BalanceAfter = &balance
	}
	s.finish(ctx, o, e, req.UserID)
	return rec, err
}

func (s *LedgerService) topup(ctx context.Context, o *operation, req *models.TopupRequest) (*models.TopupRecord, int64, error) {
	if req.Amount <= 0 {
		return nil, 0, models.ErrInvalidAmount
	}
	if err := validateUserID(req.UserID); err != nil {
		return nil, 0, err
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		return nil, 0, models.NewError(models.KindValidation, "invalid topup request", err)
	}
	if req.TopupNo == "" {
		req.TopupNo = s.newRef()
	}

	exists, err := s.repo.TopupExists(ctx, req.UserID, req.TopupNo)
	if err != nil {
		return nil, 0, err
	}
	if exists {
		return nil, 0, models.ErrDuplicateReference
	}
	o.advance(models.StateValidated)

	release, err := s.guard.Acquire(ctx, req.UserID)
	if err != nil {
		return nil, 0, err
	}
	defer release()
	o.advance(models.StateGuarded)

	now := s.now()
	rec := &models.TopupRecord{
		UserID:    req.UserID,
		TopupNo:   req.TopupNo,
		Amount:    req.Amount,
		Method:    req.Method,
		TopupTime: now,
	}
	var balance int64

	err = s.commit(ctx, func(ctx context.Context, tx repository.Tx) error {
		accounts, err := tx.LockAccounts(ctx, req.UserID)
		if err != nil {
			return err
		}

		// The reference may have been taken while we waited for the guard
		dup, err := tx.TopupExists(ctx, req.UserID, req.TopupNo)
		if err != nil {
			return err
		}
		if dup {
			return models.ErrDuplicateReference
		}

		update := models.BalanceUpdate{UserID: req.UserID, NewBalance: req.Amount, At: now}
		if account, ok := accounts[req.UserID]; ok {
			if account.TotalBalance > math.MaxInt64-req.Amount {
				return models.NewError(models.KindInvalidAmount, "amount would overflow the balance", nil)
			}
			update.NewBalance = account.TotalBalance + req.Amount
			update.Version = account.Version
		}
		if err := tx.UpsertBalance(ctx, update); err != nil {
			return err
		}
		balance = update.NewBalance
		return tx.AppendHistory(ctx, rec)
	})
	if err != nil {
		return nil, 0, err
	}
	return rec, balance, nil
}

// Withdraw debits req.Amount from an existing account.
func (s *LedgerService) Withdraw(ctx context.Context, req models.WithdrawRequest) (*models.WithdrawRecord, error) {
	o := s.begin(models.OpWithdraw, req.UserID)
	rec, balance, err := s.withdraw(ctx, o, req)

	e := events.New(models.OpWithdraw, req.UserID, req.Amount, err)
	if err == nil {
		e.RecordID = rec.ID
		e.BalanceAfter = &balance
	}
	s.finish(ctx, o, e, req.UserID)
	return rec, err
}

func (s *LedgerService) withdraw(ctx context.Context, o *operation, req models.WithdrawRequest) (*models.WithdrawRecord, int64, error) {
	if req.Amount <= 0 {
		return nil, 0, models.ErrInvalidAmount
	}
	if req.Amount < s.cfg.MinWithdrawAmount {
		return nil, 0, models.NewError(models.KindInvalidAmount,
			fmt.Sprintf("minimum withdraw amount is %d", s.cfg.MinWithdrawAmount), nil)
	}
	if err := validateUserID(req.UserID); err != nil {
		return nil, 0, err
	}
	if _, err := s.repo.GetAccount(ctx, req.UserID); err != nil {
		return nil, 0, err
	}
	o.advance(models.StateValidated)

	release, err := s.guard.Acquire(ctx, req.UserID)
	if err != nil {
		return nil, 0, err
	}
	defer release()
	o.advance(models.StateGuarded)

	now := s.now()
	rec := &models.WithdrawRecord{
		UserID:       req.UserID,
		Amount:       req.Amount,
		WithdrawTime: now,
	}
	var balance int64

	err = s.commit(ctx, func(ctx context.Context, tx repository.Tx) error {
		accounts, err := tx.LockAccounts(ctx, req.UserID)
		if err != nil {
			return err
		}
		account, ok := accounts[req.UserID]
		if !ok {
			return models.NewError(models.KindUnknownAccount, fmt.Sprintf("account %d not found", req.UserID), nil)
		}
		if req.Amount > account.TotalBalance {
			return models.ErrInsufficientFunds
		}

		balance = account.TotalBalance - req.Amount
		if err := tx.UpsertBalance(ctx, models.BalanceUpdate{
			UserID:     req.UserID,
			NewBalance: balance,
			Version:    account.Version,
			Withdraw:   &models.WithdrawMark{Amount: req.Amount, Time: now},
			At:         now,
		}); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, rec)
	})
	if err != nil {
		return nil, 0, err
	}
	return rec, balance, nil
}

// Transfer moves req.Amount between two existing accounts.
func (s *LedgerService) Transfer(ctx context.Context, req models.TransferRequest) (*models.TransferRecord, error) {
	o := s.begin(models.OpTransfer, req.From)
	rec, balance, err := s.transfer(ctx, o, req)

	e := events.New(models.OpTransfer, req.From, req.Amount, err)
	to := req.To
	e.CounterpartyID = &to
	if err == nil {
		e.RecordID = rec.ID
		e.BalanceAfter = &balance
	}
	s.finish(ctx, o, e, req.From, req.To)
	return rec, err
}

func (s *LedgerService) transfer(ctx context.Context, o *operation, req models.TransferRequest) (*models.TransferRecord, int64, error) {
	if req.Amount <= 0 {
		return nil, 0, models.ErrInvalidAmount
	}
	if req.From == req.To {
		return nil, 0, models.ErrSelfTransfer
	}
	if err := validateUserID(req.From); err != nil {
		return nil, 0, err
	}
	if err := validateUserID(req.To); err != nil {
		return nil, 0, err
	}
	for _, userID := range []int64{req.From, req.To} {
		if _, err := s.repo.GetAccount(ctx, userID); err != nil {
			return nil, 0, err
		}
	}
	o.advance(models.StateValidated)

	release, err := s.guard.Acquire(ctx, req.From, req.To)
	if err != nil {
		return nil, 0, err
	}
	defer release()
	o.advance(models.StateGuarded)

	now := s.now()
	rec := &models.TransferRecord{
		TransferFrom: req.From,
		TransferTo:   req.To,
		Amount:       req.Amount,
		TransferTime: now,
	}
	var balance int64

	err = s.commit(ctx, func(ctx context.Context, tx repository.Tx) error {
		accounts, err := tx.LockAccounts(ctx, req.From, req.To)
		if err != nil {
			return err
		}
		from, ok := accounts[req.From]
		if !ok {
			return models.NewError(models.KindUnknownAccount, fmt.Sprintf("account %d not found", req.From), nil)
		}
		to, ok := accounts[req.To]
		if !ok {
			return models.NewError(models.KindUnknownAccount, fmt.Sprintf("account %d not found", req.To), nil)
		}
		if req.Amount > from.TotalBalance {
			return models.ErrInsufficientFunds
		}
		if to.TotalBalance > math.MaxInt64-req.Amount {
			return models.NewError(models.KindInvalidAmount, "amount would overflow the balance", nil)
		}

		balance = from.TotalBalance - req.Amount
		if err := tx.UpsertBalance(ctx, models.BalanceUpdate{
			UserID:     req.From,
			NewBalance: balance,
			Version:    from.Version,
			At:         now,
		}); err != nil {
			return err
		}
		if err := tx.UpsertBalance(ctx, models.BalanceUpdate{
			UserID:     req.To,
			NewBalance: to.TotalBalance + req.Amount,
			Version:    to.Version,
			At:         now,
		}); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, rec)
	})
	if err != nil {
		return nil, 0, err
	}
	return rec, balance, nil
}

// OpenAccount provisions a zero balance account. Opening an existing
// account returns it unchanged.
func (s *LedgerService) OpenAccount(ctx context.Context, userID int64) (*models.Account, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	return s.repo.OpenAccount(ctx, userID)
}

func (s *LedgerService) GetBalance(ctx context.Context, userID int64) (*models.Account, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	return s.repo.GetAccount(ctx, userID)
}

func (s *LedgerService) ListHistory(ctx context.Context, f models.HistoryFilter) (*models.HistoryPage, error) {
	if f.Kind != "" && !f.Kind.Valid() {
		return nil, models.NewError(models.KindValidation, fmt.Sprintf("unknown history kind %q", f.Kind), nil)
	}
	if f.PageSize <= 0 {
		f.PageSize = s.cfg.DefaultPageSize
	}
	return s.repo.ListHistory(ctx, f.Normalize(s.cfg.MaxPageSize))
}

func (s *LedgerService) GetTopup(ctx context.Context, id int64) (*models.TopupRecord, error) {
	return s.repo.GetTopup(ctx, id)
}

func (s *LedgerService) GetWithdraw(ctx context.Context, id int64) (*models.WithdrawRecord, error) {
	return s.repo.GetWithdraw(ctx, id)
}

func (s *LedgerService) GetTransfer(ctx context.Context, id int64) (*models.TransferRecord, error) {
	return s.repo.GetTransfer(ctx, id)
}
