package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ruralpay/ledger/internal/audit"
	"github.com/ruralpay/ledger/internal/events"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/repository"
)

const checkBatchSize = 500

// InvariantChecker replays history against stored balances. It only reads:
// a mismatch is reported, never corrected.
type InvariantChecker struct {
	repo   repository.Repository
	audit  *audit.AuditLogger
	logger *zap.Logger
}

func NewInvariantChecker(repo repository.Repository, auditLogger *audit.AuditLogger, logger *zap.Logger) *InvariantChecker {
	return &InvariantChecker{
		repo:   repo,
		audit:  auditLogger,
		logger: logger,
	}
}

// CheckAccount folds the account's history oldest first and compares the
// result with the stored balance. Balance and history come from one store
// snapshot, so writers in other processes cannot split them.
func (c *InvariantChecker) CheckAccount(ctx context.Context, userID int64) (*models.Reconciliation, error) {
	account, history, err := c.repo.AccountSnapshot(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot account %d: %w", userID, err)
	}

	var expected int64
	for _, e := range history {
		expected += e.Delta(userID)
	}

	rec := &models.Reconciliation{
		UserID:     userID,
		Expected:   expected,
		Actual:     account.TotalBalance,
		Drift:      account.TotalBalance - expected,
		Entries:    len(history),
		Consistent: expected == account.TotalBalance && account.TotalBalance >= 0,
	}
	if !rec.Consistent {
		c.alert("account_replay", userID, expected, account.TotalBalance)
	}
	return rec, nil
}

// CheckAll walks every account in user id order and returns the ones whose
// balance does not match their history.
func (c *InvariantChecker) CheckAll(ctx context.Context) ([]models.Reconciliation, error) {
	var (
		mismatches []models.Reconciliation
		after      int64
	)
	for {
		accounts, err := c.repo.ListAccounts(ctx, after, checkBatchSize)
		if err != nil {
			return nil, err
		}
		for _, account := range accounts {
			rec, err := c.CheckAccount(ctx, account.UserID)
			if err != nil {
				return nil, fmt.Errorf("failed to check account %d: %w", account.UserID, err)
			}
			if !rec.Consistent {
				mismatches = append(mismatches, *rec)
			}
			after = account.UserID
		}
		if len(accounts) < checkBatchSize {
			return mismatches, nil
		}
	}
}

// CheckSupply verifies that balances sum to top-ups minus withdraws.
// Transfers move money without creating it, so they do not appear.
func (c *InvariantChecker) CheckSupply(ctx context.Context) (*models.Totals, error) {
	totals, err := c.repo.Totals(ctx)
	if err != nil {
		return nil, err
	}
	if !totals.Consistent() {
		c.alert("money_supply", 0, totals.Topups-totals.Withdraws, totals.Balances)
	}
	return totals, nil
}

func (c *InvariantChecker) alert(check string, userID, expected, actual int64) {
	events.IntegrityAlerts.WithLabelValues(check).Inc()
	c.logger.Error("data integrity alert",
		zap.String("check", check),
		zap.Int64("user_id", userID),
		zap.Int64("expected", expected),
		zap.Int64("actual", actual),
	)
	if c.audit != nil {
		c.audit.LogIntegrityAlert(check, userID, expected, actual)
	}
}
