package services

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ruralpay/ledger/internal/models"
)

type AuditReport struct {
	Mismatches []models.Reconciliation `json:"mismatches"`
	Supply     *models.Totals          `json:"supply"`
	StartedAt  time.Time               `json:"started_at"`
	Duration   time.Duration           `json:"duration"`
}

func (r AuditReport) Consistent() bool {
	return len(r.Mismatches) == 0 && r.Supply != nil && r.Supply.Consistent()
}

// Auditor runs the full consistency check on a fixed interval.
type Auditor struct {
	checker  *InvariantChecker
	interval time.Duration
	logger   *zap.Logger
}

func NewAuditor(checker *InvariantChecker, interval time.Duration, logger *zap.Logger) *Auditor {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Auditor{checker: checker, interval: interval, logger: logger}
}

func (a *Auditor) RunOnce(ctx context.Context) (*AuditReport, error) {
	report := &AuditReport{StartedAt: time.Now().UTC()}

	mismatches, err := a.checker.CheckAll(ctx)
	if err != nil {
		return nil, err
	}
	report.Mismatches = mismatches

	supply, err := a.checker.CheckSupply(ctx)
	if err != nil {
		return nil, err
	}
	report.Supply = supply
	report.Duration = time.Since(report.StartedAt)

	a.logger.Info("ledger audit completed",
		zap.Int("mismatches", len(report.Mismatches)),
		zap.Bool("supply_consistent", supply.Consistent()),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// Run audits immediately and then on every tick until ctx is cancelled.
func (a *Auditor) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if _, err := a.RunOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			a.logger.Error("ledger audit failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
