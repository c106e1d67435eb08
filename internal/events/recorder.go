package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ruralpay/ledger/internal/audit"
)

const publishTimeout = 5 * time.Second

// Recorder is the single sink for operation outcomes. It must only be
// called after the account guard has been released.
type Recorder struct {
	logger    *zap.Logger
	audit     *audit.AuditLogger
	publisher Publisher
}

func NewRecorder(logger *zap.Logger, auditLogger *audit.AuditLogger, publisher Publisher) *Recorder {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Recorder{
		logger:    logger,
		audit:     auditLogger,
		publisher: publisher,
	}
}

func (r *Recorder) Record(ctx context.Context, e Event) {
	operationsTotal.WithLabelValues(string(e.Operation), string(e.Outcome), string(e.ErrorKind)).Inc()
	operationDuration.WithLabelValues(string(e.Operation)).Observe(e.Latency.Seconds())

	if !e.Committed() {
		r.audit.LogRejection(string(e.Operation), e.UserID, e.Amount, string(e.Outcome), e.Error)
		return
	}
	r.audit.LogOperation(string(e.Operation), e.UserID, e.CounterpartyID, e.RecordID, e.Amount)

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := r.publisher.Publish(pubCtx, e); err != nil {
		r.logger.Warn("failed to publish ledger event",
			zap.String("event_id", e.ID),
			zap.String("type", e.Type),
			zap.Error(err),
		)
	}
}
