// Package audit writes the ledger's audit trail as structured log entries.
package audit

import (
	"time"

	"go.uber.org/zap"
)

type AuditEvent struct {
	Timestamp      time.Time
	EventType      string
	Operation      string
	UserID         int64
	CounterpartyID *int64
	RecordID       int64
	Amount         int64
	Status         string
	Reason         string
}

type AuditLogger struct {
	logger *zap.Logger
}

func NewAuditLogger(logger *zap.Logger) *AuditLogger {
	return &AuditLogger{logger: logger.Named("audit")}
}

// LogOperation records a committed balance change.
func (a *AuditLogger) LogOperation(operation string, userID int64, counterpartyID *int64, recordID, amount int64) {
	a.log(AuditEvent{
		Timestamp:      time.Now().UTC(),
		EventType:      "OPERATION",
		Operation:      operation,
		UserID:         userID,
		CounterpartyID: counterpartyID,
		RecordID:       recordID,
		Amount:         amount,
		Status:         "SUCCESS",
	})
}

// LogRejection records an operation that left state unchanged.
func (a *AuditLogger) LogRejection(operation string, userID int64, amount int64, status, reason string) {
	a.log(AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: "REJECTION",
		Operation: operation,
		UserID:    userID,
		Amount:    amount,
		Status:    status,
		Reason:    reason,
	})
}

// LogIntegrityAlert records a drift between stored and replayed state.
func (a *AuditLogger) LogIntegrityAlert(check string, userID int64, expected, actual int64) {
	a.log(AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: "INTEGRITY_ALERT",
		Operation: check,
		UserID:    userID,
		Amount:    actual - expected,
		Status:    "MISMATCH",
		Reason:    "stored balance differs from replayed history",
	})
}

func (a *AuditLogger) log(event AuditEvent) {
	fields := []zap.Field{
		zap.Time("timestamp", event.Timestamp),
		zap.String("event_type", event.EventType),
		zap.String("operation", event.Operation),
		zap.Int64("user_id", event.UserID),
		zap.Int64("amount", event.Amount),
		zap.String("status", event.Status),
	}
	if event.CounterpartyID != nil {
		fields = append(fields, zap.Int64("counterparty_id", *event.CounterpartyID))
	}
	if event.RecordID != 0 {
		fields = append(fields, zap.Int64("record_id", event.RecordID))
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}

	if event.EventType == "INTEGRITY_ALERT" {
		a.logger.Error("audit", fields...)
		return
	}
	a.logger.Info("audit", fields...)
}
