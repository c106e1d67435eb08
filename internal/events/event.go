// Package events turns operation outcomes into logs, metrics and published
// messages.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ruralpay/ledger/internal/models"
)

// Event describes the outcome of one balance-changing operation.
type Event struct {
	ID             string                `json:"event_id"`
	Type           string                `json:"type"`
	Operation      models.Operation      `json:"operation"`
	Outcome        models.OperationState `json:"outcome"`
	ErrorKind      models.ErrorKind      `json:"error_kind,omitempty"`
	Error          string                `json:"error,omitempty"`
	UserID         int64                 `json:"user_id"`
	CounterpartyID *int64                `json:"counterparty_id,omitempty"`
	Amount         int64                 `json:"amount"`
	RecordID       int64                 `json:"record_id,omitempty"`
	BalanceAfter   *int64                `json:"balance_after,omitempty"`
	Latency        time.Duration         `json:"latency_ns"`
	Timestamp      time.Time             `json:"timestamp"`
}

// New builds the event for an operation that finished with err (nil on
// commit).
func New(op models.Operation, userID, amount int64, err error) Event {
	outcome := models.OutcomeOf(err)
	e := Event{
		ID:        uuid.NewString(),
		Type:      fmt.Sprintf("ledger.%s.%s", op, outcome),
		Operation: op,
		Outcome:   outcome,
		UserID:    userID,
		Amount:    amount,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		e.ErrorKind = models.KindOf(err)
		e.Error = err.Error()
	}
	return e
}

func (e Event) Committed() bool {
	return e.Outcome == models.StateCommitted
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
