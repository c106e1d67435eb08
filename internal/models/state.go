package models

// Operation names a balance-changing operation.
type Operation string

const (
	OpTopup    Operation = "topup"
	OpWithdraw Operation = "withdraw"
	OpTransfer Operation = "transfer"
)

// OperationState tracks an operation through the engine:
// Received → Validated → Guarded → Committed | Rejected | Aborted.
type OperationState string

const (
	StateReceived  OperationState = "received"
	StateValidated OperationState = "validated"
	StateGuarded   OperationState = "guarded"
	StateCommitted OperationState = "committed"
	StateRejected  OperationState = "rejected"
	StateAborted   OperationState = "aborted"
)

// Terminal reports whether no further transition is possible.
func (s OperationState) Terminal() bool {
	return s == StateCommitted || s == StateRejected || s == StateAborted
}

// OutcomeOf maps the error that ended an operation onto its terminal state.
// Business rule failures are rejections; concurrency and storage failures
// abort.
func OutcomeOf(err error) OperationState {
	switch KindOf(err) {
	case "":
		return StateCommitted
	case KindBusy, KindVersionConflict, KindStorage, KindIntegrity:
		return StateAborted
	default:
		return StateRejected
	}
}
