package models

import (
	"time"
)

type HistoryKind string

const (
	KindTopup    HistoryKind = "topup"
	KindWithdraw HistoryKind = "withdraw"
	KindTransfer HistoryKind = "transfer"
)

// Valid reports whether k names one of the three record kinds.
func (k HistoryKind) Valid() bool {
	switch k {
	case KindTopup, KindWithdraw, KindTransfer:
		return true
	}
	return false
}

// Record is an immutable history row. Implemented by *TopupRecord,
// *WithdrawRecord and *TransferRecord.
type Record interface {
	Kind() HistoryKind
	Entry() HistoryEntry
}

type TopupRecord struct {
	ID        int64     `json:"topup_id" db:"topup_id"`
	UserID    int64     `json:"user_id" db:"user_id"`
	TopupNo   string    `json:"topup_no" db:"topup_no"`
	Amount    int64     `json:"topup_amount" db:"topup_amount"`
	Method    string    `json:"topup_method" db:"topup_method"`
	TopupTime time.Time `json:"topup_time" db:"topup_time"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

func (r *TopupRecord) Kind() HistoryKind { return KindTopup }

func (r *TopupRecord) Entry() HistoryEntry {
	return HistoryEntry{
		Kind:       KindTopup,
		ID:         r.ID,
		UserID:     r.UserID,
		Amount:     r.Amount,
		Reference:  r.TopupNo,
		Method:     r.Method,
		OccurredAt: r.TopupTime,
	}
}

type WithdrawRecord struct {
	ID           int64     `json:"withdraw_id" db:"withdraw_id"`
	UserID       int64     `json:"user_id" db:"user_id"`
	Amount       int64     `json:"withdraw_amount" db:"withdraw_amount"`
	WithdrawTime time.Time `json:"withdraw_time" db:"withdraw_time"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

func (r *WithdrawRecord) Kind() HistoryKind { return KindWithdraw }

func (r *WithdrawRecord) Entry() HistoryEntry {
	return HistoryEntry{
		Kind:       KindWithdraw,
		ID:         r.ID,
		UserID:     r.UserID,
		Amount:     r.Amount,
		OccurredAt: r.WithdrawTime,
	}
}

type TransferRecord struct {
	ID           int64     `json:"transfer_id" db:"transfer_id"`
	TransferFrom int64     `json:"transfer_from" db:"transfer_from"`
	TransferTo   int64     `json:"transfer_to" db:"transfer_to"`
	Amount       int64     `json:"transfer_amount" db:"transfer_amount"`
	TransferTime time.Time `json:"transfer_time" db:"transfer_time"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

func (r *TransferRecord) Kind() HistoryKind { return KindTransfer }

func (r *TransferRecord) Entry() HistoryEntry {
	to := r.TransferTo
	return HistoryEntry{
		Kind:           KindTransfer,
		ID:             r.ID,
		UserID:         r.TransferFrom,
		CounterpartyID: &to,
		Amount:         r.Amount,
		OccurredAt:     r.TransferTime,
	}
}

// HistoryEntry is one row of the union of the three history tables. For
// transfers UserID is the sender and CounterpartyID the receiver.
type HistoryEntry struct {
	Kind           HistoryKind `json:"kind"`
	ID             int64       `json:"id"`
	UserID         int64       `json:"user_id"`
	CounterpartyID *int64      `json:"counterparty_id,omitempty"`
	Amount         int64       `json:"amount"`
	Reference      string      `json:"reference,omitempty"`
	Method         string      `json:"method,omitempty"`
	OccurredAt     time.Time   `json:"occurred_at"`
}

// Delta is the signed effect of the entry on userID's balance.
func (e HistoryEntry) Delta(userID int64) int64 {
	switch e.Kind {
	case KindTopup:
		if e.UserID == userID {
			return e.Amount
		}
	case KindWithdraw:
		if e.UserID == userID {
			return -e.Amount
		}
	case KindTransfer:
		var delta int64
		if e.UserID == userID {
			delta -= e.Amount
		}
		if e.CounterpartyID != nil && *e.CounterpartyID == userID {
			delta += e.Amount
		}
		return delta
	}
	return 0
}

// Involves reports whether the entry touches userID's balance.
func (e HistoryEntry) Involves(userID int64) bool {
	if e.UserID == userID {
		return true
	}
	return e.CounterpartyID != nil && *e.CounterpartyID == userID
}

// Before orders entries newest first; ties by id then kind ascending.
func (e HistoryEntry) Before(o HistoryEntry) bool {
	if !e.OccurredAt.Equal(o.OccurredAt) {
		return e.OccurredAt.After(o.OccurredAt)
	}
	if e.ID != o.ID {
		return e.ID < o.ID
	}
	return e.Kind < o.Kind
}
