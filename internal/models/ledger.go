package models

import (
	"slices"
	"time"
)

// Account is the per-user balance row. TotalBalance is a cache of the
// signed sum of the user's history.
type Account struct {
	UserID             int64      `json:"user_id" db:"user_id"`
	TotalBalance       int64      `json:"total_balance" db:"total_balance"` // smallest currency unit
	LastWithdrawAmount *int64     `json:"withdraw_amount,omitempty" db:"withdraw_amount"`
	LastWithdrawTime   *time.Time `json:"withdraw_time,omitempty" db:"withdraw_time"`
	Version            int64      `json:"-" db:"version"` // for optimistic locking, 0 = not persisted
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt          *time.Time `json:"-" db:"deleted_at"`
}

// BalanceUpdate is the payload of an upsert_balance call. Version is the
// token read under the guard; 0 asks for the row to be created.
type BalanceUpdate struct {
	UserID     int64
	NewBalance int64
	Version    int64
	Withdraw   *WithdrawMark
	At         time.Time
}

// WithdrawMark refreshes the denormalised last-withdraw columns.
type WithdrawMark struct {
	Amount int64
	Time   time.Time
}

// Totals is the global money supply as seen by the store.
type Totals struct {
	Balances  int64 `json:"balances"`
	Topups    int64 `json:"topups"`
	Withdraws int64 `json:"withdraws"`
	Accounts  int64 `json:"accounts"`
}

// Consistent reports whether no money was created or destroyed.
func (t Totals) Consistent() bool {
	return t.Balances == t.Topups-t.Withdraws
}

// Reconciliation is the outcome of replaying one account's history.
type Reconciliation struct {
	UserID     int64 `json:"user_id"`
	Expected   int64 `json:"expected_balance"`
	Actual     int64 `json:"actual_balance"`
	Drift      int64 `json:"drift_amount"`
	Entries    int   `json:"entries"`
	Consistent bool  `json:"is_consistent"`
}

// CanonicalOrder de-duplicates user ids and sorts them ascending. Every
// multi-account lock is taken in this order.
func CanonicalOrder(userIDs []int64) []int64 {
	out := slices.Clone(userIDs)
	slices.Sort(out)
	return slices.Compact(out)
}
