// Package guard serialises writers per account. A caller holds the guard
// for every account it touches while the store transaction runs.
package guard

import (
	"context"
	"fmt"

	"github.com/ruralpay/ledger/internal/models"
)

// Guard grants exclusive access to a set of accounts. Ids are de-duplicated
// and taken in ascending order whatever the argument order, so two callers
// locking overlapping sets can never deadlock.
type Guard interface {
	// Acquire blocks until every account is held or the wait is bounded out.
	// The returned release func is safe to call more than once.
	Acquire(ctx context.Context, userIDs ...int64) (release func(), err error)
}

// busyError reports a failed wait. A caller cancellation is surfaced as busy
// wrapping the context error.
func busyError(ctx context.Context, userID int64, cause error) error {
	if err := ctx.Err(); err != nil {
		return models.NewError(models.KindBusy, "lock wait cancelled", err)
	}
	return models.NewError(models.KindBusy, fmt.Sprintf("account %d is busy, retry later", userID), cause)
}
