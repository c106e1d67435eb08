package guard

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ruralpay/ledger/internal/models"
)

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// LocalGuard keeps one binary semaphore per account in process memory.
// Entries are reference counted and dropped once nobody holds or waits on
// them.
type LocalGuard struct {
	mu          sync.Mutex
	entries     map[int64]*lockEntry
	lockTimeout time.Duration
}

func NewLocalGuard(lockTimeout time.Duration) *LocalGuard {
	return &LocalGuard{
		entries:     make(map[int64]*lockEntry),
		lockTimeout: lockTimeout,
	}
}

func (g *LocalGuard) Acquire(ctx context.Context, userIDs ...int64) (func(), error) {
	waitCtx := ctx
	if g.lockTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.lockTimeout)
		defer cancel()
	}

	ids := models.CanonicalOrder(userIDs)
	held := make([]int64, 0, len(ids))
	for _, id := range ids {
		entry := g.ref(id)
		if err := entry.sem.Acquire(waitCtx, 1); err != nil {
			g.unref(id)
			g.release(held)
			return nil, busyError(ctx, id, err)
		}
		held = append(held, id)
	}

	return sync.OnceFunc(func() { g.release(held) }), nil
}

func (g *LocalGuard) ref(id int64) *lockEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.entries[id]
	if !ok {
		entry = &lockEntry{sem: semaphore.NewWeighted(1)}
		g.entries[id] = entry
	}
	entry.refs++
	return entry
}

func (g *LocalGuard) unref(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry := g.entries[id]
	entry.refs--
	if entry.refs == 0 {
		delete(g.entries, id)
	}
}

// release frees held accounts in reverse acquisition order.
func (g *LocalGuard) release(held []int64) {
	for i := len(held) - 1; i >= 0; i-- {
		g.mu.Lock()
		entry := g.entries[held[i]]
		g.mu.Unlock()

		entry.sem.Release(1)
		g.unref(held[i])
	}
}

// Len reports how many accounts currently have a live entry.
func (g *LocalGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}
