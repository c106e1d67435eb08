package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ruralpay/ledger/internal/models"
)

const lockKeyPrefix = "ledger:lock:account:"

// Deletes the key only while it still carries our token.
const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

type RedisGuardConfig struct {
	LockTimeout   time.Duration
	TTL           time.Duration
	RetryInterval time.Duration
}

// RedisGuard holds account locks as Redis keys so several ledger instances
// can share one store. A lock outliving its TTL is released by Redis.
type RedisGuard struct {
	client *redis.Client
	cfg    RedisGuardConfig
	logger *zap.Logger
	token  func() string
}

func NewRedisGuard(client *redis.Client, cfg RedisGuardConfig, logger *zap.Logger) *RedisGuard {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 25 * time.Millisecond
	}
	return &RedisGuard{
		client: client,
		cfg:    cfg,
		logger: logger,
		token:  uuid.NewString,
	}
}

func lockKey(userID int64) string {
	return fmt.Sprintf("%s%d", lockKeyPrefix, userID)
}

func (g *RedisGuard) Acquire(ctx context.Context, userIDs ...int64) (func(), error) {
	waitCtx := ctx
	if g.cfg.LockTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.cfg.LockTimeout)
		defer cancel()
	}

	token := g.token()
	ids := models.CanonicalOrder(userIDs)
	held := make([]string, 0, len(ids))
	for _, id := range ids {
		key := lockKey(id)
		if err := g.lock(waitCtx, key, token); err != nil {
			g.release(held, token)
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, busyError(ctx, id, err)
			}
			return nil, err
		}
		held = append(held, key)
	}

	return sync.OnceFunc(func() { g.release(held, token) }), nil
}

// lock polls SET NX until it wins or ctx is done.
func (g *RedisGuard) lock(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(g.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := g.client.SetNX(ctx, key, token, g.cfg.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return models.NewError(models.KindStorage, "lock backend unavailable", err)
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *RedisGuard) release(keys []string, token string) {
	// The caller may already be gone; unlocking must still happen.
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.TTL)
	defer cancel()

	for i := len(keys) - 1; i >= 0; i-- {
		n, err := g.client.Eval(ctx, releaseScript, []string{keys[i]}, token).Int()
		if err != nil {
			g.logger.Warn("failed to release account lock", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		if n == 0 {
			g.logger.Warn("account lock expired before release", zap.String("key", keys[i]))
		}
	}
}
