// Package app wires the ledger core to its configured collaborators.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/ruralpay/ledger/internal/audit"
	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/database"
	"github.com/ruralpay/ledger/internal/events"
	"github.com/ruralpay/ledger/internal/guard"
	"github.com/ruralpay/ledger/internal/repository"
	"github.com/ruralpay/ledger/internal/services"
)

type App struct {
	DB        *sql.DB
	Redis     *redis.Client
	Repo      repository.Repository
	Guard     guard.Guard
	Publisher events.Publisher
	Checker   *services.InvariantChecker
	Ledger    *services.LedgerService
	Auditor   *services.Auditor

	logger *zap.Logger
}

// New connects the configured store, guard and event sinks. The caller owns
// the returned App and must Close it.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{logger: logger}

	if cfg.RedisEnabled {
		client, err := database.InitRedis(ctx, logger)
		switch {
		case err == nil:
			a.Redis = client
		case cfg.Ledger.Guard == "redis":
			return nil, fmt.Errorf("redis guard unavailable: %w", err)
		default:
			logger.Warn("continuing without redis", zap.Error(err))
		}
	}

	switch cfg.Ledger.Store {
	case "memory":
		a.Repo = repository.NewMemoryRepository()
	default:
		db, err := database.InitDB(ctx, cfg.Database, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.DB = db
		if err := database.Migrate(ctx, db, logger); err != nil {
			a.Close()
			return nil, err
		}
		a.Repo = repository.NewPostgresRepository(db, cfg.Ledger.LockTimeout)
	}

	switch cfg.Ledger.Guard {
	case "redis":
		a.Guard = guard.NewRedisGuard(a.Redis, guard.RedisGuardConfig{
			LockTimeout:   cfg.Ledger.LockTimeout,
			TTL:           cfg.Ledger.LockTTL,
			RetryInterval: cfg.Ledger.LockRetryInterval,
		}, logger)
	default:
		a.Guard = guard.NewLocalGuard(cfg.Ledger.LockTimeout)
	}

	var sinks events.MultiPublisher
	if a.Redis != nil && cfg.Events.RedisChannel != "" {
		sinks = append(sinks, events.NewRedisPublisher(a.Redis, cfg.Events.RedisChannel))
	}
	if len(cfg.Events.KafkaBrokers) > 0 {
		sinks = append(sinks, events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic, logger))
	}
	if len(sinks) > 0 {
		a.Publisher = sinks
	} else {
		a.Publisher = events.NopPublisher{}
	}

	auditLogger := audit.NewAuditLogger(logger)
	a.Checker = services.NewInvariantChecker(a.Repo, auditLogger, logger)
	a.Ledger = services.NewLedgerService(
		a.Repo,
		a.Guard,
		events.NewRecorder(logger, auditLogger, a.Publisher),
		a.Checker,
		services.LedgerConfig{
			CommitTimeout:     cfg.Ledger.CommitTimeout,
			MinWithdrawAmount: cfg.Ledger.MinWithdrawAmount,
			VerifyAfterCommit: cfg.Ledger.VerifyAfterCommit,
			DefaultPageSize:   cfg.Ledger.DefaultPageSize,
			MaxPageSize:       cfg.Ledger.MaxPageSize,
		},
		logger,
	)
	a.Auditor = services.NewAuditor(a.Checker, cfg.AuditorInterval, logger)

	logger.Info("ledger initialised",
		zap.String("store", cfg.Ledger.Store),
		zap.String("guard", cfg.Ledger.Guard),
		zap.Int("event_sinks", len(sinks)),
	)
	return a, nil
}

func (a *App) Close() error {
	var errs []error
	if a.Publisher != nil {
		errs = append(errs, a.Publisher.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown incomplete", zap.Error(err))
		return err
	}
	return nil
}
