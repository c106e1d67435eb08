package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ruralpay/ledger/internal/app"
	"github.com/ruralpay/ledger/internal/config"
)

func main() {
	once := flag.Bool("once", false, "run a single audit pass and exit non-zero on drift")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if cfg.Ledger.Store == "memory" {
		logger.Fatal("auditor needs a shared store, ledger.store=memory is process local")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ledger, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize ledger", zap.Error(err))
	}
	defer ledger.Close()

	if *once {
		report, err := ledger.Auditor.RunOnce(ctx)
		if err != nil {
			logger.Fatal("audit failed", zap.Error(err))
		}
		if !report.Consistent() {
			logger.Error("ledger inconsistent",
				zap.Int("mismatches", len(report.Mismatches)),
				zap.Duration("duration", report.Duration),
			)
			ledger.Close()
			os.Exit(1)
		}
		logger.Info("ledger consistent", zap.Duration("duration", report.Duration))
		return
	}

	if err := ledger.Auditor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("auditor stopped", zap.Error(err))
	}
	logger.Info("auditor stopped")
}
