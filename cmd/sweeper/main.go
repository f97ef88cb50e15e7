package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/punchamoorthee/escrowd/internal/config"
	"github.com/punchamoorthee/escrowd/internal/lock"
	"github.com/punchamoorthee/escrowd/internal/service"
	"github.com/punchamoorthee/escrowd/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "escrowd-sweeper")
	if err := run(logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("sweeper exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	_ = godotenv.Load()
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewStore(ctx, cfg.DBSource, cfg.MaxDBConns)
	if err != nil {
		return err
	}
	defer db.Close()

	var locker lock.Locker = lock.Local{}
	if cfg.RedisURL != "" {
		rdb, err := lock.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		locker = lock.NewRedisLocker(rdb)
	} else {
		logger.Warn("REDIS_URL not set, sweeping without a lease")
	}

	logger.Info("sweeper started", "interval", cfg.SweepInterval)
	return service.NewSweepService(db, locker, logger).Run(ctx, cfg.SweepInterval)
}
