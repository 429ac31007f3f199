package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"content-allocator/internal/assets"
	"content-allocator/internal/config"
	"content-allocator/internal/metadata"
	"content-allocator/internal/oracle"
	"content-allocator/internal/queue"
	"content-allocator/internal/scheduler"
	"content-allocator/internal/store"
	"content-allocator/internal/telemetry"
	"content-allocator/internal/worker"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.Env)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}

	q := queue.NewRedisQueue(cfg)
	or := oracle.New(cfg.OracleURL, cfg.OracleTimeout, cfg.OracleRetries, cfg.OracleBackoffInitial, log)
	mf := metadata.New(cfg.MetadataURL, cfg.MetadataTimeout)

	src, err := assets.NewS3Source(ctx, cfg, st, log)
	if err != nil {
		log.Fatal("init asset source", zap.Error(err))
	}
	var source scheduler.AssetSource
	if src != nil {
		source = src
	}

	sched := scheduler.New(cfg, st, or, mf, source, q, log)
	runner := worker.NewRunner(cfg, q, sched, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	log.Info("allocator started",
		zap.Duration("poll_interval", cfg.RunPollInterval),
		zap.String("oracle", cfg.OracleURL))
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("allocator stopped", zap.Error(err))
	}
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		log, _ := zap.NewDevelopment()
		return log
	}
	log, _ := zap.NewProduction()
	return log
}
