// Package main is the entry point for the gitfix discovery daemon.
// The daemon polls GitHub for labeled issues and PR follow-up comments
// and enqueues jobs for the worker pool; it runs no jobs itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/logger"
	"github.com/gitfix/gitfix/internal/common/tracing"
	"github.com/gitfix/gitfix/internal/discovery"
	"github.com/gitfix/gitfix/internal/githubapi"
	"github.com/gitfix/gitfix/internal/httpapi"
	"github.com/gitfix/gitfix/internal/queue"
	"github.com/gitfix/gitfix/internal/taskstore"
)

func main() {
	resetQueue := flag.Bool("reset", false, "drain and obliterate the job queue before starting")
	resetLabels := flag.Bool("reset-labels", false, "strip processing labels from monitored repos before starting")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting gitfix daemon",
		zap.String("queue", cfg.Queue.Name),
		zap.Duration("poll_interval", cfg.Discovery.PollingInterval()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Connect to Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	err = rdb.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		log.Fatal("redis unreachable",
			zap.String("addr", cfg.Redis.Addr()), zap.Error(err))
	}

	// 4. Load the settings document and keep it fresh
	settings := config.NewLoader(cfg, log)
	if _, err := settings.LoadAll(); err != nil {
		log.Fatal("failed to load settings document",
			zap.String("path", cfg.Settings.FilePath), zap.Error(err))
	}
	go settings.Watch(ctx)

	// 5. GitHub gateway
	gh, err := githubapi.NewGateway(&cfg.GitHub, log)
	if err != nil {
		log.Fatal("failed to initialize github gateway", zap.Error(err))
	}

	// 6. Queue, task store, discovery daemon
	q := queue.New(cfg.Queue.Name, rdb, log)
	store := taskstore.New(rdb, log)
	daemon := discovery.NewDaemon(cfg, settings, gh, q, store, log)

	// 7. Startup maintenance flags
	if *resetQueue {
		if err := daemon.ResetQueue(ctx); err != nil {
			log.Fatal("queue reset failed", zap.Error(err))
		}
	}
	if *resetLabels {
		if err := daemon.ResetLabels(ctx); err != nil {
			log.Fatal("label reset failed", zap.Error(err))
		}
	}

	// 8. Start polling and the health server
	daemon.Start(ctx)

	health := httpapi.NewServer(cfg.Health.Addr, "gitfix-daemon", rdb,
		&httpapi.DaemonProbe{Daemon: daemon, Store: store}, log)
	health.Start()

	// 9. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	// 10. Graceful shutdown
	daemon.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := health.Shutdown(shutdownCtx); err != nil {
		log.Warn("health server shutdown failed", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown failed", zap.Error(err))
	}

	log.Info("gitfix daemon stopped")
}
