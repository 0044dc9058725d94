// Package main is the entry point for the gitfix worker pool.
// Workers claim queued jobs and run the task pipeline: revalidate the
// issue, prepare a worktree, run the coding agent, commit, push, and
// open the pull request.
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

	"github.com/gitfix/gitfix/internal/agent"
	"github.com/gitfix/gitfix/internal/common/config"
	"github.com/gitfix/gitfix/internal/common/logger"
	"github.com/gitfix/gitfix/internal/common/tracing"
	"github.com/gitfix/gitfix/internal/githubapi"
	"github.com/gitfix/gitfix/internal/gitrepo"
	"github.com/gitfix/gitfix/internal/httpapi"
	"github.com/gitfix/gitfix/internal/pipeline"
	"github.com/gitfix/gitfix/internal/queue"
	"github.com/gitfix/gitfix/internal/taskstore"
)

// shutdownGrace is how long in-flight tasks may keep running after a
// shutdown signal before their contexts are cancelled.
const shutdownGrace = 60 * time.Second

func main() {
	resetQueue := flag.Bool("reset", false, "clear all queue keys before starting")
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

	log.Info("starting gitfix worker",
		zap.String("queue", cfg.Queue.Name),
		zap.String("agent_command", cfg.Agent.Command))

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
	snap, err := settings.LoadAll()
	if err != nil {
		log.Fatal("failed to load settings document",
			zap.String("path", cfg.Settings.FilePath), zap.Error(err))
	}
	go settings.Watch(ctx)

	// 5. GitHub gateway, repo manager, agent runner
	gh, err := githubapi.NewGateway(&cfg.GitHub, log)
	if err != nil {
		log.Fatal("failed to initialize github gateway", zap.Error(err))
	}
	git := gitrepo.NewManager(cfg.Git, gh, log)
	runner := agent.NewRunner(cfg.Agent, git, log)

	// 6. Queue, task store, pipeline
	q := queue.New(cfg.Queue.Name, rdb, log)
	store := taskstore.New(rdb, log)
	pipe := pipeline.New(cfg, settings, gh, git, runner, store, q, log)

	// 7. Startup maintenance flag
	if *resetQueue {
		if err := q.Obliterate(ctx); err != nil {
			log.Fatal("queue reset failed", zap.Error(err))
		}
		log.Info("queue reset", zap.String("queue", cfg.Queue.Name))
	}

	// 8. Retention sweep for expired worktrees, hourly
	go func() {
		if err := git.CleanupExpired(ctx, ""); err != nil {
			log.Warn("worktree retention sweep failed", zap.Error(err))
		}
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := git.CleanupExpired(ctx, ""); err != nil {
					log.Warn("worktree retention sweep failed", zap.Error(err))
				}
			}
		}
	}()

	// 9. Start the worker pool
	worker := queue.NewWorker(q, pipe.Handler(), queue.WorkerConfig{
		Concurrency:  snap.WorkerConcurrency,
		BlockTimeout: cfg.Queue.DequeueBlock(),
		StalledAfter: cfg.Queue.StalledAfter(),
	}, log)
	worker.Start(ctx)

	// 10. Health server. The worker defaults to :8091 so both processes
	// can share a host.
	healthAddr := cfg.Health.Addr
	if os.Getenv("HEALTH_ADDR") == "" {
		healthAddr = ":8091"
	}
	health := httpapi.NewServer(healthAddr, "gitfix-worker", rdb,
		&httpapi.WorkerProbe{Worker: worker, Queue: q}, log)
	health.Start()

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("shutdown signal received",
		zap.String("signal", sig.String()),
		zap.Duration("grace", shutdownGrace))

	// 12. Graceful shutdown: stop intake, give in-flight tasks the grace
	// period, then force-cancel.
	graceCtx, graceCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer graceCancel()
	worker.Shutdown(graceCtx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := health.Shutdown(shutdownCtx); err != nil {
		log.Warn("health server shutdown failed", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown failed", zap.Error(err))
	}

	log.Info("gitfix worker stopped")
}
