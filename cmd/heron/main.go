// Heron - Streaming transaction anomaly detection.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/heron/internal/api"
	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/cache"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/engine"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/opensource-finance/heron/internal/rules"
	"github.com/opensource-finance/heron/internal/source"
	"github.com/opensource-finance/heron/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg := domain.DefaultConfig()
	cfg.ApplyEnv()

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting heron",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"source", cfg.Source.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	set, err := loadRules(ctx, repo)
	if err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	eng := engine.New(set, engine.WithShards(cfg.Shards))
	slog.Info("detection engine initialized", "rules_count", len(eng.Rules()), "shards", cfg.Shards)

	go runSweeper(ctx, eng, cfg.SweepInterval)

	sink := &worker.Sink{Repo: repo, Cache: cacheImpl, Bus: busImpl}

	var feedWorker *worker.Worker
	if cfg.Source.Type != "" && cfg.Source.Type != "none" {
		src, err := source.New(cfg.Source, busImpl)
		if err != nil {
			slog.Error("failed to initialize transaction source", "error", err)
			os.Exit(1)
		}
		defer src.Close()

		feedWorker = worker.NewWorker(eng, sink)
		if err := feedWorker.Start(ctx, src); err != nil {
			slog.Error("failed to start worker", "error", err)
		} else {
			slog.Info("worker started", "source", cfg.Source.Type)
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Engine:  eng,
		Repo:    repo,
		Cache:   cacheImpl,
		Bus:     busImpl,
		Worker:  feedWorker,
		Version: Version,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("heron is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop the feed first so no verdict is delivered to a closed sink
	if feedWorker != nil {
		if err := feedWorker.Stop(); err != nil {
			slog.Error("failed to stop worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	stats := eng.Statistics()
	slog.Info("heron shutdown complete",
		"transactions", stats.TotalTransactions,
		"anomalies", stats.AnomalousTransactions,
	)
}

// loadRules builds the rule set from the built-in defaults plus any stored
// overrides. A failed listing falls back to the defaults.
func loadRules(ctx context.Context, repo domain.Repository) (*rules.Set, error) {
	stored, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return rules.NewSet()
	}

	overrides := make([]domain.RuleConfig, 0, len(stored))
	for _, cfg := range stored {
		overrides = append(overrides, *cfg)
	}
	if len(overrides) > 0 {
		slog.Info("loading rule overrides from database", "count", len(overrides))
	}
	return rules.NewSet(overrides...)
}

// runSweeper periodically drops idle account windows.
func runSweeper(ctx context.Context, eng *engine.Engine, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := eng.Sweep(eng.Now()); n > 0 {
				slog.Debug("swept idle account windows", "accounts", n)
			}
		}
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                  HERON                    |")
	fmt.Println("  |    Streaming Transaction Anomaly Engine   |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Source:   %s\n", cfg.Source.Type)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST  /evaluate                - Evaluate a transaction")
	fmt.Println("    POST  /evaluate/batch          - Evaluate transactions in order")
	fmt.Println("    POST  /performance             - Score labelled transactions")
	fmt.Println("    POST  /transactions            - Queue a transaction for the worker")
	fmt.Println("    GET   /verdicts/{id}           - Get verdict by transaction ID")
	fmt.Println("    GET   /transactions/{id}       - Get transaction by ID")
	fmt.Println("    GET   /accounts/{id}/velocity  - Account activity summary")
	fmt.Println("    GET   /anomalies               - Recent anomalies")
	fmt.Println("    GET   /statistics              - Detection statistics")
	fmt.Println("    GET   /report                  - Detailed report")
	fmt.Println("    GET   /rules                   - List rules")
	fmt.Println("    POST  /rules                   - Add an expression rule")
	fmt.Println("    PATCH /rules/{id}              - Update a rule")
	fmt.Println("    GET   /health                  - Health check")
	fmt.Println()
}
