package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/edvin/orchestrator/internal/config"
	"github.com/edvin/orchestrator/internal/db"
	"github.com/edvin/orchestrator/internal/dispatcher"
	"github.com/edvin/orchestrator/internal/history"
	"github.com/edvin/orchestrator/internal/logging"
	"github.com/edvin/orchestrator/internal/matching"
	"github.com/edvin/orchestrator/internal/metrics"
	"github.com/edvin/orchestrator/internal/platform"
	"github.com/edvin/orchestrator/internal/runtime"
	"github.com/edvin/orchestrator/internal/shardmgr"
	"github.com/edvin/orchestrator/internal/store"
)

func main() {
	namespaceFlag := flag.String("namespace", "default", "Namespace to poll")
	taskQueueFlag := flag.String("task-queue", "default", "Task queue to poll")
	concurrencyFlag := flag.Int("concurrency", 4, "Concurrent poll loops")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	metrics.RegisterPoolMetrics(pool)

	namespaces := store.NewNamespaceStore(pool)
	shards := store.NewShardStore(pool)
	executions := store.NewExecutionStore(pool)
	events := store.NewHistoryStore(pool)
	tasks := store.NewTaskQueueStore(pool)
	records := store.NewVisibilityStore(pool)

	ns, err := namespaces.GetByName(ctx, *namespaceFlag)
	if err != nil {
		logger.Fatal().Err(err).Str("namespace", *namespaceFlag).Msg("failed to resolve namespace")
	}

	// The worker participates in shard leasing like any other process; it can
	// only submit results for runs on shards it owns, and everything else is
	// requeued toward the owner.
	shardMgr := shardmgr.NewManager(shards, cfg.OwnerIdentity, cfg.ShardCount, cfg.LeaseDuration, logger)
	metrics.RegisterOwnedShards(shardMgr.OwnedCount)

	histories := history.NewService(namespaces, executions, events, tasks, records, shardMgr, logger)
	matcher := matching.NewService(tasks, cfg.LeaseDuration, cfg.HeartbeatExtension, cfg.RequeueDelay, logger)

	registry := dispatcher.NewRegistry()
	registry.Register("EchoWorkflow", echoWorkflow)
	registry.Register("PagedSweepWorkflow", pagedSweepWorkflow)

	worker := dispatcher.New(matcher, histories, executions, registry, dispatcher.Config{
		NamespaceID:       ns.ID,
		TaskQueue:         *taskQueueFlag,
		WorkerIdentity:    cfg.OwnerIdentity,
		Concurrency:       *concurrencyFlag,
		PollTimeout:       matching.DefaultPollTimeout,
		HeartbeatInterval: cfg.HeartbeatExtension / 3,
	}, logger)

	metricsServer := metrics.NewServer(cfg.HTTPListenAddr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return shardMgr.Run(ctx) })
	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown failed")
	}
	cancel()

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("shutdown finished with error")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete")
}

// echoWorkflow captures a generated receipt ID once, then echoes its input.
// Replays return the recorded receipt without generating a new one.
func echoWorkflow(ctx *runtime.Context, input json.RawMessage) (json.RawMessage, error) {
	receipt, err := ctx.Capture("receipt-id", func() (json.RawMessage, error) {
		return json.Marshal(platform.NewID())
	})
	if err != nil {
		return nil, err
	}

	version, err := ctx.RequireVersion("echo-format", 1, 2, nil)
	if err != nil {
		return nil, err
	}

	result := struct {
		Receipt json.RawMessage `json:"receipt"`
		Echo    json.RawMessage `json:"echo"`
		At      time.Time       `json:"at,omitempty"`
	}{Receipt: receipt, Echo: input}
	if version >= 2 {
		result.At = ctx.Now()
	}
	return json.Marshal(result)
}

// pagedSweepWorkflow processes one page of work per run and continues as new
// with the next cursor, keeping each run's history short.
func pagedSweepWorkflow(ctx *runtime.Context, input json.RawMessage) (json.RawMessage, error) {
	var state struct {
		Cursor    int `json:"cursor"`
		PageCount int `json:"page_count"`
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &state); err != nil {
			return nil, fmt.Errorf("decode sweep state: %w", err)
		}
	}

	processed, err := ctx.Capture(fmt.Sprintf("sweep-page-%d", state.Cursor), func() (json.RawMessage, error) {
		return json.Marshal(state.Cursor + 1)
	})
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(processed, &state.Cursor); err != nil {
		return nil, fmt.Errorf("decode sweep cursor: %w", err)
	}

	if state.Cursor < state.PageCount {
		next, err := json.Marshal(state)
		if err != nil {
			return nil, err
		}
		return nil, runtime.NewContinueAsNewError(next)
	}
	return json.Marshal(state)
}
