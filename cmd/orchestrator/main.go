package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/edvin/orchestrator/internal/api"
	"github.com/edvin/orchestrator/internal/config"
	"github.com/edvin/orchestrator/internal/db"
	"github.com/edvin/orchestrator/internal/history"
	"github.com/edvin/orchestrator/internal/logging"
	"github.com/edvin/orchestrator/internal/matching"
	"github.com/edvin/orchestrator/internal/metrics"
	"github.com/edvin/orchestrator/internal/shardmgr"
	"github.com/edvin/orchestrator/internal/store"
	"github.com/edvin/orchestrator/internal/visibility"
)

func main() {
	migrateFlag := flag.Bool("migrate", true, "Run database migrations before starting")
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

	if *migrateFlag {
		logger.Info().Msg("running database migrations")
		if err := db.RunMigrations(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	}

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

	shardMgr := shardmgr.NewManager(shards, cfg.OwnerIdentity, cfg.ShardCount, cfg.LeaseDuration, logger)
	metrics.RegisterOwnedShards(shardMgr.OwnedCount)

	histories := history.NewService(namespaces, executions, events, tasks, records, shardMgr, logger)
	matcher := matching.NewService(tasks, cfg.LeaseDuration, cfg.HeartbeatExtension, cfg.RequeueDelay, logger)
	index := visibility.NewIndexer(records, namespaces, logger)

	httpServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      api.NewServer(logger, pool, namespaces, histories, index),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	rpcListener, err := net.Listen("tcp", cfg.RPCListenAddr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RPCListenAddr).Msg("failed to listen on RPC port")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return shardMgr.Run(ctx) })
	g.Go(func() error { return shardMgr.RunReclaimer(ctx) })
	g.Go(func() error { return matcher.RunReclaimer(ctx, cfg.LeaseDuration) })
	g.Go(func() error { return matcher.RunPurge(ctx, time.Hour, 24*time.Hour) })
	g.Go(func() error { return histories.RunRetention(ctx, time.Hour) })
	g.Go(func() error { return metrics.RunQueueDepthCollector(ctx, matcher, 30*time.Second, logger) })

	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.RPCListenAddr).Msg("starting gRPC health server")
		return grpcServer.Serve(rpcListener)
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}
	grpcServer.GracefulStop()
	cancel()

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		logger.Error().Err(err).Msg("shutdown finished with error")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete")
}
