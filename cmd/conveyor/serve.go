package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fleetworks/conveyor"
	"github.com/fleetworks/conveyor/api"
	"github.com/fleetworks/conveyor/api/handlers"
	"github.com/fleetworks/conveyor/checkpoint"
	"github.com/fleetworks/conveyor/config"
	"github.com/fleetworks/conveyor/dlq"
	"github.com/fleetworks/conveyor/fleet"
	"github.com/fleetworks/conveyor/internal/metrics"
	"github.com/fleetworks/conveyor/internal/server"
	"github.com/fleetworks/conveyor/internal/telemetry"
	"github.com/fleetworks/conveyor/queue"
)

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, logger := loadConfig(*configPath)
	defer logger.Sync()

	logger.Info("starting conveyor coordinator",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	sys, err := conveyor.Open(cfg, logger)
	if err != nil {
		logger.Fatal("system setup failed", zap.Error(err))
	}
	if err := autoMigrate(sys.DB()); err != nil {
		// The migrate subcommand is the supported path; AutoMigrate keeps
		// dev setups working without it.
		logger.Warn("schema auto-migrate failed, run 'conveyor migrate up'", zap.Error(err))
	}

	collector := metrics.NewCollector("conveyor", nil, logger)

	health := handlers.NewHealthHandler(logger)
	health.RegisterCheck("database", sys.Pool.Ping)
	if sys.Cache != nil {
		health.RegisterCheck("redis", sys.Cache.Ping)
	}

	deps := api.Deps{
		Queue:    sys.Queue,
		DLQ:      sys.DLQ,
		Fleet:    sys.Fleet,
		Recovery: sys.Recovery,
		Health:   health,
		Build:    api.BuildInfo{Version: Version, BuildTime: BuildTime, GitCommit: GitCommit},
		Logger:   logger,
	}
	if sys.Notifier != nil {
		deps.Events = sys.Notifier
	}
	mux := api.NewRouter(deps)
	mux.Handle("GET /metrics", promhttp.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := buildHandler(ctx, mux, cfg, collector, logger)
	apiServer := server.NewManager(handler, cfg.Server, logger)

	sweeper := queue.NewSweeper(sys.Queue, logger)
	sweeper.Start(ctx)
	sys.Fleet.StartMonitor(ctx)
	go statsLoop(ctx, sys, collector, logger)

	if err := apiServer.Start(); err != nil {
		logger.Fatal("failed to start API server", zap.Error(err))
	}
	logger.Info("coordinator ready", zap.String("addr", apiServer.Addr()))

	apiServer.WaitForShutdown()

	cancel()
	sys.Fleet.StopMonitor()
	sweeper.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	if err := sys.Close(); err != nil {
		logger.Warn("system close failed", zap.Error(err))
	}
	logger.Info("conveyor coordinator stopped")
}

// buildHandler wraps the router in the middleware chain. Order matters:
// Recovery outermost, auth and rate limiting innermost so rejected
// requests are still logged and counted.
func buildHandler(ctx context.Context, mux http.Handler, cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) http.Handler {
	unauthenticated := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}

	middlewares := []Middleware{
		Recovery(logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(logger),
		MetricsMiddleware(collector),
		CORS(cfg.API.CORSOrigins),
	}
	if cfg.Telemetry.Enabled {
		middlewares = append(middlewares, OTelTracing())
	}
	if cfg.API.RateLimitRPS > 0 {
		middlewares = append(middlewares, RateLimiter(ctx, cfg.API.RateLimitRPS, cfg.API.RateLimitBurst, logger))
	}
	if len(cfg.API.APIKeys) > 0 {
		middlewares = append(middlewares, APIKeyAuth(cfg.API.APIKeys, unauthenticated, cfg.API.AllowQueryAPIKey, logger))
	}
	return Chain(mux, middlewares...)
}

// autoMigrate creates the coordinator's tables when the migrate CLI has
// not run yet.
func autoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&queue.Job{},
		&dlq.Entry{},
		&fleet.Robot{},
		&fleet.Lock{},
		&checkpoint.Record{},
	); err != nil {
		return fmt.Errorf("auto-migrate schema: %w", err)
	}
	return nil
}

// statsLoop refreshes the queue-depth and fleet gauges. The values are
// cheap aggregates; a missed tick only delays a dashboard.
func statsLoop(ctx context.Context, sys *conveyor.System, collector *metrics.Collector, logger *zap.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if depths, err := sys.Queue.Depth(ctx); err == nil {
			for status, n := range depths {
				collector.SetQueueDepth(string(status), n)
			}
		} else if ctx.Err() == nil {
			logger.Debug("queue depth refresh failed", zap.Error(err))
		}

		if online, err := sys.Fleet.OnlineCount(ctx); err == nil {
			collector.SetRobotsOnline(online)
		}

		stats := sys.Pool.Stats()
		collector.RecordDBConnections("conveyor", stats.OpenConnections, stats.Idle)
	}
}
