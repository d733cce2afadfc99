package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fleetworks/conveyor"
	"github.com/fleetworks/conveyor/breaker"
	"github.com/fleetworks/conveyor/checkpoint"
	"github.com/fleetworks/conveyor/config"
	"github.com/fleetworks/conveyor/internal/metrics"
	"github.com/fleetworks/conveyor/internal/telemetry"
	"github.com/fleetworks/conveyor/offline"
	"github.com/fleetworks/conveyor/worker"
)

// runWork starts a worker process. Node executors and workflow graphs come
// from the process-wide registries in the conveyor root package; robot
// binaries embed this command after registering theirs.
func runWork(args []string) {
	fs := flag.NewFlagSet("work", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, logger := loadConfig(*configPath)
	defer logger.Sync()

	logger.Info("starting conveyor worker",
		zap.String("version", Version),
		zap.Strings("workflows", conveyor.Workflows().Refs()),
	)

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	sys, err := conveyor.Open(cfg, logger)
	if err != nil {
		logger.Fatal("system setup failed", zap.Error(err))
	}

	collector := metrics.NewCollector("conveyor_worker", nil, logger)

	store, err := checkpoint.NewStore(context.Background(), cfg.Checkpoint, sys.DB())
	if err != nil {
		logger.Fatal("checkpoint store setup failed", zap.Error(err))
	}
	checkpoints := checkpoint.NewManager(store, cfg.Checkpoint, logger)

	breakers := breaker.NewRegistry(cfg.Breaker, logger)

	opts := []worker.Option{
		worker.WithFleet(sys.Fleet),
		worker.WithCheckpoints(checkpoints),
		worker.WithBreakers(breakers),
		worker.WithMetrics(collector),
	}
	if sys.Notifier != nil {
		opts = append(opts, worker.WithNotifier(sys.Notifier))
	}

	var offlineCache *offline.Cache
	if cfg.Offline.Path != "" {
		offlineCache, err = offline.Open(cfg.Offline.Path, logger)
		if err != nil {
			logger.Fatal("offline cache setup failed", zap.Error(err))
		}
		opts = append(opts,
			worker.WithOfflineCache(offlineCache),
			worker.WithOfflinePurge(cfg.Offline.PurgeAge, cfg.Offline.PurgeInterval),
		)
	}

	w, err := worker.New(sys.Queue, conveyor.Executors(), conveyor.Workflows(), workerConfig(cfg.Worker), logger, opts...)
	if err != nil {
		logger.Fatal("worker setup failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Start(ctx); err != nil {
		logger.Fatal("worker start failed", zap.Error(err))
	}

	<-ctx.Done()
	stop()
	logger.Info("shutdown signal received, draining")

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.DrainTimeout+10*time.Second)
	defer cancel()
	if err := w.Stop(drainCtx); err != nil {
		logger.Warn("worker drain incomplete", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	if offlineCache != nil {
		_ = offlineCache.Close()
	}
	if err := sys.Close(); err != nil {
		logger.Warn("system close failed", zap.Error(err))
	}
	logger.Info("conveyor worker stopped")
}

// workerConfig maps the loaded configuration onto the worker runtime
// config. The fields mirror each other; the config package keeps its own
// copy so the worker package stays importable without it.
func workerConfig(cfg config.WorkerConfig) worker.Config {
	return worker.Config{
		RobotID:           cfg.RobotID,
		Name:              cfg.Name,
		Capabilities:      cfg.Capabilities,
		Slots:             cfg.Slots,
		PollInterval:      cfg.PollInterval,
		ClaimRate:         cfg.ClaimRate,
		HeartbeatInterval: cfg.HeartbeatInterval,
		DrainTimeout:      cfg.DrainTimeout,
	}
}
