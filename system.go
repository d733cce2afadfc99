package conveyor

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fleetworks/conveyor/config"
	"github.com/fleetworks/conveyor/dlq"
	"github.com/fleetworks/conveyor/fleet"
	"github.com/fleetworks/conveyor/internal/cache"
	"github.com/fleetworks/conveyor/internal/database"
	"github.com/fleetworks/conveyor/queue"
	"github.com/fleetworks/conveyor/recovery"
)

// System is the wired service graph shared by coordinator and worker
// processes: the relational store, the optional Redis fast path, and the
// queue/fleet/recovery services on top of them.
type System struct {
	Pool  *database.PoolManager
	Cache *cache.Manager
	// Notifier is nil when Redis is unavailable; callers fall back to
	// polling.
	Notifier *queue.RedisNotifier
	DLQ      *dlq.Manager
	Queue    *queue.Queue
	Fleet    *fleet.Coordinator
	Recovery *recovery.Manager

	logger *zap.Logger
}

// Open wires the shared services from configuration. The database is
// mandatory; Redis is best-effort and its absence only disables job
// notifications.
func Open(cfg *config.Config, logger *zap.Logger) (*System, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := database.Open(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db := pool.DB()

	var cacheMgr *cache.Manager
	var notifier *queue.RedisNotifier
	cacheMgr, err = cache.NewManager(cfg.Redis, logger)
	if err != nil {
		logger.Warn("redis unavailable, job notifications disabled", zap.Error(err))
		cacheMgr = nil
	} else {
		notifier = queue.NewRedisNotifier(cacheMgr, logger)
	}

	dlqMgr := dlq.NewManager(db, cfg.Retry, logger)
	var queueOpts []queue.Option
	if notifier != nil {
		queueOpts = append(queueOpts, queue.WithNotifier(notifier))
	}
	q := queue.New(db, dlqMgr, cfg.Queue, logger, queueOpts...)

	recoveryMgr := recovery.NewManager(q, logger)
	coordinator, err := fleet.NewCoordinator(db, cfg.Fleet, logger,
		fleet.WithOfflineHandler(recoveryMgr.Handler()))
	if err != nil {
		_ = pool.Close()
		if cacheMgr != nil {
			_ = cacheMgr.Close()
		}
		return nil, fmt.Errorf("create fleet coordinator: %w", err)
	}

	return &System{
		Pool:     pool,
		Cache:    cacheMgr,
		Notifier: notifier,
		DLQ:      dlqMgr,
		Queue:    q,
		Fleet:    coordinator,
		Recovery: recoveryMgr,
		logger:   logger,
	}, nil
}

// DB exposes the shared gorm handle.
func (s *System) DB() *gorm.DB { return s.Pool.DB() }

// Close releases the system's connections.
func (s *System) Close() error {
	var errs []error
	if s.Cache != nil {
		if err := s.Cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.Pool.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
