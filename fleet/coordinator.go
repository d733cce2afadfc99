package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Coordinator errors.
var (
	// ErrRobotNotFound means the robot is not registered.
	ErrRobotNotFound = errors.New("fleet: robot not found")
	// ErrNoRobotAvailable means no routable robot satisfies the
	// requirements right now.
	ErrNoRobotAvailable = errors.New("fleet: no robot available")
)

// Config tunes the coordinator.
type Config struct {
	// HeartbeatInterval is the expected reporting cadence of robots.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	// MissThreshold is how many consecutive intervals a robot may miss
	// before it is marked offline.
	MissThreshold int `yaml:"miss_threshold" json:"miss_threshold"`
	// Strategy selects the routing strategy by name.
	Strategy string `yaml:"strategy" json:"strategy"`
}

// DefaultConfig returns coordinator defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		MissThreshold:     3,
		Strategy:          "capability_match",
	}
}

// OfflineHandler is invoked when the monitor marks a robot offline. The
// recovery path hangs off this hook to requeue the robot's orphaned jobs.
type OfflineHandler func(ctx context.Context, robot *Robot)

// Coordinator owns the robot registry: registration, heartbeat health,
// and job routing. The relational store is authoritative; any coordinator
// replica can serve any robot.
type Coordinator struct {
	db        *gorm.DB
	config    Config
	strategy  Strategy
	onOffline OfflineHandler
	logger    *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// CoordinatorOption customizes construction.
type CoordinatorOption func(*Coordinator)

// WithOfflineHandler installs the robot-loss hook.
func WithOfflineHandler(h OfflineHandler) CoordinatorOption {
	return func(c *Coordinator) { c.onOffline = h }
}

// WithStrategy overrides the configured routing strategy.
func WithStrategy(s Strategy) CoordinatorOption {
	return func(c *Coordinator) { c.strategy = s }
}

// NewCoordinator creates a coordinator on the shared database.
func NewCoordinator(db *gorm.DB, config Config, logger *zap.Logger, opts ...CoordinatorOption) (*Coordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 10 * time.Second
	}
	if config.MissThreshold <= 0 {
		config.MissThreshold = 3
	}
	strategy, err := NewStrategy(config.Strategy)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		db:       db,
		config:   config,
		strategy: strategy,
		logger:   logger.With(zap.String("component", "fleet_coordinator")),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Register adds a robot to the fleet, or refreshes an existing
// registration (same ID re-registering after a restart).
func (c *Coordinator) Register(ctx context.Context, robot *Robot) error {
	if robot.ID == "" {
		robot.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	robot.Status = StatusOnline
	robot.LastHeartbeatAt = now
	if robot.RegisteredAt.IsZero() {
		robot.RegisteredAt = now
	}
	if robot.MaxLoad <= 0 {
		robot.MaxLoad = 1
	}
	if err := c.db.WithContext(ctx).Save(robot).Error; err != nil {
		return fmt.Errorf("register robot: %w", err)
	}
	c.logger.Info("robot registered",
		zap.String("robot_id", robot.ID),
		zap.String("name", robot.Name),
		zap.Strings("capabilities", robot.Capabilities))
	return nil
}

// Deregister removes a robot permanently.
func (c *Coordinator) Deregister(ctx context.Context, robotID string) error {
	res := c.db.WithContext(ctx).Where("id = ?", robotID).Delete(&Robot{})
	if res.Error != nil {
		return fmt.Errorf("deregister robot: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRobotNotFound
	}
	c.logger.Info("robot deregistered", zap.String("robot_id", robotID))
	return nil
}

// RecordHeartbeat refreshes a robot's liveness and load. A heartbeat from
// an offline robot brings it back online; a draining robot stays draining.
func (c *Coordinator) RecordHeartbeat(ctx context.Context, robotID string, hb Heartbeat) error {
	var robot Robot
	err := c.db.WithContext(ctx).Where("id = ?", robotID).First(&robot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrRobotNotFound
	}
	if err != nil {
		return fmt.Errorf("load robot: %w", err)
	}

	updates := map[string]any{
		"last_heartbeat_at": time.Now().UTC(),
		"current_load":      hb.CurrentLoad,
	}
	if hb.Capabilities != nil {
		updates["capabilities"] = hb.Capabilities
	}
	if hb.Environment != nil {
		updates["environment"] = hb.Environment
	}
	switch {
	case hb.Draining:
		updates["status"] = StatusDraining
	case robot.Status == StatusDraining && !hb.Draining:
		updates["status"] = StatusOnline
	case robot.Status == StatusOffline:
		c.logger.Info("robot back online", zap.String("robot_id", robotID))
		updates["status"] = StatusOnline
	case hb.CurrentLoad >= robot.MaxLoad:
		updates["status"] = StatusBusy
	default:
		updates["status"] = StatusOnline
	}

	if err := c.db.WithContext(ctx).Model(&Robot{}).Where("id = ?", robotID).Updates(updates).Error; err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

// SelectRobot routes a job's requirements to one robot, or
// ErrNoRobotAvailable.
func (c *Coordinator) SelectRobot(ctx context.Context, req Requirements) (*Robot, error) {
	var candidates []Robot
	err := c.db.WithContext(ctx).
		Where("status = ?", StatusOnline).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("list routable robots: %w", err)
	}
	robot := c.strategy.Select(candidates, req)
	if robot == nil {
		return nil, ErrNoRobotAvailable
	}
	return robot, nil
}

// Get returns one robot.
func (c *Coordinator) Get(ctx context.Context, robotID string) (*Robot, error) {
	var robot Robot
	err := c.db.WithContext(ctx).Where("id = ?", robotID).First(&robot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRobotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load robot: %w", err)
	}
	return &robot, nil
}

// List returns the whole fleet, newest registration first.
func (c *Coordinator) List(ctx context.Context) ([]Robot, error) {
	var robots []Robot
	err := c.db.WithContext(ctx).Order("registered_at DESC").Find(&robots).Error
	if err != nil {
		return nil, fmt.Errorf("list robots: %w", err)
	}
	return robots, nil
}

// OnlineCount returns the number of routable robots, for the autoscale
// signal and the fleet gauge.
func (c *Coordinator) OnlineCount(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.WithContext(ctx).Model(&Robot{}).
		Where("status IN ?", []RobotStatus{StatusOnline, StatusBusy}).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count robots: %w", err)
	}
	return n, nil
}

// SweepStale marks robots offline once they miss the heartbeat threshold
// and invokes the offline handler for each. Returns how many were marked.
func (c *Coordinator) SweepStale(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(c.config.MissThreshold) * c.config.HeartbeatInterval)

	var stale []Robot
	err := c.db.WithContext(ctx).
		Where("status IN ? AND last_heartbeat_at < ?",
			[]RobotStatus{StatusOnline, StatusBusy, StatusDraining}, cutoff).
		Find(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("list stale robots: %w", err)
	}

	marked := 0
	for i := range stale {
		robot := &stale[i]
		// Conditional on the heartbeat we read, so a beat arriving during
		// the sweep wins over the offline marking.
		res := c.db.WithContext(ctx).Model(&Robot{}).
			Where("id = ? AND last_heartbeat_at = ?", robot.ID, robot.LastHeartbeatAt).
			Update("status", StatusOffline)
		if res.Error != nil {
			return marked, fmt.Errorf("mark robot offline: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		marked++
		c.logger.Warn("robot missed heartbeat threshold, marked offline",
			zap.String("robot_id", robot.ID),
			zap.Time("last_heartbeat_at", robot.LastHeartbeatAt))
		if c.onOffline != nil {
			robot.Status = StatusOffline
			c.onOffline(ctx, robot)
		}
	}
	return marked, nil
}

// StartMonitor runs the stale-robot sweep on the heartbeat interval until
// StopMonitor is called or the context ends.
func (c *Coordinator) StartMonitor(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				sweepCtx, cancel := context.WithTimeout(ctx, c.config.HeartbeatInterval)
				if _, err := c.SweepStale(sweepCtx); err != nil {
					c.logger.Error("stale robot sweep failed", zap.Error(err))
				}
				cancel()
			}
		}
	}()
}

// StopMonitor halts the sweep loop.
func (c *Coordinator) StopMonitor() {
	close(c.stop)
	<-c.done
}
