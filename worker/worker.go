// Package worker is the robot-side runtime: it registers with the fleet,
// claims jobs under a rate limit, executes workflow graphs in a bounded
// slot pool, heartbeats its leases, and buffers results locally when the
// coordinator is unreachable.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fleetworks/conveyor/breaker"
	"github.com/fleetworks/conveyor/checkpoint"
	"github.com/fleetworks/conveyor/fleet"
	"github.com/fleetworks/conveyor/internal/metrics"
	"github.com/fleetworks/conveyor/internal/pool"
	"github.com/fleetworks/conveyor/offline"
	"github.com/fleetworks/conveyor/queue"
	"github.com/fleetworks/conveyor/workflow"
)

// Config tunes the worker runtime.
type Config struct {
	// RobotID identifies this worker in the fleet; empty generates one.
	RobotID string `yaml:"robot_id" json:"robot_id"`
	// Name is the human-readable robot name.
	Name string `yaml:"name" json:"name"`
	// Capabilities this robot advertises and claims against.
	Capabilities []string `yaml:"capabilities" json:"capabilities"`
	// Slots bounds concurrent job executions.
	Slots int `yaml:"slots" json:"slots"`
	// PollInterval is the claim-loop cadence when no notifications arrive.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// ClaimRate caps claim attempts per second; zero or below disables the
	// limit.
	ClaimRate float64 `yaml:"claim_rate" json:"claim_rate"`
	// HeartbeatInterval is the fleet/lease heartbeat cadence. Keep it well
	// under the queue lease TTL.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	// DrainTimeout bounds how long Stop waits for in-flight jobs.
	DrainTimeout time.Duration `yaml:"drain_timeout" json:"drain_timeout"`
}

// DefaultConfig returns worker runtime defaults.
func DefaultConfig() Config {
	return Config{
		Name:              "conveyor-worker",
		Slots:             4,
		PollInterval:      2 * time.Second,
		ClaimRate:         10,
		HeartbeatInterval: 10 * time.Second,
		DrainTimeout:      30 * time.Second,
	}
}

// Worker is one robot process. Create with New, run with Start, shut down
// with Stop.
type Worker struct {
	config   Config
	queue    *queue.Queue
	registry *workflow.Registry
	resolver GraphResolver

	fleet       *fleet.Coordinator
	checkpoints *checkpoint.Manager
	breakers    *breaker.Registry
	offline     *offline.Cache
	notifier    *queue.RedisNotifier
	metrics     *metrics.Collector

	purgeAge      time.Duration
	purgeInterval time.Duration

	slots   *pool.SlotPool
	limiter *rate.Limiter
	tracer  trace.Tracer
	logger  *zap.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	draining  atomic.Bool
	wake      chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	claimDone chan struct{}
	hbDone    chan struct{}
}

// Option customizes a Worker.
type Option func(*Worker)

// WithFleet registers the worker as a robot and heartbeats through the
// coordinator.
func WithFleet(c *fleet.Coordinator) Option {
	return func(w *Worker) { w.fleet = c }
}

// WithCheckpoints persists state snapshots during runs and resumes from
// them.
func WithCheckpoints(m *checkpoint.Manager) Option {
	return func(w *Worker) { w.checkpoints = m }
}

// WithBreakers routes protected node calls through circuit breakers.
func WithBreakers(r *breaker.Registry) Option {
	return func(w *Worker) { w.breakers = r }
}

// WithOfflineCache buffers results and checkpoints locally while the
// coordinator is unreachable.
func WithOfflineCache(c *offline.Cache) Option {
	return func(w *Worker) { w.offline = c }
}

// WithOfflinePurge removes synced terminal records older than age every
// interval.
func WithOfflinePurge(age, interval time.Duration) Option {
	return func(w *Worker) {
		w.purgeAge = age
		w.purgeInterval = interval
	}
}

// WithNotifier wakes the claim loop on job-available events instead of
// waiting for the next poll.
func WithNotifier(n *queue.RedisNotifier) Option {
	return func(w *Worker) { w.notifier = n }
}

// WithMetrics records job lifecycle metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(w *Worker) { w.metrics = m }
}

// New creates a worker. The queue, executor registry, and graph resolver
// are mandatory; everything else is optional.
func New(q *queue.Queue, registry *workflow.Registry, resolver GraphResolver, config Config, logger *zap.Logger, opts ...Option) (*Worker, error) {
	if q == nil {
		return nil, errors.New("worker: queue is required")
	}
	if registry == nil {
		return nil, errors.New("worker: executor registry is required")
	}
	if resolver == nil {
		return nil, errors.New("worker: graph resolver is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RobotID == "" {
		config.RobotID = uuid.NewString()
	}
	if config.Slots <= 0 {
		config.Slots = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 10 * time.Second
	}

	w := &Worker{
		config:   config,
		queue:    q,
		registry: registry,
		resolver: resolver,
		tracer:   otel.Tracer("conveyor/worker"),
		logger:   logger.With(zap.String("component", "worker"), zap.String("robot_id", config.RobotID)),
		inflight: make(map[string]context.CancelFunc),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.slots = pool.NewSlotPool(config.Slots, func(r any) {
		w.logger.Error("job panicked", zap.Any("panic", r))
	})
	if config.ClaimRate > 0 {
		burst := int(config.ClaimRate)
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(config.ClaimRate), burst)
	}
	return w, nil
}

// RobotID returns the worker's fleet identity.
func (w *Worker) RobotID() string { return w.config.RobotID }

// Stats returns the slot pool snapshot.
func (w *Worker) Stats() pool.Stats { return w.slots.GetStats() }

// Start registers the robot and launches the claim, heartbeat, and
// notification loops. It returns once the loops are running; they stop
// when ctx ends or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	if w.fleet != nil {
		err := w.fleet.Register(ctx, &fleet.Robot{
			ID:           w.config.RobotID,
			Name:         w.config.Name,
			Capabilities: w.config.Capabilities,
			MaxLoad:      w.config.Slots,
		})
		if err != nil {
			return err
		}
	}

	w.claimDone = make(chan struct{})
	w.hbDone = make(chan struct{})
	go w.claimLoop(ctx)
	go w.heartbeatLoop(ctx)
	if w.notifier != nil {
		go w.eventLoop(ctx)
	}

	w.logger.Info("worker started",
		zap.Strings("capabilities", w.config.Capabilities),
		zap.Int("slots", w.config.Slots))
	return nil
}

// Stop drains the worker: no new claims, in-flight jobs get the drain
// window, anything still running after it is cancelled and requeued.
func (w *Worker) Stop(ctx context.Context) error {
	w.draining.Store(true)
	if w.fleet != nil {
		_ = w.fleet.RecordHeartbeat(ctx, w.config.RobotID, fleet.Heartbeat{
			CurrentLoad:  w.slots.InFlight(),
			Capabilities: w.config.Capabilities,
			Draining:     true,
		})
	}
	w.stopOnce.Do(func() { close(w.stop) })

	drainCtx := ctx
	if w.config.DrainTimeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, w.config.DrainTimeout)
		defer cancel()
	}
	drainErr := w.slots.Drain(drainCtx)
	if drainErr != nil {
		w.logger.Warn("drain window elapsed, cancelling remaining jobs",
			zap.Int("in_flight", w.slots.InFlight()))
		w.cancelInflight()
		drainErr = w.slots.Drain(ctx)
	}

	if w.claimDone != nil {
		<-w.claimDone
	}
	if w.hbDone != nil {
		<-w.hbDone
	}
	w.logger.Info("worker stopped")
	return drainErr
}

func (w *Worker) cancelInflight() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, cancel := range w.inflight {
		cancel()
	}
}

func (w *Worker) claimLoop(ctx context.Context) {
	defer close(w.claimDone)
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
		case <-w.wake:
		}
		w.claimAvailable(ctx)
	}
}

// claimAvailable claims as many visible jobs as there are free slots. The
// claim itself is the only arbiter; a wake-up for a job someone else won
// just falls out as ErrNoJobAvailable.
func (w *Worker) claimAvailable(ctx context.Context) {
	for w.slots.HasFreeSlot() && !w.draining.Load() {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return
			}
		}
		started := time.Now()
		job, err := w.queue.Claim(ctx, w.config.RobotID, w.config.Capabilities)
		if errors.Is(err, queue.ErrNoJobAvailable) {
			if w.metrics != nil {
				w.metrics.RecordClaimMiss(time.Since(started))
			}
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("claim attempt failed", zap.Error(err))
			}
			return
		}
		if w.metrics != nil {
			w.metrics.RecordClaim(job.WorkflowRef, time.Since(started))
		}
		w.launch(ctx, job)
	}
}

func (w *Worker) launch(ctx context.Context, job *queue.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.inflight[job.ID] = cancel
	w.mu.Unlock()

	release := func() {
		cancel()
		w.mu.Lock()
		delete(w.inflight, job.ID)
		w.mu.Unlock()
	}

	err := w.slots.TryRun(jobCtx, func(runCtx context.Context) {
		defer release()
		w.runJob(runCtx, job)
	})
	if err != nil {
		release()
		// Claimed a job the pool cannot serve; hand it straight back.
		if reqErr := w.queue.Requeue(context.WithoutCancel(ctx), job.ID, "worker has no free slot"); reqErr != nil {
			w.logger.Error("could not return unservable job",
				zap.String("job_id", job.ID), zap.Error(reqErr))
		}
	}
}

// eventLoop turns job-available notifications into claim-loop wake-ups.
// Events for jobs this robot cannot serve are dropped.
func (w *Worker) eventLoop(ctx context.Context) {
	events := make(chan queue.JobEvent, 16)
	go func() {
		if err := w.notifier.Listen(ctx, events); err != nil && ctx.Err() == nil {
			w.logger.Warn("job notification stream ended", zap.Error(err))
		}
	}()

	have := make(map[string]bool, len(w.config.Capabilities))
	for _, c := range w.config.Capabilities {
		have[c] = true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case event := <-events:
			if !serviceable(event.RequiredCapabilities, have) {
				continue
			}
			select {
			case w.wake <- struct{}{}:
			default:
			}
		}
	}
}

func serviceable(required []string, have map[string]bool) bool {
	for _, need := range required {
		if !have[need] {
			return false
		}
	}
	return true
}
