package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fleetworks/conveyor/dlq"
)

// Config tunes the queue service.
type Config struct {
	// LeaseTTL is the visibility timeout of a claimed job.
	LeaseTTL time.Duration `yaml:"lease_ttl" json:"lease_ttl"`
	// DefaultMaxAttempts applies to jobs enqueued without an explicit
	// budget.
	DefaultMaxAttempts int `yaml:"default_max_attempts" json:"default_max_attempts"`
	// ClaimBatch is how many visible candidates one claim attempt
	// considers before giving up.
	ClaimBatch int `yaml:"claim_batch" json:"claim_batch"`
	// SweepInterval is how often expired leases are returned to the queue.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		LeaseTTL:           30 * time.Second,
		DefaultMaxAttempts: 5,
		ClaimBatch:         16,
		SweepInterval:      10 * time.Second,
	}
}

// Notifier is poked after an enqueue or requeue so idle workers wake up
// without waiting for their next poll.
type Notifier interface {
	JobAvailable(ctx context.Context, job *Job)
}

// Queue is the durable job queue service. All job state transitions go
// through it; the underlying relational store is the only cross-process
// shared mutable resource.
type Queue struct {
	db       *gorm.DB
	dlq      *dlq.Manager
	notifier Notifier
	config   Config
	logger   *zap.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithNotifier wires a job-available notifier.
func WithNotifier(n Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

// New creates the queue service.
func New(db *gorm.DB, dlqMgr *dlq.Manager, config Config, logger *zap.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		db:     db,
		dlq:    dlqMgr,
		config: config,
		logger: logger.With(zap.String("component", "queue")),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue inserts a job. Missing fields get defaults; the job becomes
// visible immediately unless RunAt is in the future.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.WorkflowRef == "" {
		return errors.New("queue: job has no workflow ref")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.config.DefaultMaxAttempts
	}
	if job.RunAt.IsZero() {
		job.RunAt = time.Now().UTC()
	}
	job.Status = StatusQueued

	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	q.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("workflow_ref", job.WorkflowRef),
		zap.Int("priority", job.Priority),
	)
	q.notify(ctx, job)
	return nil
}

// Claim atomically takes the highest-priority visible job matching the
// worker's capabilities and puts it under a lease. Two workers can never
// hold the same job: the claim is a conditional update on the queued
// status, so exactly one contender wins the row.
func (q *Queue) Claim(ctx context.Context, workerID string, capabilities []string) (*Job, error) {
	if workerID == "" {
		return nil, errors.New("queue: claim requires a worker id")
	}
	now := time.Now().UTC()

	tx := q.db.WithContext(ctx).
		Where("status = ? AND run_at <= ?", StatusQueued, now).
		Order("priority desc, created_at asc").
		Limit(q.config.ClaimBatch)
	if q.db.Dialector.Name() == "postgres" {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	var candidates []Job
	if err := tx.Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("list claim candidates: %w", err)
	}

	leaseUntil := now.Add(q.config.LeaseTTL)
	for i := range candidates {
		job := &candidates[i]
		if !job.capabilitiesSatisfied(capabilities) {
			continue
		}
		res := q.db.WithContext(ctx).Model(&Job{}).
			Where("id = ? AND status = ?", job.ID, StatusQueued).
			Updates(map[string]any{
				"status":           StatusClaimed,
				"claimed_by":       workerID,
				"lease_expires_at": leaseUntil,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("claim job %s: %w", job.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			// Lost the race to another worker; try the next candidate.
			continue
		}
		job.Status = StatusClaimed
		job.ClaimedBy = workerID
		job.LeaseExpiresAt = &leaseUntil
		q.logger.Debug("job claimed",
			zap.String("job_id", job.ID),
			zap.String("worker_id", workerID),
			zap.Time("lease_expires_at", leaseUntil),
		)
		return job, nil
	}
	return nil, ErrNoJobAvailable
}

// ExtendLease renews the caller's lease. Extensions are monotonic: a later
// extension only ever moves the expiry forward.
func (q *Queue) ExtendLease(ctx context.Context, jobID, workerID string) error {
	until := time.Now().UTC().Add(q.config.LeaseTTL)
	res := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND claimed_by = ? AND status IN ? AND (lease_expires_at IS NULL OR lease_expires_at < ?)",
			jobID, workerID, []Status{StatusClaimed, StatusRunning}, until).
		Update("lease_expires_at", until)
	if res.Error != nil {
		return fmt.Errorf("extend lease: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Either the lease is already further out (fine) or it was lost.
		var job Job
		err := q.db.WithContext(ctx).Select("claimed_by", "status", "lease_expires_at").
			Where("id = ?", jobID).First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("extend lease: %w", err)
		}
		if job.ClaimedBy == workerID && !job.Status.Terminal() {
			return nil
		}
		return ErrLeaseLost
	}
	return nil
}

// MarkRunning transitions a claimed job to running once the worker starts
// executing it.
func (q *Queue) MarkRunning(ctx context.Context, jobID, workerID string) error {
	res := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND claimed_by = ? AND status = ?", jobID, workerID, StatusClaimed).
		Update("status", StatusRunning)
	if res.Error != nil {
		return fmt.Errorf("mark running: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Complete marks a job succeeded with its result. Guarded by the lease so a
// worker that lost its claim cannot overwrite another's outcome; replays of
// an already-acknowledged completion are idempotent no-ops.
func (q *Queue) Complete(ctx context.Context, jobID, workerID string, result map[string]any) error {
	now := time.Now().UTC()
	res := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND claimed_by = ? AND status IN ?", jobID, workerID, []Status{StatusClaimed, StatusRunning}).
		Updates(map[string]any{
			"status":       StatusSucceeded,
			"result":       result,
			"reason":       "completed",
			"completed_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("complete job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var job Job
		err := q.db.WithContext(ctx).Select("status", "claimed_by").Where("id = ?", jobID).First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		if job.Status == StatusSucceeded && job.ClaimedBy == workerID {
			return nil // replayed acknowledgement
		}
		return ErrLeaseLost
	}
	q.logger.Info("job succeeded", zap.String("job_id", jobID), zap.String("worker_id", workerID))
	return nil
}

// Fail records a failed attempt and applies the retry policy: reschedule
// with backoff while the budget lasts, dead-letter once it is exhausted.
// Graph errors skip the budget and dead-letter immediately. The job is
// never silently dropped.
func (q *Queue) Fail(ctx context.Context, jobID, workerID string, cause error) (dlq.Action, error) {
	var job Job
	err := q.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return dlq.Action{}, ErrJobNotFound
	}
	if err != nil {
		return dlq.Action{}, fmt.Errorf("load job: %w", err)
	}
	if workerID != "" && job.ClaimedBy != workerID {
		return dlq.Action{}, ErrLeaseLost
	}
	if job.Status.Terminal() {
		return dlq.Action{}, ErrTerminalState
	}

	attempt := job.Attempt + 1
	budget := job.MaxAttempts
	if !dlq.Retryable(cause) {
		// Malformed workflows are fatal for every attempt.
		budget = attempt
	}

	action, err := q.dlq.RecordFailure(ctx, jobID, attempt, budget, cause)
	if err != nil {
		return dlq.Action{}, fmt.Errorf("record failure: %w", err)
	}

	updates := map[string]any{
		"attempt":          attempt,
		"last_error":       cause.Error(),
		"claimed_by":       "",
		"lease_expires_at": nil,
	}
	if action.Kind == dlq.ActionRetry {
		updates["status"] = StatusQueued
		updates["run_at"] = time.Now().UTC().Add(action.Delay)
	} else {
		updates["status"] = StatusDeadLettered
		updates["reason"] = fmt.Sprintf("dead-lettered after %d attempts: %v", attempt, cause)
	}

	res := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status NOT IN ?", jobID, []Status{StatusSucceeded, StatusFailed, StatusDeadLettered}).
		Updates(updates)
	if res.Error != nil {
		return dlq.Action{}, fmt.Errorf("fail job: %w", res.Error)
	}

	q.logger.Warn("job attempt failed",
		zap.String("job_id", jobID),
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.String("action", string(action.Kind)),
		zap.Error(cause),
	)
	return action, nil
}

// Requeue returns an orphaned job to the queue without consuming an
// attempt. Used by the recovery path when a robot is lost.
func (q *Queue) Requeue(ctx context.Context, jobID, reason string) error {
	res := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", jobID, []Status{StatusClaimed, StatusRunning}).
		Updates(map[string]any{
			"status":           StatusQueued,
			"claimed_by":       "",
			"lease_expires_at": nil,
			"run_at":           time.Now().UTC(),
			"reason":           reason,
		})
	if res.Error != nil {
		return fmt.Errorf("requeue job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrTerminalState
	}
	q.logger.Info("job requeued", zap.String("job_id", jobID), zap.String("reason", reason))
	return nil
}

// Cancel terminally fails a non-terminal job with a human-readable reason.
func (q *Queue) Cancel(ctx context.Context, jobID, reason string) error {
	res := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", jobID, []Status{StatusQueued, StatusClaimed, StatusRunning}).
		Updates(map[string]any{
			"status":           StatusFailed,
			"reason":           reason,
			"claimed_by":       "",
			"lease_expires_at": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("cancel job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var job Job
		err := q.db.WithContext(ctx).Select("status").Where("id = ?", jobID).First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		return ErrTerminalState
	}
	q.logger.Info("job cancelled", zap.String("job_id", jobID), zap.String("reason", reason))
	return nil
}

// RequeueDeadLettered is the manual recovery escape hatch: it returns a
// dead-lettered job to the queue with a fresh attempt budget and clears the
// escalation flag.
func (q *Queue) RequeueDeadLettered(ctx context.Context, jobID string) error {
	res := q.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", jobID, StatusDeadLettered).
		Updates(map[string]any{
			"status":           StatusQueued,
			"attempt":          0,
			"claimed_by":       "",
			"lease_expires_at": nil,
			"run_at":           time.Now().UTC(),
			"reason":           "requeued by operator",
		})
	if res.Error != nil {
		return fmt.Errorf("requeue dead-lettered: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	if err := q.dlq.MarkRequeued(ctx, jobID); err != nil && !errors.Is(err, dlq.ErrEntryNotFound) {
		return err
	}
	var job Job
	if err := q.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error; err == nil {
		q.notify(ctx, &job)
	}
	return nil
}

// Get loads a job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	err := q.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// List returns jobs matching the filter, priority first then FIFO.
func (q *Queue) List(ctx context.Context, filter Filter) ([]Job, error) {
	tx := q.db.WithContext(ctx).Model(&Job{})
	if len(filter.Statuses) > 0 {
		tx = tx.Where("status IN ?", filter.Statuses)
	}
	if filter.WorkflowRef != "" {
		tx = tx.Where("workflow_ref = ?", filter.WorkflowRef)
	}
	if filter.ClaimedBy != "" {
		tx = tx.Where("claimed_by = ?", filter.ClaimedBy)
	}
	if filter.Limit > 0 {
		tx = tx.Limit(filter.Limit)
	}
	var jobs []Job
	if err := tx.Order("priority desc, created_at asc").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ReleaseExpired returns every job whose lease expired to the queue,
// making it claimable again. This is the crash-safety path: no explicit
// crash detection needed.
func (q *Queue) ReleaseExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	res := q.db.WithContext(ctx).Model(&Job{}).
		Where("status IN ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?",
			[]Status{StatusClaimed, StatusRunning}, now).
		Updates(map[string]any{
			"status":           StatusQueued,
			"claimed_by":       "",
			"lease_expires_at": nil,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("release expired leases: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		q.logger.Warn("expired leases released", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// Depth returns the job count per status.
func (q *Queue) Depth(ctx context.Context) (map[Status]int64, error) {
	type row struct {
		Status Status
		N      int64
	}
	var rows []row
	err := q.db.WithContext(ctx).Model(&Job{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	depth := make(map[Status]int64, len(rows))
	for _, r := range rows {
		depth[r.Status] = r.N
	}
	return depth, nil
}

func (q *Queue) notify(ctx context.Context, job *Job) {
	if q.notifier != nil {
		q.notifier.JobAvailable(ctx, job)
	}
}
