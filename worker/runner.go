package worker

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fleetworks/conveyor/checkpoint"
	"github.com/fleetworks/conveyor/dlq"
	"github.com/fleetworks/conveyor/offline"
	"github.com/fleetworks/conveyor/queue"
	"github.com/fleetworks/conveyor/workflow"
)

// Local cache status values. They mirror the coordinator outcome the
// record still owes.
const (
	cachedRunning   = "running"
	cachedCompleted = "completed"
	cachedFailed    = "failed"
)

// runJob executes one claimed job end to end: local buffering, resume
// lookup, the engine run, and outcome reporting.
func (w *Worker) runJob(ctx context.Context, job *queue.Job) {
	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("workflow_ref", job.WorkflowRef),
	)

	ctx, span := w.tracer.Start(ctx, "worker.run_job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.workflow_ref", job.WorkflowRef),
		attribute.Int("job.attempt", job.Attempt),
	))
	defer span.End()

	if w.offline != nil {
		err := w.offline.CacheJob(ctx, &offline.CachedJob{
			JobID:       job.ID,
			WorkflowRef: job.WorkflowRef,
			Payload:     job.Payload,
			Attempt:     job.Attempt,
			Status:      cachedRunning,
		})
		if err != nil {
			logger.Warn("local job buffering failed", zap.Error(err))
		}
	}

	if err := w.queue.MarkRunning(ctx, job.ID, w.config.RobotID); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			logger.Warn("lease lost before execution started")
			return
		}
		// Coordinator unreachable; execute anyway, the lease still holds.
		logger.Warn("could not mark job running", zap.Error(err))
	}

	graph, err := w.resolver.Resolve(job.WorkflowRef)
	if err != nil {
		w.reportFailure(ctx, job, err)
		return
	}

	state, handled := w.loadResumeState(ctx, job, logger)
	if handled {
		// Corrupt checkpoint; the job was already escalated.
		return
	}

	engine := workflow.NewEngine(w.registry,
		workflow.WithLogger(w.logger),
		workflow.WithBreakers(w.breakerCaller()),
		workflow.WithCheckpointSink(&runSink{worker: w, jobID: job.ID}),
	)

	started := time.Now()
	var result *workflow.Result
	if state != nil {
		result, err = engine.Resume(ctx, graph, state)
	} else {
		result, err = engine.Run(ctx, graph, job.Payload)
	}
	if err != nil {
		// The run never started: the graph is malformed.
		w.reportFailure(ctx, job, err)
		return
	}
	if w.metrics != nil {
		w.metrics.RecordRun(job.WorkflowRef, string(result.Status), time.Since(started))
	}

	switch result.Status {
	case workflow.RunSucceeded:
		span.SetStatus(codes.Ok, "")
		w.reportSuccess(ctx, job, result.Variables)
	case workflow.RunCancelled:
		span.SetStatus(codes.Error, "cancelled")
		w.returnCancelled(job)
	default:
		span.SetStatus(codes.Error, result.Err.Error())
		w.reportFailure(ctx, job, result.Err)
	}
}

// loadResumeState returns the checkpointed state for the job, nil for a
// fresh start. The lookup runs on every claim: lease-expiry and recovery
// requeues hand the job back without consuming an attempt, so the attempt
// counter says nothing about whether a checkpoint exists. The second
// return is true when the job was terminally handled here (corrupt
// checkpoint).
func (w *Worker) loadResumeState(ctx context.Context, job *queue.Job, logger *zap.Logger) (*workflow.State, bool) {
	if w.checkpoints == nil {
		return nil, false
	}
	state, err := w.checkpoints.LoadLatest(ctx, job.ID)
	switch {
	case err == nil:
		logger.Info("resuming from checkpoint",
			zap.Int("completed_nodes", len(state.NodeStatus)))
		return state, false
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
		return nil, false
	case errors.Is(err, checkpoint.ErrCorrupt):
		// Resuming from a guess could repeat side effects; escalate.
		w.reportFailure(ctx, job, err)
		return nil, true
	default:
		logger.Warn("checkpoint load failed, starting fresh", zap.Error(err))
		return nil, false
	}
}

func (w *Worker) breakerCaller() workflow.BreakerCaller {
	if w.breakers == nil {
		return nil
	}
	return w.breakers
}

// reportSuccess acknowledges a completed job, falling back to the local
// cache when the coordinator is unreachable.
func (w *Worker) reportSuccess(ctx context.Context, job *queue.Job, result map[string]any) {
	ctx = context.WithoutCancel(ctx)

	err := w.queue.Complete(ctx, job.ID, w.config.RobotID, result)
	switch {
	case err == nil:
		if w.metrics != nil {
			w.metrics.RecordCompletion(job.WorkflowRef)
		}
		if w.checkpoints != nil {
			if dErr := w.checkpoints.Discard(ctx, job.ID); dErr != nil {
				w.logger.Warn("checkpoint discard failed", zap.String("job_id", job.ID), zap.Error(dErr))
			}
		}
		w.markDelivered(ctx, job.ID, cachedCompleted, result)
	case errors.Is(err, queue.ErrLeaseLost):
		// Another attempt owns the job now; our result is moot.
		w.logger.Warn("completion discarded, lease lost", zap.String("job_id", job.ID))
		w.markDelivered(ctx, job.ID, cachedCompleted, result)
	default:
		w.bufferOutcome(ctx, job, cachedCompleted, result, "")
	}
}

// reportFailure records a failed attempt, falling back to the local cache
// when the coordinator is unreachable.
func (w *Worker) reportFailure(ctx context.Context, job *queue.Job, cause error) {
	ctx = context.WithoutCancel(ctx)

	if w.metrics != nil {
		w.metrics.RecordFailure(job.WorkflowRef, dlq.Classify(cause))
	}

	action, err := w.queue.Fail(ctx, job.ID, w.config.RobotID, cause)
	switch {
	case err == nil:
		if action.Kind == dlq.ActionDeadLetter && w.metrics != nil {
			w.metrics.RecordDeadLetter(job.WorkflowRef)
		}
		w.markDelivered(ctx, job.ID, cachedFailed, nil)
	case errors.Is(err, queue.ErrLeaseLost), errors.Is(err, queue.ErrTerminalState):
		w.logger.Warn("failure report discarded", zap.String("job_id", job.ID), zap.Error(err))
		w.markDelivered(ctx, job.ID, cachedFailed, nil)
	default:
		w.bufferOutcome(ctx, job, cachedFailed, nil, cause.Error())
	}
}

// returnCancelled hands a cancelled job back without consuming an attempt.
// Cancellation here means shutdown or a revoked lease, not a job fault.
func (w *Worker) returnCancelled(job *queue.Job) {
	ctx := context.Background()
	err := w.queue.Requeue(ctx, job.ID, "worker drained mid-run")
	if err != nil && !errors.Is(err, queue.ErrTerminalState) {
		w.logger.Warn("could not return cancelled job",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	// The buffered checkpoint was already flushed through the sink; the
	// local record owes the coordinator nothing more.
	if w.offline != nil {
		if sErr := w.offline.MarkSynced(ctx, job.ID); sErr != nil && !errors.Is(sErr, offline.ErrJobNotCached) {
			w.logger.Warn("local cache sync mark failed", zap.String("job_id", job.ID), zap.Error(sErr))
		}
	}
}

// bufferOutcome stores an undeliverable outcome locally; the heartbeat
// loop replays it once the coordinator answers again.
func (w *Worker) bufferOutcome(ctx context.Context, job *queue.Job, status string, result map[string]any, lastError string) {
	if w.offline == nil {
		w.logger.Error("outcome report lost, no local cache",
			zap.String("job_id", job.ID), zap.String("status", status))
		return
	}
	if err := w.offline.UpdateStatus(ctx, job.ID, status, result, lastError); err != nil {
		w.logger.Error("outcome report lost, local cache write failed",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	w.logger.Warn("coordinator unreachable, outcome buffered locally",
		zap.String("job_id", job.ID), zap.String("status", status))
}

// markDelivered updates the local record for a delivered outcome so the
// drain skips it and the purge can collect it.
func (w *Worker) markDelivered(ctx context.Context, jobID, status string, result map[string]any) {
	if w.offline == nil {
		return
	}
	if err := w.offline.UpdateStatus(ctx, jobID, status, result, ""); err != nil && !errors.Is(err, offline.ErrJobNotCached) {
		w.logger.Warn("local cache update failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if err := w.offline.MarkSynced(ctx, jobID); err != nil && !errors.Is(err, offline.ErrJobNotCached) {
		w.logger.Warn("local cache sync mark failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// runSink feeds engine checkpoints into the checkpoint manager and the
// local cache. A sink error never fails the run.
type runSink struct {
	worker *Worker
	jobID  string
}

// Save implements workflow.CheckpointSink.
func (s *runSink) Save(ctx context.Context, state *workflow.State) error {
	w := s.worker
	if w.offline != nil {
		if blob, err := state.Encode(); err == nil {
			if cErr := w.offline.RecordCheckpoint(ctx, s.jobID, blob); cErr != nil && !errors.Is(cErr, offline.ErrJobNotCached) {
				w.logger.Warn("local checkpoint buffer failed",
					zap.String("job_id", s.jobID), zap.Error(cErr))
			}
		}
	}
	if w.checkpoints == nil {
		return nil
	}
	_, err := w.checkpoints.Save(ctx, s.jobID, state)
	return err
}
