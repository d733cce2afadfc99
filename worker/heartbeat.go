package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fleetworks/conveyor/fleet"
	"github.com/fleetworks/conveyor/offline"
	"github.com/fleetworks/conveyor/queue"
	"github.com/fleetworks/conveyor/workflow"
)

// heartbeatLoop keeps the robot's fleet registration and job leases
// alive, and replays locally buffered outcomes whenever the coordinator
// answers.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer close(w.hbDone)
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	unreachable := false
	lastPurge := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
		}

		w.beat(ctx, &unreachable)
		w.extendLeases(ctx)

		if w.offline != nil && w.purgeAge > 0 && time.Since(lastPurge) >= w.purgeInterval {
			lastPurge = time.Now()
			if n, err := w.offline.PurgeCompleted(ctx, w.purgeAge); err != nil {
				w.logger.Warn("local cache purge failed", zap.Error(err))
			} else if n > 0 {
				w.logger.Debug("local cache purged", zap.Int64("records", n))
			}
		}
	}
}

func (w *Worker) beat(ctx context.Context, unreachable *bool) {
	if w.fleet == nil {
		// No fleet coordinator; use the queue as the reachability probe so
		// buffered outcomes still replay.
		if _, err := w.queue.Depth(ctx); err != nil {
			*unreachable = true
			return
		}
		if *unreachable {
			w.logger.Info("coordinator reachable again")
		}
		*unreachable = false
		w.drainOffline(ctx)
		return
	}

	err := w.fleet.RecordHeartbeat(ctx, w.config.RobotID, fleet.Heartbeat{
		CurrentLoad:  w.slots.InFlight(),
		Capabilities: w.config.Capabilities,
		Draining:     w.draining.Load(),
	})
	switch {
	case errors.Is(err, fleet.ErrRobotNotFound):
		// Registration was swept while we were away; re-register.
		w.logger.Warn("fleet registration lost, re-registering")
		if rErr := w.fleet.Register(ctx, &fleet.Robot{
			ID:           w.config.RobotID,
			Name:         w.config.Name,
			Capabilities: w.config.Capabilities,
			MaxLoad:      w.config.Slots,
		}); rErr != nil {
			w.logger.Error("re-registration failed", zap.Error(rErr))
		}
	case err != nil:
		if !*unreachable {
			w.logger.Warn("heartbeat failed, entering offline mode", zap.Error(err))
		}
		*unreachable = true
		return
	}

	if *unreachable {
		w.logger.Info("coordinator reachable again")
	}
	*unreachable = false
	w.drainOffline(ctx)
}

// extendLeases renews the lease on every in-flight job. A lost lease
// cancels that job's run; its outcome belongs to whoever claims it next.
func (w *Worker) extendLeases(ctx context.Context) {
	w.mu.Lock()
	jobs := make(map[string]context.CancelFunc, len(w.inflight))
	for id, cancel := range w.inflight {
		jobs[id] = cancel
	}
	w.mu.Unlock()

	for jobID, cancel := range jobs {
		err := w.queue.ExtendLease(ctx, jobID, w.config.RobotID)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrLeaseLost), errors.Is(err, queue.ErrJobNotFound):
			w.logger.Warn("lease lost mid-run, cancelling job", zap.String("job_id", jobID))
			cancel()
		default:
			// Transient; the lease TTL gives us more beats to succeed.
			w.logger.Warn("lease extension failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}

// drainOffline replays pending local records to the coordinator in
// creation order.
func (w *Worker) drainOffline(ctx context.Context) {
	if w.offline == nil {
		return
	}
	if _, err := w.offline.DrainPending(ctx, w.applyCached); err != nil {
		w.logger.Warn("local cache replay interrupted", zap.Error(err))
	}
}

// applyCached replays one buffered record. Outcomes the coordinator
// already resolved another way (reclaimed, terminal) count as delivered.
func (w *Worker) applyCached(ctx context.Context, cached *offline.CachedJob) error {
	if w.checkpoints != nil && len(cached.CheckpointBlob) > 0 {
		state, err := workflow.DecodeState(cached.CheckpointBlob)
		if err != nil {
			w.logger.Warn("buffered checkpoint does not decode, dropping",
				zap.String("job_id", cached.JobID), zap.Error(err))
		} else if err := w.checkpoints.Flush(ctx, cached.JobID, state); err != nil {
			return err
		}
	}

	switch cached.Status {
	case cachedCompleted:
		err := w.queue.Complete(ctx, cached.JobID, w.config.RobotID, cached.Result)
		if resolvedElsewhere(err) {
			w.logger.Warn("buffered completion superseded",
				zap.String("job_id", cached.JobID), zap.Error(err))
			return nil
		}
		return err
	case cachedFailed:
		_, err := w.queue.Fail(ctx, cached.JobID, w.config.RobotID, errors.New(cached.LastError))
		if resolvedElsewhere(err) {
			w.logger.Warn("buffered failure superseded",
				zap.String("job_id", cached.JobID), zap.Error(err))
			return nil
		}
		return err
	default:
		// Still running locally; only the checkpoint needed replay.
		return nil
	}
}

func resolvedElsewhere(err error) bool {
	return errors.Is(err, queue.ErrLeaseLost) ||
		errors.Is(err, queue.ErrJobNotFound) ||
		errors.Is(err, queue.ErrTerminalState)
}
