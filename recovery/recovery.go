// Package recovery closes the loop between fleet health and job
// durability: when a robot is lost, every job it held is requeued,
// cancelled, or escalated so no work stays orphaned.
package recovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fleetworks/conveyor/fleet"
	"github.com/fleetworks/conveyor/queue"
)

// Action is the per-job decision for an orphaned job.
type Action string

// Recovery actions.
const (
	// ActionRequeue returns the job to the queue without consuming an
	// attempt; a checkpointed job resumes where it stopped.
	ActionRequeue Action = "requeue"
	// ActionCancel terminally fails a job marked non-resumable: re-running
	// it on another robot could repeat a side effect.
	ActionCancel Action = "cancel"
	// ActionEscalate sends a job with no budget left to the dead-letter
	// queue for operator attention.
	ActionEscalate Action = "escalate"
)

// Decide picks the recovery action for one orphaned job. Non-resumable
// wins over everything; an exhausted budget escalates; the rest requeue.
func Decide(job *queue.Job) Action {
	if !job.Resumable {
		return ActionCancel
	}
	if job.Attempt >= job.MaxAttempts {
		return ActionEscalate
	}
	return ActionRequeue
}

// Report summarizes one robot-loss recovery pass.
type Report struct {
	RobotID   string `json:"robot_id"`
	Requeued  int    `json:"requeued"`
	Cancelled int    `json:"cancelled"`
	Escalated int    `json:"escalated"`
}

// Manager reacts to robot loss detected by the fleet coordinator.
type Manager struct {
	queue  *queue.Queue
	logger *zap.Logger
}

// NewManager creates a recovery manager over the job queue.
func NewManager(q *queue.Queue, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		queue:  q,
		logger: logger.With(zap.String("component", "robot_recovery")),
	}
}

// RecoverRobot scans every job the lost robot held and applies the per-job
// decision. A failure on one job is logged and does not stop the scan;
// any job left untouched is still covered by lease expiry.
func (m *Manager) RecoverRobot(ctx context.Context, robotID string) (Report, error) {
	report := Report{RobotID: robotID}

	orphans, err := m.queue.List(ctx, queue.Filter{
		Statuses:  []queue.Status{queue.StatusClaimed, queue.StatusRunning},
		ClaimedBy: robotID,
	})
	if err != nil {
		return report, fmt.Errorf("list orphaned jobs: %w", err)
	}

	for i := range orphans {
		job := &orphans[i]
		action := Decide(job)
		reason := fmt.Sprintf("robot %s lost", robotID)

		var actErr error
		switch action {
		case ActionRequeue:
			actErr = m.queue.Requeue(ctx, job.ID, reason)
			if actErr == nil {
				report.Requeued++
			}
		case ActionCancel:
			actErr = m.queue.Cancel(ctx, job.ID, reason+": job not resumable")
			if actErr == nil {
				report.Cancelled++
			}
		case ActionEscalate:
			_, actErr = m.queue.Fail(ctx, job.ID, "", fmt.Errorf("%s with retry budget exhausted", reason))
			if actErr == nil {
				report.Escalated++
			}
		}
		if actErr != nil {
			m.logger.Error("orphan recovery action failed",
				zap.String("job_id", job.ID),
				zap.String("robot_id", robotID),
				zap.String("action", string(action)),
				zap.Error(actErr))
		}
	}

	if len(orphans) > 0 {
		m.logger.Info("robot loss recovered",
			zap.String("robot_id", robotID),
			zap.Int("requeued", report.Requeued),
			zap.Int("cancelled", report.Cancelled),
			zap.Int("escalated", report.Escalated))
	}
	return report, nil
}

// Handler adapts the manager to the fleet coordinator's offline hook.
func (m *Manager) Handler() fleet.OfflineHandler {
	return func(ctx context.Context, robot *fleet.Robot) {
		if _, err := m.RecoverRobot(ctx, robot.ID); err != nil {
			m.logger.Error("robot recovery failed",
				zap.String("robot_id", robot.ID), zap.Error(err))
		}
	}
}
