// Package dlq implements the retry policy and the dead-letter queue: jobs
// that exhaust their retry budget land here with their full failure history
// and stay until an operator explicitly requeues them.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrEntryNotFound is returned when no dead-letter entry exists for a job.
var ErrEntryNotFound = errors.New("dlq: entry not found")

// FailureRecord is one failed attempt in a job's failure history.
type FailureRecord struct {
	Attempt    int       `json:"attempt"`
	ErrorClass string    `json:"error_class"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// Entry is the durable dead-letter record for one job.
type Entry struct {
	ID             uint            `gorm:"primaryKey" json:"-"`
	JobID          string          `gorm:"uniqueIndex;size:36;not null" json:"job_id"`
	FailureHistory []FailureRecord `gorm:"serializer:json" json:"failure_history"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	Escalated      bool            `gorm:"index" json:"escalated"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TableName keeps the table name stable regardless of gorm pluralization
// settings.
func (Entry) TableName() string { return "dlq_entries" }

// ActionKind is the decision RecordFailure makes for a failed attempt.
type ActionKind string

const (
	// ActionRetry reschedules the job after a backoff delay.
	ActionRetry ActionKind = "retry"
	// ActionDeadLetter escalates the job to the dead-letter set.
	ActionDeadLetter ActionKind = "dead_letter"
)

// Action is the retry decision plus its delay when retrying.
type Action struct {
	Kind  ActionKind
	Delay time.Duration
}

// Manager decides retry vs dead-letter and owns the dead-letter store.
type Manager struct {
	db       *gorm.DB
	schedule Schedule
	logger   *zap.Logger
}

// NewManager creates a DLQ manager on the shared relational store.
func NewManager(db *gorm.DB, schedule Schedule, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		db:       db,
		schedule: schedule,
		logger:   logger.With(zap.String("component", "dlq")),
	}
}

// Schedule exposes the retry schedule, for callers that need the delay
// bounds.
func (m *Manager) Schedule() Schedule { return m.schedule }

// RecordFailure appends the failure to the job's history and decides what
// happens next: a backoff retry while attempts remain, dead-letter once the
// budget is exhausted. Escalation is irreversible except via Requeue.
func (m *Manager) RecordFailure(ctx context.Context, jobID string, attempt, maxAttempts int, cause error) (Action, error) {
	record := FailureRecord{
		Attempt:    attempt,
		ErrorClass: Classify(cause),
		Message:    cause.Error(),
		At:         time.Now().UTC(),
	}

	action := Action{Kind: ActionRetry, Delay: m.schedule.Delay(attempt)}
	if attempt >= maxAttempts {
		action = Action{Kind: ActionDeadLetter}
	}

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry Entry
		err := tx.Where("job_id = ?", jobID).First(&entry).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			entry = Entry{JobID: jobID}
		case err != nil:
			return fmt.Errorf("load dlq entry: %w", err)
		}

		entry.FailureHistory = append(entry.FailureHistory, record)
		if action.Kind == ActionRetry {
			next := time.Now().UTC().Add(action.Delay)
			entry.NextRetryAt = &next
		} else {
			entry.Escalated = true
			entry.NextRetryAt = nil
		}
		return tx.Save(&entry).Error
	})
	if err != nil {
		return Action{}, err
	}

	if action.Kind == ActionDeadLetter {
		m.logger.Warn("job dead-lettered",
			zap.String("job_id", jobID),
			zap.Int("attempts", attempt),
			zap.String("error_class", record.ErrorClass),
		)
	} else {
		m.logger.Debug("job scheduled for retry",
			zap.String("job_id", jobID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", action.Delay),
		)
	}
	return action, nil
}

// History returns a job's accumulated failure records.
func (m *Manager) History(ctx context.Context, jobID string) ([]FailureRecord, error) {
	var entry Entry
	err := m.db.WithContext(ctx).Where("job_id = ?", jobID).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load dlq entry: %w", err)
	}
	return entry.FailureHistory, nil
}

// ListDeadLettered returns all escalated entries, oldest first.
func (m *Manager) ListDeadLettered(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := m.db.WithContext(ctx).
		Where("escalated = ?", true).
		Order("updated_at asc").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list dead-lettered: %w", err)
	}
	return entries, nil
}

// MarkRequeued clears the escalation flag after an operator requeues the
// job. The failure history is kept for diagnosis.
func (m *Manager) MarkRequeued(ctx context.Context, jobID string) error {
	res := m.db.WithContext(ctx).Model(&Entry{}).
		Where("job_id = ? AND escalated = ?", jobID, true).
		Update("escalated", false)
	if res.Error != nil {
		return fmt.Errorf("mark requeued: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrEntryNotFound
	}
	m.logger.Info("dead-lettered job requeued", zap.String("job_id", jobID))
	return nil
}
