// Package queue implements the durable, contended job queue: atomic
// lease-based claims with visibility timeouts, priority/FIFO ordering,
// bounded retries with backoff, and dead-letter escalation.
package queue

import (
	"errors"
	"time"
)

// Status is a job's lifecycle state. It is the single source of truth for
// ownership and transitions only through the queue API.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusClaimed      Status = "claimed"
	StatusRunning      Status = "running"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead_lettered"
)

// Terminal reports whether a status admits no further transitions (other
// than the explicit dead-letter requeue escape hatch).
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusDeadLettered
}

// Queue API sentinels.
var (
	// ErrNoJobAvailable means no visible job matched the claim filter.
	ErrNoJobAvailable = errors.New("queue: no job available")
	// ErrJobNotFound means the job id is unknown.
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrLeaseLost means the caller no longer holds the job's lease; the
	// job may have been reclaimed after a visibility timeout.
	ErrLeaseLost = errors.New("queue: lease lost")
	// ErrTerminalState means the requested transition is not allowed from
	// the job's current status.
	ErrTerminalState = errors.New("queue: job in terminal state")
)

// Job is the persisted job record. Field set is stable across
// implementations; see the worker protocol for how it travels.
type Job struct {
	ID          string         `gorm:"primaryKey;size:36" json:"id"`
	WorkflowRef string         `gorm:"index;size:255;not null" json:"workflow_ref"`
	Payload     map[string]any `gorm:"serializer:json" json:"payload,omitempty"`
	Priority    int            `gorm:"index;default:0" json:"priority"`
	Status      Status         `gorm:"index;size:16;default:'queued'" json:"status"`

	// RequiredCapabilities must all be present on a worker for it to claim
	// this job.
	RequiredCapabilities []string `gorm:"serializer:json" json:"required_capabilities,omitempty"`
	// Resumable marks whether the job may be requeued after a robot loss.
	// Non-resumable jobs are cancelled instead.
	Resumable bool `gorm:"default:true" json:"resumable"`

	ClaimedBy      string     `gorm:"index;size:64" json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time `gorm:"index" json:"lease_expires_at,omitempty"`

	// RunAt is when the job becomes visible; retries push it into the
	// future by the backoff delay.
	RunAt       time.Time `gorm:"index;not null" json:"run_at"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `gorm:"default:5" json:"max_attempts"`

	LastError string         `gorm:"type:text" json:"last_error,omitempty"`
	Reason    string         `gorm:"type:text" json:"reason,omitempty"`
	Result    map[string]any `gorm:"serializer:json" json:"result,omitempty"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"index;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName keeps the table name stable regardless of gorm pluralization
// settings.
func (Job) TableName() string { return "jobs" }

// capabilitiesSatisfied reports whether the worker capability set covers
// the job's requirements.
func (j *Job) capabilitiesSatisfied(workerCaps []string) bool {
	if len(j.RequiredCapabilities) == 0 {
		return true
	}
	have := make(map[string]bool, len(workerCaps))
	for _, c := range workerCaps {
		have[c] = true
	}
	for _, need := range j.RequiredCapabilities {
		if !have[need] {
			return false
		}
	}
	return true
}

// Filter narrows List queries.
type Filter struct {
	Statuses    []Status
	WorkflowRef string
	ClaimedBy   string
	Limit       int
}
