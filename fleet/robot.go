// Package fleet tracks the robot fleet: registration, heartbeat health,
// job routing strategies, and lease-based distributed locks for exclusive
// external resources.
package fleet

import (
	"time"
)

// RobotStatus is the lifecycle state of a registered robot.
type RobotStatus string

// Robot statuses.
const (
	// StatusOnline means the robot heartbeats and can accept work.
	StatusOnline RobotStatus = "online"
	// StatusBusy means the robot is at capacity; routing skips it.
	StatusBusy RobotStatus = "busy"
	// StatusOffline means the robot missed its heartbeat threshold; its
	// in-flight jobs are orphans for the recovery path.
	StatusOffline RobotStatus = "offline"
	// StatusDraining means the robot finishes in-flight work but accepts
	// nothing new.
	StatusDraining RobotStatus = "draining"
)

// Routable reports whether new work may be routed to a robot in this
// status.
func (s RobotStatus) Routable() bool { return s == StatusOnline }

// Robot is the persisted fleet member record. Created on registration,
// refreshed by heartbeats, marked offline by the coordinator's monitor,
// removed only by explicit deregistration.
type Robot struct {
	ID              string         `gorm:"primaryKey;size:36" json:"id"`
	Name            string         `gorm:"size:255;not null" json:"name"`
	Capabilities    []string       `gorm:"serializer:json" json:"capabilities"`
	Status          RobotStatus    `gorm:"size:32;index;not null" json:"status"`
	CurrentLoad     int            `json:"current_load"`
	MaxLoad         int            `gorm:"default:1" json:"max_load"`
	Environment     map[string]any `gorm:"serializer:json" json:"environment,omitempty"`
	LastHeartbeatAt time.Time      `gorm:"index" json:"last_heartbeat_at"`
	RegisteredAt    time.Time      `json:"registered_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// TableName keeps the table name stable.
func (Robot) TableName() string { return "robots" }

// HasCapabilities reports whether the robot advertises every required
// capability.
func (r *Robot) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(r.Capabilities))
	for _, c := range r.Capabilities {
		have[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}

// Requirements describe what a job needs from a robot.
type Requirements struct {
	Capabilities []string `json:"capabilities,omitempty"`
}

// Heartbeat is the payload a robot reports on each interval.
type Heartbeat struct {
	CurrentLoad  int            `json:"current_load"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Environment  map[string]any `json:"environment,omitempty"`
	Draining     bool           `json:"draining,omitempty"`
}
