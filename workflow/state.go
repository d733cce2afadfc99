package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a node within one run.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// State is the mutable per-run execution state. It is owned exclusively by
// one engine run and is what the checkpoint layer persists.
type State struct {
	RunID      string                    `json:"run_id"`
	Variables  map[string]any            `json:"variables"`
	NodeStatus map[NodeID]Status         `json:"node_status"`
	Outputs    map[NodeID]map[string]any `json:"outputs"`
	StartedAt  time.Time                 `json:"started_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// NewState creates a run state seeded with the initial variables.
func NewState(runID string, initial map[string]any) *State {
	vars := make(map[string]any, len(initial))
	for k, v := range initial {
		vars[k] = v
	}
	now := time.Now().UTC()
	return &State{
		RunID:      runID,
		Variables:  vars,
		NodeStatus: make(map[NodeID]Status),
		Outputs:    make(map[NodeID]map[string]any),
		StartedAt:  now,
		UpdatedAt:  now,
	}
}

// Status returns a node's status, defaulting to StatusIdle.
func (s *State) Status(id NodeID) Status {
	if st, ok := s.NodeStatus[id]; ok {
		return st
	}
	return StatusIdle
}

func (s *State) setStatus(id NodeID, st Status) {
	s.NodeStatus[id] = st
	s.UpdatedAt = time.Now().UTC()
}

func (s *State) setOutputs(id NodeID, outputs map[string]any) {
	s.Outputs[id] = outputs
	s.UpdatedAt = time.Now().UTC()
}

// SetVariable sets a run variable.
func (s *State) SetVariable(key string, value any) {
	s.Variables[key] = value
	s.UpdatedAt = time.Now().UTC()
}

// Variable reads a run variable.
func (s *State) Variable(key string) (any, bool) {
	v, ok := s.Variables[key]
	return v, ok
}

// Snapshot returns a deep copy of the state, safe to hand to a checkpoint
// writer while the run keeps mutating the original. The copy goes through
// JSON, which is also the checkpoint wire format, so anything that cannot
// round-trip JSON does not belong in run state.
func (s *State) Snapshot() (*State, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("snapshot state: %w", err)
	}
	var copied State
	if err := json.Unmarshal(raw, &copied); err != nil {
		return nil, fmt.Errorf("snapshot state: %w", err)
	}
	return &copied, nil
}

// DecodeState deserializes a checkpointed state blob.
func DecodeState(raw []byte) (*State, error) {
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if st.Variables == nil {
		st.Variables = make(map[string]any)
	}
	if st.NodeStatus == nil {
		st.NodeStatus = make(map[NodeID]Status)
	}
	if st.Outputs == nil {
		st.Outputs = make(map[NodeID]map[string]any)
	}
	return &st, nil
}

// Encode serializes the state for checkpointing.
func (s *State) Encode() ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return raw, nil
}

// RunStatus is the terminal status of a run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// NodeOutcome is the per-node record attached to a Result.
type NodeOutcome struct {
	Status   Status         `json:"status"`
	Outputs  map[string]any `json:"outputs,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// Result is what Engine.Run returns.
type Result struct {
	Status      RunStatus                `json:"status"`
	Variables   map[string]any           `json:"variables"`
	NodeResults map[NodeID]*NodeOutcome  `json:"node_results"`
	// FailedNode is set when Status is RunFailed and a specific node
	// triggered the failure.
	FailedNode NodeID `json:"failed_node,omitempty"`
	Err        error  `json:"-"`
}
