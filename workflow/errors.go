package workflow

import (
	"errors"
	"fmt"
)

// Graph errors are fatal for the run and never retried automatically.
var (
	// ErrNoStartNode indicates the graph has no node without incoming
	// execution edges.
	ErrNoStartNode = errors.New("workflow: no start node")
	// ErrMultipleStartNodes indicates more than one candidate start node.
	ErrMultipleStartNodes = errors.New("workflow: multiple start nodes")
	// ErrDanglingConnection indicates a connection referencing a missing
	// node or port.
	ErrDanglingConnection = errors.New("workflow: dangling connection")
	// ErrExecutionCycle indicates an execution-flow cycle outside a loop
	// region. Loop bodies re-enter through the loop node, never through a
	// back edge, so any exec cycle would walk forever.
	ErrExecutionCycle = errors.New("workflow: execution cycle")
	// ErrLoopBoundExceeded indicates a loop ran past its iteration guard.
	ErrLoopBoundExceeded = errors.New("workflow: loop iteration bound exceeded")
	// ErrUnknownNodeKind indicates no executor is registered for a node's
	// kind.
	ErrUnknownNodeKind = errors.New("workflow: unknown node kind")
	// ErrQuorumNotReached indicates a fork join could not gather enough
	// branch successes.
	ErrQuorumNotReached = errors.New("workflow: fork quorum not reached")
)

// NodeError wraps a failure with the node that triggered it. The run never
// silently drops a node failure: absent an enclosing try region, a
// NodeError aborts the run and is attached to the Result.
type NodeError struct {
	NodeID NodeID
	Kind   NodeKind
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s (%s): %v", e.NodeID, e.Kind, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// IsGraphError reports whether err belongs to the malformed-graph taxonomy
// (never retried automatically).
func IsGraphError(err error) bool {
	return errors.Is(err, ErrNoStartNode) ||
		errors.Is(err, ErrMultipleStartNodes) ||
		errors.Is(err, ErrDanglingConnection) ||
		errors.Is(err, ErrExecutionCycle) ||
		errors.Is(err, ErrLoopBoundExceeded)
}
