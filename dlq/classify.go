package dlq

import (
	"context"
	"errors"

	"github.com/fleetworks/conveyor/breaker"
	"github.com/fleetworks/conveyor/checkpoint"
	"github.com/fleetworks/conveyor/workflow"
)

// Error classes recorded in failure histories.
const (
	ClassGraph       = "graph"
	ClassCorrupt     = "checkpoint_corrupt"
	ClassCircuitOpen = "circuit_open"
	ClassTimeout     = "timeout"
	ClassCancelled   = "cancelled"
	ClassNodeFailure = "node_failure"
	ClassInfra       = "infrastructure"
)

// Classify maps an error to the failure taxonomy. Graph errors are fatal
// for the run; circuit-open errors fail fast; everything else not
// attributable to a node counts as infrastructure.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case workflow.IsGraphError(err):
		return ClassGraph
	case errors.Is(err, checkpoint.ErrCorrupt):
		return ClassCorrupt
	case errors.Is(err, breaker.ErrCircuitOpen):
		return ClassCircuitOpen
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	default:
		var nodeErr *workflow.NodeError
		if errors.As(err, &nodeErr) {
			return ClassNodeFailure
		}
		return ClassInfra
	}
}

// Retryable reports whether an error class may be retried automatically.
// Malformed graphs fail every attempt identically; a corrupt checkpoint
// cannot be resumed from a guess. Both go straight to the dead-letter
// queue.
func Retryable(err error) bool {
	class := Classify(err)
	return class != ClassGraph && class != ClassCorrupt
}
