// Package conveyor carries the process-wide executor and workflow
// registries. Robot binaries register their node executors and workflow
// graphs here, typically from init functions, and the worker runtime in
// cmd/conveyor picks them up, the same way database/sql drivers register
// themselves.
//
// Usage:
//
//	import "github.com/fleetworks/conveyor"
//
//	func init() {
//	    conveyor.RegisterExecutorFunc("weld", runWeld)
//	    conveyor.RegisterWorkflow("welding/frame-v2", frameGraph())
//	}
package conveyor

import (
	"github.com/fleetworks/conveyor/worker"
	"github.com/fleetworks/conveyor/workflow"
)

var (
	executors = workflow.NewRegistry()
	workflows = worker.NewCatalog()
)

// Executors returns the process-wide executor registry.
func Executors() *workflow.Registry { return executors }

// Workflows returns the process-wide workflow catalog.
func Workflows() *worker.Catalog { return workflows }

// RegisterExecutor binds an executor to a node kind in the process-wide
// registry. The last registration wins.
func RegisterExecutor(kind workflow.NodeKind, exec workflow.Executor) {
	executors.Register(kind, exec)
}

// RegisterExecutorFunc binds a function executor to a node kind.
func RegisterExecutorFunc(kind workflow.NodeKind, fn workflow.ExecutorFunc) {
	executors.RegisterFunc(kind, fn)
}

// RegisterWorkflow binds a graph to a workflow ref in the process-wide
// catalog. Jobs carrying the ref resolve to this graph.
func RegisterWorkflow(ref string, g *workflow.Graph) {
	workflows.Register(ref, g)
}
