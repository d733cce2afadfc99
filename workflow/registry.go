package workflow

import (
	"context"
	"fmt"
	"sync"
)

// Executor is the uniform contract exposed by the external node catalog.
// The engine treats any non-control-flow node kind as opaque beyond this
// interface: it hands over the node config and gathered inputs, and gets
// back outputs or a failure.
type Executor interface {
	Execute(ctx context.Context, spec *NodeSpec, inputs map[string]any, run *RunContext) (map[string]any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, spec *NodeSpec, inputs map[string]any, run *RunContext) (map[string]any, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, spec *NodeSpec, inputs map[string]any, run *RunContext) (map[string]any, error) {
	return f(ctx, spec, inputs, run)
}

// Registry resolves node kinds to executors. Control-flow kinds never reach
// the registry; everything else must be registered here.
type Registry struct {
	mu        sync.RWMutex
	executors map[NodeKind]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[NodeKind]Executor)}
}

// Register binds an executor to a node kind. The last registration wins.
func (r *Registry) Register(kind NodeKind, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = exec
}

// RegisterFunc binds a function executor to a node kind.
func (r *Registry) RegisterFunc(kind NodeKind, fn ExecutorFunc) {
	r.Register(kind, fn)
}

// Resolve returns the executor for a kind.
func (r *Registry) Resolve(kind NodeKind) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNodeKind, kind)
	}
	return exec, nil
}

// Kinds returns the registered kinds, for diagnostics.
func (r *Registry) Kinds() []NodeKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]NodeKind, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	return kinds
}
