package worker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fleetworks/conveyor/workflow"
)

// ErrUnknownWorkflow means no graph is registered under a job's workflow
// ref. It is retryable: during a rolling deploy another robot may already
// carry the new catalog.
var ErrUnknownWorkflow = errors.New("worker: unknown workflow ref")

// GraphResolver maps a job's workflow ref to an executable graph.
type GraphResolver interface {
	Resolve(ref string) (*workflow.Graph, error)
}

// Catalog is an in-memory GraphResolver. Safe for concurrent use.
type Catalog struct {
	mu     sync.RWMutex
	graphs map[string]*workflow.Graph
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{graphs: make(map[string]*workflow.Graph)}
}

// Register binds a graph to a workflow ref. The last registration wins.
func (c *Catalog) Register(ref string, g *workflow.Graph) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.graphs[ref] = g
}

// Resolve implements GraphResolver.
func (c *Catalog) Resolve(ref string) (*workflow.Graph, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.graphs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, ref)
	}
	return g, nil
}

// Refs returns the registered workflow refs, for diagnostics.
func (c *Catalog) Refs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	refs := make([]string, 0, len(c.graphs))
	for ref := range c.graphs {
		refs = append(refs, ref)
	}
	return refs
}
