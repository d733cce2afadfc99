package workflow

import (
	"context"
	"fmt"
)

// NodeID uniquely identifies a node within a graph.
type NodeID string

// NodeKind identifies the behavior of a node. Control-flow kinds are handled
// by the engine itself; any other kind is resolved through the executor
// registry.
type NodeKind string

const (
	// KindStart marks the entry node of a graph.
	KindStart NodeKind = "start"
	// KindEnd marks a terminal node. It executes no work.
	KindEnd NodeKind = "end"
	// KindCondition evaluates a boolean condition and activates exactly one
	// of the "true"/"false" ports.
	KindCondition NodeKind = "condition"
	// KindSwitch evaluates a selector and activates the port named by its
	// result.
	KindSwitch NodeKind = "switch"
	// KindLoop begins a loop region. The "body" port is walked once per
	// iteration; the "done" port is followed when the loop exits.
	KindLoop NodeKind = "loop"
	// KindTry guards a region. The "try" port is walked first; on failure
	// the "catch" port runs instead of aborting; the "finally" port always
	// runs; execution then continues on "next".
	KindTry NodeKind = "try"
	// KindFork runs every "branch" port concurrently and joins before
	// continuing on "next".
	KindFork NodeKind = "fork"
	// KindParallelForEach runs the "body" port concurrently for each item
	// of a collection, then continues on "done".
	KindParallelForEach NodeKind = "parallel_foreach"
)

// Well-known connection ports.
const (
	PortMain    = "main"
	PortTrue    = "true"
	PortFalse   = "false"
	PortBody    = "body"
	PortDone    = "done"
	PortTry     = "try"
	PortCatch   = "catch"
	PortFinally = "finally"
	PortBranch  = "branch"
	PortNext    = "next"
)

// LoopKind selects the loop flavor of a KindLoop node.
type LoopKind string

const (
	LoopFor     LoopKind = "for"
	LoopWhile   LoopKind = "while"
	LoopForEach LoopKind = "foreach"
)

// ConditionFunc evaluates a boolean condition against the run variables.
type ConditionFunc func(ctx context.Context, vars map[string]any) (bool, error)

// SelectorFunc returns the name of the port a switch node should activate.
type SelectorFunc func(ctx context.Context, vars map[string]any) (string, error)

// LoopSpec configures a KindLoop node.
type LoopSpec struct {
	Kind LoopKind
	// Count is the number of iterations for LoopFor.
	Count int
	// Collection names the variable holding the []any to iterate for
	// LoopForEach.
	Collection string
	// Condition gates each iteration for LoopWhile.
	Condition ConditionFunc
	// MaxIterations overrides the engine-wide loop bound for this node.
	// Zero means use the engine default.
	MaxIterations int
}

// ForkSpec configures a KindFork node.
type ForkSpec struct {
	// Quorum is the number of branch successes required before the join
	// completes. Zero means all branches must succeed.
	Quorum int
}

// ParallelSpec configures a KindParallelForEach node.
type ParallelSpec struct {
	// Collection names the variable holding the []any to iterate.
	Collection string
	// MaxConcurrency bounds concurrent body walks. Zero means unbounded.
	MaxConcurrency int
}

// NodeSpec describes a single node of a workflow graph.
type NodeSpec struct {
	ID   NodeID
	Kind NodeKind
	Name string
	// Config is opaque executor configuration for non-control-flow kinds.
	Config map[string]any
	// Endpoint keys the circuit breaker protecting this node's outbound
	// calls. Empty means the node makes no protected calls.
	Endpoint string

	Condition ConditionFunc
	Selector  SelectorFunc
	Loop      *LoopSpec
	Fork      *ForkSpec
	Parallel  *ParallelSpec
}

// ConnKind distinguishes execution-flow edges from data edges.
type ConnKind string

const (
	// ConnExec edges drive control flow between nodes.
	ConnExec ConnKind = "exec"
	// ConnData edges feed one node's output port into another node's input.
	ConnData ConnKind = "data"
)

// Connection is a directed edge between two node ports.
type Connection struct {
	Kind       ConnKind
	Source     NodeID
	SourcePort string
	Target     NodeID
	TargetPort string
}

// Graph is an immutable workflow graph. Build one with the exported fields
// and call Validate before handing it to the engine; the engine validates
// again on every run.
type Graph struct {
	Name        string
	Nodes       map[NodeID]*NodeSpec
	Connections []Connection

	// start is memoized by Validate.
	start NodeID
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{
		Name:  name,
		Nodes: make(map[NodeID]*NodeSpec),
	}
}

// AddNode adds a node spec. The last spec wins on duplicate IDs; Validate
// does not treat duplicates as an error because the map cannot hold them.
func (g *Graph) AddNode(spec *NodeSpec) *Graph {
	g.Nodes[spec.ID] = spec
	return g
}

// Connect adds an execution edge from source's port to target.
func (g *Graph) Connect(source NodeID, port string, target NodeID) *Graph {
	g.Connections = append(g.Connections, Connection{
		Kind:       ConnExec,
		Source:     source,
		SourcePort: port,
		Target:     target,
		TargetPort: PortMain,
	})
	return g
}

// ConnectData adds a data edge carrying source's output port into target's
// input port.
func (g *Graph) ConnectData(source NodeID, sourcePort string, target NodeID, targetPort string) *Graph {
	g.Connections = append(g.Connections, Connection{
		Kind:       ConnData,
		Source:     source,
		SourcePort: sourcePort,
		Target:     target,
		TargetPort: targetPort,
	})
	return g
}

// StartNode returns the validated start node ID. Valid only after Validate.
func (g *Graph) StartNode() NodeID {
	return g.start
}

// Validate checks the structural invariants: every connection references
// existing nodes, execution ports are legal for their source kind, the
// graph has exactly one start node (a node without incoming execution
// edges), and execution flow is acyclic.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return ErrNoStartNode
	}

	incoming := make(map[NodeID]int, len(g.Nodes))
	for _, conn := range g.Connections {
		src, ok := g.Nodes[conn.Source]
		if !ok {
			return fmt.Errorf("%w: connection source %q", ErrDanglingConnection, conn.Source)
		}
		if _, ok := g.Nodes[conn.Target]; !ok {
			return fmt.Errorf("%w: connection target %q", ErrDanglingConnection, conn.Target)
		}
		if conn.Kind == ConnExec {
			if !validExecPort(src.Kind, conn.SourcePort) {
				return fmt.Errorf("%w: node %q (%s) has no execution port %q",
					ErrDanglingConnection, conn.Source, src.Kind, conn.SourcePort)
			}
			incoming[conn.Target]++
		}
	}

	var starts []NodeID
	for id := range g.Nodes {
		if incoming[id] == 0 {
			starts = append(starts, id)
		}
	}
	switch len(starts) {
	case 0:
		return ErrNoStartNode
	case 1:
		if err := g.checkAcyclic(); err != nil {
			return err
		}
		g.start = starts[0]
		return nil
	default:
		return fmt.Errorf("%w: found %d", ErrMultipleStartNodes, len(starts))
	}
}

// checkAcyclic rejects execution-flow cycles. Iteration is a property of
// loop nodes, not of back edges, so a cycle here can only be a malformed
// graph that would otherwise walk forever.
func (g *Graph) checkAcyclic() error {
	adj := make(map[NodeID][]NodeID, len(g.Nodes))
	for _, conn := range g.Connections {
		if conn.Kind == ConnExec {
			adj[conn.Source] = append(adj[conn.Source], conn.Target)
		}
	}

	const (
		onPath = 1
		done   = 2
	)
	marks := make(map[NodeID]int8, len(g.Nodes))
	var visit func(id NodeID) error
	visit = func(id NodeID) error {
		switch marks[id] {
		case done:
			return nil
		case onPath:
			return fmt.Errorf("%w: through node %q", ErrExecutionCycle, id)
		}
		marks[id] = onPath
		for _, next := range adj[id] {
			if err := visit(next); err != nil {
				return err
			}
		}
		marks[id] = done
		return nil
	}
	for id := range g.Nodes {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// next returns the execution targets of a node's port, in insertion order.
func (g *Graph) next(id NodeID, port string) []NodeID {
	var targets []NodeID
	for _, conn := range g.Connections {
		if conn.Kind == ConnExec && conn.Source == id && conn.SourcePort == port {
			targets = append(targets, conn.Target)
		}
	}
	return targets
}

// dataInputs returns the data edges terminating at a node.
func (g *Graph) dataInputs(id NodeID) []Connection {
	var conns []Connection
	for _, conn := range g.Connections {
		if conn.Kind == ConnData && conn.Target == id {
			conns = append(conns, conn)
		}
	}
	return conns
}

// validExecPort reports whether a node kind exposes the named execution
// port.
func validExecPort(kind NodeKind, port string) bool {
	switch kind {
	case KindCondition:
		return port == PortTrue || port == PortFalse
	case KindSwitch:
		return true // case names are free-form
	case KindLoop, KindParallelForEach:
		return port == PortBody || port == PortDone
	case KindTry:
		return port == PortTry || port == PortCatch || port == PortFinally || port == PortNext
	case KindFork:
		return port == PortBranch || port == PortNext
	case KindEnd:
		return false
	default:
		return port == PortMain
	}
}
