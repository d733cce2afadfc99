package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxLoopIterations is the engine-wide loop guard when neither the
// engine nor the node overrides it.
const DefaultMaxLoopIterations = 1000

// BreakerCaller gates outbound calls per endpoint. The fleet worker wires a
// circuit breaker registry here; a nil caller means calls pass through.
type BreakerCaller interface {
	Do(ctx context.Context, endpoint string, fn func(context.Context) error) error
}

// CheckpointSink receives a state snapshot after every completed node. The
// engine never fails a run on a sink error; the sink owns its durability.
type CheckpointSink interface {
	Save(ctx context.Context, state *State) error
}

// RunContext is handed to executors so they can read and write run
// variables. Inside fork branches and parallel-foreach bodies it wraps an
// isolated state clone; writes become visible only after the deterministic
// join merge.
type RunContext struct {
	RunID string
	state *State
}

// SetVariable writes a run variable.
func (rc *RunContext) SetVariable(key string, value any) { rc.state.SetVariable(key, value) }

// Variable reads a run variable.
func (rc *RunContext) Variable(key string) (any, bool) { return rc.state.Variable(key) }

// Output reads a completed node's output port.
func (rc *RunContext) Output(id NodeID, port string) (any, bool) {
	outputs, ok := rc.state.Outputs[id]
	if !ok {
		return nil, false
	}
	v, ok := outputs[port]
	return v, ok
}

// Engine interprets workflow graphs. An Engine is safe for concurrent use;
// each Run owns its State exclusively.
type Engine struct {
	registry *Registry
	breakers BreakerCaller
	sink     CheckpointSink
	maxLoop  int
	logger   *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithBreakers routes protected node calls through a circuit breaker caller.
func WithBreakers(b BreakerCaller) EngineOption {
	return func(e *Engine) { e.breakers = b }
}

// WithCheckpointSink snapshots state after every completed node.
func WithCheckpointSink(sink CheckpointSink) EngineOption {
	return func(e *Engine) { e.sink = sink }
}

// WithMaxLoopIterations overrides the engine-wide loop guard.
func WithMaxLoopIterations(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxLoop = n
		}
	}
}

// NewEngine creates an execution engine backed by the given executor
// registry.
func NewEngine(registry *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		registry: registry,
		maxLoop:  DefaultMaxLoopIterations,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "workflow_engine"))
	return e
}

// durTracker records node wall times; shared between the root walk and all
// branch walks of one run.
type durTracker struct {
	mu sync.Mutex
	m  map[NodeID]time.Duration
}

func (t *durTracker) record(id NodeID, d time.Duration) {
	t.mu.Lock()
	t.m[id] = d
	t.mu.Unlock()
}

func (t *durTracker) get(id NodeID) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[id]
}

// run-local bookkeeping shared by the walk helpers.
type runState struct {
	graph     *Graph
	state     *State
	durations *durTracker
	// checkpoints are only taken on the root state, never on branch clones.
	root bool
}

// Run validates the graph and executes it from the start node with the
// given initial variables. Node failures and cancellation are reported in
// the Result, not as an error; a non-nil error means the run never started
// (malformed graph).
func (e *Engine) Run(ctx context.Context, g *Graph, initial map[string]any) (*Result, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return e.execute(ctx, g, NewState(uuid.NewString(), initial))
}

// Resume continues a run from a checkpointed state. Nodes already marked
// StatusSuccess are not re-executed; their recorded outputs are reused.
func (e *Engine) Resume(ctx context.Context, g *Graph, state *State) (*Result, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if state == nil {
		return nil, errors.New("workflow: resume requires a state")
	}
	return e.execute(ctx, g, state)
}

func (e *Engine) execute(ctx context.Context, g *Graph, st *State) (*Result, error) {
	rs := &runState{
		graph:     g,
		state:     st,
		durations: &durTracker{m: make(map[NodeID]time.Duration)},
		root:      true,
	}

	e.logger.Info("run started",
		zap.String("run_id", st.RunID),
		zap.String("workflow", g.Name),
		zap.String("start_node", string(g.StartNode())),
	)

	err := e.walkAll(ctx, rs, []NodeID{g.StartNode()})
	result := e.buildResult(rs, err)

	e.logger.Info("run finished",
		zap.String("run_id", st.RunID),
		zap.String("status", string(result.Status)),
		zap.Int("nodes", len(result.NodeResults)),
	)
	return result, nil
}

func (e *Engine) buildResult(rs *runState, err error) *Result {
	result := &Result{
		Variables:   rs.state.Variables,
		NodeResults: make(map[NodeID]*NodeOutcome, len(rs.state.NodeStatus)),
	}
	for id, status := range rs.state.NodeStatus {
		outcome := &NodeOutcome{
			Status:   status,
			Outputs:  rs.state.Outputs[id],
			Duration: rs.durations.get(id),
		}
		result.NodeResults[id] = outcome
	}

	switch {
	case err == nil:
		result.Status = RunSucceeded
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		result.Status = RunCancelled
		result.Err = err
	default:
		result.Status = RunFailed
		result.Err = err
		var nodeErr *NodeError
		if errors.As(err, &nodeErr) {
			result.FailedNode = nodeErr.NodeID
			if outcome, ok := result.NodeResults[nodeErr.NodeID]; ok {
				outcome.Error = nodeErr.Err.Error()
			}
		}
	}
	return result
}

// walkAll walks each entry node and its execution-flow continuation in
// order.
func (e *Engine) walkAll(ctx context.Context, rs *runState, ids []NodeID) error {
	for _, id := range ids {
		if err := e.walkNode(ctx, rs, id); err != nil {
			return err
		}
	}
	return nil
}

// walkNode executes one node, then follows its continuation port.
func (e *Engine) walkNode(ctx context.Context, rs *runState, id NodeID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	node, ok := rs.graph.Nodes[id]
	if !ok {
		return fmt.Errorf("%w: node %q", ErrDanglingConnection, id)
	}

	// Resume path: completed nodes are skipped, their outputs stand.
	if rs.state.Status(id) == StatusSuccess {
		return e.walkAll(ctx, rs, rs.graph.next(id, continuationPort(node.Kind)))
	}

	rs.state.setStatus(id, StatusRunning)
	started := time.Now()

	var err error
	switch node.Kind {
	case KindStart, KindEnd:
		rs.state.setOutputs(id, nil)
	case KindCondition:
		err = e.runCondition(ctx, rs, node)
	case KindSwitch:
		err = e.runSwitch(ctx, rs, node)
	case KindLoop:
		err = e.runLoop(ctx, rs, node)
	case KindTry:
		err = e.runTry(ctx, rs, node)
	case KindFork:
		err = e.runFork(ctx, rs, node)
	case KindParallelForEach:
		err = e.runParallelForEach(ctx, rs, node)
	default:
		err = e.runAction(ctx, rs, node)
	}

	rs.durations.record(id, time.Since(started))

	if err != nil {
		rs.state.setStatus(id, StatusFailed)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		var nodeErr *NodeError
		if errors.As(err, &nodeErr) {
			// A control-flow node propagating a child failure keeps the
			// child attribution.
			return err
		}
		return &NodeError{NodeID: id, Kind: node.Kind, Err: err}
	}

	rs.state.setStatus(id, StatusSuccess)
	e.checkpoint(ctx, rs)

	return e.walkAll(ctx, rs, rs.graph.next(id, continuationPort(node.Kind)))
}

// runAction resolves the node kind through the registry and executes it,
// routed through the circuit breaker when the node names an endpoint.
func (e *Engine) runAction(ctx context.Context, rs *runState, node *NodeSpec) error {
	exec, err := e.registry.Resolve(node.Kind)
	if err != nil {
		return err
	}

	inputs := e.gatherInputs(rs, node.ID)
	rc := &RunContext{RunID: rs.state.RunID, state: rs.state}

	var outputs map[string]any
	call := func(ctx context.Context) error {
		var execErr error
		outputs, execErr = exec.Execute(ctx, node, inputs, rc)
		return execErr
	}

	if node.Endpoint != "" && e.breakers != nil {
		err = e.breakers.Do(ctx, node.Endpoint, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		e.logger.Debug("node failed",
			zap.String("run_id", rs.state.RunID),
			zap.String("node_id", string(node.ID)),
			zap.Error(err),
		)
		return err
	}

	rs.state.setOutputs(node.ID, outputs)
	return nil
}

// gatherInputs resolves the node's incoming data edges against recorded
// outputs.
func (e *Engine) gatherInputs(rs *runState, id NodeID) map[string]any {
	conns := rs.graph.dataInputs(id)
	if len(conns) == 0 {
		return nil
	}
	inputs := make(map[string]any, len(conns))
	for _, conn := range conns {
		if outputs, ok := rs.state.Outputs[conn.Source]; ok {
			if v, ok := outputs[conn.SourcePort]; ok {
				inputs[conn.TargetPort] = v
			}
		}
	}
	return inputs
}

// checkpoint snapshots the root state. Branch clones never checkpoint; the
// merged state is captured after the join completes.
func (e *Engine) checkpoint(ctx context.Context, rs *runState) {
	if e.sink == nil || !rs.root {
		return
	}
	snapshot, err := rs.state.Snapshot()
	if err != nil {
		e.logger.Warn("state snapshot failed", zap.String("run_id", rs.state.RunID), zap.Error(err))
		return
	}
	if err := e.sink.Save(ctx, snapshot); err != nil {
		e.logger.Warn("checkpoint save failed", zap.String("run_id", rs.state.RunID), zap.Error(err))
	}
}

// continuationPort is the port the walk follows after a node completes.
func continuationPort(kind NodeKind) string {
	switch kind {
	case KindCondition, KindSwitch:
		// Branch ports are walked inside the node handler.
		return ""
	case KindLoop, KindParallelForEach:
		return PortDone
	case KindTry, KindFork:
		return PortNext
	default:
		return PortMain
	}
}
