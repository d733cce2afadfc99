package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// loopVarKey builds the loop-scoped variable key for a loop node.
func loopVarKey(id NodeID, field string) string {
	return fmt.Sprintf("loop.%s.%s", id, field)
}

// tryErrKey holds the caught error message inside a catch branch.
func tryErrKey(id NodeID) string {
	return fmt.Sprintf("try.%s.error", id)
}

// runCondition evaluates the node condition and walks exactly one of the
// true/false branches, marking the other one skipped.
func (e *Engine) runCondition(ctx context.Context, rs *runState, node *NodeSpec) error {
	if node.Condition == nil {
		return errors.New("condition node has no condition")
	}
	verdict, err := node.Condition(ctx, rs.state.Variables)
	if err != nil {
		return fmt.Errorf("evaluate condition: %w", err)
	}

	chosen, other := PortTrue, PortFalse
	if !verdict {
		chosen, other = PortFalse, PortTrue
	}
	rs.state.setOutputs(node.ID, map[string]any{"result": verdict})
	e.skipBranch(rs, rs.graph.next(node.ID, other))
	return e.walkAll(ctx, rs, rs.graph.next(node.ID, chosen))
}

// runSwitch evaluates the selector and walks the port it names, marking all
// other case branches skipped.
func (e *Engine) runSwitch(ctx context.Context, rs *runState, node *NodeSpec) error {
	if node.Selector == nil {
		return errors.New("switch node has no selector")
	}
	port, err := node.Selector(ctx, rs.state.Variables)
	if err != nil {
		return fmt.Errorf("evaluate selector: %w", err)
	}

	for _, p := range rs.graph.execPorts(node.ID) {
		if p != port {
			e.skipBranch(rs, rs.graph.next(node.ID, p))
		}
	}
	rs.state.setOutputs(node.ID, map[string]any{"case": port})

	targets := rs.graph.next(node.ID, port)
	if len(targets) == 0 {
		return fmt.Errorf("switch selected port %q with no targets", port)
	}
	return e.walkAll(ctx, rs, targets)
}

// runLoop drives for/while/foreach loop regions. Loop progress lives in
// loop-scoped variables so a resumed run continues from the interrupted
// iteration.
func (e *Engine) runLoop(ctx context.Context, rs *runState, node *NodeSpec) error {
	spec := node.Loop
	if spec == nil {
		return errors.New("loop node has no loop spec")
	}
	bound := spec.MaxIterations
	if bound <= 0 {
		bound = e.maxLoop
	}

	body := rs.graph.next(node.ID, PortBody)
	region := rs.graph.regionOf(body)
	idxKey := loopVarKey(node.ID, "index")
	itemKey := loopVarKey(node.ID, "item")

	start := 0
	resumed := false
	if v, ok := rs.state.Variables[idxKey]; ok {
		if i, ok := asInt(v); ok {
			start, resumed = i, true
		}
	}

	iterate := func(i int, item any, hasItem bool) error {
		if i >= bound {
			return fmt.Errorf("%w: %d iterations", ErrLoopBoundExceeded, i)
		}
		// The interrupted iteration keeps its partial statuses so completed
		// body nodes are not re-executed on resume.
		if !resumed || i != start {
			rs.resetRegion(region)
		}
		rs.state.SetVariable(idxKey, i)
		if hasItem {
			rs.state.SetVariable(itemKey, item)
		}
		return e.walkAll(ctx, rs, body)
	}

	iterations := 0
	switch spec.Kind {
	case LoopFor:
		for i := start; i < spec.Count; i++ {
			if err := iterate(i, nil, false); err != nil {
				return err
			}
			iterations++
		}
	case LoopWhile:
		if spec.Condition == nil {
			return errors.New("while loop has no condition")
		}
		for i := start; ; i++ {
			if i >= bound {
				return fmt.Errorf("%w: %d iterations", ErrLoopBoundExceeded, i)
			}
			proceed, err := spec.Condition(ctx, rs.state.Variables)
			if err != nil {
				return fmt.Errorf("evaluate loop condition: %w", err)
			}
			if !proceed {
				break
			}
			if err := iterate(i, nil, false); err != nil {
				return err
			}
			iterations++
		}
	case LoopForEach:
		items, err := collectionVar(rs.state, spec.Collection)
		if err != nil {
			return err
		}
		for i := start; i < len(items); i++ {
			if err := iterate(i, items[i], true); err != nil {
				return err
			}
			iterations++
		}
	default:
		return fmt.Errorf("unknown loop kind %q", spec.Kind)
	}

	// The loop finished; drop its scratch keys so a later re-entry from an
	// enclosing loop starts at iteration zero. An interrupted loop keeps
	// them, which is what lets a crash resume mid-iteration.
	delete(rs.state.Variables, idxKey)
	delete(rs.state.Variables, itemKey)

	rs.state.setOutputs(node.ID, map[string]any{"iterations": iterations})
	return nil
}

// runTry walks the guarded region. A failure inside it routes to the catch
// branch instead of aborting the run; the finally branch always executes,
// even when the run context is already cancelled.
func (e *Engine) runTry(ctx context.Context, rs *runState, node *NodeSpec) error {
	tryErr := e.walkAll(ctx, rs, rs.graph.next(node.ID, PortTry))

	var catchErr error
	caught := false
	if tryErr != nil && !isCancellation(tryErr) {
		catchTargets := rs.graph.next(node.ID, PortCatch)
		if len(catchTargets) > 0 {
			rs.state.SetVariable(tryErrKey(node.ID), tryErr.Error())
			catchErr = e.walkAll(ctx, rs, catchTargets)
			caught = catchErr == nil
		}
	}

	finErr := e.walkAll(context.WithoutCancel(ctx), rs, rs.graph.next(node.ID, PortFinally))

	switch {
	case finErr != nil:
		return finErr
	case tryErr != nil && !caught && catchErr == nil:
		return tryErr
	case catchErr != nil:
		return catchErr
	default:
		return nil
	}
}

// runFork runs every branch concurrently on an isolated state clone, joins,
// and merges the clones deterministically by branch index. With a quorum
// configured, the join completes once enough branches succeed; stragglers
// are cancelled but awaited to a safe stop.
func (e *Engine) runFork(ctx context.Context, rs *runState, node *NodeSpec) error {
	branches := rs.graph.next(node.ID, PortBranch)
	if len(branches) == 0 {
		return nil
	}
	quorum := 0
	if node.Fork != nil {
		quorum = node.Fork.Quorum
	}
	if quorum > len(branches) {
		return fmt.Errorf("%w: quorum %d exceeds %d branches", ErrQuorumNotReached, quorum, len(branches))
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	clones := make([]*State, len(branches))
	errs := make([]error, len(branches))
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)

	for i, branch := range branches {
		clone, err := rs.state.Snapshot()
		if err != nil {
			return err
		}
		clones[i] = clone

		wg.Add(1)
		go func(i int, entry NodeID) {
			defer wg.Done()
			brs := &runState{graph: rs.graph, state: clones[i], durations: rs.durations}
			errs[i] = e.walkAll(cctx, brs, []NodeID{entry})

			if errs[i] == nil && quorum > 0 {
				mu.Lock()
				successes++
				if successes >= quorum {
					cancel()
				}
				mu.Unlock()
			}
		}(i, branch)
	}
	wg.Wait()

	completed := 0
	for _, err := range errs {
		if err == nil {
			completed++
		}
	}
	if quorum == 0 {
		for _, err := range errs {
			if err != nil {
				return err
			}
		}
	} else if completed < quorum {
		for _, err := range errs {
			if err != nil && !isCancellation(err) {
				return fmt.Errorf("%w: %d/%d succeeded: %v", ErrQuorumNotReached, completed, quorum, err)
			}
		}
		return fmt.Errorf("%w: %d/%d succeeded", ErrQuorumNotReached, completed, quorum)
	}

	for i := range branches {
		if errs[i] == nil {
			rs.state.merge(clones[i])
		}
	}
	rs.state.setOutputs(node.ID, map[string]any{"branches": len(branches), "completed": completed})
	return nil
}

// runParallelForEach walks the body once per collection item, each on an
// isolated clone, bounded by MaxConcurrency, and merges by item index.
func (e *Engine) runParallelForEach(ctx context.Context, rs *runState, node *NodeSpec) error {
	spec := node.Parallel
	if spec == nil {
		return errors.New("parallel foreach node has no parallel spec")
	}
	items, err := collectionVar(rs.state, spec.Collection)
	if err != nil {
		return err
	}
	body := rs.graph.next(node.ID, PortBody)
	if len(body) == 0 || len(items) == 0 {
		rs.state.setOutputs(node.ID, map[string]any{"count": 0})
		return nil
	}

	clones := make([]*State, len(items))
	g, gctx := errgroup.WithContext(ctx)
	if spec.MaxConcurrency > 0 {
		g.SetLimit(spec.MaxConcurrency)
	}

	for i := range items {
		clone, err := rs.state.Snapshot()
		if err != nil {
			return err
		}
		clone.SetVariable(loopVarKey(node.ID, "index"), i)
		clone.SetVariable(loopVarKey(node.ID, "item"), items[i])
		clones[i] = clone

		g.Go(func() error {
			brs := &runState{graph: rs.graph, state: clone, durations: rs.durations}
			return e.walkAll(gctx, brs, body)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range clones {
		rs.state.merge(clones[i])
	}
	rs.state.setOutputs(node.ID, map[string]any{"count": len(items)})
	return nil
}

// skipBranch marks the forward closure of the given entries as skipped,
// without touching nodes another path already executed.
func (e *Engine) skipBranch(rs *runState, entries []NodeID) {
	for _, id := range rs.graph.regionOf(entries) {
		if rs.state.Status(id) == StatusIdle {
			rs.state.setStatus(id, StatusSkipped)
		}
	}
}

// resetRegion returns a loop body to idle before re-entry.
func (rs *runState) resetRegion(region []NodeID) {
	for _, id := range region {
		delete(rs.state.NodeStatus, id)
		delete(rs.state.Outputs, id)
	}
}

// regionOf computes the forward execution closure of the given entries.
func (g *Graph) regionOf(entries []NodeID) []NodeID {
	seen := make(map[NodeID]bool, len(entries))
	queue := append([]NodeID(nil), entries...)
	var region []NodeID
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		region = append(region, id)
		for _, conn := range g.Connections {
			if conn.Kind == ConnExec && conn.Source == id && !seen[conn.Target] {
				queue = append(queue, conn.Target)
			}
		}
	}
	return region
}

// execPorts lists the distinct execution ports leaving a node, in
// connection order.
func (g *Graph) execPorts(id NodeID) []string {
	var ports []string
	seen := make(map[string]bool)
	for _, conn := range g.Connections {
		if conn.Kind == ConnExec && conn.Source == id && !seen[conn.SourcePort] {
			seen[conn.SourcePort] = true
			ports = append(ports, conn.SourcePort)
		}
	}
	return ports
}

// merge folds a branch clone into the root state. Callers apply clones in
// branch index order, which makes the merge deterministic.
func (s *State) merge(clone *State) {
	for k, v := range clone.Variables {
		s.Variables[k] = v
	}
	for id, status := range clone.NodeStatus {
		s.NodeStatus[id] = status
	}
	for id, outputs := range clone.Outputs {
		s.Outputs[id] = outputs
	}
	s.UpdatedAt = clone.UpdatedAt
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// collectionVar resolves a named variable to a slice of items.
func collectionVar(st *State, name string) ([]any, error) {
	if name == "" {
		return nil, errors.New("loop has no collection variable")
	}
	v, ok := st.Variable(name)
	if !ok {
		return nil, fmt.Errorf("collection variable %q not set", name)
	}
	switch items := v.(type) {
	case []any:
		return items, nil
	case []string:
		out := make([]any, len(items))
		for i, it := range items {
			out[i] = it
		}
		return out, nil
	case []int:
		out := make([]any, len(items))
		for i, it := range items {
			out[i] = it
		}
		return out, nil
	case []float64:
		out := make([]any, len(items))
		for i, it := range items {
			out[i] = it
		}
		return out, nil
	default:
		return nil, fmt.Errorf("collection variable %q is %T, want a slice", name, v)
	}
}

// asInt normalizes JSON-decoded numbers back to int.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
