// Package workflow contains the workflow graph data model and the execution
// engine that interprets it.
//
// A Graph is an immutable node/connection structure with exactly one start
// node. The Engine walks the graph from the start node, executing action
// nodes through a pluggable Executor registry and handling control-flow
// kinds (condition, switch, loops, try/catch/finally, fork/join,
// parallel-foreach) itself. Execution produces a Result and a mutable State
// that can be checkpointed after every completed node and resumed later.
//
// The engine owns its State exclusively for the duration of a run; callers
// must not share a State across concurrent runs.
package workflow
