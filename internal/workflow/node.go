package workflow

import "context"

// Node is the capability every agent implements. Declared read/write keys
// let the engine validate the graph before execution and decide at runtime
// whether a node can start. Nodes must not perform unmediated external I/O;
// LLM calls go through the gateway, retrieval through the index and
// persistence through the injected storage collaborator.
type Node interface {
	// Name identifies the node inside a topology.
	Name() string

	// Reads returns the state keys that must be present before the node runs.
	Reads() []string

	// Optional returns state keys the node uses when present.
	Optional() []string

	// Writes returns the state keys the node's partial update may contain.
	Writes() []string

	// ProduceUpdate consumes the current state and returns a partial state
	// update. It must not mutate the input.
	ProduceUpdate(ctx context.Context, state State) (State, error)
}

// NodeSpec places a node in a topology.
type NodeSpec struct {
	Node Node

	// DependsOn lists upstream node names; the node starts only after all
	// of them have resolved.
	DependsOn []string

	// Required marks nodes whose failure fails the whole run. Optional
	// nodes degrade the run to partial instead.
	Required bool

	// EnabledIf names a request flag gating this node. Empty means always
	// enabled; a disabled node is recorded as skipped.
	EnabledIf string
}
