package workflow

import (
	"fmt"
	"time"
)

// State is the shared workflow state: named fields accumulated across node
// executions. It is append-only per run; nodes return partial states that
// the engine merges instead of mutating in place.
type State map[string]interface{}

// Clone returns a shallow copy. Values are treated as immutable once merged.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge returns a new state with the partial update applied. Keys already
// present are overwritten; callers control determinism by applying partials
// in topological execution order.
func (s State) Merge(partial State) State {
	out := s.Clone()
	for k, v := range partial {
		out[k] = v
	}
	return out
}

// HasKeys reports whether every named key is present.
func (s State) HasKeys(keys []string) bool {
	for _, k := range keys {
		if _, ok := s[k]; !ok {
			return false
		}
	}
	return true
}

// NodeStatus describes how a single node execution ended.
type NodeStatus string

const (
	NodeOK       NodeStatus = "ok"
	NodeFailed   NodeStatus = "failed"
	NodeTimedOut NodeStatus = "timed_out"
	NodeSkipped  NodeStatus = "skipped"
)

// NodeResult is one immutable entry in a run's execution trace.
type NodeResult struct {
	NodeName     string     `json:"node_name"`
	Status       NodeStatus `json:"status"`
	PartialState State      `json:"partial_state,omitempty"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      time.Time  `json:"ended_at"`
}

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	// RunPartial means every required node succeeded but at least one
	// optional node failed, timed out or was skipped.
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// Request is a validated workflow submission. Params seed the initial state;
// Flags gate conditional nodes (e.g. "ai_enhance" enables the retrieval-
// augmented enrichment nodes). A zero Deadline falls back to the engine's
// configured run deadline.
type Request struct {
	Params   map[string]interface{} `json:"params,omitempty"`
	Flags    map[string]bool        `json:"flags,omitempty"`
	Deadline time.Duration          `json:"deadline,omitempty"`
}

// ValidationError rejects a malformed request before any node executes.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid workflow request: " + e.Reason
}

// PartialFailure is the terminal error carried by a run whose required nodes
// succeeded while optional ones did not.
type PartialFailure struct {
	Degraded []string // names of optional nodes that failed, timed out or were skipped
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("workflow partially failed: degraded nodes %v", e.Degraded)
}
