// Package workflow executes a directed acyclic graph of agent nodes against
// a shared, append-only state. Node execution order and state merges are
// determined solely by the declared dependency graph and a fixed topological
// tie-break (lexicographic node name), never by wall-clock timing, so runs
// with identical inputs are reproducible.
package workflow

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ugcreach/engage/config"
	"github.com/ugcreach/engage/internal/telemetry"
)

// StateKeyRunID is injected into every initial state so nodes can key
// idempotent persistence by run.
const StateKeyRunID = "run_id"

// NodeTimeoutError marks a node aborted by the run deadline.
type NodeTimeoutError struct {
	Node string
}

func (e *NodeTimeoutError) Error() string {
	return fmt.Sprintf("node %s exceeded run deadline", e.Node)
}

// RunStore persists run lifecycle and traces. Implementations must be
// idempotent: re-saving the same run or node result never duplicates rows.
type RunStore interface {
	CreateRun(ctx context.Context, runID string, req Request) error
	FinishRun(ctx context.Context, runID string, status RunStatus, state State, errMsg string) error
	SaveNodeResult(ctx context.Context, runID string, res NodeResult) error
}

// EventPublisher emits run lifecycle events for external observers.
type EventPublisher interface {
	PublishRunStatus(ctx context.Context, runID string, status RunStatus) error
	PublishNodeResult(ctx context.Context, runID string, res NodeResult) error
}

// Run is one workflow execution and its accumulated results.
type Run struct {
	ID         string
	CreatedAt  time.Time
	FinishedAt time.Time

	mu     sync.RWMutex
	status RunStatus
	state  State
	trace  []NodeResult
	err    error
	done   chan struct{}
}

// Status returns the run's current lifecycle state.
func (r *Run) Status() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Engine schedules nodes over a bounded pool and owns the merge policy.
type Engine struct {
	cfg       config.WorkflowConfig
	logger    *log.Logger
	telemetry *telemetry.Telemetry
	store     RunStore
	events    EventPublisher
	pool      *Pool

	specs map[string]NodeSpec
	order []string // fixed topological order

	mu   sync.RWMutex
	runs map[string]*Run
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithRunStore attaches durable run persistence.
func WithRunStore(s RunStore) Option { return func(e *Engine) { e.store = s } }

// WithEvents attaches a run event publisher.
func WithEvents(p EventPublisher) Option { return func(e *Engine) { e.events = p } }

// WithTelemetry attaches metrics recording.
func WithTelemetry(t *telemetry.Telemetry) Option { return func(e *Engine) { e.telemetry = t } }

// WithPool shares an existing bounded pool with the engine.
func WithPool(p *Pool) Option { return func(e *Engine) { e.pool = p } }

// NewEngine validates the topology and fixes its execution order. It fails
// on duplicate node names, unknown dependencies or cycles.
func NewEngine(cfg config.WorkflowConfig, specs []NodeSpec, logger *log.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[ENGINE] ", log.LstdFlags)
	}
	byName := make(map[string]NodeSpec, len(specs))
	for _, s := range specs {
		name := s.Node.Name()
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("duplicate node name %q", name)
		}
		byName[name] = s
	}
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("node %q depends on unknown node %q", s.Node.Name(), dep)
			}
		}
	}
	order, err := topoOrder(byName)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		logger: logger,
		specs:  byName,
		order:  order,
		runs:   make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.pool == nil {
		e.pool = NewPool(cfg.MaxConcurrentNodes)
	}
	return e, nil
}

// topoOrder runs Kahn's algorithm with lexicographic tie-break so the merge
// order is reproducible for a given topology.
func topoOrder(specs map[string]NodeSpec) ([]string, error) {
	indegree := make(map[string]int, len(specs))
	dependents := make(map[string][]string, len(specs))
	for name, s := range specs {
		indegree[name] += 0
		for _, dep := range s.DependsOn {
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}
	var ready []string
	for name, d := range indegree {
		if d == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		sort.Strings(ready)
	}
	if len(order) != len(specs) {
		return nil, fmt.Errorf("workflow graph contains a cycle")
	}
	return order, nil
}

// Order exposes the fixed topological execution order.
func (e *Engine) Order() []string {
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// Validate rejects malformed requests before any node executes.
func (e *Engine) Validate(req Request) error {
	if req.Deadline < 0 {
		return &ValidationError{Reason: "deadline must not be negative"}
	}
	if _, ok := req.Params[StateKeyRunID]; ok {
		return &ValidationError{Reason: StateKeyRunID + " is a reserved parameter"}
	}
	known := map[string]bool{}
	for _, s := range e.specs {
		if s.EnabledIf != "" {
			known[s.EnabledIf] = true
		}
	}
	for flag := range req.Flags {
		if !known[flag] {
			return &ValidationError{Reason: fmt.Sprintf("unknown flag %q", flag)}
		}
	}
	for _, s := range e.specs {
		writes := map[string]bool{}
		for _, w := range s.Node.Writes() {
			writes[w] = true
		}
		for k := range req.Params {
			if writes[k] {
				return &ValidationError{Reason: fmt.Sprintf("parameter %q collides with node %q output", k, s.Node.Name())}
			}
		}
	}
	return nil
}

// Submit validates the request, registers a run and starts executing it in
// the background. The returned run ID is immediately queryable.
func (e *Engine) Submit(ctx context.Context, req Request) (string, error) {
	if err := e.Validate(req); err != nil {
		return "", err
	}
	runID := uuid.NewString()
	run := &Run{
		ID:        runID,
		CreatedAt: time.Now().UTC(),
		status:    RunPending,
		done:      make(chan struct{}),
	}
	e.mu.Lock()
	e.runs[runID] = run
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.CreateRun(ctx, runID, req); err != nil {
			e.mu.Lock()
			delete(e.runs, runID)
			e.mu.Unlock()
			return "", fmt.Errorf("persisting run: %w", err)
		}
	}

	go e.execute(run, req)
	return runID, nil
}

// GetStatus reports the lifecycle state of a run.
func (e *Engine) GetStatus(runID string) (RunStatus, error) {
	run, err := e.run(runID)
	if err != nil {
		return "", err
	}
	return run.Status(), nil
}

// GetResult returns the final state of a finished run. Partial runs return
// the state alongside a *PartialFailure; failed runs return their error.
func (e *Engine) GetResult(runID string) (State, error) {
	run, err := e.run(runID)
	if err != nil {
		return nil, err
	}
	run.mu.RLock()
	defer run.mu.RUnlock()
	switch run.status {
	case RunPending, RunRunning:
		return nil, fmt.Errorf("run %s still %s", runID, run.status)
	case RunFailed:
		return nil, run.err
	case RunPartial:
		return run.state.Clone(), run.err
	default:
		return run.state.Clone(), nil
	}
}

// GetTrace returns the ordered per-node execution trace.
func (e *Engine) GetTrace(runID string) ([]NodeResult, error) {
	run, err := e.run(runID)
	if err != nil {
		return nil, err
	}
	run.mu.RLock()
	defer run.mu.RUnlock()
	out := make([]NodeResult, len(run.trace))
	copy(out, run.trace)
	return out, nil
}

// Wait blocks until the run reaches a terminal status or ctx expires.
func (e *Engine) Wait(ctx context.Context, runID string) error {
	run, err := e.run(runID)
	if err != nil {
		return err
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run(runID string) (*Run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	run, ok := e.runs[runID]
	if !ok {
		return nil, fmt.Errorf("unknown run %s", runID)
	}
	return run, nil
}

func (e *Engine) execute(run *Run, req Request) {
	deadline := req.Deadline
	if deadline <= 0 {
		deadline = e.cfg.RunDeadline
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	run.mu.Lock()
	run.status = RunRunning
	run.mu.Unlock()
	e.publishStatus(ctx, run.ID, RunRunning)

	state := State{StateKeyRunID: run.ID}
	for k, v := range req.Params {
		state[k] = v
	}
	for flag, v := range req.Flags {
		state["flag:"+flag] = v
	}

	resolved := make(map[string]NodeStatus, len(e.specs))
	partials := make(map[string]State, len(e.specs))

	for len(resolved) < len(e.specs) {
		wave := e.readyWave(resolved)
		if len(wave) == 0 {
			// Defensive: topoOrder already rejected cycles.
			break
		}
		if ctx.Err() != nil {
			break
		}

		results := make(map[string]NodeResult, len(wave))
		var (
			wg sync.WaitGroup
			mu sync.Mutex
		)
		for _, name := range wave {
			spec := e.specs[name]
			if res, skip := e.preflight(spec, req, state); skip {
				mu.Lock()
				results[name] = res
				mu.Unlock()
				continue
			}
			wg.Add(1)
			input := state.Clone()
			go func(name string, spec NodeSpec, input State) {
				defer wg.Done()
				var res NodeResult
				if err := e.pool.Acquire(ctx); err != nil {
					now := time.Now().UTC()
					res = NodeResult{
						NodeName:  name,
						Status:    NodeTimedOut,
						Error:     (&NodeTimeoutError{Node: name}).Error(),
						StartedAt: now,
						EndedAt:   now,
					}
				} else {
					res = e.runNode(ctx, spec, input)
					e.pool.Release()
				}
				mu.Lock()
				results[name] = res
				mu.Unlock()
			}(name, spec, input)
		}
		wg.Wait()

		// Merge this wave's partials in fixed topological order, never in
		// completion order, so last-writer-wins is reproducible.
		for _, name := range e.order {
			res, ok := results[name]
			if !ok {
				continue
			}
			resolved[name] = res.Status
			if res.Status == NodeOK && res.PartialState != nil {
				partials[name] = res.PartialState
				state = state.Merge(res.PartialState)
			}
			e.record(ctx, run, res)
		}
	}

	// Anything unresolved when the deadline fired is timed out.
	if ctx.Err() != nil {
		for _, name := range e.order {
			if _, done := resolved[name]; done {
				continue
			}
			res := NodeResult{
				NodeName:  name,
				Status:    NodeTimedOut,
				Error:     (&NodeTimeoutError{Node: name}).Error(),
				StartedAt: time.Now().UTC(),
				EndedAt:   time.Now().UTC(),
			}
			resolved[name] = NodeTimedOut
			e.record(ctx, run, res)
		}
	}

	status, runErr := e.resolveStatus(resolved)
	run.mu.Lock()
	run.state = state
	run.status = status
	run.err = runErr
	run.FinishedAt = time.Now().UTC()
	close(run.done)
	run.mu.Unlock()

	if e.telemetry != nil {
		e.telemetry.RecordRun(string(status))
	}
	e.publishStatus(context.Background(), run.ID, status)
	if e.store != nil {
		errMsg := ""
		if runErr != nil {
			errMsg = runErr.Error()
		}
		if err := e.store.FinishRun(context.Background(), run.ID, status, state, errMsg); err != nil {
			e.logger.Printf("persisting run %s result failed: %v", run.ID, err)
		}
	}
	e.logger.Printf("run %s finished with status %s", run.ID, status)
}

// readyWave returns unresolved nodes whose dependencies have all resolved,
// in topological order.
func (e *Engine) readyWave(resolved map[string]NodeStatus) []string {
	var wave []string
	for _, name := range e.order {
		if _, done := resolved[name]; done {
			continue
		}
		ready := true
		for _, dep := range e.specs[name].DependsOn {
			if _, done := resolved[dep]; !done {
				ready = false
				break
			}
		}
		if ready {
			wave = append(wave, name)
		}
	}
	return wave
}

// preflight decides whether a node is skipped without running: disabled by
// its request flag, or missing declared read keys in the current state.
func (e *Engine) preflight(spec NodeSpec, req Request, state State) (NodeResult, bool) {
	now := time.Now().UTC()
	name := spec.Node.Name()
	if spec.EnabledIf != "" && !req.Flags[spec.EnabledIf] {
		return NodeResult{
			NodeName:  name,
			Status:    NodeSkipped,
			Error:     fmt.Sprintf("disabled: flag %q not set", spec.EnabledIf),
			StartedAt: now,
			EndedAt:   now,
		}, true
	}
	if !state.HasKeys(spec.Node.Reads()) {
		return NodeResult{
			NodeName:  name,
			Status:    NodeSkipped,
			Error:     "missing prerequisite state keys",
			StartedAt: now,
			EndedAt:   now,
		}, true
	}
	return NodeResult{}, false
}

func (e *Engine) runNode(ctx context.Context, spec NodeSpec, input State) NodeResult {
	name := spec.Node.Name()
	started := time.Now().UTC()

	type outcome struct {
		partial State
		err     error
	}
	ch := make(chan outcome, 1)
	go func() {
		partial, err := spec.Node.ProduceUpdate(ctx, input)
		ch <- outcome{partial: partial, err: err}
	}()

	var res NodeResult
	select {
	case out := <-ch:
		res = NodeResult{NodeName: name, StartedAt: started, EndedAt: time.Now().UTC()}
		switch {
		case out.err == nil:
			res.Status = NodeOK
			res.PartialState = e.filterWrites(spec, out.partial)
		case ctx.Err() != nil:
			res.Status = NodeTimedOut
			res.Error = (&NodeTimeoutError{Node: name}).Error()
		default:
			res.Status = NodeFailed
			res.Error = out.err.Error()
		}
	case <-ctx.Done():
		// Cooperative cancellation: the node observed ctx and will unwind;
		// its late output is discarded, never merged.
		res = NodeResult{
			NodeName:  name,
			Status:    NodeTimedOut,
			Error:     (&NodeTimeoutError{Node: name}).Error(),
			StartedAt: started,
			EndedAt:   time.Now().UTC(),
		}
	}

	if e.telemetry != nil {
		e.telemetry.RecordNode(name, string(res.Status), res.EndedAt.Sub(res.StartedAt))
	}
	return res
}

// filterWrites drops partial-state keys a node never declared, keeping the
// merge policy honest.
func (e *Engine) filterWrites(spec NodeSpec, partial State) State {
	if partial == nil {
		return State{}
	}
	declared := map[string]bool{}
	for _, w := range spec.Node.Writes() {
		declared[w] = true
	}
	out := State{}
	for k, v := range partial {
		if declared[k] {
			out[k] = v
		} else {
			e.logger.Printf("node %s wrote undeclared key %q, dropping", spec.Node.Name(), k)
		}
	}
	return out
}

func (e *Engine) resolveStatus(resolved map[string]NodeStatus) (RunStatus, error) {
	var degraded []string
	for _, name := range e.order {
		status := resolved[name]
		spec := e.specs[name]
		if spec.Required {
			if status != NodeOK {
				return RunFailed, fmt.Errorf("required node %s resolved %s", name, status)
			}
			continue
		}
		if status != NodeOK {
			degraded = append(degraded, name)
		}
	}
	if len(degraded) > 0 {
		return RunPartial, &PartialFailure{Degraded: degraded}
	}
	return RunCompleted, nil
}

func (e *Engine) record(ctx context.Context, run *Run, res NodeResult) {
	run.mu.Lock()
	run.trace = append(run.trace, res)
	run.mu.Unlock()
	if e.store != nil {
		if err := e.store.SaveNodeResult(ctx, run.ID, res); err != nil {
			e.logger.Printf("persisting node result %s/%s failed: %v", run.ID, res.NodeName, err)
		}
	}
	if e.events != nil {
		if err := e.events.PublishNodeResult(ctx, run.ID, res); err != nil {
			e.logger.Printf("publishing node result %s/%s failed: %v", run.ID, res.NodeName, err)
		}
	}
}

func (e *Engine) publishStatus(ctx context.Context, runID string, status RunStatus) {
	if e.events == nil {
		return
	}
	if err := e.events.PublishRunStatus(ctx, runID, status); err != nil {
		e.logger.Printf("publishing run status %s=%s failed: %v", runID, status, err)
	}
}
