// Package telemetry tracks run, node and gateway metrics plus LLM cost
// accounting for the orchestration core.
package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry aggregates in-process counters and exports Prometheus metrics.
type Telemetry struct {
	logger *log.Logger

	mu          sync.RWMutex
	runTotals   map[string]int64 // terminal status -> count
	nodeTotals  map[string]int64 // node name -> executions
	costTracker *CostTracker

	runsCompleted   *prometheus.CounterVec
	nodeExecutions  *prometheus.CounterVec
	nodeDuration    *prometheus.HistogramVec
	gatewayAttempts *prometheus.CounterVec
	gatewayLatency  *prometheus.HistogramVec
	indexOps        *prometheus.CounterVec
}

// CostTracker accumulates LLM spend per provider and model.
type CostTracker struct {
	mu            sync.Mutex
	ProviderCosts map[string]float64
	ModelCosts    map[string]float64
	TotalCost     float64
	TokensUsed    int64
}

// New constructs a Telemetry instance and registers its collectors on reg.
// Passing a fresh registry in tests avoids duplicate-registration panics.
func New(logger *log.Logger, reg prometheus.Registerer) *Telemetry {
	if logger == nil {
		logger = log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags)
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	t := &Telemetry{
		logger:     logger,
		runTotals:  make(map[string]int64),
		nodeTotals: make(map[string]int64),
		costTracker: &CostTracker{
			ProviderCosts: make(map[string]float64),
			ModelCosts:    make(map[string]float64),
		},
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engage_runs_completed_total",
			Help: "Workflow runs by terminal status.",
		}, []string{"status"}),
		nodeExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engage_node_executions_total",
			Help: "Agent node executions by node and status.",
		}, []string{"node", "status"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engage_node_duration_seconds",
			Help:    "Agent node execution duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"node"}),
		gatewayAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engage_gateway_attempts_total",
			Help: "LLM gateway attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engage_gateway_latency_seconds",
			Help:    "LLM gateway attempt latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),
		indexOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engage_index_operations_total",
			Help: "Retrieval index operations by kind.",
		}, []string{"op"}),
	}
	reg.MustRegister(t.runsCompleted, t.nodeExecutions, t.nodeDuration, t.gatewayAttempts, t.gatewayLatency, t.indexOps)
	return t
}

// RecordRun records a finished workflow run.
func (t *Telemetry) RecordRun(status string) {
	t.mu.Lock()
	t.runTotals[status]++
	t.mu.Unlock()
	t.runsCompleted.WithLabelValues(status).Inc()
}

// RecordNode records one agent node execution.
func (t *Telemetry) RecordNode(node, status string, d time.Duration) {
	t.mu.Lock()
	t.nodeTotals[node]++
	t.mu.Unlock()
	t.nodeExecutions.WithLabelValues(node, status).Inc()
	t.nodeDuration.WithLabelValues(node).Observe(d.Seconds())
}

// RecordGatewayAttempt records a single provider attempt.
func (t *Telemetry) RecordGatewayAttempt(provider string, success bool, d time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	t.gatewayAttempts.WithLabelValues(provider, outcome).Inc()
	t.gatewayLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordIndexOp records an index operation (upsert, embed, search, rebuild).
func (t *Telemetry) RecordIndexOp(op string) {
	t.indexOps.WithLabelValues(op).Inc()
}

// RecordCost adds LLM spend to the per-provider and per-model ledgers.
func (t *Telemetry) RecordCost(provider, model string, cost float64, tokens int64) {
	ct := t.costTracker
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.ProviderCosts[provider] += cost
	ct.ModelCosts[model] += cost
	ct.TotalCost += cost
	ct.TokensUsed += tokens
}

// Snapshot returns a copy of the aggregate counters for status endpoints.
func (t *Telemetry) Snapshot() map[string]interface{} {
	t.mu.RLock()
	runs := make(map[string]int64, len(t.runTotals))
	for k, v := range t.runTotals {
		runs[k] = v
	}
	nodes := make(map[string]int64, len(t.nodeTotals))
	for k, v := range t.nodeTotals {
		nodes[k] = v
	}
	t.mu.RUnlock()

	ct := t.costTracker
	ct.mu.Lock()
	providerCosts := make(map[string]float64, len(ct.ProviderCosts))
	for k, v := range ct.ProviderCosts {
		providerCosts[k] = v
	}
	total := ct.TotalCost
	tokens := ct.TokensUsed
	ct.mu.Unlock()

	return map[string]interface{}{
		"runs":           runs,
		"nodes":          nodes,
		"provider_costs": providerCosts,
		"total_cost":     total,
		"tokens_used":    tokens,
	}
}
