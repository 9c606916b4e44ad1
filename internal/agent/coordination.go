package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/ugcreach/engage/internal/gateway"
	"github.com/ugcreach/engage/internal/workflow"
)

// CoordinationNode reads every prior output, writes a consolidated summary
// plus optimization notes, and persists the run's artifacts through the
// storage collaborator.
type CoordinationNode struct {
	deps Deps
}

func NewCoordinationNode(deps Deps) *CoordinationNode { return &CoordinationNode{deps: deps} }

func (n *CoordinationNode) Name() string { return "coordination" }
func (n *CoordinationNode) Reads() []string {
	return []string{KeyHighValueUsers, KeyContentStrategy, KeyContentDrafts}
}
func (n *CoordinationNode) Optional() []string { return []string{KeyInsights, KeyUserAnalysis} }
func (n *CoordinationNode) Writes() []string   { return []string{KeySummary, KeyOptimization} }

func (n *CoordinationNode) ProduceUpdate(ctx context.Context, state workflow.State) (workflow.State, error) {
	ranked, _ := state[KeyHighValueUsers].([]RankedUser)
	strategy, _ := state[KeyContentStrategy].(ContentStrategy)
	drafts, _ := state[KeyContentDrafts].([]Draft)

	var b strings.Builder
	fmt.Fprintf(&b, "Identified %d high-value users; generated %d outreach drafts.\n", len(ranked), len(drafts))
	if len(ranked) > 0 {
		top := ranked[0]
		fmt.Fprintf(&b, "Top candidate: %s (score %.2f).\n", top.Record.Nickname, top.Score.Score)
	}
	if strategy.Audience != "" {
		fmt.Fprintf(&b, "Strategy targets %s with a %s tone.\n", strategy.Audience, strategy.Tone)
	}
	if insights, ok := state[KeyInsights].(map[string]string); ok && len(insights) > 0 {
		fmt.Fprintf(&b, "Enriched with %d semantic insight probes.\n", len(insights))
	}
	summary := strings.TrimSpace(b.String())

	notes, err := n.optimizationNotes(ctx, summary, strategy)
	if err != nil {
		// Notes are a nicety; the consolidated summary alone is a valid
		// coordination output.
		n.logf("optimization notes unavailable: %v", err)
		notes = []string{}
	}

	if n.deps.Sink != nil {
		runID, _ := state[workflow.StateKeyRunID].(string)
		payload := map[string]interface{}{
			"summary":  summary,
			"strategy": strategy,
			"drafts":   drafts,
			"ranked":   ranked,
		}
		if err := n.deps.Sink.SaveNodeOutput(ctx, runID, n.Name(), payload); err != nil {
			return nil, fmt.Errorf("persisting coordination output: %w", err)
		}
	}

	return workflow.State{
		KeySummary:      summary,
		KeyOptimization: notes,
	}, nil
}

func (n *CoordinationNode) optimizationNotes(ctx context.Context, summary string, strategy ContentStrategy) ([]string, error) {
	prompt := fmt.Sprintf(
		"Given this campaign summary, list up to 3 concrete optimization suggestions, one per line.\n\n%s\n\nStrategy tone: %s",
		summary, strategy.Tone)
	resp, err := n.deps.LLM.Invoke(ctx, gateway.Request{Prompt: prompt, Temperature: 0.5})
	if err != nil {
		return nil, err
	}
	var notes []string
	for _, line := range strings.Split(resp.Content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line != "" {
			notes = append(notes, line)
		}
	}
	return notes, nil
}

func (n *CoordinationNode) logf(format string, args ...interface{}) {
	if n.deps.Logger != nil {
		n.deps.Logger.Printf(format, args...)
	}
}
