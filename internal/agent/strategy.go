package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ugcreach/engage/internal/gateway"
	"github.com/ugcreach/engage/internal/workflow"
)

// StrategyNode turns the ranked user collection (plus optional semantic
// insights) into a content strategy via one gateway call.
type StrategyNode struct {
	deps Deps
}

func NewStrategyNode(deps Deps) *StrategyNode { return &StrategyNode{deps: deps} }

func (n *StrategyNode) Name() string       { return "strategy" }
func (n *StrategyNode) Reads() []string    { return []string{KeyHighValueUsers} }
func (n *StrategyNode) Optional() []string { return []string{KeyInsights} }
func (n *StrategyNode) Writes() []string   { return []string{KeyContentStrategy} }

func (n *StrategyNode) ProduceUpdate(ctx context.Context, state workflow.State) (workflow.State, error) {
	ranked, _ := state[KeyHighValueUsers].([]RankedUser)
	if len(ranked) == 0 {
		return nil, fmt.Errorf("no high-value users to build a strategy for")
	}

	var b strings.Builder
	b.WriteString("You are a content strategist for a social engagement platform.\n")
	b.WriteString("Design an outreach content strategy for the following high-value users.\n\n")
	for i, r := range ranked {
		if i == 10 {
			break
		}
		fmt.Fprintf(&b, "- %s (score %.2f, sentiment %s, tier %s, unmet need: %v)\n",
			r.Record.Nickname, r.Score.Score, r.Record.Sentiment, r.Record.AIPSTier, r.Record.UnmetNeed)
	}
	if insights, ok := state[KeyInsights].(map[string]string); ok && len(insights) > 0 {
		b.WriteString("\nSemantic insights from prior engagement:\n")
		for name, text := range insights {
			fmt.Fprintf(&b, "[%s] %s\n", name, text)
		}
	}
	b.WriteString("\nRespond with JSON: {\"audience\": string, \"tone\": string, \"channels\": [string], \"pillars\": [string]}\n")

	resp, err := n.deps.LLM.Invoke(ctx, gateway.Request{Prompt: b.String(), Temperature: 0.7})
	if err != nil {
		return nil, fmt.Errorf("strategy generation: %w", err)
	}

	strategy := parseStrategy(resp.Content)
	return workflow.State{KeyContentStrategy: strategy}, nil
}

// parseStrategy decodes the model's JSON best-effort. Unparseable output
// still carries the raw text forward so downstream nodes have something to
// work with.
func parseStrategy(content string) ContentStrategy {
	var s ContentStrategy
	if err := json.Unmarshal([]byte(extractJSON(content)), &s); err != nil {
		return ContentStrategy{
			Audience: "high-value engaged users",
			Tone:     "friendly",
			RawText:  content,
		}
	}
	s.RawText = content
	return s
}

// extractJSON strips markdown code fences and returns the first JSON object
// found in an LLM response.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		if i := strings.LastIndex(content, "```"); i >= 0 {
			content = content[:i]
		}
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}
