package agent

import (
	"context"
	"sync"

	"github.com/ugcreach/engage/internal/workflow"
)

// insightQueries are the semantic probes run against the retrieval index
// when AI enhancement is enabled. Each answer grounds a later strategy call.
var insightQueries = map[string]string{
	"high_value_traits":  "What characterizes the most engaged, high-value users?",
	"behaviour_patterns": "What commenting and interaction patterns do active users show?",
	"content_preference": "Which content topics and formats draw the strongest engagement?",
	"sentiment_spread":   "How is sentiment distributed across user comments?",
	"unmet_needs":        "What unresolved wants or problems do users express?",
}

// InsightsNode performs retrieval-augmented queries over the index and
// writes a per-question insight map. It is optional: failures degrade the
// run to partial rather than failing it.
type InsightsNode struct {
	deps Deps
}

func NewInsightsNode(deps Deps) *InsightsNode { return &InsightsNode{deps: deps} }

func (n *InsightsNode) Name() string       { return "insights" }
func (n *InsightsNode) Reads() []string    { return []string{KeyHighValueUsers} }
func (n *InsightsNode) Optional() []string { return nil }
func (n *InsightsNode) Writes() []string   { return []string{KeyInsights} }

func (n *InsightsNode) ProduceUpdate(ctx context.Context, state workflow.State) (workflow.State, error) {
	insights := make(map[string]string, len(insightQueries))
	var mu sync.Mutex

	tasks := make([]func(ctx context.Context) error, 0, len(insightQueries))
	for name, question := range insightQueries {
		name, question := name, question
		tasks = append(tasks, func(ctx context.Context) error {
			answer, err := n.deps.Retriever.Answer(ctx, question, 0)
			if err != nil {
				return err
			}
			mu.Lock()
			insights[name] = answer
			mu.Unlock()
			return nil
		})
	}

	var err error
	if n.deps.Pool != nil {
		err = n.deps.Pool.Run(ctx, tasks)
	} else {
		for _, t := range tasks {
			if e := t(ctx); e != nil {
				err = e
				break
			}
		}
	}
	if err != nil {
		return nil, err
	}
	return workflow.State{KeyInsights: insights}, nil
}
