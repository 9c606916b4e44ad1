package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ugcreach/engage/internal/scoring"
	"github.com/ugcreach/engage/internal/workflow"
)

// AnalysisNode reads raw engagement signals from the storage collaborator,
// filters candidates and writes the ranked high-value user collection.
type AnalysisNode struct {
	deps Deps
}

func NewAnalysisNode(deps Deps) *AnalysisNode { return &AnalysisNode{deps: deps} }

func (n *AnalysisNode) Name() string       { return "analysis" }
func (n *AnalysisNode) Reads() []string    { return nil }
func (n *AnalysisNode) Optional() []string { return []string{KeyCriteria} }
func (n *AnalysisNode) Writes() []string   { return []string{KeyHighValueUsers, KeyUserAnalysis} }

func (n *AnalysisNode) ProduceUpdate(ctx context.Context, state workflow.State) (workflow.State, error) {
	criteria := decodeCriteria(state[KeyCriteria])

	users, err := n.deps.Source.ListUserRecords(ctx, criteria)
	if err != nil {
		return nil, fmt.Errorf("listing user records: %w", err)
	}
	total := len(users)
	candidates := n.deps.Scorer.FilterCandidates(users)

	// Retrieval context per candidate, fetched through the bounded pool so
	// a large candidate set cannot stampede the embedding backend.
	contexts := make(map[string][]scoring.Context, len(candidates))
	if n.deps.Retriever != nil {
		var mu sync.Mutex
		tasks := make([]func(ctx context.Context) error, 0, len(candidates))
		for _, u := range candidates {
			user := u
			tasks = append(tasks, func(ctx context.Context) error {
				results, err := n.deps.Retriever.Search(ctx, "user "+user.UserID+" needs and preferences", 3, 0.5)
				if err != nil {
					// Retrieval enrichment is best-effort; scoring proceeds
					// on structured signals alone.
					return nil
				}
				cs := make([]scoring.Context, 0, len(results))
				for _, r := range results {
					cs = append(cs, scoring.Context{Snippet: r.Document.Content, Similarity: r.Similarity})
				}
				mu.Lock()
				contexts[user.UserID] = cs
				mu.Unlock()
				return nil
			})
		}
		if n.deps.Pool != nil {
			if err := n.deps.Pool.Run(ctx, tasks); err != nil {
				return nil, err
			}
		} else {
			for _, t := range tasks {
				if err := t(ctx); err != nil {
					return nil, err
				}
			}
		}
	}

	scores := n.deps.Scorer.Rank(candidates, contexts)
	byID := make(map[string]scoring.UserRecord, len(candidates))
	for _, u := range candidates {
		byID[u.UserID] = u
	}
	ranked := make([]RankedUser, 0, len(scores))
	for _, s := range scores {
		ranked = append(ranked, RankedUser{Record: byID[s.UserID], Score: s})
	}

	return workflow.State{
		KeyHighValueUsers: ranked,
		KeyUserAnalysis: AnalysisSummary{
			TotalAnalyzed: total,
			Selected:      len(ranked),
			Criteria:      criteria,
		},
	}, nil
}

// decodeCriteria accepts either a typed Criteria or the generic map shape a
// JSON request body produces.
func decodeCriteria(v interface{}) Criteria {
	switch c := v.(type) {
	case Criteria:
		return c
	case map[string]interface{}:
		raw, err := json.Marshal(c)
		if err != nil {
			return Criteria{}
		}
		var out Criteria
		if err := json.Unmarshal(raw, &out); err != nil {
			return Criteria{}
		}
		return out
	default:
		return Criteria{}
	}
}
