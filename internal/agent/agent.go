// Package agent contains the concrete workflow nodes: analysis, insight
// enrichment, strategy, content generation and coordination. Nodes never
// touch external services directly; every LLM call goes through the gateway,
// every lookup through the retrieval index and every write through the
// storage collaborator, so each node is testable with fakes.
package agent

import (
	"context"
	"log"

	"github.com/ugcreach/engage/internal/gateway"
	"github.com/ugcreach/engage/internal/index"
	"github.com/ugcreach/engage/internal/scoring"
	"github.com/ugcreach/engage/internal/workflow"
)

// State keys written by the standard topology.
const (
	KeyCriteria        = "criteria"
	KeyHighValueUsers  = "high_value_users"
	KeyUserAnalysis    = "user_analysis"
	KeyInsights        = "insights"
	KeyContentStrategy = "content_strategy"
	KeyContentDrafts   = "content_drafts"
	KeySummary         = "summary"
	KeyOptimization    = "optimization_notes"
)

// FlagAIEnhance gates the retrieval-augmented enrichment nodes.
const FlagAIEnhance = "ai_enhance"

// LLM is the completion surface nodes use. *gateway.Gateway satisfies it.
type LLM interface {
	Invoke(ctx context.Context, req gateway.Request) (gateway.Response, error)
}

// Retriever is the similarity-search surface nodes use. *index.Index
// satisfies it.
type Retriever interface {
	Search(ctx context.Context, query string, topK int, threshold float64, filter ...index.SourceType) ([]index.RetrievalResult, error)
	Answer(ctx context.Context, question string, contextBudget int, filter ...index.SourceType) (string, error)
}

// Criteria narrows the candidate set fetched from storage.
type Criteria struct {
	Sentiments      []string `json:"sentiments,omitempty"`
	RequireUnmet    bool     `json:"require_unmet,omitempty"`
	ExcludeVisited  bool     `json:"exclude_visited,omitempty"`
	MinInteractions int      `json:"min_interactions,omitempty"`
	Limit           int      `json:"limit,omitempty"`
}

// UserSource reads aggregated user records from the storage collaborator.
type UserSource interface {
	ListUserRecords(ctx context.Context, criteria Criteria) ([]scoring.UserRecord, error)
}

// OutputSink persists node outputs. Saves are idempotent upserts keyed by
// (runID, nodeName), so retried runs never duplicate rows.
type OutputSink interface {
	SaveNodeOutput(ctx context.Context, runID, nodeName string, payload interface{}) error
}

// Deps carries the shared collaborators injected into every node.
type Deps struct {
	LLM       LLM
	Retriever Retriever
	Scorer    *scoring.Scorer
	Source    UserSource
	Sink      OutputSink
	Pool      *workflow.Pool
	Logger    *log.Logger
}

// RankedUser pairs a user record with its computed value score.
type RankedUser struct {
	Record scoring.UserRecord `json:"record"`
	Score  scoring.ValueScore `json:"score"`
}

// AnalysisSummary aggregates what the analysis node saw.
type AnalysisSummary struct {
	TotalAnalyzed int      `json:"total_analyzed"`
	Selected      int      `json:"selected"`
	Criteria      Criteria `json:"criteria"`
}

// ContentStrategy is the strategy node's structured output.
type ContentStrategy struct {
	Audience string   `json:"audience"`
	Tone     string   `json:"tone"`
	Channels []string `json:"channels,omitempty"`
	Pillars  []string `json:"pillars,omitempty"`
	RawText  string   `json:"raw_text,omitempty"`
}

// Draft is one generated outreach draft targeted at a single user.
type Draft struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	Channel  string `json:"channel,omitempty"`
}

// Graph wires the standard topology: analysis feeds strategy feeds
// generation feeds coordination, with an optional insight-enrichment node
// between analysis and strategy enabled by the ai_enhance flag.
func Graph(deps Deps) []workflow.NodeSpec {
	return []workflow.NodeSpec{
		{Node: NewAnalysisNode(deps), Required: true},
		{Node: NewInsightsNode(deps), DependsOn: []string{"analysis"}, EnabledIf: FlagAIEnhance},
		{Node: NewStrategyNode(deps), DependsOn: []string{"analysis", "insights"}, Required: true},
		{Node: NewGenerationNode(deps), DependsOn: []string{"strategy"}, Required: true},
		{Node: NewCoordinationNode(deps), DependsOn: []string{"generation"}, Required: true},
	}
}
