package agent

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ugcreach/engage/config"
	"github.com/ugcreach/engage/internal/gateway"
	"github.com/ugcreach/engage/internal/index"
	"github.com/ugcreach/engage/internal/scoring"
	"github.com/ugcreach/engage/internal/workflow"
)

var agentTestNow = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

type fakeLLM struct {
	mu       sync.Mutex
	requests []gateway.Request
	respond  func(req gateway.Request) (gateway.Response, error)
}

func (f *fakeLLM) Invoke(_ context.Context, req gateway.Request) (gateway.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(req)
	}
	return gateway.Response{Content: "ok", Provider: "fake"}, nil
}

type fakeRetriever struct {
	searchResults []index.RetrievalResult
	searchErr     error
	answerErr     error
}

func (f *fakeRetriever) Search(_ context.Context, query string, _ int, _ float64, _ ...index.SourceType) ([]index.RetrievalResult, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.searchResults, nil
}

func (f *fakeRetriever) Answer(_ context.Context, question string, _ int, _ ...index.SourceType) (string, error) {
	if f.answerErr != nil {
		return "", f.answerErr
	}
	return "answer: " + question, nil
}

type fakeSource struct {
	records  []scoring.UserRecord
	err      error
	criteria Criteria
}

func (f *fakeSource) ListUserRecords(_ context.Context, criteria Criteria) ([]scoring.UserRecord, error) {
	f.criteria = criteria
	if f.err != nil {
		return nil, f.err
	}
	return f.records, nil
}

type recordingSink struct {
	runID   string
	node    string
	payload interface{}
	err     error
}

func (r *recordingSink) SaveNodeOutput(_ context.Context, runID, nodeName string, payload interface{}) error {
	if r.err != nil {
		return r.err
	}
	r.runID = runID
	r.node = nodeName
	r.payload = payload
	return nil
}

func testScorer() *scoring.Scorer {
	return scoring.NewAt(config.ScoringConfig{
		VisitedPolicy: config.VisitedExclude,
	}, func() time.Time { return agentTestNow })
}

func testRecord(id string, interactions int) scoring.UserRecord {
	return scoring.UserRecord{
		UserID:           id,
		Nickname:         "nick-" + id,
		Sentiment:        scoring.SentimentPositive,
		Visited:          scoring.VisitedNo,
		AIPSTier:         scoring.TierInterest,
		InteractionCount: interactions,
		LastActivity:     agentTestNow.Add(-24 * time.Hour),
	}
}

func TestDecodeCriteriaShapes(t *testing.T) {
	typed := Criteria{Sentiments: []string{"positive"}, RequireUnmet: true, Limit: 5}
	if got := decodeCriteria(typed); !reflect.DeepEqual(got, typed) {
		t.Fatalf("typed criteria changed: %+v", got)
	}

	asMap := map[string]interface{}{
		"sentiments":       []interface{}{"positive", "neutral"},
		"require_unmet":    true,
		"min_interactions": float64(3),
	}
	got := decodeCriteria(asMap)
	if !reflect.DeepEqual(got.Sentiments, []string{"positive", "neutral"}) {
		t.Fatalf("sentiments = %v", got.Sentiments)
	}
	if !got.RequireUnmet || got.MinInteractions != 3 {
		t.Fatalf("decoded map criteria = %+v", got)
	}

	if got := decodeCriteria(nil); !reflect.DeepEqual(got, Criteria{}) {
		t.Fatalf("nil criteria = %+v", got)
	}
	if got := decodeCriteria(42); !reflect.DeepEqual(got, Criteria{}) {
		t.Fatalf("unexpected shape criteria = %+v", got)
	}
}

func TestAnalysisFiltersAndRanks(t *testing.T) {
	strong := testRecord("u-strong", 20)
	strong.UnmetNeed = true
	strong.AIPSTier = scoring.TierPurchaseIntent
	weak := testRecord("u-weak", 1)
	weak.Sentiment = scoring.SentimentNeutral
	visited := testRecord("u-visited", 50)
	visited.Visited = scoring.VisitedYes

	src := &fakeSource{records: []scoring.UserRecord{weak, strong, visited}}
	node := NewAnalysisNode(Deps{
		Scorer: testScorer(),
		Source: src,
	})

	state, err := node.ProduceUpdate(context.Background(), workflow.State{
		KeyCriteria: Criteria{Sentiments: []string{"positive", "neutral"}},
	})
	if err != nil {
		t.Fatalf("ProduceUpdate: %v", err)
	}

	ranked, ok := state[KeyHighValueUsers].([]RankedUser)
	if !ok {
		t.Fatalf("missing %s in state", KeyHighValueUsers)
	}
	if len(ranked) != 2 {
		t.Fatalf("ranked = %d users, want 2 (visited user excluded)", len(ranked))
	}
	if ranked[0].Record.UserID != "u-strong" {
		t.Fatalf("top ranked = %s, want u-strong", ranked[0].Record.UserID)
	}
	if ranked[0].Score.Score <= ranked[1].Score.Score {
		t.Fatalf("ranking not descending: %.2f then %.2f", ranked[0].Score.Score, ranked[1].Score.Score)
	}

	summary, ok := state[KeyUserAnalysis].(AnalysisSummary)
	if !ok {
		t.Fatalf("missing %s in state", KeyUserAnalysis)
	}
	if summary.TotalAnalyzed != 3 || summary.Selected != 2 {
		t.Fatalf("summary = %+v", summary)
	}
	if !reflect.DeepEqual(summary.Criteria.Sentiments, []string{"positive", "neutral"}) {
		t.Fatalf("criteria not echoed: %+v", summary.Criteria)
	}
	if !reflect.DeepEqual(src.criteria, summary.Criteria) {
		t.Fatalf("source saw %+v, summary has %+v", src.criteria, summary.Criteria)
	}
}

func TestAnalysisRetrievalIsBestEffort(t *testing.T) {
	src := &fakeSource{records: []scoring.UserRecord{testRecord("u-1", 5)}}
	node := NewAnalysisNode(Deps{
		Scorer:    testScorer(),
		Source:    src,
		Retriever: &fakeRetriever{searchErr: errors.New("index offline")},
	})

	state, err := node.ProduceUpdate(context.Background(), workflow.State{})
	if err != nil {
		t.Fatalf("retrieval failure should not fail analysis: %v", err)
	}
	ranked := state[KeyHighValueUsers].([]RankedUser)
	if len(ranked) != 1 {
		t.Fatalf("ranked = %d, want 1", len(ranked))
	}
}

func TestAnalysisRetrievalEnrichesScores(t *testing.T) {
	src := &fakeSource{records: []scoring.UserRecord{testRecord("u-1", 5)}}
	plain := NewAnalysisNode(Deps{Scorer: testScorer(), Source: src})
	enriched := NewAnalysisNode(Deps{
		Scorer: testScorer(),
		Source: src,
		Retriever: &fakeRetriever{searchResults: []index.RetrievalResult{
			{Document: index.IndexedDocument{Content: "wants a pro plan"}, Similarity: 0.92},
		}},
	})

	base, err := plain.ProduceUpdate(context.Background(), workflow.State{})
	if err != nil {
		t.Fatalf("plain: %v", err)
	}
	rich, err := enriched.ProduceUpdate(context.Background(), workflow.State{})
	if err != nil {
		t.Fatalf("enriched: %v", err)
	}

	baseScore := base[KeyHighValueUsers].([]RankedUser)[0].Score.Score
	richScore := rich[KeyHighValueUsers].([]RankedUser)[0].Score.Score
	if richScore <= baseScore {
		t.Fatalf("retrieval context should raise the score: %.2f <= %.2f", richScore, baseScore)
	}
}

func TestAnalysisSourceErrorFails(t *testing.T) {
	node := NewAnalysisNode(Deps{
		Scorer: testScorer(),
		Source: &fakeSource{err: errors.New("db down")},
	})
	if _, err := node.ProduceUpdate(context.Background(), workflow.State{}); err == nil {
		t.Fatal("expected error when the user source fails")
	}
}

func TestInsightsAnswersEveryProbe(t *testing.T) {
	node := NewInsightsNode(Deps{
		Retriever: &fakeRetriever{},
		Pool:      workflow.NewPool(2),
	})

	state, err := node.ProduceUpdate(context.Background(), workflow.State{})
	if err != nil {
		t.Fatalf("ProduceUpdate: %v", err)
	}
	insights, ok := state[KeyInsights].(map[string]string)
	if !ok {
		t.Fatalf("missing %s in state", KeyInsights)
	}
	if len(insights) != len(insightQueries) {
		t.Fatalf("got %d insights, want %d", len(insights), len(insightQueries))
	}
	for name, question := range insightQueries {
		if insights[name] != "answer: "+question {
			t.Fatalf("insight %q = %q", name, insights[name])
		}
	}
}

func TestInsightsErrorPropagates(t *testing.T) {
	node := NewInsightsNode(Deps{
		Retriever: &fakeRetriever{answerErr: errors.New("no providers")},
	})
	if _, err := node.ProduceUpdate(context.Background(), workflow.State{}); err == nil {
		t.Fatal("expected error when retrieval answers fail")
	}
}

func TestStrategyPromptAndParse(t *testing.T) {
	llm := &fakeLLM{respond: func(gateway.Request) (gateway.Response, error) {
		return gateway.Response{Content: "```json\n{\"audience\": \"power users\", \"tone\": \"upbeat\", \"channels\": [\"dm\"], \"pillars\": [\"tips\"]}\n```"}, nil
	}}
	node := NewStrategyNode(Deps{LLM: llm})

	ranked := []RankedUser{{
		Record: testRecord("u-1", 5),
		Score:  scoring.ValueScore{UserID: "u-1", Score: 7.5},
	}}
	state, err := node.ProduceUpdate(context.Background(), workflow.State{
		KeyHighValueUsers: ranked,
		KeyInsights:       map[string]string{"unmet_needs": "users want exports"},
	})
	if err != nil {
		t.Fatalf("ProduceUpdate: %v", err)
	}

	prompt := llm.requests[0].Prompt
	if !strings.Contains(prompt, "nick-u-1") {
		t.Fatalf("prompt omits the ranked user:\n%s", prompt)
	}
	if !strings.Contains(prompt, "users want exports") {
		t.Fatalf("prompt omits the insights:\n%s", prompt)
	}

	strategy, ok := state[KeyContentStrategy].(ContentStrategy)
	if !ok {
		t.Fatalf("missing %s in state", KeyContentStrategy)
	}
	if strategy.Audience != "power users" || strategy.Tone != "upbeat" {
		t.Fatalf("strategy = %+v", strategy)
	}
	if !reflect.DeepEqual(strategy.Channels, []string{"dm"}) {
		t.Fatalf("channels = %v", strategy.Channels)
	}
	if strategy.RawText == "" {
		t.Fatal("raw text should carry the original response")
	}
}

func TestStrategyCapsPromptToTenUsers(t *testing.T) {
	llm := &fakeLLM{}
	node := NewStrategyNode(Deps{LLM: llm})

	ranked := make([]RankedUser, 0, 12)
	for i := 0; i < 12; i++ {
		ranked = append(ranked, RankedUser{Record: testRecord(fmt.Sprintf("u-%02d", i), 5)})
	}
	if _, err := node.ProduceUpdate(context.Background(), workflow.State{KeyHighValueUsers: ranked}); err != nil {
		t.Fatalf("ProduceUpdate: %v", err)
	}

	prompt := llm.requests[0].Prompt
	if !strings.Contains(prompt, "nick-u-09") {
		t.Fatalf("tenth user missing from prompt:\n%s", prompt)
	}
	if strings.Contains(prompt, "nick-u-10") {
		t.Fatalf("prompt should stop at ten users:\n%s", prompt)
	}
}

func TestStrategyFallbackOnUnparseableOutput(t *testing.T) {
	llm := &fakeLLM{respond: func(gateway.Request) (gateway.Response, error) {
		return gateway.Response{Content: "I think you should post more memes."}, nil
	}}
	node := NewStrategyNode(Deps{LLM: llm})

	state, err := node.ProduceUpdate(context.Background(), workflow.State{
		KeyHighValueUsers: []RankedUser{{Record: testRecord("u-1", 5)}},
	})
	if err != nil {
		t.Fatalf("ProduceUpdate: %v", err)
	}
	strategy := state[KeyContentStrategy].(ContentStrategy)
	if strategy.Audience != "high-value engaged users" || strategy.Tone != "friendly" {
		t.Fatalf("fallback strategy = %+v", strategy)
	}
	if strategy.RawText != "I think you should post more memes." {
		t.Fatalf("raw text = %q", strategy.RawText)
	}
}

func TestStrategyRequiresRankedUsers(t *testing.T) {
	node := NewStrategyNode(Deps{LLM: &fakeLLM{}})
	if _, err := node.ProduceUpdate(context.Background(), workflow.State{}); err == nil {
		t.Fatal("expected error with no ranked users")
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{`Sure! Here you go: {"a":1} Hope that helps.`, `{"a":1}`},
		{"no json here", "no json here"},
	}
	for _, c := range cases {
		if got := extractJSON(c.in); got != c.want {
			t.Fatalf("extractJSON(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestGenerationCapsTargetsAndSortsDrafts(t *testing.T) {
	llm := &fakeLLM{respond: func(gateway.Request) (gateway.Response, error) {
		return gateway.Response{Content: "Catchy title\nHi there, we noticed you."}, nil
	}}
	node := NewGenerationNode(Deps{LLM: llm, Pool: workflow.NewPool(3)})

	ranked := make([]RankedUser, 0, 12)
	for i := 11; i >= 0; i-- {
		ranked = append(ranked, RankedUser{Record: testRecord(fmt.Sprintf("u-%02d", i), 5)})
	}
	state, err := node.ProduceUpdate(context.Background(), workflow.State{
		KeyContentStrategy: ContentStrategy{Audience: "fans", Tone: "warm", Channels: []string{"dm", "email"}},
		KeyHighValueUsers:  ranked,
	})
	if err != nil {
		t.Fatalf("ProduceUpdate: %v", err)
	}

	drafts, ok := state[KeyContentDrafts].([]Draft)
	if !ok {
		t.Fatalf("missing %s in state", KeyContentDrafts)
	}
	if len(drafts) != maxDraftTargets {
		t.Fatalf("got %d drafts, want %d", len(drafts), maxDraftTargets)
	}
	if !sort.SliceIsSorted(drafts, func(i, j int) bool { return drafts[i].UserID < drafts[j].UserID }) {
		t.Fatal("drafts not sorted by user id")
	}
	for _, d := range drafts {
		if d.Title != "Catchy title" || d.Body == "" {
			t.Fatalf("draft = %+v", d)
		}
		if d.Channel != "dm" {
			t.Fatalf("channel = %q, want first strategy channel", d.Channel)
		}
	}
}

func TestGenerationToleratesPartialFailures(t *testing.T) {
	llm := &fakeLLM{respond: func(req gateway.Request) (gateway.Response, error) {
		if strings.Contains(req.Prompt, "nick-u-1") {
			return gateway.Response{}, errors.New("provider flake")
		}
		return gateway.Response{Content: "Title\nBody"}, nil
	}}
	node := NewGenerationNode(Deps{LLM: llm})

	state, err := node.ProduceUpdate(context.Background(), workflow.State{
		KeyHighValueUsers: []RankedUser{
			{Record: testRecord("u-1", 5)},
			{Record: testRecord("u-2", 5)},
		},
	})
	if err != nil {
		t.Fatalf("one failed draft should not fail the node: %v", err)
	}
	drafts := state[KeyContentDrafts].([]Draft)
	if len(drafts) != 1 || drafts[0].UserID != "u-2" {
		t.Fatalf("drafts = %+v", drafts)
	}
}

func TestGenerationFailsWithZeroDrafts(t *testing.T) {
	llm := &fakeLLM{respond: func(gateway.Request) (gateway.Response, error) {
		return gateway.Response{}, errors.New("all providers down")
	}}
	node := NewGenerationNode(Deps{LLM: llm})

	_, err := node.ProduceUpdate(context.Background(), workflow.State{
		KeyHighValueUsers: []RankedUser{{Record: testRecord("u-1", 5)}},
	})
	if err == nil {
		t.Fatal("expected error when every draft fails")
	}

	if _, err := node.ProduceUpdate(context.Background(), workflow.State{}); err == nil {
		t.Fatal("expected error with no target users")
	}
}

func TestSplitTitle(t *testing.T) {
	title, body := splitTitle("A headline\nAnd the rest\nof the message")
	if title != "A headline" || body != "And the rest\nof the message" {
		t.Fatalf("split = %q / %q", title, body)
	}
	title, body = splitTitle("just one line")
	if title != "" || body != "just one line" {
		t.Fatalf("single line split = %q / %q", title, body)
	}
}

func TestCoordinationSummarizesAndPersists(t *testing.T) {
	llm := &fakeLLM{respond: func(gateway.Request) (gateway.Response, error) {
		return gateway.Response{Content: "- Post earlier in the day\n* Reply to top commenters\n3. Track conversions"}, nil
	}}
	sink := &recordingSink{}
	node := NewCoordinationNode(Deps{LLM: llm, Sink: sink})

	ranked := []RankedUser{{
		Record: testRecord("u-1", 5),
		Score:  scoring.ValueScore{UserID: "u-1", Score: 8.2},
	}}
	state, err := node.ProduceUpdate(context.Background(), workflow.State{
		workflow.StateKeyRunID: "run-42",
		KeyHighValueUsers:      ranked,
		KeyContentStrategy:     ContentStrategy{Audience: "fans", Tone: "warm"},
		KeyContentDrafts:       []Draft{{UserID: "u-1", Title: "t", Body: "b"}},
		KeyInsights:            map[string]string{"unmet_needs": "exports"},
	})
	if err != nil {
		t.Fatalf("ProduceUpdate: %v", err)
	}

	summary, ok := state[KeySummary].(string)
	if !ok || summary == "" {
		t.Fatalf("missing summary, state = %+v", state)
	}
	if !strings.Contains(summary, "1 high-value users") || !strings.Contains(summary, "1 outreach drafts") {
		t.Fatalf("summary = %q", summary)
	}
	if !strings.Contains(summary, "nick-u-1") || !strings.Contains(summary, "8.20") {
		t.Fatalf("summary omits top candidate: %q", summary)
	}

	notes, ok := state[KeyOptimization].([]string)
	if !ok {
		t.Fatalf("missing %s in state", KeyOptimization)
	}
	want := []string{"Post earlier in the day", "Reply to top commenters", "Track conversions"}
	if !reflect.DeepEqual(notes, want) {
		t.Fatalf("notes = %v, want %v", notes, want)
	}

	if sink.runID != "run-42" || sink.node != "coordination" {
		t.Fatalf("sink saw run %q node %q", sink.runID, sink.node)
	}
	payload, ok := sink.payload.(map[string]interface{})
	if !ok {
		t.Fatalf("payload type %T", sink.payload)
	}
	if payload["summary"] != summary {
		t.Fatal("persisted summary differs from state summary")
	}
}

func TestCoordinationToleratesNotesFailure(t *testing.T) {
	llm := &fakeLLM{respond: func(gateway.Request) (gateway.Response, error) {
		return gateway.Response{}, errors.New("no providers")
	}}
	node := NewCoordinationNode(Deps{LLM: llm, Sink: &recordingSink{}})

	state, err := node.ProduceUpdate(context.Background(), workflow.State{
		KeyHighValueUsers: []RankedUser{{Record: testRecord("u-1", 5)}},
		KeyContentDrafts:  []Draft{{UserID: "u-1"}},
	})
	if err != nil {
		t.Fatalf("notes failure should not fail coordination: %v", err)
	}
	notes := state[KeyOptimization].([]string)
	if len(notes) != 0 {
		t.Fatalf("notes = %v, want empty", notes)
	}
}

func TestCoordinationSinkErrorFails(t *testing.T) {
	node := NewCoordinationNode(Deps{
		LLM:  &fakeLLM{},
		Sink: &recordingSink{err: errors.New("disk full")},
	})
	_, err := node.ProduceUpdate(context.Background(), workflow.State{
		KeyHighValueUsers: []RankedUser{{Record: testRecord("u-1", 5)}},
	})
	if err == nil {
		t.Fatal("expected error when persistence fails")
	}
}

func TestGraphTopology(t *testing.T) {
	specs := Graph(Deps{})

	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Node.Name()
	}
	want := []string{"analysis", "insights", "strategy", "generation", "coordination"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("graph nodes = %v, want %v", names, want)
	}

	byName := make(map[string]workflow.NodeSpec, len(specs))
	for _, s := range specs {
		byName[s.Node.Name()] = s
	}
	for _, required := range []string{"analysis", "strategy", "generation", "coordination"} {
		if !byName[required].Required {
			t.Fatalf("%s should be required", required)
		}
	}
	if byName["insights"].Required {
		t.Fatal("insights must stay optional")
	}
	if byName["insights"].EnabledIf != FlagAIEnhance {
		t.Fatalf("insights gated by %q, want %q", byName["insights"].EnabledIf, FlagAIEnhance)
	}
	if !reflect.DeepEqual(byName["strategy"].DependsOn, []string{"analysis", "insights"}) {
		t.Fatalf("strategy deps = %v", byName["strategy"].DependsOn)
	}
	if !reflect.DeepEqual(byName["coordination"].DependsOn, []string{"generation"}) {
		t.Fatalf("coordination deps = %v", byName["coordination"].DependsOn)
	}
}
