package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	appconfig "github.com/ugcreach/engage/config"
	"github.com/ugcreach/engage/internal/agent"
	"github.com/ugcreach/engage/internal/gateway"
	"github.com/ugcreach/engage/internal/index"
	"github.com/ugcreach/engage/internal/scoring"
	"github.com/ugcreach/engage/internal/workflow"
)

// demoLLM plays the provider role with canned responses so the demo runs
// without keys or network access.
type demoLLM struct{}

func (demoLLM) Invoke(_ context.Context, req gateway.Request) (gateway.Response, error) {
	switch {
	case strings.Contains(req.Prompt, "content strategist"):
		return gateway.Response{
			Content:  `{"audience": "engaged users with unmet needs", "tone": "warm", "channels": ["dm"], "pillars": ["how-to guides", "feature previews"]}`,
			Provider: "demo",
		}, nil
	case strings.Contains(req.Prompt, "outreach message"):
		return gateway.Response{
			Content:  "A feature you asked about\nHi! We saw your recent comments and wanted to share something built for exactly that.",
			Provider: "demo",
		}, nil
	case strings.Contains(req.Prompt, "optimization suggestions"):
		return gateway.Response{
			Content:  "- Send drafts within 48h of last activity\n- A/B test the title line\n- Follow up on unmet-need replies first",
			Provider: "demo",
		}, nil
	default:
		return gateway.Response{Content: "ok", Provider: "demo"}, nil
	}
}

type demoRetriever struct{}

func (demoRetriever) Search(_ context.Context, query string, topK int, _ float64, _ ...index.SourceType) ([]index.RetrievalResult, error) {
	doc := index.IndexedDocument{
		SourceType: index.SourceComment,
		SourceID:   "demo-1",
		Content:    "Really hoping the export feature lands soon, I ask about it every week.",
		SnapshotAt: time.Now().Add(-48 * time.Hour),
	}
	return []index.RetrievalResult{{Document: doc, Similarity: 0.88, SnapshotAt: doc.SnapshotAt}}, nil
}

func (demoRetriever) Answer(_ context.Context, question string, _ int, _ ...index.SourceType) (string, error) {
	return "Engaged users keep returning to export workflows and tutorial content.", nil
}

type demoSource struct{}

func (demoSource) ListUserRecords(_ context.Context, _ agent.Criteria) ([]scoring.UserRecord, error) {
	now := time.Now()
	return []scoring.UserRecord{
		{
			UserID: "u-1001", Nickname: "maker_mei", Sentiment: scoring.SentimentPositive,
			UnmetNeed: true, UnmetDesc: "wants bulk export", Visited: scoring.VisitedNo,
			AIPSTier: scoring.TierPurchaseIntent, InteractionCount: 14,
			NotesEngaged: []string{"n1", "n2", "n3"}, LastActivity: now.Add(-24 * time.Hour),
		},
		{
			UserID: "u-1002", Nickname: "quiet_sam", Sentiment: scoring.SentimentPositive,
			Visited: scoring.VisitedNo, AIPSTier: scoring.TierInterest, InteractionCount: 3,
			LastActivity: now.Add(-20 * 24 * time.Hour),
		},
		{
			UserID: "u-1003", Nickname: "been_there", Sentiment: scoring.SentimentPositive,
			Visited: scoring.VisitedYes, AIPSTier: scoring.TierShare, InteractionCount: 30,
			LastActivity: now.Add(-2 * time.Hour),
		},
	}, nil
}

func newDemoCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run the outreach workflow end-to-end against built-in fakes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			logger := log.New(os.Stderr, "[DEMO] ", log.LstdFlags)

			deps := agent.Deps{
				LLM:       demoLLM{},
				Retriever: demoRetriever{},
				Scorer:    scoring.New(cfg.Scoring),
				Source:    demoSource{},
				Pool:      workflow.NewPool(cfg.Workflow.BatchWorkers),
				Logger:    logger,
			}
			eng, err := workflow.NewEngine(cfg.Workflow, agent.Graph(deps), logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			runID, err := eng.Submit(ctx, workflow.Request{
				Flags: map[string]bool{agent.FlagAIEnhance: true},
			})
			if err != nil {
				return err
			}
			if err := eng.Wait(ctx, runID); err != nil {
				return err
			}

			status, _ := eng.GetStatus(runID)
			fmt.Printf("run %s: %s\n\n", runID, status)

			state, err := eng.GetResult(runID)
			if err != nil {
				var pf *workflow.PartialFailure
				if !errors.As(err, &pf) {
					return err
				}
				fmt.Printf("degraded nodes: %v\n\n", pf.Degraded)
			}

			if ranked, ok := state[agent.KeyHighValueUsers].([]agent.RankedUser); ok {
				fmt.Println("ranked users:")
				for _, r := range ranked {
					fmt.Printf("  %-12s score %.2f (sentiment %s, tier %s)\n",
						r.Record.Nickname, r.Score.Score, r.Record.Sentiment, r.Record.AIPSTier)
				}
				fmt.Println()
			}
			if drafts, ok := state[agent.KeyContentDrafts].([]agent.Draft); ok {
				fmt.Println("drafts:")
				for _, d := range drafts {
					fmt.Printf("  -> %s: %s\n", d.Nickname, d.Title)
				}
				fmt.Println()
			}
			if summary, ok := state[agent.KeySummary].(string); ok {
				fmt.Println(summary)
			}
			if notes, ok := state[agent.KeyOptimization].([]string); ok && len(notes) > 0 {
				fmt.Println("\noptimization notes:")
				for _, n := range notes {
					fmt.Printf("  - %s\n", n)
				}
			}

			trace, _ := eng.GetTrace(runID)
			fmt.Println("\ntrace:")
			for _, r := range trace {
				fmt.Printf("  %-14s %s %s\n", r.NodeName, r.Status, r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond))
			}
			return nil
		},
	}
}
