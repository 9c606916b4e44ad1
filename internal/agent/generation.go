package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ugcreach/engage/internal/gateway"
	"github.com/ugcreach/engage/internal/workflow"
)

// maxDraftTargets caps how many users get a personalized draft per run.
const maxDraftTargets = 10

// GenerationNode produces one outreach draft per top-ranked user, fanning
// gateway calls out over the shared bounded pool.
type GenerationNode struct {
	deps Deps
}

func NewGenerationNode(deps Deps) *GenerationNode { return &GenerationNode{deps: deps} }

func (n *GenerationNode) Name() string       { return "generation" }
func (n *GenerationNode) Reads() []string    { return []string{KeyContentStrategy, KeyHighValueUsers} }
func (n *GenerationNode) Optional() []string { return nil }
func (n *GenerationNode) Writes() []string   { return []string{KeyContentDrafts} }

func (n *GenerationNode) ProduceUpdate(ctx context.Context, state workflow.State) (workflow.State, error) {
	strategy, _ := state[KeyContentStrategy].(ContentStrategy)
	ranked, _ := state[KeyHighValueUsers].([]RankedUser)
	if len(ranked) == 0 {
		return nil, fmt.Errorf("no target users for content generation")
	}

	targets := ranked
	if len(targets) > maxDraftTargets {
		targets = targets[:maxDraftTargets]
	}

	drafts := make([]Draft, len(targets))
	var (
		mu    sync.Mutex
		fails int
	)
	tasks := make([]func(ctx context.Context) error, 0, len(targets))
	for i, t := range targets {
		i, t := i, t
		tasks = append(tasks, func(ctx context.Context) error {
			draft, err := n.generateDraft(ctx, strategy, t)
			if err != nil {
				mu.Lock()
				fails++
				mu.Unlock()
				return err
			}
			mu.Lock()
			drafts[i] = draft
			mu.Unlock()
			return nil
		})
	}

	var err error
	if n.deps.Pool != nil {
		err = n.deps.Pool.Run(ctx, tasks)
	} else {
		for _, t := range tasks {
			if e := t(ctx); e != nil && err == nil {
				err = e
			}
		}
	}

	// Tolerate individual draft failures as long as something usable came
	// out; a run with zero drafts is a node failure.
	kept := drafts[:0]
	for _, d := range drafts {
		if d.UserID != "" {
			kept = append(kept, d)
		}
	}
	if len(kept) == 0 {
		if err == nil {
			err = fmt.Errorf("all draft generations failed")
		}
		return nil, err
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].UserID < kept[j].UserID })
	return workflow.State{KeyContentDrafts: kept}, nil
}

func (n *GenerationNode) generateDraft(ctx context.Context, strategy ContentStrategy, target RankedUser) (Draft, error) {
	var b strings.Builder
	b.WriteString("Write a short, personalized outreach message.\n")
	fmt.Fprintf(&b, "Audience: %s\nTone: %s\n", strategy.Audience, strategy.Tone)
	if len(strategy.Pillars) > 0 {
		fmt.Fprintf(&b, "Content pillars: %s\n", strings.Join(strategy.Pillars, ", "))
	}
	fmt.Fprintf(&b, "Target: %s (sentiment %s, engagement tier %s)\n",
		target.Record.Nickname, target.Record.Sentiment, target.Record.AIPSTier)
	if target.Record.UnmetNeed && target.Record.UnmetDesc != "" {
		fmt.Fprintf(&b, "They expressed an unmet need: %s\n", target.Record.UnmetDesc)
	}
	b.WriteString("Keep it under 120 words. Start with a one-line title on its own line.\n")

	resp, err := n.deps.LLM.Invoke(ctx, gateway.Request{Prompt: b.String(), Temperature: 0.8})
	if err != nil {
		return Draft{}, fmt.Errorf("draft for %s: %w", target.Record.UserID, err)
	}

	title, body := splitTitle(resp.Content)
	channel := ""
	if len(strategy.Channels) > 0 {
		channel = strategy.Channels[0]
	}
	return Draft{
		UserID:   target.Record.UserID,
		Nickname: target.Record.Nickname,
		Title:    title,
		Body:     body,
		Channel:  channel,
	}, nil
}

func splitTitle(content string) (string, string) {
	content = strings.TrimSpace(content)
	if i := strings.IndexByte(content, '\n'); i > 0 {
		return strings.TrimSpace(content[:i]), strings.TrimSpace(content[i+1:])
	}
	return "", content
}
