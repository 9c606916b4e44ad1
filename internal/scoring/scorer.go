// Package scoring computes deterministic user value scores from aggregated
// engagement signals. Identical inputs always produce identical scores and
// component breakdowns, so rankings are regression-testable without live
// services.
package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/ugcreach/engage/config"
)

// Sentiment labels attached to a user from prior classification.
const (
	SentimentPositive = "positive"
	SentimentNeutral  = "neutral"
	SentimentNegative = "negative"
	SentimentUnknown  = "unknown"
)

// AIPS engagement-intent tiers.
const (
	TierAwareness      = "awareness"
	TierInterest       = "interest"
	TierPurchaseIntent = "purchase_intent"
	TierShare          = "share"
)

// Visited states. The tri-state mirrors upstream classification, which may
// not know whether a user was reached before.
const (
	VisitedYes     = "yes"
	VisitedNo      = "no"
	VisitedUnknown = "unknown"
)

// UserRecord is the aggregated, read-only view of one user's signals.
type UserRecord struct {
	UserID           string    `json:"user_id"`
	Nickname         string    `json:"nickname"`
	Sentiment        string    `json:"sentiment"`
	UnmetNeed        bool      `json:"unmet_need"`
	UnmetDesc        string    `json:"unmet_desc,omitempty"`
	Visited          string    `json:"visited"`
	AIPSTier         string    `json:"aips_tier"`
	InteractionCount int       `json:"interaction_count"`
	NotesEngaged     []string  `json:"notes_engaged,omitempty"`
	LastActivity     time.Time `json:"last_activity"`
}

// ValueScore is a bounded composite score with its per-signal breakdown.
type ValueScore struct {
	UserID     string             `json:"user_id"`
	Score      float64            `json:"score"` // clamped to [0,10]
	Components map[string]float64 `json:"components"`
}

// Context is retrieved evidence about a user that can enrich the score.
type Context struct {
	Snippet    string
	Similarity float64
}

// Scorer computes value scores under a fixed policy configuration.
type Scorer struct {
	cfg config.ScoringConfig
	// now is injectable so recency contributions stay deterministic in tests.
	now func() time.Time
}

// New creates a Scorer with the given policy.
func New(cfg config.ScoringConfig) *Scorer {
	return &Scorer{cfg: cfg, now: time.Now}
}

// NewAt pins the scorer's clock; used by tests and replay tooling.
func NewAt(cfg config.ScoringConfig, now func() time.Time) *Scorer {
	return &Scorer{cfg: cfg, now: now}
}

// Score computes the composite value score for one user. Missing fields
// contribute zero instead of erroring; the final score is the component sum
// clamped to [0,10].
func (s *Scorer) Score(rec UserRecord, retrieved []Context) ValueScore {
	components := map[string]float64{}

	switch rec.Sentiment {
	case SentimentPositive:
		components["sentiment"] = 2.5
	case SentimentNeutral:
		components["sentiment"] = 1.25
	case SentimentUnknown:
		components["sentiment"] = 0.5
	default:
		components["sentiment"] = 0
	}

	if rec.UnmetNeed {
		components["unmet_need"] = 2.0
	} else {
		components["unmet_need"] = 0
	}

	switch rec.AIPSTier {
	case TierAwareness:
		components["aips_tier"] = 0.5
	case TierInterest:
		components["aips_tier"] = 1.0
	case TierShare:
		components["aips_tier"] = 1.5
	case TierPurchaseIntent:
		components["aips_tier"] = 2.0
	default:
		components["aips_tier"] = 0
	}

	// Log scale keeps chronic commenters from dominating the ranking.
	count := rec.InteractionCount
	if count < 0 {
		count = 0
	}
	interactions := math.Log1p(float64(count)) * 0.8
	components["interactions"] = math.Min(interactions, 2.5)

	diversity := math.Log1p(float64(len(rec.NotesEngaged))) * 0.4
	components["note_diversity"] = math.Min(diversity, 1.0)

	components["recency"] = s.recencyContribution(rec.LastActivity)

	if rec.Visited == VisitedYes && s.cfg.VisitedPolicy == config.VisitedPenalize {
		components["visited"] = -2.5
	}

	if len(retrieved) > 0 {
		best := 0.0
		for _, c := range retrieved {
			if c.Similarity > best {
				best = c.Similarity
			}
		}
		components["retrieval"] = math.Min(best, 1.0)
	}

	total := 0.0
	for _, v := range components {
		total += v
	}
	if total < 0 {
		total = 0
	}
	if total > 10 {
		total = 10
	}

	return ValueScore{UserID: rec.UserID, Score: round2(total), Components: components}
}

func (s *Scorer) recencyContribution(last time.Time) float64 {
	if last.IsZero() {
		return 0
	}
	days := s.now().Sub(last).Hours() / 24
	switch {
	case days <= 7:
		return 1.0
	case days <= 30:
		return 0.7
	case days <= 90:
		return 0.4
	default:
		return 0.1
	}
}

// FilterCandidates applies the configured candidate criteria: sentiment
// labels, unmet-need requirement, minimum interactions, visited exclusion
// and the candidate limit. The input order is preserved.
func (s *Scorer) FilterCandidates(users []UserRecord) []UserRecord {
	allowed := map[string]bool{}
	for _, f := range s.cfg.SentimentFilters {
		allowed[f] = true
	}
	out := make([]UserRecord, 0, len(users))
	for _, u := range users {
		if len(allowed) > 0 && !allowed[u.Sentiment] {
			continue
		}
		if s.cfg.RequireUnmetNeed && !u.UnmetNeed {
			continue
		}
		if u.InteractionCount < s.cfg.MinInteractions {
			continue
		}
		if s.cfg.VisitedPolicy != config.VisitedPenalize && u.Visited == VisitedYes {
			continue
		}
		out = append(out, u)
		if s.cfg.CandidateLimit > 0 && len(out) == s.cfg.CandidateLimit {
			break
		}
	}
	return out
}

// Rank scores and orders users by score descending; ties go to the user with
// the more recent last activity.
func (s *Scorer) Rank(users []UserRecord, retrieved map[string][]Context) []ValueScore {
	byID := make(map[string]UserRecord, len(users))
	scores := make([]ValueScore, 0, len(users))
	for _, u := range users {
		byID[u.UserID] = u
		scores = append(scores, s.Score(u, retrieved[u.UserID]))
	}
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return byID[scores[i].UserID].LastActivity.After(byID[scores[j].UserID].LastActivity)
	})
	return scores
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
