// Package ranker computes composite relevance scores for sessions. Five
// weighted factors form the base score; memory, preference, and temporal
// boosts are added on top. Ranking is by total score descending with
// deterministic tie-breaks.
package ranker

import (
	"math"
	"sort"
	"time"

	"github.com/forkdex/forkdex/internal/memory"
	"github.com/forkdex/forkdex/pkg/types"
)

// Factor weights. The recency weight is configuration-overridable; the
// remainder is fixed.
const (
	WeightBest    = 0.40
	WeightAvg     = 0.20
	WeightRatio   = 0.05
	WeightRecency = 0.25
	WeightChain   = 0.10
)

// recencyDecayDays is the exponential decay constant for the recency factor.
const recencyDecayDays = 30.0

// chainQualityPlaceholder is the success-rate placeholder until fork outcome
// tracking feeds real chain quality.
const chainQualityPlaceholder = 0.5

// maxPreferenceBoost caps the additive preference boost.
const maxPreferenceBoost = 0.10

// Ranker scores and orders sessions.
type Ranker struct {
	// SimilarityThreshold drops sessions whose best similarity is below it.
	SimilarityThreshold float64

	// RecencyWeight overrides WeightRecency when positive.
	RecencyWeight float64

	// Now is the clock used for recency; the zero value means time.Now.
	Now time.Time
}

// Input is everything the ranker needs for one session.
type Input struct {
	Session      *types.Session
	Similarities []float64          // per-hit-chunk cosine similarities
	MemoryTypes  []types.MemoryType // union of markers across hit chunks
	Preference   *types.Preference  // nil when the session was never forked
	TimeRange    *TimeRange         // non-nil when the query carries one
}

func (r *Ranker) now() time.Time {
	if r.Now.IsZero() {
		return time.Now()
	}
	return r.Now
}

func (r *Ranker) recencyWeight() float64 {
	if r.RecencyWeight > 0 {
		return r.RecencyWeight
	}
	return WeightRecency
}

// Score computes the composite score for one session.
func (r *Ranker) Score(in Input) types.SessionScore {
	score := types.SessionScore{
		SessionID:     in.Session.ID,
		ChunksMatched: len(in.Similarities),
		UpdatedAt:     in.Session.UpdatedAt,
	}
	c := &score.Components
	c.ChainQuality = chainQualityPlaceholder

	if len(in.Similarities) == 0 {
		return score
	}

	best, sum := 0.0, 0.0
	for _, s := range in.Similarities {
		if s > best {
			best = s
		}
		sum += s
	}
	c.BestSimilarity = best
	c.AvgSimilarity = sum / float64(len(in.Similarities))

	if in.Session.ChunkCount > 0 {
		c.ChunkRatio = float64(len(in.Similarities)) / float64(in.Session.ChunkCount)
		if c.ChunkRatio > 1 {
			c.ChunkRatio = 1
		}
	}

	c.Recency = recencyScore(in.Session.UpdatedAt, r.now())
	c.MemoryBoost = memory.Boost(in.MemoryTypes)
	c.PreferenceBoost = PreferenceBoost(in.Preference, r.now())
	if in.TimeRange != nil {
		c.TemporalBoost = in.TimeRange.Boost(in.Session.UpdatedAt)
	}

	base := c.BestSimilarity*WeightBest +
		c.AvgSimilarity*WeightAvg +
		c.ChunkRatio*WeightRatio +
		c.Recency*r.recencyWeight() +
		c.ChainQuality*WeightChain

	score.FinalScore = base + c.MemoryBoost + c.PreferenceBoost + c.TemporalBoost
	if score.FinalScore < 0 {
		score.FinalScore = 0
	}
	return score
}

// Rank scores every input, drops sessions under the similarity threshold, and
// orders the rest: total score descending, then newer updated-at, then higher
// best similarity, then session id for a total order.
func (r *Ranker) Rank(inputs []Input) []types.SessionScore {
	scores := make([]types.SessionScore, 0, len(inputs))
	for _, in := range inputs {
		s := r.Score(in)
		if s.Components.BestSimilarity < r.SimilarityThreshold {
			continue
		}
		scores = append(scores, s)
	}

	sort.Slice(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		if a.FinalScore != b.FinalScore {
			return a.FinalScore > b.FinalScore
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		if a.Components.BestSimilarity != b.Components.BestSimilarity {
			return a.Components.BestSimilarity > b.Components.BestSimilarity
		}
		return a.SessionID < b.SessionID
	})
	return scores
}

// recencyScore computes exp(-age_days / 30). A zero updated-at scores 0;
// future timestamps clamp to age 0.
func recencyScore(updatedAt, now time.Time) float64 {
	if updatedAt.IsZero() {
		return 0
	}
	ageDays := now.Sub(updatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-ageDays / recencyDecayDays)
}

// PreferenceBoost derives the additive boost from a session's fork-selection
// aggregate:
//
//	min(0.10, 0.04·log2(1+fork_count) + 0.02·position_bonus + 0.02·selection_recency)
//
// position_bonus rewards sessions the user picked near the top of past
// rankings (1 at position 0, fading with average position); selection_recency
// fades linearly to zero over 30 days since the last selection.
func PreferenceBoost(pref *types.Preference, now time.Time) float64 {
	if pref == nil || pref.ForkCount == 0 {
		return 0
	}

	boost := 0.04 * math.Log2(1+float64(pref.ForkCount))

	positionBonus := 1.0 / (1.0 + pref.AvgPosition)
	boost += 0.02 * positionBonus

	if !pref.LastSelection.IsZero() {
		ageDays := now.Sub(pref.LastSelection).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		if ageDays < recencyDecayDays {
			boost += 0.02 * (1 - ageDays/recencyDecayDays)
		}
	}

	if boost > maxPreferenceBoost {
		boost = maxPreferenceBoost
	}
	return boost
}
