package recommend

import (
	"log"
	"sort"

	"github.com/lineops/shiftline/internal/signal"
)

// sourceWeights scores each source per card type for the post-clamp re-rank.
// reviewBackedBonus rewards recommendations corroborated by guest evidence.
var sourceWeights = map[CardType]map[signal.SourceName]float64{
	CardRisk: {
		signal.SourceClosures: 5, signal.SourceWeather: 4, signal.SourceEvents: 3,
		signal.SourceSchoolCalendar: 2, signal.SourceReviews: 1,
	},
	CardOpportunity: {
		signal.SourceEvents: 5, signal.SourceReviews: 4, signal.SourceWeather: 2,
		signal.SourceSchoolCalendar: 2, signal.SourceClosures: 1,
	},
	CardStaffing: {
		signal.SourceEvents: 5, signal.SourceClosures: 4, signal.SourceWeather: 3,
		signal.SourceSchoolCalendar: 2, signal.SourceReviews: 2,
	},
}

const reviewBackedBonus = 1.5

// defaultFollowUps are the per-card terminal questions used when the draft
// did not carry one. Every turn must end on something actionable.
var defaultFollowUps = map[CardType]string{
	CardStaffing:    "Want me to sketch the shift assignments for that window?",
	CardRisk:        "Should I flag this to the managers on duty today?",
	CardOpportunity: "Want a prep-count suggestion to match the expected bump?",
}

// PolicyInput is everything the response policy needs beyond the draft.
type PolicyInput struct {
	CardType        CardType
	Statuses        map[signal.SourceName]signal.SourceStatus
	BaselineAssumed bool
	FirstLocation   string
	DraftFollowUp   string
}

// PolicyResult is the reconciled, final recommendation set for a turn.
type PolicyResult struct {
	Recommendations []Recommendation
	FollowUp        string
}

// ApplyPolicy reconciles a draft recommendation set against source health and
// baseline-assumption state. It only ever lowers confidence, re-ranks by the
// card profile, and attaches a follow-up question. It never fails a turn: an
// internal panic degrades to a single system fallback recommendation.
func ApplyPolicy(draft []Recommendation, in PolicyInput, logger *log.Logger) (result PolicyResult) {
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.Printf("[POLICY] recovered: %v", r)
			}
			result = PolicyResult{
				Recommendations: []Recommendation{systemFallback(in.FirstLocation)},
				FollowUp:        followUpFor(in),
			}
		}
	}()

	recs := make([]Recommendation, len(draft))
	copy(recs, draft)
	if len(recs) == 0 {
		// A turn never ends empty-handed: an empty draft gets the same
		// conservative system recommendation the panic path produces.
		recs = []Recommendation{systemFallback(in.FirstLocation)}
	}

	for i := range recs {
		recs[i].Confidence = clampConfidence(recs[i], in)
	}

	scores := make([]float64, len(recs))
	for i, r := range recs {
		scores[i] = scoreRecommendation(in.CardType, r)
	}
	order := make([]int, len(recs))
	for i := range order {
		order[i] = i
	}
	// Stable: draft order is the tiebreak for equal scores.
	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})
	ranked := make([]Recommendation, len(recs))
	for i, idx := range order {
		ranked[i] = recs[idx]
	}

	return PolicyResult{Recommendations: ranked, FollowUp: followUpFor(in)}
}

func followUpFor(in PolicyInput) string {
	if in.DraftFollowUp != "" {
		return in.DraftFollowUp
	}
	if q, ok := defaultFollowUps[in.CardType]; ok {
		return q
	}
	return defaultFollowUps[CardStaffing]
}

// clampConfidence applies the two lowering rules. Confidence is the minimum
// of what the generating phase asserted and what the caps allow.
func clampConfidence(r Recommendation, in PolicyInput) signal.Confidence {
	conf := r.Confidence
	if st, ok := in.Statuses[r.Source]; ok && st.Degraded() {
		conf = signal.MinConfidence(conf, signal.ConfidenceLow)
	}
	if in.BaselineAssumed && r.LocationLabel == in.FirstLocation {
		conf = signal.MinConfidence(conf, signal.ConfidenceMedium)
	}
	return conf
}

func scoreRecommendation(cardType CardType, r Recommendation) float64 {
	weights, ok := sourceWeights[cardType]
	if !ok {
		weights = sourceWeights[CardStaffing]
	}
	score := weights[r.Source] + float64(signal.ConfidenceRank(r.Confidence))
	if r.ReviewBacked {
		score += reviewBackedBonus
	}
	return score
}
