package recommend

import "github.com/lineops/shiftline/internal/signal"

// CardType selects which operational lens a session runs under.
type CardType string

const (
	CardStaffing    CardType = "staffing"
	CardRisk        CardType = "risk"
	CardOpportunity CardType = "opportunity"
)

// ValidCardType reports whether the card type is one of the known lenses.
func ValidCardType(c CardType) bool {
	return c == CardStaffing || c == CardRisk || c == CardOpportunity
}

// Explanation is the structured why behind a recommendation.
type Explanation struct {
	Why               []string `json:"why"`
	Reasoning         string   `json:"reasoning"`
	EscalationTrigger string   `json:"escalation_trigger,omitempty"`
}

// EvidenceBlock is the optional review-evidence attachment.
type EvidenceBlock struct {
	Count       int                     `json:"count"`
	RecencyDays int                     `json:"recency_days"`
	References  []signal.ReviewEvidence `json:"references"`
}

// Recommendation is one ranked, explained staffing/prep action.
type Recommendation struct {
	LocationLabel  string            `json:"location_label"`
	Action         string            `json:"action"`
	Window         string            `json:"window"`
	Confidence     signal.Confidence `json:"confidence"`
	Source         signal.SourceName `json:"source"`
	Explanation    Explanation       `json:"explanation"`
	ReviewEvidence *EvidenceBlock    `json:"review_evidence,omitempty"`
	ReviewBacked   bool              `json:"review_backed"`
}

// GuestSnapshot is a per-location digest of recent review signals, produced
// whenever evidence exists regardless of which rule fired.
type GuestSnapshot struct {
	LocationLabel string                  `json:"location_label"`
	SampleCount   int                     `json:"sample_count"`
	RecencyDays   int                     `json:"recency_days"`
	Summary       string                  `json:"summary"`
	Evidence      []signal.ReviewEvidence `json:"evidence"`
}

// LocationInput is everything the engine knows about one resolved location.
// Nil pointers mean the source produced nothing usable for this turn.
type LocationInput struct {
	Location signal.ResolvedLocation
	Weather  *signal.Weather
	Events   []signal.VenueEvent
	Closures []signal.Closure
	Reviews  *signal.ReviewSignals
}

// Output is the engine's complete answer for a turn.
type Output struct {
	Summary         string
	Recommendations []Recommendation
	Snapshots       []GuestSnapshot
	FollowUp        string
}
