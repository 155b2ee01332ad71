package signal

import "time"

// SourceName identifies one of the fixed external signal sources. The set is
// closed: tool dispatch and cache keys are derived from it.
type SourceName string

const (
	SourceWeather        SourceName = "weather"
	SourceEvents         SourceName = "events"
	SourceClosures       SourceName = "closures"
	SourceSchoolCalendar SourceName = "school_calendar"
	SourceReviews        SourceName = "reviews"
	SourceSystem         SourceName = "system"
)

// FetchedSources lists the sources fetched unconditionally during prefetch.
var FetchedSources = []SourceName{
	SourceWeather, SourceEvents, SourceClosures, SourceSchoolCalendar, SourceReviews,
}

// StatusCode is the terminal state of one source fetch within a turn.
type StatusCode string

const (
	StatusOK      StatusCode = "ok"
	StatusStale   StatusCode = "stale"
	StatusError   StatusCode = "error"
	StatusTimeout StatusCode = "timeout"
)

// SourceStatus describes how a source behaved for the current turn.
// ok with zero results is a valid outcome, distinct from error: "no nearby
// events" is data, not a failure.
type SourceStatus struct {
	Code             StatusCode `json:"code"`
	FreshnessSeconds int64      `json:"freshness_seconds,omitempty"`
	CacheHit         bool       `json:"cache_hit,omitempty"`
	ErrorCode        string     `json:"error_code,omitempty"`
}

// Degraded reports whether the status should cap downstream confidence.
func (s SourceStatus) Degraded() bool {
	return s.Code == StatusStale || s.Code == StatusError || s.Code == StatusTimeout
}

// Confidence is the three-level recommendation confidence scale.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ConfidenceRank maps confidence to a comparable ordinal (low < medium < high).
func ConfidenceRank(c Confidence) int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// MinConfidence returns the lower of two confidence values.
func MinConfidence(a, b Confidence) Confidence {
	if ConfidenceRank(a) <= ConfidenceRank(b) {
		return a
	}
	return b
}

// ResolvedLocation is a validated NYC place. Immutable once resolved.
type ResolvedLocation struct {
	Label   string  `json:"label"`
	PlaceID string  `json:"place_id"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
	InNYC   bool    `json:"in_nyc"`
}

// Weather is the per-location forecast slice the engine reasons about.
type Weather struct {
	ObservedAt        time.Time `json:"observed_at"`
	PrecipProbability float64   `json:"precip_probability"` // 0..1
	FeelsLikeC        float64   `json:"feels_like_c"`
	WindGustKPH       float64   `json:"wind_gust_kph"`
	Summary           string    `json:"summary,omitempty"`
}

// Anomalous reports whether the forecast crosses an operational threshold.
func (w Weather) Anomalous() bool {
	return w.PrecipProbability >= 0.6 || w.FeelsLikeC >= 35 || w.FeelsLikeC <= -8 || w.WindGustKPH >= 50
}

// VenueEvent is a nearby venue event with a start time.
type VenueEvent struct {
	Venue              string    `json:"venue"`
	Title              string    `json:"title"`
	Start              time.Time `json:"start"`
	ExpectedAttendance int       `json:"expected_attendance,omitempty"`
	DistanceKM         float64   `json:"distance_km"`
}

// Closure is a street closure with an optional active window.
type Closure struct {
	Street     string     `json:"street"`
	Reason     string     `json:"reason,omitempty"`
	Start      *time.Time `json:"start,omitempty"`
	End        *time.Time `json:"end,omitempty"`
	DistanceKM float64    `json:"distance_km"`
}

// ActiveOn reports whether the closure window covers the given day.
func (c Closure) ActiveOn(day time.Time) bool {
	if c.Start != nil && day.Before(c.Start.Truncate(24*time.Hour)) {
		return false
	}
	if c.End != nil && day.After(*c.End) {
		return false
	}
	return true
}

// SchoolCalendarDay is one city-wide school calendar entry.
type SchoolCalendarDay struct {
	Date        string `json:"date"` // 2006-01-02
	EventType   string `json:"event_type"`
	IsSchoolDay bool   `json:"is_school_day"`
}

// ReviewEvidence is one recent, theme-classified guest review reference.
type ReviewEvidence struct {
	Theme   string `json:"theme"`
	Excerpt string `json:"excerpt"`
	Rating  int    `json:"rating"`
	AgeDays int    `json:"age_days"`
	Hash    string `json:"hash"` // content hash used for dedup
}

// ReviewSignals is the per-place aggregate of recent guest reviews.
type ReviewSignals struct {
	SampleCount   int              `json:"sample_count"`
	EvidenceCount int              `json:"evidence_count"`
	RecencyDays   int              `json:"recency_days"`
	Themes        map[string]int   `json:"themes"`
	Evidence      []ReviewEvidence `json:"evidence"`
	Snapshot      string           `json:"snapshot,omitempty"`
	Confidence    Confidence       `json:"confidence"`
}

// DominantTheme returns the operational theme meeting both tuning thresholds,
// excluding the catch-all bucket, or "" when none qualifies.
func (r ReviewSignals) DominantTheme(minCount int, minShare float64) string {
	if r.EvidenceCount == 0 {
		return ""
	}
	best, bestN := "", 0
	for theme, n := range r.Themes {
		if theme == "other" {
			continue
		}
		if n > bestN || (n == bestN && theme < best) {
			best, bestN = theme, n
		}
	}
	if bestN < minCount {
		return ""
	}
	if float64(bestN)/float64(r.EvidenceCount) < minShare {
		return ""
	}
	return best
}

// Snapshot is the frozen per-turn view of every fetched source. Both the
// model path and the deterministic fallback consume the same snapshot, so the
// two can never disagree about what was observed.
type Snapshot struct {
	Day        string                      `json:"day"` // calendar day, 2006-01-02
	Weather    map[string]Weather          `json:"weather"`
	Events     map[string][]VenueEvent     `json:"events"`
	Closures   map[string][]Closure        `json:"closures"`
	SchoolDays []SchoolCalendarDay         `json:"school_days"`
	Reviews    map[string]ReviewSignals    `json:"reviews"`
	Status     map[SourceName]SourceStatus `json:"status"`
}

// NewSnapshot allocates an empty snapshot for the given calendar day.
func NewSnapshot(day string) *Snapshot {
	return &Snapshot{
		Day:      day,
		Weather:  make(map[string]Weather),
		Events:   make(map[string][]VenueEvent),
		Closures: make(map[string][]Closure),
		Reviews:  make(map[string]ReviewSignals),
		Status:   make(map[SourceName]SourceStatus),
	}
}

// StatusFor returns the recorded status for a source, defaulting to error so
// an unfetched source can never masquerade as healthy.
func (s *Snapshot) StatusFor(name SourceName) SourceStatus {
	if s == nil || s.Status == nil {
		return SourceStatus{Code: StatusError, ErrorCode: "not_fetched"}
	}
	if st, ok := s.Status[name]; ok {
		return st
	}
	if name == SourceSystem {
		return SourceStatus{Code: StatusOK}
	}
	return SourceStatus{Code: StatusError, ErrorCode: "not_fetched"}
}
