package recommend

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lineops/shiftline/internal/signal"
)

// Thresholds are the review-theme tuning knobs the engine evaluates against.
type Thresholds struct {
	ThemeMinCount int
	ThemeMinShare float64
}

// Engine is the deterministic recommendation builder. It is a pure function
// of its inputs: identical snapshots always produce identical, identically
// ordered output, which makes it both the fallback path and the ground truth
// the response policy reconciles the model's draft against.
type Engine struct {
	Thresholds Thresholds
}

// Build maps per-location signals to ranked recommendations, a narrative
// summary, and guest snapshots. The list is never empty: when no signal fires
// anywhere, exactly one conservative system recommendation is emitted.
func (e *Engine) Build(cardType CardType, day string, inputs []LocationInput, schoolDays []signal.SchoolCalendarDay) Output {
	var out Output
	schoolMod := schoolModifierFor(day, schoolDays)
	dayTime, _ := time.Parse("2006-01-02", day)

	for _, in := range inputs {
		if rec, ok := e.buildForLocation(in, schoolMod, dayTime); ok {
			out.Recommendations = append(out.Recommendations, rec)
		}
		if snap, ok := buildSnapshot(in); ok {
			out.Snapshots = append(out.Snapshots, snap)
		}
	}

	if len(out.Recommendations) == 0 {
		out.Recommendations = []Recommendation{systemFallback(firstLabel(inputs))}
	}

	sortRecommendations(cardType, out.Recommendations)
	out.Summary = buildSummary(out.Recommendations)
	return out
}

func firstLabel(inputs []LocationInput) string {
	if len(inputs) > 0 {
		return inputs[0].Location.Label
	}
	return ""
}

// systemFallback is the conservative recommendation used when nothing fires
// or when a downstream phase fails outright.
func systemFallback(label string) Recommendation {
	return Recommendation{
		LocationLabel: label,
		Action:        "Run standard staffing; no external signal suggests a change today.",
		Window:        "all day",
		Confidence:    signal.ConfidenceLow,
		Source:        signal.SourceSystem,
		Explanation: Explanation{
			Why:       []string{"no closure, event, weather, or review signal crossed a threshold"},
			Reasoning: "With no actionable signal, the safe default is the usual plan.",
		},
	}
}

// schoolModifier describes a notable school-calendar day aligned with the turn.
type schoolModifier struct {
	present   bool
	eventType string
	schoolDay bool
}

func schoolModifierFor(day string, days []signal.SchoolCalendarDay) schoolModifier {
	for _, d := range days {
		if d.Date != day {
			continue
		}
		if !d.IsSchoolDay || d.EventType != "" {
			return schoolModifier{present: true, eventType: d.EventType, schoolDay: d.IsSchoolDay}
		}
	}
	return schoolModifier{}
}

// buildForLocation applies the fixed signal-priority order. Only the first
// applicable rule fires; the school modifier folds into an event
// recommendation instead of producing its own line.
func (e *Engine) buildForLocation(in LocationInput, school schoolModifier, day time.Time) (Recommendation, bool) {
	label := in.Location.Label
	dominant := ""
	if in.Reviews != nil {
		dominant = in.Reviews.DominantTheme(e.Thresholds.ThemeMinCount, e.Thresholds.ThemeMinShare)
	}

	if cl, ok := nearestClosure(activeClosures(in.Closures, day)); ok {
		return closureRecommendation(label, cl), true
	}
	if ev, ok := earliestEvent(in.Events); ok {
		return e.eventRecommendation(label, ev, school, dominant, in.Reviews), true
	}
	if in.Weather != nil && in.Weather.Anomalous() {
		return weatherRecommendation(label, *in.Weather), true
	}
	if school.present {
		return schoolRecommendation(label, school), true
	}
	if dominant != "" {
		return reviewRecommendation(label, dominant, in.Reviews), true
	}
	return Recommendation{}, false
}

func activeClosures(closures []signal.Closure, day time.Time) []signal.Closure {
	if day.IsZero() {
		return closures
	}
	var out []signal.Closure
	for _, c := range closures {
		if c.ActiveOn(day) {
			out = append(out, c)
		}
	}
	return out
}

func nearestClosure(closures []signal.Closure) (signal.Closure, bool) {
	if len(closures) == 0 {
		return signal.Closure{}, false
	}
	best := closures[0]
	for _, c := range closures[1:] {
		if c.DistanceKM < best.DistanceKM {
			best = c
		}
	}
	return best, true
}

func earliestEvent(events []signal.VenueEvent) (signal.VenueEvent, bool) {
	if len(events) == 0 {
		return signal.VenueEvent{}, false
	}
	best := events[0]
	for _, ev := range events[1:] {
		if ev.Start.Before(best.Start) {
			best = ev
		}
	}
	return best, true
}

func closureRecommendation(label string, cl signal.Closure) Recommendation {
	why := []string{fmt.Sprintf("%s is closed %.1fkm away", cl.Street, cl.DistanceKM)}
	if cl.Reason != "" {
		why = append(why, "reason: "+cl.Reason)
	}
	return Recommendation{
		LocationLabel: label,
		Action:        fmt.Sprintf("Reroute deliveries away from %s and brief the host stand on detour directions.", cl.Street),
		Window:        closureWindow(cl),
		Confidence:    signal.ConfidenceHigh,
		Source:        signal.SourceClosures,
		Explanation: Explanation{
			Why:               why,
			Reasoning:         "An active street closure near the door disrupts deliveries and walk-in flow before anything else does.",
			EscalationTrigger: "closure extends past its posted end time",
		},
	}
}

func closureWindow(cl signal.Closure) string {
	if cl.Start != nil && cl.End != nil {
		return fmt.Sprintf("%s–%s", cl.Start.Format("15:04"), cl.End.Format("15:04"))
	}
	return "all day"
}

func (e *Engine) eventRecommendation(label string, ev signal.VenueEvent, school schoolModifier, dominant string, reviews *signal.ReviewSignals) Recommendation {
	windowStart := ev.Start.Add(-3 * time.Hour)
	window := fmt.Sprintf("%s–%s", windowStart.Format("15:04"), ev.Start.Format("15:04"))

	action := fmt.Sprintf("Add one FOH before %q at %s lets out the pre-show rush.", ev.Title, ev.Venue)
	reviewBacked := false
	var evidence *EvidenceBlock
	if dominant != "" {
		// Guests already complain about this theme; a generic extra body is
		// weaker than a dedicated host/floater absorbing the surge.
		action = fmt.Sprintf("Staff a host/floater for the %q pre-show surge — recent guests flagged %s.", ev.Title, strings.ReplaceAll(dominant, "_", " "))
		reviewBacked = true
		evidence = evidenceBlock(reviews)
	}
	why := []string{fmt.Sprintf("%q starts at %s at %s", ev.Title, ev.Start.Format("15:04"), ev.Venue)}
	if school.present {
		action += " Add +1 flex runner for the school-calendar overlap."
		why = append(why, "school calendar is off-pattern the same day")
	}
	if reviewBacked {
		why = append(why, fmt.Sprintf("dominant review theme: %s", dominant))
	}
	return Recommendation{
		LocationLabel:  label,
		Action:         action,
		Window:         window,
		Confidence:     signal.ConfidenceHigh,
		Source:         signal.SourceEvents,
		ReviewBacked:   reviewBacked,
		ReviewEvidence: evidence,
		Explanation: Explanation{
			Why:               why,
			Reasoning:         "Venue events within impact radius reliably pull a pre-show wave into nearby seats.",
			EscalationTrigger: "walk-in wait exceeds 20 minutes before the event start",
		},
	}
}

func weatherRecommendation(label string, w signal.Weather) Recommendation {
	var why []string
	if w.PrecipProbability >= 0.6 {
		why = append(why, fmt.Sprintf("precipitation probability %.0f%%", w.PrecipProbability*100))
	}
	if w.FeelsLikeC >= 35 {
		why = append(why, fmt.Sprintf("feels-like high of %.0f°C", w.FeelsLikeC))
	}
	if w.FeelsLikeC <= -8 {
		why = append(why, fmt.Sprintf("feels-like low of %.0f°C", w.FeelsLikeC))
	}
	if w.WindGustKPH >= 50 {
		why = append(why, fmt.Sprintf("wind gusts to %.0f km/h", w.WindGustKPH))
	}
	return Recommendation{
		LocationLabel: label,
		Action:        "Shift one server to delivery support and pre-stage rain mats; expect indoor-heavy, delivery-heavy traffic.",
		Window:        "open–close",
		Confidence:    signal.ConfidenceMedium,
		Source:        signal.SourceWeather,
		Explanation: Explanation{
			Why:               why,
			Reasoning:         "Anomalous weather moves demand between dine-in, takeout, and delivery channels.",
			EscalationTrigger: "delivery queue exceeds 30 minutes",
		},
	}
}

func schoolRecommendation(label string, school schoolModifier) Recommendation {
	detail := "schools are out"
	if school.eventType != "" {
		detail = "school calendar: " + school.eventType
	}
	return Recommendation{
		LocationLabel: label,
		Action:        "Expect family traffic earlier than usual; move one FOH to the early block.",
		Window:        "11:00–15:00",
		Confidence:    signal.ConfidenceMedium,
		Source:        signal.SourceSchoolCalendar,
		Explanation: Explanation{
			Why:       []string{detail},
			Reasoning: "Off-pattern school days shift family dining into lunch and early afternoon.",
		},
	}
}

func reviewRecommendation(label, theme string, reviews *signal.ReviewSignals) Recommendation {
	conf := signal.ConfidenceMedium
	if reviews != nil {
		conf = signal.MinConfidence(conf, reviews.Confidence)
	}
	return Recommendation{
		LocationLabel:  label,
		Action:         fmt.Sprintf("Recent guests keep flagging %s — assign a floater to that station tonight.", strings.ReplaceAll(theme, "_", " ")),
		Window:         "peak service",
		Confidence:     conf,
		Source:         signal.SourceReviews,
		ReviewBacked:   true,
		ReviewEvidence: evidenceBlock(reviews),
		Explanation: Explanation{
			Why:       []string{fmt.Sprintf("dominant review theme: %s", theme)},
			Reasoning: "A repeated operational complaint in recent reviews is the strongest signal when nothing external is moving demand.",
		},
	}
}

func evidenceBlock(reviews *signal.ReviewSignals) *EvidenceBlock {
	if reviews == nil || len(reviews.Evidence) == 0 {
		return nil
	}
	return &EvidenceBlock{
		Count:       reviews.EvidenceCount,
		RecencyDays: reviews.RecencyDays,
		References:  reviews.Evidence,
	}
}

func buildSnapshot(in LocationInput) (GuestSnapshot, bool) {
	if in.Reviews == nil || in.Reviews.EvidenceCount == 0 {
		return GuestSnapshot{}, false
	}
	return GuestSnapshot{
		LocationLabel: in.Location.Label,
		SampleCount:   in.Reviews.SampleCount,
		RecencyDays:   in.Reviews.RecencyDays,
		Summary:       in.Reviews.Snapshot,
		Evidence:      in.Reviews.Evidence,
	}, true
}

// cardBuckets maps each card type to its source-priority order; sources not
// listed share the lowest bucket.
var cardBuckets = map[CardType][]signal.SourceName{
	CardRisk:        {signal.SourceClosures, signal.SourceWeather, signal.SourceEvents},
	CardOpportunity: {signal.SourceEvents, signal.SourceReviews},
	CardStaffing:    {signal.SourceEvents, signal.SourceClosures, signal.SourceWeather},
}

func bucketRank(cardType CardType, source signal.SourceName) int {
	order, ok := cardBuckets[cardType]
	if !ok {
		order = cardBuckets[CardStaffing]
	}
	for i, s := range order {
		if s == source {
			return i
		}
	}
	return len(order)
}

// sortRecommendations orders by card-type bucket, then confidence descending,
// then location label. Fully deterministic for identical inputs.
func sortRecommendations(cardType CardType, recs []Recommendation) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		ra, rb := bucketRank(cardType, a.Source), bucketRank(cardType, b.Source)
		if ra != rb {
			return ra < rb
		}
		ca, cb := signal.ConfidenceRank(a.Confidence), signal.ConfidenceRank(b.Confidence)
		if ca != cb {
			return ca > cb
		}
		return a.LocationLabel < b.LocationLabel
	})
}

func buildSummary(recs []Recommendation) string {
	if len(recs) == 1 && recs[0].Source == signal.SourceSystem {
		return "No signal crossed a threshold today; standard staffing holds."
	}
	var parts []string
	for _, r := range recs {
		parts = append(parts, fmt.Sprintf("%s: %s", r.LocationLabel, r.Action))
	}
	return strings.Join(parts, " ")
}
