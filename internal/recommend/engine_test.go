package recommend

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/lineops/shiftline/internal/signal"
)

func testEngine() *Engine {
	return &Engine{Thresholds: Thresholds{ThemeMinCount: 2, ThemeMinShare: 0.30}}
}

func loc(label string) signal.ResolvedLocation {
	return signal.ResolvedLocation{Label: label, PlaceID: "p-" + label, InNYC: true}
}

const testDay = "2026-08-30"

func eventAt(hour int) signal.VenueEvent {
	return signal.VenueEvent{
		Venue: "Madison Square Garden",
		Title: "Playoff Game",
		Start: time.Date(2026, 8, 30, hour, 0, 0, 0, time.UTC),
	}
}

func TestEngineNeverReturnsEmpty(t *testing.T) {
	out := testEngine().Build(CardStaffing, testDay, []LocationInput{{Location: loc("SoHo")}}, nil)
	if len(out.Recommendations) != 1 {
		t.Fatalf("expected exactly one fallback recommendation, got %d", len(out.Recommendations))
	}
	rec := out.Recommendations[0]
	if rec.Source != signal.SourceSystem || rec.Confidence != signal.ConfidenceLow {
		t.Fatalf("fallback must be system-source and low confidence, got %+v", rec)
	}
}

func TestEngineEventRecommendation(t *testing.T) {
	out := testEngine().Build(CardStaffing, testDay, []LocationInput{{
		Location: loc("Hell's Kitchen"),
		Events:   []signal.VenueEvent{eventAt(19)},
	}}, nil)

	rec := out.Recommendations[0]
	if rec.Source != signal.SourceEvents || rec.Confidence != signal.ConfidenceHigh {
		t.Fatalf("unexpected recommendation: %+v", rec)
	}
	if !strings.Contains(rec.Action, "FOH") {
		t.Fatalf("event action must reference added FOH: %q", rec.Action)
	}
	// Window must end at the 19:00 event start, i.e. before 20:00.
	if !strings.HasSuffix(rec.Window, "19:00") {
		t.Fatalf("window must end at event start, got %q", rec.Window)
	}
}

func TestEnginePriorityClosureBeatsEverything(t *testing.T) {
	precip := signal.Weather{PrecipProbability: 0.9}
	out := testEngine().Build(CardStaffing, testDay, []LocationInput{{
		Location: loc("SoHo"),
		Closures: []signal.Closure{{Street: "Prince St", DistanceKM: 0.2}},
		Events:   []signal.VenueEvent{eventAt(19)},
		Weather:  &precip,
	}}, nil)

	if len(out.Recommendations) != 1 {
		t.Fatalf("only the first applicable rule may fire per location, got %d", len(out.Recommendations))
	}
	if out.Recommendations[0].Source != signal.SourceClosures {
		t.Fatalf("closure must win the priority order, got %s", out.Recommendations[0].Source)
	}
}

func TestEngineWeatherFiresWhenNoEvent(t *testing.T) {
	hot := signal.Weather{FeelsLikeC: 38}
	out := testEngine().Build(CardStaffing, testDay, []LocationInput{{Location: loc("Astoria"), Weather: &hot}}, nil)
	if out.Recommendations[0].Source != signal.SourceWeather {
		t.Fatalf("weather anomaly must fire, got %+v", out.Recommendations[0])
	}
}

func TestEngineSchoolModifierFoldsIntoEvent(t *testing.T) {
	schoolDays := []signal.SchoolCalendarDay{{Date: testDay, EventType: "summer recess", IsSchoolDay: false}}
	out := testEngine().Build(CardStaffing, testDay, []LocationInput{{
		Location: loc("SoHo"),
		Events:   []signal.VenueEvent{eventAt(18)},
	}}, schoolDays)

	if len(out.Recommendations) != 1 {
		t.Fatalf("modifier must fold into the event line, got %d recommendations", len(out.Recommendations))
	}
	if !strings.Contains(out.Recommendations[0].Action, "+1 flex runner") {
		t.Fatalf("aligned school day must add the flex-runner clause: %q", out.Recommendations[0].Action)
	}
}

func TestEngineSchoolStandaloneRule(t *testing.T) {
	schoolDays := []signal.SchoolCalendarDay{{Date: testDay, EventType: "holiday", IsSchoolDay: false}}
	out := testEngine().Build(CardStaffing, testDay, []LocationInput{{Location: loc("SoHo")}}, schoolDays)
	if out.Recommendations[0].Source != signal.SourceSchoolCalendar {
		t.Fatalf("standalone school rule must fire when nothing higher does, got %+v", out.Recommendations[0])
	}
}

func reviewsWithTheme(theme string, count, total int) *signal.ReviewSignals {
	r := &signal.ReviewSignals{
		SampleCount:   total,
		EvidenceCount: total,
		RecencyDays:   3,
		Themes:        map[string]int{theme: count, "other": total - count},
		Confidence:    signal.ConfidenceHigh,
	}
	for i := 0; i < total; i++ {
		r.Evidence = append(r.Evidence, signal.ReviewEvidence{Theme: theme, AgeDays: 3})
	}
	return r
}

func TestEngineReviewBackedHostUpgrade(t *testing.T) {
	// 4 of 5 evidence entries on wait_times, well past both thresholds.
	out := testEngine().Build(CardStaffing, testDay, []LocationInput{{
		Location: loc("SoHo"),
		Events:   []signal.VenueEvent{eventAt(19)},
		Reviews:  reviewsWithTheme("wait_times", 4, 5),
	}}, nil)

	rec := out.Recommendations[0]
	if !rec.ReviewBacked {
		t.Fatalf("dominant theme + event must set reviewBacked")
	}
	if !strings.Contains(rec.Action, "host/floater") {
		t.Fatalf("action must upgrade to host/floater language: %q", rec.Action)
	}
	if rec.ReviewEvidence == nil || rec.ReviewEvidence.Count != 5 {
		t.Fatalf("upgraded recommendation must carry the evidence block: %+v", rec.ReviewEvidence)
	}
}

func TestEngineReviewOnlyFallback(t *testing.T) {
	out := testEngine().Build(CardStaffing, testDay, []LocationInput{{
		Location: loc("SoHo"),
		Reviews:  reviewsWithTheme("noise", 3, 5),
	}}, nil)
	rec := out.Recommendations[0]
	if rec.Source != signal.SourceReviews || !rec.ReviewBacked {
		t.Fatalf("review-only rule must fire: %+v", rec)
	}
}

func TestEngineSnapshotsIndependentOfRules(t *testing.T) {
	// Event fires, yet the guest snapshot is still produced.
	out := testEngine().Build(CardStaffing, testDay, []LocationInput{{
		Location: loc("SoHo"),
		Events:   []signal.VenueEvent{eventAt(19)},
		Reviews:  reviewsWithTheme("noise", 1, 2),
	}}, nil)
	if len(out.Snapshots) != 1 || out.Snapshots[0].LocationLabel != "SoHo" {
		t.Fatalf("snapshot must be emitted whenever evidence exists, got %+v", out.Snapshots)
	}
}

func TestEngineDeterministicOrdering(t *testing.T) {
	hot := signal.Weather{FeelsLikeC: 40}
	inputs := []LocationInput{
		{Location: loc("Astoria"), Weather: &hot},
		{Location: loc("SoHo"), Closures: []signal.Closure{{Street: "Prince St"}}},
		{Location: loc("Harlem"), Events: []signal.VenueEvent{eventAt(19)}},
	}

	first := testEngine().Build(CardStaffing, testDay, inputs, nil)
	for i := 0; i < 5; i++ {
		again := testEngine().Build(CardStaffing, testDay, inputs, nil)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("identical inputs must produce identical output")
		}
	}

	// Staffing profile: events > closures > weather.
	gotSources := []signal.SourceName{}
	for _, r := range first.Recommendations {
		gotSources = append(gotSources, r.Source)
	}
	want := []signal.SourceName{signal.SourceEvents, signal.SourceClosures, signal.SourceWeather}
	if !reflect.DeepEqual(gotSources, want) {
		t.Fatalf("staffing ordering = %v, want %v", gotSources, want)
	}

	// Risk profile reorders the same set: closures > weather > events.
	risk := testEngine().Build(CardRisk, testDay, inputs, nil)
	gotSources = gotSources[:0]
	for _, r := range risk.Recommendations {
		gotSources = append(gotSources, r.Source)
	}
	want = []signal.SourceName{signal.SourceClosures, signal.SourceWeather, signal.SourceEvents}
	if !reflect.DeepEqual(gotSources, want) {
		t.Fatalf("risk ordering = %v, want %v", gotSources, want)
	}
}

func TestEngineIgnoresInactiveClosures(t *testing.T) {
	past := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	pastEnd := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
	out := testEngine().Build(CardStaffing, testDay, []LocationInput{{
		Location: loc("SoHo"),
		Closures: []signal.Closure{{Street: "Prince St", Start: &past, End: &pastEnd}},
	}}, nil)
	if out.Recommendations[0].Source != signal.SourceSystem {
		t.Fatalf("an expired closure must not fire, got %+v", out.Recommendations[0])
	}
}
