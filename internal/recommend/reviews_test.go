package recommend

import (
	"testing"
	"time"

	"github.com/lineops/shiftline/internal/signal"
)

var reviewNow = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

func raw(text string, rating, ageDays int) RawReview {
	return RawReview{Text: text, Rating: rating, Time: reviewNow.Add(-time.Duration(ageDays) * 24 * time.Hour)}
}

func TestBuildReviewSignalsClassifiesThemes(t *testing.T) {
	got := BuildReviewSignals([]RawReview{
		raw("waited 45 minutes for a table", 2, 3),
		raw("the line was out the door", 3, 5),
		raw("so loud we couldn't hear each other", 3, 4),
		raw("lovely evening overall", 5, 2),
	}, reviewNow, 45)

	if got.Themes["wait_times"] != 2 || got.Themes["noise"] != 1 || got.Themes["other"] != 1 {
		t.Fatalf("unexpected theme histogram: %v", got.Themes)
	}
	if got.SampleCount != 4 || got.EvidenceCount != 4 {
		t.Fatalf("counts: %+v", got)
	}
	if got.RecencyDays != 2 {
		t.Fatalf("recency must be the newest review's age, got %d", got.RecencyDays)
	}
}

func TestBuildReviewSignalsDedupes(t *testing.T) {
	got := BuildReviewSignals([]RawReview{
		raw("Waited forever for a table", 2, 3),
		raw("waited  forever for a table", 2, 9), // same text, different spacing/case
	}, reviewNow, 45)
	if got.SampleCount != 1 {
		t.Fatalf("duplicate text must be dropped, got %d samples", got.SampleCount)
	}
}

func TestBuildReviewSignalsStalenessForcesLow(t *testing.T) {
	var reviews []RawReview
	for i := 0; i < 6; i++ {
		reviews = append(reviews, raw("waited too long for a table, again, visit "+string(rune('a'+i)), 2, 60+i))
	}
	got := BuildReviewSignals(reviews, reviewNow, 45)
	if got.Confidence != signal.ConfidenceLow {
		t.Fatalf("all-stale evidence must grade low, got %s", got.Confidence)
	}
}

func TestBuildReviewSignalsConfidenceBySample(t *testing.T) {
	small := BuildReviewSignals([]RawReview{raw("slow service tonight", 2, 3)}, reviewNow, 45)
	if small.Confidence != signal.ConfidenceMedium {
		t.Fatalf("fresh small sample grades medium, got %s", small.Confidence)
	}
	var reviews []RawReview
	for i := 0; i < 6; i++ {
		reviews = append(reviews, raw("slow service on visit number "+string(rune('a'+i)), 2, 3))
	}
	big := BuildReviewSignals(reviews, reviewNow, 45)
	if big.Confidence != signal.ConfidenceHigh {
		t.Fatalf("fresh large sample grades high, got %s", big.Confidence)
	}
}

func TestDominantThemeThresholds(t *testing.T) {
	r := signal.ReviewSignals{
		EvidenceCount: 5,
		Themes:        map[string]int{"wait_times": 4, "other": 1},
	}
	if got := r.DominantTheme(2, 0.30); got != "wait_times" {
		t.Fatalf("80%% share must qualify, got %q", got)
	}

	// Count below the minimum.
	r = signal.ReviewSignals{EvidenceCount: 5, Themes: map[string]int{"noise": 1, "other": 4}}
	if got := r.DominantTheme(2, 0.30); got != "" {
		t.Fatalf("count below minimum must not qualify, got %q", got)
	}

	// Share below the minimum.
	r = signal.ReviewSignals{EvidenceCount: 10, Themes: map[string]int{"noise": 2, "other": 8}}
	if got := r.DominantTheme(2, 0.30); got != "" {
		t.Fatalf("share below minimum must not qualify, got %q", got)
	}

	// The catch-all bucket never dominates.
	r = signal.ReviewSignals{EvidenceCount: 5, Themes: map[string]int{"other": 5}}
	if got := r.DominantTheme(2, 0.30); got != "" {
		t.Fatalf("other bucket must be excluded, got %q", got)
	}
}

func TestEvidenceRankedNewestFirst(t *testing.T) {
	got := BuildReviewSignals([]RawReview{
		raw("waited an hour on tuesday", 2, 10),
		raw("waited an hour on friday", 2, 1),
		raw("waited an hour on sunday", 4, 1),
	}, reviewNow, 45)
	if got.Evidence[0].AgeDays != 1 || got.Evidence[0].Rating != 2 {
		t.Fatalf("newest, lowest-rated evidence must rank first: %+v", got.Evidence[0])
	}
}
