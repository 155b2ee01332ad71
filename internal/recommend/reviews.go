package recommend

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lineops/shiftline/internal/signal"
)

// RawReview is a provider-neutral guest review before classification.
type RawReview struct {
	Text   string
	Rating int
	Time   time.Time
}

// maxEvidence caps how many ranked evidence entries a review aggregate keeps.
const maxEvidence = 8

// themeKeywords maps operational themes to the phrases that mark them.
// Classification is first-match over this fixed order, so the same review
// always lands in the same bucket.
var themeOrder = []string{"wait_times", "service_speed", "noise", "food_quality", "cleanliness"}

var themeKeywords = map[string][]string{
	"wait_times":    {"wait", "waited", "waiting", "line", "queue", "forever to get a table"},
	"service_speed": {"slow service", "slow", "took forever", "understaffed", "service was", "server"},
	"noise":         {"loud", "noise", "noisy", "couldn't hear", "music was"},
	"food_quality":  {"cold food", "undercooked", "overcooked", "bland", "stale", "food was"},
	"cleanliness":   {"dirty", "sticky", "bathroom", "clean", "mess"},
}

func classifyTheme(text string) string {
	lower := strings.ToLower(text)
	for _, theme := range themeOrder {
		for _, kw := range themeKeywords[theme] {
			if strings.Contains(lower, kw) {
				return theme
			}
		}
	}
	return "other"
}

func reviewHash(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:8])
}

func excerpt(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= n {
		return text
	}
	cut := text[:n]
	if idx := strings.LastIndex(cut, " "); idx > n/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}

// BuildReviewSignals folds raw reviews into the per-place aggregate: a theme
// histogram, ranked deduplicated evidence, and a confidence grade. Reviews
// older than staleDays drag confidence to low no matter how many there are.
func BuildReviewSignals(reviews []RawReview, now time.Time, staleDays int) signal.ReviewSignals {
	out := signal.ReviewSignals{
		Themes:     map[string]int{},
		Confidence: signal.ConfidenceLow,
	}
	seen := map[string]bool{}
	for _, r := range reviews {
		text := strings.TrimSpace(r.Text)
		if text == "" {
			continue
		}
		h := reviewHash(text)
		if seen[h] {
			continue
		}
		seen[h] = true
		out.SampleCount++

		age := int(now.Sub(r.Time).Hours() / 24)
		if age < 0 {
			age = 0
		}
		theme := classifyTheme(text)
		out.Themes[theme]++
		out.Evidence = append(out.Evidence, signal.ReviewEvidence{
			Theme:   theme,
			Excerpt: excerpt(text, 140),
			Rating:  r.Rating,
			AgeDays: age,
			Hash:    h,
		})
	}
	out.EvidenceCount = len(out.Evidence)
	if out.EvidenceCount == 0 {
		return out
	}

	// Rank: newest first, low ratings first within the same day (complaints
	// carry the operational signal), hash as the deterministic tiebreak.
	sort.Slice(out.Evidence, func(i, j int) bool {
		a, b := out.Evidence[i], out.Evidence[j]
		if a.AgeDays != b.AgeDays {
			return a.AgeDays < b.AgeDays
		}
		if a.Rating != b.Rating {
			return a.Rating < b.Rating
		}
		return a.Hash < b.Hash
	})
	out.RecencyDays = out.Evidence[0].AgeDays
	if len(out.Evidence) > maxEvidence {
		out.Evidence = out.Evidence[:maxEvidence]
	}

	top, topN := "", 0
	for theme, n := range out.Themes {
		if theme == "other" {
			continue
		}
		if n > topN || (n == topN && theme < top) {
			top, topN = theme, n
		}
	}
	if top != "" {
		out.Snapshot = fmt.Sprintf("%d recent reviews; most mentioned: %s (%d)", out.SampleCount, strings.ReplaceAll(top, "_", " "), topN)
	} else {
		out.Snapshot = fmt.Sprintf("%d recent reviews; no dominant operational theme", out.SampleCount)
	}

	switch {
	case out.RecencyDays > staleDays:
		out.Confidence = signal.ConfidenceLow
	case out.SampleCount >= 5:
		out.Confidence = signal.ConfidenceHigh
	default:
		out.Confidence = signal.ConfidenceMedium
	}
	return out
}
