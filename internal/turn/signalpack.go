package turn

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/lineops/shiftline/internal/signal"
)

// BuildSignalPack renders the frozen snapshot as the deterministic textual
// digest handed to the model (and used verbatim when the summary phase is
// skipped or times out). Iteration order is fixed so identical snapshots
// always produce identical text.
func BuildSignalPack(snap *signal.Snapshot, locations []signal.ResolvedLocation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Signals for %s.\n", snap.Day)

	for _, loc := range locations {
		fmt.Fprintf(&b, "\n%s:\n", loc.Label)
		if w, ok := snap.Weather[loc.Label]; ok {
			fmt.Fprintf(&b, "- weather: precip %.0f%%, feels like %.0f°C, gusts %.0f km/h\n",
				w.PrecipProbability*100, w.FeelsLikeC, w.WindGustKPH)
		}
		if events := snap.Events[loc.Label]; len(events) > 0 {
			for _, ev := range events {
				fmt.Fprintf(&b, "- event: %q at %s, starts %s\n", ev.Title, ev.Venue, ev.Start.Format("15:04"))
			}
		} else {
			b.WriteString("- events: none nearby\n")
		}
		if closures := snap.Closures[loc.Label]; len(closures) > 0 {
			for _, cl := range closures {
				fmt.Fprintf(&b, "- closure: %s (%.1fkm)\n", cl.Street, cl.DistanceKM)
			}
		}
		if r, ok := snap.Reviews[loc.Label]; ok && r.EvidenceCount > 0 {
			fmt.Fprintf(&b, "- reviews: %s\n", r.Snapshot)
		}
	}

	if len(snap.SchoolDays) > 0 {
		b.WriteString("\nSchool calendar:\n")
		for _, d := range snap.SchoolDays {
			if !d.IsSchoolDay || d.EventType != "" {
				fmt.Fprintf(&b, "- %s: %s\n", d.Date, schoolDayLabel(d))
			}
		}
	}

	b.WriteString("\nSource status: ")
	names := make([]string, 0, len(snap.Status))
	for name := range snap.Status {
		names = append(names, string(name))
	}
	sort.Strings(names)
	var parts []string
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%s", name, snap.Status[signal.SourceName(name)].Code))
	}
	b.WriteString(strings.Join(parts, ", "))
	b.WriteString("\n")
	return b.String()
}

func schoolDayLabel(d signal.SchoolCalendarDay) string {
	if d.EventType != "" {
		return d.EventType
	}
	return "no school"
}

// SnapshotDigest is a stable hash of the frozen snapshot, recorded with the
// turn so replays can verify both paths saw the same data.
func SnapshotDigest(snap *signal.Snapshot) string {
	raw, err := json.Marshal(snap)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:12])
}
