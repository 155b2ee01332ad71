package turn

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/lineops/shiftline/internal/signal"
)

// assumedDefaultFOH is used when no staffing number was ever provided for the
// first location. The assumption caps that location's confidence at medium
// until the user confirms a real number.
const assumedDefaultFOH = 4

var fohRe = regexp.MustCompile(`(?i)(\d+)\s*FOH`)

// Memory event kinds.
const (
	EventAssumptionSet       = "assumption_set"
	EventFactSet             = "fact_set"
	EventAssumptionCorrected = "assumption_corrected"
	EventFactCorrected       = "fact_corrected"
)

// BaselineOutcome is the result of syncing staffing memory for one turn.
type BaselineOutcome struct {
	Entries       []BaselineEntry
	Assumed       bool   // first location's number was never explicitly confirmed
	Clarification string // non-empty: ask which location the number applies to
	ScopePending  bool   // carry the unanswered clarification into the next turn
	Events        []MemoryEvent
}

// parseBaselineMessage extracts a stated FOH count and, when present, the
// location label the message scoped it to.
func parseBaselineMessage(message string, locations []signal.ResolvedLocation) (foh int, scope string, found bool) {
	m := fohRe.FindStringSubmatch(message)
	if m == nil {
		return 0, "", false
	}
	foh, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	lower := strings.ToLower(message)
	for _, loc := range locations {
		if strings.Contains(lower, strings.ToLower(loc.Label)) {
			return foh, loc.Label, true
		}
	}
	return foh, "", true
}

// SyncBaselines reconciles staffing memory with this turn's input. Explicit
// numbers (from baseline context or a scoped message) overwrite assumptions;
// every transition is captured as an audit event. An unscoped number across
// multiple locations asks for clarification exactly once, then defaults to
// the first-mentioned location.
func SyncBaselines(prev []BaselineEntry, scopePending bool, in TurnInput, locations []signal.ResolvedLocation) BaselineOutcome {
	byLabel := make(map[string]BaselineEntry, len(prev))
	order := make([]string, 0, len(prev))
	for _, e := range prev {
		byLabel[e.LocationLabel] = e
		order = append(order, e.LocationLabel)
	}
	var out BaselineOutcome

	set := func(label string, foh int, explicit bool, detail string) {
		old, existed := byLabel[label]
		kind := EventAssumptionSet
		if explicit {
			kind = EventFactSet
		}
		if existed {
			switch {
			case !explicit:
				// An assumption never overwrites anything already remembered.
				return
			case !old.Explicit:
				kind = EventAssumptionCorrected
			case old.FOH != foh:
				kind = EventFactCorrected
			default:
				return
			}
		}
		if !existed {
			order = append(order, label)
		}
		byLabel[label] = BaselineEntry{LocationLabel: label, FOH: foh, Explicit: explicit}
		if detail == "" {
			detail = fmt.Sprintf("FOH=%d", foh)
		}
		out.Events = append(out.Events, MemoryEvent{Kind: kind, LocationLabel: label, Detail: detail})
	}

	for _, bc := range in.BaselineContext {
		if bc.BaselineFOH != nil {
			set(bc.LocationLabel, *bc.BaselineFOH, true, "")
		}
	}

	if foh, scope, found := parseBaselineMessage(in.Message, locations); found {
		switch {
		case scope != "":
			set(scope, foh, true, "")
		case len(locations) <= 1:
			if len(locations) == 1 {
				set(locations[0].Label, foh, true, "")
			}
		case scopePending:
			// The clarification went unanswered; default to the first location.
			set(locations[0].Label, foh, true, fmt.Sprintf("FOH=%d (scope defaulted to first location)", foh))
		default:
			out.Clarification = fmt.Sprintf("Which location runs %d FOH — %s?", foh, labelList(locations))
			out.ScopePending = true
		}
	}

	if len(locations) > 0 {
		first := locations[0].Label
		if _, ok := byLabel[first]; !ok {
			set(first, assumedDefaultFOH, false, fmt.Sprintf("assumed FOH=%d", assumedDefaultFOH))
		}
		out.Assumed = !byLabel[first].Explicit
	}

	for _, label := range order {
		out.Entries = append(out.Entries, byLabel[label])
	}
	return out
}

func labelList(locations []signal.ResolvedLocation) string {
	labels := make([]string, len(locations))
	for i, l := range locations {
		labels[i] = l.Label
	}
	return strings.Join(labels, " or ")
}
