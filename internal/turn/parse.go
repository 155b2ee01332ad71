package turn

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/lineops/shiftline/internal/recommend"
	"github.com/lineops/shiftline/internal/signal"
)

// AgentDraft is the model's structured answer after validation.
type AgentDraft struct {
	Message         string                     `json:"message"`
	Recommendations []recommend.Recommendation `json:"recommendations"`
	FollowUp        string                     `json:"follow_up"`
	Salvaged        bool                       `json:"-"`
}

type draftWire struct {
	Message         string `json:"message"`
	Recommendations []struct {
		LocationLabel     string   `json:"location_label"`
		Action            string   `json:"action"`
		Window            string   `json:"window"`
		Confidence        string   `json:"confidence"`
		Source            string   `json:"source"`
		Why               []string `json:"why"`
		Reasoning         string   `json:"reasoning"`
		EscalationTrigger string   `json:"escalation_trigger"`
	} `json:"recommendations"`
	FollowUp string `json:"follow_up"`
}

var validConfidence = map[string]signal.Confidence{
	"low": signal.ConfidenceLow, "medium": signal.ConfidenceMedium, "high": signal.ConfidenceHigh,
}

var validSource = map[string]signal.SourceName{
	"weather":         signal.SourceWeather,
	"events":          signal.SourceEvents,
	"closures":        signal.SourceClosures,
	"school_calendar": signal.SourceSchoolCalendar,
	"reviews":         signal.SourceReviews,
	"system":          signal.SourceSystem,
}

// jsonBlockRe pulls the outermost JSON object out of a response that wrapped
// it in prose or a code fence.
var jsonBlockRe = regexp.MustCompile(`(?s)\{.*\}`)

var (
	salvageMessageRe  = regexp.MustCompile(`"(?:message|narrative)"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	salvageFollowUpRe = regexp.MustCompile(`"follow_up"\s*:\s*"((?:[^"\\]|\\.)*)"`)
)

// ParseAgentOutput validates the model's JSON answer strictly, then falls
// back to pattern-salvage of the narrative and follow-up fields. Only when
// both fail does the turn count as a parse failure.
func ParseAgentOutput(raw string, knownLabels []string) (AgentDraft, error) {
	candidate := raw
	if m := jsonBlockRe.FindString(raw); m != "" {
		candidate = m
	}

	var wire draftWire
	if err := json.Unmarshal([]byte(candidate), &wire); err == nil {
		draft, verr := validateDraft(wire, knownLabels)
		if verr == nil {
			return draft, nil
		}
	}

	if draft, ok := salvage(raw); ok {
		return draft, nil
	}
	return AgentDraft{}, fmt.Errorf("model output failed schema validation and salvage")
}

func validateDraft(wire draftWire, knownLabels []string) (AgentDraft, error) {
	if strings.TrimSpace(wire.Message) == "" {
		return AgentDraft{}, fmt.Errorf("message missing")
	}
	labels := make(map[string]bool, len(knownLabels))
	for _, l := range knownLabels {
		labels[strings.ToLower(l)] = true
	}

	draft := AgentDraft{Message: wire.Message, FollowUp: wire.FollowUp}
	for i, r := range wire.Recommendations {
		conf, ok := validConfidence[strings.ToLower(r.Confidence)]
		if !ok {
			return AgentDraft{}, fmt.Errorf("recommendation %d: unknown confidence %q", i, r.Confidence)
		}
		source, ok := validSource[strings.ToLower(r.Source)]
		if !ok {
			return AgentDraft{}, fmt.Errorf("recommendation %d: unknown source %q", i, r.Source)
		}
		if strings.TrimSpace(r.Action) == "" {
			return AgentDraft{}, fmt.Errorf("recommendation %d: action missing", i)
		}
		if len(labels) > 0 && !labels[strings.ToLower(r.LocationLabel)] {
			return AgentDraft{}, fmt.Errorf("recommendation %d: unknown location %q", i, r.LocationLabel)
		}
		draft.Recommendations = append(draft.Recommendations, recommend.Recommendation{
			LocationLabel: r.LocationLabel,
			Action:        r.Action,
			Window:        r.Window,
			Confidence:    conf,
			Source:        source,
			Explanation: recommend.Explanation{
				Why:               r.Why,
				Reasoning:         r.Reasoning,
				EscalationTrigger: r.EscalationTrigger,
			},
		})
	}
	return draft, nil
}

func salvage(raw string) (AgentDraft, bool) {
	m := salvageMessageRe.FindStringSubmatch(raw)
	if m == nil {
		return AgentDraft{}, false
	}
	draft := AgentDraft{Message: unescape(m[1]), Salvaged: true}
	if f := salvageFollowUpRe.FindStringSubmatch(raw); f != nil {
		draft.FollowUp = unescape(f[1])
	}
	return draft, true
}

func unescape(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s
	}
	return out
}
