package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lineops/shiftline/config"
	"github.com/lineops/shiftline/internal/llm"
	"github.com/lineops/shiftline/internal/recommend"
	"github.com/lineops/shiftline/internal/signal"
	"github.com/lineops/shiftline/internal/sources"
	"github.com/lineops/shiftline/internal/telemetry"
)

// Phase names recorded in turn diagnostics.
const (
	PhasePrefetch   = "prefetch_core"
	PhaseSummary    = "signal_pack_summary"
	PhaseToolLoop   = "llm_tool_loop"
	PhaseParse      = "schema_parse"
	PhaseRepair     = "repair"
	PhasePolicy     = "policy"
	PhaseResolve    = "resolve_locations"
	PhaseValidation = "validation_fallback"
)

const agentSystemPrompt = `You are a restaurant-operations assistant for NYC locations.
You receive a signal digest (weather, venue events, street closures, school calendar, guest reviews) and may call tools to inspect any source again.

Respond ONLY with valid JSON:
{
  "message": "narrative for the operator",
  "recommendations": [
    {
      "location_label": "...",
      "action": "...",
      "window": "e.g. 16:00-19:00",
      "confidence": "low|medium|high",
      "source": "weather|events|closures|school_calendar|reviews|system",
      "why": ["..."],
      "reasoning": "...",
      "escalation_trigger": "..."
    }
  ],
  "follow_up": "one actionable question"
}
Do not include any other text.`

var locationToolParams = json.RawMessage(`{"type":"object","properties":{"location":{"type":"string","description":"location label"}},"required":["location"]}`)
var emptyToolParams = json.RawMessage(`{"type":"object","properties":{}}`)

// Agent runs the model-driven turn path: summary, bounded tool loop, strict
// parse, and a single repair attempt when budget remains.
type Agent struct {
	Provider  llm.Provider
	Fetcher   *sources.Fetcher
	Config    config.AgentConfig
	Telemetry *telemetry.Telemetry
	Logger    *log.Logger
}

// AgentRun is the agent path's complete outcome, including diagnostics that
// are preserved even when the orchestrator discards the draft.
type AgentRun struct {
	Draft     AgentDraft
	Phases    []PhaseRecord
	ToolCalls []ToolCallRecord
	Failed    bool
}

func (a *Agent) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Printf("[AGENT] "+format, args...)
	}
}

func (a *Agent) recordModel(model, phase string, d time.Duration, tokens int, ok bool) {
	if a.Telemetry != nil {
		a.Telemetry.RecordModel(telemetry.ModelEvent{Model: model, Phase: phase, Duration: d, TokensUsed: tokens, Success: ok})
	}
}

// Run executes the agent phases against the frozen snapshot. It never
// returns an error: a failed run is reported through AgentRun.Failed and the
// phase records, and the orchestrator falls back deterministically.
func (a *Agent) Run(ctx context.Context, deadline time.Time, in TurnInput, snap *signal.Snapshot, locations []signal.ResolvedLocation, br *sources.Breaker) AgentRun {
	var run AgentRun
	pack := BuildSignalPack(snap, locations)

	summary, rec := a.summarize(ctx, deadline, pack)
	run.Phases = append(run.Phases, rec)

	raw, loopRec, toolCalls := a.toolLoop(ctx, deadline, in, summary, snap, locations, br)
	run.Phases = append(run.Phases, loopRec)
	run.ToolCalls = toolCalls

	labels := make([]string, len(locations))
	for i, l := range locations {
		labels[i] = l.Label
	}

	var draft AgentDraft
	var parseErr error
	parseStart := time.Now()
	if loopRec.OK {
		draft, parseErr = ParseAgentOutput(raw, labels)
		parseRec := PhaseRecord{Phase: PhaseParse, OK: parseErr == nil, Duration: time.Since(parseStart)}
		if parseErr != nil {
			parseRec.FailureStage = PhaseParse
			parseRec.FailureCode = "schema_invalid"
		} else if draft.Salvaged {
			parseRec.FailureCode = "salvaged"
		}
		run.Phases = append(run.Phases, parseRec)
	}

	needRepair := !loopRec.OK || parseErr != nil
	if needRepair {
		repaired, repairRec, ok := a.repair(ctx, deadline, in, summary, labels)
		run.Phases = append(run.Phases, repairRec)
		if !ok {
			run.Failed = true
			return run
		}
		draft = repaired
	}

	run.Draft = draft
	return run
}

// summarize is the best-effort signal-pack summary. On timeout or failure it
// silently falls back to the deterministic digest.
func (a *Agent) summarize(ctx context.Context, deadline time.Time, pack string) (string, PhaseRecord) {
	started := time.Now()
	budget := minDuration(a.Config.SummaryTimeout, time.Until(deadline))
	if budget <= 0 {
		return pack, PhaseRecord{Phase: PhaseSummary, OK: false, FailureStage: PhaseSummary, FailureCode: "budget_exhausted"}
	}
	sctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	completion, err := a.Provider.Complete(sctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: "Summarize the following operational signal digest in under 120 words. Keep every concrete number and time."},
			{Role: "user", Content: pack},
		},
		MaxTokens: 256,
	})
	elapsed := time.Since(started)
	a.recordModel(completion.Model, PhaseSummary, elapsed, completion.TokensUsed, err == nil)
	if err != nil || strings.TrimSpace(completion.Content) == "" {
		a.logf("summary fell back to deterministic digest: %v", err)
		return pack, PhaseRecord{Phase: PhaseSummary, OK: false, Duration: elapsed, FailureStage: PhaseSummary, FailureCode: "summary_failed"}
	}
	return completion.Content, PhaseRecord{Phase: PhaseSummary, OK: true, Duration: elapsed}
}

func agentTools() []llm.Tool {
	return []llm.Tool{
		llm.NewTool("get_weather", "Fetch the day's forecast for a location", locationToolParams),
		llm.NewTool("get_events", "Fetch nearby venue events for a location", locationToolParams),
		llm.NewTool("get_closures", "Fetch street closures near a location", locationToolParams),
		llm.NewTool("get_reviews", "Fetch the guest-review aggregate for a location", locationToolParams),
		llm.NewTool("get_school_calendar", "Fetch the city school calendar for the week", emptyToolParams),
	}
}

// toolLoop runs the bounded tool-calling conversation: at most MaxToolRounds
// rounds and MaxToolCalls dispatches. Tool executions hit the same per-turn
// cache as the prefetch, so redundant calls are cheap.
func (a *Agent) toolLoop(ctx context.Context, deadline time.Time, in TurnInput, summary string, snap *signal.Snapshot, locations []signal.ResolvedLocation, br *sources.Breaker) (string, PhaseRecord, []ToolCallRecord) {
	started := time.Now()
	fail := func(code string) (string, PhaseRecord, []ToolCallRecord) {
		return "", PhaseRecord{Phase: PhaseToolLoop, OK: false, Duration: time.Since(started), FailureStage: PhaseToolLoop, FailureCode: code}, nil
	}
	budget := time.Until(deadline)
	if budget <= 0 {
		return fail("budget_exhausted")
	}
	lctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	userMsg := fmt.Sprintf("Card type: %s.\n\n%s", in.CardType, summary)
	if in.Message != "" {
		userMsg += "\n\nOperator message: " + in.Message
	}
	messages := []llm.Message{
		{Role: "system", Content: agentSystemPrompt},
		{Role: "user", Content: userMsg},
	}

	byLabel := make(map[string]signal.ResolvedLocation, len(locations))
	for _, l := range locations {
		byLabel[strings.ToLower(l.Label)] = l
	}

	var toolRecords []ToolCallRecord
	totalCalls := 0
	// Rounds beyond the limit get one final chance to answer without tools.
	for round := 0; round <= a.Config.MaxToolRounds; round++ {
		req := llm.Request{
			Messages:  messages,
			MaxTokens: a.Config.MaxTokens,
		}
		if round < a.Config.MaxToolRounds && totalCalls < a.Config.MaxToolCalls {
			req.Tools = agentTools()
		}
		completion, err := a.Provider.Complete(lctx, req)
		a.recordModel(completion.Model, PhaseToolLoop, time.Since(started), completion.TokensUsed, err == nil)
		if err != nil {
			a.logf("tool loop round %d failed: %v", round, err)
			return fail("model_error")
		}
		if len(completion.ToolCalls) == 0 {
			return completion.Content, PhaseRecord{Phase: PhaseToolLoop, OK: true, Duration: time.Since(started)}, toolRecords
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: completion.Content, ToolCalls: completion.ToolCalls})
		for _, tc := range completion.ToolCalls {
			if totalCalls >= a.Config.MaxToolCalls {
				messages = append(messages, llm.Message{Role: "tool", ToolCallID: tc.ID, Content: `{"error":"tool budget exhausted"}`})
				continue
			}
			totalCalls++
			tcStart := time.Now()
			result := a.dispatchTool(lctx, br, snap.Day, tc, byLabel)
			messages = append(messages, llm.Message{Role: "tool", ToolCallID: tc.ID, Content: result})
			toolRecords = append(toolRecords, ToolCallRecord{
				Round:    round,
				Name:     tc.Function.Name,
				Args:     tc.Function.Arguments,
				Result:   result,
				Duration: time.Since(tcStart),
			})
		}
	}
	return fail("rounds_exhausted")
}

// dispatchTool executes one model-requested tool against the closed dispatch
// table. Unknown names and unknown locations return structured errors to the
// model instead of failing the loop.
func (a *Agent) dispatchTool(ctx context.Context, br *sources.Breaker, day string, tc llm.ToolCall, byLabel map[string]signal.ResolvedLocation) string {
	var args struct {
		Location string `json:"location"`
	}
	_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)

	needLocation := tc.Function.Name != "get_school_calendar"
	var loc signal.ResolvedLocation
	if needLocation {
		var ok bool
		loc, ok = byLabel[strings.ToLower(args.Location)]
		if !ok {
			return fmt.Sprintf(`{"error":"unknown location %q"}`, args.Location)
		}
	}

	var payload any
	var status signal.SourceStatus
	switch tc.Function.Name {
	case "get_weather":
		payload, status = a.Fetcher.FetchWeather(ctx, br, day, loc)
	case "get_events":
		payload, status = a.Fetcher.FetchEvents(ctx, br, day, loc)
	case "get_closures":
		payload, status = a.Fetcher.FetchClosures(ctx, br, day, loc)
	case "get_reviews":
		payload, status = a.Fetcher.FetchReviews(ctx, br, day, loc)
	case "get_school_calendar":
		payload, status = a.Fetcher.FetchSchoolDays(ctx, br, day)
	default:
		return fmt.Sprintf(`{"error":"unknown tool %q"}`, tc.Function.Name)
	}

	out, err := json.Marshal(map[string]any{"status": status, "data": payload})
	if err != nil {
		return `{"error":"encode failed"}`
	}
	return string(out)
}

// repair is the last-chance non-tool composition call, entered only when the
// loop or parse failed and at least the minimum budget remains.
func (a *Agent) repair(ctx context.Context, deadline time.Time, in TurnInput, summary string, labels []string) (AgentDraft, PhaseRecord, bool) {
	started := time.Now()
	remaining := time.Until(deadline)
	if remaining < a.Config.MinRepairBudget {
		return AgentDraft{}, PhaseRecord{Phase: PhaseRepair, OK: false, FailureStage: PhaseRepair, FailureCode: "budget_exhausted"}, false
	}
	rctx, cancel := context.WithTimeout(ctx, minDuration(a.Config.RepairTimeout, remaining))
	defer cancel()

	completion, err := a.Provider.Complete(rctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: agentSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Card type: %s.\n\nCompose the JSON answer directly from this signal digest, without tools:\n\n%s", in.CardType, summary)},
		},
		MaxTokens: a.Config.MaxTokens,
	})
	elapsed := time.Since(started)
	a.recordModel(completion.Model, PhaseRepair, elapsed, completion.TokensUsed, err == nil)
	if err != nil {
		return AgentDraft{}, PhaseRecord{Phase: PhaseRepair, OK: false, Duration: elapsed, FailureStage: PhaseRepair, FailureCode: "model_error"}, false
	}
	draft, perr := ParseAgentOutput(completion.Content, labels)
	if perr != nil {
		return AgentDraft{}, PhaseRecord{Phase: PhaseRepair, OK: false, Duration: elapsed, FailureStage: PhaseRepair, FailureCode: "schema_invalid"}, false
	}
	return draft, PhaseRecord{Phase: PhaseRepair, OK: true, Duration: elapsed}, true
}

func minDuration(a, b time.Duration) time.Duration {
	if a <= b {
		return a
	}
	return b
}

// draftIsDegraded reports whether an agent draft should be replaced by the
// deterministic engine: no recommendations at all, or every one of them fell
// back to the system source.
func draftIsDegraded(recs []recommend.Recommendation) bool {
	if len(recs) == 0 {
		return true
	}
	for _, r := range recs {
		if r.Source != signal.SourceSystem {
			return false
		}
	}
	return true
}
