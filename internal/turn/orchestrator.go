package turn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/lineops/shiftline/config"
	"github.com/lineops/shiftline/internal/recommend"
	"github.com/lineops/shiftline/internal/resolve"
	"github.com/lineops/shiftline/internal/signal"
	"github.com/lineops/shiftline/internal/sources"
	"github.com/lineops/shiftline/internal/telemetry"
)

var turnTracer = otel.Tracer("shiftline/internal/turn")

// Version stamps recorded on new sessions.
const (
	promptVersion = "v3"
	ruleVersion   = "v5"
)

var (
	// ErrSessionEnded is returned when a turn targets a non-active session.
	ErrSessionEnded = errors.New("session is not active")
	// ErrInvalidInput is returned for requests that fail shape validation.
	ErrInvalidInput = errors.New("invalid turn input")
)

// Orchestrator drives the full turn state machine: session lock, location
// resolution, baseline memory, competitor lookup, signal prefetch, the agent
// or deterministic path, response policy, and persistence.
type Orchestrator struct {
	Store       TurnStore
	Resolver    *resolve.Resolver
	Fetcher     *sources.Fetcher
	Agent       *Agent
	Engine      *recommend.Engine
	Locks       *SessionLocks
	Idempotency *IdempotencyCache
	Config      *config.Config
	Telemetry   *telemetry.Telemetry
	Logger      *log.Logger
	Now         func() time.Time

	// Unanswered baseline-scope clarifications, per session.
	scopeMu      sync.Mutex
	scopePending map[string]bool
}

// NewOrchestrator wires the turn pipeline.
func NewOrchestrator(store TurnStore, resolver *resolve.Resolver, fetcher *sources.Fetcher, agent *Agent, cfg *config.Config, tel *telemetry.Telemetry, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Orchestrator{
		Store:    store,
		Resolver: resolver,
		Fetcher:  fetcher,
		Agent:    agent,
		Engine: &recommend.Engine{Thresholds: recommend.Thresholds{
			ThemeMinCount: cfg.Policy.ReviewThemeMinCount,
			ThemeMinShare: cfg.Policy.ReviewThemeMinShare,
		}},
		Locks:        NewSessionLocks(),
		Idempotency:  NewIdempotencyCache(cfg.Policy.IdempotencyTTL),
		Config:       cfg,
		Telemetry:    tel,
		Logger:       logger,
		Now:          time.Now,
		scopePending: make(map[string]bool),
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// RunTurn executes one turn end to end. Duplicate idempotency keys within the
// TTL window share a single execution and result.
func (o *Orchestrator) RunTurn(ctx context.Context, in TurnInput) (TurnResult, error) {
	if err := validateInput(in); err != nil {
		return TurnResult{}, err
	}
	return o.Idempotency.Do(ctx, in.IdempotencyKey, func() (TurnResult, error) {
		return o.runTurn(ctx, in)
	})
}

func validateInput(in TurnInput) error {
	if len(in.Locations) == 0 && in.SessionID == "" {
		return fmt.Errorf("%w: at least one location is required", ErrInvalidInput)
	}
	if in.CardType != "" && !recommend.ValidCardType(in.CardType) {
		return fmt.Errorf("%w: unknown card type %q", ErrInvalidInput, in.CardType)
	}
	return nil
}

func (o *Orchestrator) runTurn(ctx context.Context, in TurnInput) (TurnResult, error) {
	started := o.now()
	deadline := started.Add(o.Config.General.TurnDeadline)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ctx, span := turnTracer.Start(ctx, "turn.run")
	defer span.End()
	span.SetAttributes(attribute.String("card_type", string(in.CardType)))

	session, err := o.loadOrCreateSession(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TurnResult{}, err
	}
	span.SetAttributes(attribute.String("session_id", session.ID))
	if in.CardType == "" {
		in.CardType = session.CardType
	}

	release, waited, err := o.Locks.Acquire(ctx, session.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock wait aborted")
		return TurnResult{}, fmt.Errorf("session lock: %w", err)
	}
	defer release()

	turnIndex, err := o.Store.NextTurnIndex(ctx, session.ID)
	if err != nil {
		o.Logger.Printf("turn index lookup failed, defaulting to 0: %v", err)
		turnIndex = 0
	}

	// Follow-up turns may omit locations; the session's set is immutable, so
	// reuse the raw inputs from the previous turn and re-resolve them.
	if len(in.Locations) == 0 {
		if turns, err := o.Store.ListTurns(ctx, session.ID); err == nil && len(turns) > 0 {
			in.Locations = turns[len(turns)-1].Input.Locations
		}
	}

	var phases []PhaseRecord

	// Resolve locations fresh every turn.
	resolveStart := o.now()
	res := o.Resolver.Resolve(ctx, in.Locations)
	phases = append(phases, PhaseRecord{Phase: PhaseResolve, OK: len(res.Resolved) > 0, Duration: o.now().Sub(resolveStart)})
	if len(res.Resolved) == 0 {
		result := o.validationFallback(session, turnIndex, in, res.Invalid, started, waited, phases)
		o.persist(ctx, session, in, result, nil, nil, nil)
		return result, nil
	}

	// Baseline memory sync.
	prevBaselines, err := o.Store.LatestBaselines(ctx, session.ID)
	if err != nil {
		o.Logger.Printf("baseline load failed: %v", err)
	}
	baseline := SyncBaselines(prevBaselines, o.takeScopePending(session.ID), in, res.Resolved)
	o.setScopePending(session.ID, baseline.ScopePending)
	for _, ev := range baseline.Events {
		ev.SessionID = session.ID
		ev.TurnIndex = turnIndex
		ev.CreatedAt = o.now()
		if err := o.Store.SaveMemoryEvent(ctx, ev); err != nil {
			o.Logger.Printf("memory event save failed: %v", err)
		}
	}

	competitor := ResolveCompetitor(ctx, o.Store, o.Resolver.Places, session.ID, in.CompetitorName, o.Logger)

	// Per-turn breaker, constructed fresh so a new turn gets a clean shot.
	br := sources.NewBreaker(1)
	br.OnOpen(func(s signal.SourceName) {
		o.Logger.Printf("breaker opened for %s (session %s)", s, session.ID)
	})

	// Prefetch always runs, independent of whether the model uses the data.
	prefetchStart := o.now()
	snap := o.Fetcher.FetchAll(ctx, br, started.Format("2006-01-02"), res.Resolved)
	phases = append(phases, PhaseRecord{Phase: PhasePrefetch, OK: true, Duration: o.now().Sub(prefetchStart)})
	span.SetAttributes(attribute.String("snapshot_digest", SnapshotDigest(snap)))

	inputs := buildLocationInputs(snap, res.Resolved)
	deterministic := o.Engine.Build(in.CardType, snap.Day, inputs, snap.SchoolDays)

	message := deterministic.Summary
	draftRecs := deterministic.Recommendations
	draftFollowUp := deterministic.FollowUp

	// Any degraded source means the answer leans on stale data or
	// conservative defaults rather than the full fresh signal set.
	usedFallback := false
	for _, name := range signal.FetchedSources {
		if snap.StatusFor(name).Degraded() {
			usedFallback = true
			break
		}
	}
	var toolCalls []ToolCallRecord

	if o.Config.Agent.Mode == "agent" && o.Agent != nil {
		run := o.Agent.Run(ctx, deadline, in, snap, res.Resolved, br)
		phases = append(phases, run.Phases...)
		toolCalls = run.ToolCalls
		if run.Failed || draftIsDegraded(run.Draft.Recommendations) {
			// Keep the agent attempt's diagnostics, answer deterministically
			// from the same frozen snapshot.
			usedFallback = true
			span.SetAttributes(attribute.Bool("agent_fallback", true))
		} else {
			message = run.Draft.Message
			draftRecs = run.Draft.Recommendations
			draftFollowUp = run.Draft.FollowUp
		}
	}

	policyStart := o.now()
	policyOut := recommend.ApplyPolicy(draftRecs, recommend.PolicyInput{
		CardType:        in.CardType,
		Statuses:        snap.Status,
		BaselineAssumed: baseline.Assumed,
		FirstLocation:   res.Resolved[0].Label,
		DraftFollowUp:   draftFollowUp,
	}, o.Logger)
	phases = append(phases, PhaseRecord{Phase: PhasePolicy, OK: true, Duration: o.now().Sub(policyStart)})

	followUp := policyOut.FollowUp
	if baseline.Clarification != "" {
		followUp = baseline.Clarification
	}

	result := TurnResult{
		SessionID:        session.ID,
		TurnIndex:        turnIndex,
		Message:          message,
		FollowUp:         followUp,
		Recommendations:  policyOut.Recommendations,
		Snapshots:        deterministic.Snapshots,
		Competitor:       competitor,
		SourceStatus:     snap.Status,
		UsedFallback:     usedFallback,
		LatencyMs:        o.now().Sub(started).Milliseconds(),
		InvalidLocations: invalidOrEmpty(res.Invalid),
		Phases:           phases,
	}

	o.persist(ctx, session, in, result, res.Resolved, baseline.Entries, toolCalls)
	o.emitTurnEvent(session, in, result, waited)
	return result, nil
}

func invalidOrEmpty(invalid []string) []string {
	if invalid == nil {
		return []string{}
	}
	return invalid
}

func (o *Orchestrator) loadOrCreateSession(ctx context.Context, in TurnInput) (Session, error) {
	if in.SessionID != "" {
		session, err := o.Store.GetSession(ctx, in.SessionID)
		if err != nil {
			return Session{}, fmt.Errorf("session lookup: %w", err)
		}
		if session.Status != SessionActive {
			return Session{}, ErrSessionEnded
		}
		return session, nil
	}
	cardType := in.CardType
	if cardType == "" {
		cardType = recommend.CardStaffing
	}
	session := Session{
		ID:            uuid.NewString(),
		DistinctID:    in.DistinctID,
		Status:        SessionActive,
		CardType:      cardType,
		LocationCount: len(in.Locations),
		ModelVersion:  o.Config.LLM.Routing.Primary,
		PromptVersion: promptVersion,
		RuleVersion:   ruleVersion,
		CreatedAt:     o.now(),
		UpdatedAt:     o.now(),
	}
	if err := o.Store.CreateSession(ctx, session); err != nil {
		return Session{}, fmt.Errorf("session create: %w", err)
	}
	return session, nil
}

// validationFallback is the terminal no-locations turn: no provider calls, a
// clarification narrative, one conservative system recommendation.
func (o *Orchestrator) validationFallback(session Session, turnIndex int, in TurnInput, invalid []string, started time.Time, waited time.Duration, phases []PhaseRecord) TurnResult {
	phases = append(phases, PhaseRecord{Phase: PhaseValidation, OK: true})
	policyOut := recommend.ApplyPolicy(nil, recommend.PolicyInput{CardType: in.CardType}, o.Logger)

	result := TurnResult{
		SessionID: session.ID,
		TurnIndex: turnIndex,
		Message: fmt.Sprintf("I couldn't match %s to an NYC location. Could you give me a neighborhood, address, or ZIP?",
			quoteList(invalid)),
		FollowUp:         policyOut.FollowUp,
		Recommendations:  policyOut.Recommendations,
		Snapshots:        []recommend.GuestSnapshot{},
		SourceStatus:     map[signal.SourceName]signal.SourceStatus{},
		UsedFallback:     true,
		LatencyMs:        o.now().Sub(started).Milliseconds(),
		InvalidLocations: invalidOrEmpty(invalid),
		Phases:           phases,
	}
	o.emitTurnEvent(session, in, result, waited)
	return result
}

func quoteList(items []string) string {
	if len(items) == 0 {
		return "that input"
	}
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	if len(quoted) == 1 {
		return quoted[0]
	}
	return fmt.Sprintf("%s and %s", quoted[0], quoted[len(quoted)-1])
}

// persist writes the turn. Storage failures are logged and swallowed: a
// computed answer is never lost to a database hiccup.
func (o *Orchestrator) persist(ctx context.Context, session Session, in TurnInput, result TurnResult, locations []signal.ResolvedLocation, baselines []BaselineEntry, toolCalls []ToolCallRecord) {
	err := o.Store.SaveTurn(ctx, PersistedTurn{
		SessionID:   session.ID,
		TurnIndex:   result.TurnIndex,
		Input:       in,
		Result:      result,
		Locations:   locations,
		Baselines:   baselines,
		ToolCalls:   toolCalls,
		UserMessage: in.Message,
		CreatedAt:   o.now(),
	})
	if err != nil {
		o.Logger.Printf("turn persist failed (session %s turn %d): %v", session.ID, result.TurnIndex, err)
	}
	if err := o.Store.UpdateSessionStatus(ctx, session.ID, SessionActive, result.UsedFallback); err != nil {
		o.Logger.Printf("session update failed: %v", err)
	}
}

// emitTurnEvent is the single canonical turn-completed event.
func (o *Orchestrator) emitTurnEvent(session Session, in TurnInput, result TurnResult, lockWait time.Duration) {
	o.Logger.Printf("turn completed session=%s turn=%d latency=%dms fallback=%v lock_wait=%s",
		session.ID, result.TurnIndex, result.LatencyMs, result.UsedFallback, lockWait.Round(time.Millisecond))
	if o.Telemetry != nil {
		o.Telemetry.RecordTurn(telemetry.TurnEvent{
			SessionID:    session.ID,
			TurnIndex:    result.TurnIndex,
			CardType:     string(in.CardType),
			Latency:      time.Duration(result.LatencyMs) * time.Millisecond,
			UsedFallback: result.UsedFallback,
			LockWait:     lockWait,
			SourceStatus: result.SourceStatus,
		})
	}
}

// EndSession marks a session ended; later turns against it fail.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) error {
	session, err := o.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	return o.Store.UpdateSessionStatus(ctx, sessionID, SessionEnded, session.FallbackEverUsed)
}

func (o *Orchestrator) takeScopePending(sessionID string) bool {
	o.scopeMu.Lock()
	defer o.scopeMu.Unlock()
	pending := o.scopePending[sessionID]
	delete(o.scopePending, sessionID)
	return pending
}

func (o *Orchestrator) setScopePending(sessionID string, pending bool) {
	o.scopeMu.Lock()
	defer o.scopeMu.Unlock()
	if pending {
		o.scopePending[sessionID] = true
	}
}

// buildLocationInputs projects the frozen snapshot into per-location engine
// inputs. Missing payloads stay nil so the engine skips those rules.
func buildLocationInputs(snap *signal.Snapshot, locations []signal.ResolvedLocation) []recommend.LocationInput {
	inputs := make([]recommend.LocationInput, 0, len(locations))
	for _, loc := range locations {
		in := recommend.LocationInput{Location: loc}
		if w, ok := snap.Weather[loc.Label]; ok {
			weather := w
			in.Weather = &weather
		}
		in.Events = snap.Events[loc.Label]
		in.Closures = snap.Closures[loc.Label]
		if r, ok := snap.Reviews[loc.Label]; ok {
			reviews := r
			in.Reviews = &reviews
		}
		inputs = append(inputs, in)
	}
	return inputs
}
