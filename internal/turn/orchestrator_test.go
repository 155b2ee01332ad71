package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lineops/shiftline/config"
	"github.com/lineops/shiftline/internal/llm"
	"github.com/lineops/shiftline/internal/recommend"
	"github.com/lineops/shiftline/internal/resolve"
	"github.com/lineops/shiftline/internal/signal"
	"github.com/lineops/shiftline/internal/sources"
)

// memStore is the in-memory TurnStore used across orchestrator tests.
type memStore struct {
	mu          sync.Mutex
	sessions    map[string]Session
	turns       map[string][]PersistedTurn
	baselines   map[string][]BaselineEntry
	events      []MemoryEvent
	competitors map[string]CompetitorSnapshot
}

func newMemStore() *memStore {
	return &memStore{
		sessions:    make(map[string]Session),
		turns:       make(map[string][]PersistedTurn),
		baselines:   make(map[string][]BaselineEntry),
		competitors: make(map[string]CompetitorSnapshot),
	}
}

func (s *memStore) CreateSession(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *memStore) GetSession(_ context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, errors.New("session not found")
	}
	return sess, nil
}

func (s *memStore) UpdateSessionStatus(_ context.Context, id string, status SessionStatus, fallback bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[id]
	sess.Status = status
	sess.FallbackEverUsed = sess.FallbackEverUsed || fallback
	s.sessions[id] = sess
	return nil
}

func (s *memStore) NextTurnIndex(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns[sessionID]), nil
}

func (s *memStore) SaveTurn(_ context.Context, t PersistedTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[t.SessionID] = append(s.turns[t.SessionID], t)
	if len(t.Baselines) > 0 {
		s.baselines[t.SessionID] = t.Baselines
	}
	return nil
}

func (s *memStore) ListTurns(_ context.Context, sessionID string) ([]PersistedTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PersistedTurn(nil), s.turns[sessionID]...), nil
}

func (s *memStore) LatestBaselines(_ context.Context, sessionID string) ([]BaselineEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]BaselineEntry(nil), s.baselines[sessionID]...), nil
}

func (s *memStore) SaveMemoryEvent(_ context.Context, ev MemoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memStore) CompetitorChecked(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.competitors[sessionID]
	return ok, nil
}

func (s *memStore) SaveCompetitor(_ context.Context, sessionID string, snap CompetitorSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.competitors[sessionID] = snap
	return nil
}

// Provider stubs.

type stubPlaces struct {
	mu         sync.Mutex
	calls      int
	reviews    []sources.PlaceReview
	detailsErr error
}

func (p *stubPlaces) Search(_ context.Context, text string) ([]sources.Place, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return []sources.Place{{
		PlaceID: "place-1",
		Name:    text,
		Address: "600 W 46th St, New York, NY 10036",
		Lat:     40.763, Lng: -73.996,
		Rating: 4.2, RatingCount: 210,
	}}, nil
}

func (p *stubPlaces) Details(context.Context, string) (sources.PlaceDetails, error) {
	if p.detailsErr != nil {
		return sources.PlaceDetails{}, p.detailsErr
	}
	return sources.PlaceDetails{Reviews: p.reviews}, nil
}

func (p *stubPlaces) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type stubWeather struct {
	forecast signal.Weather
	err      error
}

func (w *stubWeather) Forecast(context.Context, float64, float64) (signal.Weather, error) {
	return w.forecast, w.err
}

type stubEvents struct {
	events []signal.VenueEvent
	err    error
}

func (e *stubEvents) Search(context.Context, string, time.Time, time.Time) ([]signal.VenueEvent, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.events, nil
}

type stubClosures struct {
	closures []signal.Closure
	err      error
}

func (c *stubClosures) Nearby(context.Context, float64, float64, float64) ([]signal.Closure, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.closures, nil
}

type stubSchool struct {
	days []signal.SchoolCalendarDay
	err  error
}

func (s *stubSchool) DaysInRange(context.Context, string, string) ([]signal.SchoolCalendarDay, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.days, nil
}

type scriptedModel struct {
	responses []llm.Completion
	err       error
	calls     int
}

func (m *scriptedModel) Complete(context.Context, llm.Request) (llm.Completion, error) {
	m.calls++
	if m.err != nil {
		return llm.Completion{}, m.err
	}
	idx := m.calls - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	return m.responses[idx], nil
}

type testEnv struct {
	orch     *Orchestrator
	store    *memStore
	places   *stubPlaces
	weather  *stubWeather
	events   *stubEvents
	closures *stubClosures
	school   *stubSchool
}

func testConfig(mode string) *config.Config {
	cfg := &config.Config{}
	cfg.General.TurnDeadline = 12 * time.Second
	cfg.Agent = config.AgentConfig{Mode: mode}.Normalize()
	cfg.Agent.Mode = mode
	cfg.Sources = config.SourcesConfig{}.Normalize()
	cfg.Cache = config.CacheConfig{}.Normalize()
	cfg.Policy = config.PolicyConfig{}.Normalize()
	return cfg
}

func newTestEnv(t *testing.T, mode string, model llm.Provider) *testEnv {
	t.Helper()
	cfg := testConfig(mode)
	store := newMemStore()
	places := &stubPlaces{}
	weather := &stubWeather{}
	events := &stubEvents{}
	closures := &stubClosures{}
	school := &stubSchool{}

	fetcher := &sources.Fetcher{
		Places:   places,
		Weather:  weather,
		Events:   events,
		Closures: closures,
		School:   school,
		Cache:    sources.NewMemoryCache(),
		Sources:  cfg.Sources,
		CacheCfg: cfg.Cache,
		Policy:   cfg.Policy,
	}
	resolver := &resolve.Resolver{Places: places}

	var agent *Agent
	if model != nil {
		agent = &Agent{Provider: model, Fetcher: fetcher, Config: cfg.Agent}
	}
	orch := NewOrchestrator(store, resolver, fetcher, agent, cfg, nil, nil)
	return &testEnv{orch: orch, store: store, places: places, weather: weather, events: events, closures: closures, school: school}
}

func eventToday(hour int) signal.VenueEvent {
	now := time.Now()
	return signal.VenueEvent{
		Venue: "Madison Square Garden",
		Title: "Playoff Game",
		Start: time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC),
	}
}

func TestTurnEventRecommendationDeterministic(t *testing.T) {
	env := newTestEnv(t, "deterministic", nil)
	env.events.events = []signal.VenueEvent{eventToday(19)}

	result, err := env.orch.RunTurn(context.Background(), TurnInput{
		CardType:  recommend.CardStaffing,
		Locations: []string{"Hell's Kitchen"},
	})
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if result.TurnIndex != 0 || result.SessionID == "" {
		t.Fatalf("unexpected identity: %+v", result)
	}
	top := result.Recommendations[0]
	if top.Source != signal.SourceEvents {
		t.Fatalf("expected events recommendation first, got %+v", top)
	}
	if !strings.HasSuffix(top.Window, "19:00") {
		t.Fatalf("window must end before the event, got %q", top.Window)
	}
	// Baseline was never confirmed: the first location caps at medium.
	if top.Confidence != signal.ConfidenceMedium {
		t.Fatalf("assumed baseline must cap confidence at medium, got %s", top.Confidence)
	}
	if result.FollowUp == "" {
		t.Fatalf("every turn must end with a follow-up")
	}
	if result.UsedFallback {
		t.Fatalf("deterministic mode is not a fallback")
	}
}

func TestTurnValidationFallback(t *testing.T) {
	env := newTestEnv(t, "deterministic", nil)

	result, err := env.orch.RunTurn(context.Background(), TurnInput{
		CardType:  recommend.CardStaffing,
		Locations: []string{"xx"},
	})
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if len(result.InvalidLocations) != 1 || result.InvalidLocations[0] != "xx" {
		t.Fatalf("invalid locations: %v", result.InvalidLocations)
	}
	if env.places.callCount() != 0 {
		t.Fatalf("validation turn must make zero provider calls, made %d", env.places.callCount())
	}
	if len(result.Recommendations) != 1 || result.Recommendations[0].Source != signal.SourceSystem {
		t.Fatalf("expected one system recommendation, got %+v", result.Recommendations)
	}
	if !strings.Contains(result.Message, "xx") {
		t.Fatalf("clarification narrative must reference the bad input: %q", result.Message)
	}
}

func TestTurnAllSourcesDownDegradesGracefully(t *testing.T) {
	env := newTestEnv(t, "deterministic", nil)
	down := errors.New("upstream unavailable")
	env.weather.err = down
	env.events.err = down
	env.closures.err = down
	env.school.err = down
	env.places.detailsErr = down

	result, err := env.orch.RunTurn(context.Background(), TurnInput{
		CardType:  recommend.CardStaffing,
		Locations: []string{"Hell's Kitchen"},
	})
	if err != nil {
		t.Fatalf("source outages must not fail the turn: %v", err)
	}
	for _, name := range signal.FetchedSources {
		if !result.SourceStatus[name].Degraded() {
			t.Fatalf("%s must report degraded, got %+v", name, result.SourceStatus[name])
		}
	}
	if !result.UsedFallback {
		t.Fatalf("fallback flag must be set when every source is degraded")
	}
	if len(result.Recommendations) == 0 {
		t.Fatalf("the turn must still answer with at least one recommendation")
	}
	for _, r := range result.Recommendations {
		if r.Confidence != signal.ConfidenceLow {
			t.Fatalf("degraded signals must clamp every recommendation to low, got %+v", r)
		}
	}
	if result.FollowUp == "" {
		t.Fatalf("every turn must end with a follow-up")
	}
}

func TestTurnIndexIncrementsPerSession(t *testing.T) {
	env := newTestEnv(t, "deterministic", nil)
	first, err := env.orch.RunTurn(context.Background(), TurnInput{Locations: []string{"SoHo"}})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	second, err := env.orch.RunTurn(context.Background(), TurnInput{SessionID: first.SessionID, Locations: []string{"SoHo"}})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if second.TurnIndex != 1 {
		t.Fatalf("turn index must increment, got %d", second.TurnIndex)
	}
}

func TestTurnEndedSessionRejected(t *testing.T) {
	env := newTestEnv(t, "deterministic", nil)
	first, err := env.orch.RunTurn(context.Background(), TurnInput{Locations: []string{"SoHo"}})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if err := env.orch.EndSession(context.Background(), first.SessionID); err != nil {
		t.Fatalf("end session: %v", err)
	}
	_, err = env.orch.RunTurn(context.Background(), TurnInput{SessionID: first.SessionID, Locations: []string{"SoHo"}})
	if !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
}

func TestTurnCompetitorSingleUse(t *testing.T) {
	env := newTestEnv(t, "deterministic", nil)
	first, err := env.orch.RunTurn(context.Background(), TurnInput{
		Locations:      []string{"SoHo"},
		CompetitorName: "Rival Bistro",
	})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if first.Competitor == nil || first.Competitor.Status != "resolved" {
		t.Fatalf("first competitor check must resolve, got %+v", first.Competitor)
	}

	callsAfterFirst := env.places.callCount()
	second, err := env.orch.RunTurn(context.Background(), TurnInput{
		SessionID:      first.SessionID,
		Locations:      []string{"SoHo"},
		CompetitorName: "Another Rival",
	})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if second.Competitor == nil || second.Competitor.Status != "limit_reached" {
		t.Fatalf("second check must hit the limit, got %+v", second.Competitor)
	}
	// One resolve call for the location, none for the competitor.
	if env.places.callCount() != callsAfterFirst+1 {
		t.Fatalf("limit_reached must not call the provider")
	}
}

func TestTurnBaselineClarificationFlow(t *testing.T) {
	env := newTestEnv(t, "deterministic", nil)
	first, err := env.orch.RunTurn(context.Background(), TurnInput{
		Locations: []string{"SoHo", "Astoria"},
		Message:   "we run 4 FOH on Tuesdays",
	})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if !strings.Contains(first.FollowUp, "Which location") {
		t.Fatalf("ambiguous baseline must surface the clarification, got %q", first.FollowUp)
	}

	second, err := env.orch.RunTurn(context.Background(), TurnInput{
		SessionID: first.SessionID,
		Locations: []string{"SoHo", "Astoria"},
		Message:   "we run 4 FOH on Tuesdays",
	})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if strings.Contains(second.FollowUp, "Which location") {
		t.Fatalf("clarification must only be asked once, got %q", second.FollowUp)
	}
}

func TestTurnAgentPathUsesModelDraft(t *testing.T) {
	model := &scriptedModel{responses: []llm.Completion{
		{Content: "summary of signals"},
		{Content: fmt.Sprintf(`{"message":"Model narrative.","recommendations":[{"location_label":"Hell's Kitchen","action":"Add one FOH tonight.","window":"16:00-19:00","confidence":"high","source":"events","why":["game at 19:00"],"reasoning":"pre-show wave","escalation_trigger":"waits over 20m"}],"follow_up":"Want the schedule?"}`)},
	}}
	env := newTestEnv(t, "agent", model)
	env.events.events = []signal.VenueEvent{eventToday(19)}

	result, err := env.orch.RunTurn(context.Background(), TurnInput{
		CardType:  recommend.CardStaffing,
		Locations: []string{"Hell's Kitchen"},
	})
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if result.UsedFallback {
		t.Fatalf("healthy agent path must not fall back: %+v", result.Phases)
	}
	if result.Message != "Model narrative." {
		t.Fatalf("expected the model's narrative, got %q", result.Message)
	}
	if result.Recommendations[0].Confidence != signal.ConfidenceMedium {
		t.Fatalf("policy caps still apply to the agent draft, got %s", result.Recommendations[0].Confidence)
	}
}

func TestTurnAgentFailureFallsBackDeterministic(t *testing.T) {
	model := &scriptedModel{err: errors.New("model down")}
	env := newTestEnv(t, "agent", model)
	env.events.events = []signal.VenueEvent{eventToday(19)}

	result, err := env.orch.RunTurn(context.Background(), TurnInput{
		CardType:  recommend.CardStaffing,
		Locations: []string{"Hell's Kitchen"},
	})
	if err != nil {
		t.Fatalf("a model outage must not fail the turn: %v", err)
	}
	if !result.UsedFallback {
		t.Fatalf("fallback flag must be set")
	}
	if result.Recommendations[0].Source != signal.SourceEvents {
		t.Fatalf("deterministic engine must still answer from the snapshot, got %+v", result.Recommendations[0])
	}
	// Agent attempt diagnostics are preserved.
	sawFailure := false
	for _, p := range result.Phases {
		if !p.OK && p.FailureCode != "" {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatalf("agent failure diagnostics must be recorded: %+v", result.Phases)
	}
}

func TestTurnIdempotencyKeyReusesResult(t *testing.T) {
	env := newTestEnv(t, "deterministic", nil)
	in := TurnInput{Locations: []string{"SoHo"}, IdempotencyKey: "abc"}

	first, err := env.orch.RunTurn(context.Background(), in)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := env.orch.RunTurn(context.Background(), in)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.SessionID != second.SessionID || first.TurnIndex != second.TurnIndex {
		t.Fatalf("duplicate key must return the identical result")
	}
	env.store.mu.Lock()
	stored := len(env.store.turns[first.SessionID])
	env.store.mu.Unlock()
	if stored != 1 {
		t.Fatalf("duplicate must not persist a second turn, got %d", stored)
	}
}
