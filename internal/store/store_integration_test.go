package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lineops/shiftline/internal/recommend"
	"github.com/lineops/shiftline/internal/signal"
	"github.com/lineops/shiftline/internal/store"
	"github.com/lineops/shiftline/internal/turn"
)

func TestStoreRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("shiftline"),
		tcPostgres.WithUsername("shiftline"),
		tcPostgres.WithPassword("shiftline"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://shiftline:shiftline@%s:%s/shiftline?sslmode=disable", host, port.Port())

	m, err := migrate.New("file://migrations", dsn)
	if err != nil {
		t.Fatalf("migrate init: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("migrate up: %v", err)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer st.Close()

	now := time.Now().UTC().Truncate(time.Microsecond)
	sessionID := uuid.NewString()
	sess := turn.Session{
		ID:            sessionID,
		DistinctID:    "ops-1",
		Status:        turn.SessionActive,
		CardType:      recommend.CardStaffing,
		LocationCount: 1,
		ModelVersion:  "gpt-test",
		PromptVersion: "v3",
		RuleVersion:   "v5",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	got, err := st.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.CardType != recommend.CardStaffing || got.Status != turn.SessionActive {
		t.Fatalf("unexpected session: %+v", got)
	}

	idx, err := st.NextTurnIndex(ctx, sessionID)
	if err != nil {
		t.Fatalf("NextTurnIndex: %v", err)
	}
	if idx != 0 {
		t.Fatalf("first turn index must be 0, got %d", idx)
	}

	pt := turn.PersistedTurn{
		SessionID:   sessionID,
		TurnIndex:   0,
		Input:       turn.TurnInput{CardType: recommend.CardStaffing, Locations: []string{"Hell's Kitchen"}},
		UserMessage: "staffing for tonight?",
		Result: turn.TurnResult{
			SessionID: sessionID,
			Message:   "Staff up ahead of the concert.",
			FollowUp:  "Want me to check staffing for the weekend?",
			Recommendations: []recommend.Recommendation{
				{
					LocationLabel: "Hell's Kitchen",
					Action:        "Add +2 servers and +1 runner",
					Window:        "16:00–19:00",
					Confidence:    signal.ConfidenceHigh,
					Source:        signal.SourceEvents,
				},
			},
		},
		Locations: []signal.ResolvedLocation{
			{Label: "Hell's Kitchen", Address: "600 W 46th St, New York, NY 10036", Lat: 40.763, Lng: -73.996},
		},
		Baselines: []turn.BaselineEntry{{LocationLabel: "Hell's Kitchen", FOH: 4, Explicit: false}},
		ToolCalls: []turn.ToolCallRecord{
			{Round: 1, Name: "get_events", Args: "{}", Result: `{"status":"ok"}`, Duration: 120 * time.Millisecond},
		},
		CreatedAt: now,
	}
	if err := st.SaveTurn(ctx, pt); err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}

	turns, err := st.ListTurns(ctx, sessionID)
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("expected one turn, got %d", len(turns))
	}
	if turns[0].Result.Message != pt.Result.Message {
		t.Fatalf("result message mismatch: %q", turns[0].Result.Message)
	}
	if len(turns[0].Input.Locations) != 1 || turns[0].Input.Locations[0] != "Hell's Kitchen" {
		t.Fatalf("input locations did not round-trip: %+v", turns[0].Input.Locations)
	}

	baselines, err := st.LatestBaselines(ctx, sessionID)
	if err != nil {
		t.Fatalf("LatestBaselines: %v", err)
	}
	if len(baselines) != 1 || baselines[0].FOH != 4 || baselines[0].Explicit {
		t.Fatalf("unexpected baselines: %+v", baselines)
	}

	idx, err = st.NextTurnIndex(ctx, sessionID)
	if err != nil {
		t.Fatalf("NextTurnIndex: %v", err)
	}
	if idx != 1 {
		t.Fatalf("next turn index must advance to 1, got %d", idx)
	}

	checked, err := st.CompetitorChecked(ctx, sessionID)
	if err != nil {
		t.Fatalf("CompetitorChecked: %v", err)
	}
	if checked {
		t.Fatalf("fresh session must have no competitor check")
	}
	snap := turn.CompetitorSnapshot{Name: "Carbone", Address: "181 Thompson St", Rating: 4.5, RatingCount: 2100, Status: "resolved"}
	if err := st.SaveCompetitor(ctx, sessionID, snap); err != nil {
		t.Fatalf("SaveCompetitor: %v", err)
	}
	// Duplicate save is a no-op, not an error.
	if err := st.SaveCompetitor(ctx, sessionID, snap); err != nil {
		t.Fatalf("SaveCompetitor duplicate: %v", err)
	}
	checked, err = st.CompetitorChecked(ctx, sessionID)
	if err != nil {
		t.Fatalf("CompetitorChecked: %v", err)
	}
	if !checked {
		t.Fatalf("competitor check must be recorded")
	}

	if err := st.SaveMemoryEvent(ctx, turn.MemoryEvent{
		SessionID: sessionID, TurnIndex: 0, Kind: "assumption_set",
		LocationLabel: "Hell's Kitchen", Detail: "assumed 4 FOH", CreatedAt: now,
	}); err != nil {
		t.Fatalf("SaveMemoryEvent: %v", err)
	}

	days := []signal.SchoolCalendarDay{
		{Date: "2026-03-16", EventType: "spring_recess", IsSchoolDay: false},
		{Date: "2026-03-17", EventType: "", IsSchoolDay: true},
	}
	if err := st.UpsertSchoolCalendarDays(ctx, days); err != nil {
		t.Fatalf("UpsertSchoolCalendarDays: %v", err)
	}
	inRange, err := st.DaysInRange(ctx, "2026-03-15", "2026-03-16")
	if err != nil {
		t.Fatalf("DaysInRange: %v", err)
	}
	if len(inRange) != 1 || inRange[0].Date != "2026-03-16" || inRange[0].EventType != "spring_recess" {
		t.Fatalf("unexpected calendar days: %+v", inRange)
	}

	if err := st.UpdateSessionStatus(ctx, sessionID, turn.SessionEnded, true); err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}
	got, err = st.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != turn.SessionEnded || !got.FallbackEverUsed {
		t.Fatalf("session end not persisted: %+v", got)
	}
}
