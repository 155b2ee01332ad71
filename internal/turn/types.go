package turn

import (
	"context"
	"time"

	"github.com/lineops/shiftline/internal/recommend"
	"github.com/lineops/shiftline/internal/signal"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
	SessionError  SessionStatus = "error"
)

// Session is one continuous conversation about a fixed location set.
type Session struct {
	ID               string
	DistinctID       string
	Status           SessionStatus
	CardType         recommend.CardType
	LocationCount    int
	ModelVersion     string
	PromptVersion    string
	RuleVersion      string
	FallbackEverUsed bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// BaselineContext is the caller-supplied staffing hint for one location.
type BaselineContext struct {
	LocationLabel string `json:"location_label"`
	BaselineFOH   *int   `json:"baseline_foh,omitempty"`
}

// BaselineEntry is the remembered staffing number for one location with its
// provenance: an assumed value can later be corrected by an explicit one.
type BaselineEntry struct {
	LocationLabel string `json:"location_label"`
	FOH           int    `json:"foh"`
	Explicit      bool   `json:"explicit"`
}

// MemoryEvent is an audit record of a baseline assumption or correction.
type MemoryEvent struct {
	SessionID     string
	TurnIndex     int
	Kind          string // assumption_set, fact_set, assumption_corrected, fact_corrected
	LocationLabel string
	Detail        string
	CreatedAt     time.Time
}

// CompetitorSnapshot is the once-per-session competitor lookup result.
type CompetitorSnapshot struct {
	Name        string  `json:"name"`
	Address     string  `json:"address,omitempty"`
	Rating      float64 `json:"rating,omitempty"`
	RatingCount int     `json:"rating_count,omitempty"`
	Status      string  `json:"status"` // resolved, not_found, limit_reached, error
}

// PhaseRecord is the diagnostic trail for one pipeline phase.
type PhaseRecord struct {
	Phase        string        `json:"phase"`
	OK           bool          `json:"ok"`
	Duration     time.Duration `json:"duration"`
	FailureStage string        `json:"failure_stage,omitempty"`
	FailureCode  string        `json:"failure_code,omitempty"`
}

// TurnInput is one inbound turn request.
type TurnInput struct {
	SessionID       string             `json:"session_id,omitempty"`
	DistinctID      string             `json:"distinct_id,omitempty"`
	CardType        recommend.CardType `json:"card_type"`
	Locations       []string           `json:"locations"`
	Message         string             `json:"message,omitempty"`
	BaselineContext []BaselineContext  `json:"baseline_context,omitempty"`
	CompetitorName  string             `json:"competitor_name,omitempty"`
	IdempotencyKey  string             `json:"idempotency_key,omitempty"`
}

// TurnResult is the complete answer for one turn.
type TurnResult struct {
	SessionID        string                                    `json:"session_id"`
	TurnIndex        int                                       `json:"turn_index"`
	Message          string                                    `json:"message"`
	FollowUp         string                                    `json:"follow_up"`
	Recommendations  []recommend.Recommendation                `json:"recommendations"`
	Snapshots        []recommend.GuestSnapshot                 `json:"snapshots"`
	Competitor       *CompetitorSnapshot                       `json:"competitor,omitempty"`
	SourceStatus     map[signal.SourceName]signal.SourceStatus `json:"source_status"`
	UsedFallback     bool                                      `json:"used_fallback"`
	LatencyMs        int64                                     `json:"latency_ms"`
	InvalidLocations []string                                  `json:"invalid_locations"`
	Phases           []PhaseRecord                             `json:"phases,omitempty"`
}

// ToolCallRecord persists one model tool invocation.
type ToolCallRecord struct {
	Round    int
	Name     string
	Args     string
	Result   string
	Duration time.Duration
}

// PersistedTurn is everything the orchestrator hands the store at turn end.
type PersistedTurn struct {
	SessionID   string
	TurnIndex   int
	Input       TurnInput
	Result      TurnResult
	Locations   []signal.ResolvedLocation
	Baselines   []BaselineEntry
	ToolCalls   []ToolCallRecord
	UserMessage string
	CreatedAt   time.Time
}

// TurnStore is the persistence boundary the orchestrator writes through.
// Persistence failures degrade to log lines; they never fail a turn.
type TurnStore interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status SessionStatus, fallbackUsed bool) error
	NextTurnIndex(ctx context.Context, sessionID string) (int, error)
	SaveTurn(ctx context.Context, t PersistedTurn) error
	ListTurns(ctx context.Context, sessionID string) ([]PersistedTurn, error)
	LatestBaselines(ctx context.Context, sessionID string) ([]BaselineEntry, error)
	SaveMemoryEvent(ctx context.Context, ev MemoryEvent) error
	CompetitorChecked(ctx context.Context, sessionID string) (bool, error)
	SaveCompetitor(ctx context.Context, sessionID string, snap CompetitorSnapshot) error
}
