package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lineops/shiftline/config"
	"github.com/lineops/shiftline/internal/signal"
	"github.com/lineops/shiftline/internal/turn"
)

var storeTracer = otel.Tracer("shiftline/internal/store")

// Store is the Postgres persistence layer. It implements turn.TurnStore and
// the school-calendar read path.
type Store struct {
	DB *sql.DB
}

// New opens and pings a Postgres connection from configuration.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	return NewWithDSN(ctx, cfg.DSN())
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess turn.Session) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sessions (id, distinct_id, status, card_type, location_count,
			model_version, prompt_version, rule_version, fallback_ever_used, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		sess.ID, sess.DistinctID, sess.Status, sess.CardType, sess.LocationCount,
		sess.ModelVersion, sess.PromptVersion, sess.RuleVersion, sess.FallbackEverUsed,
		sess.CreatedAt, sess.UpdatedAt)
	return err
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (turn.Session, error) {
	var sess turn.Session
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, distinct_id, status, card_type, location_count,
			model_version, prompt_version, rule_version, fallback_ever_used, created_at, updated_at
		FROM sessions WHERE id=$1`, id).Scan(
		&sess.ID, &sess.DistinctID, &sess.Status, &sess.CardType, &sess.LocationCount,
		&sess.ModelVersion, &sess.PromptVersion, &sess.RuleVersion, &sess.FallbackEverUsed,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return turn.Session{}, err
	}
	return sess, nil
}

// UpdateSessionStatus updates lifecycle state; the fallback flag is sticky.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status turn.SessionStatus, fallbackUsed bool) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE sessions
		SET status=$2, fallback_ever_used=fallback_ever_used OR $3, updated_at=NOW()
		WHERE id=$1`, id, status, fallbackUsed)
	return err
}

// NextTurnIndex returns the next monotonic index for the session.
func (s *Store) NextTurnIndex(ctx context.Context, sessionID string) (int, error) {
	var next int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(turn_index), -1) + 1 FROM turns WHERE session_id=$1`, sessionID).Scan(&next)
	return next, err
}

// SaveTurn persists a completed turn with its messages, tool calls,
// recommendations, and review evidence in one transaction.
func (s *Store) SaveTurn(ctx context.Context, t turn.PersistedTurn) error {
	ctx, span := storeTracer.Start(ctx, "store.save_turn")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", t.SessionID), attribute.Int("turn_index", t.TurnIndex))

	input, err := json.Marshal(t.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	result, err := json.Marshal(t.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	locations, err := json.Marshal(t.Locations)
	if err != nil {
		return fmt.Errorf("marshal locations: %w", err)
	}
	baselines, err := json.Marshal(t.Baselines)
	if err != nil {
		return fmt.Errorf("marshal baselines: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO turns (session_id, turn_index, input, result, locations, baselines, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		t.SessionID, t.TurnIndex, input, result, locations, baselines, t.CreatedAt); err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}

	if t.UserMessage != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, turn_index, role, content, created_at)
			VALUES ($1,$2,'user',$3,$4)`,
			t.SessionID, t.TurnIndex, t.UserMessage, t.CreatedAt); err != nil {
			return fmt.Errorf("insert user message: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, turn_index, role, content, created_at)
		VALUES ($1,$2,'assistant',$3,$4)`,
		t.SessionID, t.TurnIndex, t.Result.Message, t.CreatedAt); err != nil {
		return fmt.Errorf("insert assistant message: %w", err)
	}

	for _, tc := range t.ToolCalls {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tool_calls (session_id, turn_index, round, name, args, result, duration_ms)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			t.SessionID, t.TurnIndex, tc.Round, tc.Name, tc.Args, tc.Result, tc.Duration.Milliseconds()); err != nil {
			return fmt.Errorf("insert tool call: %w", err)
		}
	}

	for _, rec := range t.Result.Recommendations {
		explanation, err := json.Marshal(rec.Explanation)
		if err != nil {
			return fmt.Errorf("marshal explanation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO recommendations (session_id, turn_index, location_label, action,
				time_window, confidence, source, review_backed, explanation)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			t.SessionID, t.TurnIndex, rec.LocationLabel, rec.Action,
			rec.Window, rec.Confidence, rec.Source, rec.ReviewBacked, explanation); err != nil {
			return fmt.Errorf("insert recommendation: %w", err)
		}
		if rec.ReviewEvidence != nil {
			for _, ev := range rec.ReviewEvidence.References {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO review_evidence (session_id, turn_index, location_label,
						theme, excerpt, rating, age_days, hash)
					VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
					ON CONFLICT DO NOTHING`,
					t.SessionID, t.TurnIndex, rec.LocationLabel,
					ev.Theme, ev.Excerpt, ev.Rating, ev.AgeDays, ev.Hash); err != nil {
					return fmt.Errorf("insert review evidence: %w", err)
				}
			}
		}
	}

	return tx.Commit()
}

// ListTurns returns the session's turns in index order.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]turn.PersistedTurn, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT turn_index, input, result, locations, baselines, created_at
		FROM turns WHERE session_id=$1 ORDER BY turn_index`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []turn.PersistedTurn
	for rows.Next() {
		t := turn.PersistedTurn{SessionID: sessionID}
		var input, result, locations, baselines []byte
		if err := rows.Scan(&t.TurnIndex, &input, &result, &locations, &baselines, &t.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(input, &t.Input); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(result, &t.Result); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(locations, &t.Locations); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(baselines, &t.Baselines); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LatestBaselines returns the baseline entries from the session's most
// recent turn.
func (s *Store) LatestBaselines(ctx context.Context, sessionID string) ([]turn.BaselineEntry, error) {
	var raw []byte
	err := s.DB.QueryRowContext(ctx, `
		SELECT baselines FROM turns WHERE session_id=$1 ORDER BY turn_index DESC LIMIT 1`,
		sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []turn.BaselineEntry
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveMemoryEvent appends one baseline audit event.
func (s *Store) SaveMemoryEvent(ctx context.Context, ev turn.MemoryEvent) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO memory_events (session_id, turn_index, kind, location_label, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		ev.SessionID, ev.TurnIndex, ev.Kind, ev.LocationLabel, ev.Detail, ev.CreatedAt)
	return err
}

// CompetitorChecked reports whether the session already spent its single
// competitor lookup.
func (s *Store) CompetitorChecked(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM competitor_checks WHERE session_id=$1)`, sessionID).Scan(&exists)
	return exists, err
}

// SaveCompetitor records the session's competitor check.
func (s *Store) SaveCompetitor(ctx context.Context, sessionID string, snap turn.CompetitorSnapshot) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO competitor_checks (session_id, name, address, rating, rating_count, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,NOW())
		ON CONFLICT (session_id) DO NOTHING`,
		sessionID, snap.Name, snap.Address, snap.Rating, snap.RatingCount, snap.Status)
	return err
}

// DaysInRange reads the city school calendar between two dates inclusive.
// It backs the school-calendar source; the table is loaded out of band.
func (s *Store) DaysInRange(ctx context.Context, start, end string) ([]signal.SchoolCalendarDay, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT day, event_type, is_school_day
		FROM school_calendar_days WHERE day BETWEEN $1 AND $2 ORDER BY day`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []signal.SchoolCalendarDay
	for rows.Next() {
		var d signal.SchoolCalendarDay
		var day time.Time
		if err := rows.Scan(&day, &d.EventType, &d.IsSchoolDay); err != nil {
			return nil, err
		}
		d.Date = day.Format("2006-01-02")
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertSchoolCalendarDays bulk-loads calendar entries, replacing existing
// days. The calendar table is populated out of band.
func (s *Store) UpsertSchoolCalendarDays(ctx context.Context, days []signal.SchoolCalendarDay) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, d := range days {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO school_calendar_days (day, event_type, is_school_day)
			VALUES ($1,$2,$3)
			ON CONFLICT (day) DO UPDATE SET event_type=EXCLUDED.event_type, is_school_day=EXCLUDED.is_school_day`,
			d.Date, d.EventType, d.IsSchoolDay); err != nil {
			return err
		}
	}
	return tx.Commit()
}
