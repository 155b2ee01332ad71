package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lineops/shiftline/internal/turn"
)

// TurnRunner is the slice of the orchestrator the HTTP layer drives.
type TurnRunner interface {
	RunTurn(ctx context.Context, in turn.TurnInput) (turn.TurnResult, error)
	EndSession(ctx context.Context, sessionID string) error
}

// TurnsHandler serves the turn and session endpoints.
type TurnsHandler struct {
	Orch  TurnRunner
	Store turn.TurnStore
}

// Register mounts the turn API behind JWT auth.
func (h *TurnsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("/turns", h.runTurn)
	g.GET("/sessions/:id", h.getSession)
	g.GET("/sessions/:id/turns", h.listTurns)
	g.POST("/sessions/:id/end", h.endSession)
}

// SessionResponse is the public session projection.
type SessionResponse struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	CardType         string `json:"card_type"`
	LocationCount    int    `json:"location_count"`
	ModelVersion     string `json:"model_version"`
	PromptVersion    string `json:"prompt_version"`
	RuleVersion      string `json:"rule_version"`
	FallbackEverUsed bool   `json:"fallback_ever_used"`
}

func (h *TurnsHandler) runTurn(c echo.Context) error {
	var in turn.TurnInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = c.Request().Header.Get("Idempotency-Key")
	}
	result, err := h.Orch.RunTurn(c.Request().Context(), in)
	if err != nil {
		switch {
		case errors.Is(err, turn.ErrInvalidInput):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, turn.ErrSessionEnded):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, sql.ErrNoRows):
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, result)
}

func (h *TurnsHandler) getSession(c echo.Context) error {
	sess, err := h.Store.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, SessionResponse{
		ID:               sess.ID,
		Status:           string(sess.Status),
		CardType:         string(sess.CardType),
		LocationCount:    sess.LocationCount,
		ModelVersion:     sess.ModelVersion,
		PromptVersion:    sess.PromptVersion,
		RuleVersion:      sess.RuleVersion,
		FallbackEverUsed: sess.FallbackEverUsed,
	})
}

func (h *TurnsHandler) listTurns(c echo.Context) error {
	turns, err := h.Store.ListTurns(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	results := make([]turn.TurnResult, 0, len(turns))
	for _, t := range turns {
		results = append(results, t.Result)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"turns": results})
}

func (h *TurnsHandler) endSession(c echo.Context) error {
	if err := h.Orch.EndSession(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
