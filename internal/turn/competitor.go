package turn

import (
	"context"
	"log"

	"github.com/lineops/shiftline/internal/sources"
)

// ResolveCompetitor runs the once-per-session competitor lookup. A second
// request in the same session short-circuits to limit_reached without
// spending a provider call.
func ResolveCompetitor(ctx context.Context, store TurnStore, places sources.PlacesProvider, sessionID, name string, logger *log.Logger) *CompetitorSnapshot {
	if name == "" {
		return nil
	}
	checked, err := store.CompetitorChecked(ctx, sessionID)
	if err != nil {
		if logger != nil {
			logger.Printf("[TURN] competitor check lookup failed: %v", err)
		}
		return &CompetitorSnapshot{Name: name, Status: "error"}
	}
	if checked {
		return &CompetitorSnapshot{Name: name, Status: "limit_reached"}
	}

	snap := &CompetitorSnapshot{Name: name, Status: "not_found"}
	results, err := places.Search(ctx, name+", New York, NY")
	if err != nil {
		snap.Status = "error"
	} else if len(results) > 0 {
		p := results[0]
		snap.Address = p.Address
		snap.Rating = p.Rating
		snap.RatingCount = p.RatingCount
		snap.Status = "resolved"
	}
	// A provider error does not consume the session's single check.
	if snap.Status != "error" {
		if err := store.SaveCompetitor(ctx, sessionID, *snap); err != nil && logger != nil {
			logger.Printf("[TURN] competitor save failed: %v", err)
		}
	}
	return snap
}
