package turn

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/lineops/shiftline/internal/sources"
)

// Janitor periodically sweeps expired entries out of the signal cache and the
// idempotency result cache on a cron schedule.
type Janitor struct {
	Cache       sources.SignalCache
	Idempotency *IdempotencyCache
	Spec        string
	Logger      *log.Logger
}

// Run blocks until the context is cancelled, sweeping at each cron tick.
func (j *Janitor) Run(ctx context.Context) error {
	expr, err := cronexpr.Parse(j.Spec)
	if err != nil {
		return err
	}
	for {
		next := expr.Next(time.Now())
		if next.IsZero() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}
		cachePruned := 0
		if j.Cache != nil {
			cachePruned = j.Cache.PruneExpired(ctx)
		}
		idemPruned := 0
		if j.Idempotency != nil {
			idemPruned = j.Idempotency.PruneExpired()
		}
		if j.Logger != nil {
			j.Logger.Printf("[JANITOR] swept cache=%d idempotency=%d", cachePruned, idemPruned)
		}
	}
}
