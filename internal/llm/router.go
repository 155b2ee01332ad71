package llm

import (
	"context"
	"fmt"
	"log"

	"github.com/lineops/shiftline/config"
)

// Router sends completions to the primary model and falls back to a distinct
// fallback model only when the primary failure is classified retryable. A
// non-retryable failure would fail identically downstream, so the fallback
// call is skipped to save budget.
type Router struct {
	primary       Provider
	fallback      Provider
	primaryModel  string
	fallbackModel string
	logger        *log.Logger
}

// NewRouter wires providers from configuration. The routing entries name
// which provider serves as primary and which as fallback; a missing fallback
// leaves the router single-tier.
func NewRouter(cfg config.LLMConfig, logger *log.Logger) (*Router, error) {
	primaryCfg, ok := cfg.Providers[cfg.Routing.Primary]
	if !ok {
		return nil, fmt.Errorf("llm routing: unknown primary provider %q", cfg.Routing.Primary)
	}
	r := &Router{
		primary:      NewClient(primaryCfg),
		primaryModel: cfg.Routing.Primary,
		logger:       logger,
	}
	if cfg.Routing.Fallback != "" {
		fallbackCfg, ok := cfg.Providers[cfg.Routing.Fallback]
		if !ok {
			return nil, fmt.Errorf("llm routing: unknown fallback provider %q", cfg.Routing.Fallback)
		}
		r.fallback = NewClient(fallbackCfg)
		r.fallbackModel = cfg.Routing.Fallback
	}
	return r, nil
}

// NewRouterWith builds a router from explicit providers, used by tests and
// by callers that construct providers out of band.
func NewRouterWith(primary, fallback Provider, logger *log.Logger) *Router {
	return &Router{primary: primary, fallback: fallback, logger: logger}
}

// Complete tries the primary, then the fallback when the failure looks
// transient and the turn still has budget.
func (r *Router) Complete(ctx context.Context, req Request) (Completion, error) {
	if r.primaryModel != "" {
		req.Model = r.primaryModel
	}
	completion, err := r.primary.Complete(ctx, req)
	if err == nil {
		return completion, nil
	}
	if r.fallback == nil || !Retryable(err) || ctx.Err() != nil {
		return Completion{}, err
	}
	if r.logger != nil {
		r.logger.Printf("[LLM] primary %s failed (%v), trying fallback %s", r.primaryModel, err, r.fallbackModel)
	}
	if r.fallbackModel != "" {
		req.Model = r.fallbackModel
	}
	completion, ferr := r.fallback.Complete(ctx, req)
	if ferr != nil {
		return Completion{}, fmt.Errorf("primary: %v; fallback: %w", err, ferr)
	}
	return completion, nil
}
