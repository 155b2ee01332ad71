package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lineops/shiftline/config"
	"github.com/lineops/shiftline/internal/signal"
)

// Telemetry aggregates turn, source, and model events. It feeds both the
// Prometheus registry and an in-process metrics view used for periodic logs.
type Telemetry struct {
	config  config.TelemetryConfig
	logger  *log.Logger
	metrics *Metrics

	turnsTotal     *prometheus.CounterVec
	turnDuration   prometheus.Histogram
	sourceRequests *prometheus.CounterVec
	modelRequests  *prometheus.CounterVec
	modelTokens    *prometheus.CounterVec
	lockWait       prometheus.Histogram
}

// Metrics holds the in-process counters behind the periodic log line.
type Metrics struct {
	mu sync.RWMutex

	TotalTurns      int64
	FallbackTurns   int64
	FailedTurns     int64
	AverageTurnTime time.Duration

	SourceRequests map[string]int64
	SourceFailures map[string]int64
	CacheHits      map[string]int64

	ModelRequests map[string]int64
	ModelTokens   map[string]int64
}

// TurnEvent is the single canonical record emitted when a turn completes.
type TurnEvent struct {
	SessionID    string
	TurnIndex    int
	CardType     string
	Latency      time.Duration
	UsedFallback bool
	Failed       bool
	LockWait     time.Duration
	SourceStatus map[signal.SourceName]signal.SourceStatus
}

// ModelEvent records one model invocation.
type ModelEvent struct {
	Model      string
	Phase      string
	Duration   time.Duration
	TokensUsed int
	Success    bool
}

// New creates a Telemetry instance and registers its collectors.
func New(cfg config.TelemetryConfig, reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			SourceRequests: make(map[string]int64),
			SourceFailures: make(map[string]int64),
			CacheHits:      make(map[string]int64),
			ModelRequests:  make(map[string]int64),
			ModelTokens:    make(map[string]int64),
		},
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shiftline_turns_total",
			Help: "Completed turns by card type and fallback usage.",
		}, []string{"card_type", "fallback"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shiftline_turn_duration_seconds",
			Help:    "End-to-end turn latency.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 12, 20},
		}),
		sourceRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shiftline_source_requests_total",
			Help: "Source fetches by source and terminal status.",
		}, []string{"source", "status"}),
		modelRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shiftline_model_requests_total",
			Help: "Model invocations by model and outcome.",
		}, []string{"model", "outcome"}),
		modelTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shiftline_model_tokens_total",
			Help: "Tokens consumed per model.",
		}, []string{"model"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shiftline_session_lock_wait_seconds",
			Help:    "Time turns spent queued behind the session lock.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5},
		}),
	}
	if reg != nil {
		reg.MustRegister(t.turnsTotal, t.turnDuration, t.sourceRequests, t.modelRequests, t.modelTokens, t.lockWait)
	}
	if cfg.Enabled && cfg.PeriodicLogs {
		go t.periodicLogs()
	}
	return t
}

// RecordTurn records the canonical turn-completed event.
func (t *Telemetry) RecordTurn(event TurnEvent) {
	fallback := "false"
	if event.UsedFallback {
		fallback = "true"
	}
	t.turnsTotal.WithLabelValues(event.CardType, fallback).Inc()
	t.turnDuration.Observe(event.Latency.Seconds())
	t.lockWait.Observe(event.LockWait.Seconds())

	m := t.metrics
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalTurns++
	if event.UsedFallback {
		m.FallbackTurns++
	}
	if event.Failed {
		m.FailedTurns++
	}
	if m.TotalTurns == 1 {
		m.AverageTurnTime = event.Latency
	} else {
		total := m.AverageTurnTime * time.Duration(m.TotalTurns-1)
		m.AverageTurnTime = (total + event.Latency) / time.Duration(m.TotalTurns)
	}
}

// RecordSourceFetch implements the fetcher's Recorder hook.
func (t *Telemetry) RecordSourceFetch(source signal.SourceName, code signal.StatusCode, elapsed time.Duration, cacheHit bool) {
	t.sourceRequests.WithLabelValues(string(source), string(code)).Inc()

	m := t.metrics
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SourceRequests[string(source)]++
	if code == signal.StatusError || code == signal.StatusTimeout {
		m.SourceFailures[string(source)]++
	}
	if cacheHit {
		m.CacheHits[string(source)]++
	}
}

// RecordModel records one model invocation.
func (t *Telemetry) RecordModel(event ModelEvent) {
	outcome := "ok"
	if !event.Success {
		outcome = "error"
	}
	t.modelRequests.WithLabelValues(event.Model, outcome).Inc()
	if event.TokensUsed > 0 {
		t.modelTokens.WithLabelValues(event.Model).Add(float64(event.TokensUsed))
	}

	m := t.metrics
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ModelRequests[event.Model]++
	m.ModelTokens[event.Model] += int64(event.TokensUsed)
}

// Snapshot returns a copy of the in-process metrics view.
func (t *Telemetry) Snapshot() Metrics {
	m := t.metrics
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := Metrics{
		TotalTurns:      m.TotalTurns,
		FallbackTurns:   m.FallbackTurns,
		FailedTurns:     m.FailedTurns,
		AverageTurnTime: m.AverageTurnTime,
		SourceRequests:  make(map[string]int64, len(m.SourceRequests)),
		SourceFailures:  make(map[string]int64, len(m.SourceFailures)),
		CacheHits:       make(map[string]int64, len(m.CacheHits)),
		ModelRequests:   make(map[string]int64, len(m.ModelRequests)),
		ModelTokens:     make(map[string]int64, len(m.ModelTokens)),
	}
	for k, v := range m.SourceRequests {
		out.SourceRequests[k] = v
	}
	for k, v := range m.SourceFailures {
		out.SourceFailures[k] = v
	}
	for k, v := range m.CacheHits {
		out.CacheHits[k] = v
	}
	for k, v := range m.ModelRequests {
		out.ModelRequests[k] = v
	}
	for k, v := range m.ModelTokens {
		out.ModelTokens[k] = v
	}
	return out
}

func (t *Telemetry) periodicLogs() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		s := t.Snapshot()
		t.logger.Printf("turns=%d fallback=%d failed=%d avg=%s",
			s.TotalTurns, s.FallbackTurns, s.FailedTurns, s.AverageTurnTime.Round(time.Millisecond))
	}
}
