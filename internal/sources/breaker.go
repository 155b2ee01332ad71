package sources

import (
	"fmt"
	"sync"

	"github.com/lineops/shiftline/internal/signal"
)

// ErrBreakerOpen is returned when a source has been short-circuited for the
// remainder of the turn.
type ErrBreakerOpen struct {
	Source signal.SourceName
}

func (e ErrBreakerOpen) Error() string {
	return fmt.Sprintf("circuit open for source %s", e.Source)
}

// Breaker is a per-turn, per-source failure tracker. A turn's time budget
// cannot absorb repeated retries against a misbehaving source, so the default
// threshold is one failure: fail fast, stay open until the turn ends. Each
// turn constructs a fresh breaker, so a new turn gets a clean shot at every
// source.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	failures  map[signal.SourceName]int
	open      map[signal.SourceName]bool
	onOpen    func(signal.SourceName)
}

// NewBreaker creates a breaker with the given failure threshold (min 1).
func NewBreaker(threshold int) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		threshold: threshold,
		failures:  make(map[signal.SourceName]int),
		open:      make(map[signal.SourceName]bool),
	}
}

// OnOpen registers a callback fired once when a source's breaker opens,
// used for observability events.
func (b *Breaker) OnOpen(fn func(signal.SourceName)) {
	b.mu.Lock()
	b.onOpen = fn
	b.mu.Unlock()
}

// CanRun reports whether the source may still be called this turn.
func (b *Breaker) CanRun(source signal.SourceName) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.open[source]
}

// MarkSuccess resets the source's failure counter.
func (b *Breaker) MarkSuccess(source signal.SourceName) {
	b.mu.Lock()
	b.failures[source] = 0
	b.mu.Unlock()
}

// MarkFailure increments the counter and opens the breaker at the threshold.
func (b *Breaker) MarkFailure(source signal.SourceName) {
	b.mu.Lock()
	b.failures[source]++
	opened := false
	if b.failures[source] >= b.threshold && !b.open[source] {
		b.open[source] = true
		opened = true
	}
	fn := b.onOpen
	b.mu.Unlock()
	if opened && fn != nil {
		fn(source)
	}
}
