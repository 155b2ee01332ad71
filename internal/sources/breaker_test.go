package sources

import (
	"testing"

	"github.com/lineops/shiftline/internal/signal"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	br := NewBreaker(1)
	if !br.CanRun(signal.SourceWeather) {
		t.Fatalf("fresh breaker must allow every source")
	}
	br.MarkFailure(signal.SourceWeather)
	if br.CanRun(signal.SourceWeather) {
		t.Fatalf("breaker must open after one failure at threshold 1")
	}
	if !br.CanRun(signal.SourceEvents) {
		t.Fatalf("breakers are per-source; events must stay closed")
	}
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	br := NewBreaker(2)
	br.MarkFailure(signal.SourceEvents)
	br.MarkSuccess(signal.SourceEvents)
	br.MarkFailure(signal.SourceEvents)
	if !br.CanRun(signal.SourceEvents) {
		t.Fatalf("success must reset the failure count")
	}
	br.MarkFailure(signal.SourceEvents)
	if br.CanRun(signal.SourceEvents) {
		t.Fatalf("two consecutive failures must open a threshold-2 breaker")
	}
}

func TestBreakerOnOpenFiresOnce(t *testing.T) {
	br := NewBreaker(1)
	var opened []signal.SourceName
	br.OnOpen(func(s signal.SourceName) { opened = append(opened, s) })
	br.MarkFailure(signal.SourceReviews)
	br.MarkFailure(signal.SourceReviews)
	if len(opened) != 1 || opened[0] != signal.SourceReviews {
		t.Fatalf("expected exactly one open event for reviews, got %v", opened)
	}
}
