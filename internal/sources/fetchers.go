package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lineops/shiftline/config"
	"github.com/lineops/shiftline/internal/recommend"
	"github.com/lineops/shiftline/internal/signal"
)

// Recorder receives one event per source fetch for metrics and turn records.
type Recorder interface {
	RecordSourceFetch(source signal.SourceName, code signal.StatusCode, elapsed time.Duration, cacheHit bool)
}

// Fetcher runs the per-turn signal fan-out. Every fetch is wrapped in its own
// timeout, gated by the turn's breaker, and memoized through the shared cache.
// No method returns an error: a failed source becomes a degraded status inside
// the snapshot and the turn continues.
type Fetcher struct {
	Places   PlacesProvider
	Weather  WeatherProvider
	Events   EventsProvider
	Closures ClosuresProvider
	School   SchoolCalendar

	Cache    SignalCache
	Sources  config.SourcesConfig
	CacheCfg config.CacheConfig
	Policy   config.PolicyConfig
	Logger   *log.Logger
	Recorder Recorder
	Now      func() time.Time
}

func (f *Fetcher) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *Fetcher) record(source signal.SourceName, code signal.StatusCode, elapsed time.Duration, cacheHit bool) {
	if f.Recorder != nil {
		f.Recorder.RecordSourceFetch(source, code, elapsed, cacheHit)
	}
}

func (f *Fetcher) logf(format string, args ...any) {
	if f.Logger != nil {
		f.Logger.Printf("[SOURCES] "+format, args...)
	}
}

func classifyFetchError(err error) string {
	var se *StatusError
	var bo ErrBreakerOpen
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &bo):
		return "breaker_open"
	case errors.As(err, &se):
		return fmt.Sprintf("http_%d", se.Status)
	default:
		return "fetch_failed"
	}
}

// fetchCached is the shared cache/breaker/timeout wrapper around one source
// call. The returned bytes are the JSON payload to decode; they are nil only
// when the status code is error or timeout with no stale fallback available.
func (f *Fetcher) fetchCached(ctx context.Context, br *Breaker, source signal.SourceName, key string, ttl, timeout time.Duration, fetch func(ctx context.Context) (any, error)) ([]byte, signal.SourceStatus) {
	started := f.now()
	entry, cached := f.Cache.Read(ctx, key)
	if cached && entry.Fresh(started) {
		st := signal.SourceStatus{Code: signal.StatusOK, CacheHit: true, FreshnessSeconds: int64(entry.Age(started).Seconds())}
		f.record(source, st.Code, f.now().Sub(started), true)
		return entry.Value, st
	}

	serveStale := func(errorCode string) ([]byte, signal.SourceStatus) {
		if cached {
			st := signal.SourceStatus{Code: signal.StatusStale, CacheHit: true, FreshnessSeconds: int64(entry.Age(started).Seconds()), ErrorCode: errorCode}
			f.record(source, st.Code, f.now().Sub(started), true)
			return entry.Value, st
		}
		code := signal.StatusError
		if errorCode == "timeout" {
			code = signal.StatusTimeout
		}
		st := signal.SourceStatus{Code: code, ErrorCode: errorCode}
		f.record(source, st.Code, f.now().Sub(started), false)
		return nil, st
	}

	if br != nil && !br.CanRun(source) {
		return serveStale(classifyFetchError(ErrBreakerOpen{Source: source}))
	}

	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	value, err := fetch(fctx)
	elapsed := f.now().Sub(started)
	if err != nil {
		if br != nil {
			br.MarkFailure(source)
		}
		errorCode := classifyFetchError(err)
		f.logf("%s fetch failed after %s: %v", source, elapsed.Round(time.Millisecond), err)
		return serveStale(errorCode)
	}
	if br != nil {
		br.MarkSuccess(source)
	}
	raw, merr := json.Marshal(value)
	if merr != nil {
		st := signal.SourceStatus{Code: signal.StatusError, ErrorCode: "encode_failed"}
		f.record(source, st.Code, elapsed, false)
		return nil, st
	}
	f.Cache.Write(ctx, key, raw, ttl)
	st := signal.SourceStatus{Code: signal.StatusOK}
	f.record(source, st.Code, elapsed, false)
	return raw, st
}

// FetchWeather returns the day's forecast slice for one location.
func (f *Fetcher) FetchWeather(ctx context.Context, br *Breaker, day string, loc signal.ResolvedLocation) (signal.Weather, signal.SourceStatus) {
	key := CacheKey(string(signal.SourceWeather), day, loc.Label)
	raw, st := f.fetchCached(ctx, br, signal.SourceWeather, key, f.CacheCfg.WeatherTTL, f.Sources.Weather.Timeout, func(ctx context.Context) (any, error) {
		return f.Weather.Forecast(ctx, loc.Lat, loc.Lng)
	})
	var out signal.Weather
	if raw != nil {
		if err := json.Unmarshal(raw, &out); err != nil {
			return signal.Weather{}, signal.SourceStatus{Code: signal.StatusError, ErrorCode: "decode_failed"}
		}
	}
	return out, st
}

// FetchEvents returns the day's nearby venue events for one location.
func (f *Fetcher) FetchEvents(ctx context.Context, br *Breaker, day string, loc signal.ResolvedLocation) ([]signal.VenueEvent, signal.SourceStatus) {
	key := CacheKey(string(signal.SourceEvents), day, loc.Label)
	raw, st := f.fetchCached(ctx, br, signal.SourceEvents, key, f.CacheCfg.EventsTTL, f.Sources.Events.Timeout, func(ctx context.Context) (any, error) {
		from, err := time.Parse("2006-01-02", day)
		if err != nil {
			return nil, err
		}
		events, err := f.Events.Search(ctx, loc.Label, from, from.Add(24*time.Hour))
		if err != nil {
			return nil, err
		}
		if events == nil {
			events = []signal.VenueEvent{}
		}
		return events, nil
	})
	var out []signal.VenueEvent
	if raw != nil {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, signal.SourceStatus{Code: signal.StatusError, ErrorCode: "decode_failed"}
		}
	}
	return out, st
}

// FetchClosures returns street closures near one location.
func (f *Fetcher) FetchClosures(ctx context.Context, br *Breaker, day string, loc signal.ResolvedLocation) ([]signal.Closure, signal.SourceStatus) {
	key := CacheKey(string(signal.SourceClosures), day, loc.Label)
	raw, st := f.fetchCached(ctx, br, signal.SourceClosures, key, f.CacheCfg.ClosuresTTL, f.Sources.Closures.Timeout, func(ctx context.Context) (any, error) {
		closures, err := f.Closures.Nearby(ctx, loc.Lat, loc.Lng, f.Sources.Closures.RadiusKM)
		if err != nil {
			return nil, err
		}
		if closures == nil {
			closures = []signal.Closure{}
		}
		return closures, nil
	})
	var out []signal.Closure
	if raw != nil {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, signal.SourceStatus{Code: signal.StatusError, ErrorCode: "decode_failed"}
		}
	}
	return out, st
}

// FetchSchoolDays reads the city-wide school calendar for the week starting
// at day. The calendar lives in local storage, so there is no cache layer and
// failures cannot be served stale.
func (f *Fetcher) FetchSchoolDays(ctx context.Context, br *Breaker, day string) ([]signal.SchoolCalendarDay, signal.SourceStatus) {
	started := f.now()
	if br != nil && !br.CanRun(signal.SourceSchoolCalendar) {
		st := signal.SourceStatus{Code: signal.StatusError, ErrorCode: classifyFetchError(ErrBreakerOpen{Source: signal.SourceSchoolCalendar})}
		f.record(signal.SourceSchoolCalendar, st.Code, 0, false)
		return nil, st
	}
	from, err := time.Parse("2006-01-02", day)
	if err != nil {
		return nil, signal.SourceStatus{Code: signal.StatusError, ErrorCode: "bad_day"}
	}
	fctx, cancel := context.WithTimeout(ctx, f.Sources.SchoolCalendar.Timeout)
	defer cancel()
	days, err := f.School.DaysInRange(fctx, day, from.Add(7*24*time.Hour).Format("2006-01-02"))
	elapsed := f.now().Sub(started)
	if err != nil {
		if br != nil {
			br.MarkFailure(signal.SourceSchoolCalendar)
		}
		code := signal.StatusError
		errorCode := classifyFetchError(err)
		if errorCode == "timeout" {
			code = signal.StatusTimeout
		}
		f.logf("school_calendar read failed after %s: %v", elapsed.Round(time.Millisecond), err)
		st := signal.SourceStatus{Code: code, ErrorCode: errorCode}
		f.record(signal.SourceSchoolCalendar, st.Code, elapsed, false)
		return nil, st
	}
	if br != nil {
		br.MarkSuccess(signal.SourceSchoolCalendar)
	}
	st := signal.SourceStatus{Code: signal.StatusOK}
	f.record(signal.SourceSchoolCalendar, st.Code, elapsed, false)
	return days, st
}

// FetchReviews pulls recent guest reviews for one location and folds them
// into the theme aggregate. The aggregate, not the raw reviews, is cached.
func (f *Fetcher) FetchReviews(ctx context.Context, br *Breaker, day string, loc signal.ResolvedLocation) (signal.ReviewSignals, signal.SourceStatus) {
	key := CacheKey(string(signal.SourceReviews), day, loc.PlaceID)
	raw, st := f.fetchCached(ctx, br, signal.SourceReviews, key, f.CacheCfg.ReviewsTTL, f.Sources.Reviews.Timeout, func(ctx context.Context) (any, error) {
		details, err := f.Places.Details(ctx, loc.PlaceID)
		if err != nil {
			return nil, err
		}
		reviews := details.Reviews
		if max := f.Sources.Reviews.MaxPerPlace; max > 0 && len(reviews) > max {
			reviews = reviews[:max]
		}
		rawReviews := make([]recommend.RawReview, 0, len(reviews))
		for _, r := range reviews {
			rawReviews = append(rawReviews, recommend.RawReview{Text: r.Text, Rating: r.Rating, Time: r.Time})
		}
		return recommend.BuildReviewSignals(rawReviews, f.now(), f.Policy.ReviewStaleDays), nil
	})
	var out signal.ReviewSignals
	if raw != nil {
		if err := json.Unmarshal(raw, &out); err != nil {
			return signal.ReviewSignals{}, signal.SourceStatus{Code: signal.StatusError, ErrorCode: "decode_failed"}
		}
	}
	return out, st
}

var statusSeverity = map[signal.StatusCode]int{
	signal.StatusOK:      0,
	signal.StatusStale:   1,
	signal.StatusTimeout: 2,
	signal.StatusError:   3,
}

// worseStatus folds per-location statuses into one per-source status: the
// worst code wins, freshness reports the oldest data served.
func worseStatus(a, b signal.SourceStatus) signal.SourceStatus {
	out := a
	if statusSeverity[b.Code] > statusSeverity[a.Code] {
		out.Code = b.Code
		out.ErrorCode = b.ErrorCode
	}
	if b.FreshnessSeconds > out.FreshnessSeconds {
		out.FreshnessSeconds = b.FreshnessSeconds
	}
	out.CacheHit = a.CacheHit && b.CacheHit
	return out
}

// FetchAll runs the full fan-out for a turn and freezes the result into a
// snapshot. Sources run concurrently, each under its own timeout; the call
// itself never fails.
func (f *Fetcher) FetchAll(ctx context.Context, br *Breaker, day string, locs []signal.ResolvedLocation) *signal.Snapshot {
	snap := signal.NewSnapshot(day)
	var mu sync.Mutex
	setStatus := func(source signal.SourceName, st signal.SourceStatus) {
		if prev, ok := snap.Status[source]; ok {
			snap.Status[source] = worseStatus(prev, st)
			return
		}
		snap.Status[source] = st
	}

	var g errgroup.Group
	for _, loc := range locs {
		loc := loc
		g.Go(func() error {
			w, st := f.FetchWeather(ctx, br, day, loc)
			mu.Lock()
			defer mu.Unlock()
			if st.Code == signal.StatusOK || st.Code == signal.StatusStale {
				snap.Weather[loc.Label] = w
			}
			setStatus(signal.SourceWeather, st)
			return nil
		})
		g.Go(func() error {
			events, st := f.FetchEvents(ctx, br, day, loc)
			mu.Lock()
			defer mu.Unlock()
			if st.Code == signal.StatusOK || st.Code == signal.StatusStale {
				snap.Events[loc.Label] = events
			}
			setStatus(signal.SourceEvents, st)
			return nil
		})
		g.Go(func() error {
			closures, st := f.FetchClosures(ctx, br, day, loc)
			mu.Lock()
			defer mu.Unlock()
			if st.Code == signal.StatusOK || st.Code == signal.StatusStale {
				snap.Closures[loc.Label] = closures
			}
			setStatus(signal.SourceClosures, st)
			return nil
		})
		g.Go(func() error {
			reviews, st := f.FetchReviews(ctx, br, day, loc)
			mu.Lock()
			defer mu.Unlock()
			if st.Code == signal.StatusOK || st.Code == signal.StatusStale {
				snap.Reviews[loc.Label] = reviews
			}
			setStatus(signal.SourceReviews, st)
			return nil
		})
	}
	g.Go(func() error {
		days, st := f.FetchSchoolDays(ctx, br, day)
		mu.Lock()
		defer mu.Unlock()
		snap.SchoolDays = days
		setStatus(signal.SourceSchoolCalendar, st)
		return nil
	})
	_ = g.Wait()
	return snap
}
