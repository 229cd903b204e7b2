package snowfall

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/i474232898/snowfall-aggregation/internal/cache"
	"github.com/i474232898/snowfall-aggregation/internal/common"
	"github.com/i474232898/snowfall-aggregation/internal/metrics"
)

const (
	latestCacheKey  = "snowfall:latest"
	stormKeyPrefix  = "snowfall:"
	maxRetryBackoff = 5 * time.Second
)

var errNoConnectors = errors.New("no snowfall sources configured")

// Options tunes the aggregation cycle.
type Options struct {
	CacheTTL      time.Duration
	SourceTimeout time.Duration // per connector attempt
	FetchTimeout  time.Duration // whole fan-out including retries
	Retries       int           // extra attempts per failed connector
	RetryBackoff  time.Duration // first retry delay, doubled per attempt
}

func (o Options) withDefaults() Options {
	if o.CacheTTL <= 0 {
		o.CacheTTL = cache.DefaultTTL
	}
	if o.SourceTimeout <= 0 {
		o.SourceTimeout = 5 * time.Second
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 20 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 250 * time.Millisecond
	}
	return o
}

// Service orchestrates source connectors, the normalizer and the storm cache.
type Service struct {
	connectors []Connector
	cache      *cache.Cache[Storm]
	clock      clockwork.Clock
	metrics    *metrics.Metrics
	opts       Options
}

// NewService creates a new Service. A nil clock uses real time and nil
// metrics are replaced by unregistered collectors.
func NewService(connectors []Connector, c *cache.Cache[Storm], clock clockwork.Clock, m *metrics.Metrics, opts Options) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = metrics.NewMetricsForTesting()
	}
	return &Service{
		connectors: connectors,
		cache:      c,
		clock:      clock,
		metrics:    m,
		opts:       opts.withDefaults(),
	}
}

// GetStorm returns the aggregated storm for rawID and whether it came from cache.
// Malformed ids fail before any upstream call.
func (s *Service) GetStorm(ctx context.Context, rawID string) (Storm, bool, error) {
	id, err := ParseStormID(rawID)
	if err != nil {
		return Storm{}, false, ValidationError(rawID, err.Error())
	}
	// No provider can hold observations for a day that has not started.
	if id.After(s.clock.Now()) {
		return Storm{}, false, NotFoundError(id.String(), "storm date is in the future")
	}
	return s.load(ctx, stormKeyPrefix+id.String(), "storm", id)
}

// GetLatest returns the storm for the current UTC day.
func (s *Service) GetLatest(ctx context.Context) (Storm, bool, error) {
	return s.load(ctx, latestCacheKey, "latest", StormIDFor(s.clock.Now()))
}

// ListStorms returns selector metadata. Only the latest storm is tracked;
// historical storms are not backfilled.
func (s *Service) ListStorms(ctx context.Context) ([]StormMetadata, bool, error) {
	latest, hit, err := s.GetLatest(ctx)
	if err != nil {
		return nil, false, err
	}
	return []StormMetadata{latest.Metadata()}, hit, nil
}

// Prefetch populates the latest storm if it is missing or stale.
func (s *Service) Prefetch(ctx context.Context) error {
	storm, hit, err := s.GetLatest(ctx)
	if err != nil {
		return err
	}
	if !hit {
		log.Printf("INFO: prefetched %s with %d measurements", storm.StormID, storm.StationCount)
	}
	return nil
}

// SweepCache evicts stale storms and returns how many were removed.
func (s *Service) SweepCache() int {
	n := s.cache.Sweep()
	s.metrics.CacheEntries.Set(float64(s.cache.Len()))
	return n
}

func (s *Service) load(ctx context.Context, key, keyLabel string, id StormID) (Storm, bool, error) {
	storm, hit, err := s.cache.GetOrCompute(ctx, key, s.opts.CacheTTL, func(ctx context.Context) (Storm, error) {
		return s.aggregate(ctx, id)
	})

	result := "miss"
	if hit {
		result = "hit"
	}
	s.metrics.CacheLookups.WithLabelValues(keyLabel, result).Inc()
	s.metrics.CacheEntries.Set(float64(s.cache.Len()))

	if err != nil {
		if _, ok := AsError(err); ok {
			return Storm{}, false, err
		}
		return Storm{}, false, InternalError(id.String(), "cache", err)
	}
	return storm, hit, nil
}

type fetchOutcome struct {
	batch RawBatch
	err   error
}

// aggregate fans out to every connector, waits for all of them to settle and
// normalizes whatever succeeded.
func (s *Service) aggregate(ctx context.Context, id StormID) (Storm, error) {
	if len(s.connectors) == 0 {
		log.Printf("ERROR: no sources available to fetch snowfall for %s", id)
		return Storm{}, InternalError(id.String(), "aggregator", errNoConnectors)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	var wg sync.WaitGroup
	outcomes := make([]fetchOutcome, len(s.connectors))

	for i, c := range s.connectors {
		wg.Add(1)
		go func(i int, c Connector) {
			defer wg.Done()
			batch, err := s.fetchWithRetry(ctx, c, id)
			outcomes[i] = fetchOutcome{batch: batch, err: err}
		}(i, c)
	}

	wg.Wait()

	var (
		batches  = make(map[Source]RawBatch)
		statuses = make([]SourceStatus, len(s.connectors))
		failures []error
	)
	for i, c := range s.connectors {
		src := c.Source()
		statuses[i] = SourceStatus{Source: src, OK: outcomes[i].err == nil}
		if err := outcomes[i].err; err != nil {
			statuses[i].Error = err.Error()
			failures = append(failures, fmt.Errorf("%s: %w", src, err))
			continue
		}
		b := batches[src]
		b.Source = src
		b.Records = append(b.Records, outcomes[i].batch.Records...)
		batches[src] = b
	}

	if len(failures) == len(s.connectors) {
		log.Printf("ERROR: all %d sources failed for %s", len(failures), id)
		return Storm{}, UpstreamError(id.String(), errors.Join(failures...))
	}

	measurements, dropped := Normalize(batches)
	LogDropped(id.String(), dropped)
	s.metrics.Measurements.WithLabelValues("kept").Add(float64(len(measurements)))
	s.metrics.Measurements.WithLabelValues("dropped").Add(float64(len(dropped)))

	if len(measurements) == 0 {
		if len(failures) > 0 {
			// Absence cannot be confirmed while a source is down.
			log.Printf("ERROR: %d of %d sources failed for %s and the rest returned no measurements",
				len(failures), len(s.connectors), id)
			return Storm{}, UpstreamError(id.String(), errors.Join(failures...))
		}
		log.Printf("INFO: no snowfall measurements for %s from any source", id)
		return Storm{}, NotFoundError(id.String(), "no snowfall measurements found for storm")
	}

	perSource := make(map[Source]int)
	for _, m := range measurements {
		perSource[m.Source]++
	}
	for i := range statuses {
		if statuses[i].OK {
			statuses[i].Count = perSource[statuses[i].Source]
		}
	}

	if len(failures) > 0 {
		log.Printf("WARN: partial result for %s: %d of %d sources failed: %v",
			id, len(failures), len(s.connectors), errors.Join(failures...))
	}

	return NewStorm(id, measurements, statuses, s.clock.Now()), nil
}

// fetchWithRetry owns the retry policy; connectors never retry themselves.
func (s *Service) fetchWithRetry(ctx context.Context, c Connector, id StormID) (RawBatch, error) {
	var lastErr error

	for attempt := 0; attempt <= s.opts.Retries; attempt++ {
		if attempt > 0 {
			// Backoff with exponential delay.
			delay := s.opts.RetryBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			if delay > maxRetryBackoff {
				delay = maxRetryBackoff
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return RawBatch{}, lastErr
			case <-timer.C:
			}
		}

		batch, err := s.fetchOnce(ctx, c, id)
		if err == nil {
			return batch, nil
		}
		lastErr = err
		log.Printf("WARN: source %s fetch failed for %s (attempt %d/%d): %v",
			c.Source(), id, attempt+1, s.opts.Retries+1, err)

		if ctx.Err() != nil {
			break
		}
	}
	return RawBatch{}, lastErr
}

// fetchOnce runs one connector attempt bounded by SourceTimeout. A connector
// that ignores its context is abandoned when the deadline passes.
func (s *Service) fetchOnce(ctx context.Context, c Connector, id StormID) (RawBatch, error) {
	src := string(c.Source())

	attemptCtx, cancel := context.WithTimeout(ctx, s.opts.SourceTimeout)
	defer cancel()

	start := time.Now()
	ch := make(chan fetchOutcome, 1)
	go func() {
		b, err := c.Fetch(attemptCtx, id)
		ch <- fetchOutcome{batch: b, err: err}
	}()

	var out fetchOutcome
	select {
	case <-attemptCtx.Done():
		out.err = fmt.Errorf("source timed out: %w", attemptCtx.Err())
	case out = <-ch:
	}
	s.metrics.SourceDuration.WithLabelValues(src).Observe(time.Since(start).Seconds())

	switch {
	case out.err == nil:
		s.metrics.SourceFetches.WithLabelValues(src, "success").Inc()
	case isTimeout(out.err):
		s.metrics.SourceFetches.WithLabelValues(src, "timeout").Inc()
	default:
		s.metrics.SourceFetches.WithLabelValues(src, "error").Inc()
	}
	return out.batch, out.err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return common.HasAny(err.Error(), "Client.Timeout", "deadline exceeded", "timeout")
}
