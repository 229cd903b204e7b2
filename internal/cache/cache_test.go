package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_MissThenHit(t *testing.T) {
	c := New[string](time.Hour, 0, clockwork.NewFakeClock())

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Set("a", "A", 0)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "A", v)
}

func TestGet_ExpiresAtTTLBoundary(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New[string](2*time.Hour, 0, clock)
	c.Set("a", "A", 0)

	clock.Advance(2*time.Hour - time.Nanosecond)
	_, ok := c.Get("a")
	assert.True(t, ok, "entry must be fresh just before createdAt+ttl")

	clock.Advance(time.Nanosecond)
	_, ok = c.Get("a")
	assert.False(t, ok, "entry must be stale at createdAt+ttl")
	assert.Equal(t, 0, c.Len(), "stale entry is evicted lazily on access")
}

func TestNew_Defaults(t *testing.T) {
	c := New[int](0, 0, nil)
	assert.Equal(t, DefaultTTL, c.TTL())
}

func TestSet_ReplacesWholesale(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New[string](time.Hour, 0, clock)

	c.Set("a", "old", 0)
	clock.Advance(50 * time.Minute)
	c.Set("a", "new", 0)
	clock.Advance(50 * time.Minute)

	v, ok := c.Get("a")
	require.True(t, ok, "replacement restarts the freshness window")
	assert.Equal(t, "new", v)
}

func TestSet_EvictsOldestOverCapacity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New[string](time.Hour, 2, clock)

	c.Set("a", "A", 0)
	clock.Advance(time.Second)
	c.Set("b", "B", 0)
	clock.Advance(time.Second)
	c.Set("c", "C", 0)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestSweep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New[string](time.Hour, 0, clock)

	c.Set("short", "S", time.Minute)
	c.Set("long", "L", 0)
	clock.Advance(2 * time.Minute)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
	_, ok := c.Lookup("long")
	assert.True(t, ok)
}

func TestGetOrCompute_HitAfterMiss(t *testing.T) {
	c := New[string](time.Hour, 0, clockwork.NewFakeClock())
	var calls int

	compute := func(context.Context) (string, error) {
		calls++
		return "value", nil
	}

	v, hit, err := c.GetOrCompute(context.Background(), "k", 0, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "value", v)

	v, hit, err = c.GetOrCompute(context.Background(), "k", 0, compute)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "value", v)
	assert.Equal(t, 1, calls)
}

func TestGetOrCompute_RecomputesAfterExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New[int](time.Hour, 0, clock)
	var calls int

	compute := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	_, _, err := c.GetOrCompute(context.Background(), "k", 0, compute)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	v, hit, err := c.GetOrCompute(context.Background(), "k", 0, compute)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, v)
}

func TestGetOrCompute_SingleflightUnderConcurrency(t *testing.T) {
	c := New[string](time.Hour, 0, clockwork.NewFakeClock())

	var computes atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) (string, error) {
		computes.Add(1)
		<-release
		return "shared", nil
	}

	const callers = 25
	var (
		wg      sync.WaitGroup
		started sync.WaitGroup
		results = make([]string, callers)
		errs    = make([]error, callers)
	)
	started.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			results[i], _, errs[i] = c.GetOrCompute(context.Background(), "storm", 0, compute)
		}(i)
	}

	started.Wait()
	// Give late goroutines time to attach to the in-flight compute.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), computes.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i])
	}
}

func TestGetOrCompute_ErrorNotCached(t *testing.T) {
	c := New[string](time.Hour, 0, clockwork.NewFakeClock())
	boom := errors.New("boom")
	var calls int

	_, _, err := c.GetOrCompute(context.Background(), "k", 0, func(context.Context) (string, error) {
		calls++
		return "", boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())

	v, hit, err := c.GetOrCompute(context.Background(), "k", 0, func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, calls)
}

func TestGetOrCompute_PanicBecomesError(t *testing.T) {
	c := New[string](time.Hour, 0, clockwork.NewFakeClock())

	_, _, err := c.GetOrCompute(context.Background(), "k", 0, func(context.Context) (string, error) {
		panic("corrupted")
	})
	require.ErrorIs(t, err, ErrComputePanicked)
	assert.Equal(t, 0, c.Len())
}

func TestGetOrCompute_CallerCancelDoesNotCancelCompute(t *testing.T) {
	c := New[string](time.Hour, 0, clockwork.NewFakeClock())

	release := make(chan struct{})
	done := make(chan error, 1)
	compute := func(ctx context.Context) (string, error) {
		<-release
		done <- ctx.Err()
		return "finished", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrCompute(ctx, "k", 0, compute)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	require.NoError(t, <-done, "compute context must not inherit caller cancellation")

	require.Eventually(t, func() bool {
		v, ok := c.Get("k")
		return ok && v == "finished"
	}, time.Second, 5*time.Millisecond)
}
