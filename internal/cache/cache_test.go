package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dyluth/arbre/pkg/study"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// memStore is an in-memory Store that records writes.
type memStore struct {
	mu     sync.Mutex
	evals  map[string]*study.Evaluation
	puts   int
	getErr error
}

func newMemStore() *memStore {
	return &memStore{evals: map[string]*study.Evaluation{}}
}

func (s *memStore) GetEvaluation(_ context.Context, key string) (*study.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	ev, ok := s.evals[key]
	if !ok {
		return nil, study.ErrNotFound
	}
	return ev.Clone(), nil
}

func (s *memStore) PutEvaluation(_ context.Context, ev *study.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	s.evals[ev.PositionKey] = ev.Clone()
	return nil
}

func (s *memStore) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

func newTestCache(store Store) *Cache {
	return New(Options{Store: store, Logger: zerolog.Nop()})
}

func evaluation(key string, depth, cp int) *study.Evaluation {
	return &study.Evaluation{PositionKey: key, BestMove: "e2e4", ScoreCentipawns: study.Int(cp), ReachedDepth: depth}
}

// waiters reports how many callers share the in-flight computation for key.
func (c *Cache) waiters(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.inflight[key]; ok {
		return f.waiters
	}
	return 0
}

// TestConcurrentCallersShareOneComputation verifies single-flight behaviour
func TestConcurrentCallersShareOneComputation(t *testing.T) {
	c := newTestCache(nil)
	release := make(chan struct{})
	var calls atomic.Int32

	fn := func(ctx context.Context, key string, depth int) (*study.Evaluation, error) {
		calls.Add(1)
		<-release
		return evaluation(key, depth, 30), nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*study.Evaluation, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCompute(context.Background(), startFEN, 15, fn)
		}(i)
	}

	require.Eventually(t, func() bool { return c.waiters(startFEN) == callers }, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 30, *results[i].ScoreCentipawns)
		assert.Equal(t, 15, results[i].ReachedDepth)
	}
	assert.Equal(t, Stats{Entries: 1, InFlight: 0}, c.Stats())
}

// TestCachedResultServesAnyDepth verifies a completed evaluation is reused
func TestCachedResultServesAnyDepth(t *testing.T) {
	c := newTestCache(nil)
	var calls atomic.Int32
	fn := func(ctx context.Context, key string, depth int) (*study.Evaluation, error) {
		calls.Add(1)
		return evaluation(key, depth, 30), nil
	}

	first, err := c.GetOrCompute(context.Background(), startFEN, 10, fn)
	require.NoError(t, err)
	second, err := c.GetOrCompute(context.Background(), startFEN, 25, fn)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 10, second.ReachedDepth)
	assert.Equal(t, first, second)

	// Results are copies.
	*second.ScoreCentipawns = 999
	cached, ok := c.Peek(startFEN)
	require.True(t, ok)
	assert.Equal(t, 30, *cached.ScoreCentipawns)
}

// TestFailuresAreNotCached verifies a failed computation is retried
func TestFailuresAreNotCached(t *testing.T) {
	c := newTestCache(nil)
	boom := errors.New("engine crashed")
	var calls atomic.Int32
	fn := func(ctx context.Context, key string, depth int) (*study.Evaluation, error) {
		if calls.Add(1) == 1 {
			return nil, boom
		}
		return evaluation(key, depth, 12), nil
	}

	_, err := c.GetOrCompute(context.Background(), startFEN, 10, fn)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())

	ev, err := c.GetOrCompute(context.Background(), startFEN, 10, fn)
	require.NoError(t, err)
	assert.Equal(t, 12, *ev.ScoreCentipawns)
	assert.Equal(t, int32(2), calls.Load())
}

// TestNilResultIsAnError verifies a compute func returning nothing fails the request
func TestNilResultIsAnError(t *testing.T) {
	c := newTestCache(nil)
	_, err := c.GetOrCompute(context.Background(), startFEN, 1, func(context.Context, string, int) (*study.Evaluation, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no evaluation produced")
	assert.Equal(t, 0, c.Len())
}

// TestCancelledWaiterLeavesSiblingsUnaffected verifies one caller's cancellation
// does not disturb others sharing the computation
func TestCancelledWaiterLeavesSiblingsUnaffected(t *testing.T) {
	c := newTestCache(nil)
	release := make(chan struct{})
	var calls atomic.Int32
	var computeCancelled atomic.Bool

	fn := func(ctx context.Context, key string, depth int) (*study.Evaluation, error) {
		calls.Add(1)
		select {
		case <-release:
			return evaluation(key, depth, 45), nil
		case <-ctx.Done():
			computeCancelled.Store(true)
			return nil, ctx.Err()
		}
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(ctxA, startFEN, 15, fn)
		errA <- err
	}()

	type result struct {
		ev  *study.Evaluation
		err error
	}
	resB := make(chan result, 1)
	go func() {
		ev, err := c.GetOrCompute(context.Background(), startFEN, 15, fn)
		resB <- result{ev, err}
	}()

	require.Eventually(t, func() bool { return c.waiters(startFEN) == 2 }, 2*time.Second, 5*time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, ErrCancelled)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}
	assert.Equal(t, 1, c.waiters(startFEN))

	close(release)
	select {
	case r := <-resB:
		require.NoError(t, r.err)
		assert.Equal(t, 45, *r.ev.ScoreCentipawns)
	case <-time.After(2 * time.Second):
		t.Fatal("remaining caller did not receive result")
	}

	assert.False(t, computeCancelled.Load())
	assert.Equal(t, int32(1), calls.Load())
	_, ok := c.Peek(startFEN)
	assert.True(t, ok)
}

// TestLastWaiterAbandonsComputation verifies the computation is cancelled when
// nobody is waiting for it, and the next request starts a fresh one
func TestLastWaiterAbandonsComputation(t *testing.T) {
	c := newTestCache(nil)
	var calls atomic.Int32
	abandoned := make(chan struct{})

	blocking := func(ctx context.Context, key string, depth int) (*study.Evaluation, error) {
		calls.Add(1)
		<-ctx.Done()
		close(abandoned)
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(ctx, startFEN, 20, blocking)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return c.waiters(startFEN) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("caller did not return")
	}

	select {
	case <-abandoned:
	case <-time.After(2 * time.Second):
		t.Fatal("computation was not cancelled")
	}
	assert.Equal(t, 0, c.Stats().InFlight)

	ev, err := c.GetOrCompute(context.Background(), startFEN, 20, func(ctx context.Context, key string, depth int) (*study.Evaluation, error) {
		calls.Add(1)
		return evaluation(key, depth, 5), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, *ev.ScoreCentipawns)
	assert.Equal(t, int32(2), calls.Load())
}

// TestDistinctKeysComputeIndependently verifies flights are per position
func TestDistinctKeysComputeIndependently(t *testing.T) {
	c := newTestCache(nil)
	var calls atomic.Int32
	fn := func(ctx context.Context, key string, depth int) (*study.Evaluation, error) {
		calls.Add(1)
		return evaluation(key, depth, 0), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.GetOrCompute(context.Background(), fmt.Sprintf("%s-%d", startFEN, i), 5, fn)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, 4, c.Len())
}

// TestStoreBacking verifies the second-level store is read on miss and written after compute
func TestStoreBacking(t *testing.T) {
	t.Run("store hit skips computation", func(t *testing.T) {
		store := newMemStore()
		store.evals[startFEN] = evaluation(startFEN, 22, 17)
		c := newTestCache(store)

		ev, err := c.GetOrCompute(context.Background(), startFEN, 10, func(context.Context, string, int) (*study.Evaluation, error) {
			t.Fatal("compute should not run on store hit")
			return nil, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 22, ev.ReachedDepth)
		assert.Equal(t, 1, c.Len())
		assert.Equal(t, 0, store.putCount())
	})

	t.Run("computed evaluation is persisted", func(t *testing.T) {
		store := newMemStore()
		c := newTestCache(store)

		_, err := c.GetOrCompute(context.Background(), startFEN, 10, func(ctx context.Context, key string, depth int) (*study.Evaluation, error) {
			return evaluation(key, depth, 3), nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, store.putCount())

		stored, err := store.GetEvaluation(context.Background(), startFEN)
		require.NoError(t, err)
		assert.Equal(t, 3, *stored.ScoreCentipawns)
	})

	t.Run("store failure falls through to compute", func(t *testing.T) {
		store := newMemStore()
		store.getErr = errors.New("connection refused")
		c := newTestCache(store)

		ev, err := c.GetOrCompute(context.Background(), startFEN, 10, func(ctx context.Context, key string, depth int) (*study.Evaluation, error) {
			return evaluation(key, depth, 8), nil
		})
		require.NoError(t, err)
		assert.Equal(t, 8, *ev.ScoreCentipawns)
	})
}

func TestPeekAndPut(t *testing.T) {
	c := newTestCache(nil)

	_, ok := c.Peek(startFEN)
	assert.False(t, ok)

	c.Put(nil)
	assert.Equal(t, 0, c.Len())

	ev := evaluation(startFEN, 12, 40)
	c.Put(ev)
	*ev.ScoreCentipawns = 0

	got, ok := c.Peek(startFEN)
	require.True(t, ok)
	assert.Equal(t, 40, *got.ScoreCentipawns)
	assert.Equal(t, Stats{Entries: 1}, c.Stats())
}
