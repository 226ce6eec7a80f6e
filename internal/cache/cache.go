// Package cache provides the position-keyed, single-flight evaluation cache.
//
// At most one computation runs per position key. Callers arriving while it
// runs share its result; a caller that cancels leaves without disturbing the
// others, and the computation itself is abandoned only when its last caller
// has left. Completed evaluations are kept indefinitely and satisfy requests
// of any depth. Failures are never cached.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dyluth/arbre/pkg/study"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrCancelled is returned to a caller whose context ended before the
// shared computation resolved. It is joined with the context's error.
var ErrCancelled = errors.New("evaluation cancelled")

// ComputeFunc produces an evaluation for a position.
type ComputeFunc func(ctx context.Context, positionKey string, depth int) (*study.Evaluation, error)

// Store is a durable second-level cache consulted on a miss and written
// after every computation. A missing evaluation is reported with an error
// for which study.IsNotFound is true.
type Store interface {
	GetEvaluation(ctx context.Context, positionKey string) (*study.Evaluation, error)
	PutEvaluation(ctx context.Context, ev *study.Evaluation) error
}

// Options configures a Cache.
type Options struct {
	// Store is optional.
	Store  Store
	Logger zerolog.Logger
}

// Stats reports cache occupancy.
type Stats struct {
	Entries  int `json:"entries"`
	InFlight int `json:"in_flight"`
}

// flight is the shared computation for one key.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Cache maps position keys to completed evaluations.
type Cache struct {
	store Store
	log   zerolog.Logger
	group singleflight.Group

	mu       sync.Mutex
	entries  map[string]*study.Evaluation
	inflight map[string]*flight
}

// New creates an empty cache.
func New(opts Options) *Cache {
	return &Cache{
		store:    opts.Store,
		log:      opts.Logger.With().Str("component", "cache").Logger(),
		entries:  make(map[string]*study.Evaluation),
		inflight: make(map[string]*flight),
	}
}

// GetOrCompute returns the cached evaluation for positionKey, whatever depth
// it reached, or joins or starts the single computation for it.
func (c *Cache) GetOrCompute(ctx context.Context, positionKey string, depth int, fn ComputeFunc) (*study.Evaluation, error) {
	c.mu.Lock()
	if ev, ok := c.entries[positionKey]; ok {
		c.mu.Unlock()
		requestsTotal.WithLabelValues("hit").Inc()
		c.log.Debug().Str("event", "cache_hit").Str("position", positionKey).Msg("Evaluation served from cache")
		return ev.Clone(), nil
	}

	f, joined := c.inflight[positionKey]
	if !joined {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.inflight[positionKey] = f
	}
	f.waiters++

	// The group call and the in-flight entry are created and retired under
	// c.mu, so a caller that finds f always joins f's call.
	ch := c.group.DoChan(positionKey, func() (any, error) {
		return c.compute(f, positionKey, depth, fn)
	})
	c.mu.Unlock()

	if joined {
		requestsTotal.WithLabelValues("joined").Inc()
		c.log.Debug().Str("event", "cache_joined").Str("position", positionKey).Msg("Joined in-flight evaluation")
	} else {
		requestsTotal.WithLabelValues("miss").Inc()
		c.log.Debug().Str("event", "cache_miss").Str("position", positionKey).Int("depth", depth).Msg("Starting evaluation")
	}

	select {
	case res := <-ch:
		c.leave(positionKey, f)
		if res.Err != nil {
			return nil, res.Err
		}
		ev, ok := res.Val.(*study.Evaluation)
		if !ok {
			return nil, fmt.Errorf("unexpected type from evaluation flight: got %T", res.Val)
		}
		return ev.Clone(), nil

	case <-ctx.Done():
		if c.leave(positionKey, f) {
			c.log.Info().
				Str("event", "evaluation_abandoned").
				Str("position", positionKey).
				Msg("Last waiter left, abandoning evaluation")
		}
		return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
}

// leave drops one waiter from f. When the last waiter leaves an unfinished
// flight, the computation is cancelled and forgotten so the next request
// starts afresh. It reports whether that happened.
func (c *Cache) leave(positionKey string, f *flight) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	f.waiters--
	if f.waiters > 0 || c.inflight[positionKey] != f {
		return false
	}
	delete(c.inflight, positionKey)
	c.group.Forget(positionKey)
	f.cancel()
	return true
}

func (c *Cache) compute(f *flight, positionKey string, depth int, fn ComputeFunc) (any, error) {
	// Double-check the cache inside the flight.
	c.mu.Lock()
	ev, ok := c.entries[positionKey]
	c.mu.Unlock()
	if ok {
		c.finish(f, positionKey, ev, nil)
		return ev, nil
	}

	if c.store != nil {
		stored, err := c.store.GetEvaluation(f.ctx, positionKey)
		switch {
		case err == nil && stored != nil:
			requestsTotal.WithLabelValues("store_hit").Inc()
			c.finish(f, positionKey, stored, nil)
			return stored, nil
		case err != nil && !study.IsNotFound(err):
			c.log.Warn().Err(err).Str("position", positionKey).Msg("Evaluation store lookup failed")
		}
	}

	ev, err := fn(f.ctx, positionKey, depth)
	if err == nil && ev == nil {
		err = fmt.Errorf("no evaluation produced for %s", positionKey)
	}
	if err == nil && c.store != nil {
		if perr := c.store.PutEvaluation(f.ctx, ev); perr != nil {
			c.log.Warn().Err(perr).Str("position", positionKey).Msg("Failed to persist evaluation")
		}
	}

	c.finish(f, positionKey, ev, err)
	return ev, err
}

// finish stores a successful result and retires the flight if it is still current.
func (c *Cache) finish(f *flight, positionKey string, ev *study.Evaluation, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.entries[positionKey] = ev
		c.log.Debug().
			Str("event", "evaluation_stored").
			Str("position", positionKey).
			Int("depth", ev.ReachedDepth).
			Msg("Evaluation cached")
	}
	if c.inflight[positionKey] == f {
		delete(c.inflight, positionKey)
		c.group.Forget(positionKey)
	}
}

// Peek returns the cached evaluation without computing.
func (c *Cache) Peek(positionKey string) (*study.Evaluation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.entries[positionKey]
	if !ok {
		return nil, false
	}
	return ev.Clone(), true
}

// Put stores an evaluation directly, replacing any cached one.
func (c *Cache) Put(ev *study.Evaluation) {
	if ev == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ev.PositionKey] = ev.Clone()
}

// Len returns the number of cached evaluations.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns occupancy counts.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.entries), InFlight: len(c.inflight)}
}
