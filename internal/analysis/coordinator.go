// Package analysis services evaluation requests by running engine searches
// behind the single-flight cache.
//
// A request for a position that is cached returns immediately. Otherwise the
// first caller acquires a session from the pool, runs a depth-bounded
// search, folds the streamed score and mate updates into an Evaluation and
// releases the session; concurrent callers for the same position share that
// one search.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/arbre/internal/cache"
	"github.com/dyluth/arbre/internal/engine"
	"github.com/dyluth/arbre/pkg/study"
	"github.com/dyluth/arbre/pkg/uci"
	"github.com/rs/zerolog"
)

// DefaultStopTimeout bounds the stop issued when a search is abandoned.
const DefaultStopTimeout = 5 * time.Second

// ErrInvalidRequest is returned by Evaluate for an empty position or a
// non-positive depth. The engine is never consulted.
var ErrInvalidRequest = errors.New("invalid evaluation request")

// SessionPool hands out engine sessions.
type SessionPool interface {
	Acquire(ctx context.Context) (*engine.Session, error)
	Release(s *engine.Session)
}

// Publisher announces freshly computed evaluations.
type Publisher interface {
	PublishEvaluation(ctx context.Context, ev *study.Evaluation) error
}

// Options configures a Coordinator.
type Options struct {
	// RetryOnCrash runs a search once more on a fresh session when the
	// engine dies mid-search.
	RetryOnCrash bool
	// StopTimeout bounds the stop of an abandoned search. Defaults to DefaultStopTimeout.
	StopTimeout time.Duration
	// Publisher is optional.
	Publisher Publisher
	Logger    zerolog.Logger
}

// Coordinator evaluates positions using a session pool and an evaluation cache.
type Coordinator struct {
	pool        SessionPool
	cache       *cache.Cache
	retry       bool
	stopTimeout time.Duration
	publisher   Publisher
	log         zerolog.Logger
	now         func() time.Time
}

// NewCoordinator creates a coordinator.
func NewCoordinator(pool SessionPool, c *cache.Cache, opts Options) *Coordinator {
	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Coordinator{
		pool:        pool,
		cache:       c,
		retry:       opts.RetryOnCrash,
		stopTimeout: stopTimeout,
		publisher:   opts.Publisher,
		log:         opts.Logger.With().Str("component", "analysis").Logger(),
		now:         time.Now,
	}
}

// Evaluate returns the evaluation of positionKey. A cached evaluation of any
// depth is returned as is; otherwise the position is searched to depth.
//
// If ctx ends first the caller receives an error matching cache.ErrCancelled.
// The search keeps running for any other caller waiting on the same position
// and is stopped once none remain.
func (c *Coordinator) Evaluate(ctx context.Context, positionKey string, depth int) (*study.Evaluation, error) {
	req := engine.SearchRequest{PositionKey: positionKey, TargetDepth: depth}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return c.cache.GetOrCompute(ctx, positionKey, depth, c.compute)
}

// Cached returns the in-memory evaluation for positionKey, if any.
func (c *Coordinator) Cached(positionKey string) (*study.Evaluation, bool) {
	return c.cache.Peek(positionKey)
}

func (c *Coordinator) compute(ctx context.Context, positionKey string, depth int) (*study.Evaluation, error) {
	start := c.now()

	ev, err := c.search(ctx, positionKey, depth)
	if err != nil && c.retry && errors.Is(err, engine.ErrEngineCrashed) && ctx.Err() == nil {
		c.log.Warn().
			Err(err).
			Str("event", "search_retry").
			Str("position", positionKey).
			Msg("Engine crashed mid-search, retrying on a fresh session")
		ev, err = c.search(ctx, positionKey, depth)
	}

	elapsed := c.now().Sub(start)
	searchDuration.Observe(elapsed.Seconds())
	searchTotal.WithLabelValues(outcome(err)).Inc()

	if err != nil {
		c.log.Error().
			Err(err).
			Str("event", "search_failed").
			Str("position", positionKey).
			Int("depth", depth).
			Msg("Evaluation failed")
		return nil, err
	}

	c.log.Info().
		Str("event", "search_completed").
		Str("position", positionKey).
		Str("best_move", ev.BestMove).
		Str("score", ev.Score()).
		Int("depth", ev.ReachedDepth).
		Dur("took", elapsed).
		Msg("Evaluation computed")

	if c.publisher != nil {
		if perr := c.publisher.PublishEvaluation(ctx, ev); perr != nil {
			c.log.Warn().Err(perr).Str("position", positionKey).Msg("Failed to publish evaluation")
		}
	}
	return ev, nil
}

// search runs one search on one session. The session goes back to the pool
// idle, or dead if the engine crashed or ignored a stop.
func (c *Coordinator) search(ctx context.Context, positionKey string, depth int) (*study.Evaluation, error) {
	s, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire engine session: %w", err)
	}
	defer c.pool.Release(s)

	search, err := s.Search(engine.SearchRequest{PositionKey: positionKey, TargetDepth: depth})
	if err != nil {
		return nil, err
	}

	acc := newAccumulator(positionKey)
	for {
		select {
		case ev, ok := <-search.Events():
			if !ok {
				err := search.Err()
				if err == nil {
					err = engine.ErrEngineCrashed
				}
				return nil, fmt.Errorf("search of %q ended without a best move: %w", positionKey, err)
			}
			if acc.apply(ev) {
				return acc.evaluation(c.now()), nil
			}

		case <-ctx.Done():
			c.abandon(s, positionKey)
			return nil, ctx.Err()
		}
	}
}

// abandon stops an in-flight search so the session can be reused.
func (c *Coordinator) abandon(s *engine.Session, positionKey string) {
	stopCtx, cancel := context.WithTimeout(context.Background(), c.stopTimeout)
	defer cancel()

	if err := s.Stop(stopCtx); err != nil {
		c.log.Warn().
			Err(err).
			Str("event", "search_stop_failed").
			Str("session_id", s.ID()).
			Str("position", positionKey).
			Msg("Abandoned search did not stop cleanly")
		return
	}
	c.log.Info().
		Str("event", "search_abandoned").
		Str("session_id", s.ID()).
		Str("position", positionKey).
		Msg("Search stopped, no callers remain")
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, engine.ErrEngineCrashed):
		return "crashed"
	default:
		return "error"
	}
}

// accumulator folds a search's event stream into an Evaluation. Each update
// replaces the previous score; a centipawn score and a mate distance are
// mutually exclusive.
type accumulator struct {
	positionKey string
	centipawns  *int
	mate        *int
	depth       int
	exact       bool
	bestMove    string
}

func newAccumulator(positionKey string) *accumulator {
	return &accumulator{positionKey: positionKey}
}

// apply folds ev and reports whether it was the terminal event.
func (a *accumulator) apply(ev uci.Event) bool {
	switch e := ev.(type) {
	case uci.ScoreUpdate:
		if !a.accept(e.Bound, e.Depth) {
			return false
		}
		a.centipawns, a.mate = study.Int(e.Centipawns), nil
	case uci.MateUpdate:
		if !a.accept(e.Bound, e.Depth) {
			return false
		}
		a.mate, a.centipawns = study.Int(e.MovesToMate), nil
	case uci.BestMoveFound:
		a.bestMove = e.Move
		return true
	}
	return false
}

// accept reports whether an update should replace the current score. Bound
// scores only fill in until an exact score has been seen at that depth or
// deeper.
func (a *accumulator) accept(bound uci.Bound, depth int) bool {
	exact := bound == uci.BoundExact
	if !exact && a.exact && depth <= a.depth {
		return false
	}
	a.depth = max(a.depth, depth)
	a.exact = exact
	return true
}

func (a *accumulator) evaluation(at time.Time) *study.Evaluation {
	return &study.Evaluation{
		PositionKey:     a.positionKey,
		BestMove:        a.bestMove,
		ScoreCentipawns: a.centipawns,
		MateInN:         a.mate,
		ReachedDepth:    a.depth,
		ComputedAtMs:    at.UnixMilli(),
	}
}
