// Package pool manages a bounded set of engine sessions.
//
// Idle sessions are reused; new ones are spawned lazily up to MaxSessions;
// callers beyond that wait in FIFO order. Dead sessions are dropped when
// released and replaced on a later Acquire. Every dead release or failed
// spawn counts as a crash; once MaxCrashes occur inside CrashWindow the pool
// is degraded and spawns are limited to one per window until it recovers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/arbre/internal/engine"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("session pool is closed")

const (
	DefaultMaxSessions = 2
	DefaultCrashWindow = 30 * time.Second
	DefaultMaxCrashes  = 2
)

// Factory spawns and starts a new session.
type Factory func(ctx context.Context) (*engine.Session, error)

// LauncherFactory returns a Factory that starts sessions on launcher.
func LauncherFactory(launcher engine.Launcher, opts engine.Options) Factory {
	return func(ctx context.Context) (*engine.Session, error) {
		s := engine.NewSession(launcher, opts)
		if err := s.Start(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Config bounds the pool and sets its crash policy.
type Config struct {
	MaxSessions int
	// CrashWindow and MaxCrashes define when the pool is degraded.
	CrashWindow time.Duration
	MaxCrashes  int
	// SpawnInterval is the minimum gap between spawns while healthy. Zero means unlimited.
	SpawnInterval time.Duration
	Logger        zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxSessions < 1 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.CrashWindow <= 0 {
		c.CrashWindow = DefaultCrashWindow
	}
	if c.MaxCrashes < 1 {
		c.MaxCrashes = DefaultMaxCrashes
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Idle          int  `json:"idle"`
	Busy          int  `json:"busy"`
	Spawning      int  `json:"spawning"`
	Total         int  `json:"total"`
	Waiting       int  `json:"waiting"`
	Max           int  `json:"max"`
	RecentCrashes int  `json:"recent_crashes"`
	Degraded      bool `json:"degraded"`
}

// waiter receives either an idle session or, as nil, a reserved spawn slot.
type waiter struct {
	ch chan *engine.Session
}

// Pool hands out engine sessions to concurrent callers.
type Pool struct {
	factory Factory
	cfg     Config
	log     zerolog.Logger
	limiter *rate.Limiter
	now     func() time.Time

	mu       sync.Mutex
	idle     []*engine.Session
	busy     map[string]*engine.Session
	spawning int
	waiters  []*waiter
	crashes  []time.Time
	degraded bool
	closed   bool
}

// New creates an empty pool. No session is spawned until the first Acquire.
func New(factory Factory, cfg Config) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		factory: factory,
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "pool").Logger(),
		now:     time.Now,
		busy:    make(map[string]*engine.Session),
	}
	p.limiter = rate.NewLimiter(p.healthyLimit(), cfg.MaxSessions)
	return p
}

func (p *Pool) healthyLimit() rate.Limit {
	if p.cfg.SpawnInterval <= 0 {
		return rate.Inf
	}
	return rate.Every(p.cfg.SpawnInterval)
}

// Acquire returns an idle session, spawns one if below the maximum, or
// blocks until a session is released. Waiters are served in arrival order.
func (p *Pool) Acquire(ctx context.Context) (*engine.Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if s := p.popIdleLocked(); s != nil {
		p.busy[s.ID()] = s
		p.updateGaugesLocked()
		p.mu.Unlock()
		return s, nil
	}

	if p.totalLocked() < p.cfg.MaxSessions {
		p.spawning++
		p.mu.Unlock()
		return p.spawn(ctx)
	}

	w := &waiter{ch: make(chan *engine.Session, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	p.log.Debug().Str("event", "acquire_waiting").Msg("Pool at capacity, waiting for a session")

	select {
	case s, ok := <-w.ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		if s == nil {
			return p.spawn(ctx)
		}
		return s, nil

	case <-ctx.Done():
		p.mu.Lock()
		if p.removeWaiterLocked(w) {
			p.mu.Unlock()
			return nil, ctx.Err()
		}
		p.mu.Unlock()

		// A grant raced with cancellation; hand it back.
		if s, ok := <-w.ch; ok {
			if s == nil {
				p.mu.Lock()
				p.spawning--
				p.dispatchLocked()
				p.mu.Unlock()
			} else {
				p.Release(s)
			}
		}
		return nil, ctx.Err()
	}
}

// spawn starts a session in a slot already counted in p.spawning.
func (p *Pool) spawn(ctx context.Context) (*engine.Session, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		p.mu.Lock()
		p.spawning--
		p.dispatchLocked()
		p.mu.Unlock()
		return nil, err
	}

	start := p.now()
	s, err := p.factory(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.spawning--

	if err != nil {
		spawnsTotal.WithLabelValues("error").Inc()
		p.recordCrashLocked()
		p.dispatchLocked()
		p.log.Error().Err(err).Str("event", "session_spawn_failed").Msg("Failed to spawn engine session")
		return nil, fmt.Errorf("failed to spawn engine session: %w", err)
	}

	if p.closed {
		go p.closeSession(s)
		return nil, ErrPoolClosed
	}

	spawnsTotal.WithLabelValues("ok").Inc()
	p.busy[s.ID()] = s
	p.updateGaugesLocked()
	p.log.Info().
		Str("event", "session_spawned").
		Str("session_id", s.ID()).
		Dur("took", p.now().Sub(start)).
		Msg("Spawned engine session")
	return s, nil
}

// Release returns a session obtained from Acquire. A session still searching
// is stopped first. Dead sessions are retired and count as crashes.
func (p *Pool) Release(s *engine.Session) {
	if s == nil {
		return
	}
	switch s.State() {
	case engine.StateSearching, engine.StateStopping:
		if err := s.Stop(context.Background()); err != nil {
			p.log.Warn().Err(err).Str("session_id", s.ID()).Msg("Stop on release failed")
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.busy[s.ID()]; !ok {
		p.log.Warn().Str("session_id", s.ID()).Msg("Release of a session the pool does not own")
		return
	}
	delete(p.busy, s.ID())

	if p.closed {
		p.updateGaugesLocked()
		go p.closeSession(s)
		return
	}

	if s.State() != engine.StateIdle {
		p.retireLocked(s)
		p.dispatchLocked()
		p.updateGaugesLocked()
		return
	}

	if w := p.popWaiterLocked(); w != nil {
		p.busy[s.ID()] = s
		w.ch <- s
		return
	}

	p.idle = append(p.idle, s)
	p.updateGaugesLocked()
}

// Close refuses further acquisitions, wakes every waiter with ErrPoolClosed
// and closes idle sessions. Busy sessions are closed when released.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, w := range p.waiters {
		close(w.ch)
	}
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	p.updateGaugesLocked()
	p.mu.Unlock()

	var errs []error
	for _, s := range idle {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.log.Info().Str("event", "pool_closed").Int("closed_sessions", len(idle)).Msg("Session pool closed")
	return errors.Join(errs...)
}

// Stats returns current counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneCrashesLocked()
	return Stats{
		Idle:          len(p.idle),
		Busy:          len(p.busy),
		Spawning:      p.spawning,
		Total:         p.totalLocked(),
		Waiting:       len(p.waiters),
		Max:           p.cfg.MaxSessions,
		RecentCrashes: len(p.crashes),
		Degraded:      p.degraded,
	}
}

// IdleIDs returns the ids of idle sessions.
func (p *Pool) IdleIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.idle))
	for _, s := range p.idle {
		ids = append(ids, s.ID())
	}
	return ids
}

func (p *Pool) totalLocked() int {
	return len(p.idle) + len(p.busy) + p.spawning
}

// popIdleLocked returns the most recently released live session, retiring
// any that died while idle.
func (p *Pool) popIdleLocked() *engine.Session {
	for len(p.idle) > 0 {
		n := len(p.idle) - 1
		s := p.idle[n]
		p.idle = p.idle[:n]
		if s.State() == engine.StateIdle {
			return s
		}
		p.retireLocked(s)
	}
	return nil
}

// dispatchLocked hands free capacity to waiters as spawn slots.
func (p *Pool) dispatchLocked() {
	for len(p.waiters) > 0 && p.totalLocked() < p.cfg.MaxSessions {
		w := p.popWaiterLocked()
		p.spawning++
		w.ch <- nil
	}
}

func (p *Pool) popWaiterLocked() *waiter {
	if len(p.waiters) == 0 {
		return nil
	}
	w := p.waiters[0]
	p.waiters[0] = nil
	p.waiters = p.waiters[1:]
	return w
}

func (p *Pool) removeWaiterLocked(target *waiter) bool {
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) retireLocked(s *engine.Session) {
	retiredTotal.Inc()
	p.recordCrashLocked()
	s.Kill()
	p.log.Warn().
		Str("event", "session_retired").
		Str("session_id", s.ID()).
		Int("recent_crashes", len(p.crashes)).
		Msg("Retired dead engine session")
}

func (p *Pool) recordCrashLocked() {
	p.crashes = append(p.crashes, p.now())
	p.pruneCrashesLocked()
}

// pruneCrashesLocked drops crashes older than the window and switches the
// spawn limiter between healthy and degraded rates.
func (p *Pool) pruneCrashesLocked() {
	cutoff := p.now().Add(-p.cfg.CrashWindow)
	kept := p.crashes[:0]
	for _, at := range p.crashes {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	p.crashes = kept

	switch {
	case !p.degraded && len(p.crashes) >= p.cfg.MaxCrashes:
		p.degraded = true
		p.limiter.SetLimit(rate.Every(p.cfg.CrashWindow))
		p.limiter.SetBurst(1)
		p.log.Warn().
			Str("event", "pool_degraded").
			Int("recent_crashes", len(p.crashes)).
			Dur("window", p.cfg.CrashWindow).
			Msg("Engine crashing repeatedly, throttling spawns")
	case p.degraded && len(p.crashes) < p.cfg.MaxCrashes:
		p.degraded = false
		p.limiter.SetLimit(p.healthyLimit())
		p.limiter.SetBurst(p.cfg.MaxSessions)
		p.log.Info().Str("event", "pool_recovered").Msg("Engine spawn rate restored")
	}
}

func (p *Pool) updateGaugesLocked() {
	sessionsGauge.WithLabelValues("idle").Set(float64(len(p.idle)))
	sessionsGauge.WithLabelValues("busy").Set(float64(len(p.busy)))
}

func (p *Pool) closeSession(s *engine.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		p.log.Debug().Err(err).Str("session_id", s.ID()).Msg("Session close returned error")
	}
}
