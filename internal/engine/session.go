// Package engine drives one external analysis engine process per Session.
//
// A Session owns the process's standard streams. A long-lived reader
// goroutine turns stdout into lines; each search gets a pump goroutine that
// decodes those lines and delivers events to the caller until the engine
// reports its best move, the search is stopped, or the stream ends.
package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dyluth/arbre/pkg/uci"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultStopGrace bounds how long Stop waits for the engine to acknowledge.
	DefaultStopGrace = 2 * time.Second

	// DefaultHandshakeTimeout bounds the uciok and readyok exchange in Start.
	DefaultHandshakeTimeout = 5 * time.Second
)

const (
	lineBuffer   = 256
	eventBuffer  = 64
	maxLineBytes = 1024 * 1024
)

// State is the lifecycle state of a Session.
type State int

const (
	StateNew State = iota
	StateStarting
	StateIdle
	StateSearching
	StateStopping
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateStopping:
		return "stopping"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SearchRequest asks for a depth-bounded search of one position.
type SearchRequest struct {
	PositionKey string
	TargetDepth int
}

// Validate checks the request can be encoded.
func (r SearchRequest) Validate() error {
	_, err := uci.SearchCommands(r.PositionKey, r.TargetDepth)
	return err
}

// Options configures a Session.
type Options struct {
	// StopGrace bounds the wait for a stop acknowledgement. Defaults to DefaultStopGrace.
	StopGrace time.Duration
	// HandshakeTimeout bounds the startup handshake. Defaults to DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
	Logger           zerolog.Logger
}

// Session is one engine process and its search lifecycle.
type Session struct {
	id       string
	launcher Launcher
	grace     time.Duration
	handshake time.Duration
	log       zerolog.Logger

	// stopMu serializes Stop so an overlapping caller returns only once the
	// session has settled.
	stopMu sync.Mutex

	mu      sync.Mutex
	state   State
	proc    Process
	stdin   *bufio.Writer
	active  *Search
	current *SearchRequest

	lines    chan string
	quit     chan struct{}
	exited   chan struct{}
	killOnce sync.Once
}

// NewSession creates a session in StateNew. Call Start to launch the engine.
func NewSession(launcher Launcher, opts Options) *Session {
	grace := opts.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	handshake := opts.HandshakeTimeout
	if handshake <= 0 {
		handshake = DefaultHandshakeTimeout
	}
	id := uuid.New().String()

	return &Session{
		id:        id,
		launcher:  launcher,
		grace:     grace,
		handshake: handshake,
		log:       opts.Logger.With().Str("component", "engine").Str("session_id", shortID(id)).Logger(),
		state:     StateNew,
		quit:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentRequest returns the request being searched, or nil when no search is active.
func (s *Session) CurrentRequest() *SearchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	req := *s.current
	return &req
}

// Start launches the engine process, performs the uci/uciok and
// isready/readyok handshake, and moves the session to StateIdle. A process
// that launches but does not complete the handshake within HandshakeTimeout
// is killed and reported as ErrEngineSpawn.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateNew {
		state := s.state
		s.mu.Unlock()
		return s.opError("start", fmt.Errorf("%w: session is %s", ErrInvalidState, state))
	}
	s.state = StateStarting
	s.mu.Unlock()

	proc, err := s.launcher.Launch(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateDead
		s.mu.Unlock()
		return s.opError("start", fmt.Errorf("%w: %w", ErrEngineSpawn, err))
	}

	s.mu.Lock()
	if s.state != StateStarting {
		s.mu.Unlock()
		_ = proc.Kill()
		go func() { _ = proc.Wait() }()
		return s.opError("start", fmt.Errorf("%w: session killed during startup", ErrEngineSpawn))
	}
	s.proc = proc
	s.stdin = bufio.NewWriter(proc.Stdin())
	s.lines = make(chan string, lineBuffer)
	s.mu.Unlock()

	go s.readLoop(proc.Stdout())

	if err := s.handshakeWith(ctx); err != nil {
		s.mu.Lock()
		s.markDeadLocked()
		s.mu.Unlock()
		s.log.Error().Err(err).Str("event", "handshake_failed").Msg("Engine did not complete handshake")
		return s.opError("start", fmt.Errorf("%w: %w", ErrEngineSpawn, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStarting {
		return s.opError("start", fmt.Errorf("%w: engine exited during startup", ErrEngineSpawn))
	}
	s.state = StateIdle

	s.log.Debug().Str("event", "session_started").Msg("Engine process started")
	return nil
}

// handshakeWith sends uci and isready, waiting for uciok and readyok in turn.
func (s *Session) handshakeWith(ctx context.Context) error {
	timer := time.NewTimer(s.handshake)
	defer timer.Stop()

	steps := []struct{ cmd, reply string }{
		{uci.InitCommand, "uciok"},
		{uci.IsReadyCommand, "readyok"},
	}
	for _, step := range steps {
		s.mu.Lock()
		err := s.writeLocked(step.cmd)
		s.mu.Unlock()
		if err != nil {
			return err
		}
		if err := s.awaitLine(ctx, timer.C, step.reply); err != nil {
			return err
		}
	}
	return nil
}

// awaitLine discards output until a line whose first word is want.
func (s *Session) awaitLine(ctx context.Context, deadline <-chan time.Time, want string) error {
	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				return fmt.Errorf("engine output closed before %s", want)
			}
			if firstWord(strings.TrimSpace(line)) == want {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("no %s within %s", want, s.handshake)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readLoop forwards stdout lines until the stream ends or the session is killed.
func (s *Session) readLoop(r io.Reader) {
	defer close(s.exited)
	defer close(s.lines)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	for scanner.Scan() {
		select {
		case s.lines <- scanner.Text():
		case <-s.quit:
			return
		}
	}

	s.mu.Lock()
	if s.state == StateIdle {
		s.state = StateDead
		s.log.Warn().Str("event", "engine_exited").Msg("Engine output closed while idle")
	}
	s.mu.Unlock()
}

// Search starts a depth-bounded search. The session must be idle; the
// returned Search streams events until the engine reports its best move.
func (s *Session) Search(req SearchRequest) (*Search, error) {
	cmds, err := uci.SearchCommands(req.PositionKey, req.TargetDepth)
	if err != nil {
		return nil, s.opError("search", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return nil, s.opError("search", fmt.Errorf("%w: session is %s", ErrInvalidState, s.state))
	}

	if err := s.writeLocked(cmds...); err != nil {
		s.markDeadLocked()
		return nil, s.opError("search", fmt.Errorf("%w: %w", ErrEngineCrashed, err))
	}

	search := newSearch(req)
	stored := req
	s.active = search
	s.current = &stored
	s.state = StateSearching

	go s.pump(search)

	s.log.Debug().
		Str("event", "search_started").
		Str("position", req.PositionKey).
		Int("depth", req.TargetDepth).
		Msg("Search started")
	return search, nil
}

// Restart stops any in-flight search and starts a new one.
func (s *Session) Restart(ctx context.Context, req SearchRequest) (*Search, error) {
	if err := s.Stop(ctx); err != nil {
		return nil, err
	}
	return s.Search(req)
}

func (s *Session) pump(search *Search) {
	defer close(search.done)
	defer close(search.events)

	for {
		var line string
		select {
		case <-search.halt:
			return
		case l, ok := <-s.lines:
			if !ok {
				search.fail(ErrEngineCrashed)
				s.mu.Lock()
				s.clearSearchLocked()
				s.markDeadLocked()
				s.mu.Unlock()
				s.log.Error().Str("event", "engine_crashed").Msg("Engine output closed during search")
				return
			}
			line = l
		}

		ev := uci.DecodeLine(line)
		switch ev.(type) {
		case uci.Unrecognized, uci.Ready:
			s.log.Trace().Str("line", line).Msg("Skipping engine line")
			continue
		}

		terminal := uci.IsTerminal(ev)
		if terminal {
			search.complete()
			s.mu.Lock()
			if s.state == StateSearching {
				s.state = StateIdle
				s.clearSearchLocked()
			}
			s.mu.Unlock()
		}

		select {
		case search.events <- ev:
		case <-search.halt:
			return
		}

		if terminal {
			return
		}
	}
}

// Stop ends the in-flight search. It is a no-op unless the session is
// searching. Overlapping calls are serialized; each returns once the session
// is idle or dead. The search's event stream is closed before the stop command is
// sent; the engine's acknowledgement is drained here. If no acknowledgement
// arrives within the grace period the session is killed and ErrStopTimeout
// is returned.
func (s *Session) Stop(ctx context.Context) error {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	s.mu.Lock()
	if s.state != StateSearching {
		s.mu.Unlock()
		return nil
	}
	search := s.active
	s.state = StateStopping
	s.mu.Unlock()

	search.stop()
	<-search.done

	s.mu.Lock()
	if search.isCompleted() || s.state == StateDead {
		if s.state == StateStopping {
			s.state = StateIdle
		}
		s.clearSearchLocked()
		s.mu.Unlock()
		return nil
	}
	if err := s.writeLocked(uci.StopCommand); err != nil {
		s.clearSearchLocked()
		s.markDeadLocked()
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.grace)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-s.lines:
			if !ok {
				s.mu.Lock()
				s.clearSearchLocked()
				s.markDeadLocked()
				s.mu.Unlock()
				return nil
			}
			if uci.IsTerminal(uci.DecodeLine(line)) {
				s.mu.Lock()
				s.state = StateIdle
				s.clearSearchLocked()
				s.mu.Unlock()
				s.log.Debug().Str("event", "search_stopped").Msg("Search stopped")
				return nil
			}

		case <-timer.C:
			s.log.Warn().
				Str("event", "stop_timeout").
				Dur("grace", s.grace).
				Msg("Engine did not acknowledge stop, killing session")
			s.Kill()
			return s.opError("stop", ErrStopTimeout)

		case <-ctx.Done():
			s.Kill()
			return s.opError("stop", ctx.Err())
		}
	}
}

// Kill terminates the engine process immediately. The session becomes dead.
func (s *Session) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearSearchLocked()
	s.markDeadLocked()
}

// Close stops any search, asks the engine to quit and waits for its output
// to end, killing it if ctx expires first.
func (s *Session) Close(ctx context.Context) error {
	stopErr := s.Stop(ctx)

	s.mu.Lock()
	if s.state == StateDead || s.state == StateNew {
		s.state = StateDead
		s.mu.Unlock()
		return stopErr
	}
	_ = s.writeLocked(uci.QuitCommand)
	s.state = StateDead
	s.mu.Unlock()

	select {
	case <-s.exited:
	case <-ctx.Done():
	}

	s.Kill()
	s.log.Debug().Str("event", "session_closed").Msg("Engine session closed")
	return stopErr
}

func (s *Session) writeLocked(cmds ...string) error {
	for _, cmd := range cmds {
		if _, err := s.stdin.WriteString(cmd + "\n"); err != nil {
			return fmt.Errorf("failed to write %q: %w", firstWord(cmd), err)
		}
	}
	if err := s.stdin.Flush(); err != nil {
		return fmt.Errorf("failed to flush engine input: %w", err)
	}
	return nil
}

func (s *Session) clearSearchLocked() {
	s.active = nil
	s.current = nil
}

func (s *Session) markDeadLocked() {
	s.state = StateDead
	s.killOnce.Do(func() {
		close(s.quit)
		if s.proc == nil {
			return
		}
		if err := s.proc.Kill(); err != nil {
			s.log.Debug().Err(err).Msg("Engine kill returned error")
		}
		go func(p Process) {
			_ = p.Wait()
		}(s.proc)
	})
}

func (s *Session) opError(op string, err error) error {
	return &OpError{Op: op, SessionID: s.id, Err: err}
}

func firstWord(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return cmd[:i]
	}
	return cmd
}

// Search is one in-flight search on a Session.
type Search struct {
	req SearchRequest

	events chan uci.Event
	halt   chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	err       error
	completed bool
	haltOnce  sync.Once
}

func newSearch(req SearchRequest) *Search {
	return &Search{
		req:     req,
		events:  make(chan uci.Event, eventBuffer),
		halt:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Events returns the decoded score, mate and best-move events in engine
// output order. The channel is closed after the best move, on stop, or when
// the engine dies; Err reports which.
func (s *Search) Events() <-chan uci.Event {
	return s.events
}

// Err returns nil if the search completed with a best move, ErrSearchStopped
// if it was stopped first, or ErrEngineCrashed if the engine died.
func (s *Search) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Search) stop() {
	s.mu.Lock()
	if !s.completed && s.err == nil {
		s.err = ErrSearchStopped
	}
	s.mu.Unlock()
	s.haltOnce.Do(func() { close(s.halt) })
}

func (s *Search) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// complete records that the engine's best move was read, even if a stop
// raced with it, so Stop does not wait for a second acknowledgement.
func (s *Search) complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = true
}

func (s *Search) isCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Request returns the request this search was started with.
func (s *Search) Request() SearchRequest {
	return s.req
}
