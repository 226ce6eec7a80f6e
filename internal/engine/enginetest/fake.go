// Package enginetest provides an in-memory engine process for tests.
//
// A fake Process answers the handshake commands itself, unless the launcher
// asks for a raw handshake, and hands every other command to a Handler, which
// decides what the engine prints.
package enginetest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dyluth/arbre/internal/engine"
)

// Handler reacts to one command line written to a fake engine.
type Handler func(p *Process, cmd string)

// Launcher is an engine.Launcher that starts fake processes.
type Launcher struct {
	// Handler is installed on every launched process.
	Handler Handler
	// Err, when set, makes Launch fail.
	Err error
	// RawHandshake passes uci and isready to Handler instead of answering them.
	RawHandshake bool

	mu        sync.Mutex
	processes []*Process
}

var _ engine.Launcher = (*Launcher)(nil)

// Launch starts a fake process.
func (l *Launcher) Launch(ctx context.Context) (engine.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.Err != nil {
		return nil, l.Err
	}
	p := newProcess(l.Handler, l.RawHandshake)
	l.processes = append(l.processes, p)
	return p, nil
}

// Launches returns how many processes were started.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.processes)
}

// Processes returns the started processes in launch order.
func (l *Launcher) Processes() []*Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Process(nil), l.processes...)
}

// Searches returns the number of go commands received across all processes.
func (l *Launcher) Searches() int {
	n := 0
	for _, p := range l.Processes() {
		n += p.Searches()
	}
	return n
}

// Process is a fake engine connected through in-memory pipes.
type Process struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	mu          sync.Mutex
	commands    []string
	killed      bool
	pendingStop chan struct{}

	done     chan struct{}
	killOnce sync.Once
}

func newProcess(h Handler, raw bool) *Process {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	p := &Process{
		stdinR:  inR,
		stdinW:  inW,
		stdoutR: outR,
		stdoutW: outW,
		done:    make(chan struct{}),
	}
	go p.serve(h, raw)
	return p
}

func (p *Process) serve(h Handler, raw bool) {
	scanner := bufio.NewScanner(p.stdinR)
	for scanner.Scan() {
		cmd := scanner.Text()

		p.mu.Lock()
		p.commands = append(p.commands, cmd)
		p.mu.Unlock()

		switch {
		case cmd == "uci" && !raw:
			p.Emit("id name enginetest", "id author arbre", "uciok")
			continue
		case cmd == "isready" && !raw:
			p.Emit("readyok")
			continue
		case cmd == "quit":
			p.Crash()
			return
		}

		if h != nil {
			h(p, cmd)
		}
	}
}

// Stdin implements engine.Process.
func (p *Process) Stdin() io.Writer { return p.stdinW }

// Stdout implements engine.Process.
func (p *Process) Stdout() io.Reader { return p.stdoutR }

// Kill implements engine.Process.
func (p *Process) Kill() error {
	p.killOnce.Do(func() {
		p.mu.Lock()
		p.killed = true
		p.mu.Unlock()
		_ = p.stdoutW.Close()
		_ = p.stdinR.Close()
		close(p.done)
	})
	return nil
}

// Wait implements engine.Process.
func (p *Process) Wait() error {
	<-p.done
	return nil
}

// Emit writes output lines. Writes after the process has ended are dropped.
func (p *Process) Emit(lines ...string) {
	for _, line := range lines {
		if _, err := fmt.Fprintln(p.stdoutW, line); err != nil {
			return
		}
	}
}

// Crash closes the output stream as if the engine had exited.
func (p *Process) Crash() {
	_ = p.stdoutW.Close()
}

// Commands returns every command line received so far.
func (p *Process) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commands...)
}

// Searches counts the go commands received.
func (p *Process) Searches() int {
	n := 0
	for _, cmd := range p.Commands() {
		if strings.HasPrefix(cmd, "go ") {
			n++
		}
	}
	return n
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Respond answers every go command with lines.
func Respond(lines ...string) Handler {
	return func(p *Process, cmd string) {
		if strings.HasPrefix(cmd, "go ") {
			p.Emit(lines...)
		}
	}
}

// RespondByPosition answers go with the lines registered for the most recent
// position fen command. Unknown positions get a bare "bestmove (none)".
func RespondByPosition(byFEN map[string][]string) Handler {
	var mu sync.Mutex
	current := make(map[*Process]string)
	return func(p *Process, cmd string) {
		switch {
		case strings.HasPrefix(cmd, "position fen "):
			mu.Lock()
			current[p] = strings.TrimPrefix(cmd, "position fen ")
			mu.Unlock()
		case strings.HasPrefix(cmd, "go "):
			mu.Lock()
			fen := current[p]
			mu.Unlock()
			lines, ok := byFEN[fen]
			if !ok {
				lines = []string{"bestmove (none)"}
			}
			p.Emit(lines...)
		}
	}
}

// Stall answers go with lines and then waits for stop, replying with the
// given best move.
func Stall(bestMove string, lines ...string) Handler {
	return func(p *Process, cmd string) {
		switch {
		case strings.HasPrefix(cmd, "go "):
			p.Emit(lines...)
		case cmd == "stop":
			p.Emit("bestmove " + bestMove)
		}
	}
}

// Deaf answers go with lines and never acknowledges stop.
func Deaf(lines ...string) Handler {
	return Respond(lines...)
}

// CrashOnGo emits lines and then closes the output stream.
func CrashOnGo(lines ...string) Handler {
	return func(p *Process, cmd string) {
		if strings.HasPrefix(cmd, "go ") {
			p.Emit(lines...)
			p.Crash()
		}
	}
}

// Gate holds back search output until released.
type Gate struct {
	ch   chan struct{}
	once sync.Once
}

// NewGate returns a gate that holds output until Open is called.
func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// Open releases every held search.
func (g *Gate) Open() {
	g.once.Do(func() { close(g.ch) })
}

// Gated answers go with lines once the gate opens. A stop before then is
// acknowledged with "bestmove (none)" and the held lines are discarded.
func Gated(g *Gate, lines ...string) Handler {
	return func(p *Process, cmd string) {
		switch {
		case strings.HasPrefix(cmd, "go "):
			stopped := make(chan struct{})
			p.mu.Lock()
			p.pendingStop = stopped
			p.mu.Unlock()
			go func() {
				select {
				case <-g.ch:
					p.Emit(lines...)
				case <-stopped:
				}
			}()
		case cmd == "stop":
			p.mu.Lock()
			stopped := p.pendingStop
			p.pendingStop = nil
			p.mu.Unlock()
			if stopped != nil {
				close(stopped)
				p.Emit("bestmove (none)")
			}
		}
	}
}
