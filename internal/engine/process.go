package engine

import (
	"context"
	"fmt"
	"io"
	"os/exec"
)

// Process is a running engine speaking the text protocol over its standard
// streams.
type Process interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Kill() error
	Wait() error
}

// Launcher starts engine processes.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// ExecLauncher launches a local engine executable.
type ExecLauncher struct {
	Path string
	Args []string
	Dir  string
}

// Launch starts the executable. The process is not bound to ctx: it lives
// until the owning session kills or closes it.
func (l ExecLauncher) Launch(ctx context.Context) (Process, error) {
	if l.Path == "" {
		return nil, fmt.Errorf("engine path is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(l.Path, l.Args...)
	cmd.Dir = l.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", l.Path, err)
	}

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}
