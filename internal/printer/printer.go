// Package printer renders CLI output with colors.
package printer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/dyluth/arbre/pkg/study"
	"github.com/fatih/color"
)

func init() {
	// Force color output even when not connected to TTY
	// Users can disable with NO_COLOR environment variable
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

// Printer writes messages to an output and an error stream.
type Printer struct {
	out    io.Writer
	errOut io.Writer

	green  *color.Color
	yellow *color.Color
	red    *color.Color
	cyan   *color.Color
	bold   *color.Color
}

// New returns a Printer writing regular output to out and errors to errOut.
func New(out, errOut io.Writer) *Printer {
	return &Printer{
		out:    out,
		errOut: errOut,
		green:  color.New(color.FgGreen),
		yellow: color.New(color.FgYellow),
		red:    color.New(color.FgRed, color.Bold),
		cyan:   color.New(color.FgCyan),
		bold:   color.New(color.Bold),
	}
}

// Plain returns a Printer that never emits color codes.
func Plain(out, errOut io.Writer) *Printer {
	p := New(out, errOut)
	for _, c := range []*color.Color{p.green, p.yellow, p.red, p.cyan, p.bold} {
		c.DisableColor()
	}
	return p
}

var std = New(os.Stdout, os.Stderr)

// Success prints a success message in green with a checkmark prefix
func (p *Printer) Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		p.green.Fprintf(p.out, "✓ %s", msg)
	} else {
		p.green.Fprint(p.out, msg)
	}
}

// Info prints an informational message in the default color
func (p *Printer) Info(format string, a ...any) {
	fmt.Fprintf(p.out, format, a...)
}

// Warning prints a warning message in yellow with a warning emoji prefix
func (p *Printer) Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		p.yellow.Fprintf(p.out, "⚠️  %s", msg)
	} else {
		p.yellow.Fprint(p.out, msg)
	}
}

// Step prints a step message with emphasis (used in multi-step operations)
func (p *Printer) Step(format string, a ...any) {
	p.cyan.Fprintf(p.out, "→ %s", fmt.Sprintf(format, a...))
}

// Error prints a formatted error with title, explanation, and suggestions
// to the error stream and returns a simple error for Cobra.
func (p *Printer) Error(title string, explanation string, suggestions []string) error {
	return p.ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error with key/value details, printed in key order.
func (p *Printer) ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	p.red.Fprintf(p.errOut, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(p.errOut, "%s\n", explanation)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintf(p.errOut, "\n")
		for _, k := range keys {
			fmt.Fprintf(p.errOut, "  %s: %s\n", k, context[k])
		}
	}

	if len(suggestions) > 0 {
		fmt.Fprintf(p.errOut, "\n")
		if len(suggestions) == 1 {
			fmt.Fprintf(p.errOut, "%s\n", suggestions[0])
		} else {
			fmt.Fprintf(p.errOut, "Either:\n")
			for i, suggestion := range suggestions {
				fmt.Fprintf(p.errOut, "  %d. %s\n", i+1, suggestion)
			}
		}
	}

	// Not printed again by Cobra (SilenceErrors)
	return fmt.Errorf("%s", title)
}

// Evaluation prints a position's evaluation with the score from White's
// point of view: green when White is better, red when Black is.
func (p *Printer) Evaluation(ev *study.Evaluation) {
	white := ev.WhitePerspective()

	scoreColor := p.bold
	switch {
	case white.MateInN != nil && *white.MateInN > 0,
		white.ScoreCentipawns != nil && *white.ScoreCentipawns > 0:
		scoreColor = p.green
	case white.MateInN != nil && *white.MateInN < 0,
		white.ScoreCentipawns != nil && *white.ScoreCentipawns < 0:
		scoreColor = p.red
	}

	fmt.Fprintf(p.out, "Position:  %s\n", ev.PositionKey)
	if ev.BestMove == "" {
		p.yellow.Fprintf(p.out, "Best move: none (no legal move)\n")
	} else {
		fmt.Fprintf(p.out, "Best move: ")
		p.bold.Fprintf(p.out, "%s\n", ev.BestMove)
	}
	fmt.Fprintf(p.out, "Score:     ")
	scoreColor.Fprintf(p.out, "%s\n", white.Score())
	fmt.Fprintf(p.out, "Depth:     %d\n", ev.ReachedDepth)
}

// Println prints a plain message (for output that doesn't need coloring)
func (p *Printer) Println(a ...any) {
	fmt.Fprintln(p.out, a...)
}

// Printf prints a plain formatted message (for output that doesn't need coloring)
func (p *Printer) Printf(format string, a ...any) {
	fmt.Fprintf(p.out, format, a...)
}

// Success prints to stdout using the default printer.
func Success(format string, a ...any) { std.Success(format, a...) }

// Info prints to stdout using the default printer.
func Info(format string, a ...any) { std.Info(format, a...) }

// Warning prints to stdout using the default printer.
func Warning(format string, a ...any) { std.Warning(format, a...) }

// Step prints to stdout using the default printer.
func Step(format string, a ...any) { std.Step(format, a...) }

// Error prints to stderr using the default printer.
func Error(title string, explanation string, suggestions []string) error {
	return std.Error(title, explanation, suggestions)
}

// ErrorWithContext prints to stderr using the default printer.
func ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	return std.ErrorWithContext(title, explanation, context, suggestions)
}
