// Package positions lists and fetches persisted evaluations for the CLI.
package positions

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/dyluth/arbre/internal/timespec"
	"github.com/dyluth/arbre/pkg/study"
)

// OutputFormat specifies how to format the evaluation list output.
type OutputFormat string

const (
	// OutputFormatDefault uses a table with truncated positions
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete evaluations as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, OutputFormatJSONL:
		return OutputFormat(s), nil
	}
	return "", fmt.Errorf("unknown output format: %s (must be 'default' or 'jsonl')", s)
}

// Source is a store that can enumerate its evaluations.
type Source interface {
	ScanEvaluations(ctx context.Context) ([]*study.Evaluation, error)
}

// FilterCriteria defines filtering options for the positions command.
// All filters are ANDed together.
type FilterCriteria struct {
	Computed     timespec.Range // Bounds on ComputedAtMs, zero = no filter
	MinDepth     int            // Minimum reached depth, 0 = no filter
	MatesOnly    bool           // Only forced mates
	PositionGlob string         // filepath.Match pattern on the position key; * stops at /
}

// matchesFilter returns true if the evaluation matches all filter criteria.
func (fc *FilterCriteria) matchesFilter(ev *study.Evaluation) bool {
	if !fc.Computed.Contains(ev.ComputedAtMs) {
		return false
	}
	if ev.ReachedDepth < fc.MinDepth {
		return false
	}
	if fc.MatesOnly && !ev.IsMate() {
		return false
	}
	if fc.PositionGlob != "" {
		matched, err := filepath.Match(fc.PositionGlob, ev.PositionKey)
		if err != nil || !matched {
			return false
		}
	}
	return true
}

// List writes every stored evaluation matching filters to w, oldest first.
func List(ctx context.Context, src Source, format OutputFormat, filters *FilterCriteria, w io.Writer) error {
	all, err := src.ScanEvaluations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list evaluations: %w", err)
	}

	evals := all[:0]
	for _, ev := range all {
		if filters == nil || filters.matchesFilter(ev) {
			evals = append(evals, ev)
		}
	}

	sort.Slice(evals, func(i, j int) bool {
		if evals[i].ComputedAtMs != evals[j].ComputedAtMs {
			return evals[i].ComputedAtMs < evals[j].ComputedAtMs
		}
		return evals[i].PositionKey < evals[j].PositionKey
	})

	switch format {
	case OutputFormatDefault:
		FormatTable(w, evals, time.Now())
	case OutputFormatJSONL:
		if err := FormatJSONL(w, evals); err != nil {
			return fmt.Errorf("failed to format JSONL output: %w", err)
		}
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
	return nil
}
