package positions

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dyluth/arbre/pkg/study"
)

// FormatTable writes evaluations as a table with columns POSITION, SIDE,
// BEST, SCORE, DEPTH and AGE. Scores are shown from White's point of view.
// Returns the number of evaluations formatted.
func FormatTable(w io.Writer, evals []*study.Evaluation, now time.Time) int {
	if len(evals) == 0 {
		fmt.Fprintln(w, "No evaluations found")
		return 0
	}

	fmt.Fprintf(w, "%-44s %-4s %-7s %-7s %-5s %s\n", "POSITION", "SIDE", "BEST", "SCORE", "DEPTH", "AGE")
	fmt.Fprintf(w, "%-44s %-4s %-7s %-7s %-5s %s\n",
		strings.Repeat("-", 44), "----", "-------", "-------", "-----", "--------")

	for _, ev := range evals {
		fmt.Fprintf(w, "%-44s %-4s %-7s %-7s %-5d %s\n",
			formatPosition(ev.PositionKey),
			formatSide(ev.PositionKey),
			formatBestMove(ev.BestMove),
			ev.WhitePerspective().Score(),
			ev.ReachedDepth,
			formatAge(ev.ComputedAtMs, now),
		)
	}

	noun := "evaluation"
	if len(evals) != 1 {
		noun = "evaluations"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(evals), noun)
	return len(evals)
}

// FormatJSONL writes one compact JSON evaluation per line.
func FormatJSONL(w io.Writer, evals []*study.Evaluation) error {
	for _, ev := range evals {
		if err := writeJSONLine(w, ev); err != nil {
			return err
		}
	}
	return nil
}

// FormatSingleJSON writes one evaluation as pretty-printed JSON.
func FormatSingleJSON(w io.Writer, ev *study.Evaluation) error {
	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal evaluation to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

func writeJSONLine(w io.Writer, ev *study.Evaluation) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal evaluation to JSON: %w", err)
	}
	if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write JSONL output: %w", err)
	}
	return nil
}

// formatPosition shows the piece placement only, truncated to the column.
func formatPosition(key string) string {
	board, _, _ := strings.Cut(key, " ")
	if len(board) > 44 {
		return board[:41] + "..."
	}
	return board
}

// formatSide returns "w", "b" or "-" when the key has no side field.
func formatSide(key string) string {
	fields := strings.Fields(key)
	if len(fields) < 2 {
		return "-"
	}
	return fields[1]
}

// formatBestMove shows "-" when the position has no legal move.
func formatBestMove(move string) string {
	if move == "" {
		return "-"
	}
	return move
}

// formatAge renders a millisecond timestamp relative to now: "12s ago", "3m ago".
func formatAge(timestampMs int64, now time.Time) string {
	if timestampMs == 0 {
		return "-"
	}

	diff := now.Sub(time.UnixMilli(timestampMs))
	switch {
	case diff < 0:
		return "just now"
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
