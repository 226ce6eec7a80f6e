package positions

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// MinPrefixLength is the minimum length of a position prefix. The first rank
// of a board alone is rarely unique.
const MinPrefixLength = 8

// ResolvePrefix resolves the start of a position key to the unique stored
// position beginning with it. A board-only prefix is enough when a single
// stored position has that board.
func ResolvePrefix(ctx context.Context, src Source, prefix string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	if len(prefix) < MinPrefixLength {
		return "", fmt.Errorf("position prefix must be at least %d characters (got %d)", MinPrefixLength, len(prefix))
	}

	all, err := src.ScanEvaluations(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to search for position: %w", err)
	}

	var matches []string
	for _, ev := range all {
		if strings.HasPrefix(ev.PositionKey, prefix) {
			matches = append(matches, ev.PositionKey)
		}
	}
	sort.Strings(matches)

	switch len(matches) {
	case 0:
		return "", &NotFoundError{PositionKey: prefix}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{Prefix: prefix, Matches: matches}
	}
}

// AmbiguousError indicates multiple stored positions matched a prefix.
type AmbiguousError struct {
	Prefix  string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous position prefix '%s' matches %d positions", e.Prefix, len(e.Matches))
}

// FormatAmbiguousError lists the matching positions (up to 10, then "...and N more").
func FormatAmbiguousError(err *AmbiguousError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Prefix '%s' matches %d positions:\n", err.Prefix, len(err.Matches))

	shown := min(len(err.Matches), 10)
	for _, m := range err.Matches[:shown] {
		fmt.Fprintf(&b, "  %s\n", m)
	}
	if len(err.Matches) > shown {
		fmt.Fprintf(&b, "  ...and %d more\n", len(err.Matches)-shown)
	}

	b.WriteString("\nUse a longer prefix to identify the position.")
	return b.String()
}

// IsAmbiguous checks if an error is an AmbiguousError.
func IsAmbiguous(err error) bool {
	_, ok := err.(*AmbiguousError)
	return ok
}
