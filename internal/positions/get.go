package positions

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dyluth/arbre/pkg/study"
)

// Getter fetches a single evaluation.
type Getter interface {
	GetEvaluation(ctx context.Context, positionKey string) (*study.Evaluation, error)
}

// Get writes the evaluation of positionKey as pretty-printed JSON.
// Returns a *NotFoundError when none is stored.
func Get(ctx context.Context, src Getter, positionKey string, w io.Writer) error {
	key := strings.TrimSpace(positionKey)
	if key == "" {
		return fmt.Errorf("position key cannot be empty")
	}

	ev, err := src.GetEvaluation(ctx, key)
	if err != nil {
		if study.IsNotFound(err) {
			return &NotFoundError{PositionKey: key}
		}
		return fmt.Errorf("failed to fetch evaluation: %w", err)
	}

	if err := FormatSingleJSON(w, ev); err != nil {
		return fmt.Errorf("failed to format evaluation: %w", err)
	}
	return nil
}

// NotFoundError reports that no evaluation is stored for a position.
type NotFoundError struct {
	PositionKey string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no evaluation stored for position '%s'", e.PositionKey)
}

// IsNotFound returns true if the error is a NotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}
