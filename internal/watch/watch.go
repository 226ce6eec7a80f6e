// Package watch follows evaluations as they are computed.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/arbre/internal/positions"
	"github.com/dyluth/arbre/pkg/study"
)

// PollInterval is how often PollForEvaluation queries the store.
const PollInterval = 200 * time.Millisecond

// Getter fetches a single stored evaluation.
type Getter interface {
	GetEvaluation(ctx context.Context, positionKey string) (*study.Evaluation, error)
}

// PollForEvaluation polls until an evaluation for positionKey is stored.
// Returns the evaluation or an error if timeout occurs.
func PollForEvaluation(ctx context.Context, src Getter, positionKey string, timeout time.Duration) (*study.Evaluation, error) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for evaluation after %v", timeout)

		case <-ticker.C:
			ev, err := src.GetEvaluation(ctx, positionKey)
			if err != nil {
				if study.IsNotFound(err) {
					continue
				}
				return nil, fmt.Errorf("failed to query for evaluation: %w", err)
			}
			return ev, nil
		}
	}
}

// Subscriber opens a stream of freshly computed evaluations.
type Subscriber interface {
	SubscribeEvaluationEvents(ctx context.Context) (*study.EvaluationSubscription, error)
}

// StreamEvaluations writes each published evaluation to w until ctx is
// cancelled. Undecodable events are reported inline and skipped.
func StreamEvaluations(ctx context.Context, sub Subscriber, format positions.OutputFormat, w io.Writer) error {
	f, err := newFormatter(format, w)
	if err != nil {
		return err
	}

	subscription, err := sub.SubscribeEvaluationEvents(ctx)
	if err != nil {
		return err
	}
	defer subscription.Close()

	errs := subscription.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-subscription.Events():
			if !ok {
				return nil
			}
			if err := f.FormatEvaluation(ev); err != nil {
				return err
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			fmt.Fprintf(w, "⚠️  %v\n", err)
		}
	}
}

type formatter interface {
	FormatEvaluation(ev *study.Evaluation) error
}

func newFormatter(format positions.OutputFormat, w io.Writer) (formatter, error) {
	switch format {
	case positions.OutputFormatDefault, "":
		return &defaultFormatter{writer: w, now: time.Now}, nil
	case positions.OutputFormatJSONL:
		return &jsonlFormatter{writer: w}, nil
	}
	return nil, fmt.Errorf("unknown output format: %s", format)
}

// defaultFormatter prints one human-readable line per evaluation.
type defaultFormatter struct {
	writer io.Writer
	now    func() time.Time
}

func (f *defaultFormatter) FormatEvaluation(ev *study.Evaluation) error {
	ts := f.now().Format("15:04:05")
	if ev.BestMove == "" {
		_, err := fmt.Fprintf(f.writer, "[%s] 🏁 No legal move: position=%s depth=%d\n",
			ts, ev.PositionKey, ev.ReachedDepth)
		return err
	}
	_, err := fmt.Fprintf(f.writer, "[%s] ♟️  Evaluated: position=%s best=%s score=%s depth=%d\n",
		ts, ev.PositionKey, ev.BestMove, ev.WhitePerspective().Score(), ev.ReachedDepth)
	return err
}

type jsonlFormatter struct {
	writer io.Writer
}

func (f *jsonlFormatter) FormatEvaluation(ev *study.Evaluation) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal evaluation: %w", err)
	}
	_, err = fmt.Fprintf(f.writer, "%s\n", data)
	return err
}
