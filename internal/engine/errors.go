package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrEngineSpawn is returned when the engine executable cannot be launched.
	ErrEngineSpawn = errors.New("engine could not be spawned")

	// ErrInvalidState is returned when an operation is not allowed in the
	// session's current state, e.g. searching a session that is already searching.
	ErrInvalidState = errors.New("invalid session state")

	// ErrEngineCrashed is reported when the engine's output stream closes
	// before a search reached its best move.
	ErrEngineCrashed = errors.New("engine crashed")

	// ErrSearchStopped is the terminal error of a search that was stopped
	// before the engine reported a best move.
	ErrSearchStopped = errors.New("search stopped")

	// ErrStopTimeout is returned by Stop when the engine did not acknowledge
	// the stop command within the grace period. The session is killed.
	ErrStopTimeout = errors.New("engine did not acknowledge stop")
)

// OpError records the session operation that failed.
type OpError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("engine session %s: %s: %v", shortID(e.SessionID), e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
