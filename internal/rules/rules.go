// Package rules validates positions and applies moves to them.
//
// Positions are FEN strings. Every position this package returns is in the
// canonical form produced by Canonical, so equal positions have equal keys.
package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/notnil/chess"
)

// StartingPosition is the initial position of a standard game.
const StartingPosition = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

var (
	// ErrIllegalMove is returned when a move cannot be played in the position.
	ErrIllegalMove = errors.New("illegal move")
	// ErrInvalidPosition is returned for a position key that is not valid FEN.
	ErrInvalidPosition = errors.New("invalid position")
)

// Canonical parses key and returns it re-encoded.
func Canonical(key string) (string, error) {
	pos, err := parse(key)
	if err != nil {
		return "", err
	}
	return pos.String(), nil
}

// SideToMove returns "w" or "b".
func SideToMove(key string) (string, error) {
	pos, err := parse(key)
	if err != nil {
		return "", err
	}
	if pos.Turn() == chess.Black {
		return "b", nil
	}
	return "w", nil
}

// ApplyMove plays move in the position and returns the resulting position.
// The move may be given in long algebraic form ("e2e4", "e7e8q") or in
// standard algebraic notation ("e4", "Nf3", "O-O").
func ApplyMove(key, move string) (string, error) {
	pos, err := parse(key)
	if err != nil {
		return "", err
	}

	spec := strings.TrimSpace(move)
	if spec == "" {
		return "", fmt.Errorf("%w: empty move", ErrIllegalMove)
	}

	m := findMove(pos, spec)
	if m == nil {
		return "", fmt.Errorf("%w: %s in %s", ErrIllegalMove, spec, pos.String())
	}
	return pos.Update(m).String(), nil
}

// LegalMoves returns the legal moves of the position in long algebraic form.
func LegalMoves(key string) ([]string, error) {
	pos, err := parse(key)
	if err != nil {
		return nil, err
	}
	var uci chess.UCINotation
	valid := pos.ValidMoves()
	out := make([]string, 0, len(valid))
	for _, m := range valid {
		out = append(out, uci.Encode(pos, m))
	}
	return out, nil
}

func parse(key string) (*chess.Position, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty position key", ErrInvalidPosition)
	}
	opt, err := chess.FEN(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	return chess.NewGame(opt).Position(), nil
}

// findMove matches spec against the legal moves, first as long algebraic
// and then as standard algebraic notation ignoring check marks.
func findMove(pos *chess.Position, spec string) *chess.Move {
	var (
		uci chess.UCINotation
		san chess.AlgebraicNotation
	)
	lower := strings.ToLower(spec)
	bare := strings.TrimRight(spec, "+#!?")

	valid := pos.ValidMoves()
	for _, m := range valid {
		if uci.Encode(pos, m) == lower {
			return m
		}
	}
	for _, m := range valid {
		if strings.TrimRight(san.Encode(pos, m), "+#") == bare {
			return m
		}
	}
	return nil
}

// Standard exposes the package functions as a value, for callers that take
// the rules engine as a dependency.
type Standard struct{}

// ApplyMove calls the package-level ApplyMove.
func (Standard) ApplyMove(key, move string) (string, error) { return ApplyMove(key, move) }

// Canonical calls the package-level Canonical.
func (Standard) Canonical(key string) (string, error) { return Canonical(key) }
