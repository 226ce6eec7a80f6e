package study

import (
	"fmt"
	"strings"
)

// RootID is the id of every tree's root node, holding the starting position.
const RootID = 0

// Evaluation is an engine's verdict on one position. Scores are from the
// point of view of the side to move in PositionKey.
type Evaluation struct {
	PositionKey     string `json:"position_key"`               // Canonical FEN of the evaluated position
	BestMove        string `json:"best_move,omitempty"`        // Long algebraic move; empty when the position has no legal move
	ScoreCentipawns *int   `json:"score_centipawns,omitempty"` // Centipawn score, absent when a mate was found
	MateInN         *int   `json:"mate_in_n,omitempty"`        // Positive: side to move mates; negative: side to move is mated
	ReachedDepth    int    `json:"reached_depth"`              // Deepest depth reported before the best move
	ComputedAtMs    int64  `json:"computed_at_ms"`             // Unix timestamp in milliseconds
}

// Node is one position in a variation tree.
type Node struct {
	ID          int         `json:"id"`
	PositionKey string      `json:"position_key"`
	Comment     string      `json:"comment"`
	ChildIDs    []int       `json:"child_ids"`            // Insertion order is display order
	Evaluation  *Evaluation `json:"evaluation,omitempty"` // Nil while pending
}

// User owns exactly one variation tree.
type User struct {
	Username       string `json:"username"`
	CredentialHash string `json:"credential_hash"`
	CreatedAtMs    int64  `json:"created_at_ms"`
	Tree           *Tree  `json:"tree"`
}

// IsMate reports whether the evaluation found a forced mate.
func (e *Evaluation) IsMate() bool {
	return e.MateInN != nil
}

// Score renders the evaluation for display: "+0.30", "-1.25", "#3", "#-2",
// or "?" when neither score is known. Mate overrides centipawns.
func (e *Evaluation) Score() string {
	switch {
	case e == nil:
		return "?"
	case e.MateInN != nil:
		return fmt.Sprintf("#%d", *e.MateInN)
	case e.ScoreCentipawns != nil:
		return fmt.Sprintf("%+.2f", float64(*e.ScoreCentipawns)/100)
	default:
		return "?"
	}
}

// WhitePerspective returns a copy with scores negated when Black is to move,
// so positive values always favour White.
func (e *Evaluation) WhitePerspective() *Evaluation {
	out := e.Clone()
	if sideToMove(e.PositionKey) != "b" {
		return out
	}
	if out.ScoreCentipawns != nil {
		v := -*out.ScoreCentipawns
		out.ScoreCentipawns = &v
	}
	if out.MateInN != nil {
		v := -*out.MateInN
		out.MateInN = &v
	}
	return out
}

// Clone returns a deep copy.
func (e *Evaluation) Clone() *Evaluation {
	if e == nil {
		return nil
	}
	out := *e
	if e.ScoreCentipawns != nil {
		v := *e.ScoreCentipawns
		out.ScoreCentipawns = &v
	}
	if e.MateInN != nil {
		v := *e.MateInN
		out.MateInN = &v
	}
	return &out
}

// Validate checks the evaluation is final: a position key, a non-negative
// depth, and at most one of the two scores.
func (e *Evaluation) Validate() error {
	if strings.TrimSpace(e.PositionKey) == "" {
		return fmt.Errorf("position key cannot be empty")
	}
	if e.ReachedDepth < 0 {
		return fmt.Errorf("invalid reached depth: must be >= 0, got %d", e.ReachedDepth)
	}
	if e.ScoreCentipawns != nil && e.MateInN != nil {
		return fmt.Errorf("evaluation cannot carry both a centipawn score and a mate distance")
	}
	return nil
}

// Validate checks the user document's fields and tree.
func (u *User) Validate() error {
	if err := ValidateUsername(u.Username); err != nil {
		return err
	}
	if u.CredentialHash == "" {
		return fmt.Errorf("credential hash cannot be empty")
	}
	if u.Tree == nil {
		return fmt.Errorf("user %s has no tree", u.Username)
	}
	if err := u.Tree.Validate(); err != nil {
		return fmt.Errorf("invalid tree: %w", err)
	}
	return nil
}

// ValidateUsername rejects names that cannot be used in store keys.
func ValidateUsername(name string) error {
	if name == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if len(name) > 64 {
		return fmt.Errorf("username too long: max 64 characters")
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-' || r == '.') {
			return fmt.Errorf("invalid character %q in username", r)
		}
	}
	return nil
}

// Int returns a pointer to v, for building evaluations.
func Int(v int) *int {
	return &v
}

func sideToMove(positionKey string) string {
	fields := strings.Fields(positionKey)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}
