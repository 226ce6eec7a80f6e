package study

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes.
//
// Optional integers are stored as empty strings when absent. The tree is
// JSON-encoded into a single field.

// EvaluationToHash converts an Evaluation to a Redis hash.
func EvaluationToHash(e *Evaluation) map[string]interface{} {
	return map[string]interface{}{
		"position_key":     e.PositionKey,
		"best_move":        e.BestMove,
		"score_centipawns": optionalInt(e.ScoreCentipawns),
		"mate_in_n":        optionalInt(e.MateInN),
		"reached_depth":    e.ReachedDepth,
		"computed_at_ms":   e.ComputedAtMs,
	}
}

// HashToEvaluation converts a Redis hash to an Evaluation.
func HashToEvaluation(hash map[string]string) (*Evaluation, error) {
	depth, err := strconv.Atoi(hash["reached_depth"])
	if err != nil {
		return nil, fmt.Errorf("invalid reached_depth field: %w", err)
	}

	cp, err := parseOptionalInt(hash["score_centipawns"])
	if err != nil {
		return nil, fmt.Errorf("invalid score_centipawns field: %w", err)
	}

	mate, err := parseOptionalInt(hash["mate_in_n"])
	if err != nil {
		return nil, fmt.Errorf("invalid mate_in_n field: %w", err)
	}

	computedAtMs, _ := strconv.ParseInt(hash["computed_at_ms"], 10, 64)

	return &Evaluation{
		PositionKey:     hash["position_key"],
		BestMove:        hash["best_move"],
		ScoreCentipawns: cp,
		MateInN:         mate,
		ReachedDepth:    depth,
		ComputedAtMs:    computedAtMs,
	}, nil
}

// UserToHash converts a User to a Redis hash. The tree is JSON-encoded.
func UserToHash(u *User) (map[string]interface{}, error) {
	treeJSON, err := json.Marshal(u.Tree)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tree: %w", err)
	}

	return map[string]interface{}{
		"username":        u.Username,
		"credential_hash": u.CredentialHash,
		"created_at_ms":   u.CreatedAtMs,
		"tree":            string(treeJSON),
	}, nil
}

// HashToUser converts a Redis hash to a User.
func HashToUser(hash map[string]string) (*User, error) {
	tree := &Tree{}
	if err := json.Unmarshal([]byte(hash["tree"]), tree); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tree: %w", err)
	}

	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)

	return &User{
		Username:       hash["username"],
		CredentialHash: hash["credential_hash"],
		CreatedAtMs:    createdAtMs,
		Tree:           tree,
	}, nil
}

func optionalInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func parseOptionalInt(s string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
