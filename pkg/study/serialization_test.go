package study

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluationHash(t *testing.T) {
	t.Run("absent scores are empty fields", func(t *testing.T) {
		hash := EvaluationToHash(&Evaluation{PositionKey: startFEN, BestMove: "e2e4", MateInN: Int(3), ReachedDepth: 5})
		assert.Equal(t, "", hash["score_centipawns"])
		assert.Equal(t, "3", hash["mate_in_n"])
	})

	t.Run("decodes stored fields", func(t *testing.T) {
		ev, err := HashToEvaluation(map[string]string{
			"position_key":     startFEN,
			"best_move":        "e2e4",
			"score_centipawns": "30",
			"mate_in_n":        "",
			"reached_depth":    "15",
			"computed_at_ms":   "1700000000000",
		})
		require.NoError(t, err)
		assert.Equal(t, 30, *ev.ScoreCentipawns)
		assert.Nil(t, ev.MateInN)
		assert.Equal(t, 15, ev.ReachedDepth)
		assert.Equal(t, int64(1700000000000), ev.ComputedAtMs)
	})

	t.Run("rejects malformed depth", func(t *testing.T) {
		_, err := HashToEvaluation(map[string]string{"position_key": startFEN, "reached_depth": "deep"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reached_depth")
	})

	t.Run("rejects malformed score", func(t *testing.T) {
		_, err := HashToEvaluation(map[string]string{"position_key": startFEN, "reached_depth": "1", "score_centipawns": "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "score_centipawns")
	})
}

func TestUserHash(t *testing.T) {
	tree := NewTree(startFEN)
	_, err := tree.AddChild(RootID, e4FEN)
	require.NoError(t, err)

	hash, err := UserToHash(&User{Username: "bob", CredentialHash: "h", CreatedAtMs: 42, Tree: tree})
	require.NoError(t, err)

	strs := make(map[string]string, len(hash))
	for k, v := range hash {
		switch val := v.(type) {
		case string:
			strs[k] = val
		case int64:
			strs[k] = "42"
		}
	}

	u, err := HashToUser(strs)
	require.NoError(t, err)
	assert.Equal(t, "bob", u.Username)
	assert.Equal(t, int64(42), u.CreatedAtMs)
	assert.Equal(t, 2, u.Tree.Len())
	assert.NoError(t, u.Tree.Validate())

	_, err = HashToUser(map[string]string{"username": "bob", "tree": "{not json"})
	assert.Error(t, err)
}
