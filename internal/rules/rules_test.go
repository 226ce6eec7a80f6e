package rules

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyMove(t *testing.T) {
	tests := []struct {
		name      string
		position  string
		move      string
		wantBoard string
		wantSide  string
	}{
		{
			name:      "long algebraic pawn push",
			position:  StartingPosition,
			move:      "e2e4",
			wantBoard: "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR",
			wantSide:  "b",
		},
		{
			name:      "standard algebraic pawn push",
			position:  StartingPosition,
			move:      "e4",
			wantBoard: "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR",
			wantSide:  "b",
		},
		{
			name:      "standard algebraic knight move",
			position:  StartingPosition,
			move:      "Nf3",
			wantBoard: "rnbqkbnr/pppppppp/8/8/8/5N2/PPPPPPPP/RNBQKB1R",
			wantSide:  "b",
		},
		{
			name:      "upper case long algebraic",
			position:  StartingPosition,
			move:      "G1F3",
			wantBoard: "rnbqkbnr/pppppppp/8/8/8/5N2/PPPPPPPP/RNBQKB1R",
			wantSide:  "b",
		},
		{
			name:      "kingside castling",
			position:  "r3k2r/8/8/8/8/8/8/R3K2R w KQkq - 0 1",
			move:      "O-O",
			wantBoard: "r3k2r/8/8/8/8/8/8/R4RK1",
			wantSide:  "b",
		},
		{
			name:      "promotion",
			position:  "8/P7/8/8/8/8/8/k6K w - - 0 1",
			move:      "a7a8q",
			wantBoard: "Q7/8/8/8/8/8/8/k6K",
			wantSide:  "b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ApplyMove(tt.position, tt.move)
			require.NoError(t, err)

			fields := strings.Fields(got)
			require.Len(t, fields, 6)
			assert.Equal(t, tt.wantBoard, fields[0])
			assert.Equal(t, tt.wantSide, fields[1])
		})
	}
}

func TestApplyMoveErrors(t *testing.T) {
	tests := []struct {
		name     string
		position string
		move     string
		wantErr  error
	}{
		{name: "illegal pawn jump", position: StartingPosition, move: "e2e5", wantErr: ErrIllegalMove},
		{name: "wrong side", position: StartingPosition, move: "e7e5", wantErr: ErrIllegalMove},
		{name: "nonsense", position: StartingPosition, move: "hello", wantErr: ErrIllegalMove},
		{name: "empty move", position: StartingPosition, move: " ", wantErr: ErrIllegalMove},
		{name: "invalid position", position: "not a fen", move: "e2e4", wantErr: ErrInvalidPosition},
		{name: "empty position", position: "", move: "e2e4", wantErr: ErrInvalidPosition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ApplyMove(tt.position, tt.move)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCanonical(t *testing.T) {
	got, err := Canonical("  " + StartingPosition + "  ")
	require.NoError(t, err)
	assert.Equal(t, StartingPosition, got)

	_, err = Canonical("xyz")
	assert.ErrorIs(t, err, ErrInvalidPosition)
}

func TestSideToMove(t *testing.T) {
	side, err := SideToMove(StartingPosition)
	require.NoError(t, err)
	assert.Equal(t, "w", side)

	after, err := ApplyMove(StartingPosition, "d4")
	require.NoError(t, err)
	side, err = SideToMove(after)
	require.NoError(t, err)
	assert.Equal(t, "b", side)
}

func TestLegalMoves(t *testing.T) {
	moves, err := LegalMoves(StartingPosition)
	require.NoError(t, err)
	assert.Len(t, moves, 20)
	assert.Contains(t, moves, "e2e4")
	assert.Contains(t, moves, "g1f3")
}
