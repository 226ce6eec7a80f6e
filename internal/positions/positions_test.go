package positions

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/arbre/internal/timespec"
	"github.com/dyluth/arbre/pkg/study"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	startFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
	e4FEN    = "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq e3 0 1"
	mateFEN  = "6k1/5ppp/8/8/8/8/5PPP/3R2K1 w - - 0 1"
)

func setupClient(t *testing.T) *study.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := study.NewClient(&redis.Options{Addr: mr.Addr()}, "test")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func seed(t *testing.T, client *study.Client) {
	t.Helper()
	ctx := context.Background()
	for _, ev := range []*study.Evaluation{
		{PositionKey: e4FEN, BestMove: "c7c5", ScoreCentipawns: study.Int(-30), ReachedDepth: 20, ComputedAtMs: 2000},
		{PositionKey: startFEN, BestMove: "e2e4", ScoreCentipawns: study.Int(25), ReachedDepth: 15, ComputedAtMs: 1000},
		{PositionKey: mateFEN, BestMove: "d1d8", MateInN: study.Int(1), ReachedDepth: 5, ComputedAtMs: 3000},
	} {
		require.NoError(t, client.PutEvaluation(ctx, ev))
	}
}

func TestList(t *testing.T) {
	t.Run("empty store", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, List(context.Background(), setupClient(t), OutputFormatDefault, nil, &buf))
		assert.Contains(t, buf.String(), "No evaluations found")
	})

	t.Run("jsonl sorted oldest first", func(t *testing.T) {
		client := setupClient(t)
		seed(t, client)

		var buf bytes.Buffer
		require.NoError(t, List(context.Background(), client, OutputFormatJSONL, nil, &buf))

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 3)
		var keys []string
		for _, line := range lines {
			var ev study.Evaluation
			require.NoError(t, json.Unmarshal([]byte(line), &ev))
			keys = append(keys, ev.PositionKey)
		}
		assert.Equal(t, []string{startFEN, e4FEN, mateFEN}, keys)
	})

	t.Run("filters", func(t *testing.T) {
		client := setupClient(t)
		seed(t, client)

		tests := []struct {
			name    string
			filters FilterCriteria
			want    []string
		}{
			{"min depth", FilterCriteria{MinDepth: 16}, []string{e4FEN}},
			{"mates only", FilterCriteria{MatesOnly: true}, []string{mateFEN}},
			{"computed range", FilterCriteria{Computed: timespec.Range{SinceMs: 1500, UntilMs: 2500}}, []string{e4FEN}},
			{"position glob", FilterCriteria{PositionGlob: "rnbqkbnr/pppppppp/*/*/*/*/*/*"}, []string{startFEN, e4FEN}},
			{"combined", FilterCriteria{PositionGlob: "rnbqkbnr/pppppppp/*/*/*/*/*/*", MinDepth: 16}, []string{e4FEN}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				var buf bytes.Buffer
				require.NoError(t, List(context.Background(), client, OutputFormatJSONL, &tt.filters, &buf))

				var keys []string
				for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
					if line == "" {
						continue
					}
					var ev study.Evaluation
					require.NoError(t, json.Unmarshal([]byte(line), &ev))
					keys = append(keys, ev.PositionKey)
				}
				assert.Equal(t, tt.want, keys)
			})
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		err := List(context.Background(), setupClient(t), OutputFormat("xml"), nil, &bytes.Buffer{})
		assert.ErrorContains(t, err, "unknown output format")
	})
}

func TestGet(t *testing.T) {
	client := setupClient(t)
	seed(t, client)

	var buf bytes.Buffer
	require.NoError(t, Get(context.Background(), client, " "+startFEN+" ", &buf))

	var ev study.Evaluation
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ev))
	assert.Equal(t, "e2e4", ev.BestMove)

	err := Get(context.Background(), client, "8/8/8/8/8/8/8/8 w - - 0 1", &buf)
	assert.True(t, IsNotFound(err))
	assert.ErrorContains(t, err, "no evaluation stored")

	assert.Error(t, Get(context.Background(), client, "", &buf))
}

func TestFormatTable(t *testing.T) {
	now := time.UnixMilli(1000 + 90*1000)
	evals := []*study.Evaluation{
		{PositionKey: e4FEN, BestMove: "c7c5", ScoreCentipawns: study.Int(-30), ReachedDepth: 20, ComputedAtMs: 1000},
		{PositionKey: "8/8/8/8/8/8/8/k6K b - - 0 1", ReachedDepth: 0},
	}

	var buf bytes.Buffer
	assert.Equal(t, 2, FormatTable(&buf, evals, now))

	out := buf.String()
	assert.Contains(t, out, "POSITION")
	assert.Contains(t, out, "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR")
	assert.Contains(t, out, "+0.30", "black-to-move score is shown for White")
	assert.Contains(t, out, "1m ago")
	assert.Contains(t, out, "2 evaluations found")
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "-", formatBestMove(""))
	assert.Equal(t, "e2e4", formatBestMove("e2e4"))
	assert.Equal(t, "b", formatSide(e4FEN))
	assert.Equal(t, "-", formatSide("garbage"))

	now := time.UnixMilli(10 * 24 * 3600 * 1000)
	assert.Equal(t, "-", formatAge(0, now))
	assert.Equal(t, "5s ago", formatAge(now.Add(-5*time.Second).UnixMilli(), now))
	assert.Equal(t, "3h ago", formatAge(now.Add(-3*time.Hour).UnixMilli(), now))
	assert.Equal(t, "2d ago", formatAge(now.Add(-48*time.Hour).UnixMilli(), now))
	assert.Equal(t, "just now", formatAge(now.Add(time.Second).UnixMilli(), now))
}

func TestParseOutputFormat(t *testing.T) {
	f, err := ParseOutputFormat("jsonl")
	require.NoError(t, err)
	assert.Equal(t, OutputFormatJSONL, f)

	_, err = ParseOutputFormat("yaml")
	assert.Error(t, err)
}

func TestResolvePrefix(t *testing.T) {
	client := setupClient(t)
	seed(t, client)
	ctx := context.Background()

	key, err := ResolvePrefix(ctx, client, "6k1/5ppp")
	require.NoError(t, err)
	assert.Equal(t, mateFEN, key)

	key, err = ResolvePrefix(ctx, client, "rnbqkbnr/pppppppp/8/8/4P3")
	require.NoError(t, err)
	assert.Equal(t, e4FEN, key)

	_, err = ResolvePrefix(ctx, client, "rnbqkbnr/pppppppp")
	require.True(t, IsAmbiguous(err))
	amb := err.(*AmbiguousError)
	assert.Equal(t, []string{e4FEN, startFEN}, amb.Matches)
	assert.Contains(t, FormatAmbiguousError(amb), "matches 2 positions")

	_, err = ResolvePrefix(ctx, client, "8/8/8/8/8")
	assert.True(t, IsNotFound(err))

	_, err = ResolvePrefix(ctx, client, "6k1")
	assert.ErrorContains(t, err, "at least 8 characters")
}
