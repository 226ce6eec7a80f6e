package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/arbre/internal/analysis"
	"github.com/dyluth/arbre/internal/cache"
	"github.com/dyluth/arbre/internal/engine"
	"github.com/dyluth/arbre/internal/engine/enginetest"
	"github.com/dyluth/arbre/internal/pool"
	"github.com/dyluth/arbre/internal/rules"
	"github.com/dyluth/arbre/internal/storage/badgerstore"
	"github.com/dyluth/arbre/internal/studies"
	"github.com/dyluth/arbre/pkg/study"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	server   *Server
	studies  *studies.Service
	redis    *miniredis.Miniredis
	client   *study.Client
	launcher *enginetest.Launcher
}

func newFixture(t *testing.T, handler enginetest.Handler) *fixture {
	t.Helper()

	launcher := &enginetest.Launcher{Handler: handler}
	p := pool.New(
		pool.LauncherFactory(launcher, engine.Options{StopGrace: time.Second, Logger: zerolog.Nop()}),
		pool.Config{MaxSessions: 2, Logger: zerolog.Nop()},
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})

	mr := miniredis.RunT(t)
	client, err := study.NewClient(&redis.Options{Addr: mr.Addr()}, "test")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	c := cache.New(cache.Options{Store: client, Logger: zerolog.Nop()})
	coord := analysis.NewCoordinator(p, c, analysis.Options{Logger: zerolog.Nop()})

	users, err := badgerstore.Open(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { users.Close() })

	svc := studies.NewService(users, coord, rules.Standard{}, studies.Options{
		Depth:      10,
		BcryptCost: bcrypt.MinCost,
		Logger:     zerolog.Nop(),
	})
	t.Cleanup(svc.Close)

	server := NewServer(Config{
		Analyzer:     coord,
		Studies:      svc,
		Rules:        rules.Standard{},
		Store:        client,
		PoolStats:    p.Stats,
		CacheStats:   c.Stats,
		DefaultDepth: 12,
		EvalTimeout:  5 * time.Second,
		Logger:       zerolog.Nop(),
	})

	return &fixture{server: server, studies: svc, redis: mr, client: client, launcher: launcher}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func requireError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, w.Code, w.Body.String())
	assert.Equal(t, code, decode[ErrorResponse](t, w).Code)
}

func positionPath(fen string) string {
	return "/positions/" + (&url.URL{Path: fen}).EscapedPath()
}

var engineOutput = []string{
	"info depth 11 score cp 20 pv e2e4",
	"info depth 12 score cp 25 pv e2e4 e7e5",
	"bestmove e2e4 ponder e7e5",
}

func TestAnalyse(t *testing.T) {
	f := newFixture(t, enginetest.Respond(engineOutput...))

	w := f.do(t, http.MethodPost, "/analyse", AnalyseRequest{FEN: rules.StartingPosition})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	ev := decode[study.Evaluation](t, w)
	assert.Equal(t, rules.StartingPosition, ev.PositionKey)
	assert.Equal(t, "e2e4", ev.BestMove)
	require.NotNil(t, ev.ScoreCentipawns)
	assert.Equal(t, 25, *ev.ScoreCentipawns)
	assert.Equal(t, 12, ev.ReachedDepth)

	stored, err := f.client.GetEvaluation(context.Background(), rules.StartingPosition)
	require.NoError(t, err)
	assert.Equal(t, "e2e4", stored.BestMove)
}

func TestAnalyse_RejectsBadInput(t *testing.T) {
	f := newFixture(t, enginetest.Respond(engineOutput...))

	requireError(t, f.do(t, http.MethodPost, "/analyse", map[string]any{}), http.StatusBadRequest, "INVALID_REQUEST")
	requireError(t, f.do(t, http.MethodPost, "/analyse", AnalyseRequest{FEN: "not a position"}), http.StatusBadRequest, "INVALID_POSITION")
	requireError(t, f.do(t, http.MethodPost, "/analyse", AnalyseRequest{FEN: rules.StartingPosition, Depth: -1}), http.StatusBadRequest, "INVALID_REQUEST")
	assert.Equal(t, 0, f.launcher.Launches())
}

func TestAnalyse_EngineCrash(t *testing.T) {
	f := newFixture(t, enginetest.CrashOnGo("info depth 3 score cp 10"))

	requireError(t, f.do(t, http.MethodPost, "/analyse", AnalyseRequest{FEN: rules.StartingPosition}), http.StatusBadGateway, "ENGINE_FAILURE")
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture(t, enginetest.Respond(engineOutput...))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestGetPosition(t *testing.T) {
	f := newFixture(t, enginetest.Respond(engineOutput...))

	t.Run("unknown position", func(t *testing.T) {
		requireError(t, f.do(t, http.MethodGet, positionPath(rules.StartingPosition), nil), http.StatusNotFound, "NOT_FOUND")
	})

	t.Run("cached after analyse", func(t *testing.T) {
		require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/analyse", AnalyseRequest{FEN: rules.StartingPosition}).Code)

		w := f.do(t, http.MethodGet, positionPath(rules.StartingPosition), nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "e2e4", decode[study.Evaluation](t, w).BestMove)
	})

	t.Run("stored only", func(t *testing.T) {
		key, err := rules.ApplyMove(rules.StartingPosition, "d2d4")
		require.NoError(t, err)
		require.NoError(t, f.client.PutEvaluation(context.Background(), &study.Evaluation{
			PositionKey: key, BestMove: "g8f6", ScoreCentipawns: study.Int(-20), ReachedDepth: 18,
		}))

		w := f.do(t, http.MethodGet, positionPath(key), nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "g8f6", decode[study.Evaluation](t, w).BestMove)
	})

	t.Run("invalid position", func(t *testing.T) {
		requireError(t, f.do(t, http.MethodGet, "/positions/garbage", nil), http.StatusBadRequest, "INVALID_POSITION")
	})
}

func TestRegisterAndLogin(t *testing.T) {
	f := newFixture(t, enginetest.Respond(engineOutput...))

	w := f.do(t, http.MethodPost, "/register", CredentialsRequest{Username: "alice", Password: "s3cret"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "credential_hash")
	u := decode[UserResponse](t, w)
	assert.Equal(t, "alice", u.Username)
	require.NotNil(t, u.Tree)
	assert.Equal(t, 1, u.Tree.Len())

	requireError(t, f.do(t, http.MethodPost, "/register", CredentialsRequest{Username: "alice", Password: "other"}), http.StatusConflict, "USER_EXISTS")
	requireError(t, f.do(t, http.MethodPost, "/register", CredentialsRequest{Username: "bob", Password: "x"}), http.StatusBadRequest, "INVALID_OPERATION")

	w = f.do(t, http.MethodPost, "/login", CredentialsRequest{Username: "alice", Password: "s3cret"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "credential_hash")

	requireError(t, f.do(t, http.MethodPost, "/login", CredentialsRequest{Username: "alice", Password: "wrong"}), http.StatusUnauthorized, "INVALID_CREDENTIALS")
	requireError(t, f.do(t, http.MethodPost, "/login", CredentialsRequest{Username: "nobody", Password: "wrong"}), http.StatusUnauthorized, "INVALID_CREDENTIALS")
}

func TestTreeEditing(t *testing.T) {
	f := newFixture(t, enginetest.Respond(engineOutput...))
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/register", CredentialsRequest{Username: "alice", Password: "s3cret"}).Code)

	root := study.RootID

	w := f.do(t, http.MethodPost, "/users/alice/tree/nodes", AddNodeRequest{ParentID: &root, Move: "e2e4"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	added := decode[NodeResponse](t, w)
	assert.Equal(t, 1, added.ID)
	assert.Equal(t, 2, added.Tree.Len())

	english, err := rules.ApplyMove(rules.StartingPosition, "c2c4")
	require.NoError(t, err)
	w = f.do(t, http.MethodPost, "/users/alice/tree/nodes", AddNodeRequest{ParentID: &root, FEN: english})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, 2, decode[NodeResponse](t, w).ID)

	missing := 99
	requireError(t, f.do(t, http.MethodPost, "/users/alice/tree/nodes", AddNodeRequest{ParentID: &root, Move: "e2e5"}), http.StatusBadRequest, "ILLEGAL_MOVE")
	requireError(t, f.do(t, http.MethodPost, "/users/alice/tree/nodes", AddNodeRequest{ParentID: &missing, Move: "e2e4"}), http.StatusNotFound, "NODE_NOT_FOUND")
	requireError(t, f.do(t, http.MethodPost, "/users/alice/tree/nodes", AddNodeRequest{ParentID: &root, Move: "e2e4", FEN: english}), http.StatusBadRequest, "INVALID_REQUEST")
	requireError(t, f.do(t, http.MethodPost, "/users/alice/tree/nodes", map[string]any{"move": "e2e4"}), http.StatusBadRequest, "INVALID_REQUEST")

	w = f.do(t, http.MethodPut, "/users/alice/tree/nodes/1/comment", CommentRequest{Comment: "King's pawn"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	f.studies.Wait()
	w = f.do(t, http.MethodGet, "/users/alice/tree", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tree := decode[*study.Tree](t, w)
	n, ok := tree.Node(1)
	require.True(t, ok)
	assert.Equal(t, "King's pawn", n.Comment)
	require.NotNil(t, n.Evaluation, "background evaluation fills the node")
	assert.Equal(t, "e2e4", n.Evaluation.BestMove)

	requireError(t, f.do(t, http.MethodDelete, "/users/alice/tree/nodes/0", nil), http.StatusBadRequest, "INVALID_OPERATION")
	requireError(t, f.do(t, http.MethodDelete, "/users/alice/tree/nodes/abc", nil), http.StatusBadRequest, "INVALID_REQUEST")

	w = f.do(t, http.MethodDelete, "/users/alice/tree/nodes/1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 2, decode[*study.Tree](t, w).Len())

	requireError(t, f.do(t, http.MethodGet, "/users/nobody/tree", nil), http.StatusNotFound, "NOT_FOUND")
}

func TestImport(t *testing.T) {
	f := newFixture(t, enginetest.Respond(engineOutput...))
	for _, name := range []string{"alice", "bob"} {
		require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/register", CredentialsRequest{Username: name, Password: "s3cret"}).Code)
	}
	root := study.RootID
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/users/alice/tree/nodes", AddNodeRequest{ParentID: &root, Move: "d2d4"}).Code)

	exported, err := f.studies.ExportTree(context.Background(), "alice")
	require.NoError(t, err)

	w := f.do(t, http.MethodPost, "/users/bob/tree/import", ImportRequest{Tree: exported, AttachTo: root})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[ImportResponse](t, w)
	assert.Len(t, resp.IDMap, 1)
	assert.Equal(t, 2, resp.Tree.Len())

	requireError(t, f.do(t, http.MethodPost, "/users/bob/tree/import", ImportRequest{Tree: exported, AttachTo: 42}), http.StatusNotFound, "NODE_NOT_FOUND")
	requireError(t, f.do(t, http.MethodPost, "/users/bob/tree/import", map[string]any{"attach_to": 0}), http.StatusBadRequest, "INVALID_REQUEST")
}

func TestHealth(t *testing.T) {
	f := newFixture(t, enginetest.Respond(engineOutput...))

	w := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	h := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "ok", h.Store)
	require.NotNil(t, h.Pool)
	assert.Equal(t, 2, h.Pool.Max)
	require.NotNil(t, h.Cache)

	f.redis.Close()
	w = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decode[HealthResponse](t, w).Status)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t, enginetest.Respond(engineOutput...))

	w := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
