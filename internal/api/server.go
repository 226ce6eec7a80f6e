// Package api exposes evaluations and variation trees over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/dyluth/arbre/internal/cache"
	"github.com/dyluth/arbre/internal/pool"
	"github.com/dyluth/arbre/pkg/study"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Analyzer evaluates positions.
type Analyzer interface {
	Evaluate(ctx context.Context, positionKey string, depth int) (*study.Evaluation, error)
	Cached(positionKey string) (*study.Evaluation, bool)
}

// Studies manages users and their variation trees.
type Studies interface {
	Register(ctx context.Context, username, password string) (*study.User, error)
	Authenticate(ctx context.Context, username, password string) (*study.User, error)
	Tree(ctx context.Context, username string) (*study.Tree, error)
	AddVariation(ctx context.Context, username string, parentID int, move string) (int, *study.Tree, error)
	AddPosition(ctx context.Context, username string, parentID int, positionKey string) (int, *study.Tree, error)
	DeleteNode(ctx context.Context, username string, id int) (*study.Tree, error)
	SetComment(ctx context.Context, username string, id int, comment string) (*study.Tree, error)
	ImportSubtree(ctx context.Context, username string, foreign *study.Tree, attachTo int) (map[int]int, *study.Tree, error)
}

// EvaluationStore is the persistent evaluation store. Optional.
type EvaluationStore interface {
	GetEvaluation(ctx context.Context, positionKey string) (*study.Evaluation, error)
	Ping(ctx context.Context) error
}

// Canonicalizer validates and normalises position keys.
type Canonicalizer interface {
	Canonical(positionKey string) (string, error)
}

// Config wires a Server.
type Config struct {
	Analyzer  Analyzer
	Studies   Studies
	Rules     Canonicalizer
	Store     EvaluationStore // nil when evaluations are not persisted
	PoolStats func() pool.Stats
	CacheStats func() cache.Stats

	// DefaultDepth applies to analyse requests without a depth.
	DefaultDepth int
	// EvalTimeout bounds each analyse request.
	EvalTimeout time.Duration
	Logger      zerolog.Logger
}

// Server holds the handlers and the gin engine routing to them.
type Server struct {
	cfg    Config
	log    zerolog.Logger
	router *gin.Engine
}

// NewServer builds the router with all routes registered.
func NewServer(cfg Config) *Server {
	if cfg.DefaultDepth < 1 {
		cfg.DefaultDepth = 15
	}
	if cfg.EvalTimeout <= 0 {
		cfg.EvalTimeout = 2 * time.Minute
	}

	s := &Server{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "api").Logger(),
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestID(), s.accessLog())
	s.RegisterRoutes(router)
	s.router = router
	return s
}

// Handler returns the http.Handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// RegisterRoutes registers all routes with the router.
//
//	POST   /analyse                               - Evaluate a position
//	GET    /positions/*fen                        - Cached or stored evaluation
//	POST   /register                              - Create a user
//	POST   /login                                 - Check credentials
//	GET    /users/:username/tree                  - Variation tree
//	POST   /users/:username/tree/nodes            - Add a move or position
//	DELETE /users/:username/tree/nodes/:id        - Delete a subtree
//	PUT    /users/:username/tree/nodes/:id/comment - Set a node comment
//	POST   /users/:username/tree/import           - Graft an exported tree
//	GET    /healthz                               - Health check
//	GET    /metrics                               - Prometheus metrics
func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.POST("/analyse", s.HandleAnalyse)
	r.GET("/positions/*fen", s.HandleGetPosition)

	r.POST("/register", s.HandleRegister)
	r.POST("/login", s.HandleLogin)

	users := r.Group("/users/:username/tree")
	{
		users.GET("", s.HandleGetTree)
		users.POST("/nodes", s.HandleAddNode)
		users.DELETE("/nodes/:id", s.HandleDeleteNode)
		users.PUT("/nodes/:id/comment", s.HandleSetComment)
		users.POST("/import", s.HandleImport)
	}

	r.GET("/healthz", s.HandleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

const requestIDHeader = "X-Request-ID"

// requestID reuses the caller's X-Request-ID or generates one.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("event", "http_request").
			Str("request_id", c.GetString(requestIDHeader)).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	}
}
