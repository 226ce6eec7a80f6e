package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/dyluth/arbre/internal/cache"
	"github.com/dyluth/arbre/internal/pool"
	"github.com/dyluth/arbre/pkg/study"
	"github.com/gin-gonic/gin"
)

// AnalyseRequest is the body of POST /analyse.
type AnalyseRequest struct {
	FEN   string `json:"fen" binding:"required"`
	Depth int    `json:"depth"`
}

// CredentialsRequest is the body of POST /register and POST /login.
type CredentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// UserResponse is the public view of a user. The credential hash is never sent.
type UserResponse struct {
	Username    string      `json:"username"`
	CreatedAtMs int64       `json:"created_at_ms"`
	Tree        *study.Tree `json:"tree"`
}

// AddNodeRequest adds a child by move or by position. Exactly one of Move
// and FEN is set.
type AddNodeRequest struct {
	ParentID *int   `json:"parent_id" binding:"required"`
	Move     string `json:"move"`
	FEN      string `json:"fen"`
}

// NodeResponse returns the tree after a mutation that created a node.
type NodeResponse struct {
	ID   int         `json:"id"`
	Tree *study.Tree `json:"tree"`
}

// CommentRequest is the body of PUT .../comment.
type CommentRequest struct {
	Comment string `json:"comment"`
}

// ImportRequest grafts an exported tree under AttachTo.
type ImportRequest struct {
	Tree     *study.Tree `json:"tree" binding:"required"`
	AttachTo int         `json:"attach_to"`
}

// ImportResponse maps foreign node ids to their new ids.
type ImportResponse struct {
	IDMap map[int]int `json:"id_map"`
	Tree  *study.Tree `json:"tree"`
}

// HealthResponse reports dependency health and load.
type HealthResponse struct {
	Status string       `json:"status"`
	Store  string       `json:"store"`
	Pool   *pool.Stats  `json:"pool,omitempty"`
	Cache  *cache.Stats `json:"cache,omitempty"`
}

// HandleAnalyse handles POST /analyse.
//
//	200 OK: study.Evaluation
//	400 Bad Request: invalid FEN or depth
//	502 Bad Gateway: the engine crashed
func (s *Server) HandleAnalyse(c *gin.Context) {
	var req AnalyseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	key, err := s.cfg.Rules.Canonical(req.FEN)
	if err != nil {
		s.fail(c, err)
		return
	}
	depth := req.Depth
	if depth == 0 {
		depth = s.cfg.DefaultDepth
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.EvalTimeout)
	defer cancel()

	ev, err := s.cfg.Analyzer.Evaluate(ctx, key, depth)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// HandleGetPosition handles GET /positions/*fen. The in-memory cache is
// consulted before the store; nothing is computed.
func (s *Server) HandleGetPosition(c *gin.Context) {
	key, err := s.cfg.Rules.Canonical(strings.TrimPrefix(c.Param("fen"), "/"))
	if err != nil {
		s.fail(c, err)
		return
	}

	if ev, ok := s.cfg.Analyzer.Cached(key); ok {
		c.JSON(http.StatusOK, ev)
		return
	}
	if s.cfg.Store == nil {
		s.fail(c, study.ErrNotFound)
		return
	}
	ev, err := s.cfg.Store.GetEvaluation(c.Request.Context(), key)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// HandleRegister handles POST /register.
func (s *Server) HandleRegister(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	u, err := s.cfg.Studies.Register(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, publicUser(u))
}

// HandleLogin handles POST /login.
func (s *Server) HandleLogin(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	u, err := s.cfg.Studies.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, publicUser(u))
}

// HandleGetTree handles GET /users/:username/tree.
func (s *Server) HandleGetTree(c *gin.Context) {
	tree, err := s.cfg.Studies.Tree(c.Request.Context(), c.Param("username"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tree)
}

// HandleAddNode handles POST /users/:username/tree/nodes.
func (s *Server) HandleAddNode(c *gin.Context) {
	var req AddNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if (req.Move == "") == (req.FEN == "") {
		badRequest(c, "Exactly one of move and fen is required")
		return
	}

	var (
		id   int
		tree *study.Tree
		err  error
	)
	if req.Move != "" {
		id, tree, err = s.cfg.Studies.AddVariation(c.Request.Context(), c.Param("username"), *req.ParentID, req.Move)
	} else {
		id, tree, err = s.cfg.Studies.AddPosition(c.Request.Context(), c.Param("username"), *req.ParentID, req.FEN)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, NodeResponse{ID: id, Tree: tree})
}

// HandleDeleteNode handles DELETE /users/:username/tree/nodes/:id.
func (s *Server) HandleDeleteNode(c *gin.Context) {
	id, ok := nodeID(c)
	if !ok {
		return
	}
	tree, err := s.cfg.Studies.DeleteNode(c.Request.Context(), c.Param("username"), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tree)
}

// HandleSetComment handles PUT /users/:username/tree/nodes/:id/comment.
func (s *Server) HandleSetComment(c *gin.Context) {
	id, ok := nodeID(c)
	if !ok {
		return
	}
	var req CommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	tree, err := s.cfg.Studies.SetComment(c.Request.Context(), c.Param("username"), id, req.Comment)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tree)
}

// HandleImport handles POST /users/:username/tree/import.
func (s *Server) HandleImport(c *gin.Context) {
	var req ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	idMap, tree, err := s.cfg.Studies.ImportSubtree(c.Request.Context(), c.Param("username"), req.Tree, req.AttachTo)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ImportResponse{IDMap: idMap, Tree: tree})
}

// HandleHealth handles GET /healthz. Returns 503 when the store is unreachable.
func (s *Server) HandleHealth(c *gin.Context) {
	resp := HealthResponse{Status: "healthy", Store: "disabled"}

	if s.cfg.Store != nil {
		resp.Store = "ok"
		if err := s.cfg.Store.Ping(c.Request.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Store = err.Error()
		}
	}
	if s.cfg.PoolStats != nil {
		st := s.cfg.PoolStats()
		resp.Pool = &st
	}
	if s.cfg.CacheStats != nil {
		st := s.cfg.CacheStats()
		resp.Cache = &st
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func publicUser(u *study.User) UserResponse {
	return UserResponse{Username: u.Username, CreatedAtMs: u.CreatedAtMs, Tree: u.Tree}
}

func nodeID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 0 {
		badRequest(c, "Node id must be a non-negative integer")
		return 0, false
	}
	return id, true
}
