// Package api handles the dispatcher's HTTP and WebSocket endpoints
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/thereceipt/print-bridge/internal/dispatch"
	"github.com/thereceipt/print-bridge/internal/ledger"
	"github.com/thereceipt/print-bridge/internal/presence"
)

// Submitter accepts print requests
type Submitter interface {
	Submit(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// JobReader is the read-only view of the ledger the API exposes
type JobReader interface {
	Get(ctx context.Context, id string) (*ledger.Job, error)
	List(ctx context.Context, f ledger.Filter) ([]*ledger.Job, error)
}

// Options wires a server
type Options struct {
	Dispatcher Submitter
	Jobs       JobReader
	Directory  presence.Directory
	// Realtime serves /ws when set
	Realtime  http.Handler
	JWTSecret string
	Logger    *zap.Logger
}

// Server is the API server
type Server struct {
	router     *gin.Engine
	dispatcher Submitter
	jobs       JobReader
	dir        presence.Directory
	realtime   http.Handler
	auth       *Auth
	logger     *zap.Logger
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger.Named("http")))
	router.Use(corsMiddleware())

	server := &Server{
		router:     router,
		dispatcher: opts.Dispatcher,
		jobs:       opts.Jobs,
		dir:        opts.Directory,
		realtime:   opts.Realtime,
		logger:     logger.Named("api"),
	}
	if opts.JWTSecret != "" {
		server.auth = NewAuth([]byte(opts.JWTSecret))
	}

	server.setupRoutes()

	return server
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	authed := s.router.Group("/")
	if s.auth != nil {
		authed.Use(s.auth.RequireRole(RoleAdmin, RoleAttendant))
	}

	authed.POST("/print-jobs", s.handleSubmit)
	authed.GET("/jobs", s.handleGetJobs)
	authed.GET("/job/:id", s.handleGetJob)
	authed.GET("/bridges", s.handleGetBridges)

	if s.realtime != nil {
		ws := []gin.HandlerFunc{gin.WrapH(s.realtime)}
		if s.auth != nil {
			ws = append([]gin.HandlerFunc{s.auth.RequireRealtime()}, ws...)
		}
		s.router.GET("/ws", ws...)
	}

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}

type submitRequest struct {
	UserID       string          `json:"userId"`
	RecordID     string          `json:"recordId"`
	Payload      string          `json:"payload"`
	DocumentType string          `json:"documentType"`
	Metadata     json.RawMessage `json:"metadata"`
}

// handleSubmit accepts a base64 encoded command buffer for dispatch
func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"success": false, "error": "invalid request body"})
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		c.JSON(400, gin.H{"success": false, "error": "payload must be base64", "field": "payload"})
		return
	}

	submittedBy := req.UserID
	if sub, ok := subjectFrom(c); ok {
		submittedBy = sub
	}

	res, err := s.dispatcher.Submit(c.Request.Context(), dispatch.Request{
		SubmittedBy:  submittedBy,
		RecordID:     req.RecordID,
		Payload:      payload,
		DocumentType: req.DocumentType,
		Metadata:     req.Metadata,
	})
	if err != nil {
		var verr *dispatch.ValidationError
		if errors.As(err, &verr) {
			c.JSON(400, gin.H{"success": false, "error": verr.Error(), "field": verr.Field})
			return
		}
		s.logger.Error("submit failed", zap.Error(err))
		c.JSON(500, gin.H{"success": false, "error": "failed to create print job"})
		return
	}

	c.JSON(200, res)
}

// handleGetJobs lists ledger rows, newest first
func (s *Server) handleGetJobs(c *gin.Context) {
	var f ledger.Filter

	if raw := c.Query("status"); raw != "" {
		status, ok := ledger.ParseStatus(raw)
		if !ok {
			c.JSON(400, gin.H{"error": "unknown status"})
			return
		}
		f.Status = status
	}
	f.DeviceID = c.Query("device")
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(400, gin.H{"error": "limit must be a positive number"})
			return
		}
		f.Limit = n
	}

	jobs, err := s.jobs.List(c.Request.Context(), f)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		c.JSON(500, gin.H{"error": "failed to list jobs"})
		return
	}
	if jobs == nil {
		jobs = []*ledger.Job{}
	}

	c.JSON(200, gin.H{"jobs": jobs})
}

// handleGetJob returns a specific print job
func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.jobs.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ledger.ErrNotFound) {
		c.JSON(404, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		s.logger.Error("get job failed", zap.Error(err))
		c.JSON(500, gin.H{"error": "failed to load job"})
		return
	}

	c.JSON(200, job)
}

// handleGetBridges returns the bridges a submission could target right now
func (s *Server) handleGetBridges(c *gin.Context) {
	snapshot, err := s.dir.Snapshot(c.Request.Context())
	if err != nil {
		s.logger.Error("presence snapshot failed", zap.Error(err))
		c.JSON(500, gin.H{"error": "failed to read presence"})
		return
	}

	bridges := presence.Candidates(snapshot, timeNow(), presence.DefaultStaleAfter)
	if bridges == nil {
		bridges = []presence.Record{}
	}
	c.JSON(200, gin.H{"bridges": bridges})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := timeNow()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", timeNow().Sub(start)))
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
