// Package api handles HTTP and WebSocket API endpoints
package api

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/thereceipt/printer-link/internal/command"
	"github.com/thereceipt/printer-link/internal/port"
	"github.com/thereceipt/printer-link/internal/printer"
	"github.com/thereceipt/printer-link/internal/registry"
)

// StatusTimeout bounds a status query made through the API
const StatusTimeout = 3 * time.Second

// Server is the API server
type Server struct {
	router   *gin.Engine
	manager  *printer.ConnectionManager
	jobs     *printer.JobTracker
	book     *registry.Registry
	executor *command.Executor
	scan     printer.ScanFunc
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	http *http.Server
}

// Option configures a Server
type Option func(*Server)

// WithScanner replaces the port scan behind /ports and the scan command
func WithScanner(scan printer.ScanFunc) Option {
	return func(s *Server) {
		if scan != nil {
			s.scan = scan
		}
	}
}

// NewServer creates a new API server. book may be nil.
func NewServer(manager *printer.ConnectionManager, jobs *printer.JobTracker, book *registry.Registry, log *zap.Logger, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log.Named("http")), corsMiddleware())
	// addresses such as /dev/ttyUSB0 arrive URL-escaped in the path
	router.UseRawPath = true

	s := &Server{
		router:   router,
		manager:  manager,
		jobs:     jobs,
		book:     book,
		executor: command.NewExecutor(manager, jobs, book, log),
		scan:     port.Scan,
		log:      log.Named("api"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.executor.SetScanner(s.scan)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/devices", s.handleGetDevices)
	s.router.GET("/ports", s.handleGetPorts)
	s.router.POST("/devices/connect", s.handleConnect)
	s.router.POST("/devices/:address/disconnect", s.handleDisconnect)
	s.router.GET("/devices/:address/status", s.handleStatus)
	s.router.POST("/devices/:address/print", s.handlePrint)
	s.router.POST("/device/:id/name", s.handleSetDeviceName)
	s.router.GET("/jobs", s.handleGetJobs)
	s.router.GET("/job/:id", s.handleGetJob)

	s.router.POST("/command", s.handleCommand)

	s.router.GET("/ws", s.handleWebSocket)

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// Handler exposes the router, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleGetDevices returns the open connections and the device book
func (s *Server) handleGetDevices(c *gin.Context) {
	conns := s.manager.Connections()
	devices := make([]printer.Snapshot, len(conns))
	for i, conn := range conns {
		devices[i] = conn.Snapshot()
	}

	resp := gin.H{
		"devices": devices,
		"known":   s.manager.Known(),
	}
	if s.book != nil {
		resp["registry"] = s.book.All()
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetPorts scans for transport endpoints
func (s *Server) handleGetPorts(c *gin.Context) {
	candidates, err := s.scan()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ports": candidates})
}

// handleConnect opens a printer and starts protocol detection
func (s *Server) handleConnect(c *gin.Context) {
	var req struct {
		Method  string `json:"method" binding:"required"`
		Address string `json:"address" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "method and address are required"})
		return
	}

	method, err := port.ParseMethod(req.Method)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conn, err := s.manager.Connect(req.Address, method)
	if err != nil {
		s.log.Warn("connect failed", zap.String("device", req.Address), zap.Stringer("method", method), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"device":  conn.Snapshot(),
	})
}

// handleDisconnect closes a printer
func (s *Server) handleDisconnect(c *gin.Context) {
	address := c.Param("address")

	if err := s.manager.Disconnect(address); err != nil {
		if errors.Is(err, printer.ErrNotRegistered) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleStatus queries the real-time status of a printer
func (s *Server) handleStatus(c *gin.Context) {
	address := c.Param("address")

	conn, ok := s.manager.Get(address)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), StatusTimeout)
	defer cancel()

	resp, err := conn.QueryStatus(ctx)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"device": conn.Snapshot(),
			"kind":   resp.Kind,
			"status": resp.Status,
		})
	case errors.Is(err, printer.ErrNotOpen), errors.Is(err, printer.ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "device": conn.Snapshot()})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "printer did not answer", "device": conn.Snapshot()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "device": conn.Snapshot()})
	}
}

// handlePrint queues already-encoded bytes for a printer
func (s *Server) handlePrint(c *gin.Context) {
	address := c.Param("address")

	var req struct {
		Data string `json:"data" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "data is required"})
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "data must be base64"})
		return
	}

	jobID, err := s.jobs.Submit(address, data)
	if err != nil {
		if errors.Is(err, printer.ErrNotRegistered) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"job_id":  jobID,
	})
}

// handleSetDeviceName sets a custom name for a printer in the device book
func (s *Server) handleSetDeviceName(c *gin.Context) {
	id := c.Param("id")

	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	if s.book == nil || !s.book.SetName(id, req.Name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "printer not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleGetJobs returns all print jobs
func (s *Server) handleGetJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.jobs.All()})
}

// handleGetJob returns a specific print job
func (s *Server) handleGetJob(c *gin.Context) {
	job, ok := s.jobs.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleCommand handles command execution requests
func (s *Server) handleCommand(c *gin.Context) {
	var req struct {
		Command string `json:"command" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}

	result := s.executor.Execute(c.Request.Context(), req.Command)
	if !result.Success {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   result.Error,
		})
		return
	}

	response := gin.H{"success": true}
	if result.Message != "" {
		response["message"] = result.Message
	}
	for k, v := range result.Data {
		response[k] = v
	}
	c.JSON(http.StatusOK, response)
}

// Run starts the API server and blocks until it stops
func (s *Server) Run(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.log.Info("api listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
