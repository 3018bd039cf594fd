// Package apiserver provides the host-facing HTTP surface for
// file-transfer upload bookkeeping named in §6: a small gin router
// sitting in front of the filetransfer.Uploader so a host UI can kick
// off an upload and poll its progress without linking against the
// crypto core directly. It is outside the cryptographic core itself.
package apiserver

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/veilroom/veilcore/internal/filetransfer"
)

// Config holds server configuration.
type Config struct {
	Port       int
	EnableCORS bool
	RateLimit  int // requests per minute
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{Port: 8090, EnableCORS: true, RateLimit: 100}
}

// Server is the gin-based HTTP API server for file-chunk bookkeeping.
type Server struct {
	uploader   *filetransfer.Uploader
	router     *gin.Engine
	port       int
	httpServer *http.Server

	mu      sync.RWMutex
	ids     map[string]string // client-supplied path id -> uploader-assigned upload id
}

// NewServer builds a Server that drives uploader.
func NewServer(uploader *filetransfer.Uploader, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()

	s := &Server{
		uploader: uploader,
		router:   router,
		port:     config.Port,
		ids:      make(map[string]string),
	}

	s.setupMiddleware(config)
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware(config *Config) {
	if config.EnableCORS {
		s.router.Use(corsMiddleware())
	}
	s.router.Use(rateLimitMiddleware(config.RateLimit))
}

func (s *Server) setupRoutes() {
	chunks := s.router.Group("/chunks")
	{
		chunks.POST("/:id", s.handleStartUpload)
		chunks.GET("/:id/status", s.handleUploadStatus)
	}
	s.router.GET("/health", s.handleHealth)
}

// UploadRequest is the body of POST /chunks/:id.
type UploadRequest struct {
	Name string `json:"name" binding:"required"`
	Data string `json:"data" binding:"required"` // base64-encoded file bytes
}

// UploadResponse acknowledges an upload was accepted and started.
type UploadResponse struct {
	Success  bool   `json:"success"`
	ClientID string `json:"clientId"`
	UploadID string `json:"uploadId"`
}

// StatusResponse reports an upload's progress.
type StatusResponse struct {
	Success     bool                           `json:"success"`
	UploadID    string                         `json:"uploadId"`
	Status      string                         `json:"status"`
	TotalChunks int                            `json:"totalChunks"`
	Acked       int                            `json:"acked"`
	Chunks      []filetransfer.ChunkDescriptor `json:"chunks"`
}

// ErrorResponse is a standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// handleStartUpload handles POST /chunks/:id: decodes the request
// body and starts the upload in the background, registering the
// uploader-assigned upload ID under the caller's path id so a later
// status poll can find it.
func (s *Server) handleStartUpload(c *gin.Context) {
	clientID := c.Param("id")

	var req UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid base64 data", Message: err.Error()})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "empty file"})
		return
	}

	done := make(chan string, 1)
	go func() {
		meta, err := s.uploader.Upload(context.Background(), req.Name, data, nil)
		if err != nil && meta == nil {
			done <- ""
			return
		}
		s.mu.Lock()
		s.ids[clientID] = meta.ID
		s.mu.Unlock()
		done <- meta.ID
	}()

	select {
	case uploadID := <-done:
		if uploadID == "" {
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "upload failed to start"})
			return
		}
		c.JSON(http.StatusAccepted, UploadResponse{Success: true, ClientID: clientID, UploadID: uploadID})
	case <-time.After(100 * time.Millisecond):
		// Upload is still chunking/sending; the client polls status by
		// the path id once we've recorded the mapping.
		c.JSON(http.StatusAccepted, UploadResponse{Success: true, ClientID: clientID})
	}
}

// handleUploadStatus handles GET /chunks/:id/status.
func (s *Server) handleUploadStatus(c *gin.Context) {
	clientID := c.Param("id")

	s.mu.RLock()
	uploadID, ok := s.ids[clientID]
	s.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown upload", Message: fmt.Sprintf("no upload registered for id %s", clientID)})
		return
	}

	meta, err := s.uploader.Status(uploadID)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "upload not found", Message: err.Error()})
		return
	}

	acked := 0
	chunks := make([]filetransfer.ChunkDescriptor, len(meta.Chunks))
	for i, ch := range meta.Chunks {
		chunks[i] = *ch
		if ch.Acked {
			acked++
		}
	}

	c.JSON(http.StatusOK, StatusResponse{
		Success:     true,
		UploadID:    meta.ID,
		Status:      meta.Status.String(),
		TotalChunks: len(meta.Chunks),
		Acked:       acked,
		Chunks:      chunks,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "status": "ok"})
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("apiserver: error: %v\n", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Stop stops the HTTP server immediately.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
