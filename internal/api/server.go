// Package api exposes scans and triage over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourorg/leak-scanner/internal/model"
	"github.com/yourorg/leak-scanner/internal/store"
	"github.com/yourorg/leak-scanner/internal/worker"
)

// Scans is the part of the orchestrator the API drives.
type Scans interface {
	Submit(ctx context.Context, repo model.RepoConfig, opts model.ScanOptions) (model.ScanResult, error)
	SubmitAll(ctx context.Context, repos []model.RepoConfig, opts model.ScanOptions) ([]model.ScanResult, error)
	Cancel(id string) bool
	Delete(ctx context.Context, id string) (bool, error)
}

type RepoSource interface {
	Load() ([]model.RepoConfig, error)
}

type Server struct {
	Scans   Scans
	Store   store.Store
	Repos   RepoSource
	Metrics http.Handler
	// Ping backs /healthz. Nil means always healthy.
	Ping func(ctx context.Context) error

	Log *zap.Logger
}

// Router builds the gin engine with every route mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.healthz)
	if s.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.Metrics))
	}

	api := r.Group("/api")
	api.GET("/repos", s.listRepos)
	api.POST("/scan", s.scan)
	api.POST("/scan-all", s.scanAll)
	api.GET("/reports", s.listReports)
	api.DELETE("/reports", s.clearReports)
	api.GET("/reports/:id", s.getReport)
	api.DELETE("/reports/:id", s.deleteReport)
	api.POST("/reports/:id/cancel", s.cancelScan)
	api.PATCH("/reports/:id/findings/:findingId", s.setFindingStatus)
	api.GET("/stats", s.stats)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.Log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.Log.Error(msg, zap.String("path", c.Request.URL.Path), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg + ": " + err.Error()})
}

// bindOptionalJSON decodes the body into v. An empty body leaves v untouched.
func bindOptionalJSON(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) healthz(c *gin.Context) {
	if s.Ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			s.Log.Warn("healthz: store ping failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "reason": "store unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) listRepos(c *gin.Context) {
	list, err := s.Repos.Load()
	if err != nil {
		s.internalError(c, "Failed to load repositories", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) scan(c *gin.Context) {
	var req scanRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	if req.RepoName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "repoName is required"})
		return
	}

	list, err := s.Repos.Load()
	if err != nil {
		s.internalError(c, "Failed to load repositories", err)
		return
	}
	var repo *model.RepoConfig
	for i := range list {
		if list[i].Name == req.RepoName {
			repo = &list[i]
			break
		}
	}
	if repo == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Repository not found"})
		return
	}

	res, err := s.Scans.Submit(c.Request.Context(), *repo, req.SinceDays.Options())
	if err != nil {
		s.submitError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Scan started", "repoName": repo.Name, "scanId": res.ID})
}

func (s *Server) scanAll(c *gin.Context) {
	var req scanAllRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	list, err := s.Repos.Load()
	if err != nil {
		s.internalError(c, "Failed to load repositories", err)
		return
	}

	results, err := s.Scans.SubmitAll(c.Request.Context(), list, req.SinceDays.Options())
	if err != nil {
		s.submitError(c, err)
		return
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Scanning all repositories", "count": len(results), "scanIds": ids})
}

func (s *Server) submitError(c *gin.Context, err error) {
	if errors.Is(err, worker.ErrShutdown) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	s.internalError(c, "Failed to start scan", err)
}

func (s *Server) listReports(c *gin.Context) {
	list, err := s.Store.List(c.Request.Context())
	if err != nil {
		s.internalError(c, "Failed to list reports", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) clearReports(c *gin.Context) {
	if err := s.Store.Clear(c.Request.Context()); err != nil {
		s.internalError(c, "Failed to clear reports", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "All reports cleared"})
}

func (s *Server) getReport(c *gin.Context) {
	report, err := s.Store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Report not found"})
		return
	}
	if err != nil {
		s.internalError(c, "Failed to load report", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) deleteReport(c *gin.Context) {
	ok, err := s.Scans.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.internalError(c, "Failed to delete report", err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Report not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Report deleted"})
}

func (s *Server) cancelScan(c *gin.Context) {
	id := c.Param("id")
	if !s.Scans.Cancel(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Scan is not running"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Cancellation requested", "scanId": id})
}

func (s *Server) setFindingStatus(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.ReviewStatus.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid review status"})
		return
	}

	ok, err := s.Store.SetFindingStatus(c.Request.Context(), c.Param("id"), c.Param("findingId"), req.ReviewStatus)
	if err != nil {
		s.internalError(c, "Failed to update finding", err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Finding not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Updated"})
}

func (s *Server) stats(c *gin.Context) {
	st, err := s.Store.Stats(c.Request.Context())
	if err != nil {
		s.internalError(c, "Failed to compute stats", err)
		return
	}
	c.JSON(http.StatusOK, st)
}
