package api

import (
	"errors"
	"log/slog"
	"net/http"

	"marketspy/internal/api/middleware"
	"marketspy/internal/archive"

	"github.com/gin-gonic/gin"
)

// handleListReports 最近归档的报告。
//
// GET /api/reports?limit=
func (s *Server) handleListReports(c *gin.Context) {
	if s.reports == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "report archive disabled"})
		return
	}
	reports, err := s.reports.Recent(c.Request.Context(), parseQueryInt(c, "limit", 20))
	if err != nil {
		s.logger.Error("list reports failed", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "report archive unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

// GET /api/reports/:jobId
func (s *Server) handleGetReport(c *gin.Context) {
	if s.reports == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "report archive disabled"})
		return
	}
	jobID := c.Param("jobId")
	c.Set(middleware.JobIDKey, jobID)

	report, err := s.reports.ByJobID(c.Request.Context(), jobID)
	if errors.Is(err, archive.ErrReportNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return
	}
	if err != nil {
		s.logger.Error("get report failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "report archive unavailable"})
		return
	}
	c.JSON(http.StatusOK, report)
}
