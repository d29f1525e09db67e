package api

import (
	"net/http"
	"strings"

	"marketspy/internal/model"

	"github.com/gin-gonic/gin"
)

type analyzeRequest struct {
	URL      string `json:"url" binding:"required"`
	Platform string `json:"platform" binding:"required"`
}

// handleAnalyze 分析单个商品详情页。
//
// 外部分析能力不可用时返回 simulated=true 的结果，而不是错误。
//
// POST /api/analyze
func (s *Server) handleAnalyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url and platform are required"})
		return
	}
	platform, err := model.ParsePlatform(req.Platform)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := s.analyzer.Analyze(c.Request.Context(), strings.TrimSpace(req.URL), platform)
	c.JSON(http.StatusOK, gin.H{"analysis": result})
}
