package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"marketspy/internal/analysis"
	"marketspy/internal/api/middleware"
	"marketspy/internal/config"
	"marketspy/internal/model"
	"marketspy/internal/pkg/logger"
	"marketspy/internal/scan"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它只依赖接口：任务队列、商品分析与可选的报告归档，方便在测试中替换。
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	router   *gin.Engine
	jobs     JobQueue
	analyzer Analyzer
	reports  ReportStore
	policy   scan.LimitPolicy
}

// JobQueue 是提交与查询任务所需的队列能力，由 jobqueue.Queue 实现。
type JobQueue interface {
	Enqueue(ctx context.Context, req model.ScanRequest) (string, error)
	GetJob(ctx context.Context, id string) (*model.ScanJob, error)
	Ping(ctx context.Context) error
}

// Analyzer 由 analysis.Service 实现。
type Analyzer interface {
	Analyze(ctx context.Context, rawURL string, platform model.Platform) analysis.Analysis
}

// ReportStore 由 archive.Repository 实现，为 nil 时报告接口返回 503。
type ReportStore interface {
	Recent(ctx context.Context, limit int) ([]model.ScanReport, error)
	ByJobID(ctx context.Context, jobID string) (*model.ScanReport, error)
}

// Option 配置可选依赖。
type Option func(*Server)

// WithReports 启用报告归档接口。
func WithReports(store ReportStore) Option {
	return func(s *Server) {
		s.reports = store
	}
}

// NewServer 初始化 API 服务器。
//
// 参数:
//
//	cfg: 配置对象（用于 limit 策略与监听地址）
//	log: 日志记录器
//	jobs: 任务队列
//	analyzer: 商品分析服务
//
// 返回值:
//
//	*Server: 已注册全部路由的服务器
func NewServer(cfg *config.Config, log *slog.Logger, jobs JobQueue, analyzer Analyzer, opts ...Option) *Server {
	if log == nil {
		log = logger.Discard()
	}
	if cfg == nil {
		cfg = config.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(log))

	s := &Server{
		cfg:      cfg,
		logger:   log,
		router:   router,
		jobs:     jobs,
		analyzer: analyzer,
		policy: scan.LimitPolicy{
			Min:     cfg.Scan.MinLimit,
			Max:     cfg.Scan.MaxLimit,
			Default: cfg.Scan.DefaultLimit,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	api := s.router.Group("/api")
	api.POST("/scan", s.handleSubmitScan)
	api.GET("/scan/status", s.handleScanStatus)
	api.GET("/jobs/:id", s.handleGetJob)
	api.POST("/jobs/:id/retry", s.handleRetryJob)
	api.POST("/analyze", s.handleAnalyze)
	api.GET("/reports", s.handleListReports)
	api.GET("/reports/:jobId", s.handleGetReport)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.jobs.Ping(ctx); err != nil {
		s.logger.Warn("healthz: queue unreachable", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// parseQueryInt 解析查询参数中的整数，缺失或非法时返回默认值。
func parseQueryInt(c *gin.Context, key string, def int) int {
	val := c.Query(key)
	if val == "" {
		return def
	}
	iv, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return iv
}
