package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketspy/internal/analysis"
	"marketspy/internal/api"
	"marketspy/internal/archive"
	"marketspy/internal/config"
	"marketspy/internal/fetcher"
	"marketspy/internal/pkg/cache"
	"marketspy/internal/pkg/jobqueue"
	"marketspy/internal/pkg/logger"
	"marketspy/internal/pkg/ratelimit"
	"marketspy/internal/source"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// main 是 API 服务的入口函数。
//
// 它负责：
// 1. 加载配置并初始化日志
// 2. 连接 Redis（任务队列、分析缓存、限流）
// 3. 按需初始化商品分析与报告归档
// 4. 启动 HTTP 服务并优雅关闭
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	if cfg.App.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		appLogger.Error("connect redis failed", slog.String("addr", cfg.Redis.Addr), slog.String("error", err.Error()))
		os.Exit(1)
	}

	jobs := jobqueue.New(rdb, appLogger, jobqueue.ConfigOptions(cfg.Queue)...)

	// 没有 API Key 时分析直接返回模拟结果，不需要启动浏览器
	var (
		completer analysis.Completer
		details   analysis.DetailFetcher
		pages     fetcher.Fetcher
	)
	if c := analysis.NewOpenAICompleter(cfg.OpenAI); c != nil {
		completer = c
		pages, err = fetcher.New(ctx, cfg.Browser, appLogger)
		if err != nil {
			appLogger.Error("init page fetcher failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		limiter := ratelimit.New(rdb, appLogger, cfg.App.RateLimit, cfg.App.RateBurst)
		details = source.NewDetailReader(pages, limiter, appLogger, cfg.Scan.DetailTextBudget)
	} else {
		appLogger.Warn("openai api key missing, analysis will be simulated")
	}
	analysisCache := cache.New(rdb, "analysis", cfg.App.AnalysisCacheTTL)
	analyzer := analysis.NewService(details, completer, analysisCache, appLogger, cfg.Scan.PromptBudget)

	var (
		opts []api.Option
		db   *gorm.DB
	)
	if cfg.MySQL.Enabled {
		db, err = archive.Open(cfg.MySQL.DSN)
		if err != nil {
			appLogger.Error("open report archive failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		opts = append(opts, api.WithReports(archive.NewRepository(db, appLogger)))
	}

	srv := api.NewServer(cfg, appLogger, jobs, analyzer, opts...)
	httpServer := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.Info("api server listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("server run failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down api server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("http shutdown failed", slog.String("error", err.Error()))
	}
	if pages != nil {
		if err := pages.Close(); err != nil {
			appLogger.Error("close page fetcher failed", slog.String("error", err.Error()))
		}
	}
	if db != nil {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if err := rdb.Close(); err != nil {
		appLogger.Error("close redis failed", slog.String("error", err.Error()))
	}
	appLogger.Info("api server stopped")
}
