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

	"marketspy/internal/archive"
	"marketspy/internal/config"
	"marketspy/internal/crawler"
	"marketspy/internal/fetcher"
	"marketspy/internal/margin"
	"marketspy/internal/model"
	"marketspy/internal/pkg/events"
	"marketspy/internal/pkg/jobqueue"
	"marketspy/internal/pkg/logger"
	"marketspy/internal/pkg/notify"
	"marketspy/internal/pkg/queue"
	"marketspy/internal/pkg/ratelimit"
	"marketspy/internal/scan"
	"marketspy/internal/source"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// main 是爬虫 worker 服务的入口函数。
//
// 它负责：
// 1. 加载配置、初始化日志
// 2. 组装抓取器、平台适配器、聚合器与 worker 池
// 3. 按配置挂载任务结束后的副作用（邮件、NATS、归档）
// 4. 启动 Metrics 服务并优雅关闭
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	defer rdb.Close()

	pages, err := fetcher.New(ctx, cfg.Browser, appLogger)
	if err != nil {
		appLogger.Error("init page fetcher failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pages.Close()

	calc, err := newCalculator(cfg.Fees)
	if err != nil {
		appLogger.Error("invalid fee table", slog.String("error", err.Error()))
		os.Exit(1)
	}

	limiter := ratelimit.New(rdb, appLogger, cfg.App.RateLimit, cfg.App.RateBurst)
	sources := source.NewSources(pages, appLogger,
		source.WithLimiter(limiter),
		source.WithBackoff(cfg.Scan.PageBackoffMin, cfg.Scan.PageBackoffMax),
		source.WithMaxPages(cfg.Scan.MaxPages),
	)
	aggregator := scan.NewAggregator(calc, appLogger, sources...)

	jobs := jobqueue.New(rdb, appLogger, jobqueue.ConfigOptions(cfg.Queue)...)

	observers, closeObservers := buildObservers(cfg, appLogger)
	defer closeObservers()

	service := crawler.NewService(jobs,
		crawler.QueueClaimers(jobs, jobqueue.ConsumerConfigOptions(cfg.Queue)...),
		aggregator,
		appLogger,
		crawler.WithWorkers(cfg.Scan.Concurrency),
		crawler.WithJobTimeout(cfg.Scan.JobTimeout),
		crawler.WithObservers(observers...),
	)

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		appLogger.Info("starting scan workers", slog.Int("workers", cfg.Scan.Concurrency))
		if err := service.StartWorker(ctx); err != nil && !errors.Is(err, context.Canceled) {
			appLogger.Error("scan workers stopped", slog.String("error", err.Error()))
			stop()
		}
	}()

	metricsServer := &http.Server{
		Addr:              cfg.App.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		appLogger.Info("crawler metrics server started", slog.String("addr", cfg.App.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	appLogger.Info("shutting down crawler service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := service.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("worker pool shutdown error", slog.String("error", err.Error()))
	}
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}

	st := service.Stats()
	appLogger.Info("crawler service stopped gracefully",
		slog.Int64("processed", st.TotalProcessed),
		slog.Int64("succeeded", st.TotalSucceeded),
		slog.Int64("failed", st.TotalFailed))
}

// newCalculator 用配置中的费率覆盖默认费率表。
func newCalculator(fees map[string]margin.FeeSchedule) (*margin.Calculator, error) {
	overrides := make(margin.Table, len(fees))
	for name, fs := range fees {
		p, err := model.ParsePlatform(name)
		if err != nil {
			return nil, err
		}
		overrides[p] = fs
	}
	return margin.NewCalculator(overrides), nil
}

// buildObservers 按配置创建任务结束后的观察者，返回的函数用于关闭它们持有的资源。
func buildObservers(cfg *config.Config, log *slog.Logger) ([]crawler.JobObserver, func()) {
	var (
		observers []crawler.JobObserver
		closers   []func()
	)

	mailer := notify.NewEmailNotifier(cfg.Email, log)
	if mailer.Enabled() {
		mailQueue := queue.New(log, cfg.Email.Workers, cfg.Email.Capacity, time.Minute)
		mailQueue.Start()
		observers = append(observers, notify.NewReportDispatcher(mailer, mailQueue, log))
		closers = append(closers, func() {
			if err := mailQueue.Shutdown(30 * time.Second); err != nil {
				log.Warn("mail queue shutdown", slog.String("error", err.Error()))
			}
		})
	}

	if cfg.NATS.URL != "" {
		nc, err := events.Connect(cfg.NATS, log)
		if err != nil {
			log.Error("nats disabled", slog.String("error", err.Error()))
		} else {
			observers = append(observers, events.NewPublisher(nc, cfg.NATS.SubjectPrefix, log))
			closers = append(closers, func() {
				if err := nc.Drain(); err != nil {
					nc.Close()
				}
			})
		}
	}

	if cfg.MySQL.Enabled {
		db, err := archive.Open(cfg.MySQL.DSN)
		if err != nil {
			log.Error("report archive disabled", slog.String("error", err.Error()))
		} else {
			observers = append(observers, archive.NewRepository(db, log))
			closers = append(closers, func() { closeDB(db) })
		}
	}

	return observers, func() {
		for _, c := range closers {
			c()
		}
	}
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
