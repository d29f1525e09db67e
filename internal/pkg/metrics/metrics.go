// Package metrics 定义 Prometheus 指标。
//
// 所有指标在包初始化时通过 promauto 注册到默认 Registry，
// API 进程在 /metrics、crawler 进程在独立端口上暴露。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScanJobsTotal 按事件统计任务流转: enqueued / claimed / completed / failed / abandoned。
	ScanJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketspy_scan_jobs_total",
		Help: "Scan job lifecycle events.",
	}, []string{"event"})

	// ScanJobDuration 单个任务从 claim 到终态的耗时。
	ScanJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketspy_scan_job_duration_seconds",
		Help:    "Time from claim to terminal state.",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"state"})

	// WorkersBusy 当前正在执行任务的 worker 数。
	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketspy_workers_busy",
		Help: "Workers currently running a scan.",
	})

	// WorkerPanicsTotal worker 中恢复的 panic 次数。
	WorkerPanicsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketspy_worker_panics_total",
		Help: "Panics recovered inside scan workers.",
	})

	// SourceListingsTotal 各平台产出的有效商品数。
	SourceListingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketspy_source_listings_total",
		Help: "Valid listings produced per platform.",
	}, []string{"platform"})

	// SourceRejectedTotal 各平台被丢弃的候选商品数。
	SourceRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketspy_source_rejected_total",
		Help: "Raw candidates rejected during normalisation.",
	}, []string{"platform", "reason"})

	// SourceRunsTotal 各平台适配器运行结果: ok / degraded / failed。
	SourceRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketspy_source_runs_total",
		Help: "Source adapter runs by outcome.",
	}, []string{"platform", "status"})

	// PageFetchDuration 单页导航耗时。
	PageFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketspy_page_fetch_duration_seconds",
		Help:    "Page navigation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"platform", "result"})

	// RateLimitWaitDuration 令牌桶等待时间。
	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketspy_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a navigation token.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})

	// RateLimitTimeoutTotal 等待令牌超时次数。
	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketspy_ratelimit_timeout_total",
		Help: "Navigation token waits that ended with a timeout.",
	})

	// JobQueueDLQTotal 进入死信 Stream 的消息数。
	JobQueueDLQTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketspy_jobqueue_dlq_total",
		Help: "Stream entries moved to the dead-letter stream.",
	})

	// JobQueueReclaimedTotal 通过 XAUTOCLAIM 接管的消息数。
	JobQueueReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketspy_jobqueue_reclaimed_total",
		Help: "Stream entries reclaimed from idle consumers.",
	})

	// AnalysisRequestsTotal 商品分析请求，按模式: live / cached / simulated。
	AnalysisRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketspy_analysis_requests_total",
		Help: "Listing analysis requests by mode.",
	}, []string{"mode"})

	// NotificationsTotal 完成通知发送结果。
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketspy_notifications_total",
		Help: "Completion side effects by channel and result.",
	}, []string{"channel", "result"})
)
