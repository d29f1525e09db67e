// Package crawler 实现扫描任务的 worker 池。
//
// 每个 worker 独占一个队列消费者，循环执行：认领任务、运行扫描聚合、
// 推进进度、写入终态、确认消息，最后通知观察者（邮件、事件、归档）。
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"marketspy/internal/model"
	"marketspy/internal/pkg/jobqueue"
	"marketspy/internal/pkg/logger"
	"marketspy/internal/pkg/metrics"
	"marketspy/internal/scan"
)

const (
	// 超时常量
	defaultJobTimeout     = 10 * time.Minute       // 单个任务最大执行时间
	redisOperationTimeout = 5 * time.Second        // 状态写入超时
	observerTimeout       = 30 * time.Second       // 单个观察者回调超时
	claimErrorBackoff     = 200 * time.Millisecond // 认领出错后的等待

	progressStarted = 10
	progressSpan    = 80
)

// JobStore 是 worker 对任务状态的写入口，由 jobqueue.Queue 实现。
type JobStore interface {
	GetJob(ctx context.Context, id string) (*model.ScanJob, error)
	SetProgress(ctx context.Context, id string, percent int) error
	Complete(ctx context.Context, id string, result *model.ScanResult) error
	Fail(ctx context.Context, id string, reason string) error
}

// Claimer 是单个 worker 使用的消费者。
type Claimer interface {
	Claim(ctx context.Context) (*jobqueue.Claim, error)
	Ack(ctx context.Context, claim *jobqueue.Claim) error
}

// ClaimerFactory 为每个 worker 创建独立的消费者。
type ClaimerFactory func(ctx context.Context, name string) (Claimer, error)

// Scanner 执行一次扫描，由 scan.Aggregator 实现。
type Scanner interface {
	Run(ctx context.Context, req model.ScanRequest, onProgress scan.ProgressFunc) (*model.ScanResult, error)
}

// JobObserver 在任务进入终态后被调用，失败不影响任务状态。
type JobObserver interface {
	JobFinished(ctx context.Context, job model.ScanJob)
}

// QueueClaimers 返回基于 jobqueue 消费者组的 ClaimerFactory。
func QueueClaimers(q *jobqueue.Queue, opts ...jobqueue.ConsumerOption) ClaimerFactory {
	return func(ctx context.Context, name string) (Claimer, error) {
		c, err := q.NewConsumer(ctx, name, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Service 是固定大小的 worker 池。
type Service struct {
	store      JobStore
	newClaimer ClaimerFactory
	scanner    Scanner
	logger     *slog.Logger
	observers  []JobObserver

	workers    int
	jobTimeout time.Duration
	namePrefix string

	// mu 保证 wg.Add 与 Shutdown 中的 wg.Wait 不会并发
	mu      sync.Mutex
	wg      sync.WaitGroup
	started bool
	closed  bool

	// 统计信息
	stats workerStats
}

// workerStats worker 池统计信息
type workerStats struct {
	TotalProcessed atomic.Int64
	TotalSucceeded atomic.Int64
	TotalFailed    atomic.Int64
	TotalPanics    atomic.Int64
	Busy           atomic.Int64
}

// Stats worker 池统计信息快照。
type Stats struct {
	Workers        int   `json:"workers"`
	Busy           int64 `json:"busy"`
	TotalProcessed int64 `json:"totalProcessed"`
	TotalSucceeded int64 `json:"totalSucceeded"`
	TotalFailed    int64 `json:"totalFailed"`
	TotalPanics    int64 `json:"totalPanics"`
}

// Option 配置 Service。
type Option func(*Service)

// WithWorkers 设置 worker 数量（至少为 1）。
func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithJobTimeout 设置单个任务的最长执行时间。
func WithJobTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.jobTimeout = d
		}
	}
}

// WithObservers 注册任务结束时的观察者。
func WithObservers(observers ...JobObserver) Option {
	return func(s *Service) {
		for _, o := range observers {
			if o != nil {
				s.observers = append(s.observers, o)
			}
		}
	}
}

// WithNamePrefix 设置消费者名称前缀，默认为 hostname-pid。
func WithNamePrefix(prefix string) Option {
	return func(s *Service) {
		if prefix != "" {
			s.namePrefix = prefix
		}
	}
}

// NewService 创建 worker 池。
//
// 参数:
//
//	store: 任务状态存储
//	newClaimer: 为每个 worker 创建消费者
//	scanner: 扫描聚合器
//	log: 日志记录器
//
// 返回值:
//
//	*Service: 尚未启动的 worker 池
func NewService(store JobStore, newClaimer ClaimerFactory, scanner Scanner, log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.Discard()
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	s := &Service{
		store:      store,
		newClaimer: newClaimer,
		scanner:    scanner,
		logger:     log,
		workers:    2,
		jobTimeout: defaultJobTimeout,
		namePrefix: fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartWorker 启动全部 worker 并阻塞直到 ctx 取消且所有 worker 退出。
//
// ctx 取消后不再认领新任务，正在执行的任务会跑完并写入终态。
func (s *Service) StartWorker(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("worker pool is shut down")
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("worker pool already started")
	}
	s.started = true
	// 在创建消费者之前占位，Shutdown 会等待启动过程结束
	s.wg.Add(s.workers)
	s.mu.Unlock()

	claimers := make([]Claimer, 0, s.workers)
	for i := 0; i < s.workers; i++ {
		name := fmt.Sprintf("%s-%d", s.namePrefix, i)
		c, err := s.newClaimer(ctx, name)
		if err != nil {
			s.wg.Add(-s.workers)
			return fmt.Errorf("create consumer %s: %w", name, err)
		}
		claimers = append(claimers, c)
	}

	s.logger.Info("scan workers started",
		slog.Int("workers", s.workers),
		slog.Duration("job_timeout", s.jobTimeout))

	for i, c := range claimers {
		go func(id int, claimer Claimer) {
			defer s.wg.Done()
			s.loop(ctx, id, claimer)
		}(i, c)
	}

	s.wg.Wait()
	s.logger.Info("scan workers stopped")
	return ctx.Err()
}

func (s *Service) loop(ctx context.Context, id int, claimer Claimer) {
	log := s.logger.With(slog.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}
		claim, err := claimer.Claim(ctx)
		if err != nil {
			if errors.Is(err, jobqueue.ErrNoJob) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.Error("claim scan job failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(claimErrorBackoff):
			}
			continue
		}
		s.runJob(log, claimer, claim)
	}
}

// runJob 执行一个已认领的任务并写入终态。
//
// 只有终态落库（或任务已处于终态）后才确认消息；写入失败时消息保持 pending，
// 由其他消费者在 pendingIdle 之后接管并标记为失败。
func (s *Service) runJob(log *slog.Logger, claimer Claimer, claim *jobqueue.Claim) {
	job := claim.Job
	log = log.With(slog.String("job_id", job.ID))
	start := time.Now()

	s.stats.Busy.Add(1)
	metrics.WorkersBusy.Inc()
	defer func() {
		s.stats.Busy.Add(-1)
		metrics.WorkersBusy.Dec()
	}()
	s.stats.TotalProcessed.Add(1)

	log.Info("scan job started",
		slog.String("keyword", job.Request.Keyword),
		slog.Int("platforms", len(job.Request.Platforms)),
		slog.Int("limit", job.Request.Limit))

	result, reason := s.execute(log, job)

	opCtx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()

	state := model.JobCompleted
	stored := true
	if result != nil {
		if err := s.store.Complete(opCtx, job.ID, result); err != nil {
			state = model.JobFailed
			reason = "store scan result: " + err.Error()
			if errors.Is(err, jobqueue.ErrInvalidTransition) {
				log.Warn("job left active state before completion", slog.String("error", err.Error()))
			} else {
				stored = s.markFailed(opCtx, log, job.ID, reason)
			}
		}
	} else {
		state = model.JobFailed
		stored = s.markFailed(opCtx, log, job.ID, reason)
	}

	if !stored {
		s.stats.TotalFailed.Add(1)
		log.Error("terminal state not stored, leaving message pending for recovery",
			slog.String("reason", reason),
			slog.String("msg_id", claim.MessageID))
		return
	}

	if err := claimer.Ack(opCtx, claim); err != nil {
		log.Error("failed to ack scan job", slog.String("error", err.Error()))
	}

	elapsed := time.Since(start)
	metrics.ScanJobDuration.WithLabelValues(string(state)).Observe(elapsed.Seconds())
	if state == model.JobCompleted {
		s.stats.TotalSucceeded.Add(1)
		log.Info("scan job completed",
			slog.Int("listings", len(result.Listings)),
			slog.Duration("duration", elapsed))
	} else {
		s.stats.TotalFailed.Add(1)
		log.Warn("scan job failed",
			slog.String("reason", reason),
			slog.Duration("duration", elapsed))
	}

	s.notify(log, job, state, result, reason)
}

// markFailed 把任务标记为失败，任务已处于终态也视为成功。
func (s *Service) markFailed(ctx context.Context, log *slog.Logger, id, reason string) bool {
	err := s.store.Fail(ctx, id, reason)
	if err == nil || errors.Is(err, jobqueue.ErrInvalidTransition) {
		return true
	}
	log.Error("mark job failed", slog.String("error", err.Error()))
	return false
}

// execute 运行扫描聚合，返回结果或失败原因。
func (s *Service) execute(log *slog.Logger, job *model.ScanJob) (result *model.ScanResult, reason string) {
	defer func() {
		if r := recover(); r != nil {
			s.stats.TotalPanics.Add(1)
			metrics.WorkerPanicsTotal.Inc()
			log.Error("scan job panic recovered",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			result = nil
			reason = fmt.Sprintf("internal error: %v", r)
		}
	}()

	// 为每个任务设置独立的上下文
	jobCtx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()

	if err := s.setProgress(job.ID, progressStarted); err != nil {
		return nil, "update progress: " + err.Error()
	}

	// 回调是串行的，Run 返回后读取 progressErr 是安全的
	var progressErr error
	onProgress := func(done, total int) {
		if progressErr != nil {
			return
		}
		if err := s.setProgress(job.ID, progressFor(done, total)); err != nil {
			progressErr = err
			cancel()
		}
	}

	res, err := s.scanner.Run(jobCtx, job.Request, onProgress)
	switch {
	case progressErr != nil:
		return nil, "update progress: " + progressErr.Error()
	case err != nil:
		return nil, "scan pipeline: " + err.Error()
	case res == nil:
		return nil, "scan pipeline returned no result"
	}
	if jobCtx.Err() != nil {
		log.Warn("scan job hit its deadline, keeping partial result",
			slog.Int("listings", len(res.Listings)))
	}
	return res, ""
}

func (s *Service) setProgress(id string, percent int) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	return s.store.SetProgress(ctx, id, percent)
}

// progressFor 把已结束的平台数映射到 10..90 的进度区间。
func progressFor(done, total int) int {
	if total <= 0 {
		return progressStarted + progressSpan
	}
	if done > total {
		done = total
	}
	return progressStarted + progressSpan*done/total
}

func (s *Service) notify(log *slog.Logger, job *model.ScanJob, state model.JobState, result *model.ScanResult, reason string) {
	if len(s.observers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), observerTimeout)
	defer cancel()

	snapshot, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		log.Warn("load finished job snapshot", slog.String("error", err.Error()))
		finished := time.Now().UTC()
		fallback := *job
		fallback.State = state
		fallback.Result = result
		fallback.FailureReason = reason
		fallback.FinishedAt = &finished
		if state == model.JobCompleted {
			fallback.Progress = 100
		}
		snapshot = &fallback
	}

	for _, o := range s.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("job observer panic recovered", slog.Any("panic", r))
				}
			}()
			o.JobFinished(ctx, *snapshot)
		}()
	}
}

// Stats 返回 worker 池统计信息快照。
func (s *Service) Stats() Stats {
	return Stats{
		Workers:        s.workers,
		Busy:           s.stats.Busy.Load(),
		TotalProcessed: s.stats.TotalProcessed.Load(),
		TotalSucceeded: s.stats.TotalSucceeded.Load(),
		TotalFailed:    s.stats.TotalFailed.Load(),
		TotalPanics:    s.stats.TotalPanics.Load(),
	}
}

// Shutdown 等待正在执行的任务结束。调用方应先取消传给 StartWorker 的 ctx。
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("worker pool shutdown complete", slog.Any("stats", s.Stats()))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}
