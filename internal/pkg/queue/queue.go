// Package queue 提供进程内的有界 worker 队列，用于执行任务完成后的副作用（如发送邮件）。
//
// 副作用任务可以丢弃：队列满或已关闭时入队失败，调用方只记录日志，不影响扫描任务本身。
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"marketspy/internal/pkg/logger"
)

// ErrClosed 表示队列已关闭。
var ErrClosed = errors.New("queue is closed")

// Task 是一个具名的异步任务，Name 用于日志。
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// ErrorHandler 错误处理回调函数。
type ErrorHandler func(task Task, err error)

// Queue 是内存任务队列与固定 worker 池。
type Queue struct {
	logger       *slog.Logger
	workers      int
	tasks        chan Task
	timeout      time.Duration
	errorHandler ErrorHandler

	// 优雅关闭
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	started atomic.Bool

	stats queueStats
}

type queueStats struct {
	enqueued  atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
}

// Stats 队列统计信息快照。
type Stats struct {
	Enqueued  int64 // 总入队任务数
	Succeeded int64 // 成功任务数
	Failed    int64 // 失败任务数
	Dropped   int64 // 丢弃任务数（队列满或已关闭）
	Panics    int64 // Panic 次数
	Pending   int   // 当前待处理数
}

// New 创建一个新的任务队列。
//
// 参数:
//   - log: 日志记录器，可为 nil
//   - workers: worker 数量（至少为 1）
//   - capacity: 队列容量（至少为 1）
//   - timeout: 单个任务的执行超时，0 表示不限
func New(log *slog.Logger, workers, capacity int, timeout time.Duration) *Queue {
	if log == nil {
		log = logger.Discard()
	}
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		logger:  log,
		workers: workers,
		tasks:   make(chan Task, capacity),
		timeout: timeout,
	}
}

// SetErrorHandler 设置错误处理回调函数，需在 Start 之前调用。
func (q *Queue) SetErrorHandler(handler ErrorHandler) {
	q.errorHandler = handler
}

// Start 启动 worker 池。worker 在 Shutdown 排空队列后退出。
func (q *Queue) Start() {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for task := range q.tasks {
		q.execute(task, id)
	}
	q.logger.Debug("queue worker stopped", slog.Int("worker_id", id))
}

// execute 执行单个任务，带 panic 恢复和错误处理。
func (q *Queue) execute(task Task, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			q.stats.panics.Add(1)
			q.stats.failed.Add(1)
			q.logger.Error("task panic recovered",
				slog.Int("worker_id", workerID),
				slog.String("task", task.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	ctx := context.Background()
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	if err := task.Run(ctx); err != nil {
		q.stats.failed.Add(1)
		q.logger.Warn("task failed",
			slog.Int("worker_id", workerID),
			slog.String("task", task.Name),
			slog.String("error", err.Error()))
		if q.errorHandler != nil {
			q.errorHandler(task, err)
		}
		return
	}
	q.stats.succeeded.Add(1)
}

// Enqueue 非阻塞入队；队列已满返回错误，已关闭返回 ErrClosed。
func (q *Queue) Enqueue(task Task) error {
	if task.Run == nil {
		return errors.New("task has no run func")
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.stats.dropped.Add(1)
		return ErrClosed
	}

	select {
	case q.tasks <- task:
		q.stats.enqueued.Add(1)
		return nil
	default:
		q.stats.dropped.Add(1)
		q.logger.Warn("queue full, drop task",
			slog.String("task", task.Name),
			slog.Int("capacity", cap(q.tasks)))
		return fmt.Errorf("queue full (capacity %d)", cap(q.tasks))
	}
}

// Shutdown 拒绝新任务并等待已入队任务执行完毕，超时返回错误。
func (q *Queue) Shutdown(timeout time.Duration) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	if !q.started.Load() {
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("queue shutdown completed", slog.Any("stats", q.Stats()))
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("queue shutdown timeout after %s", timeout)
	}
}

// Stats 获取队列统计信息的快照。
func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.stats.enqueued.Load(),
		Succeeded: q.stats.succeeded.Load(),
		Failed:    q.stats.failed.Load(),
		Dropped:   q.stats.dropped.Load(),
		Panics:    q.stats.panics.Load(),
		Pending:   len(q.tasks),
	}
}
