package notify

import (
	"context"
	"log/slog"

	"marketspy/internal/model"
	"marketspy/internal/pkg/logger"
	"marketspy/internal/pkg/metrics"
	"marketspy/internal/pkg/queue"
)

// ReportSender 发送单个任务的报告，由 EmailNotifier 实现。
type ReportSender interface {
	SendReport(ctx context.Context, job model.ScanJob) error
}

// TaskQueue 异步执行发送任务，由 queue.Queue 实现。
type TaskQueue interface {
	Enqueue(task queue.Task) error
}

// ReportDispatcher 在任务结束时把报告投递到后台队列，不阻塞 worker。
type ReportDispatcher struct {
	sender ReportSender
	tasks  TaskQueue
	logger *slog.Logger
}

// NewReportDispatcher 创建报告分发器。
func NewReportDispatcher(sender ReportSender, tasks TaskQueue, log *slog.Logger) *ReportDispatcher {
	if log == nil {
		log = logger.Discard()
	}
	return &ReportDispatcher{sender: sender, tasks: tasks, logger: log}
}

// JobFinished 实现 crawler.JobObserver。
func (d *ReportDispatcher) JobFinished(_ context.Context, job model.ScanJob) {
	if job.Request.NotifyEmail == "" {
		return
	}
	err := d.tasks.Enqueue(queue.Task{
		Name: "report-mail:" + job.ID,
		Run: func(ctx context.Context) error {
			if err := d.sender.SendReport(ctx, job); err != nil {
				metrics.NotificationsTotal.WithLabelValues("email", "failed").Inc()
				return err
			}
			metrics.NotificationsTotal.WithLabelValues("email", "sent").Inc()
			return nil
		},
	})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("email", "dropped").Inc()
		d.logger.Warn("report mail dropped",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}
}
