// Package events 把任务结束事件发布到 NATS，供下游服务订阅。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"marketspy/internal/config"
	"marketspy/internal/model"
	"marketspy/internal/pkg/logger"
	"marketspy/internal/pkg/metrics"

	"github.com/nats-io/nats.go"
)

const (
	connectWait   = 5 * time.Second
	maxReconnects = 5
	reconnectWait = 2 * time.Second
)

// Conn 是发布所需的最小连接接口，由 *nats.Conn 实现。
type Conn interface {
	Publish(subject string, data []byte) error
}

// JobEvent 任务结束事件的负载。
type JobEvent struct {
	JobID         string     `json:"jobId"`
	State         string     `json:"state"`
	Keyword       string     `json:"keyword"`
	Platforms     []string   `json:"platforms"`
	TotalScanned  int        `json:"totalScanned"`
	AveragePrice  float64    `json:"averagePrice"`
	BestListingID string     `json:"bestListingId,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
}

// Publisher 在任务结束时发布事件。
type Publisher struct {
	conn   Conn
	prefix string
	logger *slog.Logger
}

// Connect 建立 NATS 连接。
func Connect(cfg config.NATSConfig, log *slog.Logger) (*nats.Conn, error) {
	if log == nil {
		log = logger.Discard()
	}
	opts := []nats.Option{
		nats.Name("marketspy crawler"),
		nats.Timeout(connectWait),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// NewPublisher 创建事件发布器，prefix 为空时使用 marketspy.scan。
func NewPublisher(conn Conn, prefix string, log *slog.Logger) *Publisher {
	if log == nil {
		log = logger.Discard()
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "marketspy.scan"
	}
	return &Publisher{conn: conn, prefix: prefix, logger: log}
}

// Subject 返回某个状态对应的主题。
func (p *Publisher) Subject(state model.JobState) string {
	return p.prefix + "." + string(state)
}

// Publish 发布一个任务事件。
func (p *Publisher) Publish(job model.ScanJob) error {
	data, err := json.Marshal(newJobEvent(job))
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}
	subject := p.Subject(job.State)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// JobFinished 实现 crawler.JobObserver，发布失败只记录日志。
func (p *Publisher) JobFinished(_ context.Context, job model.ScanJob) {
	if err := p.Publish(job); err != nil {
		metrics.NotificationsTotal.WithLabelValues("nats", "failed").Inc()
		p.logger.Warn("publish job event failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
		return
	}
	metrics.NotificationsTotal.WithLabelValues("nats", "sent").Inc()
}

func newJobEvent(job model.ScanJob) JobEvent {
	ev := JobEvent{
		JobID:         job.ID,
		State:         string(job.State),
		Keyword:       job.Request.Keyword,
		Platforms:     make([]string, 0, len(job.Request.Platforms)),
		FailureReason: job.FailureReason,
		FinishedAt:    job.FinishedAt,
	}
	for _, p := range job.Request.Platforms {
		ev.Platforms = append(ev.Platforms, string(p))
	}
	if job.Result != nil {
		ev.TotalScanned = job.Result.Summary.TotalScanned
		ev.AveragePrice = job.Result.Summary.AveragePrice
		if best := job.Result.Summary.BestOpportunity; best != nil {
			ev.BestListingID = best.ID
		}
	}
	return ev
}
