package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"marketspy/internal/model"
	"marketspy/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// ReasonWorkerLost 是被接管的 active 任务的失败原因。
const ReasonWorkerLost = "worker lost before the scan finished"

const (
	defaultBlockTime   = 2 * time.Second
	defaultPendingIdle = 15 * time.Minute
)

// Consumer 是消费者组中的一个成员，每个 worker goroutine 独占一个。
type Consumer struct {
	queue        *Queue
	logger       *slog.Logger
	name         string
	blockTime    time.Duration
	pendingIdle  time.Duration
	pendingStart string
}

// ConsumerOption 消费者配置选项。
type ConsumerOption func(*Consumer)

// WithBlockTime 设置 XREADGROUP 的阻塞等待时间。
func WithBlockTime(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.blockTime = d
		}
	}
}

// WithPendingIdle 设置未确认消息被接管前的最小空闲时间，应大于单个任务的超时时间。
func WithPendingIdle(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.pendingIdle = d
		}
	}
}

// Claim 是一次成功的认领：任务已处于 active 状态，消息待确认。
type Claim struct {
	Job       *model.ScanJob
	MessageID string
	// Reclaimed 表示该消息是从其他消费者接管的。
	Reclaimed bool
}

// NewConsumer 创建消费者，并在需要时创建消费者组。
//
// 参数:
//   - ctx: 上下文
//   - name: 消费者名称，在组内唯一
//   - opts: 可选配置
func (q *Queue) NewConsumer(ctx context.Context, name string, opts ...ConsumerOption) (*Consumer, error) {
	if name == "" {
		return nil, errors.New("consumer name is required")
	}
	c := &Consumer{
		queue:        q,
		logger:       q.logger.With(slog.String("consumer", name)),
		name:         name,
		blockTime:    defaultBlockTime,
		pendingIdle:  defaultPendingIdle,
		pendingStart: "0-0",
	}
	for _, opt := range opts {
		opt(c)
	}

	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	c.logger.Debug("consumer ready", slog.String("stream", q.stream), slog.String("group", q.group))
	return c, nil
}

// Name 返回消费者名称。
func (c *Consumer) Name() string { return c.name }

// Claim 阻塞等待并认领一个任务。
//
// 优先接管空闲超过 pendingIdle 的未确认消息，其次读取新消息。
// 没有可执行任务时返回 ErrNoJob，调用方应直接重试。
// 接管到仍处于 active 的任务说明原 worker 已丢失，该任务会被标记为失败而不是重跑。
func (c *Consumer) Claim(ctx context.Context) (*Claim, error) {
	msg, reclaimed, err := c.readPending(ctx)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		msg, err = c.readNew(ctx)
		if err != nil {
			return nil, err
		}
	}
	if msg == nil {
		return nil, ErrNoJob
	}

	jobID, _ := msg.Values["job_id"].(string)
	if jobID == "" {
		c.deadLetter(ctx, *msg, "missing job_id")
		return nil, ErrNoJob
	}
	log := c.logger.With(slog.String("job_id", jobID), slog.String("msg_id", msg.ID))

	status, err := claimScript.Run(ctx, c.queue.rdb, []string{c.queue.jobKey(jobID)},
		c.name, c.queue.now().UTC().Format(time.RFC3339Nano),
	).Text()
	if err != nil {
		return nil, fmt.Errorf("claim script: %w", err)
	}

	switch status {
	case "claimed":
		job, err := c.queue.GetJob(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("load claimed job: %w", err)
		}
		metrics.ScanJobsTotal.WithLabelValues("claimed").Inc()
		log.Info("scan job claimed", slog.Bool("reclaimed", reclaimed))
		return &Claim{Job: job, MessageID: msg.ID, Reclaimed: reclaimed}, nil

	case string(model.JobActive):
		if reclaimed {
			if err := c.queue.Fail(ctx, jobID, ReasonWorkerLost); err != nil && !errors.Is(err, ErrInvalidTransition) {
				return nil, fmt.Errorf("fail abandoned job: %w", err)
			}
			metrics.ScanJobsTotal.WithLabelValues("abandoned").Inc()
			log.Warn("reclaimed job from lost worker, marked failed")
		}
		c.ack(ctx, msg.ID)
		return nil, ErrNoJob

	case "missing":
		log.Warn("stream entry refers to an expired job")
		c.ack(ctx, msg.ID)
		return nil, ErrNoJob

	default:
		// 终态：上一个 worker 已写入结果但未来得及确认。
		c.ack(ctx, msg.ID)
		return nil, ErrNoJob
	}
}

// Ack 确认已处理完成的认领。
func (c *Consumer) Ack(ctx context.Context, claim *Claim) error {
	if claim == nil {
		return errors.New("claim is nil")
	}
	acked, err := c.queue.rdb.XAck(ctx, c.queue.stream, c.queue.group, claim.MessageID).Result()
	if err != nil {
		return fmt.Errorf("xack failed: %w", err)
	}
	if acked == 0 {
		c.logger.Warn("message not acked (may already be acked)", slog.String("msg_id", claim.MessageID))
	}
	return nil
}

func (c *Consumer) ack(ctx context.Context, msgID string) {
	if err := c.queue.rdb.XAck(ctx, c.queue.stream, c.queue.group, msgID).Err(); err != nil {
		c.logger.Error("ack failed", slog.String("msg_id", msgID), slog.String("error", err.Error()))
	}
}

func (c *Consumer) readPending(ctx context.Context) (*redis.XMessage, bool, error) {
	messages, nextStart, err := c.queue.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.queue.stream,
		Group:    c.queue.group,
		Consumer: c.name,
		MinIdle:  c.pendingIdle,
		Start:    c.pendingStart,
		Count:    1,
	}).Result()
	if err != nil {
		return nil, false, fmt.Errorf("xautoclaim failed: %w", err)
	}
	if nextStart != "" {
		c.pendingStart = nextStart
	}
	if len(messages) == 0 {
		return nil, false, nil
	}
	metrics.JobQueueReclaimedTotal.Inc()
	return &messages[0], true, nil
}

func (c *Consumer) readNew(ctx context.Context) (*redis.XMessage, error) {
	streams, err := c.queue.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.queue.group,
		Consumer: c.name,
		Streams:  []string{c.queue.stream, ">"},
		Count:    1,
		Block:    c.blockTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup failed: %w", err)
	}
	for _, stream := range streams {
		if len(stream.Messages) > 0 {
			return &stream.Messages[0], nil
		}
	}
	return nil, nil
}

// deadLetter 将无法解析的消息转入死信 Stream 并确认。
func (c *Consumer) deadLetter(ctx context.Context, msg redis.XMessage, reason string) {
	values := make(map[string]interface{}, len(msg.Values)+3)
	for k, v := range msg.Values {
		values["field_"+k] = v
	}
	values["original_id"] = msg.ID
	values["reason"] = reason
	values["failed_at"] = c.queue.now().UTC().Format(time.RFC3339Nano)

	if err := c.queue.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.queue.DeadLetterStream(),
		MaxLen: c.queue.maxLen,
		Values: values,
	}).Err(); err != nil {
		c.logger.Error("publish dead letter failed", slog.String("msg_id", msg.ID), slog.String("error", err.Error()))
	}
	metrics.JobQueueDLQTotal.Inc()
	c.logger.Warn("message moved to dead letter stream", slog.String("msg_id", msg.ID), slog.String("reason", reason))
	c.ack(ctx, msg.ID)
}
