// Package jobqueue 实现扫描任务的持久化队列。
//
// 任务状态保存在 Redis Hash 中，所有状态迁移都由 Lua 脚本原子完成；
// 任务分发使用 Redis Streams 消费者组，保证每条消息在组内只被一个 worker 读取，
// worker 崩溃后由其他 worker 通过 XAUTOCLAIM 接管。
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"marketspy/internal/config"
	"marketspy/internal/model"
	"marketspy/internal/pkg/logger"
	"marketspy/internal/pkg/metrics"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultKeyPrefix = "marketspy"
	DefaultStream    = "marketspy:scan:jobs"
	DefaultGroup     = "scan_workers"

	defaultMaxLen    = 100000
	defaultRetention = 24 * time.Hour
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrNoJob             = errors.New("no job available")
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// Queue 是任务存储与分发的入口，可被 API 与 worker 并发使用。
type Queue struct {
	rdb       *redis.Client
	logger    *slog.Logger
	prefix    string
	stream    string
	group     string
	maxLen    int64
	retention time.Duration
	now       func() time.Time
}

// Option 配置 Queue。
type Option func(*Queue)

// WithKeyPrefix 设置任务哈希的 key 前缀。
func WithKeyPrefix(prefix string) Option {
	return func(q *Queue) {
		if prefix != "" {
			q.prefix = prefix
		}
	}
}

// WithStream 设置分发使用的 Stream 名称。
func WithStream(stream string) Option {
	return func(q *Queue) {
		if stream != "" {
			q.stream = stream
		}
	}
}

// WithGroup 设置消费者组名称。
func WithGroup(group string) Option {
	return func(q *Queue) {
		if group != "" {
			q.group = group
		}
	}
}

// WithRetention 设置终态任务的保留时间，0 表示永久保留。
func WithRetention(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.retention = d
		}
	}
}

// WithMaxLen 设置 Stream 的最大长度。
func WithMaxLen(n int64) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxLen = n
		}
	}
}

// New 创建任务队列。
//
// 参数:
//   - rdb: Redis 客户端，生命周期由调用方管理
//   - logger: 日志记录器，可为 nil
//   - opts: 可选配置
func New(rdb *redis.Client, log *slog.Logger, opts ...Option) *Queue {
	if log == nil {
		log = logger.Discard()
	}
	q := &Queue{
		rdb:       rdb,
		logger:    log,
		prefix:    DefaultKeyPrefix,
		stream:    DefaultStream,
		group:     DefaultGroup,
		maxLen:    defaultMaxLen,
		retention: defaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Stream 返回分发 Stream 名称。
func (q *Queue) Stream() string { return q.stream }

// DeadLetterStream 返回死信 Stream 名称。
func (q *Queue) DeadLetterStream() string { return q.stream + ":dlq" }

func (q *Queue) jobKey(id string) string {
	return q.prefix + ":scan:job:" + id
}

// Enqueue 创建一个 queued 状态的任务并投递，立即返回任务 ID。
func (q *Queue) Enqueue(ctx context.Context, req model.ScanRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	id := uuid.NewString()
	created, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.jobKey(id), q.stream},
		id, string(data), q.now().UTC().Format(time.RFC3339Nano), q.maxLen,
	).Int()
	if err != nil {
		return "", fmt.Errorf("enqueue script: %w", err)
	}
	if created == 0 {
		return "", fmt.Errorf("job id collision: %s", id)
	}

	metrics.ScanJobsTotal.WithLabelValues("enqueued").Inc()
	q.logger.Info("scan job enqueued",
		slog.String("job_id", id),
		slog.String("keyword", req.Keyword),
		slog.Int("platforms", len(req.Platforms)),
		slog.Int("limit", req.Limit))
	return id, nil
}

// GetJob 返回任务的只读快照。
func (q *Queue) GetJob(ctx context.Context, id string) (*model.ScanJob, error) {
	if id == "" {
		return nil, ErrJobNotFound
	}
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall job: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return decodeJob(fields)
}

// SetProgress 推进 active 任务的进度（0-100），进度只增不减。
func (q *Queue) SetProgress(ctx context.Context, id string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	code, err := progressScript.Run(ctx, q.rdb, []string{q.jobKey(id)}, percent).Int()
	if err != nil {
		return fmt.Errorf("progress script: %w", err)
	}
	return transitionError(code, id)
}

// Complete 将 active 任务标记为 completed 并保存结果。
func (q *Queue) Complete(ctx context.Context, id string, result *model.ScanResult) error {
	if result == nil {
		return errors.New("result is nil")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := q.finish(ctx, id, model.JobCompleted, string(data)); err != nil {
		return err
	}
	metrics.ScanJobsTotal.WithLabelValues("completed").Inc()
	return nil
}

// Fail 将 active 任务标记为 failed。
func (q *Queue) Fail(ctx context.Context, id string, reason string) error {
	if reason == "" {
		reason = "unknown failure"
	}
	if err := q.finish(ctx, id, model.JobFailed, reason); err != nil {
		return err
	}
	metrics.ScanJobsTotal.WithLabelValues("failed").Inc()
	return nil
}

func (q *Queue) finish(ctx context.Context, id string, state model.JobState, payload string) error {
	code, err := finishScript.Run(ctx, q.rdb, []string{q.jobKey(id)},
		string(state), payload, q.now().UTC().Format(time.RFC3339Nano), int64(q.retention/time.Second),
	).Int()
	if err != nil {
		return fmt.Errorf("finish script: %w", err)
	}
	return transitionError(code, id)
}

func transitionError(code int, id string) error {
	switch code {
	case -2:
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	case -1:
		return fmt.Errorf("%w: %s is not active", ErrInvalidTransition, id)
	default:
		return nil
	}
}

// Stats 是队列的运行状态。
type Stats struct {
	Depth      int64 `json:"depth"`
	Pending    int64 `json:"pending"`
	DeadLetter int64 `json:"deadLetter"`
}

// Stats 返回 Stream 长度、未确认消息数与死信数。
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	depth, err := q.rdb.XLen(ctx, q.stream).Result()
	if err != nil {
		return st, fmt.Errorf("xlen: %w", err)
	}
	st.Depth = depth

	pending, err := q.rdb.XPending(ctx, q.stream, q.group).Result()
	if err != nil && !isNoGroup(err) {
		return st, fmt.Errorf("xpending: %w", err)
	}
	if pending != nil {
		st.Pending = pending.Count
	}

	dlq, err := q.rdb.XLen(ctx, q.DeadLetterStream()).Result()
	if err != nil {
		return st, fmt.Errorf("xlen dlq: %w", err)
	}
	st.DeadLetter = dlq
	return st, nil
}

// Ping 检查 Redis 连接。
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func decodeJob(fields map[string]string) (*model.ScanJob, error) {
	job := &model.ScanJob{
		ID:            fields["id"],
		State:         model.JobState(fields["state"]),
		FailureReason: fields["failure_reason"],
		Worker:        fields["worker"],
	}
	if v := fields["progress"]; v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse progress %q: %w", v, err)
		}
		job.Progress = p
	}
	if v := fields["request"]; v != "" {
		if err := json.Unmarshal([]byte(v), &job.Request); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
	}
	if v := fields["result"]; v != "" && job.State == model.JobCompleted {
		var res model.ScanResult
		if err := json.Unmarshal([]byte(v), &res); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		job.Result = &res
	}
	if t, ok := parseTime(fields["created_at"]); ok {
		job.CreatedAt = t
	}
	if t, ok := parseTime(fields["started_at"]); ok {
		job.StartedAt = &t
	}
	if t, ok := parseTime(fields["finished_at"]); ok {
		job.FinishedAt = &t
	}
	return job, nil
}

func parseTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// isNoGroup 判断 Stream 或消费者组尚未创建。
func isNoGroup(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.HasPrefix(msg, "NOGROUP") || strings.Contains(msg, "no such key")
}

// ConfigOptions 把队列配置转换为 Option 列表。
func ConfigOptions(cfg config.QueueConfig) []Option {
	return []Option{
		WithKeyPrefix(cfg.KeyPrefix),
		WithStream(cfg.Stream),
		WithGroup(cfg.Group),
		WithRetention(cfg.Retention),
		WithMaxLen(cfg.MaxLen),
	}
}

// ConsumerConfigOptions 把队列配置转换为 ConsumerOption 列表。
func ConsumerConfigOptions(cfg config.QueueConfig) []ConsumerOption {
	return []ConsumerOption{
		WithBlockTime(cfg.BlockTime),
		WithPendingIdle(cfg.PendingIdle),
	}
}
