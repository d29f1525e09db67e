package scanclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"marketspy/internal/model"
)

// State 轮询状态机的状态。
type State string

const (
	StateIdle    State = "idle"
	StatePolling State = "polling"
	StateDone    State = "done"
	StateError   State = "error"
)

const (
	MinInterval     = 500 * time.Millisecond
	MaxInterval     = 30 * time.Second
	DefaultInterval = 2 * time.Second

	defaultMaxErrors = 5
)

var (
	// ErrAlreadyPolling Start 在轮询进行中被再次调用。
	ErrAlreadyPolling = errors.New("poller already running")
	// ErrJobFailed 任务以 failed 结束。
	ErrJobFailed = errors.New("scan job failed")
	// ErrTooManyErrors 连续请求失败次数达到上限。
	ErrTooManyErrors = errors.New("too many consecutive polling errors")
)

// StatusSource 由 Client 实现。
type StatusSource interface {
	Status(ctx context.Context, id string) (*Status, error)
}

// PollerOption 配置 Poller。
type PollerOption func(*Poller)

// WithOnUpdate 每次成功取得状态时回调。
func WithOnUpdate(fn func(Status)) PollerOption {
	return func(p *Poller) {
		p.onUpdate = fn
	}
}

// WithMaxErrors 设置连续错误上限。
func WithMaxErrors(n int) PollerOption {
	return func(p *Poller) {
		if n > 0 {
			p.maxErrors = n
		}
	}
}

// Poller 周期性查询一个任务，直到任务结束、出错或被取消。
//
// 状态流转: idle -> polling -> done | error；Cancel 使其回到 idle。
// 任务 completed 进入 done；任务 failed、任务不存在或连续请求失败进入 error。
type Poller struct {
	src       StatusSource
	interval  time.Duration
	maxErrors int
	onUpdate  func(Status)

	mu     sync.Mutex
	state  State
	last   *Status
	err    error
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller 创建轮询器，interval 会被限制在 [MinInterval, MaxInterval]，为 0 时使用 DefaultInterval。
func NewPoller(src StatusSource, interval time.Duration, opts ...PollerOption) *Poller {
	p := &Poller{
		src:       src,
		interval:  ClampInterval(interval),
		maxErrors: defaultMaxErrors,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ClampInterval 把轮询间隔限制在允许范围内。
func ClampInterval(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultInterval
	case d < MinInterval:
		return MinInterval
	case d > MaxInterval:
		return MaxInterval
	default:
		return d
	}
}

// Start 开始轮询任务 id，立即发起第一次查询。
func (p *Poller) Start(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StatePolling {
		return ErrAlreadyPolling
	}

	ctx, cancel := context.WithCancel(ctx)
	p.state = StatePolling
	p.last = nil
	p.err = nil
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.run(ctx, id, p.done)
	return nil
}

// Cancel 停止轮询并回到 idle。已经结束的轮询保持其终态。
func (p *Poller) Cancel() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Wait 阻塞直到轮询结束，返回最后一次状态与错误。
func (p *Poller) Wait(ctx context.Context) (*Status, error) {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return nil, errors.New("poller not started")
	}

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.err
}

// State 返回当前状态。
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Last 返回最近一次取得的状态。
func (p *Poller) Last() *Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *Poller) run(ctx context.Context, id string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	consecutive := 0
	for {
		st, err := p.src.Status(ctx, id)
		switch {
		case ctx.Err() != nil:
			p.finish(StateIdle, nil, ctx.Err())
			return
		case errors.Is(err, ErrNotFound):
			p.finish(StateError, nil, err)
			return
		case err != nil:
			consecutive++
			if consecutive >= p.maxErrors {
				p.finish(StateError, nil, fmt.Errorf("%w: %v", ErrTooManyErrors, err))
				return
			}
		default:
			consecutive = 0
			p.record(st)
			switch st.State {
			case model.JobCompleted:
				p.finish(StateDone, st, nil)
				return
			case model.JobFailed:
				p.finish(StateError, st, fmt.Errorf("%w: %s", ErrJobFailed, st.Error))
				return
			}
		}

		select {
		case <-ctx.Done():
			p.finish(StateIdle, nil, ctx.Err())
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) record(st *Status) {
	p.mu.Lock()
	p.last = st
	fn := p.onUpdate
	p.mu.Unlock()
	if fn != nil {
		fn(*st)
	}
}

func (p *Poller) finish(state State, st *Status, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
	if st != nil {
		p.last = st
	}
	p.err = err
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}
