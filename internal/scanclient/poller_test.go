package scanclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"marketspy/internal/model"
)

// scriptedSource 按顺序返回预设的响应，用完后重复最后一个。
type scriptedSource struct {
	mu    sync.Mutex
	steps []step
	calls int
}

type step struct {
	st  *Status
	err error
}

func (s *scriptedSource) Status(ctx context.Context, id string) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.calls++
	return s.steps[i].st, s.steps[i].err
}

func active(progress int) step {
	return step{st: &Status{ID: "j", State: model.JobActive, Progress: progress}}
}

func newFastPoller(src StatusSource, opts ...PollerOption) *Poller {
	p := NewPoller(src, 0, opts...)
	p.interval = 5 * time.Millisecond
	return p
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPoller_Transitions(t *testing.T) {
	transportErr := errors.New("connection refused")
	tests := []struct {
		name      string
		steps     []step
		wantState State
		wantErr   error
	}{
		{
			name:      "completes",
			steps:     []step{active(10), active(50), {st: &Status{ID: "j", State: model.JobCompleted, Progress: 100}}},
			wantState: StateDone,
		},
		{
			name:      "job failed",
			steps:     []step{active(10), {st: &Status{ID: "j", State: model.JobFailed, Error: "boom"}}},
			wantState: StateError,
			wantErr:   ErrJobFailed,
		},
		{
			name:      "not found",
			steps:     []step{{err: ErrNotFound}},
			wantState: StateError,
			wantErr:   ErrNotFound,
		},
		{
			name:      "too many errors",
			steps:     []step{{err: transportErr}},
			wantState: StateError,
			wantErr:   ErrTooManyErrors,
		},
		{
			name: "errors below limit recover",
			steps: []step{
				{err: transportErr}, {err: transportErr}, {err: transportErr}, {err: transportErr},
				active(50),
				{err: transportErr}, {err: transportErr}, {err: transportErr}, {err: transportErr},
				{st: &Status{ID: "j", State: model.JobCompleted, Progress: 100}},
			},
			wantState: StateDone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFastPoller(&scriptedSource{steps: tt.steps})
			if p.State() != StateIdle {
				t.Fatalf("initial state = %s", p.State())
			}
			if err := p.Start(context.Background(), "j"); err != nil {
				t.Fatalf("start: %v", err)
			}
			_, err := p.Wait(waitCtx(t))
			if p.State() != tt.wantState {
				t.Fatalf("state = %s, want %s", p.State(), tt.wantState)
			}
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPoller_ProgressUpdates(t *testing.T) {
	src := &scriptedSource{steps: []step{active(10), active(50), active(90), {st: &Status{ID: "j", State: model.JobCompleted, Progress: 100}}}}

	var (
		mu   sync.Mutex
		seen []int
	)
	p := newFastPoller(src, WithOnUpdate(func(st Status) {
		mu.Lock()
		seen = append(seen, st.Progress)
		mu.Unlock()
	}))
	if err := p.Start(context.Background(), "j"); err != nil {
		t.Fatalf("start: %v", err)
	}
	last, err := p.Wait(waitCtx(t))
	if err != nil || last == nil || last.Progress != 100 {
		t.Fatalf("wait: last=%+v err=%v", last, err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []int{10, 50, 90, 100}
	if len(seen) != len(want) {
		t.Fatalf("updates = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("updates = %v, want %v", seen, want)
		}
	}
}

func TestPoller_CancelReturnsToIdle(t *testing.T) {
	p := newFastPoller(&scriptedSource{steps: []step{active(10)}})
	if err := p.Start(context.Background(), "j"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Start(context.Background(), "j"); !errors.Is(err, ErrAlreadyPolling) {
		t.Fatalf("expected ErrAlreadyPolling, got %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	p.Cancel()
	if p.State() != StateIdle {
		t.Fatalf("state after cancel = %s", p.State())
	}
	if _, err := p.Wait(waitCtx(t)); !errors.Is(err, context.Canceled) {
		t.Fatalf("wait after cancel: %v", err)
	}

	// 取消后可以重新开始
	if err := p.Start(context.Background(), "j"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	p.Cancel()
}

func TestClampInterval(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{0, DefaultInterval},
		{-time.Second, DefaultInterval},
		{100 * time.Millisecond, MinInterval},
		{time.Second, time.Second},
		{time.Minute, MaxInterval},
	}
	for _, tt := range tests {
		if got := ClampInterval(tt.in); got != tt.want {
			t.Errorf("ClampInterval(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
