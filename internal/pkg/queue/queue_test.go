package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQueue_RunsAllTasksBeforeShutdown(t *testing.T) {
	q := New(testLogger(), 3, 10, 0)
	q.Start()

	var completed atomic.Int32
	for i := 0; i < 5; i++ {
		err := q.Enqueue(Task{Name: "mail", Run: func(context.Context) error {
			time.Sleep(20 * time.Millisecond)
			completed.Add(1)
			return nil
		}})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	if err := q.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if completed.Load() != 5 {
		t.Fatalf("expected 5 completed tasks, got %d", completed.Load())
	}
	if st := q.Stats(); st.Enqueued != 5 || st.Succeeded != 5 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestQueue_ErrorsAndPanics(t *testing.T) {
	q := New(testLogger(), 2, 5, 0)
	var handled atomic.Int32
	q.SetErrorHandler(func(task Task, err error) {
		if task.Name == "fails" {
			handled.Add(1)
		}
	})
	q.Start()

	_ = q.Enqueue(Task{Name: "ok", Run: func(context.Context) error { return nil }})
	_ = q.Enqueue(Task{Name: "fails", Run: func(context.Context) error { return errors.New("smtp down") }})
	_ = q.Enqueue(Task{Name: "panics", Run: func(context.Context) error { panic("boom") }})

	var after atomic.Bool
	_ = q.Enqueue(Task{Name: "after", Run: func(context.Context) error {
		after.Store(true)
		return nil
	}})

	if err := q.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	st := q.Stats()
	if st.Succeeded != 2 || st.Failed != 2 || st.Panics != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if handled.Load() != 1 {
		t.Fatalf("expected error handler once, got %d", handled.Load())
	}
	if !after.Load() {
		t.Fatalf("worker should survive a panic")
	}
}

func TestQueue_FullAndClosed(t *testing.T) {
	q := New(testLogger(), 1, 1, 0)
	// 未启动，第一个任务占满容量
	noop := Task{Name: "noop", Run: func(context.Context) error { return nil }}
	if err := q.Enqueue(noop); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.Enqueue(noop); err == nil {
		t.Fatalf("expected queue full error")
	}
	if err := q.Enqueue(Task{Name: "nil"}); err == nil {
		t.Fatalf("expected error for task without run func")
	}

	q.Start()
	if err := q.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := q.Enqueue(noop); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if st := q.Stats(); st.Dropped != 2 || st.Succeeded != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestQueue_TaskTimeout(t *testing.T) {
	q := New(testLogger(), 1, 1, 30*time.Millisecond)
	q.Start()

	errCh := make(chan error, 1)
	_ = q.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	}})

	select {
	case err := <-errCh:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("task was not cancelled")
	}
	_ = q.Shutdown(time.Second)
}
