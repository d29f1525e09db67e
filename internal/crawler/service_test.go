package crawler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketspy/internal/model"
	"marketspy/internal/pkg/jobqueue"
	"marketspy/internal/scan"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T) *jobqueue.Queue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return jobqueue.New(rdb, testLogger())
}

// scannerFunc 把函数适配为 Scanner。
type scannerFunc func(ctx context.Context, req model.ScanRequest, onProgress scan.ProgressFunc) (*model.ScanResult, error)

func (f scannerFunc) Run(ctx context.Context, req model.ScanRequest, onProgress scan.ProgressFunc) (*model.ScanResult, error) {
	return f(ctx, req, onProgress)
}

// recordingStore 记录所有进度写入。
type recordingStore struct {
	*jobqueue.Queue
	mu       sync.Mutex
	progress []int
}

func (r *recordingStore) SetProgress(ctx context.Context, id string, percent int) error {
	r.mu.Lock()
	r.progress = append(r.progress, percent)
	r.mu.Unlock()
	return r.Queue.SetProgress(ctx, id, percent)
}

func (r *recordingStore) history() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.progress...)
}

type observerFunc func(ctx context.Context, job model.ScanJob)

func (f observerFunc) JobFinished(ctx context.Context, job model.ScanJob) { f(ctx, job) }

func twoPlatformRequest() model.ScanRequest {
	return model.ScanRequest{
		Keyword:   "iphone",
		Platforms: []model.Platform{model.PlatformMercadoLivre, model.PlatformShopee},
		Limit:     5,
	}
}

func okResult() *model.ScanResult {
	listing := model.Listing{
		ID:        "ml-1",
		Title:     "iPhone",
		Price:     100,
		SourceURL: "https://www.mercadolivre.com.br/p/1",
		Platform:  model.PlatformMercadoLivre,
		Margin:    &model.MarginBreakdown{ProfitMarginPercent: 65.1},
	}
	return &model.ScanResult{
		Listings: []model.Listing{listing},
		Summary:  scan.Summarize([]model.Listing{listing}),
	}
}

// startPool 启动 worker 池并在测试结束时停止。
func startPool(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = svc.StartWorker(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("worker pool did not stop")
		}
	})
}

func waitTerminal(t *testing.T, q *jobqueue.Queue, id string) *model.ScanJob {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.State.IsTerminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish in time", id)
	return nil
}

func newPool(q *jobqueue.Queue, store JobStore, scanner Scanner, opts ...Option) *Service {
	opts = append([]Option{WithNamePrefix("test")}, opts...)
	return NewService(store, QueueClaimers(q, jobqueue.WithBlockTime(20*time.Millisecond)), scanner, testLogger(), opts...)
}

func TestService_CompletesJobWithMonotonicProgress(t *testing.T) {
	q := newTestQueue(t)
	store := &recordingStore{Queue: q}

	scanner := scannerFunc(func(ctx context.Context, req model.ScanRequest, onProgress scan.ProgressFunc) (*model.ScanResult, error) {
		onProgress(1, 2)
		onProgress(2, 2)
		return okResult(), nil
	})

	finished := make(chan model.ScanJob, 1)
	svc := newPool(q, store, scanner, WithObservers(observerFunc(func(_ context.Context, job model.ScanJob) {
		finished <- job
	})))
	startPool(t, svc)

	id, err := q.Enqueue(context.Background(), twoPlatformRequest())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job := waitTerminal(t, q, id)
	if job.State != model.JobCompleted || job.Progress != 100 || job.Result == nil {
		t.Fatalf("unexpected job %+v", job)
	}
	if len(job.Result.Listings) != 1 || job.Result.Listings[0].Margin == nil {
		t.Fatalf("unexpected result %+v", job.Result)
	}

	got := store.history()
	want := []int{10, 50, 90}
	if len(got) != len(want) {
		t.Fatalf("progress history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("progress history = %v, want %v", got, want)
		}
	}

	select {
	case obs := <-finished:
		if obs.ID != id || obs.State != model.JobCompleted {
			t.Fatalf("observer got %+v", obs)
		}
	case <-time.After(time.Second):
		t.Fatalf("observer not called")
	}

	st := svc.Stats()
	if st.TotalProcessed != 1 || st.TotalSucceeded != 1 || st.TotalFailed != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestService_FailureModes(t *testing.T) {
	tests := []struct {
		name       string
		scanner    scannerFunc
		wantReason string
		wantPanics int64
	}{
		{
			name: "pipeline error",
			scanner: func(context.Context, model.ScanRequest, scan.ProgressFunc) (*model.ScanResult, error) {
				return nil, errors.New("compute margin: boom")
			},
			wantReason: "scan pipeline: compute margin: boom",
		},
		{
			name: "panic",
			scanner: func(context.Context, model.ScanRequest, scan.ProgressFunc) (*model.ScanResult, error) {
				panic("nil map")
			},
			wantReason: "internal error: nil map",
			wantPanics: 1,
		},
		{
			name: "nil result",
			scanner: func(context.Context, model.ScanRequest, scan.ProgressFunc) (*model.ScanResult, error) {
				return nil, nil
			},
			wantReason: "scan pipeline returned no result",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestQueue(t)
			svc := newPool(q, q, tt.scanner)
			startPool(t, svc)

			id, _ := q.Enqueue(context.Background(), twoPlatformRequest())
			job := waitTerminal(t, q, id)
			if job.State != model.JobFailed || job.FailureReason != tt.wantReason {
				t.Fatalf("state=%s reason=%q, want failed %q", job.State, job.FailureReason, tt.wantReason)
			}
			if job.Result != nil {
				t.Fatalf("failed job must not carry a result")
			}
			if got := svc.Stats().TotalPanics; got != tt.wantPanics {
				t.Fatalf("panics = %d, want %d", got, tt.wantPanics)
			}
		})
	}
}

func TestService_AllSourcesEmptyStillCompletes(t *testing.T) {
	q := newTestQueue(t)
	scanner := scannerFunc(func(context.Context, model.ScanRequest, scan.ProgressFunc) (*model.ScanResult, error) {
		return &model.ScanResult{
			Listings: []model.Listing{},
			Summary:  scan.Summarize(nil),
			Sources: []model.SourceReport{
				{Platform: model.PlatformMercadoLivre, Status: model.SourceFailed, Error: "abandoned at navigate"},
				{Platform: model.PlatformShopee, Status: model.SourceFailed, Error: "abandoned at navigate"},
			},
		}, nil
	})
	svc := newPool(q, q, scanner)
	startPool(t, svc)

	id, _ := q.Enqueue(context.Background(), twoPlatformRequest())
	job := waitTerminal(t, q, id)
	if job.State != model.JobCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.State, job.FailureReason)
	}
	s := job.Result.Summary
	if s.TotalScanned != 0 || s.AveragePrice != 0 || s.BestOpportunity != nil {
		t.Fatalf("expected zero summary, got %+v", s)
	}
}

func TestService_JobTimeoutKeepsPartialResult(t *testing.T) {
	q := newTestQueue(t)
	scanner := scannerFunc(func(ctx context.Context, _ model.ScanRequest, _ scan.ProgressFunc) (*model.ScanResult, error) {
		<-ctx.Done()
		return okResult(), nil
	})
	svc := newPool(q, q, scanner, WithJobTimeout(50*time.Millisecond))
	startPool(t, svc)

	id, _ := q.Enqueue(context.Background(), twoPlatformRequest())
	job := waitTerminal(t, q, id)
	if job.State != model.JobCompleted || len(job.Result.Listings) != 1 {
		t.Fatalf("expected partial result to complete, got %+v", job)
	}
}

func TestService_ProcessesJobsConcurrently(t *testing.T) {
	q := newTestQueue(t)

	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	release := make(chan struct{})
	scanner := scannerFunc(func(context.Context, model.ScanRequest, scan.ProgressFunc) (*model.ScanResult, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
		return okResult(), nil
	})
	svc := newPool(q, q, scanner, WithWorkers(3))
	startPool(t, svc)

	ids := make([]string, 3)
	for i := range ids {
		ids[i], _ = q.Enqueue(context.Background(), twoPlatformRequest())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		p := peak
		mu.Unlock()
		if p == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(release)

	for _, id := range ids {
		if job := waitTerminal(t, q, id); job.State != model.JobCompleted {
			t.Fatalf("job %s: %s", id, job.State)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if peak != 3 {
		t.Fatalf("expected 3 concurrent jobs, peak was %d", peak)
	}
}

// unreachableStore 模拟终态写入时 Redis 不可用。
type unreachableStore struct {
	*jobqueue.Queue
}

var errConnRefused = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

func (unreachableStore) Complete(context.Context, string, *model.ScanResult) error {
	return errConnRefused
}

func (unreachableStore) Fail(context.Context, string, string) error {
	return errConnRefused
}

func TestService_UnstoredTerminalStateLeavesMessagePending(t *testing.T) {
	tests := []struct {
		name    string
		scanner scannerFunc
	}{
		{
			name: "complete not stored",
			scanner: func(context.Context, model.ScanRequest, scan.ProgressFunc) (*model.ScanResult, error) {
				return okResult(), nil
			},
		},
		{
			name: "fail not stored",
			scanner: func(context.Context, model.ScanRequest, scan.ProgressFunc) (*model.ScanResult, error) {
				return nil, errors.New("boom")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestQueue(t)
			ctx := context.Background()

			var notified atomic.Int32
			svc := newPool(q, unreachableStore{Queue: q}, tt.scanner,
				WithObservers(observerFunc(func(context.Context, model.ScanJob) { notified.Add(1) })))
			startPool(t, svc)

			id, _ := q.Enqueue(ctx, twoPlatformRequest())
			deadline := time.Now().Add(3 * time.Second)
			for svc.Stats().TotalFailed == 0 {
				if time.Now().After(deadline) {
					t.Fatalf("job was not processed")
				}
				time.Sleep(10 * time.Millisecond)
			}

			st, err := q.Stats(ctx)
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			if st.Pending != 1 {
				t.Fatalf("pending = %d, want 1", st.Pending)
			}
			if job, _ := q.GetJob(ctx, id); job.State != model.JobActive {
				t.Fatalf("state = %s, want active until recovered", job.State)
			}
			if n := notified.Load(); n != 0 {
				t.Fatalf("observers called %d times for an unstored job", n)
			}

			// 其他消费者在空闲超时后接管，任务以 worker lost 结束
			time.Sleep(50 * time.Millisecond)
			rescuer, err := q.NewConsumer(ctx, "rescuer",
				jobqueue.WithBlockTime(20*time.Millisecond),
				jobqueue.WithPendingIdle(10*time.Millisecond))
			if err != nil {
				t.Fatalf("new consumer: %v", err)
			}
			if _, err := rescuer.Claim(ctx); !errors.Is(err, jobqueue.ErrNoJob) {
				t.Fatalf("expected ErrNoJob, got %v", err)
			}
			job, _ := q.GetJob(ctx, id)
			if job.State != model.JobFailed || job.FailureReason != jobqueue.ReasonWorkerLost {
				t.Fatalf("expected recovered job to fail, got %+v", job)
			}
		})
	}
}

// stubClaimer 从不返回任务。
type stubClaimer struct{}

func (stubClaimer) Claim(ctx context.Context) (*jobqueue.Claim, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stubClaimer) Ack(context.Context, *jobqueue.Claim) error { return nil }

func TestService_ShutdownWaitsForStartup(t *testing.T) {
	entered := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	factory := func(ctx context.Context, name string) (Claimer, error) {
		once.Do(func() { close(entered) })
		<-gate
		return stubClaimer{}, nil
	}
	svc := NewService(nil, factory, nil, testLogger(), WithWorkers(2))

	ctx, cancel := context.WithCancel(context.Background())
	returned := make(chan error, 1)
	go func() { returned <- svc.StartWorker(ctx) }()
	<-entered

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer shortCancel()
	if err := svc.Shutdown(shortCtx); err == nil {
		t.Fatalf("shutdown returned before workers existed")
	}

	cancel()
	close(gate)
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatalf("StartWorker did not return")
	}
	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := svc.StartWorker(context.Background()); err == nil {
		t.Fatalf("expected error starting a shut down pool")
	}
}

func TestService_StartupErrorReleasesShutdown(t *testing.T) {
	factory := func(ctx context.Context, name string) (Claimer, error) {
		return nil, errors.New("redis unavailable")
	}
	svc := NewService(nil, factory, nil, testLogger(), WithWorkers(3))
	if err := svc.StartWorker(context.Background()); err == nil {
		t.Fatalf("expected startup error")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown after failed start: %v", err)
	}
}

func TestService_StartTwice(t *testing.T) {
	q := newTestQueue(t)
	svc := newPool(q, q, scannerFunc(func(context.Context, model.ScanRequest, scan.ProgressFunc) (*model.ScanResult, error) {
		return okResult(), nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := svc.StartWorker(ctx); err == nil {
		t.Fatalf("expected error from cancelled start")
	}
	err := svc.StartWorker(context.Background())
	if err == nil || !strings.Contains(err.Error(), "already started") {
		t.Fatalf("expected already started error, got %v", err)
	}
	if err := svc.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestProgressFor(t *testing.T) {
	tests := []struct {
		done, total, want int
	}{
		{0, 2, 10},
		{1, 2, 50},
		{2, 2, 90},
		{1, 3, 36},
		{3, 3, 90},
		{5, 3, 90},
		{0, 0, 90},
	}
	for _, tt := range tests {
		if got := progressFor(tt.done, tt.total); got != tt.want {
			t.Errorf("progressFor(%d, %d) = %d, want %d", tt.done, tt.total, got, tt.want)
		}
	}
}
