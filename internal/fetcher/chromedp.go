package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketspy/internal/config"
	"marketspy/internal/pkg/logger"

	"github.com/chromedp/chromedp"
)

// ChromedpFetcher 共享一个 Chrome 进程，每个 Session 是其中一个 tab。
type ChromedpFetcher struct {
	mu            sync.Mutex
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	logger        *slog.Logger
	pageTimeout   time.Duration
}

// NewChromedp 启动 Chrome 并返回基于 chromedp 的 Fetcher。
//
// 浏览器生命周期与 ctx 无关，只由 Close 结束；ctx 仅约束首次启动。
func NewChromedp(ctx context.Context, cfg config.BrowserConfig, log *slog.Logger) (*ChromedpFetcher, error) {
	if log == nil {
		log = logger.Discard()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.NoSandbox,
		chromedp.UserAgent(userAgent(cfg)),
	)
	if cfg.BinPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.BinPath))
	}
	if cfg.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(browserCtx)
	}()

	initCtx, cancel := context.WithTimeout(ctx, browserInitTimeout)
	defer cancel()

	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("start chrome: %w", err)
		}
	case <-initCtx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", initCtx.Err())
	}

	log.Info("chrome started", slog.Bool("headless", cfg.Headless), slog.String("bin", cfg.BinPath))
	return &ChromedpFetcher{
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		logger:        log,
		pageTimeout:   pageTimeout(cfg),
	}, nil
}

// Open 在共享浏览器中打开一个新 tab。
func (f *ChromedpFetcher) Open(ctx context.Context) (Session, error) {
	f.mu.Lock()
	browserCtx := f.browserCtx
	f.mu.Unlock()
	if browserCtx == nil {
		return nil, errors.New("browser not initialized")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	opened := make(chan error, 1)
	go func() {
		opened <- chromedp.Run(tabCtx)
	}()

	timer := time.NewTimer(pageCreateTimeout)
	defer timer.Stop()

	select {
	case err := <-opened:
		if err != nil {
			tabCancel()
			return nil, fmt.Errorf("create tab: %w", err)
		}
	case <-timer.C:
		tabCancel()
		return nil, fmt.Errorf("create tab timeout after %v", pageCreateTimeout)
	case <-ctx.Done():
		tabCancel()
		return nil, fmt.Errorf("create tab: %w", ctx.Err())
	}

	return &chromedpSession{ctx: tabCtx, cancel: tabCancel, timeout: f.pageTimeout}, nil
}

// Close 关闭所有 tab 与 Chrome 进程。
func (f *ChromedpFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browserCtx == nil {
		return nil
	}
	f.browserCancel()
	f.allocCancel()
	f.browserCtx = nil
	return nil
}

type chromedpSession struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

// run 在 tab 上执行动作，同时响应调用方 ctx 的取消。
func (s *chromedpSession) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(runCtx, actions...)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

func (s *chromedpSession) Navigate(ctx context.Context, target string) error {
	err := s.run(ctx, s.timeout,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %v: %s", ErrNavigationTimeout, s.timeout, target)
	}
	return fmt.Errorf("navigate: %w", err)
}

func (s *chromedpSession) Scroll(ctx context.Context, maxPixels int) error {
	return scrollBy(ctx, maxPixels, func(ctx context.Context, dy int) error {
		return s.run(ctx, s.timeout, chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", dy), nil))
	})
}

func (s *chromedpSession) HTML(ctx context.Context) (string, error) {
	var out string
	if err := s.run(ctx, s.timeout, chromedp.OuterHTML("html", &out, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	if out == "" {
		return "", ErrNoDocument
	}
	return out, nil
}

func (s *chromedpSession) Close() error {
	s.cancel()
	return nil
}
