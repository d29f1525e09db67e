package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"marketspy/internal/config"
	"marketspy/internal/pkg/logger"

	"github.com/gocolly/colly/v2"
)

// StaticFetcher 不启动浏览器，直接用 colly 拉取服务端渲染的 HTML。
// 适合本地调试以及不依赖 JS 渲染的页面。
type StaticFetcher struct {
	logger      *slog.Logger
	pageTimeout time.Duration
	userAgent   string
	proxyURL    string
}

// NewStatic 创建基于 HTTP 的 Fetcher。
func NewStatic(cfg config.BrowserConfig, log *slog.Logger) *StaticFetcher {
	if log == nil {
		log = logger.Discard()
	}
	return &StaticFetcher{
		logger:      log,
		pageTimeout: pageTimeout(cfg),
		userAgent:   userAgent(cfg),
		proxyURL:    cfg.ProxyURL,
	}
}

func (f *StaticFetcher) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &staticSession{fetcher: f}, nil
}

func (f *StaticFetcher) Close() error { return nil }

type staticSession struct {
	fetcher *StaticFetcher

	mu   sync.Mutex
	body string
}

func (s *staticSession) collector() (*colly.Collector, error) {
	c := colly.NewCollector(
		colly.UserAgent(s.fetcher.userAgent),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(s.fetcher.pageTimeout)
	if s.fetcher.proxyURL != "" {
		if err := c.SetProxy(s.fetcher.proxyURL); err != nil {
			return nil, fmt.Errorf("set proxy: %w", err)
		}
	}
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml")
		r.Headers.Set("Accept-Language", "pt-BR,pt;q=0.9,en;q=0.8")
	})
	return c, nil
}

func (s *staticSession) Navigate(ctx context.Context, target string) error {
	c, err := s.collector()
	if err != nil {
		return err
	}

	var body string
	var respErr error
	c.OnResponse(func(r *colly.Response) {
		body = string(r.Body)
	})
	c.OnError(func(r *colly.Response, err error) {
		respErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err = <-done:
	}

	if err == nil {
		err = respErr
	}
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w after %v: %s", ErrNavigationTimeout, s.fetcher.pageTimeout, target)
		}
		return fmt.Errorf("navigate: %w", err)
	}

	s.mu.Lock()
	s.body = body
	s.mu.Unlock()
	return nil
}

// Scroll 对静态页面没有意义，直接返回。
func (s *staticSession) Scroll(ctx context.Context, maxPixels int) error {
	return ctx.Err()
}

func (s *staticSession) HTML(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.body == "" {
		return "", ErrNoDocument
	}
	return s.body, nil
}

func (s *staticSession) Close() error {
	s.mu.Lock()
	s.body = ""
	s.mu.Unlock()
	return nil
}
