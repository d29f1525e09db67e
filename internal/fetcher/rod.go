package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"marketspy/internal/config"
	"marketspy/internal/pkg/logger"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

const (
	browserInitTimeout   = 30 * time.Second // 浏览器初始化超时
	pageCreateTimeout    = 10 * time.Second // 页面创建超时
	stealthScriptTimeout = 5 * time.Second  // Stealth 脚本应用超时
	pageCloseTimeout     = 5 * time.Second  // 页面关闭超时
)

// 屏蔽高带宽资源与追踪脚本，页面只需要 DOM。
var blockedURLs = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico", "*.avif",
	"*.woff", "*.woff2", "*.ttf", "*.eot", "*.otf",
	"*.mp4", "*.webm", "*.mp3",
	"*google-analytics*",
	"*googletagmanager*",
	"*doubleclick*",
	"*facebook*",
	"*hotjar*",
	"*tiktok*",
	"*sentry*",
}

// RodFetcher 持有一个 rod.Browser 实例，每个 Session 对应一个独立页面。
type RodFetcher struct {
	mu          sync.RWMutex
	browser     *rod.Browser
	logger      *slog.Logger
	pageTimeout time.Duration
	userAgent   string
}

// NewRod 启动浏览器并返回基于 rod 的 Fetcher。
//
// 参数:
//
//	ctx: 上下文，仅用于控制启动过程
//	cfg: 浏览器配置（路径、代理、Headless 等）
//	logger: 日志记录器
//
// 返回值:
//
//	*RodFetcher: 可并发使用的 Fetcher
//	error: 浏览器启动失败时返回错误
func NewRod(ctx context.Context, cfg config.BrowserConfig, log *slog.Logger) (*RodFetcher, error) {
	if log == nil {
		log = logger.Discard()
	}
	initCtx, cancel := context.WithTimeout(ctx, browserInitTimeout)
	defer cancel()

	type launchResult struct {
		browser *rod.Browser
		err     error
	}
	launched := make(chan launchResult, 1)
	go func() {
		browser, err := startBrowser(cfg, log)
		launched <- launchResult{browser: browser, err: err}
	}()

	var browser *rod.Browser
	select {
	case res := <-launched:
		if res.err != nil {
			return nil, res.err
		}
		browser = res.browser
	case <-initCtx.Done():
		return nil, fmt.Errorf("start browser: %w", initCtx.Err())
	}

	return &RodFetcher{
		browser:     browser,
		logger:      log,
		pageTimeout: pageTimeout(cfg),
		userAgent:   userAgent(cfg),
	}, nil
}

// startBrowser 根据配置启动浏览器。
//
// 针对容器环境做了适配（NoSandbox、禁用 /dev/shm）。
func startBrowser(cfg config.BrowserConfig, log *slog.Logger) (*rod.Browser, error) {
	bin := cfg.BinPath
	if bin == "" {
		log.Info("no browser binary specified, downloading default...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	l := launcher.New().
		Headless(cfg.Headless).
		Bin(bin).
		NoSandbox(true).
		Set("disable-dev-shm-usage", "true").
		Set("disable-gpu", "true").
		Set("disable-software-rasterizer", "true").
		Set("disk-cache-size", "1").
		Set("js-flags", "--max_old_space_size=512")

	var proxyUser, proxyPass string
	if cfg.ProxyURL != "" {
		parsed, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid proxy url: %s", cfg.ProxyURL)
		}
		l = l.Proxy(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
		if parsed.User != nil {
			proxyUser = parsed.User.Username()
			proxyPass, _ = parsed.User.Password()
		}
		log.Info("using http proxy", slog.String("server", parsed.Host))
	}

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	if proxyUser != "" {
		go browser.MustHandleAuth(proxyUser, proxyPass)()
	}

	log.Info("browser started", slog.String("bin", bin), slog.Bool("headless", cfg.Headless))
	return browser, nil
}

// Open 创建一个新页面，注入 stealth 脚本并设置资源屏蔽与 UA。
func (f *RodFetcher) Open(ctx context.Context) (Session, error) {
	f.mu.RLock()
	browser := f.browser
	f.mu.RUnlock()
	if browser == nil {
		return nil, errors.New("browser not initialized")
	}

	pageResultCh := make(chan pageResult, 1)
	// 页面不绑定调用方 ctx，任务取消后仍能通过 CDP 关闭
	go func() {
		page, err := browser.Page(proto.TargetCreateTarget{URL: ""})
		pageResultCh <- pageResult{page: page, err: err}
	}()

	timer := time.NewTimer(pageCreateTimeout)
	defer timer.Stop()

	var page *rod.Page
	select {
	case res := <-pageResultCh:
		if res.err != nil {
			return nil, fmt.Errorf("create page: %w", res.err)
		}
		page = res.page
	case <-timer.C:
		go discardPage(pageResultCh)
		return nil, fmt.Errorf("create page timeout after %v", pageCreateTimeout)
	case <-ctx.Done():
		go discardPage(pageResultCh)
		return nil, fmt.Errorf("create page: %w", ctx.Err())
	}

	stealthDone := make(chan error, 1)
	go func() {
		_, err := page.EvalOnNewDocument(stealth.JS)
		stealthDone <- err
	}()
	select {
	case err := <-stealthDone:
		if err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("apply stealth script: %w", err)
		}
	case <-time.After(stealthScriptTimeout):
		_ = page.Close()
		return nil, fmt.Errorf("apply stealth script timeout after %v", stealthScriptTimeout)
	}

	if err := (proto.NetworkSetBlockedURLs{Urls: blockedURLs}).Call(page); err != nil {
		f.logger.Warn("set blocked urls failed", slog.String("error", err.Error()))
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: f.userAgent}); err != nil {
		f.logger.Warn("set user agent failed", slog.String("error", err.Error()))
	}

	return &rodSession{page: page, timeout: f.pageTimeout}, nil
}

type pageResult struct {
	page *rod.Page
	err  error
}

// discardPage 关闭调用方放弃等待后才创建出来的页面。
func discardPage(ch <-chan pageResult) {
	res := <-ch
	if res.page != nil {
		_ = res.page.Timeout(pageCloseTimeout).Close()
	}
}

// Close 关闭浏览器实例。
func (f *RodFetcher) Close() error {
	f.mu.Lock()
	browser := f.browser
	f.browser = nil
	f.mu.Unlock()
	if browser == nil {
		return nil
	}
	if err := browser.Close(); err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

type rodSession struct {
	page    *rod.Page
	timeout time.Duration
}

func (s *rodSession) Navigate(ctx context.Context, target string) error {
	navCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	page := s.page.Context(navCtx)
	errCh := make(chan error, 1)
	go func() {
		if err := page.Navigate(target); err != nil {
			errCh <- err
			return
		}
		errCh <- page.WaitLoad()
	}()

	select {
	case err := <-errCh:
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w: %s", ErrNavigationTimeout, target)
		}
		return fmt.Errorf("navigate: %w", err)
	case <-navCtx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w after %v: %s", ErrNavigationTimeout, s.timeout, target)
	}
}

func (s *rodSession) Scroll(ctx context.Context, maxPixels int) error {
	return scrollBy(ctx, maxPixels, func(ctx context.Context, dy int) error {
		_, err := s.page.Context(ctx).Eval(`(dy) => window.scrollBy(0, dy)`, dy)
		return err
	})
}

func (s *rodSession) HTML(ctx context.Context) (string, error) {
	html, err := s.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return html, nil
}

// Close 使用独立的超时关闭页面，不受任务 ctx 是否已取消影响。
func (s *rodSession) Close() error {
	if err := s.page.Timeout(pageCloseTimeout).Close(); err != nil {
		return fmt.Errorf("close page: %w", err)
	}
	return nil
}
