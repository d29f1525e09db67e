// Package fetcher provides the page-rendering capability used by the source
// adapters: open a session, navigate, scroll for lazy content and read the
// rendered document.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"marketspy/internal/config"
)

var (
	// ErrNavigationTimeout is returned when a page does not load within the
	// configured page timeout. Callers treat it as an empty page.
	ErrNavigationTimeout = errors.New("navigation timeout")
	// ErrNoDocument is returned by HTML when nothing has been loaded yet.
	ErrNoDocument = errors.New("no document loaded")
)

const (
	DriverRod      = "rod"
	DriverChromedp = "chromedp"
	DriverHTTP     = "http"

	defaultPageTimeout = 30 * time.Second
	defaultUserAgent   = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

	scrollStep         = 400
	scrollWaitInterval = 200 * time.Millisecond
)

// Fetcher opens page sessions. Implementations are safe for concurrent use;
// sessions are not and must never be shared between adapters.
type Fetcher interface {
	Open(ctx context.Context) (Session, error)
	Close() error
}

// Session is one isolated browsing context (a tab, or a plain HTTP client).
type Session interface {
	Navigate(ctx context.Context, url string) error
	Scroll(ctx context.Context, maxPixels int) error
	HTML(ctx context.Context) (string, error)
	Close() error
}

// New builds the Fetcher selected by cfg.Driver.
func New(ctx context.Context, cfg config.BrowserConfig, logger *slog.Logger) (Fetcher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverRod:
		return NewRod(ctx, cfg, logger)
	case DriverChromedp:
		return NewChromedp(ctx, cfg, logger)
	case DriverHTTP:
		return NewStatic(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown browser driver %q", cfg.Driver)
	}
}

func pageTimeout(cfg config.BrowserConfig) time.Duration {
	if cfg.PageTimeout > 0 {
		return cfg.PageTimeout
	}
	return defaultPageTimeout
}

func userAgent(cfg config.BrowserConfig) string {
	if ua := strings.TrimSpace(cfg.UserAgent); ua != "" {
		return ua
	}
	return defaultUserAgent
}

// scrollBy repeatedly scrolls by scrollStep until maxPixels is reached, giving
// lazy-loaded cards time to render between steps.
func scrollBy(ctx context.Context, maxPixels int, step func(ctx context.Context, dy int) error) error {
	for y := 0; y < maxPixels; y += scrollStep {
		if err := step(ctx, scrollStep); err != nil {
			return fmt.Errorf("scroll: %w", err)
		}
		timer := time.NewTimer(scrollWaitInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}
