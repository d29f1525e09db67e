package source

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"marketspy/internal/fetcher"
	"marketspy/internal/model"
	"marketspy/internal/pkg/logger"
	"marketspy/internal/pkg/metrics"

	"github.com/PuerkitoBio/goquery"
)

const (
	defaultBackoffMin = 1 * time.Second
	defaultBackoffMax = 3 * time.Second
	defaultMaxPages   = 10
)

// Adapter 是通用的分页 Source Adapter，平台差异全部由 Strategy 提供。
type Adapter struct {
	strategy   Strategy
	fetcher    fetcher.Fetcher
	limiter    Limiter
	logger     *slog.Logger
	backoffMin time.Duration
	backoffMax time.Duration
	maxPages   int

	sleep func(ctx context.Context, d time.Duration) error
	newID func(p model.Platform) string
}

// Option 配置 Adapter。
type Option func(*Adapter)

// WithLimiter 在每次页面导航前从 l 获取令牌。
func WithLimiter(l Limiter) Option {
	return func(a *Adapter) { a.limiter = l }
}

// WithBackoff 设置翻页前随机退避的区间。
func WithBackoff(min, max time.Duration) Option {
	return func(a *Adapter) {
		if min > 0 {
			a.backoffMin = min
		}
		if max >= a.backoffMin {
			a.backoffMax = max
		}
	}
}

// WithMaxPages 限制单次扫描最多访问的页数。
func WithMaxPages(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.maxPages = n
		}
	}
}

// NewAdapter 创建一个平台适配器。
func NewAdapter(strategy Strategy, f fetcher.Fetcher, log *slog.Logger, opts ...Option) *Adapter {
	if log == nil {
		log = logger.Discard()
	}
	a := &Adapter{
		strategy:   strategy,
		fetcher:    f,
		logger:     log.With(slog.String("platform", string(strategy.Platform()))),
		backoffMin: defaultBackoffMin,
		backoffMax: defaultBackoffMax,
		maxPages:   defaultMaxPages,
		sleep:      sleepContext,
		newID:      newListingID,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.backoffMax < a.backoffMin {
		a.backoffMax = a.backoffMin
	}
	return a
}

func (a *Adapter) Platform() model.Platform { return a.strategy.Platform() }

// Scan 打开一个会话，逐页抽取商品直到凑够 limit 或没有下一页。
// 会话在任何退出路径上都会被关闭，包括调用方提前停止迭代。
func (a *Adapter) Scan(ctx context.Context, keyword string, limit int) iter.Seq2[model.Listing, error] {
	return func(yield func(model.Listing, error) bool) {
		if limit <= 0 {
			return
		}
		platform := a.strategy.Platform()
		abandon := func(stage string, err error) {
			a.logger.Warn("source scan abandoned",
				slog.String("stage", stage),
				slog.String("keyword", keyword),
				slog.String("error", err.Error()))
			yield(model.Listing{}, &ScanError{Platform: platform, Stage: stage, Err: err})
		}

		sess, err := a.fetcher.Open(ctx)
		if err != nil {
			abandon(StageOpen, err)
			return
		}
		defer func() {
			if err := sess.Close(); err != nil {
				a.logger.Debug("close session failed", slog.String("error", err.Error()))
			}
		}()

		seen := make(map[string]struct{})
		collected := 0
		target := a.strategy.SearchURL(keyword)

		for page := 1; page <= a.maxPages; page++ {
			if page > 1 {
				if err := a.sleep(ctx, a.backoff()); err != nil {
					abandon(StageBackoff, err)
					return
				}
			}

			doc, stage, err := a.loadPage(ctx, sess, target)
			if errors.Is(err, fetcher.ErrNavigationTimeout) {
				a.logger.Info("page did not load in time, treating as empty",
					slog.Int("page", page),
					slog.String("url", target))
				return
			}
			if err != nil {
				abandon(stage, err)
				return
			}

			candidates := a.strategy.Extract(doc)
			a.logger.Debug("page extracted",
				slog.Int("page", page),
				slog.Int("candidates", len(candidates)))

			for _, cand := range candidates {
				listing, reason, err := a.toListing(cand)
				if err != nil {
					metrics.SourceRejectedTotal.WithLabelValues(string(platform), reason).Inc()
					continue
				}
				if _, dup := seen[listing.SourceURL]; dup {
					metrics.SourceRejectedTotal.WithLabelValues(string(platform), "duplicate").Inc()
					continue
				}
				seen[listing.SourceURL] = struct{}{}

				metrics.SourceListingsTotal.WithLabelValues(string(platform)).Inc()
				if !yield(listing, nil) {
					return
				}
				collected++
				if collected >= limit {
					return
				}
			}

			next, ok := a.strategy.NextPage(doc)
			if !ok {
				return
			}
			nextURL, err := normalizeURL(a.strategy.Origin(), next)
			if err != nil || nextURL == target {
				return
			}
			target = nextURL
		}
	}
}

// loadPage 导航到 target 并解析渲染后的文档，返回出错时所处的阶段。
func (a *Adapter) loadPage(ctx context.Context, sess fetcher.Session, target string) (*goquery.Document, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, StageNavigate, err
	}
	if a.limiter != nil {
		if err := a.limiter.Acquire(ctx); err != nil {
			return nil, StageRateLimit, err
		}
	}

	platform := string(a.strategy.Platform())
	start := time.Now()
	err := sess.Navigate(ctx, target)
	result := "ok"
	switch {
	case errors.Is(err, fetcher.ErrNavigationTimeout):
		result = "timeout"
	case err != nil:
		result = "error"
	}
	metrics.PageFetchDuration.WithLabelValues(platform, result).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, StageNavigate, err
	}

	if depth := a.strategy.ScrollDepth(); depth > 0 {
		if err := sess.Scroll(ctx, depth); err != nil {
			if ctx.Err() != nil {
				return nil, StageNavigate, ctx.Err()
			}
			a.logger.Debug("scroll failed, extracting what is rendered", slog.String("error", err.Error()))
		}
	}

	html, err := sess.HTML(ctx)
	if err != nil {
		return nil, StageRead, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, StageRead, fmt.Errorf("parse document: %w", err)
	}
	return doc, "", nil
}

// toListing 校验并归一化候选商品，失败时返回拒绝原因。
func (a *Adapter) toListing(c RawCandidate) (model.Listing, string, error) {
	price, err := parsePrice(c.PriceText)
	if err != nil {
		return model.Listing{}, "price", err
	}
	href, err := normalizeURL(a.strategy.Origin(), c.Href)
	if err != nil {
		return model.Listing{}, "url", err
	}
	thumb := ""
	if c.Thumbnail != "" {
		if abs, err := normalizeURL(a.strategy.Origin(), c.Thumbnail); err == nil {
			thumb = abs
		}
	}

	listing := model.Listing{
		ID:           a.newID(a.strategy.Platform()),
		Title:        strings.Join(strings.Fields(c.Title), " "),
		Price:        price,
		SourceURL:    href,
		ThumbnailURL: thumb,
		Platform:     a.strategy.Platform(),
		SalesVolume:  strings.TrimSpace(c.SalesVolume),
	}
	if err := listing.Validate(); err != nil {
		return model.Listing{}, "invalid", err
	}
	return listing, "", nil
}

func (a *Adapter) backoff() time.Duration {
	diff := a.backoffMax - a.backoffMin
	if diff <= 0 {
		return a.backoffMin
	}
	return a.backoffMin + time.Duration(rand.Int63n(int64(diff)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
