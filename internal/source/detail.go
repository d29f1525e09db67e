package source

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"marketspy/internal/fetcher"
	"marketspy/internal/model"
	"marketspy/internal/pkg/logger"

	"github.com/PuerkitoBio/goquery"
)

const defaultDetailBudget = 5000

// DetailReader 读取单个商品详情页，产出用于文本分析的摘要。
type DetailReader struct {
	fetcher    fetcher.Fetcher
	limiter    Limiter
	logger     *slog.Logger
	budget     int
	strategies map[model.Platform]Strategy
}

// NewDetailReader 创建详情读取器。budget 为返回文本的最大字符数。
func NewDetailReader(f fetcher.Fetcher, limiter Limiter, log *slog.Logger, budget int, strategies ...Strategy) *DetailReader {
	if log == nil {
		log = logger.Discard()
	}
	if budget <= 0 {
		budget = defaultDetailBudget
	}
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	byPlatform := make(map[model.Platform]Strategy, len(strategies))
	for _, st := range strategies {
		byPlatform[st.Platform()] = st
	}
	return &DetailReader{
		fetcher:    f,
		limiter:    limiter,
		logger:     log,
		budget:     budget,
		strategies: byPlatform,
	}
}

// FetchDetailText 返回详情页的纯文本摘要。
//
// 任何抓取或解析失败都返回 ("", false)，由调用方决定降级策略。
// 只接受目标平台域名下的 http/https 地址。
func (r *DetailReader) FetchDetailText(ctx context.Context, rawURL string, platform model.Platform) (string, bool) {
	st, ok := r.strategies[platform]
	if !ok || !allowedHost(rawURL, st.Domains()) {
		return "", false
	}

	log := r.logger.With(slog.String("platform", string(platform)), slog.String("url", rawURL))

	sess, err := r.fetcher.Open(ctx)
	if err != nil {
		log.Warn("open detail session failed", slog.String("error", err.Error()))
		return "", false
	}
	defer func() { _ = sess.Close() }()

	if r.limiter != nil {
		if err := r.limiter.Acquire(ctx); err != nil {
			log.Warn("detail rate limit wait failed", slog.String("error", err.Error()))
			return "", false
		}
	}
	if err := sess.Navigate(ctx, rawURL); err != nil {
		log.Warn("navigate detail page failed", slog.String("error", err.Error()))
		return "", false
	}
	html, err := sess.HTML(ctx)
	if err != nil {
		log.Warn("read detail page failed", slog.String("error", err.Error()))
		return "", false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		log.Warn("parse detail page failed", slog.String("error", err.Error()))
		return "", false
	}

	text := collapseSpace(st.DetailText(doc), r.budget)
	if text == "" {
		return "", false
	}
	return text, true
}

func allowedHost(rawURL string, domains []string) bool {
	if !model.IsAbsoluteHTTPURL(rawURL) {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
