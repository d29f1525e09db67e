// Package source 实现各电商平台的 Source Adapter。
//
// 每个平台只提供一个 Strategy（搜索地址、选择器、翻页规则），
// 分页、限速、退避、校验与会话管理由通用的 Adapter 完成。
package source

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"marketspy/internal/fetcher"
	"marketspy/internal/model"

	"github.com/PuerkitoBio/goquery"
)

// Source 是一个平台的扫描入口。
//
// Scan 返回一次性的惰性序列：最多产出 limit 个有效商品。
// 只有在适配器放弃本次运行时才会产出一个非 nil 的 *ScanError，且它总是最后一个元素；
// 在它之前产出的商品仍然有效。
type Source interface {
	Platform() model.Platform
	Scan(ctx context.Context, keyword string, limit int) iter.Seq2[model.Listing, error]
}

// Limiter 限制页面导航速率，由 ratelimit.RateLimiter 实现。
type Limiter interface {
	Acquire(ctx context.Context) error
}

// RawCandidate 是从页面中抽取、尚未校验的商品数据。
type RawCandidate struct {
	Platform    model.Platform
	Title       string
	PriceText   string
	Href        string
	Thumbnail   string
	SalesVolume string
}

// Strategy 描述一个平台的页面结构。
type Strategy interface {
	Platform() model.Platform
	// Origin 用于把相对链接补全为绝对地址。
	Origin() string
	SearchURL(keyword string) string
	Extract(doc *goquery.Document) []RawCandidate
	// NextPage 返回下一页链接（可以是相对地址）。
	NextPage(doc *goquery.Document) (string, bool)
	// ScrollDepth 为触发懒加载需要滚动的像素数，0 表示不滚动。
	ScrollDepth() int
	// Domains 是商品详情页允许的主机名后缀。
	Domains() []string
	// DetailText 从商品详情页中抽取用于分析的纯文本。
	DetailText(doc *goquery.Document) string
}

// 放弃扫描时所处的阶段。
const (
	StageOpen      = "open"
	StageRateLimit = "ratelimit"
	StageNavigate  = "navigate"
	StageRead      = "read"
	StageBackoff   = "backoff"
)

// ScanError 表示适配器放弃了本次运行。
type ScanError struct {
	Platform model.Platform
	Stage    string
	Err      error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("%s scan abandoned at %s: %v", e.Platform, e.Stage, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// DefaultStrategies 返回所有受支持平台的策略，顺序与 model.SupportedPlatforms 一致。
func DefaultStrategies() []Strategy {
	return []Strategy{NewMercadoLivre(), NewShopee()}
}

// NewSources 为每个默认策略构造一个 Adapter，共享同一个 Fetcher。
func NewSources(f fetcher.Fetcher, logger *slog.Logger, opts ...Option) []Source {
	strategies := DefaultStrategies()
	out := make([]Source, 0, len(strategies))
	for _, st := range strategies {
		out = append(out, NewAdapter(st, f, logger, opts...))
	}
	return out
}
