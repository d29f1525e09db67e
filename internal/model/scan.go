package model

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"
)

// Platform 表示受支持的电商平台。
type Platform string

const (
	PlatformMercadoLivre Platform = "mercadolivre"
	PlatformShopee       Platform = "shopee"
)

// ErrInvalidListing 表示商品数据不满足最低有效性要求（标题、价格、链接）。
var ErrInvalidListing = errors.New("invalid listing")

var supportedPlatforms = []Platform{PlatformMercadoLivre, PlatformShopee}

// SupportedPlatforms 返回所有受支持的平台（按固定顺序）。
func SupportedPlatforms() []Platform {
	out := make([]Platform, len(supportedPlatforms))
	copy(out, supportedPlatforms)
	return out
}

// ParsePlatform 将外部输入解析为 Platform，大小写与首尾空白不敏感。
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unsupported platform %q", s)
	}
	return p, nil
}

// Valid 判断平台是否在受支持列表中。
func (p Platform) Valid() bool {
	for _, sp := range supportedPlatforms {
		if p == sp {
			return true
		}
	}
	return false
}

// Tag 返回平台的短标签，用作商品 ID 前缀。
func (p Platform) Tag() string {
	switch p {
	case PlatformMercadoLivre:
		return "ml"
	case PlatformShopee:
		return "sh"
	default:
		return "xx"
	}
}

// MarginBreakdown 是单个商品的利润估算。
//
// 不变量: TotalCost = Fees + Shipping, EstimatedProfit = price - TotalCost。
type MarginBreakdown struct {
	Fees                float64 `json:"fees"`
	Shipping            float64 `json:"shipping"`
	TotalCost           float64 `json:"totalCost"`
	EstimatedProfit     float64 `json:"estimatedProfit"`
	ProfitMarginPercent float64 `json:"profitMarginPercent"`
}

// Listing 表示一次抓取得到的商品观测值。
//
// Margin 由聚合器在抽取之后附加，适配器本身从不设置它。
type Listing struct {
	ID           string           `json:"id"`
	Title        string           `json:"title"`
	Price        float64          `json:"price"` // BRL
	SourceURL    string           `json:"sourceUrl"`
	ThumbnailURL string           `json:"thumbnailUrl,omitempty"`
	Platform     Platform         `json:"platform"`
	SalesVolume  string           `json:"salesVolume,omitempty"`
	Margin       *MarginBreakdown `json:"margin"`
}

// Validate 检查商品是否可以进入结果集。
func (l Listing) Validate() error {
	if strings.TrimSpace(l.Title) == "" {
		return fmt.Errorf("%w: empty title", ErrInvalidListing)
	}
	if math.IsNaN(l.Price) || math.IsInf(l.Price, 0) || l.Price <= 0 {
		return fmt.Errorf("%w: non-positive price %v", ErrInvalidListing, l.Price)
	}
	if !IsAbsoluteHTTPURL(l.SourceURL) {
		return fmt.Errorf("%w: malformed source url %q", ErrInvalidListing, l.SourceURL)
	}
	if !l.Platform.Valid() {
		return fmt.Errorf("%w: unsupported platform %q", ErrInvalidListing, l.Platform)
	}
	return nil
}

// IsAbsoluteHTTPURL 判断字符串是否为带 host 的 http/https 绝对地址。
func IsAbsoluteHTTPURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// ScanRequest 是一次扫描请求（已校验、已归一化）。
type ScanRequest struct {
	Keyword     string     `json:"keyword"`
	Platforms   []Platform `json:"platforms"`
	Limit       int        `json:"limit"`
	NotifyEmail string     `json:"notifyEmail,omitempty"`
}

// JobState 任务状态，只能单向推进: queued -> active -> completed | failed。
type JobState string

const (
	JobQueued    JobState = "queued"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// IsTerminal 判断状态是否为终态。
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ScanJob 是队列管理的执行记录，由 Job Queue 存储独占持有。
type ScanJob struct {
	ID            string      `json:"id"`
	Request       ScanRequest `json:"request"`
	State         JobState    `json:"state"`
	Progress      int         `json:"progress"`
	Result        *ScanResult `json:"result,omitempty"`
	FailureReason string      `json:"failureReason,omitempty"`
	Worker        string      `json:"worker,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	StartedAt     *time.Time  `json:"startedAt,omitempty"`
	FinishedAt    *time.Time  `json:"finishedAt,omitempty"`
}

// SourceStatus 描述单个平台在一次扫描中的结果。
type SourceStatus string

const (
	SourceOK       SourceStatus = "ok"
	SourceDegraded SourceStatus = "degraded" // 中途放弃，保留已收集的商品
	SourceFailed   SourceStatus = "failed"   // 未贡献任何商品
)

// SourceReport 单个平台的执行摘要。
type SourceReport struct {
	Platform Platform     `json:"platform"`
	Listings int          `json:"listings"`
	Status   SourceStatus `json:"status"`
	Error    string       `json:"error,omitempty"`
}

// Summary 是扫描结果的汇总统计。
type Summary struct {
	TotalScanned    int      `json:"totalScanned"`
	AveragePrice    float64  `json:"averagePrice"`
	BestOpportunity *Listing `json:"bestOpportunity"`
}

// ScanResult 是一次扫描的输出。
type ScanResult struct {
	Listings []Listing      `json:"listings"`
	Summary  Summary        `json:"summary"`
	Sources  []SourceReport `json:"sources,omitempty"`
}
