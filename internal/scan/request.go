// Package scan 负责扫描请求的校验与多平台聚合。
package scan

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/mail"
	"strconv"
	"strings"

	"marketspy/internal/model"
)

var (
	ErrKeywordRequired     = errors.New("keyword is required")
	ErrPlatformsRequired   = errors.New("at least one platform is required")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrInvalidEmail        = errors.New("invalid notify email")
)

// platformAll 是旧版前端使用的 "both" 取值，展开为全部平台。
const platformAll = "both"

// LimitPolicy 定义 limit 的取值范围与默认值。
type LimitPolicy struct {
	Min     int
	Max     int
	Default int
}

// DefaultLimitPolicy 返回 [5,50]、默认 10 的策略。
func DefaultLimitPolicy() LimitPolicy {
	return LimitPolicy{Min: 5, Max: 50, Default: 10}
}

// Clamp 将任意输入解析并限制到 [Min, Max]，缺失或非数字时使用 Default。
func (p LimitPolicy) Clamp(raw any) int {
	n, ok := numericLimit(raw)
	if !ok {
		n = p.Default
	}
	if n < p.Min {
		n = p.Min
	}
	if p.Max > 0 && n > p.Max {
		n = p.Max
	}
	return n
}

// RequestInput 是提交接口接收的原始字段。
type RequestInput struct {
	Keyword     string   `json:"keyword"`
	Platforms   []string `json:"platforms"`
	Platform    string   `json:"platform"`
	Limit       any      `json:"limit"`
	NotifyEmail string   `json:"notifyEmail"`
}

// NewRequest 校验并归一化扫描请求。
//
// Platforms 为空时回退到旧字段 Platform；"both" 展开为全部平台；
// 重复平台按首次出现的顺序去重。
func NewRequest(in RequestInput, policy LimitPolicy) (model.ScanRequest, error) {
	keyword := strings.TrimSpace(in.Keyword)
	if keyword == "" {
		return model.ScanRequest{}, ErrKeywordRequired
	}

	names := in.Platforms
	if len(names) == 0 && strings.TrimSpace(in.Platform) != "" {
		names = []string{in.Platform}
	}

	var platforms []model.Platform
	seen := make(map[model.Platform]bool)
	add := func(p model.Platform) {
		if !seen[p] {
			seen[p] = true
			platforms = append(platforms, p)
		}
	}
	for _, name := range names {
		if strings.EqualFold(strings.TrimSpace(name), platformAll) {
			for _, p := range model.SupportedPlatforms() {
				add(p)
			}
			continue
		}
		p, err := model.ParsePlatform(name)
		if err != nil {
			return model.ScanRequest{}, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, name)
		}
		add(p)
	}
	if len(platforms) == 0 {
		return model.ScanRequest{}, ErrPlatformsRequired
	}

	email := strings.TrimSpace(in.NotifyEmail)
	if email != "" {
		addr, err := mail.ParseAddress(email)
		if err != nil {
			return model.ScanRequest{}, fmt.Errorf("%w: %v", ErrInvalidEmail, err)
		}
		email = addr.Address
	}

	return model.ScanRequest{
		Keyword:     keyword,
		Platforms:   platforms,
		Limit:       policy.Clamp(in.Limit),
		NotifyEmail: email,
	}, nil
}

func numericLimit(raw any) (int, bool) {
	switch v := raw.(type) {
	case nil:
		return 0, false
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int(math.Max(math.Min(v, math.MaxInt32), math.MinInt32)), true
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return numericLimit(f)
		}
		return 0, false
	case string:
		s := strings.TrimSpace(v)
		if n, err := strconv.Atoi(s); err == nil {
			return n, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return numericLimit(f)
		}
		return 0, false
	default:
		return 0, false
	}
}
