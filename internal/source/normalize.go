package source

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"marketspy/internal/model"

	"github.com/google/uuid"
)

var (
	errEmptyPrice  = errors.New("empty price")
	errInvalidHref = errors.New("invalid href")
)

// parsePrice 解析巴西格式的价格文本，例如 "R$ 1.299,90"、"1.299"、"49,9"。
// 点号是千分位，逗号是小数点。
func parsePrice(txt string) (float64, error) {
	var b strings.Builder
	for _, r := range txt {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			b.WriteRune(r)
		}
	}
	cleaned := strings.Trim(b.String(), ".,")
	if cleaned == "" {
		return 0, errEmptyPrice
	}

	if strings.Contains(cleaned, ",") {
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.Replace(cleaned, ",", ".", 1)
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	} else {
		cleaned = strings.ReplaceAll(cleaned, ".", "")
	}

	val, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", txt, err)
	}
	return val, nil
}

// normalizeURL 将页面中的链接补全为绝对地址，只接受 http/https。
func normalizeURL(origin, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", errInvalidHref
	}
	base, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidHref, err)
	}
	abs := base.ResolveReference(ref)
	if (abs.Scheme != "http" && abs.Scheme != "https") || abs.Host == "" {
		return "", fmt.Errorf("%w: %s", errInvalidHref, href)
	}
	abs.Fragment = ""
	return abs.String(), nil
}

// newListingID 生成带平台前缀的商品 ID，例如 "ml-3f2a9c0d1e4b"。
func newListingID(p model.Platform) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return p.Tag() + "-" + raw[:12]
}

// collapseSpace 合并连续空白并截断到 budget 个字符。
func collapseSpace(s string, budget int) string {
	s = strings.Join(strings.Fields(s), " ")
	if budget <= 0 || utf8.RuneCountInString(s) <= budget {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:budget]))
}
