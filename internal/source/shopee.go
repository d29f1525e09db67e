package source

import (
	"net/url"
	"regexp"
	"strings"

	"marketspy/internal/model"

	"github.com/PuerkitoBio/goquery"
)

const (
	shopeeOrigin    = "https://shopee.com.br"
	shopeeSearchURL = "https://shopee.com.br/search?keyword="
)

var (
	shopeePriceRe = regexp.MustCompile(`R\$\s*([\d\.]+(?:,\d{2})?)`)
	shopeeSalesRe = regexp.MustCompile(`(\d+(?:[\.,]\d+)?\s*(?:[kK]|mil)?\+?)\s+vendidos`)
)

// Shopee 的搜索页没有稳定的 class，商品卡片通过“带价格文本的链接”识别。
type Shopee struct{}

func NewShopee() *Shopee { return &Shopee{} }

func (*Shopee) Platform() model.Platform { return model.PlatformShopee }

func (*Shopee) Origin() string { return shopeeOrigin }

func (*Shopee) ScrollDepth() int { return 3000 }

func (*Shopee) Domains() []string { return []string{"shopee.com.br"} }

func (*Shopee) SearchURL(keyword string) string {
	return shopeeSearchURL + url.QueryEscape(strings.TrimSpace(keyword))
}

func (*Shopee) Extract(doc *goquery.Document) []RawCandidate {
	var out []RawCandidate
	seen := make(map[string]struct{})

	doc.Find("a[href]").Each(func(_ int, card *goquery.Selection) {
		href, _ := card.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}
		text := card.Text()
		match := shopeePriceRe.FindStringSubmatch(text)
		if len(match) < 2 {
			return
		}
		if _, dup := seen[href]; dup {
			return
		}
		seen[href] = struct{}{}

		img := card.Find("img").First()
		title := strings.TrimSpace(card.Find(`div[data-sqe="name"]`).First().Text())
		if title == "" {
			title, _ = img.Attr("alt")
		}

		// 销量只在叶子节点上匹配，避免与相邻的价格文本拼接。
		sales := ""
		card.Find("div, span").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if s.Children().Length() > 0 {
				return true
			}
			if m := shopeeSalesRe.FindString(s.Text()); m != "" {
				sales = strings.TrimSpace(m)
				return false
			}
			return true
		})

		out = append(out, RawCandidate{
			Platform:    model.PlatformShopee,
			Title:       title,
			PriceText:   match[1],
			Href:        href,
			Thumbnail:   imageSource(img),
			SalesVolume: sales,
		})
	})
	return out
}

// NextPage Shopee 通过无限滚动加载，没有翻页。
func (*Shopee) NextPage(*goquery.Document) (string, bool) { return "", false }

// DetailText Shopee 详情页结构不稳定，直接使用正文文本。
func (*Shopee) DetailText(doc *goquery.Document) string {
	body := doc.Find("body").First()
	body.Find("script, style, noscript").Remove()
	return strings.TrimSpace(body.Text())
}
