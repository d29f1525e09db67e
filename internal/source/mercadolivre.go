package source

import (
	"fmt"
	"net/url"
	"strings"

	"marketspy/internal/model"

	"github.com/PuerkitoBio/goquery"
)

const (
	mercadoLivreOrigin    = "https://www.mercadolivre.com.br"
	mercadoLivreSearchURL = "https://lista.mercadolivre.com.br/%s_NoIndex_True"
)

// MercadoLivre 是 Mercado Livre 搜索结果页的抽取策略。
type MercadoLivre struct{}

func NewMercadoLivre() *MercadoLivre { return &MercadoLivre{} }

func (*MercadoLivre) Platform() model.Platform { return model.PlatformMercadoLivre }

func (*MercadoLivre) Origin() string { return mercadoLivreOrigin }

func (*MercadoLivre) ScrollDepth() int { return 1200 }

func (*MercadoLivre) Domains() []string {
	return []string{"mercadolivre.com.br", "mercadolibre.com"}
}

// SearchURL 把关键词中的空白替换为连字符，例如 "fone bluetooth" -> "fone-bluetooth"。
func (*MercadoLivre) SearchURL(keyword string) string {
	slug := strings.Join(strings.Fields(strings.ToLower(keyword)), "-")
	return fmt.Sprintf(mercadoLivreSearchURL, url.PathEscape(slug))
}

func (m *MercadoLivre) Extract(doc *goquery.Document) []RawCandidate {
	cards := doc.Find(".ui-search-layout__item")
	if cards.Length() == 0 {
		cards = doc.Find(".poly-card")
	}

	out := make([]RawCandidate, 0, cards.Length())
	cards.Each(func(_ int, card *goquery.Selection) {
		link := card.Find("a.ui-search-link").First()
		if link.Length() == 0 {
			link = card.Find("a[href]").First()
		}
		href, _ := link.Attr("href")

		out = append(out, RawCandidate{
			Platform:    model.PlatformMercadoLivre,
			Title:       firstText(card, ".ui-search-item__title", ".poly-component__title", "h2"),
			PriceText:   mercadoLivrePrice(card),
			Href:        href,
			Thumbnail:   imageSource(card.Find("img").First()),
			SalesVolume: firstText(card, ".ui-search-reviews__amount"),
		})
	})
	return out
}

func (*MercadoLivre) NextPage(doc *goquery.Document) (string, bool) {
	href, ok := doc.Find("li.andes-pagination__button--next a").First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return "", false
	}
	return href, true
}

// DetailText 抽取标题、价格、规格表与描述。
func (*MercadoLivre) DetailText(doc *goquery.Document) string {
	title := strings.TrimSpace(doc.Find("h1").First().Text())
	price := strings.TrimSpace(doc.Find(".andes-money-amount__fraction").First().Text())

	var specs []string
	doc.Find(".ui-pdp-specs__table tr, .andes-table__row").Each(func(_ int, row *goquery.Selection) {
		if txt := strings.Join(strings.Fields(row.Text()), " "); txt != "" {
			specs = append(specs, txt)
		}
	})
	description := strings.TrimSpace(doc.Find(".ui-pdp-description__content").First().Text())

	if title == "" && description == "" && len(specs) == 0 {
		return ""
	}
	return fmt.Sprintf("Title: %s\nPrice: %s\nSpecs: %s\nDescription: %s",
		title, price, strings.Join(specs, "; "), description)
}

// mercadoLivrePrice 取当前价（跳过划线原价），小数部分存在时拼成 "1.299,90"。
func mercadoLivrePrice(card *goquery.Selection) string {
	amount := card.Find(".poly-price__current .andes-money-amount").First()
	if amount.Length() == 0 {
		amount = card.Find(".andes-money-amount").Not(".andes-money-amount--previous").First()
	}
	scope := amount
	if scope.Length() == 0 {
		scope = card
	}

	fraction := strings.TrimSpace(scope.Find(".andes-money-amount__fraction").First().Text())
	if fraction == "" {
		return ""
	}
	if cents := strings.TrimSpace(scope.Find(".andes-money-amount__cents").First().Text()); cents != "" {
		return fraction + "," + cents
	}
	return fraction
}

func firstText(sel *goquery.Selection, selectors ...string) string {
	for _, s := range selectors {
		if txt := strings.TrimSpace(sel.Find(s).First().Text()); txt != "" {
			return txt
		}
	}
	return ""
}

// imageSource 优先取懒加载地址。
func imageSource(img *goquery.Selection) string {
	for _, attr := range []string{"data-src", "src"} {
		if v, ok := img.Attr(attr); ok {
			v = strings.TrimSpace(v)
			if v != "" && !strings.HasPrefix(v, "data:") {
				return v
			}
		}
	}
	return ""
}
