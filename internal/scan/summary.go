package scan

import (
	"math"
	"sort"

	"marketspy/internal/model"
)

// Summarize 计算汇总统计，结果与 listings 的顺序无关。
//
// 平均价格先排序再求和，避免浮点累加顺序带来的差异。
// 最佳机会按利润率最高选出，相同时依次比较更低价格、更小的 sourceUrl、更小的 id。
func Summarize(listings []model.Listing) model.Summary {
	if len(listings) == 0 {
		return model.Summary{}
	}

	prices := make([]float64, len(listings))
	for i, l := range listings {
		prices[i] = l.Price
	}
	sort.Float64s(prices)
	var sum float64
	for _, p := range prices {
		sum += p
	}

	best := -1
	for i := range listings {
		if best < 0 || better(listings[i], listings[best]) {
			best = i
		}
	}
	bestListing := listings[best]

	return model.Summary{
		TotalScanned:    len(listings),
		AveragePrice:    sum / float64(len(listings)),
		BestOpportunity: &bestListing,
	}
}

func better(a, b model.Listing) bool {
	am, bm := marginOf(a), marginOf(b)
	if am != bm {
		return am > bm
	}
	if a.Price != b.Price {
		return a.Price < b.Price
	}
	if a.SourceURL != b.SourceURL {
		return a.SourceURL < b.SourceURL
	}
	return a.ID < b.ID
}

func marginOf(l model.Listing) float64 {
	if l.Margin == nil || math.IsNaN(l.Margin.ProfitMarginPercent) {
		return math.Inf(-1)
	}
	return l.Margin.ProfitMarginPercent
}
