package scan

import (
	"math"
	"testing"

	"marketspy/internal/model"
)

func withMargin(id, url string, price, percent float64) model.Listing {
	return model.Listing{
		ID:        id,
		Title:     id,
		Price:     price,
		SourceURL: url,
		Platform:  model.PlatformMercadoLivre,
		Margin:    &model.MarginBreakdown{ProfitMarginPercent: percent},
	}
}

func TestSummarize_Empty(t *testing.T) {
	got := Summarize(nil)
	if got.TotalScanned != 0 || got.AveragePrice != 0 || got.BestOpportunity != nil {
		t.Fatalf("expected zero summary, got %+v", got)
	}
}

func TestSummarize_AverageAndBest(t *testing.T) {
	listings := []model.Listing{
		withMargin("a", "https://x/a", 10, 20),
		withMargin("b", "https://x/b", 20, 55),
		withMargin("c", "https://x/c", 30, 40),
	}
	got := Summarize(listings)
	if got.TotalScanned != 3 || math.Abs(got.AveragePrice-20) > 1e-9 {
		t.Fatalf("unexpected summary %+v", got)
	}
	if got.BestOpportunity == nil || got.BestOpportunity.ID != "b" {
		t.Fatalf("expected b as best, got %+v", got.BestOpportunity)
	}
}

func TestSummarize_TieBreakIsOrderIndependent(t *testing.T) {
	base := []model.Listing{
		withMargin("z", "https://x/1", 50, 60),
		withMargin("y", "https://x/2", 40, 60),
		withMargin("x", "https://x/0", 40, 60),
		withMargin("w", "https://x/0", 40, 60),
		withMargin("v", "https://x/9", 10, 10),
	}
	permutations := [][]int{
		{0, 1, 2, 3, 4},
		{4, 3, 2, 1, 0},
		{2, 0, 4, 3, 1},
		{3, 4, 1, 0, 2},
	}
	for _, perm := range permutations {
		listings := make([]model.Listing, len(base))
		for i, idx := range perm {
			listings[i] = base[idx]
		}
		got := Summarize(listings)
		if got.BestOpportunity.ID != "w" {
			t.Fatalf("perm %v: best = %s, want w", perm, got.BestOpportunity.ID)
		}
	}
}

func TestSummarize_AverageIsOrderIndependent(t *testing.T) {
	prices := []float64{0.1, 0.2, 0.3, 1e9, 3.3333}
	a := make([]model.Listing, len(prices))
	b := make([]model.Listing, len(prices))
	for i, p := range prices {
		a[i] = withMargin("a", "https://x", p, 1)
		b[len(prices)-1-i] = withMargin("a", "https://x", p, 1)
	}
	if Summarize(a).AveragePrice != Summarize(b).AveragePrice {
		t.Fatalf("average depends on order")
	}
}
