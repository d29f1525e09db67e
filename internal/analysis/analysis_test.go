package analysis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"marketspy/internal/model"
	"marketspy/internal/pkg/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeDetails struct {
	text  string
	ok    bool
	calls int
}

func (f *fakeDetails) FetchDetailText(context.Context, string, model.Platform) (string, bool) {
	f.calls++
	return f.text, f.ok
}

type fakeCompleter struct {
	reply      string
	err        error
	calls      int
	lastSystem string
	lastPrompt string
}

func (f *fakeCompleter) Complete(_ context.Context, system, prompt string) (string, error) {
	f.calls++
	f.lastSystem = system
	f.lastPrompt = prompt
	return f.reply, f.err
}

const goodReply = `{"keywords":["iphone","apple","celular","13","128gb"],"shippingEstimates":"Frete grátis acima de R$ 79","copyAnalysis":"Título claro","competitorStrategy":"Preço baixo"}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.New(rdb, "analysis", time.Hour)
}

func TestAnalyze_SimulatedFallbacks(t *testing.T) {
	tests := []struct {
		name       string
		details    *fakeDetails
		completer  *fakeCompleter
		wantReason string
	}{
		{"missing key", &fakeDetails{text: "x", ok: true}, nil, ReasonMissingKey},
		{"page not found", &fakeDetails{}, &fakeCompleter{reply: goodReply}, ReasonNotFound},
		{"completion error", &fakeDetails{text: "x", ok: true}, &fakeCompleter{err: errors.New("429")}, ReasonFailed},
		{"malformed output", &fakeDetails{text: "x", ok: true}, &fakeCompleter{reply: "not json"}, ReasonMalformed},
		{"empty object", &fakeDetails{text: "x", ok: true}, &fakeCompleter{reply: "{}"}, ReasonMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var completer Completer
			if tt.completer != nil {
				completer = tt.completer
			}
			svc := NewService(tt.details, completer, nil, testLogger(), 0)

			got := svc.Analyze(context.Background(), "https://shopee.com.br/p", model.PlatformShopee)
			if !got.Simulated || got.Notice != tt.wantReason {
				t.Fatalf("expected simulated %q, got %+v", tt.wantReason, got)
			}
			if len(got.Keywords) != 5 || got.CompetitorStrategy != "Unknown" {
				t.Fatalf("unexpected simulated body %+v", got)
			}
			if !strings.Contains(got.CopyAnalysis, tt.wantReason) {
				t.Fatalf("copy analysis should explain the fallback: %q", got.CopyAnalysis)
			}
		})
	}
}

func TestAnalyze_MissingKeySkipsFetch(t *testing.T) {
	details := &fakeDetails{text: "x", ok: true}
	got := NewService(details, nil, nil, testLogger(), 0).
		Analyze(context.Background(), "https://shopee.com.br/p", model.PlatformShopee)
	if details.calls != 0 {
		t.Fatalf("detail page should not be fetched without a key")
	}
	if got.ShippingEstimates != "Configure API Key for estimates" {
		t.Fatalf("unexpected shipping estimate %q", got.ShippingEstimates)
	}
}

func TestAnalyze_LiveResultIsCached(t *testing.T) {
	details := &fakeDetails{text: "iPhone 13 128GB", ok: true}
	completer := &fakeCompleter{reply: "```json\n" + goodReply + "\n```"}
	svc := NewService(details, completer, newTestCache(t), testLogger(), 0)
	ctx := context.Background()
	url := "https://produto.mercadolivre.com.br/MLB-1"

	first := svc.Analyze(ctx, url, model.PlatformMercadoLivre)
	if first.Simulated || len(first.Keywords) != 5 || first.CompetitorStrategy != "Preço baixo" {
		t.Fatalf("unexpected live analysis %+v", first)
	}
	if completer.lastSystem != systemPrompt {
		t.Fatalf("unexpected system prompt %q", completer.lastSystem)
	}
	if !strings.Contains(completer.lastPrompt, "plataforma mercadolivre") || !strings.Contains(completer.lastPrompt, "iPhone 13 128GB") {
		t.Fatalf("prompt missing product data: %q", completer.lastPrompt)
	}

	second := svc.Analyze(ctx, url, model.PlatformMercadoLivre)
	if completer.calls != 1 || details.calls != 1 {
		t.Fatalf("expected cached second call, completer=%d details=%d", completer.calls, details.calls)
	}
	if second.CopyAnalysis != first.CopyAnalysis {
		t.Fatalf("cached analysis differs: %+v", second)
	}
}

func TestAnalyze_SimulatedIsNotCached(t *testing.T) {
	details := &fakeDetails{text: "x", ok: true}
	completer := &fakeCompleter{err: errors.New("timeout")}
	svc := NewService(details, completer, newTestCache(t), testLogger(), 0)
	ctx := context.Background()

	_ = svc.Analyze(ctx, "https://shopee.com.br/p", model.PlatformShopee)
	completer.err = nil
	completer.reply = goodReply
	got := svc.Analyze(ctx, "https://shopee.com.br/p", model.PlatformShopee)
	if got.Simulated {
		t.Fatalf("fallback must not be cached, got %+v", got)
	}
}

func TestAnalyze_PromptBudget(t *testing.T) {
	details := &fakeDetails{text: strings.Repeat("é", 500), ok: true}
	completer := &fakeCompleter{reply: goodReply}
	svc := NewService(details, completer, nil, testLogger(), 100)

	_ = svc.Analyze(context.Background(), "https://shopee.com.br/p", model.PlatformShopee)
	idx := strings.Index(completer.lastPrompt, "Dados do Produto: ")
	if idx < 0 {
		t.Fatalf("prompt missing product section")
	}
	product := completer.lastPrompt[idx+len("Dados do Produto: "):]
	if n := utf8.RuneCountInString(product); n != 100 {
		t.Fatalf("product text has %d runes, want 100", n)
	}
}
