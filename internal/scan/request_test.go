package scan

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"marketspy/internal/model"
)

func TestNewRequest_Validation(t *testing.T) {
	policy := DefaultLimitPolicy()
	tests := []struct {
		name    string
		in      RequestInput
		wantErr error
	}{
		{"empty keyword", RequestInput{Keyword: "  ", Platforms: []string{"shopee"}}, ErrKeywordRequired},
		{"no platforms", RequestInput{Keyword: "x"}, ErrPlatformsRequired},
		{"empty platforms list", RequestInput{Keyword: "x", Platforms: []string{}}, ErrPlatformsRequired},
		{"unsupported", RequestInput{Keyword: "x", Platforms: []string{"ebay"}}, ErrUnsupportedPlatform},
		{"bad email", RequestInput{Keyword: "x", Platforms: []string{"shopee"}, NotifyEmail: "not-an-email"}, ErrInvalidEmail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRequest(tt.in, policy); !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNewRequest_Platforms(t *testing.T) {
	tests := []struct {
		name string
		in   RequestInput
		want []model.Platform
	}{
		{"list", RequestInput{Keyword: "x", Platforms: []string{"Shopee", "mercadolivre"}},
			[]model.Platform{model.PlatformShopee, model.PlatformMercadoLivre}},
		{"duplicates collapse", RequestInput{Keyword: "x", Platforms: []string{"shopee", "SHOPEE", "mercadolivre"}},
			[]model.Platform{model.PlatformShopee, model.PlatformMercadoLivre}},
		{"legacy single", RequestInput{Keyword: "x", Platform: "mercadolivre"},
			[]model.Platform{model.PlatformMercadoLivre}},
		{"legacy both", RequestInput{Keyword: "x", Platform: "both"},
			[]model.Platform{model.PlatformMercadoLivre, model.PlatformShopee}},
		{"list wins over legacy", RequestInput{Keyword: "x", Platforms: []string{"shopee"}, Platform: "both"},
			[]model.Platform{model.PlatformShopee}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := NewRequest(tt.in, DefaultLimitPolicy())
			if err != nil {
				t.Fatalf("new request: %v", err)
			}
			if !reflect.DeepEqual(req.Platforms, tt.want) {
				t.Fatalf("platforms = %v, want %v", req.Platforms, tt.want)
			}
		})
	}
}

func TestLimitPolicy_Clamp(t *testing.T) {
	p := DefaultLimitPolicy()
	tests := []struct {
		name string
		raw  any
		want int
	}{
		{"absent", nil, 10},
		{"in range", float64(20), 20},
		{"below min", float64(1), 5},
		{"above max", float64(500), 50},
		{"negative", float64(-3), 5},
		{"numeric string", "15", 15},
		{"float string", "12.7", 12},
		{"non numeric string", "lots", 10},
		{"json number", json.Number("30"), 30},
		{"bool", true, 10},
		{"huge", 1e300, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Clamp(tt.raw); got != tt.want {
				t.Fatalf("clamp(%v) = %d, want %d", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNewRequest_NormalisesFields(t *testing.T) {
	req, err := NewRequest(RequestInput{
		Keyword:     "  iphone 13 ",
		Platforms:   []string{"mercadolivre"},
		Limit:       float64(7),
		NotifyEmail: "Ana <ana@example.com>",
	}, DefaultLimitPolicy())
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if req.Keyword != "iphone 13" || req.Limit != 7 || req.NotifyEmail != "ana@example.com" {
		t.Fatalf("unexpected request %+v", req)
	}
}
