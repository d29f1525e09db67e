package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type entry struct {
	Keywords []string `json:"keywords"`
	Notice   string   `json:"notice"`
}

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Fatalf("close redis: %v", err)
		}
	})
	return New(rdb, "analysis", ttl), s
}

func TestCache_RoundTripAndExpiry(t *testing.T) {
	c, s := newTestCache(t, time.Minute)
	ctx := context.Background()
	url := "https://produto.mercadolivre.com.br/MLB-123"

	var got entry
	hit, err := c.GetJSON(ctx, url, &got)
	if err != nil || hit {
		t.Fatalf("expected miss, got hit=%v err=%v", hit, err)
	}

	if err := c.SetJSON(ctx, url, entry{Keywords: []string{"a", "b"}}); err != nil {
		t.Fatalf("set: %v", err)
	}
	hit, err = c.GetJSON(ctx, url, &got)
	if err != nil || !hit {
		t.Fatalf("expected hit, got hit=%v err=%v", hit, err)
	}
	if len(got.Keywords) != 2 || got.Keywords[1] != "b" {
		t.Fatalf("unexpected entry %+v", got)
	}

	key := c.key(url)
	if s.TTL(key) != time.Minute {
		t.Fatalf("ttl = %v, want 1m", s.TTL(key))
	}

	s.FastForward(2 * time.Minute)
	hit, _ = c.GetJSON(ctx, url, &got)
	if hit {
		t.Fatalf("expected miss after expiry")
	}
}

func TestCache_CorruptEntryIsMiss(t *testing.T) {
	c, s := newTestCache(t, time.Minute)
	ctx := context.Background()

	if err := s.Set(c.key("k"), "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var got entry
	hit, err := c.GetJSON(ctx, "k", &got)
	if err != nil || hit {
		t.Fatalf("expected miss, got hit=%v err=%v", hit, err)
	}
	if s.Exists(c.key("k")) {
		t.Fatalf("corrupt entry should be removed")
	}
}

func TestCache_NilIsNoop(t *testing.T) {
	var c *Cache
	ctx := context.Background()
	if err := c.SetJSON(ctx, "k", entry{}); err != nil {
		t.Fatalf("set on nil cache: %v", err)
	}
	var got entry
	if hit, err := c.GetJSON(ctx, "k", &got); hit || err != nil {
		t.Fatalf("get on nil cache: hit=%v err=%v", hit, err)
	}
	if err := New(nil, "x", 0).Delete(ctx, "k"); err != nil {
		t.Fatalf("delete without redis: %v", err)
	}
}

func TestCache_KeysAreNamespaced(t *testing.T) {
	a := New(nil, "analysis", time.Minute)
	b := New(nil, "detail", time.Minute)
	if a.key("u") == b.key("u") {
		t.Fatalf("namespaces should not collide")
	}
	if len(hashKey("u")) != 64 {
		t.Fatalf("expected sha256 hex key")
	}
}
