package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"marketspy/internal/config"
)

func TestStaticSession_NavigateAndHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "marketspy-test" {
			t.Errorf("user agent = %q", ua)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body><h1>ok</h1></body></html>"))
	}))
	defer srv.Close()

	f := NewStatic(config.BrowserConfig{UserAgent: "marketspy-test", PageTimeout: 2 * time.Second}, nil)
	sess, err := f.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer sess.Close()

	if _, err := sess.HTML(context.Background()); !errors.Is(err, ErrNoDocument) {
		t.Fatalf("expected ErrNoDocument before navigation, got %v", err)
	}
	if err := sess.Navigate(context.Background(), srv.URL); err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if err := sess.Scroll(context.Background(), 3000); err != nil {
		t.Fatalf("scroll: %v", err)
	}
	html, err := sess.HTML(context.Background())
	if err != nil {
		t.Fatalf("html: %v", err)
	}
	if !strings.Contains(html, "<h1>ok</h1>") {
		t.Fatalf("unexpected html: %s", html)
	}
}

func TestStaticSession_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	sess, _ := NewStatic(config.BrowserConfig{PageTimeout: 2 * time.Second}, nil).Open(context.Background())
	err := sess.Navigate(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if errors.Is(err, ErrNavigationTimeout) {
		t.Fatalf("500 must not be reported as a timeout: %v", err)
	}
}

func TestStaticSession_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	sess, _ := NewStatic(config.BrowserConfig{PageTimeout: 100 * time.Millisecond}, nil).Open(context.Background())
	err := sess.Navigate(context.Background(), srv.URL)
	if !errors.Is(err, ErrNavigationTimeout) {
		t.Fatalf("expected ErrNavigationTimeout, got %v", err)
	}
}

func TestNew_UnknownDriver(t *testing.T) {
	if _, err := New(context.Background(), config.BrowserConfig{Driver: "lynx"}, nil); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestNew_HTTPDriver(t *testing.T) {
	f, err := New(context.Background(), config.BrowserConfig{Driver: "HTTP"}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := f.(*StaticFetcher); !ok {
		t.Fatalf("expected *StaticFetcher, got %T", f)
	}
}
