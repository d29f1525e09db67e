package source

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"marketspy/internal/fetcher"
)

// fakeFetcher 按 URL 返回预置的 HTML，记录会话的打开与关闭次数。
type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]string
	errs    map[string]error
	openErr error
	opened  int
	closed  int
	visited []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeFetcher) Open(ctx context.Context) (fetcher.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened++
	return &fakeSession{f: f}, nil
}

func (f *fakeFetcher) Close() error { return nil }

func (f *fakeFetcher) counts() (opened, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened, f.closed
}

type fakeSession struct {
	f       *fakeFetcher
	current string
}

func (s *fakeSession) Navigate(ctx context.Context, url string) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.visited = append(s.f.visited, url)
	if err := s.f.errs[url]; err != nil {
		return err
	}
	if _, ok := s.f.pages[url]; !ok {
		return fmt.Errorf("unexpected url %s", url)
	}
	s.current = url
	return nil
}

func (s *fakeSession) Scroll(ctx context.Context, maxPixels int) error { return nil }

func (s *fakeSession) HTML(ctx context.Context) (string, error) {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if s.current == "" {
		return "", fetcher.ErrNoDocument
	}
	return s.f.pages[s.current], nil
}

func (s *fakeSession) Close() error {
	s.f.mu.Lock()
	s.f.closed++
	s.f.mu.Unlock()
	return nil
}

type mlCard struct {
	title    string
	fraction string
	cents    string
	href     string
	img      string
	reviews  string
}

func mlPage(next string, cards ...mlCard) string {
	var b strings.Builder
	b.WriteString(`<html><body><ol class="ui-search-layout">`)
	for _, c := range cards {
		b.WriteString(`<li class="ui-search-layout__item"><div class="ui-search-result">`)
		fmt.Fprintf(&b, `<a class="ui-search-link" href="%s">`, c.href)
		fmt.Fprintf(&b, `<img data-src="%s" src="data:image/gif;base64,R0lGOD">`, c.img)
		fmt.Fprintf(&b, `<h2 class="ui-search-item__title">%s</h2></a>`, c.title)
		b.WriteString(`<s class="andes-money-amount andes-money-amount--previous"><span class="andes-money-amount__fraction">9.999</span></s>`)
		fmt.Fprintf(&b, `<span class="andes-money-amount"><span class="andes-money-amount__fraction">%s</span>`, c.fraction)
		if c.cents != "" {
			fmt.Fprintf(&b, `<span class="andes-money-amount__cents">%s</span>`, c.cents)
		}
		b.WriteString(`</span>`)
		if c.reviews != "" {
			fmt.Fprintf(&b, `<span class="ui-search-reviews__amount">%s</span>`, c.reviews)
		}
		b.WriteString(`</div></li>`)
	}
	b.WriteString(`</ol>`)
	if next != "" {
		fmt.Fprintf(&b, `<ul><li class="andes-pagination__button andes-pagination__button--next"><a href="%s">Seguinte</a></li></ul>`, next)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

// mlCards 生成 n 个有效卡片，链接以 prefix 区分。
func mlCards(prefix string, n int) []mlCard {
	out := make([]mlCard, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, mlCard{
			title:    fmt.Sprintf("Produto %s %d", prefix, i),
			fraction: fmt.Sprintf("%d", 100+i),
			href:     fmt.Sprintf("https://produto.mercadolivre.com.br/MLB-%s-%d", prefix, i),
			img:      "https://http2.mlstatic.com/img.webp",
		})
	}
	return out
}
