package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	htmldom "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/errgroup"

	"missionctl/internal/logger"
)

const (
	defaultFetchTimeout = 15 * time.Second
	fetchConcurrency    = 4
	defaultMaxPageChars = 4000
	maxPageBytes        = 2 << 20
	maxPageLinks        = 20
)

var urlRe = regexp.MustCompile(`https?://[^\s"'<>()\[\]]+`)

// Page is the visible text of one fetched URL.
type Page struct {
	URL   string
	Title string
	Text  string
	// Links are absolute and deduplicated, in document order.
	Links []string
	Err   string
}

// FindURLs returns the distinct http(s) URLs mentioned in texts, in order.
func FindURLs(texts ...string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, t := range texts {
		for _, u := range urlRe.FindAllString(t, -1) {
			u = strings.TrimRight(u, ".,;:!?")
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}

type PageFetcher struct {
	Client       *http.Client
	Timeout      time.Duration
	MaxPageChars int
}

func NewPageFetcher() *PageFetcher {
	return &PageFetcher{
		Client:       http.DefaultClient,
		Timeout:      defaultFetchTimeout,
		MaxPageChars: defaultMaxPageChars,
	}
}

// FetchAll fetches pages concurrently. A failed page is reported in its
// Err field and never fails the batch; results keep the order of urls.
func (f *PageFetcher) FetchAll(ctx context.Context, urls []string) []Page {
	pages := make([]Page, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)

	var mu sync.Mutex
	for i, u := range urls {
		g.Go(func() (rerr error) {
			// Panic safety
			defer func() {
				if rec := recover(); rec != nil {
					mu.Lock()
					pages[i] = Page{URL: u, Err: fmt.Sprintf("panic: %v", rec)}
					mu.Unlock()
				}
			}()
			p := f.fetch(gctx, u)
			mu.Lock()
			pages[i] = p
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return pages
}

func (f *PageFetcher) fetch(ctx context.Context, u string) Page {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Page{URL: u, Err: err.Error()}
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		logger.Log.Debugf("[Executor] fetch %s failed: %v", u, err)
		return Page{URL: u, Err: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return Page{URL: u, Err: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return Page{URL: u, Err: fmt.Sprintf("parse html: %v", err)}
	}
	limit := f.MaxPageChars
	if limit <= 0 {
		limit = defaultMaxPageChars
	}
	return Page{
		URL:   u,
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
		Text:  truncate(visibleText(doc), limit),
		Links: pageLinks(doc, u),
	}
}

func pageLinks(doc *goquery.Document, base string) []string {
	seen := map[string]struct{}{}
	var out []string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		link := absolute(base, strings.TrimSpace(href))
		if !strings.HasPrefix(link, "http://") && !strings.HasPrefix(link, "https://") {
			return true
		}
		if _, ok := seen[link]; !ok {
			seen[link] = struct{}{}
			out = append(out, link)
		}
		return len(out) < maxPageLinks
	})
	return out
}

func absolute(base, href string) string {
	u, err := url.Parse(href)
	if err != nil || href == "" {
		return href
	}
	if u.IsAbs() {
		return u.String()
	}
	bu, err := url.Parse(base)
	if err != nil {
		return href
	}
	return bu.ResolveReference(u).String()
}

// visibleText collects text nodes outside script, style and similar
// non-rendered elements, collapsing whitespace.
func visibleText(doc *goquery.Document) string {
	var parts []string
	var walk func(n *htmldom.Node)
	walk = func(n *htmldom.Node) {
		if n.Type == htmldom.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Head, atom.Svg:
				return
			}
		}
		if n.Type == htmldom.TextNode {
			if t := strings.Join(strings.Fields(n.Data), " "); t != "" {
				parts = append(parts, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range doc.Nodes {
		walk(n)
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
