// Package webscrape is the deep-dive tier: headless rendering of candidate
// URLs followed by readability extraction of the article body.
package webscrape

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"
	"github.com/prospecthq/prospect/config"
	"github.com/prospecthq/prospect/tools"
)

// Page is the extracted content of one rendered URL.
type Page struct {
	URL   string
	Title string
	Text  string
}

// Fetcher renders a URL and extracts its readable text. Split out so tests
// can substitute a deterministic implementation for the chromedp path.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// ChromeFetcher renders pages with a headless browser.
type ChromeFetcher struct {
	Timeout  time.Duration
	MaxChars int
}

func (f ChromeFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	if strings.TrimSpace(rawURL) == "" {
		return Page{}, errors.New("invalid url")
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	html, err := fetchHTML(ctx, rawURL)
	if err != nil {
		return Page{}, fmt.Errorf("render %s: %w", rawURL, err)
	}

	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(rawURL))
	if err != nil {
		return Page{}, fmt.Errorf("extract %s: %w", rawURL, err)
	}
	text := strings.TrimSpace(article.TextContent)
	if f.MaxChars > 0 && len(text) > f.MaxChars {
		text = text[:f.MaxChars]
	}
	return Page{URL: rawURL, Title: strings.TrimSpace(article.Title), Text: text}, nil
}

func fetchHTML(ctx context.Context, url string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent("ProspectResearchAgent/1.0 (+contact@prospecthq.dev)"),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}

// Provider adapts a Fetcher to the uniform tool invocation contract.
type Provider struct {
	fetcher  Fetcher
	maxPages int
}

// NewProvider builds the deep-dive provider with a headless browser fetcher.
func NewProvider(cfg config.ScrapeConfig) *Provider {
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 3
	}
	return &Provider{
		fetcher:  ChromeFetcher{Timeout: cfg.Timeout, MaxChars: cfg.MaxChars},
		maxPages: maxPages,
	}
}

// NewProviderWithFetcher is used by tests to inject a deterministic fetcher.
func NewProviderWithFetcher(f Fetcher, maxPages int) *Provider {
	if maxPages <= 0 {
		maxPages = 3
	}
	return &Provider{fetcher: f, maxPages: maxPages}
}

func (p *Provider) Tier() tools.Tier { return tools.TierDeepDive }

// Invoke scrapes up to maxPages of params["urls"], concatenating the
// extracted article bodies. A page failure is tolerated as long as at
// least one page yields content.
func (p *Provider) Invoke(ctx context.Context, req tools.Request) (tools.Result, error) {
	start := time.Now()
	urls := candidateURLs(req.Params)
	if len(urls) == 0 {
		return tools.Result{Tier: p.Tier(), Success: false, Error: "no candidate urls", Latency: time.Since(start)}, nil
	}

	var (
		sb      strings.Builder
		scraped []string
		lastErr string
	)
	for _, u := range urls {
		if len(scraped) >= p.maxPages {
			break
		}
		page, err := p.fetcher.Fetch(ctx, u)
		if err != nil {
			lastErr = err.Error()
			continue
		}
		if page.Text == "" {
			continue
		}
		fmt.Fprintf(&sb, "%s (%s)\n%s\n\n", page.Title, page.URL, page.Text)
		scraped = append(scraped, page.URL)
	}

	content := strings.TrimSpace(sb.String())
	if content == "" {
		if lastErr == "" {
			lastErr = "no readable content"
		}
		return tools.Result{Tier: p.Tier(), Success: false, Error: lastErr, Latency: time.Since(start)}, nil
	}
	return tools.Result{Tier: p.Tier(), Success: true, Content: content, URLs: scraped, Latency: time.Since(start)}, nil
}

func candidateURLs(params map[string]any) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(u string) {
		u = strings.TrimSpace(u)
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	switch v := params["urls"].(type) {
	case []string:
		for _, u := range v {
			add(u)
		}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	}
	if s, ok := params["url"].(string); ok {
		add(s)
	}
	return out
}
