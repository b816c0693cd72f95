// Package websearch is the discovery-tier provider: cheap keyword search
// across a configurable search backend.
package websearch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prospecthq/prospect/config"
	"github.com/prospecthq/prospect/tools"
	"github.com/prospecthq/prospect/tools/websearch/brave"
	"github.com/prospecthq/prospect/tools/websearch/models"
	"github.com/prospecthq/prospect/tools/websearch/serper"
)

// Searcher is the backend capability behind the discovery tier.
type Searcher interface {
	Discover(ctx context.Context, q string, k int) ([]models.Result, error)
}

// Backend selects a concrete search implementation.
type Backend string

const (
	SerperBackend Backend = "serper"
	BraveBackend  Backend = "brave"
)

// NewSearcher builds a backend client for the given provider.
func NewSearcher(backend Backend, apiKey string) (Searcher, error) {
	switch backend {
	case SerperBackend:
		return serper.Search{ApiKey: apiKey}, nil
	case BraveBackend:
		return brave.Search{ApiKey: apiKey}, nil
	default:
		return nil, fmt.Errorf("unsupported search backend: %s", backend)
	}
}

// Provider adapts a Searcher to the uniform tool invocation contract.
type Provider struct {
	searcher   Searcher
	maxResults int
}

// NewProvider picks the first configured backend (serper preferred).
func NewProvider(cfg config.SearchConfig) (*Provider, error) {
	var (
		searcher Searcher
		err      error
	)
	switch {
	case cfg.SerperAPIKey != "":
		searcher, err = NewSearcher(SerperBackend, cfg.SerperAPIKey)
	case cfg.BraveAPIKey != "":
		searcher, err = NewSearcher(BraveBackend, cfg.BraveAPIKey)
	default:
		return nil, fmt.Errorf("no search backend configured")
	}
	if err != nil {
		return nil, err
	}
	max := cfg.MaxResults
	if max <= 0 {
		max = 8
	}
	return &Provider{searcher: searcher, maxResults: max}, nil
}

func (p *Provider) Tier() tools.Tier { return tools.TierDiscovery }

// Invoke runs a web search for params["query"] and flattens the hits into
// a single content block plus the candidate URLs for deeper tiers.
func (p *Provider) Invoke(ctx context.Context, req tools.Request) (tools.Result, error) {
	start := time.Now()
	query, _ := req.Params["query"].(string)
	if strings.TrimSpace(query) == "" {
		return tools.Result{Tier: p.Tier(), Success: false, Error: "empty query", Latency: time.Since(start)}, nil
	}

	hits, err := p.searcher.Discover(ctx, query, p.maxResults)
	if err != nil {
		return tools.Result{Tier: p.Tier(), Success: false, Error: err.Error(), Latency: time.Since(start)}, nil
	}

	var sb strings.Builder
	var urls []string
	for _, h := range hits {
		fmt.Fprintf(&sb, "%s\n%s\n%s\n\n", h.Title, h.URL, h.Snippet)
		if h.URL != "" {
			urls = append(urls, h.URL)
		}
	}
	content := strings.TrimSpace(sb.String())
	return tools.Result{
		Tier:    p.Tier(),
		Success: content != "",
		Content: content,
		URLs:    urls,
		Latency: time.Since(start),
	}, nil
}
