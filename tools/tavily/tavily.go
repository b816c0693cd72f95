// Package tavily is the fallback tier: a hosted research API that performs
// its own search, crawling and answer synthesis. More expensive than the
// lower tiers, so the researcher only reaches for it last.
package tavily

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prospecthq/prospect/config"
	"github.com/prospecthq/prospect/tools"
)

const defaultEndpoint = "https://api.tavily.com/search"

type Client struct {
	apiKey   string
	endpoint string
	http     *http.Client
}

// NewClient builds a Tavily API client.
func NewClient(cfg config.TavilyConfig) *Client {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

type searchRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	SearchDepth   string `json:"search_depth"`
	IncludeAnswer bool   `json:"include_answer"`
	MaxResults    int    `json:"max_results"`
}

type searchResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Research runs an advanced-depth query and returns the synthesized answer
// plus the supporting result contents.
func (c *Client) Research(ctx context.Context, query string, k int) (string, []string, error) {
	body, err := json.Marshal(searchRequest{
		APIKey:        c.apiKey,
		Query:         query,
		SearchDepth:   "advanced",
		IncludeAnswer: true,
		MaxResults:    k,
	})
	if err != nil {
		return "", nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, strings.NewReader(string(body)))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("tavily returned status %d", resp.StatusCode)
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	if out.Answer != "" {
		sb.WriteString(out.Answer)
		sb.WriteString("\n\n")
	}
	var urls []string
	for _, r := range out.Results {
		fmt.Fprintf(&sb, "%s (%s)\n%s\n\n", r.Title, r.URL, r.Content)
		if r.URL != "" {
			urls = append(urls, r.URL)
		}
	}
	return strings.TrimSpace(sb.String()), urls, nil
}

// Provider adapts the client to the uniform tool invocation contract.
type Provider struct {
	client     *Client
	maxResults int
}

func NewProvider(cfg config.TavilyConfig, maxResults int) *Provider {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &Provider{client: NewClient(cfg), maxResults: maxResults}
}

func (p *Provider) Tier() tools.Tier { return tools.TierFallback }

func (p *Provider) Invoke(ctx context.Context, req tools.Request) (tools.Result, error) {
	start := time.Now()
	query, _ := req.Params["query"].(string)
	if strings.TrimSpace(query) == "" {
		return tools.Result{Tier: p.Tier(), Success: false, Error: "empty query", Latency: time.Since(start)}, nil
	}
	content, urls, err := p.client.Research(ctx, query, p.maxResults)
	if err != nil {
		return tools.Result{Tier: p.Tier(), Success: false, Error: err.Error(), Latency: time.Since(start)}, nil
	}
	return tools.Result{
		Tier:    p.Tier(),
		Success: content != "",
		Content: content,
		URLs:    urls,
		Latency: time.Since(start),
	}, nil
}
