// Package search queries a web search API and folds results into text.
package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/openweavr/weavr/internal/retry"
	"github.com/openweavr/weavr/pkg/schema"
)

// DefaultLimit is the number of results returned when the caller passes none.
const DefaultLimit = 5

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher runs web searches.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// Client is a Searcher for Brave-compatible search endpoints.
type Client struct {
	endpoint string
	apiKey   string
	http     *retry.Client
}

// NewClient creates a search client.
func NewClient(endpoint, apiKey string, httpClient *retry.Client) *Client {
	return &Client{endpoint: endpoint, apiKey: apiKey, http: httpClient}
}

// Search returns up to limit results for query.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "search query is empty")
	}
	if c.endpoint == "" || c.apiKey == "" {
		return nil, schema.NewError(schema.ErrCodeNoCredentials, "web search is not configured")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	resp, err := c.http.Do(ctx, func() (*http.Request, error) {
		u, err := url.Parse(c.endpoint)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("q", query)
		q.Set("count", strconv.Itoa(limit))
		u.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Subscription-Token", c.apiKey)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "search: HTTP %d", resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}
	return parseResults(body, limit), nil
}

// parseResults reads web.results[] (Brave) or results[] (generic) arrays.
func parseResults(body []byte, limit int) []Result {
	items := gjson.GetBytes(body, "web.results")
	if !items.Exists() {
		items = gjson.GetBytes(body, "results")
	}

	var out []Result
	items.ForEach(func(_, item gjson.Result) bool {
		snippet := item.Get("description").String()
		if snippet == "" {
			snippet = item.Get("snippet").String()
		}
		out = append(out, Result{
			Title:   item.Get("title").String(),
			URL:     item.Get("url").String(),
			Snippet: snippet,
		})
		return len(out) < limit
	})
	return out
}

// Fold renders results as "title\nurl\nsnippet" entries separated by blank lines.
func Fold(results []Result) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, r.Title+"\n"+r.URL+"\n"+r.Snippet)
	}
	return strings.Join(parts, "\n\n")
}
