package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// braveBackend queries the Brave Search API, the no-signup alternative used
// when no Serper key is configured.
type braveBackend struct {
	apiKey string
	client *http.Client
	topK   int
}

// NewBraveBackend constructs a Backend around the Brave Search API.
func NewBraveBackend(apiKey string, topK int) Backend {
	if topK <= 0 {
		topK = 10
	}
	return &braveBackend{apiKey: apiKey, client: http.DefaultClient, topK: topK}
}

func (b *braveBackend) Discover(ctx context.Context, query string) ([]Result, error) {
	endpoint := fmt.Sprintf("https://api.search.brave.com/res/v1/web/search?q=%s&count=%d", url.QueryEscape(query), b.topK)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave: status %d", resp.StatusCode)
	}

	var raw struct {
		Web struct {
			Results []struct {
				Title   string `json:"title"`
				URL     string `json:"url"`
				Snippet string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(raw.Web.Results))
	for i, r := range raw.Web.Results {
		if i >= b.topK {
			break
		}
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: r.Snippet})
	}
	return results, nil
}
