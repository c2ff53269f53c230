package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// serperBackend queries the Serper (google.serper.dev) search API.
type serperBackend struct {
	apiKey string
	client *http.Client
	topK   int
}

// NewSerperBackend constructs a Backend around the Serper API.
func NewSerperBackend(apiKey string, topK int) Backend {
	if topK <= 0 {
		topK = 10
	}
	return &serperBackend{apiKey: apiKey, client: http.DefaultClient, topK: topK}
}

func (s *serperBackend) Discover(ctx context.Context, query string) ([]Result, error) {
	payload, err := json.Marshal(map[string]any{"q": query, "num": s.topK})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://google.serper.dev/search", strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("serper: status %d", resp.StatusCode)
	}

	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(raw.Organic))
	for i, item := range raw.Organic {
		if i >= s.topK {
			break
		}
		results = append(results, Result{Title: item.Title, URL: item.Link, Snippet: item.Snippet})
	}
	return results, nil
}
