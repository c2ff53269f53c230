// Package scraper implements the Scraper Tool: a headless-browser fetch
// with anti-detection tweaks, two-tier page-readiness, and a fire-and-forget
// background ingestion task, grounded on this codebase's chromedp-based
// fetch tool.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"
	"go.opentelemetry.io/otel/metric"

	"github.com/marketpulse/missioncore/internal/chunker"
	"github.com/marketpulse/missioncore/internal/telemetry"
	"github.com/marketpulse/missioncore/internal/urlsafety"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 MissionCoreBot"

// ErrScrapeFailed is the tool-level failure kind the executor treats as a
// non-fatal step failure.
type ErrScrapeFailed struct {
	URL    string
	Reason string
}

func (e *ErrScrapeFailed) Error() string {
	return fmt.Sprintf("scrape failed for %q: %s", e.URL, e.Reason)
}

// Embedder is the subset of the Embedding Service the background ingestion
// path needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Store is the subset of the Vector Store Adapter the background ingestion
// path needs.
type Store interface {
	Add(ctx context.Context, ids []string, vectors [][]float32, documents []string, metadata []map[string]any) error
}

// Tool fetches a URL with a headless browser and returns its readable text.
type Tool struct {
	timeout     time.Duration
	chunkParams chunker.Params
	embedder    Embedder
	store       Store
	tel         *telemetry.Telemetry

	// bgCtx is a process-lifetime context background ingestion is attached
	// to, distinct from the mission's request context, so mission
	// cancellation never cancels an in-flight ingestion.
	bgCtx context.Context

	fetchDuration metric.Float64Histogram
}

// New constructs a Tool. bgCtx should be the process's long-lived context
// (e.g. the one cancelled at shutdown), not a per-request context.
func New(timeout time.Duration, embedder Embedder, store Store, tel *telemetry.Telemetry, bgCtx context.Context) *Tool {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	t := &Tool{
		timeout:     timeout,
		chunkParams: chunker.DefaultParams(),
		embedder:    embedder,
		store:       store,
		tel:         tel,
		bgCtx:       bgCtx,
	}
	if tel != nil {
		t.fetchDuration, _ = tel.Meter.Float64Histogram(
			"scraper_fetch_duration_seconds",
			metric.WithDescription("Wall-clock time of one Scrape call, including headless fetch and readability extraction."),
		)
	}
	return t
}

// Scrape validates url against the SSRF predicate, fetches it with a
// headless browser, extracts readable text, and launches background
// ingestion tagged with conversationID.
func (t *Tool) Scrape(ctx context.Context, rawURL string, conversationID int64) (string, error) {
	start := time.Now()
	defer func() {
		if t.fetchDuration != nil {
			t.fetchDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	if err := urlsafety.Validate(rawURL); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	html, err := fetchHTML(ctx, rawURL)
	if err != nil {
		return "", &ErrScrapeFailed{URL: rawURL, Reason: err.Error()}
	}

	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err != nil {
		return "", &ErrScrapeFailed{URL: rawURL, Reason: fmt.Sprintf("readability extraction failed: %v", err)}
	}

	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return "", &ErrScrapeFailed{URL: rawURL, Reason: "no extractable text"}
	}

	title := strings.TrimSpace(article.Title)
	if title == "" {
		title = rawURL
	}

	t.ingestInBackground(title, text, conversationID)
	return text, nil
}

// fetchHTML launches a headless chromedp browser with anti-detection tweaks
// and returns the page's outer HTML, using two-tier readiness: first the
// faster DOMContentLoaded wait, falling back to the earlier commit-level
// navigation if that wait times out.
func fetchHTML(ctx context.Context, rawURL string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1366, 768),
		chromedp.UserAgent(defaultUserAgent),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	var html string

	domReadyCtx, cancelDomReady := context.WithTimeout(browserCtx, domReadyBudget(ctx))
	defer cancelDomReady()
	err := chromedp.Run(domReadyCtx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err == nil {
		return html, nil
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		return "", err
	}

	// Fall back to the earlier "commit" readiness tier: accept whatever the
	// browser has rendered by the time navigation merely commits.
	err = chromedp.Run(browserCtx,
		chromedp.Navigate(rawURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("navigation failed on both readiness tiers: %w", err)
	}
	return html, nil
}

// domReadyBudget allocates roughly two-thirds of the remaining deadline to
// the faster readiness tier, leaving room for the commit-level fallback.
func domReadyBudget(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 20 * time.Second
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0
	}
	return remaining * 2 / 3
}

// ingestInBackground chunks, embeds, and stores text as a fire-and-forget
// goroutine attached to the tool's process-lifetime context; the scrape
// call never waits on it.
func (t *Tool) ingestInBackground(title, text string, conversationID int64) {
	go func() {
		chunks := chunker.Split(title, text, t.chunkParams)
		if len(chunks) == 0 {
			return
		}

		texts := make([]string, len(chunks))
		ids := make([]string, len(chunks))
		metadata := make([]map[string]any, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
			ids[i] = c.ID
			metadata[i] = map[string]any{
				"conversation_id": conversationID,
				"title":           title,
				"timestamp":       time.Now().UTC().Format(time.RFC3339),
			}
		}

		vectors, err := t.embedder.Embed(t.bgCtx, texts)
		if err != nil {
			t.tel.Logger.Printf("warn: background ingestion embed failed for %q: %v", title, err)
			return
		}
		if err := t.store.Add(t.bgCtx, ids, vectors, texts, metadata); err != nil {
			t.tel.Logger.Printf("warn: background ingestion store failed for %q: %v", title, err)
		}
	}()
}
