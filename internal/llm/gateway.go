// Package llm implements the provider-neutral LLM Gateway: a single
// process-wide entry point for completions and embeddings that hides
// provider selection, payload-size guarding, and quota/retry handling
// behind one Generate/Embed contract.
package llm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/marketpulse/missioncore/internal/telemetry"
)

// Gateway is the process-wide singleton wrapping the active Provider. It is
// constructed once by the process entry point and passed down explicitly;
// nothing in this package keeps a package-level global.
type Gateway struct {
	provider Provider
	tel      *telemetry.Telemetry

	maxAttempts   int
	baseBackoff   time.Duration
	backoffFactor float64

	generateDuration metric.Float64Histogram
	generateRetries  metric.Int64Counter
}

// New constructs a Gateway around the given Provider. Retry parameters match
// the ones enforced on quota exhaustion: 3 attempts, 2s base, 2x multiplier.
func New(provider Provider, tel *telemetry.Telemetry) *Gateway {
	g := &Gateway{
		provider:      provider,
		tel:           tel,
		maxAttempts:   3,
		baseBackoff:   2 * time.Second,
		backoffFactor: 2,
	}
	g.generateDuration, _ = tel.Meter.Float64Histogram(
		"llm_generate_duration_seconds",
		metric.WithDescription("Wall-clock time of one Gateway.Generate call, including retries."),
	)
	g.generateRetries, _ = tel.Meter.Int64Counter(
		"llm_generate_retries_total",
		metric.WithDescription("Count of retry attempts issued by Gateway.Generate, labeled by provider."),
	)
	return g
}

// MaxPayloadBytes exposes the active provider's hard ceiling.
func (g *Gateway) MaxPayloadBytes() int { return g.provider.MaxPayloadBytes() }

// Generate performs a completion call with quota-aware retry. On persistent
// rate limiting it returns ErrQuotaExhausted; on a connection/timeout error
// it retries exactly once before returning ErrUpstreamUnavailable.
func (g *Gateway) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	ctx, span := g.tel.StartSpan(ctx, "llm.generate")
	defer span.End()

	start := time.Now()
	defer func() {
		if g.generateDuration != nil {
			g.generateDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
				attribute.String("provider", g.provider.Name()),
			))
		}
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.baseBackoff
	bo.Multiplier = g.backoffFactor
	bo.MaxElapsedTime = 0 // bounded by maxAttempts below, not wall-clock

	var (
		out         string
		attempts    int
		rateLimited bool
	)
	op := func() error {
		attempts++
		if attempts > 1 && g.generateRetries != nil {
			g.generateRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", g.provider.Name())))
		}
		text, err := g.provider.Generate(ctx, prompt, opts)
		if err == nil {
			out = text
			return nil
		}

		var payloadErr *ErrPayloadTooLarge
		if errors.As(err, &payloadErr) {
			return backoff.Permanent(err)
		}

		var rl *RateLimitError
		if errors.As(err, &rl) {
			rateLimited = true
			if attempts >= g.maxAttempts {
				return backoff.Permanent(&ErrQuotaExhausted{Provider: g.provider.Name(), Attempts: attempts})
			}
			g.tel.Logger.Printf("warn: rate limited by %s, attempt %d/%d", g.provider.Name(), attempts, g.maxAttempts)
			return err
		}

		// Connection/timeout class: one retry only, then UpstreamUnavailable.
		if attempts >= 2 {
			return backoff.Permanent(&ErrUpstreamUnavailable{Provider: g.provider.Name(), Cause: err})
		}
		g.tel.Logger.Printf("warn: upstream error from %s, retrying once: %v", g.provider.Name(), err)
		return err
	}

	retryable := backoff.WithMaxRetries(bo, uint64(g.maxAttempts-1))
	if err := backoff.Retry(op, backoff.WithContext(retryable, ctx)); err != nil {
		if rateLimited {
			var qe *ErrQuotaExhausted
			if errors.As(err, &qe) {
				return "", qe
			}
			return "", &ErrQuotaExhausted{Provider: g.provider.Name(), Attempts: attempts}
		}
		return "", err
	}
	return out, nil
}

// Embed delegates to the active provider, wrapping failures in
// ErrEmbeddingProvider.
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := g.tel.StartSpan(ctx, "llm.embed")
	defer span.End()
	vecs, err := g.provider.Embed(ctx, texts)
	if err != nil {
		var wrapped *ErrEmbeddingProvider
		if errors.As(err, &wrapped) {
			return nil, err
		}
		return nil, &ErrEmbeddingProvider{Cause: err}
	}
	return vecs, nil
}

// EmbeddingDimension reports D for the active provider.
func (g *Gateway) EmbeddingDimension() int { return g.provider.EmbeddingDimension() }

// DefaultProbeCooldown is the inter-probe wait callers should pass to
// ProbeModels unless they have a reason to wait longer: probing faster than
// this trips free-tier rate limits on the providers that need discovery.
const DefaultProbeCooldown = 5 * time.Second

// ProbeModels discovers the first working model from a candidate list for
// free-tier providers that require discovery, waiting cooldown between
// probes so as not to itself trip a rate limit. It is used only at startup;
// the chosen model is then cached by the caller for process lifetime.
func ProbeModels(ctx context.Context, probe func(ctx context.Context, model string) error, candidates []string, cooldown time.Duration) (string, error) {
	if cooldown <= 0 {
		cooldown = DefaultProbeCooldown
	}
	var lastErr error
	for i, candidate := range candidates {
		if i > 0 {
			select {
			case <-time.After(cooldown):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if err := probe(ctx, candidate); err != nil {
			lastErr = err
			continue
		}
		return candidate, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no candidate models configured")
	}
	return "", lastErr
}
