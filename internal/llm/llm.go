// Package llm holds decorators that wrap any model client.
package llm

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"risk-coach/internal/domain"
)

const tracerName = "risk-coach/internal/llm"

// Client is a stateless model client. The whole seed is sent on every call.
type Client interface {
	Generate(ctx context.Context, seed []domain.Turn, question string, cfg domain.GenerationConfig) (string, error)
}

// TracedClient records a span around each call to the wrapped client.
type TracedClient struct {
	client   Client
	provider string
}

// Traced wraps client so every Generate call is traced under provider's name.
func Traced(client Client, provider string) *TracedClient {
	return &TracedClient{client: client, provider: provider}
}

func (t *TracedClient) Generate(ctx context.Context, seed []domain.Turn, question string, cfg domain.GenerationConfig) (string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "llm.Generate")
	defer span.End()

	start := time.Now()
	answer, err := t.client.Generate(ctx, seed, question, cfg)
	span.SetAttributes(
		attribute.String("provider", t.provider),
		attribute.Int("seed_turns", len(seed)),
		attribute.Int("max_output_tokens", int(cfg.MaxOutputTokens)),
		attribute.Float64("completion_time", time.Since(start).Seconds()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("answer_chars", len(answer)))
	return answer, nil
}

// RateLimitedClient spaces calls to the wrapped client.
type RateLimitedClient struct {
	client  Client
	limiter *rate.Limiter
}

// RateLimited allows rps calls per second with a burst of one. A
// non-positive rps returns client unchanged.
func RateLimited(client Client, rps float64) Client {
	if rps <= 0 {
		return client
	}
	return &RateLimitedClient{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (r *RateLimitedClient) Generate(ctx context.Context, seed []domain.Turn, question string, cfg domain.GenerationConfig) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("llm: rate limit wait: %w", err)
	}
	return r.client.Generate(ctx, seed, question, cfg)
}
