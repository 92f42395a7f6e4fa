package embedding

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kioku-ai/kioku/internal/config"
	"github.com/kioku-ai/kioku/internal/model"
	"github.com/kioku-ai/kioku/internal/telemetry"
)

// Result is the outcome of an embedding attempt. A missing vector is not an
// error: Fallback carries the structured reason and retrieval degrades to
// keyword-only mode.
type Result struct {
	Vector   model.NullVector
	Backend  string
	Fallback string
}

// Service wraps a Provider with retries and degradation. Every failure mode
// ends in a keyword-only fallback rather than a caller-visible error.
type Service struct {
	provider Provider
	logger   *slog.Logger

	duration metric.Float64Histogram
}

func newHistogram() metric.Float64Histogram {
	h, _ := telemetry.Meter("kioku/embedding").Float64Histogram("kioku.embedding.duration",
		metric.WithDescription("Embedding call duration"),
		metric.WithUnit("s"),
	)
	return h
}

// NewService selects a provider from configuration. "auto" probes Ollama
// first, then falls back to OpenAI when a key is present, then to none.
func NewService(ctx context.Context, cfg config.Config, logger *slog.Logger) *Service {
	var p Provider
	switch cfg.EmbeddingProvider {
	case "ollama":
		p = NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
	case "openai":
		p = NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	case "noop", "none":
		p = NewNoopProvider(cfg.EmbeddingDimensions)
	default: // auto
		ollama := NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
		switch {
		case ollama.Reachable(ctx):
			p = ollama
		case cfg.OpenAIAPIKey != "":
			p = NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
		default:
			p = NewNoopProvider(cfg.EmbeddingDimensions)
		}
	}
	logger.Info("embedding provider selected", "provider", p.Name())
	return &Service{provider: p, logger: logger, duration: newHistogram()}
}

// NewServiceWith wraps an explicit provider. Used by tests.
func NewServiceWith(p Provider, logger *slog.Logger) *Service {
	return &Service{provider: p, logger: logger, duration: newHistogram()}
}

// Backend returns the active provider's name.
func (s *Service) Backend() string { return s.provider.Name() }

// Available reports whether a real provider is configured.
func (s *Service) Available() bool { return s.provider.Name() != "none" }

const (
	embedAttempts = 3
	embedBackoff  = 500 * time.Millisecond
)

// Embed attempts to vectorize text, retrying transient failures with a
// linear backoff. Never returns an error: failures produce an invalid
// vector plus a fallback reason.
func (s *Service) Embed(ctx context.Context, text string) Result {
	if !s.Available() {
		return Result{Backend: "none", Fallback: "no_provider"}
	}
	if text == "" {
		return Result{Backend: s.provider.Name(), Fallback: "empty_input"}
	}

	var lastErr error
	for attempt := 1; attempt <= embedAttempts; attempt++ {
		start := time.Now()
		vec, err := s.provider.Embed(ctx, text)
		s.duration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("provider", s.provider.Name())))
		if err == nil {
			return Result{Vector: model.SomeVector(vec), Backend: s.provider.Name()}
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < embedAttempts {
			select {
			case <-time.After(time.Duration(attempt) * embedBackoff):
			case <-ctx.Done():
			}
		}
	}

	s.logger.Warn("embedding failed, degrading to keyword-only",
		"provider", s.provider.Name(), "error", lastErr)
	return Result{Backend: s.provider.Name(), Fallback: "provider_error"}
}
