// Package gateway routes LLM calls across a ranked list of providers with
// retry, failover and adaptive health tracking. A provider that keeps
// failing sinks in the ranking, so failover improves over the life of the
// process instead of hammering the same broken backend.
package gateway

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ugcreach/engage/config"
	"github.com/ugcreach/engage/internal/telemetry"
)

// Gateway fans requests out to providers in health-adjusted priority order.
type Gateway struct {
	logger     *log.Logger
	telemetry  *telemetry.Telemetry
	maxRetries int
	backoff    time.Duration
	health     *healthTracker

	mu        sync.RWMutex
	providers []rankedProvider // sorted: highest health first, config priority as tie-break
}

type rankedProvider struct {
	provider Provider
	priority int // configured order, lower is better
}

// New builds a Gateway from configured providers. Providers are tried in
// config priority order until health data accumulates.
func New(cfg config.LLMConfig, logger *log.Logger, tele *telemetry.Telemetry) (*Gateway, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags)
	}
	providers := make([]Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		switch pc.Type {
		case "openai":
			providers = append(providers, NewOpenAIProvider(pc))
		case "anthropic":
			providers = append(providers, NewAnthropicProvider(pc))
		default:
			return nil, fmt.Errorf("unsupported llm provider type: %s", pc.Type)
		}
	}
	return NewWithProviders(providers, cfg.MaxRetries, cfg.Backoff, cfg.HealthWindow, logger, tele), nil
}

// NewWithProviders wires a gateway over pre-built providers; used directly in
// tests with fakes.
func NewWithProviders(providers []Provider, maxRetries int, backoff time.Duration, healthWindow int, logger *log.Logger, tele *telemetry.Telemetry) *Gateway {
	if logger == nil {
		logger = log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags)
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = 300 * time.Millisecond
	}
	ranked := make([]rankedProvider, len(providers))
	for i, p := range providers {
		ranked[i] = rankedProvider{provider: p, priority: i}
	}
	return &Gateway{
		logger:     logger,
		telemetry:  tele,
		maxRetries: maxRetries,
		backoff:    backoff,
		health:     newHealthTracker(healthWindow),
		providers:  ranked,
	}
}

// Invoke tries providers in current priority order. Transient failures are
// retried on the same provider with exponential backoff before falling
// through; permanent failures skip to the next provider immediately. Partial
// output from failed attempts is never surfaced. When every provider fails,
// the returned *ExhaustedError lists each provider's last failure.
func (g *Gateway) Invoke(ctx context.Context, req Request) (Response, error) {
	ordered := g.ranked()
	var failures []ProviderFailure

	for _, rp := range ordered {
		name := rp.provider.Info().Name
		resp, err := g.tryProvider(ctx, rp.provider, req)
		if err == nil {
			g.rerank()
			return resp, nil
		}
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		failures = append(failures, ProviderFailure{Provider: name, Err: err})
		g.logger.Printf("provider %s failed, falling through: %v", name, err)
	}
	g.rerank()
	return Response{}, &ExhaustedError{Failures: failures}
}

// Embed routes an embedding request through the same failover chain.
func (g *Gateway) Embed(ctx context.Context, input []string) ([][]float32, error) {
	if len(input) == 0 {
		return nil, nil
	}
	ordered := g.ranked()
	var failures []ProviderFailure

	for _, rp := range ordered {
		name := rp.provider.Info().Name
		vectors, err := g.tryEmbed(ctx, rp.provider, input)
		if err == nil {
			g.rerank()
			return vectors, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		failures = append(failures, ProviderFailure{Provider: name, Err: err})
		g.logger.Printf("provider %s embed failed, falling through: %v", name, err)
	}
	g.rerank()
	return nil, &ExhaustedError{Failures: failures}
}

// HealthScore exposes the current trailing success rate for a provider.
func (g *Gateway) HealthScore(provider string) float64 {
	return g.health.Score(provider)
}

// Providers returns provider metadata in the current ranking order.
func (g *Gateway) Providers() []ProviderInfo {
	ordered := g.ranked()
	infos := make([]ProviderInfo, len(ordered))
	for i, rp := range ordered {
		infos[i] = rp.provider.Info()
	}
	return infos
}

func (g *Gateway) tryProvider(ctx context.Context, p Provider, req Request) (Response, error) {
	name := p.Info().Name
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		start := time.Now()
		resp, err := p.Complete(ctx, req)
		g.health.Record(name, err == nil)
		if g.telemetry != nil {
			g.telemetry.RecordGatewayAttempt(name, err == nil, time.Since(start))
		}
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if IsPermanent(err) || ctx.Err() != nil {
			return Response{}, err
		}
		if attempt < g.maxRetries {
			select {
			case <-time.After(g.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return Response{}, ctx.Err()
			}
		}
	}
	return Response{}, lastErr
}

func (g *Gateway) tryEmbed(ctx context.Context, p Provider, input []string) ([][]float32, error) {
	name := p.Info().Name
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		vectors, err := p.Embed(ctx, input)
		g.health.Record(name, err == nil)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if IsPermanent(err) || ctx.Err() != nil {
			return nil, err
		}
		if attempt < g.maxRetries {
			select {
			case <-time.After(g.backoff * time.Duration(1<<attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func (g *Gateway) ranked() []rankedProvider {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]rankedProvider, len(g.providers))
	copy(out, g.providers)
	return out
}

// rerank reorders providers by trailing health, keeping configured priority
// as the tie-break so a fresh process behaves like its config says.
func (g *Gateway) rerank() {
	g.mu.Lock()
	defer g.mu.Unlock()
	sort.SliceStable(g.providers, func(i, j int) bool {
		si := g.health.Score(g.providers[i].provider.Info().Name)
		sj := g.health.Score(g.providers[j].provider.Info().Name)
		if si != sj {
			return si > sj
		}
		return g.providers[i].priority < g.providers[j].priority
	})
}
