package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/askdocs/askdocs/internal/repository"
)

const (
	// AttemptTimeout bounds a single provider attempt.
	AttemptTimeout = 30 * time.Second

	breakerFailureThreshold = 3
	breakerOpenDuration     = 60 * time.Second
)

// Request is one gateway generation request.
type Request struct {
	TenantID uuid.UUID
	UserID   string

	Prompt       string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int

	Strategy  Strategy
	DataClass DataClass

	// MinContext is the estimated prompt size in tokens, used to
	// exclude models whose window is too small.
	MinContext     int
	NeedStructured bool
}

// Gateway fans a request across the provider fallback chain with per
// provider circuit breakers.
type Gateway struct {
	catalog   *Catalog
	providers map[string]Provider
	usage     repository.UsageRepository

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewGateway wires providers (keyed by Name()) to the catalogue. usage
// may be nil to disable accounting.
func NewGateway(catalog *Catalog, providers []Provider, usage repository.UsageRepository) *Gateway {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Gateway{
		catalog:   catalog,
		providers: byName,
		usage:     usage,
		breakers:  map[string]*gobreaker.CircuitBreaker{},
	}
}

func (g *Gateway) breaker(provider string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok := g.breakers[provider]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    provider,
		Timeout: breakerOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("provider circuit state changed", "provider", name,
				"from", from.String(), "to", to.String())
		},
	})
	g.breakers[provider] = cb
	return cb
}

// Generate walks the fallback chain until a provider answers.
// Retriable failures move to the next entry; auth and request shape
// failures surface immediately since every provider would reject them
// the same way.
func (g *Gateway) Generate(ctx context.Context, req Request) (*Response, error) {
	chain, err := g.catalog.Select(g.requirements(req, false))
	if err != nil {
		return nil, err
	}

	var attempts []*ProviderError
	for _, model := range chain {
		resp, perr := g.attempt(ctx, model, req)
		if perr == nil {
			g.recordUsage(req, resp)
			return resp, nil
		}
		attempts = append(attempts, perr)
		if !perr.Kind.Retriable() {
			return nil, perr
		}
		slog.Warn("provider attempt failed, falling back",
			"provider", model.Provider, "model", model.ID, "kind", perr.Kind.String())
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &AllProvidersFailed{Attempts: attempts}
}

func (g *Gateway) attempt(ctx context.Context, model Model, req Request) (*Response, *ProviderError) {
	provider, ok := g.providers[model.Provider]
	if !ok {
		return nil, &ProviderError{Provider: model.Provider, Model: model.ID,
			Kind: KindNetwork, Err: fmt.Errorf("provider not configured")}
	}

	result, err := g.breaker(model.Provider).Execute(func() (any, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, AttemptTimeout)
		defer cancel()
		return provider.Generate(attemptCtx, model.ID, req.Prompt, GenerateOptions{
			SystemPrompt: req.SystemPrompt,
			Temperature:  req.Temperature,
			MaxTokens:    req.MaxTokens,
		})
	})
	if err != nil {
		return nil, asProviderError(err, model)
	}
	return result.(*Response), nil
}

// GenerateStream starts a stream on the chain. Fallback happens only
// before the first token reaches the caller; a mid-stream failure is
// surfaced on the channel because partial output was already delivered.
func (g *Gateway) GenerateStream(ctx context.Context, req Request) (<-chan StreamChunk, *Model, error) {
	chain, err := g.catalog.Select(g.requirements(req, true))
	if err != nil {
		return nil, nil, err
	}

	var attempts []*ProviderError
	for i := range chain {
		model := chain[i]
		upstream, perr := g.attemptStream(ctx, model, req)
		if perr != nil {
			attempts = append(attempts, perr)
			if !perr.Kind.Retriable() {
				return nil, nil, perr
			}
			slog.Warn("stream start failed, falling back",
				"provider", model.Provider, "model", model.ID, "kind", perr.Kind.String())
			continue
		}

		out := make(chan StreamChunk)
		go g.pumpStream(ctx, req, model, upstream, out)
		return out, &model, nil
	}
	return nil, nil, &AllProvidersFailed{Attempts: attempts}
}

// attemptStream establishes one provider stream through the circuit
// breaker so establishment failures count against it and an open
// circuit short-circuits the attempt. Only the wait for the first
// response is bounded by AttemptTimeout; the stream itself keeps the
// caller's context.
func (g *Gateway) attemptStream(ctx context.Context, model Model, req Request) (<-chan StreamChunk, *ProviderError) {
	provider, ok := g.providers[model.Provider]
	if !ok {
		return nil, &ProviderError{Provider: model.Provider, Model: model.ID,
			Kind: KindNetwork, Err: fmt.Errorf("provider not configured")}
	}

	result, err := g.breaker(model.Provider).Execute(func() (any, error) {
		type opened struct {
			ch  <-chan StreamChunk
			err error
		}
		done := make(chan opened, 1)
		go func() {
			ch, err := provider.GenerateStream(ctx, model.ID, req.Prompt, GenerateOptions{
				SystemPrompt: req.SystemPrompt,
				Temperature:  req.Temperature,
				MaxTokens:    req.MaxTokens,
			})
			done <- opened{ch: ch, err: err}
		}()

		timer := time.NewTimer(AttemptTimeout)
		defer timer.Stop()
		select {
		case o := <-done:
			if o.err != nil {
				return nil, o.err
			}
			return o.ch, nil
		case <-timer.C:
			return nil, &ProviderError{Provider: model.Provider, Model: model.ID,
				Kind: KindTimeout, Err: fmt.Errorf("stream not established within %s", AttemptTimeout)}
		case <-ctx.Done():
			return nil, &ProviderError{Provider: model.Provider, Model: model.ID,
				Kind: KindTimeout, Err: ctx.Err()}
		}
	})
	if err != nil {
		return nil, asProviderError(err, model)
	}
	return result.(<-chan StreamChunk), nil
}

func (g *Gateway) pumpStream(ctx context.Context, req Request, model Model, upstream <-chan StreamChunk, out chan<- StreamChunk) {
	defer close(out)
	for chunk := range upstream {
		if chunk.Usage != nil {
			g.recordUsage(req, &Response{
				Model:    model.ID,
				Provider: model.Provider,
				Usage:    *chunk.Usage,
			})
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) requirements(req Request, streaming bool) Requirements {
	return Requirements{
		Strategy:       req.Strategy,
		DataClass:      req.DataClass,
		MinContext:     req.MinContext,
		NeedStreaming:  streaming,
		NeedStructured: req.NeedStructured,
	}
}

// recordUsage upserts the billing accumulator without blocking or
// failing the request. A lost row costs a fraction of a cent; a failed
// answer costs a user.
func (g *Gateway) recordUsage(req Request, resp *Response) {
	if g.usage == nil {
		return
	}
	cost := g.costUSD(resp)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := g.usage.Add(ctx, &repository.TokenUsage{
			TenantID:     req.TenantID,
			UserID:       req.UserID,
			Model:        resp.Model,
			Provider:     resp.Provider,
			Month:        time.Now().UTC().Format("2006-01"),
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
			CostUSD:      cost,
		})
		if err != nil {
			slog.Error("failed to record token usage",
				"tenant_id", req.TenantID, "model", resp.Model, "error", err)
		}
	}()
}

func (g *Gateway) costUSD(resp *Response) float64 {
	for _, m := range g.catalog.models {
		if m.ID == resp.Model && m.Provider == resp.Provider {
			return float64(resp.Usage.PromptTokens)/1000*m.CostPer1kInput +
				float64(resp.Usage.CompletionTokens)/1000*m.CostPer1kOutput
		}
	}
	return 0
}

// BreakerState exposes the current circuit state for health reporting.
func (g *Gateway) BreakerState(provider string) gobreaker.State {
	return g.breaker(provider).State()
}

func asProviderError(err error, model Model) *ProviderError {
	if perr, ok := err.(*ProviderError); ok {
		return perr
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return &ProviderError{Provider: model.Provider, Model: model.ID, Kind: KindServerError, Err: err}
	}
	return &ProviderError{Provider: model.Provider, Model: model.ID, Kind: KindUnknown, Err: err}
}
