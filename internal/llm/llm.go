// Package llm routes generation requests across language model
// providers with cost and latency aware model selection, circuit
// breaking and ordered fallback.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// GenerateOptions configures one generation request.
type GenerateOptions struct {
	// SystemPrompt sets the system-level instructions for the model.
	SystemPrompt string

	// Temperature controls randomness (0.0 = deterministic).
	Temperature float32

	// MaxTokens limits the response length. Zero means provider default.
	MaxTokens int
}

// Usage is the token accounting a provider reports for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response is one complete generation.
type Response struct {
	Text     string
	Model    string
	Provider string
	Usage    Usage
}

// StreamChunk is a single fragment of a streamed response.
type StreamChunk struct {
	// Token contains the generated text fragment.
	Token string

	// Done marks the final chunk. Usage is populated only on it.
	Done  bool
	Usage *Usage

	// Error carries a mid-stream failure; the channel closes after.
	Error error
}

// Provider is one language model backend.
type Provider interface {
	// Name identifies the provider ("openai", "azure", "local").
	Name() string

	// Generate blocks until the full response is received.
	Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (*Response, error)

	// GenerateStream returns a channel of response chunks. The channel
	// is closed when generation completes or fails; callers check
	// StreamChunk.Error and StreamChunk.Done.
	GenerateStream(ctx context.Context, model, prompt string, opts GenerateOptions) (<-chan StreamChunk, error)
}

// ErrorKind classifies a provider failure for the fallback decision.
// Classification is structural, never string matching on messages.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindRateLimit
	KindServerError
	KindTimeout
	KindNetwork
	KindAuth
	KindBadRequest
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindServerError:
		return "server_error"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindBadRequest:
		return "bad_request"
	}
	return "unknown"
}

// Retriable reports whether a failure of this kind should move the
// request to the next provider in the chain. Auth and request shape
// problems would fail identically everywhere.
func (k ErrorKind) Retriable() bool {
	switch k {
	case KindRateLimit, KindServerError, KindTimeout, KindNetwork:
		return true
	}
	return false
}

// ProviderError is a classified failure from one provider attempt.
type ProviderError struct {
	Provider string
	Model    string
	Kind     ErrorKind
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s/%s: %s: %v", e.Provider, e.Model, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindServerError
	case status >= 400:
		return KindBadRequest
	}
	return KindUnknown
}

// classifyTransport maps a transport-level error to an error kind.
func classifyTransport(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindNetwork
}

// AllProvidersFailed reports that every provider in the fallback chain
// was attempted and failed.
type AllProvidersFailed struct {
	Attempts []*ProviderError
}

func (e *AllProvidersFailed) Error() string {
	msg := "all providers failed"
	for _, a := range e.Attempts {
		msg += "; " + a.Error()
	}
	return msg
}
