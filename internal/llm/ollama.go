package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultOllamaBaseURL is the default local inference endpoint.
const DefaultOllamaBaseURL = "http://localhost:11434"

// OllamaProvider serves generation from a self-hosted Ollama instance.
// It is the only provider eligible for private data.
type OllamaProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaProvider creates the local provider. An empty baseURL uses
// the default endpoint.
func NewOllamaProvider(baseURL string) *OllamaProvider {
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}
	return &OllamaProvider{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (p *OllamaProvider) Name() string { return "local" }

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

// Generate sends a prompt and blocks for the complete response.
func (p *OllamaProvider) Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (*Response, error) {
	req, err := p.buildRequest(ctx, model, prompt, opts, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Model: model, Kind: classifyTransport(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.statusError(resp, model)
	}

	var result ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ProviderError{Provider: p.Name(), Model: model, Kind: KindServerError,
			Err: fmt.Errorf("decoding response: %w", err)}
	}

	return &Response{
		Text:     result.Response,
		Model:    model,
		Provider: p.Name(),
		Usage:    Usage{PromptTokens: result.PromptEvalCount, CompletionTokens: result.EvalCount},
	}, nil
}

// GenerateStream streams newline-delimited JSON chunks from the
// generate API.
func (p *OllamaProvider) GenerateStream(ctx context.Context, model, prompt string, opts GenerateOptions) (<-chan StreamChunk, error) {
	req, err := p.buildRequest(ctx, model, prompt, opts, true)
	if err != nil {
		return nil, err
	}

	// No client timeout while streaming; the context handles cancellation.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Model: model, Kind: classifyTransport(err), Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.statusError(resp, model)
	}

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err != io.EOF {
					chunks <- StreamChunk{Error: fmt.Errorf("reading stream: %w", err), Done: true}
				}
				return
			}

			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}

			var streamResp ollamaResponse
			if err := json.Unmarshal(line, &streamResp); err != nil {
				chunks <- StreamChunk{Error: fmt.Errorf("parsing stream response: %w", err), Done: true}
				return
			}

			chunk := StreamChunk{Token: streamResp.Response, Done: streamResp.Done}
			if streamResp.Done {
				chunk.Usage = &Usage{
					PromptTokens:     streamResp.PromptEvalCount,
					CompletionTokens: streamResp.EvalCount,
				}
			}

			select {
			case <-ctx.Done():
				chunks <- StreamChunk{Error: ctx.Err(), Done: true}
				return
			case chunks <- chunk:
			}

			if streamResp.Done {
				return
			}
		}
	}()

	return chunks, nil
}

func (p *OllamaProvider) statusError(resp *http.Response, model string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &ProviderError{
		Provider: p.Name(),
		Model:    model,
		Kind:     classifyStatus(resp.StatusCode),
		Status:   resp.StatusCode,
		Err:      fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body)),
	}
}

func (p *OllamaProvider) buildRequest(ctx context.Context, model, prompt string, opts GenerateOptions, stream bool) (*http.Request, error) {
	reqBody := ollamaRequest{
		Model:  model,
		Prompt: prompt,
		System: opts.SystemPrompt,
		Stream: stream,
	}

	options := make(map[string]any)
	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if len(options) > 0 {
		reqBody.Options = options
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

var _ Provider = (*OllamaProvider)(nil)
