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

// OpenAIConfig configures an OpenAI-compatible chat completions
// endpoint. Azure OpenAI deployments use the same wire shape behind a
// different base URL and auth header.
type OpenAIConfig struct {
	Name    string // provider name in the catalogue ("openai", "azure")
	BaseURL string
	APIKey  string

	// AzureAuth sends the key as api-key instead of a bearer token.
	AzureAuth bool
}

// OpenAIProvider speaks the chat completions API.
type OpenAIProvider struct {
	cfg        OpenAIConfig
	httpClient *http.Client
}

// NewOpenAIProvider creates a hosted provider from config.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &OpenAIProvider{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (p *OpenAIProvider) Name() string { return p.cfg.Name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate performs a blocking chat completion.
func (p *OpenAIProvider) Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (*Response, error) {
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

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ProviderError{Provider: p.Name(), Model: model, Kind: KindServerError,
			Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(result.Choices) == 0 {
		return nil, &ProviderError{Provider: p.Name(), Model: model, Kind: KindServerError,
			Err: fmt.Errorf("response contained no choices")}
	}

	return &Response{
		Text:     result.Choices[0].Message.Content,
		Model:    model,
		Provider: p.Name(),
		Usage: Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
		},
	}, nil
}

// GenerateStream streams server-sent events from the chat completions
// API.
func (p *OpenAIProvider) GenerateStream(ctx context.Context, model, prompt string, opts GenerateOptions) (<-chan StreamChunk, error) {
	req, err := p.buildRequest(ctx, model, prompt, opts, true)
	if err != nil {
		return nil, err
	}

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

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				select {
				case chunks <- StreamChunk{Done: true}:
				case <-ctx.Done():
				}
				return
			}

			var event chatResponse
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				chunks <- StreamChunk{Error: fmt.Errorf("parsing stream event: %w", err), Done: true}
				return
			}
			if len(event.Choices) == 0 {
				continue
			}

			select {
			case chunks <- StreamChunk{Token: event.Choices[0].Delta.Content}:
			case <-ctx.Done():
				chunks <- StreamChunk{Error: ctx.Err(), Done: true}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			chunks <- StreamChunk{Error: fmt.Errorf("reading stream: %w", err), Done: true}
		}
	}()

	return chunks, nil
}

func (p *OpenAIProvider) statusError(resp *http.Response, model string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &ProviderError{
		Provider: p.Name(),
		Model:    model,
		Kind:     classifyStatus(resp.StatusCode),
		Status:   resp.StatusCode,
		Err:      fmt.Errorf("chat completions error (status %d): %s", resp.StatusCode, string(body)),
	}
}

func (p *OpenAIProvider) buildRequest(ctx context.Context, model, prompt string, opts GenerateOptions, stream bool) (*http.Request, error) {
	messages := make([]chatMessage, 0, 2)
	if opts.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: opts.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.AzureAuth {
		req.Header.Set("api-key", p.cfg.APIKey)
	} else {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	return req, nil
}

var _ Provider = (*OpenAIProvider)(nil)
