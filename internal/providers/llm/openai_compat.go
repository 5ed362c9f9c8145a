package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	MistralBaseURL = "https://api.mistral.ai/v1"
	GroqBaseURL    = "https://api.groq.com/openai/v1"

	DefaultMistralModel = "mistral-large-latest"
	DefaultGroqModel    = "llama-3.3-70b-versatile"
)

// OpenAICompat talks to any /chat/completions endpoint in the OpenAI
// shape (Mistral, Groq and friends).
type OpenAICompat struct {
	name       string
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

type CompatOption func(*OpenAICompat)

func WithAPIKey(key string) CompatOption {
	return func(c *OpenAICompat) { c.apiKey = key }
}

func WithBaseURL(url string) CompatOption {
	return func(c *OpenAICompat) { c.baseURL = strings.TrimSuffix(url, "/") }
}

func WithModel(model string) CompatOption {
	return func(c *OpenAICompat) {
		if model != "" {
			c.model = model
		}
	}
}

func WithHTTPClient(hc *http.Client) CompatOption {
	return func(c *OpenAICompat) { c.httpClient = hc }
}

func NewOpenAICompat(name string, opts ...CompatOption) *OpenAICompat {
	c := &OpenAICompat{name: name, httpClient: http.DefaultClient}
	for _, o := range opts {
		o(c)
	}
	return c
}

func NewMistral(apiKey, model string, opts ...CompatOption) *OpenAICompat {
	base := []CompatOption{WithAPIKey(apiKey), WithBaseURL(MistralBaseURL), WithModel(DefaultMistralModel), WithModel(model)}
	return NewOpenAICompat("mistral", append(base, opts...)...)
}

func NewGroq(apiKey, model string, opts ...CompatOption) *OpenAICompat {
	base := []CompatOption{WithAPIKey(apiKey), WithBaseURL(GroqBaseURL), WithModel(DefaultGroqModel), WithModel(model)}
	return NewOpenAICompat("groq", append(base, opts...)...)
}

func (c *OpenAICompat) ID() string { return c.name + "/" + c.model }

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *OpenAICompat) Complete(ctx context.Context, req Request) (Completion, error) {
	msgs := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, req.Messages...)

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Completion{}, &ProviderError{Provider: c.ID(), Kind: KindTimeout, Err: err}
		}
		return Completion{}, &ProviderError{Provider: c.ID(), Kind: KindStatus, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Completion{}, &ProviderError{Provider: c.ID(), Kind: KindMalformed, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return Completion{}, &ProviderError{
			Provider: c.ID(),
			Kind:     KindStatus,
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("unexpected status: %s", truncate(string(data), 200)),
		}
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return Completion{}, &ProviderError{Provider: c.ID(), Kind: KindMalformed, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return Completion{}, &ProviderError{Provider: c.ID(), Kind: KindMalformed, Err: errEmptyCompletion}
	}
	return Completion{Text: strings.TrimSpace(out.Choices[0].Message.Content)}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
