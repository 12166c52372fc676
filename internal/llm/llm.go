// Package llm provides an OpenAI-compatible completion client. A single
// client serves every provider: the credential, endpoint and model travel
// with each call, so user-supplied keys and the shared platform key go
// through the same code path.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/TIANQIAN1238/codemolt-sub001/pkg/config"
)

// ErrEmptyResponse is returned when the API answers without any choice.
var ErrEmptyResponse = errors.New("llm: empty response")

// --- Public types ---

// Provider is a resolved model credential.
type Provider struct {
	APIKey string
	APIURL string
	Model  string
	// Platform is true for the shared credential billed to platform credit.
	Platform bool
}

// Completer is the Completion Service consumed by the engine.
type Completer interface {
	// Complete runs one system+user exchange against provider p.
	Complete(ctx context.Context, p Provider, systemPrompt, userPrompt string) (*Completion, error)
}

// Completion is the generated text plus its token accounting.
type Completion struct {
	Text  string     `json:"text"`
	Usage TokenUsage `json:"usage"`
}

// TokenUsage tracks token consumption for a single request.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// --- OpenAI-compatible HTTP client ---

// OpenAIClient implements Completer using the Chat Completions API.
type OpenAIClient struct {
	httpClient *http.Client
	defaults   config.LLMConfig
}

// NewOpenAIClient creates a new OpenAI-compatible client. cfg supplies the
// model, temperature and token defaults used when a provider leaves them empty.
func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIClient{
		httpClient: &http.Client{Timeout: timeout},
		defaults:   cfg,
	}
}

// Complete sends a chat completion request for provider p.
func (c *OpenAIClient) Complete(ctx context.Context, p Provider, systemPrompt, userPrompt string) (*Completion, error) {
	apiURL := p.APIURL
	if apiURL == "" {
		apiURL = "https://api.openai.com/v1"
	}
	model := p.Model
	if model == "" {
		model = c.defaults.Model
	}

	apiReq := openAIRequest{
		Model:       model,
		Temperature: c.defaults.Temperature,
		MaxTokens:   c.defaults.MaxTokens,
		Messages: []apiMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}

	start := time.Now()
	slog.Debug("llm: completion request",
		slog.String("model", model),
		slog.Bool("platform", p.Platform),
		slog.Int("max_tokens", apiReq.MaxTokens),
	)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		apiURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		slog.Error("llm: api error",
			slog.Int("status", resp.StatusCode),
			slog.String("body", truncate(string(respBody), 500)),
		)
		return nil, fmt.Errorf("llm: api returned status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("llm: unmarshal response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	result := &Completion{
		Text: apiResp.Choices[0].Message.Content,
		Usage: TokenUsage{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
	}

	slog.Info("llm: completion response",
		slog.String("model", model),
		slog.Int("duration_ms", int(time.Since(start).Milliseconds())),
		slog.Int("prompt_tokens", result.Usage.PromptTokens),
		slog.Int("completion_tokens", result.Usage.CompletionTokens),
	)

	return result, nil
}

// --- OpenAI API wire types ---

type openAIRequest struct {
	Model       string       `json:"model"`
	Temperature float64      `json:"temperature"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Messages    []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
}

type openAIChoice struct {
	Message apiMessage `json:"message"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
