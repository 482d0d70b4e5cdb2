package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/rafi-assistant/internal/httpkit"
)

// Defaults for OpenAI-compatible backends.
const (
	DefaultOpenAIBaseURL      = "https://api.openai.com/v1"
	DefaultOpenAIModel        = "gpt-4o"
	DefaultEmbeddingModel     = "text-embedding-3-small"
	DefaultTemperature        = 0.7
	DefaultMaxTokens          = 4096
	GroqBaseURL               = "https://api.groq.com/openai/v1"
	DefaultGroqModel          = "llama-3.3-70b-versatile"
	GeminiBaseURL             = "https://generativelanguage.googleapis.com/v1beta/openai"
	DefaultGeminiModel        = "gemini-2.0-flash"
	contextLengthExceededCode = "context_length_exceeded"
)

// OpenAIConfig configures an [OpenAIClient].
type OpenAIConfig struct {
	// Name is the canonical provider name used in logs and errors.
	Name           string
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Temperature    float64
	MaxTokens      int

	// Embedder, when set, receives Embed calls instead of the
	// backend's own /embeddings endpoint.
	Embedder Embedder

	// NoNativeEmbeddings marks backends without a usable /embeddings
	// endpoint. With no Embedder, Embed returns ErrNoEmbeddingProvider.
	NoNativeEmbeddings bool
}

// OpenAIClient talks to any OpenAI-compatible /chat/completions API.
// Groq and Gemini are served through it with their own base URLs.
type OpenAIClient struct {
	cfg        OpenAIConfig
	httpClient *http.Client
	backoff    httpkit.Backoff
	logger     *slog.Logger
}

// NewOpenAIClient creates a client. Zero-valued fields in cfg take the
// OpenAI defaults.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = ProviderOpenAI
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	// Completions with long prompts can take a while before headers
	// arrive.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &OpenAIClient{
		cfg:     cfg,
		backoff: httpkit.DefaultBackoff,
		logger:  logger.With("provider", cfg.Name),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// NewGroqClient returns an OpenAI-compatible client for Groq.
// Embeddings go to embedder.
func NewGroqClient(apiKey, model string, embedder Embedder, logger *slog.Logger) *OpenAIClient {
	if model == "" {
		model = DefaultGroqModel
	}
	return NewOpenAIClient(OpenAIConfig{
		Name:               ProviderGroq,
		APIKey:             apiKey,
		BaseURL:            GroqBaseURL,
		Model:              model,
		Embedder:           embedder,
		NoNativeEmbeddings: true,
	}, logger)
}

// NewGeminiClient returns an OpenAI-compatible client for Gemini.
// Embeddings go to embedder.
func NewGeminiClient(apiKey, model string, embedder Embedder, logger *slog.Logger) *OpenAIClient {
	if model == "" {
		model = DefaultGeminiModel
	}
	return NewOpenAIClient(OpenAIConfig{
		Name:               ProviderGemini,
		APIKey:             apiKey,
		BaseURL:            GeminiBaseURL,
		Model:              model,
		Embedder:           embedder,
		NoNativeEmbeddings: true,
	}, logger)
}

// Model returns the configured chat model.
func (c *OpenAIClient) Model() string { return c.cfg.Model }

type openaiChatRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  string           `json:"tool_choice,omitempty"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
}

type openaiChatResponse struct {
	Choices []struct {
		Message struct {
			Role      string     `json:"role"`
			Content   *string    `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type openaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Chat sends a chat completion request. Rate limits, server errors and
// timeouts are retried with exponential backoff. When the backend
// reports the context window is exceeded, the older half of the
// non-system history is dropped and the request is retried.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, opts ChatOptions) (*ChatResult, error) {
	msgs := messages
	var result *ChatResult

	err := c.backoff.Retry(ctx, c.logger, func(ctx context.Context, attempt int) error {
		r, err := c.chatOnce(ctx, msgs, tools, opts)
		if err == nil {
			result = r
			return nil
		}
		if isContextLengthError(err) {
			trimmed := trimHistory(msgs)
			if len(trimmed) < len(msgs) {
				c.logger.Warn("context length exceeded, trimming history",
					"before", len(msgs),
					"after", len(trimmed),
				)
				msgs = trimmed
				return httpkit.RetryImmediately(err)
			}
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s chat: %w", c.cfg.Name, err)
	}
	return result, nil
}

func (c *OpenAIClient) chatOnce(ctx context.Context, messages []Message, tools []ToolDefinition, opts ChatOptions) (*ChatResult, error) {
	req := openaiChatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Tools:       tools,
		Temperature: opts.temperature(c.cfg.Temperature),
		MaxTokens:   opts.maxTokens(c.cfg.MaxTokens),
	}
	if len(tools) > 0 {
		req.ToolChoice = "auto"
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(messages),
		"tools", len(tools),
	)

	var resp openaiChatResponse
	if err := c.post(ctx, "/chat/completions", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("response contained no choices")
	}

	choice := resp.Choices[0]
	calls := choice.Message.ToolCalls
	if calls == nil {
		calls = []ToolCall{}
	}
	for i := range calls {
		if calls[i].Type == "" {
			calls[i].Type = "function"
		}
	}
	finish := choice.FinishReason
	if finish == "" {
		finish = FinishStop
	}

	result := &ChatResult{
		Role:         RoleAssistant,
		Content:      choice.Message.Content,
		ToolCalls:    calls,
		FinishReason: finish,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}

	c.logger.Debug("response received",
		"model", req.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.ToolCalls),
		"finish_reason", result.FinishReason,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Text())

	return result, nil
}

type openaiEmbeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openaiEmbeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding of text, delegating when the backend has
// no native embedding endpoint.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float64, error) {
	if c.cfg.Embedder != nil {
		return c.cfg.Embedder.Embed(ctx, text)
	}
	if c.cfg.NoNativeEmbeddings {
		return nil, ErrNoEmbeddingProvider
	}

	var vec []float64
	err := c.backoff.Retry(ctx, c.logger, func(ctx context.Context, attempt int) error {
		var resp openaiEmbeddingResponse
		if err := c.post(ctx, "/embeddings", openaiEmbeddingRequest{Model: c.cfg.EmbeddingModel, Input: text}, &resp); err != nil {
			return err
		}
		if len(resp.Data) == 0 {
			return errors.New("embedding response contained no data")
		}
		vec = resp.Data[0].Embedding
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s embed: %w", c.cfg.Name, err)
	}
	return vec, nil
}

// Close releases idle connections.
func (c *OpenAIClient) Close() error {
	httpkit.CloseIdle(c.httpClient)
	return nil
}

func (c *OpenAIClient) post(ctx context.Context, path string, body, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "path", path, "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		se := httpkit.NewStatusError(c.cfg.Name, resp)
		c.logger.Error("API error", "status", se.StatusCode, "body", se.Body)
		return se
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// isContextLengthError reports whether err is a 400 whose body carries
// the context_length_exceeded code.
func isContextLengthError(err error) bool {
	var se *httpkit.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadRequest {
		return false
	}
	var body openaiErrorResponse
	if json.Unmarshal([]byte(se.Body), &body) == nil && body.Error.Code == contextLengthExceededCode {
		return true
	}
	return strings.Contains(se.Body, contextLengthExceededCode)
}

// trimHistory keeps every system message and the newer half of the
// rest. Tool results orphaned at the head of the kept half are dropped
// since they no longer follow their assistant call.
func trimHistory(messages []Message) []Message {
	var system, rest []Message
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	if len(rest) <= 1 {
		return messages
	}

	kept := rest[len(rest)/2:]
	for len(kept) > 1 && kept[0].Role == RoleTool {
		kept = kept[1:]
	}

	out := make([]Message, 0, len(system)+len(kept))
	out = append(out, system...)
	return append(out, kept...)
}
