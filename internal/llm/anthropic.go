package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/rafi-assistant/internal/httpkit"
)

const (
	anthropicAPIURL       = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion   = "2023-06-01"
	DefaultAnthropicModel = "claude-sonnet-4-20250514"
)

// AnthropicConfig configures an [AnthropicClient].
type AnthropicConfig struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int

	// URL overrides the Messages API endpoint. Tests point it at an
	// httptest server.
	URL string

	// Embedder receives Embed calls; Anthropic has no embedding API.
	Embedder Embedder
}

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	cfg        AnthropicConfig
	httpClient *http.Client
	backoff    httpkit.Backoff
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(cfg AnthropicConfig, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultAnthropicModel
	}
	if cfg.URL == "" {
		cfg.URL = anthropicAPIURL
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		cfg:     cfg,
		backoff: httpkit.DefaultBackoff,
		logger:  logger.With("provider", ProviderAnthropic),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

// Model returns the configured chat model.
func (c *AnthropicClient) Model() string { return c.cfg.Model }

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContent
}

type anthropicContent struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"` // for tool_result
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Chat sends a Messages API request and normalizes the response to
// the OpenAI shape.
func (c *AnthropicClient) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, opts ChatOptions) (*ChatResult, error) {
	anthropicMsgs, systemPrompt := convertToAnthropic(messages)
	anthropicTools := convertToolsToAnthropic(tools)

	c.logger.Debug("preparing request",
		"model", c.cfg.Model,
		"messages", len(anthropicMsgs),
		"tools", len(anthropicTools),
		"system_len", len(systemPrompt),
	)

	req := anthropicRequest{
		Model:       c.cfg.Model,
		Messages:    anthropicMsgs,
		System:      systemPrompt,
		MaxTokens:   opts.maxTokens(c.cfg.MaxTokens),
		Temperature: opts.temperature(c.cfg.Temperature),
		Tools:       anthropicTools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	var resp anthropicResponse
	err = c.backoff.Retry(ctx, c.logger, func(ctx context.Context, attempt int) error {
		return c.send(ctx, jsonData, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}

	result := convertFromAnthropic(&resp)
	c.logger.Debug("response received",
		"model", resp.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.ToolCalls),
		"finish_reason", result.FinishReason,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Text())

	return result, nil
}

func (c *AnthropicClient) send(ctx context.Context, body []byte, out *anthropicResponse) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		se := httpkit.NewStatusError(ProviderAnthropic, resp)
		c.logger.Error("API error", "status", se.StatusCode, "body", se.Body)
		return se
	}

	*out = anthropicResponse{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Embed delegates to the configured embedder.
func (c *AnthropicClient) Embed(ctx context.Context, text string) ([]float64, error) {
	if c.cfg.Embedder == nil {
		return nil, ErrNoEmbeddingProvider
	}
	return c.cfg.Embedder.Embed(ctx, text)
}

// Close releases idle connections.
func (c *AnthropicClient) Close() error {
	httpkit.CloseIdle(c.httpClient)
	return nil
}

// convertToAnthropic converts messages to Anthropic format. System
// messages are pulled out and joined into the system prompt.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var systemParts []string
	var result []anthropicMessage

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				result = append(result, anthropicMessage{Role: RoleAssistant, Content: msg.Content})
				continue
			}
			var blocks []anthropicContent
			if msg.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				id := tc.ID
				if id == "" {
					id = "toolu_" + uuid.NewString()
				}
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    id,
					Name:  tc.Function.Name,
					Input: tc.Function.ParsedArguments(),
				})
			}
			result = append(result, anthropicMessage{Role: RoleAssistant, Content: blocks})

		case RoleTool:
			result = append(result, anthropicMessage{
				Role: RoleUser,
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		default:
			result = append(result, anthropicMessage{Role: RoleUser, Content: msg.Content})
		}
	}

	return result, strings.Join(systemParts, "\n\n")
}

// convertToolsToAnthropic maps OpenAI function schemas to Anthropic
// tools; parameters become input_schema.
func convertToolsToAnthropic(tools []ToolDefinition) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}

	result := make([]anthropicTool, 0, len(tools))
	for _, tool := range tools {
		var params any = tool.Function.Parameters
		if tool.Function.Parameters == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, anthropicTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: params,
		})
	}
	return result
}

// convertFromAnthropic converts an Anthropic response to a ChatResult.
func convertFromAnthropic(resp *anthropicResponse) *ChatResult {
	var text strings.Builder
	hasText := false
	toolCalls := []ToolCall{}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
			hasText = true
		case "tool_use":
			input := block.Input
			if input == nil {
				input = map[string]any{}
			}
			args, err := json.Marshal(input)
			if err != nil {
				args = []byte("{}")
			}
			id := block.ID
			if id == "" {
				id = "toolu_" + uuid.NewString()
			}
			toolCalls = append(toolCalls, ToolCall{
				ID:       id,
				Type:     "function",
				Function: FunctionCall{Name: block.Name, Arguments: string(args)},
			})
		}
	}

	result := &ChatResult{
		Role:         RoleAssistant,
		ToolCalls:    toolCalls,
		FinishReason: anthropicFinishReason(resp.StopReason),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	if hasText {
		result.Content = strPtr(text.String())
	}
	return result
}

func anthropicFinishReason(stop string) string {
	switch stop {
	case "tool_use":
		return FinishToolCalls
	case "max_tokens":
		return FinishLength
	case "end_turn", "stop_sequence", "":
		return FinishStop
	default:
		return stop
	}
}
