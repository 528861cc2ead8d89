// Package genai wraps the OpenAI chat completions API for FormPipe's conversational strategies.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used when no model is configured.
const DefaultModel = openai.ChatModelGPT4oMini

var (
	// ErrNoChoicesReturned is returned when the API responds without any choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrMissingAPIKey is returned by NewClient when no API key is configured.
	ErrMissingAPIKey = errors.New("OpenAI API key not set")
)

// ClientInterface is the model runtime consumed by the conversation strategies.
type ClientInterface interface {
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
	GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error)
}

// FunctionCall is the function part of a tool call.
type FunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// ToolCallResponse holds the assistant text and any tool calls of one completion.
type ToolCallResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client wraps the OpenAI ChatCompletion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int64
	debugMode   bool
	stateDir    string
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int64
	DebugMode   bool
	StateDir    string
}

// Option configures a Client.
type Option func(*Opts)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps completion length.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithDebugMode writes every request and response under <stateDir>/debug.
func WithDebugMode(enabled bool, stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
		o.StateDir = stateDir
	}
}

// NewClient creates a client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Temperature: 0.3}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		slog.Error("genai.NewClient: API key not set")
		return nil, ErrMissingAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = string(DefaultModel)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "base_url_set", cfg.BaseURL != "", "debug", cfg.DebugMode)

	return &Client{
		chat:        &cli.Chat.Completions,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

func (c *Client) params(messages []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	p := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		p.MaxTokens = openai.Int(c.maxTokens)
	}
	return p
}

func (c *Client) complete(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletionMessage, error) {
	start := time.Now()
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Warn("genai.Client: completion failed", "error", err, "model", c.model, "elapsed", time.Since(start))
		return nil, err
	}
	c.writeDebug(params, resp)
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoicesReturned
	}
	slog.Debug("genai.Client: completion succeeded", "model", c.model, "elapsed", time.Since(start),
		"tool_calls", len(resp.Choices[0].Message.ToolCalls))
	return &resp.Choices[0].Message, nil
}

// GenerateWithMessages returns the assistant text for a conversation.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	msg, err := c.complete(ctx, c.params(messages))
	if err != nil {
		return "", err
	}
	return msg.Content, nil
}

// GenerateWithTools runs one completion with the given tools available.
func (c *Client) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error) {
	params := c.params(messages)
	params.Tools = tools
	msg, err := c.complete(ctx, params)
	if err != nil {
		return nil, err
	}

	out := &ToolCallResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:   tc.ID,
			Type: string(tc.Type),
			Function: FunctionCall{
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			},
		})
	}
	return out, nil
}

func (c *Client) writeDebug(params openai.ChatCompletionNewParams, resp *openai.ChatCompletion) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("genai.Client: failed to create debug dir", "error", err, "dir", dir)
		return
	}
	record := map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339Nano),
		"model":     c.model,
		"request":   params,
		"response":  resp,
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		slog.Warn("genai.Client: failed to marshal debug record", "error", err)
		return
	}
	name := filepath.Join(dir, fmt.Sprintf("genai_%d.json", time.Now().UnixNano()))
	if err := os.WriteFile(name, data, 0644); err != nil {
		slog.Warn("genai.Client: failed to write debug record", "error", err, "file", name)
	}
}

// ErrMalformedToolCall marks tool arguments the model produced that could not be decoded.
var ErrMalformedToolCall = errors.New("malformed tool call")

// IsTransient reports whether err is worth retrying: timeouts, rate limits,
// server errors and malformed tool calls.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrMalformedToolCall) || errors.Is(err, ErrNoChoicesReturned) {
		return true
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 408 || apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"tool_use_failed", "rate_limit", "429", "timeout"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
