// Package genai wraps the OpenAI chat completion API used to draft replies to leads.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Defaults for the chat completion requests. No completion length cap is sent unless
// WithMaxTokens is given.
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.7
)

var (
	// ErrNoAPIKey is returned by NewClient when no API key is configured.
	ErrNoAPIKey = errors.New("OpenAI API key not set")
	// ErrNoChoicesReturned is returned when the completion carries no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
)

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	DebugMode   bool
	StateDir    string
}

// Option configures a Client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps the completion length; zero leaves it to the model.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithDebugMode writes every request and response as JSON under <stateDir>/debug.
func WithDebugMode(enabled bool, stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
		o.StateDir = stateDir
	}
}

// Client generates chat completions.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int
	debugMode   bool
	stateDir    string
}

// NewClient initializes a GenAI client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel, Temperature: DefaultTemperature}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "temperature", cfg.Temperature, "debug", cfg.DebugMode)
	return &Client{
		chat:        &cli.Chat.Completions,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// Model returns the configured chat model.
func (c *Client) Model() string {
	return c.model
}

// GenerateWithMessages sends a prepared message list and returns the first choice.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(c.maxTokens))
	}

	start := time.Now()
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Error("Client.GenerateWithMessages: completion failed", "model", c.model, "error", err)
		c.writeDebugLog("GenerateWithMessages", params, nil, err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	c.writeDebugLog("GenerateWithMessages", params, resp, nil)
	if len(resp.Choices) == 0 {
		slog.Warn("Client.GenerateWithMessages: no choices returned", "model", c.model)
		return "", ErrNoChoicesReturned
	}
	slog.Debug("Client.GenerateWithMessages: completion received", "model", c.model,
		"messages", len(messages), "duration", time.Since(start))
	return resp.Choices[0].Message.Content, nil
}

type debugEntry struct {
	Timestamp time.Time                      `json:"timestamp"`
	Method    string                         `json:"method"`
	Model     string                         `json:"model"`
	Params    openai.ChatCompletionNewParams `json:"params"`
	Response  *openai.ChatCompletion         `json:"response"`
	Error     string                         `json:"error,omitempty"`
}

func (c *Client) writeDebugLog(method string, params openai.ChatCompletionNewParams, resp *openai.ChatCompletion, callErr error) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("Client.writeDebugLog: failed to create debug directory", "dir", dir, "error", err)
		return
	}
	entry := debugEntry{Timestamp: time.Now(), Method: method, Model: c.model, Params: params, Response: resp}
	if callErr != nil {
		entry.Error = callErr.Error()
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("Client.writeDebugLog: failed to marshal debug entry", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.json", time.Now().Format("20060102T150405.000000000"), method)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		slog.Warn("Client.writeDebugLog: failed to write debug file", "error", err)
	}
}
