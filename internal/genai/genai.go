// Package genai provides the language-model oracle used to map check-in turns
// onto questionnaire items. OpenAI and Gemini backends are supported.
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
	"github.com/openai/openai-go/shared"
)

var (
	// ErrNoChoicesReturned is returned when the completion has no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = errors.New("empty response from model")
	// ErrMissingAPIKey is returned when no API key is configured.
	ErrMissingAPIKey = errors.New("API key not set")
)

// Defaults for the OpenAI oracle.
const (
	DefaultOpenAIModel = openai.ChatModelGPT4oMini
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 1024
)

// PromptBundle is the complete input to one oracle call.
type PromptBundle struct {
	System string `json:"system"`
	User   string `json:"user"`
}

// Oracle produces free text for a prompt bundle. The text is expected, but
// not guaranteed, to contain a JSON object.
type Oracle interface {
	Generate(ctx context.Context, bundle PromptBundle) (string, error)
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration options for the oracle clients.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	JSONMode    bool
	DebugMode   bool
	StateDir    string
}

// Option defines a configuration option for the oracle clients.
type Option func(*Opts)

// WithAPIKey sets the provider API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps completion length.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithJSONMode asks the provider to constrain output to a JSON object.
func WithJSONMode(enabled bool) Option {
	return func(o *Opts) { o.JSONMode = enabled }
}

// WithDebugMode writes every call to <stateDir>/debug as JSON.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) { o.DebugMode = enabled }
}

// WithStateDir sets the directory used for debug dumps.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

func buildOpts(opts []Option) Opts {
	cfg := Opts{Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Client is the OpenAI-backed oracle.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int
	jsonMode    bool
	debugMode   bool
	stateDir    string
}

var _ Oracle = (*Client)(nil)

// NewClient initializes an OpenAI oracle, falling back to OPENAI_API_KEY and
// OPENAI_MODEL when options are not given.
func NewClient(opts ...Option) (*Client, error) {
	cfg := buildOpts(opts)
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = os.Getenv("OPENAI_MODEL")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY: %w", ErrMissingAPIKey)
	}

	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client initialized", "provider", "openai", "model", cfg.Model, "debug", cfg.DebugMode)
	return &Client{
		chat:        &cli.Chat.Completions,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		jsonMode:    cfg.JSONMode,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// Generate sends the bundle as a system and user message pair.
func (c *Client) Generate(ctx context.Context, bundle PromptBundle) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(bundle.System),
			openai.UserMessage(bundle.User),
		},
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(c.maxTokens))
	}
	if c.jsonMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	start := time.Now()
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Error("Client.Generate: chat completion failed", "model", c.model, "error", err)
		c.writeDebug(bundle, "", err, time.Since(start))
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		c.writeDebug(bundle, "", ErrNoChoicesReturned, time.Since(start))
		return "", ErrNoChoicesReturned
	}
	content := resp.Choices[0].Message.Content
	c.writeDebug(bundle, content, nil, time.Since(start))
	if content == "" {
		return "", ErrEmptyResponse
	}
	slog.Debug("Client.Generate: completion received", "model", c.model, "chars", len(content), "elapsed", time.Since(start))
	return content, nil
}

type debugRecord struct {
	Timestamp time.Time    `json:"timestamp"`
	Model     string       `json:"model"`
	Bundle    PromptBundle `json:"bundle"`
	Response  string       `json:"response,omitempty"`
	Error     string       `json:"error,omitempty"`
	ElapsedMS int64        `json:"elapsed_ms"`
}

// writeDebug dumps one call to the debug directory. Failures are logged only.
func (c *Client) writeDebug(bundle PromptBundle, response string, callErr error, elapsed time.Duration) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("Client.writeDebug: failed to create debug dir", "dir", dir, "error", err)
		return
	}
	rec := debugRecord{
		Timestamp: time.Now().UTC(),
		Model:     c.model,
		Bundle:    bundle,
		Response:  response,
		ElapsedMS: elapsed.Milliseconds(),
	}
	if callErr != nil {
		rec.Error = callErr.Error()
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		slog.Warn("Client.writeDebug: marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("oracle_%s.json", rec.Timestamp.Format("20060102T150405.000000000"))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		slog.Warn("Client.writeDebug: write failed", "error", err)
	}
}
