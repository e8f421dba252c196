package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	gemini "google.golang.org/genai"
)

// DefaultGeminiModel is used when GEMINI_MODEL is not set.
const DefaultGeminiModel = "gemini-2.5-flash"

// contentGenerator is the slice of the Gemini models service we use.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*gemini.Content, config *gemini.GenerateContentConfig) (*gemini.GenerateContentResponse, error)
}

// GeminiClient is the Gemini-backed oracle.
type GeminiClient struct {
	models      contentGenerator
	model       string
	temperature float64
	maxTokens   int
	jsonMode    bool
}

var _ Oracle = (*GeminiClient)(nil)

// NewGeminiClient initializes a Gemini oracle, falling back to GEMINI_API_KEY
// and GEMINI_MODEL when options are not given.
func NewGeminiClient(ctx context.Context, opts ...Option) (*GeminiClient, error) {
	cfg := buildOpts(opts)
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.Model == "" {
		cfg.Model = os.Getenv("GEMINI_MODEL")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY: %w", ErrMissingAPIKey)
	}

	client, err := gemini.NewClient(ctx, &gemini.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: gemini.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	slog.Debug("GenAI client initialized", "provider", "gemini", "model", cfg.Model)
	return &GeminiClient{
		models:      client.Models,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		jsonMode:    cfg.JSONMode,
	}, nil
}

// Generate sends the bundle with the system prompt as system instruction.
func (g *GeminiClient) Generate(ctx context.Context, bundle PromptBundle) (string, error) {
	config := &gemini.GenerateContentConfig{
		SystemInstruction: gemini.NewContentFromText(bundle.System, gemini.RoleUser),
		Temperature:       gemini.Ptr(float32(g.temperature)),
	}
	if g.maxTokens > 0 {
		config.MaxOutputTokens = int32(g.maxTokens)
	}
	if g.jsonMode {
		config.ResponseMIMEType = "application/json"
	}

	resp, err := g.models.GenerateContent(ctx, g.model, gemini.Text(bundle.User), config)
	if err != nil {
		slog.Error("GeminiClient.Generate: generate content failed", "model", g.model, "error", err)
		return "", fmt.Errorf("gemini generate content: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", ErrNoChoicesReturned
	}
	text := resp.Text()
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
