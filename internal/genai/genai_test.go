package genai

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	gemini "google.golang.org/genai"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp       *openai.ChatCompletion
	err        error
	lastParams openai.ChatCompletionNewParams
}

func (m *mockChatService) New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.lastParams = params
	return m.resp, m.err
}

func completion(content string) *openai.ChatCompletion {
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestGenerate_Success(t *testing.T) {
	mock := &mockChatService{resp: completion(`{"bot_reply":"hi"}`)}
	client := &Client{chat: mock, model: "test-model", temperature: 0.7}
	out, err := client.Generate(context.Background(), PromptBundle{System: "sys", User: "usr"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != `{"bot_reply":"hi"}` {
		t.Errorf("unexpected output %q", out)
	}
	if len(mock.lastParams.Messages) != 2 {
		t.Errorf("expected system and user messages, got %d", len(mock.lastParams.Messages))
	}
	if mock.lastParams.Model != "test-model" {
		t.Errorf("expected model test-model, got %q", mock.lastParams.Model)
	}
}

func TestGenerate_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.Generate(context.Background(), PromptBundle{System: "sys", User: "usr"})
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerate_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: &openai.ChatCompletion{}}}
	_, err := client.Generate(context.Background(), PromptBundle{})
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestGenerate_EmptyContent(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: completion("")}}
	_, err := client.Generate(context.Background(), PromptBundle{})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("expected empty response error, got %v", err)
	}
}

func TestGenerate_DebugDump(t *testing.T) {
	dir := t.TempDir()
	client := &Client{
		chat:      &mockChatService{resp: completion("Test response")},
		model:     "test-model",
		debugMode: true,
		stateDir:  dir,
	}
	if _, err := client.Generate(context.Background(), PromptBundle{System: "System prompt", User: "User prompt"}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	files, err := os.ReadDir(filepath.Join(dir, "debug"))
	if err != nil {
		t.Fatalf("Failed to read debug directory: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("Expected one debug file, got %d", len(files))
	}
	data, err := os.ReadFile(filepath.Join(dir, "debug", files[0].Name()))
	if err != nil {
		t.Fatalf("Failed to read debug file: %v", err)
	}
	if !strings.Contains(string(data), "User prompt") || !strings.Contains(string(data), "Test response") {
		t.Errorf("Debug file missing call details: %s", data)
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected missing key error, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-4o"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.model != "gpt-4o" {
		t.Errorf("expected model override, got %q", cli.model)
	}
}

type mockContentGenerator struct {
	resp       *gemini.GenerateContentResponse
	err        error
	lastConfig *gemini.GenerateContentConfig
}

func (m *mockContentGenerator) GenerateContent(ctx context.Context, model string, contents []*gemini.Content, config *gemini.GenerateContentConfig) (*gemini.GenerateContentResponse, error) {
	m.lastConfig = config
	return m.resp, m.err
}

func TestGeminiGenerate(t *testing.T) {
	mock := &mockContentGenerator{resp: &gemini.GenerateContentResponse{
		Candidates: []*gemini.Candidate{{
			Content: gemini.NewContentFromText(`{"bot_reply":"hello"}`, gemini.RoleModel),
		}},
	}}
	g := &GeminiClient{models: mock, model: "gemini-test", temperature: 0.5, jsonMode: true}
	out, err := g.Generate(context.Background(), PromptBundle{System: "sys", User: "usr"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if out != `{"bot_reply":"hello"}` {
		t.Errorf("unexpected output %q", out)
	}
	if mock.lastConfig.ResponseMIMEType != "application/json" {
		t.Errorf("expected JSON mime type, got %q", mock.lastConfig.ResponseMIMEType)
	}
}

func TestGeminiGenerate_NoCandidates(t *testing.T) {
	g := &GeminiClient{models: &mockContentGenerator{resp: &gemini.GenerateContentResponse{}}}
	if _, err := g.Generate(context.Background(), PromptBundle{}); !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices error, got %v", err)
	}
}

func TestNewGeminiClient_NoKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	if _, err := NewGeminiClient(context.Background()); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected missing key error, got %v", err)
	}
}
