package anyllm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/modelgate/modelgate/pkg/provider"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newOllamaAdapter builds a keyless local-backend adapter for offline tests.
func newOllamaAdapter(t *testing.T, opts ...Option) *Adapter {
	t.Helper()
	opts = append(opts, WithLogger(discardLogger()))
	a, err := New("ollama", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

// ── buildParams ───────────────────────────────────────────────────────────────

// TestBuildParams_Roles checks the role mapping and content flattening.
func TestBuildParams_Roles(t *testing.T) {
	req := &provider.ChatRequest{
		Model: "llama3",
		Messages: []provider.ChatMessage{
			provider.TextMessage("developer", "Be terse."),
			provider.TextMessage("user", "Hi"),
			{Role: "tool", Content: json.RawMessage(`"sunny"`), Name: "get_weather", ToolCallID: "call_1"},
		},
	}

	params := buildParams(req)

	if params.Model != "llama3" {
		t.Errorf("expected model llama3, got %q", params.Model)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != "system" {
		t.Errorf("expected developer renamed to system, got %q", params.Messages[0].Role)
	}
	if params.Messages[0].ContentString() != "Be terse." {
		t.Errorf("unexpected system content: %q", params.Messages[0].ContentString())
	}
	if params.Messages[1].Role != "user" || params.Messages[1].ContentString() != "Hi" {
		t.Errorf("unexpected user message: %+v", params.Messages[1])
	}
	last := params.Messages[2]
	if last.Role != "tool" || last.ToolCallID != "call_1" || last.Name != "get_weather" {
		t.Errorf("unexpected tool message: %+v", last)
	}
	if last.ContentString() != "sunny" {
		t.Errorf("expected tool content sunny, got %q", last.ContentString())
	}
}

// TestBuildParams_AssistantToolCalls checks tool call decoding onto backend messages.
func TestBuildParams_AssistantToolCalls(t *testing.T) {
	req := &provider.ChatRequest{
		Model: "llama3",
		Messages: []provider.ChatMessage{
			{
				Role:      "assistant",
				ToolCalls: json.RawMessage(`[{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"Berlin\"}"}}]`),
			},
		},
	}

	params := buildParams(req)

	if len(params.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(params.Messages))
	}
	calls := params.Messages[0].ToolCalls
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	if calls[0].ID != "call_1" {
		t.Errorf("expected ID call_1, got %q", calls[0].ID)
	}
	if calls[0].Function.Name != "get_weather" {
		t.Errorf("expected function get_weather, got %q", calls[0].Function.Name)
	}
	if calls[0].Function.Arguments != `{"city":"Berlin"}` {
		t.Errorf("unexpected arguments: %q", calls[0].Function.Arguments)
	}
}

// TestBuildParams_Sampling checks temperature and max token passthrough.
func TestBuildParams_Sampling(t *testing.T) {
	temp := 0.7
	req := &provider.ChatRequest{
		Model:       "llama3",
		Messages:    []provider.ChatMessage{provider.TextMessage("user", "Hi")},
		Temperature: &temp,
		MaxTokens:   128,
	}

	params := buildParams(req)

	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("expected temperature 0.7, got %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 128 {
		t.Errorf("expected max tokens 128, got %v", params.MaxTokens)
	}

	bare := buildParams(&provider.ChatRequest{
		Model:    "llama3",
		Messages: []provider.ChatMessage{provider.TextMessage("user", "Hi")},
	})
	if bare.Temperature != nil || bare.MaxTokens != nil {
		t.Errorf("expected unset sampling fields, got temp=%v max=%v", bare.Temperature, bare.MaxTokens)
	}
}

// TestBuildParams_Tools checks that function tools pass and other types drop.
func TestBuildParams_Tools(t *testing.T) {
	req := &provider.ChatRequest{
		Model:    "llama3",
		Messages: []provider.ChatMessage{provider.TextMessage("user", "Hi")},
		Tools: json.RawMessage(`[
			{"type":"function","function":{"name":"get_weather","description":"weather lookup","parameters":{"type":"object"}}},
			{"type":"web_search"}
		]`),
	}

	params := buildParams(req)

	if len(params.Tools) != 1 {
		t.Fatalf("expected 1 tool (non-function dropped), got %d", len(params.Tools))
	}
	tool := params.Tools[0]
	if tool.Function.Name != "get_weather" {
		t.Errorf("expected tool get_weather, got %q", tool.Function.Name)
	}
	if tool.Function.Description != "weather lookup" {
		t.Errorf("unexpected description: %q", tool.Function.Description)
	}
	if tool.Function.Parameters["type"] != "object" {
		t.Errorf("unexpected parameters: %v", tool.Function.Parameters)
	}
}

// ── Constructor ───────────────────────────────────────────────────────────────

// TestNew_EmptyBackend checks that an empty backend name returns an error.
func TestNew_EmptyBackend(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty backend name")
	}
}

// TestNew_UnsupportedBackend checks the unknown-backend error.
func TestNew_UnsupportedBackend(t *testing.T) {
	_, err := New("fakecloud", WithAPIKey("dummy"))
	if err == nil {
		t.Fatal("expected error for unsupported backend")
	}
}

// TestNew_OllamaNoKey checks that a local backend constructs without a key.
func TestNew_OllamaNoKey(t *testing.T) {
	a := newOllamaAdapter(t)
	if a.Name() != "ollama" {
		t.Errorf("expected name ollama, got %q", a.Name())
	}
	if models := a.SupportedModels(); len(models) != 0 {
		t.Errorf("expected empty catalog for ollama, got %d models", len(models))
	}
}

// TestNew_AnthropicDefaultCatalog checks the built-in anthropic catalog.
func TestNew_AnthropicDefaultCatalog(t *testing.T) {
	a, err := New("anthropic", WithAPIKey("sk-ant-test"), WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	models := a.SupportedModels()
	if len(models) == 0 {
		t.Fatal("expected built-in anthropic catalog")
	}
	var sonnet *provider.ModelDescriptor
	for i := range models {
		if models[i].ID == "claude-sonnet-4-20250514" {
			sonnet = &models[i]
		}
	}
	if sonnet == nil {
		t.Fatal("expected claude-sonnet-4-20250514 in the catalog")
	}
	if sonnet.Provider != "anthropic" {
		t.Errorf("expected provider anthropic, got %q", sonnet.Provider)
	}
	if sonnet.Type != provider.ModelTypeCompletion {
		t.Errorf("expected completion type, got %q", sonnet.Type)
	}
	ci := a.CostInfo("claude-sonnet-4-20250514")
	if ci == nil || ci.InputCost != 0.003 {
		t.Errorf("unexpected cost info: %+v", ci)
	}
}

// TestNew_NameAndCatalogOverride checks WithName and WithModels.
func TestNew_NameAndCatalogOverride(t *testing.T) {
	custom := []provider.ModelDescriptor{{
		ID:       "my-model",
		Provider: "claude",
		Type:     provider.ModelTypeCompletion,
		Costs:    &provider.CostInfo{InputCost: 1, OutputCost: 2, Currency: "USD", Unit: "1M tokens"},
	}}
	a, err := New("anthropic",
		WithName("claude"),
		WithAPIKey("sk-ant-test"),
		WithModels(custom),
		WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if a.Name() != "claude" {
		t.Errorf("expected name claude, got %q", a.Name())
	}
	models := a.SupportedModels()
	if len(models) != 1 || models[0].ID != "my-model" {
		t.Fatalf("expected the override catalog, got %+v", models)
	}
	if ci := a.CostInfo("my-model"); ci == nil || ci.OutputCost != 2 {
		t.Errorf("unexpected cost info: %+v", ci)
	}
	if ci := a.CostInfo("claude-sonnet-4-20250514"); ci != nil {
		t.Errorf("expected no costs for replaced default model, got %+v", ci)
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

// TestHealthCheck_Passive checks the passive healthy report.
func TestHealthCheck_Passive(t *testing.T) {
	a := newOllamaAdapter(t)

	report, err := a.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if report.State != provider.HealthHealthy {
		t.Errorf("expected healthy, got %q", report.State)
	}
	if report.Details["probe"] != "passive" {
		t.Errorf("expected passive probe marker, got %v", report.Details)
	}
}

// TestHealthCheck_DegradedAfterFailures checks the success-rate threshold.
func TestHealthCheck_DegradedAfterFailures(t *testing.T) {
	a := newOllamaAdapter(t)
	for i := 0; i < 4; i++ {
		a.metrics.Record(time.Millisecond, false)
	}
	a.metrics.Record(time.Millisecond, true)

	report, err := a.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if report.State != provider.HealthDegraded {
		t.Errorf("expected degraded at 20%% success, got %q", report.State)
	}
}

// TestDestroy_GuardsCalls checks that a destroyed adapter refuses work.
func TestDestroy_GuardsCalls(t *testing.T) {
	a := newOllamaAdapter(t)
	if err := a.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	report, err := a.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if report.State != provider.HealthDestroyed {
		t.Errorf("expected destroyed state, got %q", report.State)
	}

	req := &provider.ChatRequest{
		Model:    "llama3",
		Messages: []provider.ChatMessage{provider.TextMessage("user", "Hi")},
	}
	if _, err := a.ChatCompletion(context.Background(), req); err == nil {
		t.Fatal("expected error from destroyed adapter")
	}
	if _, err := a.StreamChatCompletion(context.Background(), req); err == nil {
		t.Fatal("expected stream error from destroyed adapter")
	}
}

// TestChatCompletion_InvalidRequest checks that validation runs before any
// backend call.
func TestChatCompletion_InvalidRequest(t *testing.T) {
	a := newOllamaAdapter(t)

	_, err := a.ChatCompletion(context.Background(), &provider.ChatRequest{Model: "llama3"})
	if provider.KindOf(err) != provider.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

// ── Unsupported operations ──────────────────────────────────────────────────

// TestUnsupportedOperations checks the typed refusal for non-chat surfaces.
func TestUnsupportedOperations(t *testing.T) {
	a := newOllamaAdapter(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"embedding", func() error { _, err := a.CreateEmbedding(ctx, &provider.EmbeddingRequest{}); return err }},
		{"transcription", func() error { _, err := a.TranscribeAudio(ctx, &provider.TranscriptionRequest{}); return err }},
		{"translation", func() error { _, err := a.TranslateAudio(ctx, &provider.TranscriptionRequest{}); return err }},
		{"speech", func() error { _, err := a.GenerateSpeech(ctx, &provider.SpeechRequest{}); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if provider.KindOf(err) != provider.KindProviderFatal {
				t.Errorf("expected provider_fatal, got %v", err)
			}
			pe, ok := provider.AsError(err)
			if !ok || pe.Provider != "ollama" {
				t.Errorf("expected refusal attributed to ollama, got %+v", pe)
			}
		})
	}
}

// ── mapError ──────────────────────────────────────────────────────────────────

// TestMapError checks message-sniffing classification of backend failures.
func TestMapError(t *testing.T) {
	a := newOllamaAdapter(t)

	tests := []struct {
		name string
		err  error
		want provider.Kind
	}{
		{"rate limit text", errors.New("rate limit exceeded, slow down"), provider.KindRateLimit},
		{"status 429", errors.New("unexpected status 429"), provider.KindRateLimit},
		{"unauthorized", errors.New("401 unauthorized"), provider.KindAuthentication},
		{"bad key", errors.New("invalid api key provided"), provider.KindAuthentication},
		{"timeout text", errors.New("request timeout awaiting headers"), provider.KindTimeout},
		{"deadline text", errors.New("deadline exceeded while reading body"), provider.KindTimeout},
		{"connection", errors.New("connection refused"), provider.KindTransient},
		{"status 503", errors.New("upstream returned 503"), provider.KindTransient},
		{"unclassified", errors.New("boom"), provider.KindTransient},
		{"context canceled", context.Canceled, provider.KindTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.mapError(tt.err)
			if got.Kind != tt.want {
				t.Errorf("mapError(%q) kind = %q, want %q", tt.err, got.Kind, tt.want)
			}
		})
	}
}
