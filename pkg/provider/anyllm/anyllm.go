// Package anyllm exposes additional chat backends through the provider
// contract, backed by github.com/mozilla-ai/any-llm-go. It serves chat and
// streaming only; embeddings and audio report a typed refusal so routing can
// fail over to a provider that supports them.
//
// Supported backends: openai, anthropic, gemini, ollama, deepseek, mistral,
// groq, llamacpp, llamafile.
package anyllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/modelgate/modelgate/pkg/provider"
)

var _ provider.Adapter = (*Adapter)(nil)

const streamBuffer = 32

type config struct {
	name    string
	apiKey  string
	baseURL string
	models  []provider.ModelDescriptor
	log     *slog.Logger
}

// Option configures the adapter.
type Option func(*config)

// WithName overrides the adapter name. Defaults to the backend name.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithAPIKey sets the backend credential. Without it, any-llm-go falls back
// to the backend's environment variable (OPENAI_API_KEY, ANTHROPIC_API_KEY,
// and so on).
func WithAPIKey(key string) Option {
	return func(c *config) { c.apiKey = key }
}

// WithBaseURL points the backend at a different endpoint. Primarily used in
// tests and for self-hosted backends such as Ollama.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModels sets the model catalog this adapter advertises. Backends
// without a built-in catalog stay unroutable until one is configured.
func WithModels(models []provider.ModelDescriptor) Option {
	return func(c *config) { c.models = models }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) { c.log = log }
}

// Adapter implements provider.Adapter over an any-llm-go backend.
type Adapter struct {
	name    string
	backend anyllmlib.Provider
	models  []provider.ModelDescriptor
	costs   map[string]provider.CostInfo
	metrics *provider.Metrics
	log     *slog.Logger

	initOnce  sync.Once
	destroyed atomic.Bool
}

// New builds an adapter for the named backend.
func New(backendName string, opts ...Option) (*Adapter, error) {
	if backendName == "" {
		return nil, errors.New("anyllm: backend name is required")
	}

	cfg := config{
		name: strings.ToLower(backendName),
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.models == nil {
		cfg.models = defaultModels(backendName, cfg.name)
	}

	var libOpts []anyllmlib.Option
	if cfg.apiKey != "" {
		libOpts = append(libOpts, anyllmlib.WithAPIKey(cfg.apiKey))
	}
	if cfg.baseURL != "" {
		libOpts = append(libOpts, anyllmlib.WithBaseURL(cfg.baseURL))
	}

	backend, err := createBackend(backendName, libOpts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backendName, err)
	}

	costs := make(map[string]provider.CostInfo, len(cfg.models))
	for _, m := range cfg.models {
		if m.Costs != nil {
			costs[m.ID] = *m.Costs
		}
	}

	return &Adapter{
		name:    cfg.name,
		backend: backend,
		models:  cfg.models,
		costs:   costs,
		metrics: provider.NewMetrics(0),
		log:     cfg.log.With("provider", cfg.name),
	}, nil
}

// createBackend maps the backend name onto an any-llm-go constructor.
func createBackend(backendName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(backendName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", backendName)
	}
}

// Name implements provider.Adapter.
func (a *Adapter) Name() string { return a.name }

// Initialize validates construction. any-llm-go exposes no probe endpoint,
// so readiness is confirmed lazily by the first real call and the breaker.
func (a *Adapter) Initialize(context.Context) error {
	a.initOnce.Do(func() {
		a.log.Info("provider initialized", "probe", "passive")
	})
	return nil
}

// HealthCheck reports the passive state. The backend library has no listing
// or ping endpoint; health transitions come from request outcomes instead.
func (a *Adapter) HealthCheck(context.Context) (provider.HealthReport, error) {
	if a.destroyed.Load() {
		return provider.HealthReport{
			State:     provider.HealthDestroyed,
			Timestamp: time.Now(),
		}, nil
	}

	snap := a.metrics.Snapshot()
	state := provider.HealthHealthy
	if snap.WindowSize > 0 && snap.SuccessRate < 0.5 {
		state = provider.HealthDegraded
	}
	return provider.HealthReport{
		State:        state,
		ResponseTime: snap.AvgResponseTime,
		Timestamp:    time.Now(),
		Details: map[string]any{
			"probe":        "passive",
			"success_rate": snap.SuccessRate,
		},
	}, nil
}

// ─── Chat ───

// ChatCompletion performs a blocking completion against the backend.
func (a *Adapter) ChatCompletion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	params := buildParams(req)

	start := time.Now()
	resp, err := a.backend.Completion(ctx, params)
	a.metrics.Record(time.Since(start), err == nil)
	if err != nil {
		return nil, a.mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, provider.Transient(a.name, "empty choices in backend response", nil)
	}

	out := &provider.ChatResponse{
		ID:       "chatcmpl-" + uuid.NewString(),
		Object:   "chat.completion",
		Created:  time.Now().Unix(),
		Model:    req.Model,
		Provider: a.name,
		Choices:  make([]provider.ChatChoice, 0, len(resp.Choices)),
	}
	for i, choice := range resp.Choices {
		msg := provider.ChatMessage{Role: "assistant"}
		if content := choice.Message.ContentString(); content != "" {
			msg.Content, _ = json.Marshal(content)
		}
		if len(choice.Message.ToolCalls) > 0 {
			calls := make([]wireToolCall, 0, len(choice.Message.ToolCalls))
			for _, tc := range choice.Message.ToolCalls {
				calls = append(calls, wireToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: wireToolFunction{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
			msg.ToolCalls, _ = json.Marshal(calls)
		}
		finish := choice.FinishReason
		if finish == "" {
			finish = "stop"
		}
		out.Choices = append(out.Choices, provider.ChatChoice{
			Index:        i,
			Message:      msg,
			FinishReason: string(finish),
		})
	}
	if resp.Usage != nil {
		out.Usage = &provider.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// StreamChatCompletion adapts the backend's chunk/err channel pair onto the
// single-channel contract. Tool call fragments accumulate by index and are
// emitted complete on the finish chunk.
func (a *Adapter) StreamChatCompletion(ctx context.Context, req *provider.ChatRequest) (<-chan provider.ChatChunk, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	params := buildParams(req)

	start := time.Now()
	backendChunks, backendErrs := a.backend.CompletionStream(ctx, params)

	ch := make(chan provider.ChatChunk, streamBuffer)
	go func() {
		defer close(ch)

		id := "chatcmpl-" + uuid.NewString()
		created := time.Now().Unix()
		sentRole := false
		accum := map[int]*wireToolCall{}

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := provider.ChunkDelta{Content: choice.Delta.Content}
			if !sentRole {
				delta.Role = "assistant"
				sentRole = true
			}

			for i, tc := range choice.Delta.ToolCalls {
				existing, ok := accum[i]
				if !ok {
					idx := i
					existing = &wireToolCall{Index: &idx, Type: "function"}
					accum[i] = existing
				}
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Function.Name = tc.Function.Name
				}
				existing.Function.Arguments += tc.Function.Arguments
			}

			var finish *string
			if choice.FinishReason != "" {
				fr := string(choice.FinishReason)
				finish = &fr
				if len(accum) > 0 {
					calls := make([]wireToolCall, 0, len(accum))
					for i := 0; i < len(accum); i++ {
						if tc, ok := accum[i]; ok {
							calls = append(calls, *tc)
						}
					}
					delta.ToolCalls, _ = json.Marshal(calls)
				}
			}

			out := provider.ChatChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   req.Model,
				Choices: []provider.ChunkChoice{{Delta: delta, FinishReason: finish}},
			}
			select {
			case ch <- out:
			case <-ctx.Done():
				a.metrics.Record(time.Since(start), false)
				return
			}
		}

		if err := <-backendErrs; err != nil && ctx.Err() == nil {
			a.metrics.Record(time.Since(start), false)
			select {
			case ch <- provider.ChatChunk{ID: id, Err: a.mapError(err)}:
			case <-ctx.Done():
			}
			return
		}
		a.metrics.Record(time.Since(start), ctx.Err() == nil)
	}()
	return ch, nil
}

// buildParams converts the OpenAI-shaped request into backend params.
// Multimodal content flattens to text; any-llm-go messages are plain strings.
func buildParams(req *provider.ChatRequest) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		if role == "developer" {
			role = "system"
		}
		msg := anyllmlib.Message{
			Role:       role,
			Content:    m.Text(),
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range decodeToolCalls(m.ToolCalls) {
			msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: anyllmlib.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		messages = append(messages, msg)
	}

	params := anyllmlib.CompletionParams{
		Model:    req.Model,
		Messages: messages,
	}
	if req.Temperature != nil {
		t := *req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	for _, t := range decodeTools(req.Tools) {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	return params
}

type inboundToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func decodeToolCalls(raw json.RawMessage) []inboundToolCall {
	if len(raw) == 0 {
		return nil
	}
	var calls []inboundToolCall
	if err := json.Unmarshal(raw, &calls); err != nil {
		return nil
	}
	return calls
}

type inboundTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

func decodeTools(raw json.RawMessage) []inboundTool {
	if len(raw) == 0 {
		return nil
	}
	var tools []inboundTool
	if err := json.Unmarshal(raw, &tools); err != nil {
		return nil
	}
	out := tools[:0]
	for _, t := range tools {
		if t.Type == "" || t.Type == "function" {
			out = append(out, t)
		}
	}
	return out
}

// wireToolCall mirrors the chat completions tool_calls shape.
type wireToolCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// ─── Unsupported operations ───

// CreateEmbedding implements provider.Adapter.
func (a *Adapter) CreateEmbedding(context.Context, *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	return nil, provider.Fatal(a.name, "embeddings are not supported by this backend")
}

// TranscribeAudio implements provider.Adapter.
func (a *Adapter) TranscribeAudio(context.Context, *provider.TranscriptionRequest) (*provider.TranscriptionResponse, error) {
	return nil, provider.Fatal(a.name, "audio transcription is not supported by this backend")
}

// TranslateAudio implements provider.Adapter.
func (a *Adapter) TranslateAudio(context.Context, *provider.TranscriptionRequest) (*provider.TranscriptionResponse, error) {
	return nil, provider.Fatal(a.name, "audio translation is not supported by this backend")
}

// GenerateSpeech implements provider.Adapter.
func (a *Adapter) GenerateSpeech(context.Context, *provider.SpeechRequest) (*provider.SpeechResponse, error) {
	return nil, provider.Fatal(a.name, "speech synthesis is not supported by this backend")
}

// ─── Catalog and lifecycle ───

// SupportedModels implements provider.Adapter.
func (a *Adapter) SupportedModels() []provider.ModelDescriptor {
	out := make([]provider.ModelDescriptor, len(a.models))
	copy(out, a.models)
	return out
}

// CostInfo implements provider.Adapter.
func (a *Adapter) CostInfo(modelID string) *provider.CostInfo {
	ci, ok := a.costs[modelID]
	if !ok {
		return nil
	}
	return &ci
}

// Metrics implements provider.Adapter.
func (a *Adapter) Metrics() provider.MetricsSnapshot {
	return a.metrics.Snapshot()
}

// Destroy marks the adapter unusable.
func (a *Adapter) Destroy(context.Context) error {
	if a.destroyed.CompareAndSwap(false, true) {
		a.log.Info("provider destroyed")
	}
	return nil
}

func (a *Adapter) guard() error {
	if a.destroyed.Load() {
		return provider.Internal(fmt.Sprintf("%s: adapter destroyed", a.name), nil)
	}
	return nil
}

// mapError coerces backend errors into the taxonomy. any-llm-go flattens
// upstream status codes into message text, so classification sniffs the
// message for recoverable markers before the generic wrap.
func (a *Adapter) mapError(err error) *provider.Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return provider.Wrap(a.name, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return provider.RateLimited(a.name, 0, err.Error())
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401") ||
		strings.Contains(msg, "invalid api key") || strings.Contains(msg, "api key"):
		return provider.Authentication(a.name, err.Error())
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		e := provider.NewError(provider.KindTimeout, err.Error())
		e.Provider = a.name
		return e
	case strings.Contains(msg, "connection") || strings.Contains(msg, "503") ||
		strings.Contains(msg, "502") || strings.Contains(msg, "500"):
		return provider.Transient(a.name, err.Error(), err)
	default:
		return provider.Transient(a.name, err.Error(), err)
	}
}
