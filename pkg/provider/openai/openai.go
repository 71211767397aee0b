// Package openai adapts any OpenAI-compatible chat API to the provider
// contract. Azure deployments, vLLM, and other compatible servers work by
// overriding the base URL.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/modelgate/modelgate/pkg/provider"
)

var _ provider.Adapter = (*Adapter)(nil)

const (
	defaultName    = "openai"
	defaultTimeout = 120 * time.Second

	// degradedAfter is the probe latency above which a reachable upstream
	// is reported as degraded rather than healthy.
	degradedAfter = 2 * time.Second

	// streamBuffer decouples upstream reads from slow consumers without
	// holding a full response in memory.
	streamBuffer = 32
)

type config struct {
	name    string
	baseURL string
	orgID   string
	timeout time.Duration
	models  []provider.ModelDescriptor
	voices  map[string]bool
	log     *slog.Logger
}

// Option configures the adapter.
type Option func(*config)

// WithName overrides the adapter name. Useful when several OpenAI-compatible
// upstreams are registered side by side.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithBaseURL points the adapter at a different API endpoint. Primarily used
// in tests to point at a local mock server, and for compatible third-party
// backends in production.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithOrganization sets the OpenAI-Organization header on every request.
func WithOrganization(orgID string) Option {
	return func(c *config) { c.orgID = orgID }
}

// WithTimeout bounds each upstream HTTP request. Streaming responses are
// exempt; they are bounded by the caller's context instead.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithModels replaces the built-in model catalog.
func WithModels(models []provider.ModelDescriptor) Option {
	return func(c *config) { c.models = models }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) { c.log = log }
}

// Adapter implements provider.Adapter over the official OpenAI SDK.
type Adapter struct {
	name    string
	client  oai.Client
	timeout time.Duration
	models  []provider.ModelDescriptor
	costs   map[string]provider.CostInfo
	voices  map[string]bool
	metrics *provider.Metrics
	log     *slog.Logger

	initOnce  sync.Once
	initErr   error
	destroyed atomic.Bool
}

// New builds an adapter for the given API key. The key is required; all other
// settings have sensible defaults.
func New(apiKey string, opts ...Option) (*Adapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key is required")
	}

	cfg := config{
		name:    defaultName,
		timeout: defaultTimeout,
		voices:  knownVoices,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.models == nil {
		cfg.models = defaultModels(cfg.name)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.orgID != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.orgID))
	}

	costs := make(map[string]provider.CostInfo, len(cfg.models))
	for _, m := range cfg.models {
		if m.Costs != nil {
			costs[m.ID] = *m.Costs
		}
	}

	return &Adapter{
		name:    cfg.name,
		client:  oai.NewClient(reqOpts...),
		timeout: cfg.timeout,
		models:  cfg.models,
		costs:   costs,
		voices:  cfg.voices,
		metrics: provider.NewMetrics(0),
		log:     cfg.log.With("provider", cfg.name),
	}, nil
}

// Name implements provider.Adapter.
func (a *Adapter) Name() string { return a.name }

// Initialize runs a single connectivity probe. Subsequent calls are no-ops
// that return the first result.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.initOnce.Do(func() {
		report, err := a.HealthCheck(ctx)
		if err != nil {
			a.initErr = err
			return
		}
		a.log.Info("provider initialized",
			"state", report.State,
			"response_time", report.ResponseTime)
	})
	return a.initErr
}

// HealthCheck lists models as a cheap authenticated probe and grades the
// round trip latency.
func (a *Adapter) HealthCheck(ctx context.Context) (provider.HealthReport, error) {
	if a.destroyed.Load() {
		return provider.HealthReport{
			State:     provider.HealthDestroyed,
			Timestamp: time.Now(),
		}, nil
	}

	start := time.Now()
	page, err := a.client.Models.List(ctx)
	elapsed := time.Since(start)

	report := provider.HealthReport{
		ResponseTime: elapsed,
		Timestamp:    time.Now(),
	}
	if err != nil {
		perr := a.mapError(err)
		report.State = provider.HealthUnhealthy
		report.Details = map[string]any{"error": perr.Message}
		return report, perr
	}

	report.State = provider.HealthHealthy
	if elapsed > degradedAfter {
		report.State = provider.HealthDegraded
	}
	report.Details = map[string]any{
		"endpoint":      "/v1/models",
		"models_listed": len(page.Data),
	}
	return report, nil
}

// ─── Chat ───

// ChatCompletion performs a blocking chat completion.
func (a *Adapter) ChatCompletion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	params, reqOpts := buildChatParams(req)

	start := time.Now()
	resp, err := a.client.Chat.Completions.New(ctx, params, reqOpts...)
	a.metrics.Record(time.Since(start), err == nil)
	if err != nil {
		return nil, a.mapError(err)
	}
	out := normalizeChatResponse(resp)
	out.Provider = a.name
	return out, nil
}

// StreamChatCompletion starts a streaming chat completion. The returned
// channel is closed after the final chunk; transport failures surface as a
// final chunk with Err set.
func (a *Adapter) StreamChatCompletion(ctx context.Context, req *provider.ChatRequest) (<-chan provider.ChatChunk, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	params, reqOpts := buildChatParams(req)
	params.StreamOptions = oai.ChatCompletionStreamOptionsParam{
		IncludeUsage: param.NewOpt(true),
	}

	start := time.Now()
	stream := a.client.Chat.Completions.NewStreaming(ctx, params, reqOpts...)
	if err := stream.Err(); err != nil {
		a.metrics.Record(time.Since(start), false)
		return nil, a.mapError(err)
	}

	ch := make(chan provider.ChatChunk, streamBuffer)
	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			chunk := normalizeChunk(stream.Current())
			select {
			case ch <- chunk:
			case <-ctx.Done():
				a.metrics.Record(time.Since(start), false)
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			a.metrics.Record(time.Since(start), false)
			select {
			case ch <- provider.ChatChunk{Err: a.mapError(err)}:
			case <-ctx.Done():
			}
			return
		}
		a.metrics.Record(time.Since(start), ctx.Err() == nil)
	}()
	return ch, nil
}

// buildChatParams maps the normalized request onto SDK params. Scalar knobs
// go through typed fields; messages and the free-form JSON fields are
// injected raw so multimodal parts and tool schemas reach the wire unchanged.
func buildChatParams(req *provider.ChatRequest) (oai.ChatCompletionNewParams, []option.RequestOption) {
	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(req.Model),
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = param.NewOpt(*req.TopP)
	}
	if req.PresencePenalty != nil {
		params.PresencePenalty = param.NewOpt(*req.PresencePenalty)
	}
	if req.FrequencyPenalty != nil {
		params.FrequencyPenalty = param.NewOpt(*req.FrequencyPenalty)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.N > 0 {
		params.N = param.NewOpt(int64(req.N))
	}
	if req.User != "" {
		params.User = param.NewOpt(req.User)
	}

	reqOpts := []option.RequestOption{
		option.WithJSONSet("messages", req.Messages),
	}
	if len(req.Tools) > 0 {
		reqOpts = append(reqOpts, option.WithJSONSet("tools", req.Tools))
	}
	if len(req.ToolChoice) > 0 {
		reqOpts = append(reqOpts, option.WithJSONSet("tool_choice", req.ToolChoice))
	}
	if len(req.ResponseFormat) > 0 {
		reqOpts = append(reqOpts, option.WithJSONSet("response_format", req.ResponseFormat))
	}
	if len(req.Stop) > 0 {
		reqOpts = append(reqOpts, option.WithJSONSet("stop", req.Stop))
	}
	return params, reqOpts
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

func normalizeChatResponse(resp *oai.ChatCompletion) *provider.ChatResponse {
	out := &provider.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
		Choices: make([]provider.ChatChoice, 0, len(resp.Choices)),
	}
	for _, c := range resp.Choices {
		msg := provider.ChatMessage{Role: "assistant"}
		if c.Message.Content != "" {
			msg.Content, _ = json.Marshal(c.Message.Content)
		}
		if len(c.Message.ToolCalls) > 0 {
			calls := make([]wireToolCall, 0, len(c.Message.ToolCalls))
			for _, tc := range c.Message.ToolCalls {
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
		out.Choices = append(out.Choices, provider.ChatChoice{
			Index:        int(c.Index),
			Message:      msg,
			FinishReason: string(c.FinishReason),
		})
	}
	if resp.Usage.TotalTokens > 0 || resp.Usage.PromptTokens > 0 {
		out.Usage = &provider.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		}
	}
	return out
}

func normalizeChunk(c oai.ChatCompletionChunk) provider.ChatChunk {
	out := provider.ChatChunk{
		ID:      c.ID,
		Object:  "chat.completion.chunk",
		Created: c.Created,
		Model:   c.Model,
		Choices: make([]provider.ChunkChoice, 0, len(c.Choices)),
	}
	for _, choice := range c.Choices {
		delta := provider.ChunkDelta{
			Role:    string(choice.Delta.Role),
			Content: choice.Delta.Content,
		}
		if len(choice.Delta.ToolCalls) > 0 {
			calls := make([]wireToolCall, 0, len(choice.Delta.ToolCalls))
			for _, tc := range choice.Delta.ToolCalls {
				idx := int(tc.Index)
				calls = append(calls, wireToolCall{
					Index: &idx,
					ID:    tc.ID,
					Type:  string(tc.Type),
					Function: wireToolFunction{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
			delta.ToolCalls, _ = json.Marshal(calls)
		}
		var finish *string
		if choice.FinishReason != "" {
			fr := string(choice.FinishReason)
			finish = &fr
		}
		out.Choices = append(out.Choices, provider.ChunkChoice{
			Index:        int(choice.Index),
			Delta:        delta,
			FinishReason: finish,
		})
	}
	if c.Usage.TotalTokens > 0 || c.Usage.PromptTokens > 0 {
		out.Usage = &provider.Usage{
			PromptTokens:     int(c.Usage.PromptTokens),
			CompletionTokens: int(c.Usage.CompletionTokens),
			TotalTokens:      int(c.Usage.TotalTokens),
		}
	}
	return out
}

// ─── Embeddings ───

// CreateEmbedding generates embeddings for one or more inputs.
func (a *Adapter) CreateEmbedding(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	inputs, err := req.Inputs()
	if err != nil {
		return nil, err
	}

	params := oai.EmbeddingNewParams{
		Model: oai.EmbeddingModel(req.Model),
		Input: oai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: inputs,
		},
	}
	if req.Dimensions > 0 {
		params.Dimensions = param.NewOpt(int64(req.Dimensions))
	}
	if req.User != "" {
		params.User = param.NewOpt(req.User)
	}

	start := time.Now()
	resp, err := a.client.Embeddings.New(ctx, params)
	a.metrics.Record(time.Since(start), err == nil)
	if err != nil {
		return nil, a.mapError(err)
	}

	out := &provider.EmbeddingResponse{
		Object:   "list",
		Model:    resp.Model,
		Provider: a.name,
		Data:     make([]provider.EmbeddingData, 0, len(resp.Data)),
	}
	for _, d := range resp.Data {
		out.Data = append(out.Data, provider.EmbeddingData{
			Object:    "embedding",
			Index:     int(d.Index),
			Embedding: d.Embedding,
		})
	}
	out.Usage = &provider.Usage{
		PromptTokens: int(resp.Usage.PromptTokens),
		TotalTokens:  int(resp.Usage.TotalTokens),
	}
	return out, nil
}

// ─── Audio ───

// TranscribeAudio transcribes speech in its source language.
func (a *Adapter) TranscribeAudio(ctx context.Context, req *provider.TranscriptionRequest) (*provider.TranscriptionResponse, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	params := oai.AudioTranscriptionNewParams{
		Model: oai.AudioModel(req.Model),
		File:  oai.File(bytes.NewReader(req.File), uploadFilename(req.Filename), ""),
	}
	if req.Language != "" {
		params.Language = param.NewOpt(req.Language)
	}
	if req.Prompt != "" {
		params.Prompt = param.NewOpt(req.Prompt)
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	if req.ResponseFormat != "" {
		params.ResponseFormat = oai.AudioResponseFormat(req.ResponseFormat)
	}

	start := time.Now()
	resp, err := a.client.Audio.Transcriptions.New(ctx, params)
	a.metrics.Record(time.Since(start), err == nil)
	if err != nil {
		return nil, a.mapError(err)
	}

	return &provider.TranscriptionResponse{
		Text:     resp.Text,
		Language: req.Language,
		Provider: a.name,
		Raw:      json.RawMessage(resp.RawJSON()),
	}, nil
}

// TranslateAudio transcribes speech and translates it to English.
func (a *Adapter) TranslateAudio(ctx context.Context, req *provider.TranscriptionRequest) (*provider.TranscriptionResponse, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	params := oai.AudioTranslationNewParams{
		Model: oai.AudioModel(req.Model),
		File:  oai.File(bytes.NewReader(req.File), uploadFilename(req.Filename), ""),
	}
	if req.Prompt != "" {
		params.Prompt = param.NewOpt(req.Prompt)
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}

	start := time.Now()
	resp, err := a.client.Audio.Translations.New(ctx, params)
	a.metrics.Record(time.Since(start), err == nil)
	if err != nil {
		return nil, a.mapError(err)
	}

	return &provider.TranscriptionResponse{
		Text:     resp.Text,
		Language: "en",
		Provider: a.name,
		Raw:      json.RawMessage(resp.RawJSON()),
	}, nil
}

// GenerateSpeech synthesizes audio from text.
func (a *Adapter) GenerateSpeech(ctx context.Context, req *provider.SpeechRequest) (*provider.SpeechResponse, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	if err := req.Validate(a.voices); err != nil {
		return nil, err
	}

	params := oai.AudioSpeechNewParams{
		Model: oai.SpeechModel(req.Model),
		Input: req.Input,
		Voice: oai.AudioSpeechNewParamsVoice(strings.ToLower(req.Voice)),
	}
	if req.ResponseFormat != "" {
		params.ResponseFormat = oai.AudioSpeechNewParamsResponseFormat(req.ResponseFormat)
	}
	if req.Speed != nil {
		params.Speed = param.NewOpt(*req.Speed)
	}

	start := time.Now()
	res, err := a.client.Audio.Speech.New(ctx, params)
	a.metrics.Record(time.Since(start), err == nil)
	if err != nil {
		return nil, a.mapError(err)
	}
	defer res.Body.Close()

	audioBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, provider.Transient(a.name, "reading speech response body", err)
	}
	contentType := res.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return &provider.SpeechResponse{Audio: audioBytes, ContentType: contentType}, nil
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

// Destroy marks the adapter unusable. The underlying HTTP client holds no
// resources that need explicit release.
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

// mapError converts SDK errors into the shared taxonomy. API errors carry
// their HTTP status; transport failures become transient or timeout errors
// so retry and breaker logic treat them as recoverable.
func (a *Adapter) mapError(err error) *provider.Error {
	var apierr *oai.Error
	if errors.As(err, &apierr) {
		msg := apierr.Message
		if msg == "" {
			msg = apierr.Error()
		}
		return provider.FromHTTPStatus(a.name, apierr.StatusCode, msg, retryAfterFrom(apierr.Response))
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return provider.Wrap(a.name, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return provider.Timeout(a.name, "upstream request", a.timeout)
		}
		return provider.Transient(a.name, err.Error(), err)
	}
	return provider.Wrap(a.name, err)
}

func retryAfterFrom(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func uploadFilename(name string) string {
	if name == "" {
		return "audio.wav"
	}
	return name
}
