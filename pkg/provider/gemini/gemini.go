// Package gemini adapts the Google Generative Language REST API to the
// provider contract. Requests arrive OpenAI-shaped and leave OpenAI-shaped;
// the translation to Gemini contents and back stays inside this package.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/pkg/provider"
)

var _ provider.Adapter = (*Adapter)(nil)

const (
	defaultName    = "gemini"
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultTimeout = 120 * time.Second

	degradedAfter = 2 * time.Second

	streamBuffer = 32

	// maxStreamLine bounds one SSE line; inline image parts can make
	// individual frames large.
	maxStreamLine = 1 << 20
)

type config struct {
	name    string
	baseURL string
	timeout time.Duration
	models  []provider.ModelDescriptor
	log     *slog.Logger
}

// Option configures the adapter.
type Option func(*config)

// WithName overrides the adapter name.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithBaseURL points the adapter at a different API endpoint. Primarily used
// in tests to point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = strings.TrimRight(url, "/") }
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

// Adapter implements provider.Adapter over the v1beta REST endpoints.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
	timeout time.Duration
	models  []provider.ModelDescriptor
	costs   map[string]provider.CostInfo
	metrics *provider.Metrics
	log     *slog.Logger

	initOnce  sync.Once
	initErr   error
	destroyed atomic.Bool
}

// New builds an adapter for the given API key.
func New(apiKey string, opts ...Option) (*Adapter, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: API key is required")
	}

	cfg := config{
		name:    defaultName,
		baseURL: defaultBaseURL,
		timeout: defaultTimeout,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.models == nil {
		cfg.models = defaultModels(cfg.name)
	}

	costs := make(map[string]provider.CostInfo, len(cfg.models))
	for _, m := range cfg.models {
		if m.Costs != nil {
			costs[m.ID] = *m.Costs
		}
	}

	return &Adapter{
		name:    cfg.name,
		apiKey:  apiKey,
		baseURL: cfg.baseURL,
		client:  &http.Client{Timeout: cfg.timeout},
		timeout: cfg.timeout,
		models:  cfg.models,
		costs:   costs,
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

// HealthCheck lists models as a cheap authenticated probe.
func (a *Adapter) HealthCheck(ctx context.Context) (provider.HealthReport, error) {
	if a.destroyed.Load() {
		return provider.HealthReport{
			State:     provider.HealthDestroyed,
			Timestamp: time.Now(),
		}, nil
	}

	endpoint := a.baseURL + "/v1beta/models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return provider.HealthReport{State: provider.HealthUnhealthy, Timestamp: time.Now()},
			provider.Internal("gemini: building probe request", err)
	}
	a.setHeaders(httpReq)

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	elapsed := time.Since(start)

	report := provider.HealthReport{
		ResponseTime: elapsed,
		Timestamp:    time.Now(),
	}
	if err != nil {
		perr := a.transportError(err)
		report.State = provider.HealthUnhealthy
		report.Details = map[string]any{"error": perr.Message}
		return report, perr
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		perr := a.apiError(resp)
		report.State = provider.HealthUnhealthy
		report.Details = map[string]any{"error": perr.Message}
		return report, perr
	}

	var listing struct {
		Models []json.RawMessage `json:"models"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&listing)

	report.State = provider.HealthHealthy
	if elapsed > degradedAfter {
		report.State = provider.HealthDegraded
	}
	report.Details = map[string]any{
		"endpoint":      "/v1beta/models",
		"models_listed": len(listing.Models),
	}
	return report, nil
}

// ─── Chat ───

// ChatCompletion performs a blocking generateContent call.
func (a *Adapter) ChatCompletion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	body, err := buildRequest(req)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", a.baseURL, url.PathEscape(req.Model))

	start := time.Now()
	resp, err := a.post(ctx, endpoint, body)
	if err != nil {
		a.metrics.Record(time.Since(start), false)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		a.metrics.Record(time.Since(start), false)
		return nil, a.apiError(resp)
	}

	var gr geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		a.metrics.Record(time.Since(start), false)
		return nil, provider.Transient(a.name, "decoding generateContent response", err)
	}
	a.metrics.Record(time.Since(start), true)

	return a.normalizeResponse(req.Model, gr), nil
}

// StreamChatCompletion starts a streamGenerateContent call in SSE mode. The
// returned channel is closed after the final frame; transport failures
// surface as a final chunk with Err set.
func (a *Adapter) StreamChatCompletion(ctx context.Context, req *provider.ChatRequest) (<-chan provider.ChatChunk, error) {
	if err := a.guard(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	body, err := buildRequest(req)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse",
		a.baseURL, url.PathEscape(req.Model))

	start := time.Now()
	resp, err := a.post(ctx, endpoint, body)
	if err != nil {
		a.metrics.Record(time.Since(start), false)
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		a.metrics.Record(time.Since(start), false)
		return nil, a.apiError(resp)
	}

	ch := make(chan provider.ChatChunk, streamBuffer)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		id := "chatcmpl-" + uuid.NewString()
		created := time.Now().Unix()
		sentRole := false

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			payload, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			payload = strings.TrimSpace(payload)
			if payload == "" || payload == "[DONE]" {
				continue
			}

			var gr geminiResponse
			if err := json.Unmarshal([]byte(payload), &gr); err != nil {
				continue
			}
			chunk := a.normalizeStreamFrame(id, created, req.Model, gr, &sentRole)
			if len(chunk.Choices) == 0 && chunk.Usage == nil {
				continue
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				a.metrics.Record(time.Since(start), false)
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			a.metrics.Record(time.Since(start), false)
			select {
			case ch <- provider.ChatChunk{ID: id, Err: a.transportError(err)}:
			case <-ctx.Done():
			}
			return
		}
		a.metrics.Record(time.Since(start), ctx.Err() == nil)
	}()
	return ch, nil
}

// buildRequest translates the OpenAI-shaped request into the Gemini body.
func buildRequest(req *provider.ChatRequest) (*geminiRequest, error) {
	system, contents := convertMessages(req.Messages)
	if len(contents) == 0 {
		return nil, provider.Validation(
			"messages must contain at least one user or assistant turn",
			map[string]any{"field": "messages"})
	}

	body := &geminiRequest{
		Contents:          contents,
		Tools:             convertTools(req.Tools),
		SystemInstruction: system,
	}

	gc := &geminiGenerationConfig{}
	set := false
	if req.Temperature != nil {
		gc.Temperature = req.Temperature
		set = true
	}
	if req.TopP != nil {
		gc.TopP = req.TopP
		set = true
	}
	if req.MaxTokens > 0 {
		gc.MaxOutputTokens = req.MaxTokens
		set = true
	}
	if req.N > 1 {
		gc.CandidateCount = req.N
		set = true
	}
	if stops := req.StopSequences(); len(stops) > 0 {
		gc.StopSequences = stops
		set = true
	}
	if set {
		body.GenerationConfig = gc
	}
	return body, nil
}

func (a *Adapter) normalizeResponse(model string, gr geminiResponse) *provider.ChatResponse {
	id := gr.ResponseID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	respModel := gr.ModelVersion
	if respModel == "" {
		respModel = model
	}

	out := &provider.ChatResponse{
		ID:       id,
		Object:   "chat.completion",
		Created:  time.Now().Unix(),
		Model:    respModel,
		Provider: a.name,
		Choices:  make([]provider.ChatChoice, 0, len(gr.Candidates)),
		Usage:    usageFrom(gr.UsageMetadata),
	}
	for _, c := range gr.Candidates {
		msg, finish := candidateMessage(c)
		out.Choices = append(out.Choices, provider.ChatChoice{
			Index:        c.Index,
			Message:      msg,
			FinishReason: finish,
		})
	}
	return out
}

// normalizeStreamFrame converts one SSE frame into a chunk. Role is attached
// to the first delta only, matching the OpenAI chunk contract.
func (a *Adapter) normalizeStreamFrame(id string, created int64, model string, gr geminiResponse, sentRole *bool) provider.ChatChunk {
	chunk := provider.ChatChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Usage:   usageFrom(gr.UsageMetadata),
	}

	for _, c := range gr.Candidates {
		var text strings.Builder
		var calls []wireToolCall
		for _, p := range c.Content.Parts {
			if p.Text != "" {
				text.WriteString(p.Text)
			}
			if p.FunctionCall != nil {
				idx := len(calls)
				args := string(p.FunctionCall.Args)
				if args == "" {
					args = "{}"
				}
				calls = append(calls, wireToolCall{
					Index: &idx,
					ID:    "call_" + uuid.NewString(),
					Type:  "function",
					Function: wireToolFunction{
						Name:      p.FunctionCall.Name,
						Arguments: args,
					},
				})
			}
		}

		delta := provider.ChunkDelta{Content: text.String()}
		if !*sentRole {
			delta.Role = "assistant"
			*sentRole = true
		}
		if len(calls) > 0 {
			delta.ToolCalls, _ = json.Marshal(calls)
		}

		var finish *string
		if c.FinishReason != "" {
			fr := mapFinishReason(c.FinishReason, len(calls) > 0)
			finish = &fr
		}
		if delta.Content == "" && delta.Role == "" && delta.ToolCalls == nil && finish == nil {
			continue
		}
		chunk.Choices = append(chunk.Choices, provider.ChunkChoice{
			Index:        c.Index,
			Delta:        delta,
			FinishReason: finish,
		})
	}
	return chunk
}

// ─── Embeddings ───

type embedContentRequest struct {
	Model                string        `json:"model"`
	Content              geminiContent `json:"content"`
	OutputDimensionality int           `json:"outputDimensionality,omitempty"`
}

type batchEmbedRequest struct {
	Requests []embedContentRequest `json:"requests"`
}

type batchEmbedResponse struct {
	Embeddings []struct {
		Values []float64 `json:"values"`
	} `json:"embeddings"`
}

// CreateEmbedding generates embeddings via batchEmbedContents. The upstream
// reports no token usage, so the usage block stays zero.
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

	batch := batchEmbedRequest{Requests: make([]embedContentRequest, 0, len(inputs))}
	for _, in := range inputs {
		batch.Requests = append(batch.Requests, embedContentRequest{
			Model:                "models/" + req.Model,
			Content:              geminiContent{Parts: []geminiPart{{Text: in}}},
			OutputDimensionality: req.Dimensions,
		})
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:batchEmbedContents", a.baseURL, url.PathEscape(req.Model))

	start := time.Now()
	resp, err := a.post(ctx, endpoint, batch)
	if err != nil {
		a.metrics.Record(time.Since(start), false)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		a.metrics.Record(time.Since(start), false)
		return nil, a.apiError(resp)
	}

	var ber batchEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&ber); err != nil {
		a.metrics.Record(time.Since(start), false)
		return nil, provider.Transient(a.name, "decoding batchEmbedContents response", err)
	}
	a.metrics.Record(time.Since(start), true)

	out := &provider.EmbeddingResponse{
		Object:   "list",
		Model:    req.Model,
		Provider: a.name,
		Data:     make([]provider.EmbeddingData, 0, len(ber.Embeddings)),
		Usage:    &provider.Usage{},
	}
	for i, e := range ber.Embeddings {
		out.Data = append(out.Data, provider.EmbeddingData{
			Object:    "embedding",
			Index:     i,
			Embedding: e.Values,
		})
	}
	return out, nil
}

// ─── Audio ───

// TranscribeAudio is not served over the REST surface; live transcription
// goes through the realtime adapter instead.
func (a *Adapter) TranscribeAudio(context.Context, *provider.TranscriptionRequest) (*provider.TranscriptionResponse, error) {
	return nil, provider.Fatal(a.name, "audio transcription is not supported over REST; use the realtime session API")
}

// TranslateAudio implements provider.Adapter.
func (a *Adapter) TranslateAudio(context.Context, *provider.TranscriptionRequest) (*provider.TranscriptionResponse, error) {
	return nil, provider.Fatal(a.name, "audio translation is not supported")
}

// GenerateSpeech implements provider.Adapter.
func (a *Adapter) GenerateSpeech(context.Context, *provider.SpeechRequest) (*provider.SpeechResponse, error) {
	return nil, provider.Fatal(a.name, "speech synthesis is not supported")
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
		a.client.CloseIdleConnections()
		a.log.Info("provider destroyed")
	}
	return nil
}

// ─── Transport ───

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("x-goog-api-key", a.apiKey)
	req.Header.Set("Content-Type", "application/json")
}

func (a *Adapter) post(ctx context.Context, endpoint string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, provider.Internal("gemini: encoding request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, provider.Internal("gemini: building request", err)
	}
	a.setHeaders(httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.transportError(err)
	}
	return resp, nil
}

func (a *Adapter) guard() error {
	if a.destroyed.Load() {
		return provider.Internal(fmt.Sprintf("%s: adapter destroyed", a.name), nil)
	}
	return nil
}

// apiError drains the response body and classifies the status. The Gemini
// error envelope carries a message and a gRPC-style status string.
func (a *Adapter) apiError(resp *http.Response) *provider.Error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	msg := string(data)
	var envelope geminiErrorResponse
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
		if envelope.Error.Status != "" {
			msg = fmt.Sprintf("%s (status: %s)", envelope.Error.Message, envelope.Error.Status)
		}
	}
	return provider.FromHTTPStatus(a.name, resp.StatusCode, msg, retryAfterFrom(resp))
}

func (a *Adapter) transportError(err error) *provider.Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return provider.Wrap(a.name, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return provider.Timeout(a.name, "upstream request", a.timeout)
	}
	return provider.Transient(a.name, err.Error(), err)
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
