// Package provider defines the adapter contract every upstream LLM provider
// must implement, together with the shared wire types and the error taxonomy
// the gateway reasons about.
//
// An adapter wraps one remote provider API (an OpenAI-compatible endpoint, a
// Gemini-compatible endpoint, or an extension backend) and exposes the uniform
// operation set the registry, router, and orchestrator are written against:
// chat completions (blocking and streaming), embeddings, audio transcription,
// audio translation, speech synthesis, health probing, a model catalog, cost
// lookup, and request metrics.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamChatCompletion must be closed by the implementation when the stream
// ends or when the supplied context is cancelled. All failures surface as
// *Error values so callers can classify them without inspecting provider
// HTTP status codes.
package provider

import (
	"context"
	"time"
)

// HealthState describes the registry's view of one provider.
type HealthState string

const (
	// HealthUnknown means no probe has completed yet.
	HealthUnknown HealthState = "unknown"
	// HealthHealthy means the last probe succeeded.
	HealthHealthy HealthState = "healthy"
	// HealthDegraded means probes succeed but the provider reports partial
	// capability (for example elevated latency reported in probe details).
	HealthDegraded HealthState = "degraded"
	// HealthUnhealthy means the last probe failed or timed out.
	HealthUnhealthy HealthState = "unhealthy"
	// HealthDestroyed means the adapter has been torn down.
	HealthDestroyed HealthState = "destroyed"
)

// IsValid reports whether s is one of the defined health states.
func (s HealthState) IsValid() bool {
	switch s {
	case HealthUnknown, HealthHealthy, HealthDegraded, HealthUnhealthy, HealthDestroyed:
		return true
	}
	return false
}

// HealthReport is the result of a single health probe.
type HealthReport struct {
	// State is the probe outcome. Healthy and degraded both admit traffic.
	State HealthState `json:"status"`

	// ResponseTime is how long the probe took.
	ResponseTime time.Duration `json:"response_time_ms"`

	// Timestamp is when the probe completed.
	Timestamp time.Time `json:"timestamp"`

	// Details carries optional provider-specific probe context, for example
	// the endpoint probed or a truncated upstream error.
	Details map[string]any `json:"details,omitempty"`
}

// ModelType classifies what a model produces.
type ModelType string

const (
	ModelTypeCompletion    ModelType = "completion"
	ModelTypeEmbedding     ModelType = "embedding"
	ModelTypeTranscription ModelType = "transcription"
	ModelTypeTTS           ModelType = "tts"
)

// IsValid reports whether t is one of the defined model types.
func (t ModelType) IsValid() bool {
	switch t {
	case ModelTypeCompletion, ModelTypeEmbedding, ModelTypeTranscription, ModelTypeTTS:
		return true
	}
	return false
}

// Capability is a feature flag attached to a model descriptor. Capabilities
// drive the /v1/models capability filters and realtime provider resolution.
type Capability string

const (
	CapCompletion    Capability = "completion"
	CapStreaming     Capability = "streaming"
	CapMultimodal    Capability = "multimodal"
	CapAudio         Capability = "audio"
	CapRealtime      Capability = "realtime"
	CapTools         Capability = "tools"
	CapEmbedding     Capability = "embedding"
	CapTranscription Capability = "transcription"
	CapTTS           Capability = "tts"
	CapWebSearch     Capability = "web_search"
)

// IsValid reports whether c is one of the defined capabilities.
func (c Capability) IsValid() bool {
	switch c {
	case CapCompletion, CapStreaming, CapMultimodal, CapAudio, CapRealtime,
		CapTools, CapEmbedding, CapTranscription, CapTTS, CapWebSearch:
		return true
	}
	return false
}

// CostInfo is the per-token price of a model. Input and output costs are
// expressed per Unit tokens in Currency.
type CostInfo struct {
	InputCost  float64 `json:"input_cost"`
	OutputCost float64 `json:"output_cost"`
	Currency   string  `json:"currency"`
	Unit       string  `json:"unit"`
}

// Total returns the combined per-unit cost used by cost-based routing.
func (c CostInfo) Total() float64 {
	return c.InputCost + c.OutputCost
}

// ModelDescriptor describes one model served by exactly one provider. A model
// id is unique across the whole gateway: model to provider is a function, not
// a relation.
type ModelDescriptor struct {
	// ID is the model identifier clients send in requests.
	ID string `json:"id"`

	// Provider is the registered name of the adapter serving this model.
	Provider string `json:"provider"`

	// Type is the primary modality of the model.
	Type ModelType `json:"type"`

	// Capabilities is the feature set the model supports.
	Capabilities []Capability `json:"capabilities"`

	// ContextWindow is the context size in tokens, zero when unknown.
	ContextWindow int `json:"context_window,omitempty"`

	// MaxTokens is the output cap in tokens, zero when unknown.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Dimensions is the embedding vector width, zero for non-embedding models.
	Dimensions int `json:"dimensions,omitempty"`

	// Costs is the pricing record, nil when unknown.
	Costs *CostInfo `json:"costs,omitempty"`
}

// HasCapability reports whether the descriptor lists cap.
func (d ModelDescriptor) HasCapability(cap Capability) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Adapter is the uniform contract over one upstream provider.
//
// Lifecycle: the registry calls Initialize exactly once before routing any
// traffic to the adapter and Destroy exactly once when unregistering it.
// Between those two calls any operation may run concurrently from multiple
// goroutines.
//
// Validation happens inside the adapter before any network call: a chat
// request without model or messages, a transcription request without file
// bytes, or a speech request with an unknown voice must fail with a
// validation Error without touching the upstream. Adapters never return a
// partially populated success value; either the normalized response is
// complete or an error is returned.
type Adapter interface {
	// Name returns the stable provider name used in registry records,
	// metrics labels, and error details.
	Name() string

	// Initialize validates configuration (an API key or endpoint must be
	// present), constructs the HTTP client, and runs one health probe.
	// It is idempotent; a second call is a no-op returning the first result.
	Initialize(ctx context.Context) error

	// HealthCheck probes the upstream and reports the outcome. The probe
	// must complete within the adapter's probe timeout (5 s default) or
	// fail with a timeout Error.
	HealthCheck(ctx context.Context) (HealthReport, error)

	// ChatCompletion performs a blocking chat call and returns the fully
	// normalized response.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// StreamChatCompletion starts a streaming chat call. The returned
	// channel emits normalized chunks and is closed after a chunk carrying
	// a finish reason ("stop", "length", "content_filter") or a terminal
	// in-band error chunk. The error return is non-nil only when the stream
	// could not start.
	StreamChatCompletion(ctx context.Context, req *ChatRequest) (<-chan ChatChunk, error)

	// CreateEmbedding returns one vector per input, aligned with the input
	// order; a single-string input yields a single-element list.
	CreateEmbedding(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)

	// TranscribeAudio converts speech in the uploaded file to text in the
	// source language.
	TranscribeAudio(ctx context.Context, req *TranscriptionRequest) (*TranscriptionResponse, error)

	// TranslateAudio converts speech in the uploaded file to English text.
	TranslateAudio(ctx context.Context, req *TranscriptionRequest) (*TranscriptionResponse, error)

	// GenerateSpeech synthesizes audio for the given input text.
	GenerateSpeech(ctx context.Context, req *SpeechRequest) (*SpeechResponse, error)

	// SupportedModels returns the adapter's model catalog in stable order.
	// The registry snapshots it at initialize time to build the
	// model-to-provider index.
	SupportedModels() []ModelDescriptor

	// CostInfo returns the pricing record for modelID, nil when unknown.
	CostInfo(modelID string) *CostInfo

	// Metrics returns a snapshot of the adapter's sliding request window.
	Metrics() MetricsSnapshot

	// Destroy releases sockets and stops background work. Safe to call more
	// than once.
	Destroy(ctx context.Context) error
}
