// Package mock provides a configurable in-memory Adapter for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/modelgate/modelgate/pkg/provider"
)

// Adapter is a scriptable provider.Adapter. Zero value works as an always
// healthy adapter with no models; fields customize behavior per test.
type Adapter struct {
	NameValue string
	Models    []provider.ModelDescriptor

	InitErr    error
	DestroyErr error

	HealthRep provider.HealthReport
	HealthErr error

	// ChatFn, when set, takes precedence over ChatResp/ChatErr.
	ChatFn   func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
	ChatResp *provider.ChatResponse
	ChatErr  error

	// StreamChunks are replayed onto the stream channel in order.
	StreamChunks []provider.ChatChunk
	StreamErr    error

	EmbedResp *provider.EmbeddingResponse
	EmbedErr  error

	TranscribeResp *provider.TranscriptionResponse
	TranscribeErr  error

	TranslateResp *provider.TranscriptionResponse
	TranslateErr  error

	SpeechResp *provider.SpeechResponse
	SpeechErr  error

	// MetricsSnap overrides the snapshot returned by Metrics.
	MetricsSnap *provider.MetricsSnapshot

	// Latency is slept before every operation when set.
	Latency time.Duration

	mu           sync.Mutex
	initCalls    int
	destroyCalls int
	healthCalls  int
	chatCalls    int
	streamCalls  int
	embedCalls   int
	sttCalls     int
	speechCalls  int
}

var _ provider.Adapter = (*Adapter)(nil)

// New returns a mock adapter with the given name and model catalog.
func New(name string, models ...provider.ModelDescriptor) *Adapter {
	return &Adapter{NameValue: name, Models: models}
}

// Model builds a minimal ModelDescriptor for test catalogs.
func Model(id, providerName string, typ provider.ModelType, costs *provider.CostInfo) provider.ModelDescriptor {
	caps := []provider.Capability{provider.CapCompletion}
	switch typ {
	case provider.ModelTypeEmbedding:
		caps = []provider.Capability{provider.CapEmbedding}
	case provider.ModelTypeTranscription:
		caps = []provider.Capability{provider.CapTranscription}
	case provider.ModelTypeTTS:
		caps = []provider.Capability{provider.CapTTS}
	}
	return provider.ModelDescriptor{
		ID:           id,
		Provider:     providerName,
		Type:         typ,
		Capabilities: caps,
		Costs:        costs,
	}
}

func (a *Adapter) pause(ctx context.Context) error {
	if a.Latency <= 0 {
		return nil
	}
	select {
	case <-time.After(a.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) Name() string {
	if a.NameValue == "" {
		return "mock"
	}
	return a.NameValue
}

func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	a.initCalls++
	a.mu.Unlock()
	if err := a.pause(ctx); err != nil {
		return err
	}
	return a.InitErr
}

func (a *Adapter) HealthCheck(ctx context.Context) (provider.HealthReport, error) {
	a.mu.Lock()
	a.healthCalls++
	a.mu.Unlock()
	if err := a.pause(ctx); err != nil {
		return provider.HealthReport{State: provider.HealthUnhealthy, Timestamp: time.Now()}, err
	}
	if a.HealthErr != nil {
		return provider.HealthReport{State: provider.HealthUnhealthy, Timestamp: time.Now()}, a.HealthErr
	}
	if a.HealthRep.State == "" {
		return provider.HealthReport{State: provider.HealthHealthy, Timestamp: time.Now()}, nil
	}
	return a.HealthRep, nil
}

func (a *Adapter) ChatCompletion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	a.mu.Lock()
	a.chatCalls++
	a.mu.Unlock()
	if err := a.pause(ctx); err != nil {
		return nil, provider.Wrap(a.Name(), err)
	}
	if a.ChatFn != nil {
		return a.ChatFn(ctx, req)
	}
	if a.ChatErr != nil {
		return nil, a.ChatErr
	}
	if a.ChatResp != nil {
		return a.ChatResp, nil
	}
	return &provider.ChatResponse{
		ID:      "chatcmpl-mock",
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []provider.ChatChoice{{
			Index:        0,
			Message:      provider.TextMessage("assistant", "ok"),
			FinishReason: "stop",
		}},
		Provider: a.Name(),
	}, nil
}

func (a *Adapter) StreamChatCompletion(ctx context.Context, req *provider.ChatRequest) (<-chan provider.ChatChunk, error) {
	a.mu.Lock()
	a.streamCalls++
	a.mu.Unlock()
	if err := a.pause(ctx); err != nil {
		return nil, provider.Wrap(a.Name(), err)
	}
	if a.StreamErr != nil {
		return nil, a.StreamErr
	}
	chunks := a.StreamChunks
	if len(chunks) == 0 {
		chunks = []provider.ChatChunk{
			{
				ID:      "chatcmpl-mock",
				Object:  "chat.completion.chunk",
				Model:   req.Model,
				Choices: []provider.ChunkChoice{{Delta: provider.ChunkDelta{Content: "ok"}}},
			},
			{
				ID:      "chatcmpl-mock",
				Object:  "chat.completion.chunk",
				Model:   req.Model,
				Choices: []provider.ChunkChoice{{Delta: provider.ChunkDelta{}, FinishReason: strPtr("stop")}},
			},
		}
	}
	out := make(chan provider.ChatChunk, len(chunks))
	go func() {
		defer close(out)
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (a *Adapter) CreateEmbedding(ctx context.Context, req *provider.EmbeddingRequest) (*provider.EmbeddingResponse, error) {
	a.mu.Lock()
	a.embedCalls++
	a.mu.Unlock()
	if err := a.pause(ctx); err != nil {
		return nil, provider.Wrap(a.Name(), err)
	}
	if a.EmbedErr != nil {
		return nil, a.EmbedErr
	}
	if a.EmbedResp != nil {
		return a.EmbedResp, nil
	}
	return &provider.EmbeddingResponse{
		Object:   "list",
		Model:    req.Model,
		Data:     []provider.EmbeddingData{{Object: "embedding", Index: 0, Embedding: []float64{0.1, 0.2}}},
		Provider: a.Name(),
	}, nil
}

func (a *Adapter) TranscribeAudio(ctx context.Context, req *provider.TranscriptionRequest) (*provider.TranscriptionResponse, error) {
	a.mu.Lock()
	a.sttCalls++
	a.mu.Unlock()
	if err := a.pause(ctx); err != nil {
		return nil, provider.Wrap(a.Name(), err)
	}
	if a.TranscribeErr != nil {
		return nil, a.TranscribeErr
	}
	if a.TranscribeResp != nil {
		return a.TranscribeResp, nil
	}
	return &provider.TranscriptionResponse{Text: "transcript", Provider: a.Name()}, nil
}

func (a *Adapter) TranslateAudio(ctx context.Context, req *provider.TranscriptionRequest) (*provider.TranscriptionResponse, error) {
	a.mu.Lock()
	a.sttCalls++
	a.mu.Unlock()
	if err := a.pause(ctx); err != nil {
		return nil, provider.Wrap(a.Name(), err)
	}
	if a.TranslateErr != nil {
		return nil, a.TranslateErr
	}
	if a.TranslateResp != nil {
		return a.TranslateResp, nil
	}
	return &provider.TranscriptionResponse{Text: "translation", Provider: a.Name()}, nil
}

func (a *Adapter) GenerateSpeech(ctx context.Context, req *provider.SpeechRequest) (*provider.SpeechResponse, error) {
	a.mu.Lock()
	a.speechCalls++
	a.mu.Unlock()
	if err := a.pause(ctx); err != nil {
		return nil, provider.Wrap(a.Name(), err)
	}
	if a.SpeechErr != nil {
		return nil, a.SpeechErr
	}
	if a.SpeechResp != nil {
		return a.SpeechResp, nil
	}
	return &provider.SpeechResponse{Audio: []byte("audio"), ContentType: "audio/mpeg"}, nil
}

func (a *Adapter) SupportedModels() []provider.ModelDescriptor { return a.Models }

func (a *Adapter) CostInfo(modelID string) *provider.CostInfo {
	for _, m := range a.Models {
		if m.ID == modelID {
			return m.Costs
		}
	}
	return nil
}

func (a *Adapter) Metrics() provider.MetricsSnapshot {
	if a.MetricsSnap != nil {
		return *a.MetricsSnap
	}
	return provider.MetricsSnapshot{SuccessRate: 1.0}
}

func (a *Adapter) Destroy(ctx context.Context) error {
	a.mu.Lock()
	a.destroyCalls++
	a.mu.Unlock()
	return a.DestroyErr
}

// ── Call counters ─────────────────────────────────────────────────────────────

func (a *Adapter) InitCalls() int    { a.mu.Lock(); defer a.mu.Unlock(); return a.initCalls }
func (a *Adapter) DestroyCalls() int { a.mu.Lock(); defer a.mu.Unlock(); return a.destroyCalls }
func (a *Adapter) HealthCalls() int  { a.mu.Lock(); defer a.mu.Unlock(); return a.healthCalls }
func (a *Adapter) ChatCalls() int    { a.mu.Lock(); defer a.mu.Unlock(); return a.chatCalls }
func (a *Adapter) StreamCalls() int  { a.mu.Lock(); defer a.mu.Unlock(); return a.streamCalls }
func (a *Adapter) EmbedCalls() int   { a.mu.Lock(); defer a.mu.Unlock(); return a.embedCalls }
func (a *Adapter) STTCalls() int     { a.mu.Lock(); defer a.mu.Unlock(); return a.sttCalls }
func (a *Adapter) SpeechCalls() int  { a.mu.Lock(); defer a.mu.Unlock(); return a.speechCalls }

func strPtr(s string) *string { return &s }
