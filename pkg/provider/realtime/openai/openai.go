// Package openai implements the realtime.Dialer interface for the
// OpenAI-shaped realtime transcription protocol.
//
// It opens a bidirectional WebSocket, configures the transcription session
// with a transcription_session.update frame, streams base64 PCM16 chunks via
// input_audio_buffer.append, and normalizes server events into the unified
// vocabulary. Sends go through a bounded queue drained by a single writer so
// callers never block on upstream I/O.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/modelgate/modelgate/pkg/provider/realtime"
)

var _ realtime.Dialer = (*Dialer)(nil)
var _ realtime.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-transcribe"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the transcription model used when the session config does
// not name one.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// WithLogger sets the logger for connection lifecycle events.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dialer) { d.log = log }
}

// WithQueueLimit bounds the outbound frame queue of opened sessions.
func WithQueueLimit(limit int) Option {
	return func(d *Dialer) { d.queueLimit = limit }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens OpenAI-shaped realtime transcription sessions.
type Dialer struct {
	apiKey     string
	model      string
	baseURL    string
	queueLimit int
	log        *slog.Logger
}

// New creates a Dialer with the given API key and options.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    defaultBaseURL,
		queueLimit: realtime.DefaultQueueLimit,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Name identifies the provider family.
func (d *Dialer) Name() string { return "openai" }

// Connect dials the realtime endpoint with bearer auth and the realtime
// version header, enqueues the initial transcription_session.update, and
// returns a live session. The dial is bounded by realtime.ConnectTimeout.
func (d *Dialer) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	dialCtx, dialCancel := context.WithTimeout(ctx, realtime.ConnectTimeout)
	defer dialCancel()

	wsURL := d.baseURL + "?intent=transcription"
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial realtime: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		conn:         conn,
		defaultModel: d.model,
		out:          realtime.NewSendQueue(d.queueLimit, d.log),
		wake:         make(chan struct{}, 1),
		events:       make(chan realtime.Event, realtime.DefaultEventBuffer),
		ctx:          sessCtx,
		cancel:       sessCancel,
		log:          d.log,
	}

	if err := s.UpdateSession(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go s.writeLoop()
	go s.receiveLoop()
	go s.keepaliveLoop()

	return s, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateFrame struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	InputAudioFormat        string                        `json:"input_audio_format"`
	InputAudioTranscription *transcriptionParams          `json:"input_audio_transcription,omitempty"`
	TurnDetection           *realtime.OpenAITurnDetection `json:"turn_detection"`
	Include                 []string                      `json:"include,omitempty"`
}

type transcriptionParams struct {
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

type appendAudioFrame struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type typedFrame struct {
	Type string `json:"type"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn         *websocket.Conn
	defaultModel string
	out          *realtime.SendQueue
	wake         chan struct{}
	events       chan realtime.Event
	log          *slog.Logger

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// UpdateSession sends a transcription_session.update carrying model,
// language, prompt, includes, and the mapped turn detection config.
// turn_detection is always present: manual VAD serializes it as null, which
// disables provider-side detection.
func (s *session) UpdateSession(cfg realtime.SessionConfig) error {
	model := cfg.Model
	if model == "" {
		model = s.defaultModel
	}
	params := sessionParams{
		InputAudioFormat: "pcm16",
		InputAudioTranscription: &transcriptionParams{
			Model:    model,
			Language: cfg.Language,
			Prompt:   cfg.Prompt,
		},
		TurnDetection: cfg.VAD.OpenAITurnDetection(),
		Include:       cfg.Include,
	}
	return s.enqueue(sessionUpdateFrame{Type: "transcription_session.update", Session: params})
}

// AppendAudio enqueues one base64 PCM16 chunk.
func (s *session) AppendAudio(b64 string) error {
	return s.enqueue(appendAudioFrame{Type: "input_audio_buffer.append", Audio: b64})
}

// CommitAudio marks the end of the current audio turn.
func (s *session) CommitAudio() error {
	return s.enqueue(typedFrame{Type: "input_audio_buffer.commit"})
}

// ClearAudio discards audio buffered upstream but not yet committed.
func (s *session) ClearAudio() error {
	return s.enqueue(typedFrame{Type: "input_audio_buffer.clear"})
}

// Events returns the unified event channel. Closed when the session ends.
func (s *session) Events() <-chan realtime.Event { return s.events }

// Err returns the error that terminated the session, nil after a clean close.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

// enqueue marshals v onto the outbound queue and nudges the writer.
func (s *session) enqueue(v any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return realtime.ErrSessionClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal frame: %w", err)
	}
	s.out.Push(data)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// writeLoop is the single writer: it drains the outbound queue in order.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
			for _, frame := range s.out.Drain() {
				if err := s.conn.Write(s.ctx, websocket.MessageText, frame); err != nil {
					if s.ctx.Err() == nil {
						s.setErr(fmt.Errorf("openai: write: %w", err))
						s.cancel()
					}
					return
				}
			}
		}
	}
}

// receiveLoop reads server frames, normalizes them, and forwards the unified
// events. It owns the events channel and closes it on exit.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(fmt.Errorf("openai: read: %w", err))
				s.cancel()
			}
			return
		}

		for _, evt := range realtime.NormalizeOpenAI(data) {
			select {
			case s.events <- evt:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// keepaliveLoop pings the upstream socket to keep intermediaries from
// timing out an idle transcription session.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(realtime.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, realtime.KeepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				s.log.Warn("keepalive ping failed", "provider", "openai", "err", err)
			}
			cancel()
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}
