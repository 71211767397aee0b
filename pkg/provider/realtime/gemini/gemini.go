// Package gemini implements the realtime.Dialer interface for the
// Gemini-shaped BidiGenerateContent protocol.
//
// Session configuration is fixed at connect: the setup frame enables input
// audio transcription and carries the mapped activity detection config.
// Audio flows up as realtimeInput media chunks; manual turn boundaries are
// signaled with an empty clientContent carrying turnComplete. Server frames
// are normalized into the unified vocabulary.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/modelgate/modelgate/pkg/audio"
	"github.com/modelgate/modelgate/pkg/provider/realtime"
)

var _ realtime.Dialer = (*Dialer)(nil)
var _ realtime.Session = (*session)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	bidiPath = "google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the model used when the session config does not name one.
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

// Dialer opens Gemini-shaped realtime transcription sessions.
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
func (d *Dialer) Name() string { return "gemini" }

// Connect dials the BidiGenerateContent endpoint, enqueues the setup frame
// carrying the full session configuration, and returns a live session. The
// dial is bounded by realtime.ConnectTimeout.
func (d *Dialer) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	dialCtx, dialCancel := context.WithTimeout(ctx, realtime.ConnectTimeout)
	defer dialCancel()

	wsURL := fmt.Sprintf("%s/%s?key=%s", d.baseURL, bidiPath, d.apiKey)
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial realtime: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		conn:   conn,
		out:    realtime.NewSendQueue(d.queueLimit, d.log),
		wake:   make(chan struct{}, 1),
		events: make(chan realtime.Event, realtime.DefaultEventBuffer),
		ctx:    sessCtx,
		cancel: sessCancel,
		log:    d.log,
	}

	model := cfg.Model
	if model == "" {
		model = d.model
	}
	if err := s.sendSetup(model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go s.writeLoop()
	go s.receiveLoop()
	go s.keepaliveLoop()

	return s, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupFrame struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                   string               `json:"model"`
	InputAudioTranscription *struct{}            `json:"inputAudioTranscription,omitempty"`
	RealtimeInputConfig     *realtimeInputConfig `json:"realtimeInputConfig,omitempty"`
	SystemInstruction       *systemInstruction   `json:"systemInstruction,omitempty"`
}

type realtimeInputConfig struct {
	AutomaticActivityDetection realtime.GeminiActivityDetection `json:"automaticActivityDetection"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

type realtimeInputFrame struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentFrame struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	out    *realtime.SendQueue
	wake   chan struct{}
	events chan realtime.Event
	log    *slog.Logger

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSetup enqueues the initial BidiGenerateContent setup frame. Input
// transcription is always enabled; the prompt rides along as a system
// instruction for biasing.
func (s *session) sendSetup(model string, cfg realtime.SessionConfig) error {
	frame := setupFrame{
		Setup: setupConfig{
			Model:                   "models/" + model,
			InputAudioTranscription: &struct{}{},
			RealtimeInputConfig: &realtimeInputConfig{
				AutomaticActivityDetection: cfg.VAD.GeminiActivityDetection(),
			},
		},
	}
	if cfg.Prompt != "" {
		frame.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Prompt}},
		}
	}
	return s.enqueue(frame)
}

// UpdateSession is best-effort: the Bidi protocol fixes session configuration
// in the setup frame, so mid-session patches are accepted and ignored.
func (s *session) UpdateSession(_ realtime.SessionConfig) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return realtime.ErrSessionClosed
	}
	s.log.Debug("session update ignored, configuration is fixed at setup", "provider", "gemini")
	return nil
}

// AppendAudio enqueues one base64 PCM16 chunk as a realtime media chunk.
func (s *session) AppendAudio(b64 string) error {
	return s.enqueue(realtimeInputFrame{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{MIMEType: audio.MIMEType, Data: b64}},
		},
	})
}

// CommitAudio signals a manual turn boundary with an empty completed turn.
func (s *session) CommitAudio() error {
	return s.enqueue(clientContentFrame{
		ClientContent: clientContent{Turns: []contentTurn{}, TurnComplete: true},
	})
}

// ClearAudio has no Bidi equivalent; buffered audio cannot be retracted.
func (s *session) ClearAudio() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return realtime.ErrSessionClosed
	}
	return nil
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
		return fmt.Errorf("gemini: marshal frame: %w", err)
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
						s.setErr(fmt.Errorf("gemini: write: %w", err))
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
				s.setErr(fmt.Errorf("gemini: read: %w", err))
				s.cancel()
			}
			return
		}

		for _, evt := range realtime.NormalizeGemini(data) {
			select {
			case s.events <- evt:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// keepaliveLoop pings the upstream socket to keep the Bidi connection alive
// through quiet stretches.
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
				s.log.Warn("keepalive ping failed", "provider", "gemini", "err", err)
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
