// Package realtime defines the contract between the gateway's realtime
// session multiplexer and upstream realtime transcription backends.
//
// A Dialer wraps one provider's realtime API (the OpenAI-shaped WebSocket
// protocol or the Gemini-shaped BidiGenerateContent protocol) and opens
// Sessions on demand. A Session is a single upstream connection carrying
// audio up and transcript events down. Provider-specific frames are
// translated into the unified Event vocabulary by the normalizer in this
// package, so the multiplexer never sees raw upstream JSON.
//
// Sessions are long-lived (seconds to minutes) and hot: every method must
// return quickly. Event delivery is channel-based to keep the multiplexer's
// session loop free of upstream round-trip latency. All implementations must
// be safe for concurrent use.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Connection handling defaults shared by all upstream adapters.
const (
	// ConnectTimeout bounds the upstream WebSocket dial and handshake.
	ConnectTimeout = 15 * time.Second

	// KeepaliveInterval is the ping cadence on an open upstream socket.
	KeepaliveInterval = 20 * time.Second

	// KeepaliveTimeout bounds a single keepalive ping.
	KeepaliveTimeout = 5 * time.Second

	// DefaultQueueLimit caps the outbound frame queue of a session. When the
	// queue is full the oldest frame is dropped and counted.
	DefaultQueueLimit = 1000

	// DefaultEventBuffer caps the inbound unified-event channel.
	DefaultEventBuffer = 1000
)

// ErrSessionClosed is returned by session methods after Close.
var ErrSessionClosed = errors.New("realtime: session closed")

// EventType discriminates the unified event vocabulary.
type EventType string

// Unified events emitted by upstream sessions. The multiplexer forwards
// these to clients under the same names.
const (
	EventTranscriptDelta EventType = "transcript.delta"
	EventTranscriptDone  EventType = "transcript.done"
	EventSpeechStarted   EventType = "speech_started"
	EventSpeechStopped   EventType = "speech_stopped"
	EventInterrupted     EventType = "interrupted"
	EventUsage           EventType = "usage"
	EventRateLimits      EventType = "rate_limits.updated"
	EventError           EventType = "error"
)

// Event is one unified upstream event.
//
// Text is set for transcript events. Code, Message, and Provider are set for
// errors. Meta preserves provider-native fields that have no unified slot,
// such as VAD edge offsets. Payload carries opaque blobs for usage and
// rate-limit events.
type Event struct {
	Type        EventType       `json:"type"`
	Text        string          `json:"text,omitempty"`
	Interrupted bool            `json:"interrupted,omitempty"`
	Code        string          `json:"code,omitempty"`
	Message     string          `json:"message,omitempty"`
	Provider    string          `json:"provider,omitempty"`
	Meta        map[string]any  `json:"meta,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// IsTerminal reports whether the event ends the current turn cleanly.
func (e Event) IsTerminal() bool {
	return e.Type == EventTranscriptDone
}

// SessionConfig is the provider-neutral session configuration, assembled by
// the multiplexer from client session.update patches.
type SessionConfig struct {
	// Model is the upstream transcription model identifier.
	Model string `json:"model,omitempty"`

	// Language is a BCP-47 hint for the transcriber, empty for auto-detect.
	Language string `json:"language,omitempty"`

	// Prompt is optional biasing text passed through to the transcriber.
	Prompt string `json:"prompt,omitempty"`

	// Include lists provider pass-through metadata the client asked for.
	Include []string `json:"include,omitempty"`

	// VAD selects and tunes turn detection. The zero value means server-side
	// VAD with provider defaults.
	VAD VADConfig `json:"vad,omitempty"`
}

// Dialer opens upstream realtime sessions against one provider.
//
// Dialers are cheap, stateless values. The multiplexer constructs one per
// client session so a per-request credential can override the configured key.
type Dialer interface {
	// Name identifies the provider family, for example "openai" or "gemini".
	Name() string

	// Connect establishes the upstream connection and returns a live Session.
	// Implementations honor ConnectTimeout on the dial and send the initial
	// session configuration before returning. The caller owns the Session
	// and must call Close.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}

// Session is one open upstream realtime connection.
//
// Send methods enqueue onto a bounded outbound queue drained by a single
// writer, so callers never block on upstream I/O and frame order is
// preserved. After Close, all send methods return ErrSessionClosed.
type Session interface {
	// UpdateSession applies a configuration change mid-session. Providers
	// whose protocol fixes configuration at connect apply it best-effort.
	UpdateSession(cfg SessionConfig) error

	// AppendAudio enqueues one base64-encoded PCM16 chunk.
	AppendAudio(b64 string) error

	// CommitAudio marks the end of the current audio turn (manual VAD).
	CommitAudio() error

	// ClearAudio discards audio buffered upstream but not yet committed.
	ClearAudio() error

	// Events returns the channel of unified upstream events. It is closed
	// when the session ends; call Err afterwards to learn whether the close
	// was clean.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil after a
	// clean shutdown. Only meaningful once Events is closed.
	Err() error

	// Close terminates the session and releases the underlying connection.
	// Safe to call more than once.
	Close() error
}
