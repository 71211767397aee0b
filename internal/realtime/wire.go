package realtime

import (
	"encoding/json"

	"github.com/modelgate/modelgate/pkg/provider/realtime"
)

// Client event discriminators.
const (
	clientSessionUpdate = "session.update"
	clientAudioAppend   = "input_audio.append"
	clientAudioCommit   = "input_audio.commit"
	clientAudioClear    = "input_audio.clear"
)

// Server event discriminators beyond the unified upstream vocabulary.
const (
	serverSessionCreated = "session.created"
	serverSessionUpdated = "session.updated"
	serverError          = "error"
)

// Error codes emitted by the multiplexer itself. Upstream error codes pass
// through unchanged.
const (
	codeInvalidJSON         = "invalid_json"
	codeUnknownEvent        = "unknown_event"
	codeBinaryUnsupported   = "binary_unsupported"
	codeInvalidAudioBase64  = "invalid_audio_base64"
	codeInvalidAudioChunk   = "invalid_audio_chunk"
	codeProviderUnavailable = "provider_unavailable"
	codeConnectFailed       = "upstream_connect_failed"
	codeUpstreamClosed      = "upstream_closed"
	codeIdleTimeout         = "idle_timeout"
)

// clientEvent is the envelope of every client frame. Audio is set for
// input_audio.append. A session.update patch arrives either nested under
// "session" (the OpenAI shape) or flattened onto the event itself; the
// embedded configPatch captures the flattened form.
type clientEvent struct {
	Type    string          `json:"type"`
	Audio   string          `json:"audio,omitempty"`
	Session json.RawMessage `json:"session,omitempty"`
	configPatch
}

// configPatch is the session.update payload. Pointer fields distinguish
// "absent" from "set to the zero value" so patches merge instead of replace.
type configPatch struct {
	Model    *string             `json:"model"`
	Provider *string             `json:"provider"`
	Language *string             `json:"language"`
	Prompt   *string             `json:"prompt"`
	Include  []string            `json:"include"`
	VAD      *realtime.VADConfig `json:"vad"`
}

// apply merges the patch into cfg and returns the provider override, if any.
func (p configPatch) apply(cfg *realtime.SessionConfig) (providerOverride string, ok bool) {
	if p.Model != nil {
		cfg.Model = *p.Model
	}
	if p.Language != nil {
		cfg.Language = *p.Language
	}
	if p.Prompt != nil {
		cfg.Prompt = *p.Prompt
	}
	if p.Include != nil {
		cfg.Include = p.Include
	}
	if p.VAD != nil {
		cfg.VAD = *p.VAD
	}
	if p.Provider != nil {
		return *p.Provider, true
	}
	return "", false
}

// serverEvent is the envelope of every frame sent to the client.
type serverEvent struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"sessionId,omitempty"`
	Session     *sessionInfo    `json:"session,omitempty"`
	Text        string          `json:"text,omitempty"`
	Interrupted bool            `json:"interrupted,omitempty"`
	Code        string          `json:"code,omitempty"`
	Message     string          `json:"message,omitempty"`
	Provider    string          `json:"provider,omitempty"`
	Details     map[string]any  `json:"details,omitempty"`
	Meta        map[string]any  `json:"meta,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// sessionInfo is the configuration echo in session.updated acks.
type sessionInfo struct {
	Model    string              `json:"model,omitempty"`
	Provider string              `json:"provider,omitempty"`
	Language string              `json:"language,omitempty"`
	Prompt   string              `json:"prompt,omitempty"`
	Include  []string            `json:"include,omitempty"`
	VAD      *realtime.VADConfig `json:"vad,omitempty"`
}

// errorEvent builds an error frame. The session decides separately whether
// the error also ends the session.
func errorEvent(code, message, providerName string, details map[string]any) serverEvent {
	return serverEvent{
		Type:     serverError,
		Code:     code,
		Message:  message,
		Provider: providerName,
		Details:  details,
	}
}

// fromUpstream converts a unified upstream event into a client frame.
func fromUpstream(ev realtime.Event) serverEvent {
	out := serverEvent{
		Type:        string(ev.Type),
		Text:        ev.Text,
		Interrupted: ev.Interrupted,
		Meta:        ev.Meta,
		Payload:     ev.Payload,
	}
	if ev.Type == realtime.EventError {
		out.Code = ev.Code
		if out.Code == "" {
			out.Code = "provider_error"
		}
		out.Message = ev.Message
		out.Provider = ev.Provider
	}
	return out
}
