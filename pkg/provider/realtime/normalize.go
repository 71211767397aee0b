package realtime

import (
	"encoding/json"
	"strings"
)

// Normalize translates one raw upstream frame into unified events. It is a
// pure function: it never fails, and frames it does not recognize (including
// malformed JSON and unknown providers) yield an empty list.
func Normalize(provider string, raw []byte) []Event {
	switch strings.ToLower(provider) {
	case "openai":
		return NormalizeOpenAI(raw)
	case "gemini", "google":
		return NormalizeGemini(raw)
	default:
		return nil
	}
}

// ── OpenAI-shaped protocol ─────────────────────────────────────────────────────

type openaiServerEvent struct {
	Type         string             `json:"type"`
	Delta        string             `json:"delta,omitempty"`
	Transcript   string             `json:"transcript,omitempty"`
	ItemID       string             `json:"item_id,omitempty"`
	AudioStartMs *int               `json:"audio_start_ms,omitempty"`
	AudioEndMs   *int               `json:"audio_end_ms,omitempty"`
	RateLimits   json.RawMessage    `json:"rate_limits,omitempty"`
	Error        *openaiErrorDetail `json:"error,omitempty"`
}

type openaiErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// NormalizeOpenAI maps one OpenAI-shaped server frame, discriminated by its
// type field, into unified events.
func NormalizeOpenAI(raw []byte) []Event {
	var evt openaiServerEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil
	}

	switch evt.Type {
	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta == "" {
			return nil
		}
		return []Event{{Type: EventTranscriptDelta, Text: evt.Delta}}

	case "conversation.item.input_audio_transcription.completed":
		return []Event{{Type: EventTranscriptDone, Text: evt.Transcript}}

	case "input_audio_buffer.speech_started":
		meta := map[string]any{}
		if evt.AudioStartMs != nil {
			meta["audio_start_ms"] = *evt.AudioStartMs
		}
		if evt.ItemID != "" {
			meta["item_id"] = evt.ItemID
		}
		return []Event{{Type: EventSpeechStarted, Meta: meta}}

	case "input_audio_buffer.speech_stopped":
		meta := map[string]any{}
		if evt.AudioEndMs != nil {
			meta["audio_end_ms"] = *evt.AudioEndMs
		}
		if evt.ItemID != "" {
			meta["item_id"] = evt.ItemID
		}
		return []Event{{Type: EventSpeechStopped, Meta: meta}}

	case "rate_limits.updated":
		payload := evt.RateLimits
		if len(payload) == 0 {
			payload = raw
		}
		return []Event{{Type: EventRateLimits, Payload: payload}}

	case "error":
		code := "provider_error"
		message := "unknown error"
		if evt.Error != nil {
			if evt.Error.Code != "" {
				code = evt.Error.Code
			}
			if evt.Error.Message != "" {
				message = evt.Error.Message
			}
		}
		return []Event{{Type: EventError, Code: code, Message: message, Provider: "openai"}}

	default:
		return nil
	}
}

// ── Gemini-shaped protocol ─────────────────────────────────────────────────────

type geminiServerMessage struct {
	ServerContent         *geminiServerContent `json:"serverContent,omitempty"`
	RealtimeServerContent *geminiServerContent `json:"realtimeServerContent,omitempty"`
	SetupComplete         json.RawMessage      `json:"setupComplete,omitempty"`
	UsageMetadata         json.RawMessage      `json:"usageMetadata,omitempty"`
	Error                 *geminiErrorDetail   `json:"error,omitempty"`
}

type geminiServerContent struct {
	InputTranscription  *geminiTranscription  `json:"inputTranscription,omitempty"`
	InputTranscriptions []geminiTranscription `json:"inputTranscriptions,omitempty"`
	ModelTurn           *geminiModelTurn      `json:"modelTurn,omitempty"`
	TurnComplete        bool                  `json:"turnComplete,omitempty"`
	Interrupted         *bool                 `json:"interrupted,omitempty"`
}

type geminiTranscription struct {
	Text string `json:"text"`
}

type geminiModelTurn struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiErrorDetail struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}

// NormalizeGemini maps one Gemini-shaped server frame into unified events.
// A single frame can carry several content fields at once; emission order is
// input transcriptions, model turn text, interruption, then turn completion.
func NormalizeGemini(raw []byte) []Event {
	var msg geminiServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}

	var events []Event

	content := msg.ServerContent
	if content == nil {
		content = msg.RealtimeServerContent
	}
	if content != nil {
		if content.InputTranscription != nil && content.InputTranscription.Text != "" {
			events = append(events, Event{
				Type: EventTranscriptDelta,
				Text: content.InputTranscription.Text,
				Meta: map[string]any{"source": "input"},
			})
		}
		for _, tr := range content.InputTranscriptions {
			if tr.Text == "" {
				continue
			}
			events = append(events, Event{
				Type: EventTranscriptDelta,
				Text: tr.Text,
				Meta: map[string]any{"source": "input"},
			})
		}
		if content.ModelTurn != nil {
			var text strings.Builder
			for _, part := range content.ModelTurn.Parts {
				text.WriteString(part.Text)
			}
			if text.Len() > 0 {
				events = append(events, Event{
					Type: EventTranscriptDelta,
					Text: text.String(),
					Meta: map[string]any{"source": "model"},
				})
			}
		}
		if content.Interrupted != nil {
			events = append(events, Event{Type: EventInterrupted, Interrupted: *content.Interrupted})
		}
		if content.TurnComplete {
			events = append(events, Event{Type: EventTranscriptDone})
		}
	}

	if len(msg.UsageMetadata) > 0 {
		events = append(events, Event{Type: EventUsage, Payload: msg.UsageMetadata})
	}

	if msg.Error != nil {
		code := "provider_error"
		if msg.Error.Status != "" {
			code = msg.Error.Status
		}
		message := msg.Error.Message
		if message == "" {
			message = "unknown error"
		}
		events = append(events, Event{Type: EventError, Code: code, Message: message, Provider: "gemini"})
	}

	return events
}
