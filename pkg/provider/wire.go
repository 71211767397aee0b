package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Wire types mirror the OpenAI JSON schema so handler, orchestrator, and
// adapters all speak one request shape. Fields the gateway never interprets
// (tools, tool_choice, response_format, multimodal content parts) stay as raw
// JSON and pass through to the provider untouched.

// ChatMessage is one conversation turn. Content is either a JSON string or an
// array of content parts; use Text to read it as plain text.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// validRoles are the roles accepted on inbound chat messages.
var validRoles = map[string]bool{
	"system":    true,
	"developer": true,
	"user":      true,
	"assistant": true,
	"tool":      true,
}

// ValidRole reports whether role is an accepted chat role.
func ValidRole(role string) bool { return validRoles[role] }

// Text returns the message content as plain text. String content is returned
// as is; multimodal part arrays are flattened by concatenating their text
// parts. Non-text parts are skipped.
func (m ChatMessage) Text() string {
	if len(m.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "" || p.Type == "text" || p.Type == "input_text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// TextMessage builds a plain-text message for the given role.
func TextMessage(role, text string) ChatMessage {
	content, _ := json.Marshal(text)
	return ChatMessage{Role: role, Content: content}
}

// ChatRequest is the OpenAI-shaped chat completion request body.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []ChatMessage   `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	User             string          `json:"user,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
}

// Validate checks the request invariants every adapter enforces before any
// network call.
func (r *ChatRequest) Validate() error {
	if r == nil {
		return Validation("request body is required", nil)
	}
	if r.Model == "" {
		return Validation("model is required", map[string]any{"field": "model"})
	}
	if len(r.Messages) == 0 {
		return Validation("messages must not be empty", map[string]any{"field": "messages"})
	}
	for i, m := range r.Messages {
		if !ValidRole(m.Role) {
			return Validation(fmt.Sprintf("invalid role %q", m.Role),
				map[string]any{"field": fmt.Sprintf("messages[%d].role", i)})
		}
	}
	return nil
}

// StopSequences decodes the stop field, which is either a string or an array
// of strings on the wire.
func (r *ChatRequest) StopSequences() []string {
	if len(r.Stop) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(r.Stop, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(r.Stop, &many); err == nil {
		return many
	}
	return nil
}

// Usage is the token accounting block attached to responses.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatChoice is one completion alternative in a blocking response.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatResponse is the normalized blocking chat completion response. Provider
// names the adapter that served the call; adapters stamp it during
// normalization so clients can attribute responses after failover.
type ChatResponse struct {
	ID       string       `json:"id"`
	Object   string       `json:"object"`
	Created  int64        `json:"created"`
	Model    string       `json:"model"`
	Choices  []ChatChoice `json:"choices"`
	Usage    *Usage       `json:"usage,omitempty"`
	Provider string       `json:"provider,omitempty"`
}

// ChunkDelta is the incremental payload inside a streaming choice.
type ChunkDelta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
}

// ChunkChoice is one streaming alternative. FinishReason is nil until the
// final chunk of that choice.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChatChunk is one normalized streaming frame. A chunk with Err set is
// terminal: the adapter closes the channel right after emitting it, and the
// transport layer turns it into an in-band error frame.
type ChatChunk struct {
	ID      string        `json:"id,omitempty"`
	Object  string        `json:"object,omitempty"`
	Created int64         `json:"created,omitempty"`
	Model   string        `json:"model,omitempty"`
	Choices []ChunkChoice `json:"choices,omitempty"`
	Usage   *Usage        `json:"usage,omitempty"`

	Err *Error `json:"-"`
}

// FinishReason returns the first non-nil finish reason in the chunk, or the
// empty string.
func (c ChatChunk) FinishReason() string {
	for _, ch := range c.Choices {
		if ch.FinishReason != nil {
			return *ch.FinishReason
		}
	}
	return ""
}

// EmbeddingRequest is the OpenAI-shaped embeddings request body. Input is a
// string or an array of strings on the wire.
type EmbeddingRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format,omitempty"`
	Dimensions     int             `json:"dimensions,omitempty"`
	User           string          `json:"user,omitempty"`
}

// Validate checks the embeddings request invariants.
func (r *EmbeddingRequest) Validate() error {
	if r == nil {
		return Validation("request body is required", nil)
	}
	if r.Model == "" {
		return Validation("model is required", map[string]any{"field": "model"})
	}
	if _, err := r.Inputs(); err != nil {
		return err
	}
	return nil
}

// Inputs decodes the input field into its list form. A single string becomes
// a one-element list.
func (r *EmbeddingRequest) Inputs() ([]string, error) {
	if len(r.Input) == 0 {
		return nil, Validation("input is required", map[string]any{"field": "input"})
	}
	var one string
	if err := json.Unmarshal(r.Input, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(r.Input, &many); err == nil {
		if len(many) == 0 {
			return nil, Validation("input must not be empty", map[string]any{"field": "input"})
		}
		return many, nil
	}
	return nil, Validation("input must be a string or an array of strings",
		map[string]any{"field": "input"})
}

// EmbeddingData is one vector in an embeddings response, aligned with the
// input list by Index.
type EmbeddingData struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// EmbeddingResponse is the normalized embeddings response.
type EmbeddingResponse struct {
	Object   string          `json:"object"`
	Data     []EmbeddingData `json:"data"`
	Model    string          `json:"model"`
	Usage    *Usage          `json:"usage,omitempty"`
	Provider string          `json:"provider,omitempty"`
}

// TranscriptionRequest carries one uploaded audio file for transcription or
// translation. It arrives as multipart form data, not JSON.
type TranscriptionRequest struct {
	Model          string
	File           []byte
	Filename       string
	Language       string
	Prompt         string
	ResponseFormat string
	Temperature    *float64
}

// Validate checks the transcription request invariants.
func (r *TranscriptionRequest) Validate() error {
	if r == nil {
		return Validation("request body is required", nil)
	}
	if r.Model == "" {
		return Validation("model is required", map[string]any{"field": "model"})
	}
	if len(r.File) == 0 {
		return Validation("file is required", map[string]any{"field": "file"})
	}
	return nil
}

// TranscriptionResponse is the normalized transcription result. Raw preserves
// provider extras (segments, words) for verbose response formats.
type TranscriptionResponse struct {
	Text     string          `json:"text"`
	Language string          `json:"language,omitempty"`
	Duration float64         `json:"duration,omitempty"`
	Provider string          `json:"provider,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

// SpeechRequest is the OpenAI-shaped text-to-speech request body.
type SpeechRequest struct {
	Model          string   `json:"model"`
	Input          string   `json:"input"`
	Voice          string   `json:"voice"`
	ResponseFormat string   `json:"response_format,omitempty"`
	Speed          *float64 `json:"speed,omitempty"`
}

// Validate checks the speech request invariants. voices is the set the
// serving adapter accepts; an empty set skips the voice check.
func (r *SpeechRequest) Validate(voices map[string]bool) error {
	if r == nil {
		return Validation("request body is required", nil)
	}
	if r.Model == "" {
		return Validation("model is required", map[string]any{"field": "model"})
	}
	if r.Input == "" {
		return Validation("input is required", map[string]any{"field": "input"})
	}
	if r.Voice == "" {
		return Validation("voice is required", map[string]any{"field": "voice"})
	}
	if len(voices) > 0 && !voices[strings.ToLower(r.Voice)] {
		return Validation(fmt.Sprintf("invalid voice %q", r.Voice),
			map[string]any{"field": "voice"})
	}
	return nil
}

// SpeechResponse carries synthesized audio and its media type.
type SpeechResponse struct {
	Audio       []byte
	ContentType string
}
