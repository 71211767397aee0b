package gemini

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/pkg/provider"
)

// ─── Generative Language wire types ───

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	InlineData       *geminiInlineData       `json:"inlineData,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type geminiFunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	CandidateCount  int      `json:"candidateCount,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string               `json:"modelVersion,omitempty"`
	ResponseID    string               `json:"responseId,omitempty"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// ─── Request conversion ───

// openaiToolCall is the inbound tool_calls element shape.
type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// openaiContentPart is one element of an array-valued message content.
type openaiContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
	InputAudio *struct {
		Data   string `json:"data"`
		Format string `json:"format"`
	} `json:"input_audio,omitempty"`
}

// convertMessages splits OpenAI-shaped messages into a system instruction and
// Gemini turns. System and developer messages merge into the instruction;
// assistant becomes "model"; tool results become functionResponse parts in a
// user turn. Messages that convert to zero parts are dropped.
func convertMessages(msgs []provider.ChatMessage) (*geminiContent, []geminiContent) {
	var system *geminiContent
	var contents []geminiContent

	for _, m := range msgs {
		switch m.Role {
		case "system", "developer":
			if text := m.Text(); text != "" {
				if system == nil {
					system = &geminiContent{}
				}
				system.Parts = append(system.Parts, geminiPart{Text: text})
			}
			continue

		case "tool":
			name := m.Name
			if name == "" {
				name = m.ToolCallID
			}
			contents = append(contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{
					FunctionResponse: &geminiFunctionResponse{
						Name:     name,
						Response: toolResponsePayload(m.Content),
					},
				}},
			})
			continue
		}

		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		content := geminiContent{Role: role, Parts: contentParts(m.Content)}

		for _, tc := range decodeToolCalls(m.ToolCalls) {
			args := json.RawMessage(tc.Function.Arguments)
			if !json.Valid(args) {
				continue
			}
			content.Parts = append(content.Parts, geminiPart{
				FunctionCall: &geminiFunctionCall{Name: tc.Function.Name, Args: args},
			})
		}

		if len(content.Parts) > 0 {
			contents = append(contents, content)
		}
	}
	return system, contents
}

// toolResponsePayload wraps non-object tool output so it satisfies the
// functionResponse object requirement.
func toolResponsePayload(raw json.RawMessage) json.RawMessage {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if json.Valid([]byte(text)) && strings.HasPrefix(strings.TrimSpace(text), "{") {
			return json.RawMessage(text)
		}
		wrapped, _ := json.Marshal(map[string]string{"result": text})
		return wrapped
	}
	if json.Valid(raw) && len(raw) > 0 && raw[0] == '{' {
		return raw
	}
	wrapped, _ := json.Marshal(map[string]string{"result": string(raw)})
	return wrapped
}

// contentParts converts string or multipart message content into Gemini
// parts. Data URLs become inline blobs; parts that cannot be represented are
// skipped.
func contentParts(raw json.RawMessage) []geminiPart {
	if len(raw) == 0 {
		return nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return nil
		}
		return []geminiPart{{Text: text}}
	}

	var arr []openaiContentPart
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil
	}
	var parts []geminiPart
	for _, p := range arr {
		switch p.Type {
		case "text", "input_text", "":
			if p.Text != "" {
				parts = append(parts, geminiPart{Text: p.Text})
			}
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			if blob := dataURLToInline(p.ImageURL.URL); blob != nil {
				parts = append(parts, geminiPart{InlineData: blob})
			}
		case "input_audio":
			if p.InputAudio == nil || p.InputAudio.Data == "" {
				continue
			}
			mime := "audio/wav"
			if p.InputAudio.Format != "" {
				mime = "audio/" + p.InputAudio.Format
			}
			parts = append(parts, geminiPart{
				InlineData: &geminiInlineData{MimeType: mime, Data: p.InputAudio.Data},
			})
		}
	}
	return parts
}

// dataURLToInline decodes a data: URL into an inline blob. Remote URLs return
// nil; the REST API cannot fetch them on the gateway's behalf.
func dataURLToInline(url string) *geminiInlineData {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return nil
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil
	}
	mime, _, _ := strings.Cut(meta, ";")
	if mime == "" {
		mime = "application/octet-stream"
	}
	return &geminiInlineData{MimeType: mime, Data: payload}
}

func decodeToolCalls(raw json.RawMessage) []openaiToolCall {
	if len(raw) == 0 {
		return nil
	}
	var calls []openaiToolCall
	if err := json.Unmarshal(raw, &calls); err != nil {
		return nil
	}
	return calls
}

// convertTools maps OpenAI tool schemas to one Gemini tool holding all
// function declarations. Non-function tools are skipped.
func convertTools(raw json.RawMessage) []geminiTool {
	if len(raw) == 0 {
		return nil
	}
	var tools []struct {
		Type     string `json:"type"`
		Function struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			Parameters  json.RawMessage `json:"parameters"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &tools); err != nil {
		return nil
	}

	var decls []geminiFunctionDeclaration
	for _, t := range tools {
		if t.Type != "" && t.Type != "function" {
			continue
		}
		if t.Function.Name == "" {
			continue
		}
		decls = append(decls, geminiFunctionDeclaration{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	if len(decls) == 0 {
		return nil
	}
	return []geminiTool{{FunctionDeclarations: decls}}
}

// ─── Response conversion ───

// mapFinishReason folds Gemini finish reasons onto the OpenAI vocabulary.
func mapFinishReason(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch reason {
	case "", "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}

// candidateMessage flattens one candidate into an assistant message plus its
// mapped finish reason.
func candidateMessage(c geminiCandidate) (provider.ChatMessage, string) {
	msg := provider.ChatMessage{Role: "assistant"}

	var text strings.Builder
	var calls []wireToolCall
	for _, p := range c.Content.Parts {
		if p.Text != "" {
			text.WriteString(p.Text)
		}
		if p.FunctionCall != nil {
			args := string(p.FunctionCall.Args)
			if args == "" {
				args = "{}"
			}
			calls = append(calls, wireToolCall{
				ID:   "call_" + uuid.NewString(),
				Type: "function",
				Function: wireToolFunction{
					Name:      p.FunctionCall.Name,
					Arguments: args,
				},
			})
		}
	}
	if text.Len() > 0 {
		msg.Content, _ = json.Marshal(text.String())
	}
	if len(calls) > 0 {
		msg.ToolCalls, _ = json.Marshal(calls)
	}
	return msg, mapFinishReason(c.FinishReason, len(calls) > 0)
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

func usageFrom(meta *geminiUsageMetadata) *provider.Usage {
	if meta == nil {
		return nil
	}
	return &provider.Usage{
		PromptTokens:     meta.PromptTokenCount,
		CompletionTokens: meta.CandidatesTokenCount,
		TotalTokens:      meta.TotalTokenCount,
	}
}
