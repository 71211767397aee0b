package provider

import (
	"encoding/json"
	"testing"
)

func TestChatMessageText(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"string content", `"hello"`, "hello"},
		{"empty", ``, ""},
		{"text parts", `[{"type":"text","text":"a"},{"type":"text","text":"b"}]`, "ab"},
		{"mixed parts", `[{"type":"text","text":"see: "},{"type":"image_url","image_url":{"url":"x"}}]`, "see: "},
		{"input_text parts", `[{"type":"input_text","text":"hi"}]`, "hi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := ChatMessage{Role: "user", Content: json.RawMessage(tt.content)}
			if got := m.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChatRequestValidate(t *testing.T) {
	valid := &ChatRequest{
		Model:    "gpt-test-1",
		Messages: []ChatMessage{TextMessage("user", "hi")},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	tests := []struct {
		name string
		req  *ChatRequest
	}{
		{"missing model", &ChatRequest{Messages: []ChatMessage{TextMessage("user", "hi")}}},
		{"missing messages", &ChatRequest{Model: "m"}},
		{"invalid role", &ChatRequest{Model: "m", Messages: []ChatMessage{TextMessage("robot", "hi")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if KindOf(err) != KindValidation {
				t.Errorf("KindOf = %v, want %v", KindOf(err), KindValidation)
			}
		})
	}
}

func TestChatRequestStopSequences(t *testing.T) {
	tests := []struct {
		name string
		stop string
		want []string
	}{
		{"none", ``, nil},
		{"single", `"END"`, []string{"END"}},
		{"list", `["a","b"]`, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &ChatRequest{Stop: json.RawMessage(tt.stop)}
			got := r.StopSequences()
			if len(got) != len(tt.want) {
				t.Fatalf("StopSequences() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("StopSequences()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestEmbeddingRequestInputs(t *testing.T) {
	single := &EmbeddingRequest{Model: "e", Input: json.RawMessage(`"one"`)}
	got, err := single.Inputs()
	if err != nil {
		t.Fatalf("Inputs() error = %v", err)
	}
	if len(got) != 1 || got[0] != "one" {
		t.Errorf("Inputs() = %v, want [one]", got)
	}

	list := &EmbeddingRequest{Model: "e", Input: json.RawMessage(`["a","b"]`)}
	got, err = list.Inputs()
	if err != nil {
		t.Fatalf("Inputs() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len(Inputs()) = %d, want 2", len(got))
	}

	bad := &EmbeddingRequest{Model: "e", Input: json.RawMessage(`{"x":1}`)}
	if _, err := bad.Inputs(); err == nil {
		t.Error("Inputs() with object input: want error")
	}

	empty := &EmbeddingRequest{Model: "e", Input: json.RawMessage(`[]`)}
	if _, err := empty.Inputs(); err == nil {
		t.Error("Inputs() with empty list: want error")
	}
}

func TestSpeechRequestValidate(t *testing.T) {
	voices := map[string]bool{"alloy": true, "echo": true}

	ok := &SpeechRequest{Model: "tts-1", Input: "hi", Voice: "alloy"}
	if err := ok.Validate(voices); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	badVoice := &SpeechRequest{Model: "tts-1", Input: "hi", Voice: "bogus"}
	err := badVoice.Validate(voices)
	if err == nil {
		t.Fatal("Validate() = nil, want invalid voice error")
	}
	if KindOf(err) != KindValidation {
		t.Errorf("KindOf = %v, want %v", KindOf(err), KindValidation)
	}

	// An empty voice set skips the membership check but not presence.
	if err := ok.Validate(nil); err != nil {
		t.Errorf("Validate(nil voices) = %v, want nil", err)
	}
	missing := &SpeechRequest{Model: "tts-1", Input: "hi"}
	if err := missing.Validate(nil); err == nil {
		t.Error("Validate() without voice: want error")
	}
}

func TestChunkFinishReason(t *testing.T) {
	stop := "stop"
	c := ChatChunk{Choices: []ChunkChoice{
		{Index: 0, Delta: ChunkDelta{Content: "x"}},
		{Index: 1, FinishReason: &stop},
	}}
	if got := c.FinishReason(); got != "stop" {
		t.Errorf("FinishReason() = %q, want %q", got, "stop")
	}
	if got := (ChatChunk{}).FinishReason(); got != "" {
		t.Errorf("FinishReason() = %q, want empty", got)
	}
}
