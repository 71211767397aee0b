package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/modelgate/modelgate/pkg/provider/realtime"
	"github.com/modelgate/modelgate/pkg/provider/realtime/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsAuthAndIntent(t *testing.T) {
	t.Parallel()

	type dialInfo struct {
		auth   string
		beta   string
		intent string
	}
	dialed := make(chan dialInfo, 1)

	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		dialed <- dialInfo{
			auth:   r.Header.Get("Authorization"),
			beta:   r.Header.Get("OpenAI-Beta"),
			intent: r.URL.Query().Get("intent"),
		}
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	d := openai.New("sk-test", openai.WithBaseURL(wsURL(srv)))
	sess, err := d.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case info := <-dialed:
		if info.auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q; want Bearer sk-test", info.auth)
		}
		if info.beta != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q; want realtime=v1", info.beta)
		}
		if info.intent != "transcription" {
			t.Errorf("intent = %q; want transcription", info.intent)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type updateMsg struct {
		Type    string `json:"type"`
		Session struct {
			InputAudioFormat        string `json:"input_audio_format"`
			InputAudioTranscription struct {
				Model    string `json:"model"`
				Language string `json:"language"`
			} `json:"input_audio_transcription"`
			TurnDetection *struct {
				Type              string `json:"type"`
				SilenceDurationMs int    `json:"silence_duration_ms"`
				PrefixPaddingMs   int    `json:"prefix_padding_ms"`
			} `json:"turn_detection"`
		} `json:"session"`
	}

	received := make(chan updateMsg, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg updateMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	d := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	cfg := realtime.SessionConfig{
		Model:    "gpt-4o-mini-transcribe",
		Language: "de",
		VAD:      realtime.VADConfig{Type: realtime.VADServer},
	}
	sess, err := d.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case msg := <-received:
		if msg.Type != "transcription_session.update" {
			t.Errorf("type = %q; want transcription_session.update", msg.Type)
		}
		if msg.Session.InputAudioFormat != "pcm16" {
			t.Errorf("input_audio_format = %q; want pcm16", msg.Session.InputAudioFormat)
		}
		if msg.Session.InputAudioTranscription.Model != "gpt-4o-mini-transcribe" {
			t.Errorf("model = %q; want gpt-4o-mini-transcribe", msg.Session.InputAudioTranscription.Model)
		}
		if msg.Session.InputAudioTranscription.Language != "de" {
			t.Errorf("language = %q; want de", msg.Session.InputAudioTranscription.Language)
		}
		if msg.Session.TurnDetection == nil {
			t.Fatal("turn_detection missing for server_vad")
		}
		if msg.Session.TurnDetection.SilenceDurationMs != 500 || msg.Session.TurnDetection.PrefixPaddingMs != 300 {
			t.Errorf("turn_detection defaults = %d/%d; want 500/300",
				msg.Session.TurnDetection.SilenceDurationMs, msg.Session.TurnDetection.PrefixPaddingMs)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_ManualVADSendsNullTurnDetection(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		received <- raw
		<-conn.CloseRead(context.Background()).Done()
	})

	d := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := d.Connect(context.Background(), realtime.SessionConfig{
		VAD: realtime.VADConfig{Type: realtime.VADManual},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case raw := <-received:
		session, ok := raw["session"].(map[string]any)
		if !ok {
			t.Fatalf("missing session object: %v", raw)
		}
		td, present := session["turn_detection"]
		if !present {
			t.Fatal("turn_detection key absent; manual VAD must send explicit null")
		}
		if td != nil {
			t.Errorf("turn_detection = %v; want null", td)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_DefaultModelApplied(t *testing.T) {
	t.Parallel()

	received := make(chan string, 1)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Session struct {
				InputAudioTranscription struct {
					Model string `json:"model"`
				} `json:"input_audio_transcription"`
			} `json:"session"`
		}
		readJSON(t, conn, &msg)
		received <- msg.Session.InputAudioTranscription.Model
		<-conn.CloseRead(context.Background()).Done()
	})

	d := openai.New("key", openai.WithBaseURL(wsURL(srv)), openai.WithModel("whisper-1"))
	sess, err := d.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case model := <-received:
		if model != "whisper-1" {
			t.Errorf("model = %q; want whisper-1", model)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	d := openai.New("key", openai.WithBaseURL("ws://127.0.0.1:1"))
	if _, err := d.Connect(context.Background(), realtime.SessionConfig{}); err == nil {
		t.Fatal("expected dial error")
	}
}

// ── Audio frames ──────────────────────────────────────────────────────────────

func TestAudioFrameOrdering(t *testing.T) {
	t.Parallel()

	frames := make(chan string, 8)

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		for i := 0; i < 5; i++ {
			var raw struct {
				Type  string `json:"type"`
				Audio string `json:"audio"`
			}
			readJSON(t, conn, &raw)
			if raw.Type == "input_audio_buffer.append" {
				frames <- raw.Type + ":" + raw.Audio
			} else {
				frames <- raw.Type
			}
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	d := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := d.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if err := sess.AppendAudio("YQ=="); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	if err := sess.AppendAudio("Yg=="); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	if err := sess.CommitAudio(); err != nil {
		t.Fatalf("CommitAudio: %v", err)
	}
	if err := sess.ClearAudio(); err != nil {
		t.Fatalf("ClearAudio: %v", err)
	}

	want := []string{
		"transcription_session.update",
		"input_audio_buffer.append:YQ==",
		"input_audio_buffer.append:Yg==",
		"input_audio_buffer.commit",
		"input_audio_buffer.clear",
	}
	for i, w := range want {
		select {
		case got := <-frames:
			if got != w {
				t.Errorf("frame %d: got %q, want %q", i, got, w)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for frame %d", i)
		}
	}
}

// ── Server events ─────────────────────────────────────────────────────────────

func TestReceive_NormalizedTranscript(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"type":  "conversation.item.input_audio_transcription.delta",
			"delta": "par",
		})
		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "partial words",
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	d := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := d.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	var got []realtime.Event
	timeout := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case evt, ok := <-sess.Events():
			if !ok {
				t.Fatalf("events channel closed early, got %d events", len(got))
			}
			got = append(got, evt)
		case <-timeout:
			t.Fatalf("timeout, got %d events", len(got))
		}
	}

	if got[0].Type != realtime.EventTranscriptDelta || got[0].Text != "par" {
		t.Errorf("event 0 = %+v; want transcript.delta with text par", got[0])
	}
	if got[1].Type != realtime.EventTranscriptDone || got[1].Text != "partial words" {
		t.Errorf("event 1 = %+v; want transcript.done with full text", got[1])
	}
}

func TestReceive_ErrorEvent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"type": "error",
			"error": map[string]any{
				"code":    "session_expired",
				"message": "session has expired",
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	d := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := d.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case evt := <-sess.Events():
		if evt.Type != realtime.EventError {
			t.Fatalf("got %+v; want error event", evt)
		}
		if evt.Code != "session_expired" {
			t.Errorf("code = %q; want session_expired", evt.Code)
		}
		if evt.Provider != "openai" {
			t.Errorf("provider = %q; want openai", evt.Provider)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	d := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := d.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	// The events channel drains and closes after Close.
	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-sess.Events():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("events channel never closed")
		}
	}
}

func TestSendAfterClose(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	d := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	sess, err := d.Connect(context.Background(), realtime.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess.Close()

	if err := sess.AppendAudio("YQ=="); !errors.Is(err, realtime.ErrSessionClosed) {
		t.Errorf("AppendAudio after close = %v; want ErrSessionClosed", err)
	}
	if err := sess.CommitAudio(); !errors.Is(err, realtime.ErrSessionClosed) {
		t.Errorf("CommitAudio after close = %v; want ErrSessionClosed", err)
	}
}

func TestName(t *testing.T) {
	t.Parallel()
	if got := openai.New("key").Name(); got != "openai" {
		t.Errorf("Name() = %q; want openai", got)
	}
}
