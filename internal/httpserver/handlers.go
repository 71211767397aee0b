package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/modelgate/modelgate/pkg/provider"
)

const (
	// maxBodyBytes caps JSON request bodies.
	maxBodyBytes = 10 << 20

	// maxAudioUploadBytes caps uploaded audio files, matching the OpenAI
	// transcription limit.
	maxAudioUploadBytes = 25 << 20
)

// decodeJSON reads the request body into v, translating failures into
// validation errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return provider.Validation(
				fmt.Sprintf("request body exceeds %d bytes", int64(maxBodyBytes)), nil)
		}
		return provider.Validation("invalid JSON body: "+err.Error(), nil)
	}
	return nil
}

// ─── Chat ───

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req provider.ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Stream {
		s.streamChat(w, r, &req)
		return
	}
	resp, err := s.gateway.ChatCompletion(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamChat relays normalized chunks as server-sent events. Errors before
// the first byte use the standard envelope with a real status code; errors
// after headers are delivered in-band as a data frame and end the stream
// without the [DONE] terminator.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req *provider.ChatRequest) {
	ch, err := s.gateway.StreamChatCompletion(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	rc.Flush()

	for chunk := range ch {
		if chunk.Err != nil {
			_, body := envelope(chunk.Err)
			writeSSEFrame(w, rc, body)
			s.log.Warn("stream aborted",
				"code", chunk.Err.Code, "provider", chunk.Err.Provider)
			return
		}
		if err := writeSSEFrame(w, rc, chunk); err != nil {
			// Client went away. The request context cancels the upstream
			// stream; drain the channel so the admission slot releases.
			for range ch {
			}
			return
		}
	}
	io.WriteString(w, "data: [DONE]\n\n")
	rc.Flush()
}

func writeSSEFrame(w io.Writer, rc *http.ResponseController, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return rc.Flush()
}

// ─── Embeddings ───

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req provider.EmbeddingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.gateway.CreateEmbedding(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Audio ───

func (s *Server) handleTranscriptions(w http.ResponseWriter, r *http.Request) {
	s.handleAudio(w, r, s.gateway.TranscribeAudio)
}

func (s *Server) handleTranslations(w http.ResponseWriter, r *http.Request) {
	s.handleAudio(w, r, s.gateway.TranslateAudio)
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request,
	call func(context.Context, *provider.TranscriptionRequest) (*provider.TranscriptionResponse, error),
) {
	req, err := parseTranscriptionForm(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := call(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	switch req.ResponseFormat {
	case "text":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, resp.Text)
	case "verbose_json":
		if len(resp.Raw) > 0 {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Write(resp.Raw)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

// parseTranscriptionForm extracts the multipart transcription request. The
// file part is read fully into memory; uploads are capped at
// maxAudioUploadBytes.
func parseTranscriptionForm(w http.ResponseWriter, r *http.Request) (*provider.TranscriptionRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioUploadBytes+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		return nil, provider.Validation("malformed multipart form: "+err.Error(), nil)
	}

	f, hdr, err := r.FormFile("file")
	if err != nil {
		return nil, provider.Validation("file is required", map[string]any{"field": "file"})
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxAudioUploadBytes+1))
	if err != nil {
		return nil, provider.Validation("reading file upload: "+err.Error(),
			map[string]any{"field": "file"})
	}
	if len(data) > maxAudioUploadBytes {
		return nil, provider.Validation(
			fmt.Sprintf("file exceeds %d bytes", int64(maxAudioUploadBytes)),
			map[string]any{"field": "file"})
	}

	req := &provider.TranscriptionRequest{
		Model:          r.FormValue("model"),
		File:           data,
		Filename:       hdr.Filename,
		Language:       r.FormValue("language"),
		Prompt:         r.FormValue("prompt"),
		ResponseFormat: r.FormValue("response_format"),
	}
	if t := r.FormValue("temperature"); t != "" {
		v, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return nil, provider.Validation("temperature must be a number",
				map[string]any{"field": "temperature"})
		}
		req.Temperature = &v
	}
	return req, nil
}

// ─── Speech ───

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	var req provider.SpeechRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.gateway.GenerateSpeech(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	ct := resp.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Audio)))
	w.WriteHeader(http.StatusOK)
	w.Write(resp.Audio)
}
