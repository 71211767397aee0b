package httpserver

import (
	"io"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	"github.com/modelgate/modelgate/internal/realtime"
	"github.com/modelgate/modelgate/pkg/provider"
)

// deprecatedRealtimeBody is the plain-text answer on the retired upgrade path.
const deprecatedRealtimeBody = "Deprecated endpoint. Use /v1/realtime/transcription"

// handleRealtime upgrades the connection and runs one transcription session
// to completion. Per-session upstream credentials arrive in the
// x-provider-token or x-openai-ephemeral-key header.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, provider.NewError(provider.KindInternal,
			"realtime transcription is not configured"))
		return
	}

	token := r.Header.Get("x-provider-token")
	if token == "" {
		token = r.Header.Get("x-openai-ephemeral-key")
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.wsOriginPatterns(),
	})
	if err != nil {
		// Accept has already written the HTTP error response.
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	if err := s.hub.Serve(r.Context(), conn, realtime.SessionOptions{ProviderToken: token}); err != nil {
		s.log.Warn("realtime session rejected", "err", err)
		conn.Close(websocket.StatusTryAgainLater, "service shutting down")
	}
}

// handleDeprecatedRealtime answers the retired upgrade path with 410 Gone.
func (s *Server) handleDeprecatedRealtime(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusGone)
	io.WriteString(w, deprecatedRealtimeBody)
}

// wsOriginPatterns maps the configured CORS origins onto WebSocket origin
// host patterns. With CORS disabled the zero return keeps the library's
// same-origin default, which only binds browser clients.
func (s *Server) wsOriginPatterns() []string {
	if !s.cfg.CORSEnabled {
		return nil
	}
	if len(s.cfg.CORSOrigins) == 0 {
		return []string{"*"}
	}
	patterns := make([]string, 0, len(s.cfg.CORSOrigins))
	for _, o := range s.cfg.CORSOrigins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}
