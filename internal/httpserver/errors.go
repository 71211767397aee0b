package httpserver

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/modelgate/modelgate/pkg/provider"
)

// errorBody is the envelope every JSON error response uses. The HTTP status
// line always equals Error.StatusCode.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Name       string         `json:"name"`
	Message    string         `json:"message"`
	Code       string         `json:"code"`
	StatusCode int            `json:"statusCode"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// errorName maps an error kind to the envelope's name field.
func errorName(kind provider.Kind) string {
	switch kind {
	case provider.KindValidation:
		return "ValidationError"
	case provider.KindAuthentication:
		return "AuthenticationError"
	case provider.KindAuthorization:
		return "AuthorizationError"
	case provider.KindModelNotFound:
		return "ModelNotFoundError"
	case provider.KindRateLimit:
		return "RateLimitError"
	case provider.KindTransient, provider.KindProviderFatal:
		return "ProviderError"
	case provider.KindCircuitOpen, provider.KindQueueFull:
		return "ServiceUnavailableError"
	case provider.KindTimeout:
		return "TimeoutError"
	default:
		return "InternalError"
	}
}

// envelope builds the wire form of err. Provider attribution goes into
// details so the top-level shape stays stable across error sources.
func envelope(err error) (int, errorBody) {
	pe := provider.Wrap("", err)
	status := pe.HTTPStatus()

	details := pe.Details
	if pe.Provider != "" {
		d := make(map[string]any, len(details)+1)
		for k, v := range details {
			d[k] = v
		}
		d["provider"] = pe.Provider
		details = d
	}

	return status, errorBody{Error: errorDetail{
		Name:       errorName(pe.Kind),
		Message:    pe.Message,
		Code:       pe.Code,
		StatusCode: status,
		Details:    details,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}}
}

// writeError sends err as the standard envelope. Rate-limit errors carry a
// Retry-After header, defaulting to one second when the upstream gave no hint.
func writeError(w http.ResponseWriter, err error) {
	pe := provider.Wrap("", err)
	if pe.Kind == provider.KindRateLimit {
		secs := int(math.Ceil(pe.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	status, body := envelope(pe)
	writeJSON(w, status, body)
}

// writeJSON encodes v with the given status. Encoding failures fall back to
// a plain 500; at that point the header block is already out.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":{"code":"INTERNAL_ERROR"}}`, http.StatusInternalServerError)
	}
}

// writeRawJSON sends a pre-encoded JSON body with a 200 status.
func writeRawJSON(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
