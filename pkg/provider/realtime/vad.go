package realtime

import "strings"

// VADType selects who detects turn boundaries.
type VADType string

const (
	// VADServer lets the provider segment speech automatically.
	VADServer VADType = "server_vad"

	// VADManual disables provider detection; the client commits turns.
	VADManual VADType = "manual"
)

// Defaults applied when a server_vad config omits tuning values.
const (
	DefaultSilenceDurationMs = 500
	DefaultPrefixPaddingMs   = 300
)

// VADConfig is the provider-neutral turn detection configuration carried in
// client session.update patches.
type VADConfig struct {
	Type              VADType `json:"type,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	StartSensitivity  string  `json:"start_sensitivity,omitempty"`
	EndSensitivity    string  `json:"end_sensitivity,omitempty"`
}

// Normalized returns the config with defaults filled in. An empty type means
// server-side VAD; non-positive durations take the package defaults.
func (v VADConfig) Normalized() VADConfig {
	if v.Type == "" {
		v.Type = VADServer
	}
	if v.SilenceDurationMs <= 0 {
		v.SilenceDurationMs = DefaultSilenceDurationMs
	}
	if v.PrefixPaddingMs <= 0 {
		v.PrefixPaddingMs = DefaultPrefixPaddingMs
	}
	return v
}

// IsManual reports whether the client drives turn boundaries itself.
func (v VADConfig) IsManual() bool {
	return v.Type == VADManual
}

// OpenAITurnDetection is the turn_detection object of the OpenAI-shaped
// realtime protocol.
type OpenAITurnDetection struct {
	Type              string `json:"type"`
	SilenceDurationMs int    `json:"silence_duration_ms"`
	PrefixPaddingMs   int    `json:"prefix_padding_ms"`
}

// OpenAITurnDetection maps the neutral config to the OpenAI-shaped frame.
// Manual VAD returns nil, which serializes to a JSON null and disables
// provider detection.
func (v VADConfig) OpenAITurnDetection() *OpenAITurnDetection {
	if v.IsManual() {
		return nil
	}
	n := v.Normalized()
	return &OpenAITurnDetection{
		Type:              string(VADServer),
		SilenceDurationMs: n.SilenceDurationMs,
		PrefixPaddingMs:   n.PrefixPaddingMs,
	}
}

// GeminiActivityDetection is the automaticActivityDetection object of the
// Gemini-shaped realtime setup frame.
type GeminiActivityDetection struct {
	Disabled                 bool   `json:"disabled"`
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity,omitempty"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity,omitempty"`
	PrefixPaddingMs          int    `json:"prefixPaddingMs,omitempty"`
	SilenceDurationMs        int    `json:"silenceDurationMs,omitempty"`
}

// GeminiActivityDetection maps the neutral config to the Gemini-shaped
// frame. Manual VAD disables automatic detection entirely.
func (v VADConfig) GeminiActivityDetection() GeminiActivityDetection {
	if v.IsManual() {
		return GeminiActivityDetection{Disabled: true}
	}
	n := v.Normalized()
	return GeminiActivityDetection{
		Disabled:                 false,
		StartOfSpeechSensitivity: normalizeSensitivity(n.StartSensitivity, "START"),
		EndOfSpeechSensitivity:   normalizeSensitivity(n.EndSensitivity, "END"),
		PrefixPaddingMs:          n.PrefixPaddingMs,
		SilenceDurationMs:        n.SilenceDurationMs,
	}
}

// normalizeSensitivity turns any accepted sensitivity spelling into the
// provider enum for the given edge kind. Accepted inputs are the bare levels
// ("high", "medium", "low", any case) and full enum spellings regardless of
// their edge prefix. Empty or unrecognized values map to MEDIUM.
func normalizeSensitivity(s, kind string) string {
	level := strings.ToUpper(strings.TrimSpace(s))
	if i := strings.LastIndex(level, "_"); i >= 0 {
		level = level[i+1:]
	}
	switch level {
	case "HIGH", "LOW":
	default:
		level = "MEDIUM"
	}
	return kind + "_SENSITIVITY_" + level
}
