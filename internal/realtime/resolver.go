package realtime

import "strings"

// PrefixRule maps a model id prefix to a provider family.
type PrefixRule struct {
	Prefix   string
	Provider string
}

// Resolver decides which provider family serves a realtime model. Resolution
// order: explicit client override, exact model map entry, first matching
// prefix rule. The decision is made once per session and never revisited.
type Resolver struct {
	models   map[string]string
	prefixes []PrefixRule
}

// NewResolver builds a resolver from an exact model map and ordered prefix
// rules. Nil inputs fall back to the built-in defaults.
func NewResolver(models map[string]string, prefixes []PrefixRule) *Resolver {
	if models == nil {
		models = defaultModelMap()
	}
	if prefixes == nil {
		prefixes = defaultPrefixRules()
	}
	return &Resolver{models: models, prefixes: prefixes}
}

func defaultModelMap() map[string]string {
	return map[string]string{
		"gpt-4o-transcribe":      "openai",
		"gpt-4o-mini-transcribe": "openai",
		"whisper-1":              "openai",
		"gemini-live-2.5-flash":  "gemini",
	}
}

func defaultPrefixRules() []PrefixRule {
	return []PrefixRule{
		{Prefix: "gpt-", Provider: "openai"},
		{Prefix: "whisper", Provider: "openai"},
		{Prefix: "gemini", Provider: "gemini"},
	}
}

// Resolve returns the provider family for the session. override wins when
// non-empty; an empty model with no override resolves to nothing.
func (r *Resolver) Resolve(override, model string) (string, bool) {
	if override != "" {
		return override, true
	}
	if model == "" {
		return "", false
	}
	if p, ok := r.models[model]; ok {
		return p, true
	}
	for _, rule := range r.prefixes {
		if strings.HasPrefix(model, rule.Prefix) {
			return rule.Provider, true
		}
	}
	return "", false
}
