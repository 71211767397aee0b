package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/modelgate/modelgate/internal/cache"
	"github.com/modelgate/modelgate/pkg/provider"
)

// searchThreshold is the minimum Jaro-Winkler similarity for a fuzzy search
// hit. Substring matches always pass.
const searchThreshold = 0.8

// catalogCacheTTL bounds how stale a cached catalog response may get. The
// catalog changes on registration and health transitions, so the window
// stays short.
const catalogCacheTTL = 10 * time.Second

// modelList is the OpenAI-shaped catalog response.
type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// modelEntry is one catalog row: the OpenAI model shape extended with the
// gateway's descriptor fields.
type modelEntry struct {
	ID            string                `json:"id"`
	Object        string                `json:"object"`
	OwnedBy       string                `json:"owned_by"`
	Provider      string                `json:"provider"`
	Type          provider.ModelType    `json:"type"`
	Capabilities  []provider.Capability `json:"capabilities"`
	ContextWindow int                   `json:"context_window,omitempty"`
	MaxTokens     int                   `json:"max_tokens,omitempty"`
	Dimensions    int                   `json:"dimensions,omitempty"`
	Costs         *provider.CostInfo    `json:"costs,omitempty"`
}

func descriptorEntry(d provider.ModelDescriptor) modelEntry {
	return modelEntry{
		ID:            d.ID,
		Object:        "model",
		OwnedBy:       d.Provider,
		Provider:      d.Provider,
		Type:          d.Type,
		Capabilities:  d.Capabilities,
		ContextWindow: d.ContextWindow,
		MaxTokens:     d.MaxTokens,
		Dimensions:    d.Dimensions,
		Costs:         d.Costs,
	}
}

// modelFilter narrows the catalog per the list query parameters.
type modelFilter struct {
	capability provider.Capability
	typ        provider.ModelType
	provider   string
	realtime   *bool
	search     string
}

func modelFilterFromQuery(q url.Values) (modelFilter, error) {
	var f modelFilter
	if v := q.Get("capability"); v != "" {
		c := provider.Capability(v)
		if !c.IsValid() {
			return f, provider.Validation(fmt.Sprintf("unknown capability %q", v),
				map[string]any{"field": "capability"})
		}
		f.capability = c
	}
	if v := q.Get("type"); v != "" {
		t := provider.ModelType(v)
		if !t.IsValid() {
			return f, provider.Validation(fmt.Sprintf("unknown model type %q", v),
				map[string]any{"field": "type"})
		}
		f.typ = t
	}
	f.provider = q.Get("provider")
	if v := q.Get("realtime"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, provider.Validation("realtime must be true or false",
				map[string]any{"field": "realtime"})
		}
		f.realtime = &b
	}
	f.search = q.Get("search")
	return f, nil
}

func (f modelFilter) matches(d provider.ModelDescriptor) bool {
	if f.capability != "" && !d.HasCapability(f.capability) {
		return false
	}
	if f.typ != "" && d.Type != f.typ {
		return false
	}
	if f.provider != "" && d.Provider != f.provider {
		return false
	}
	if f.realtime != nil && d.HasCapability(provider.CapRealtime) != *f.realtime {
		return false
	}
	return true
}

// searchScore ranks a model id against the search term, 0..1. Substring hits
// score 1; otherwise Jaro-Winkler similarity decides.
func searchScore(id, term string) float64 {
	id = strings.ToLower(id)
	term = strings.ToLower(term)
	if strings.Contains(id, term) {
		return 1
	}
	return matchr.JaroWinkler(id, term, false)
}

// apply filters (and, for searches, re-ranks) the catalog.
func (f modelFilter) apply(models []provider.ModelDescriptor) []modelEntry {
	out := make([]modelEntry, 0, len(models))
	if f.search == "" {
		for _, d := range models {
			if f.matches(d) {
				out = append(out, descriptorEntry(d))
			}
		}
		return out
	}

	type ranked struct {
		entry modelEntry
		score float64
	}
	var hits []ranked
	for _, d := range models {
		if !f.matches(d) {
			continue
		}
		if score := searchScore(d.ID, f.search); score >= searchThreshold {
			hits = append(hits, ranked{descriptorEntry(d), score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	for _, h := range hits {
		out = append(out, h.entry)
	}
	return out
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	filter, err := modelFilterFromQuery(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}

	// Encode() sorts parameters, so equivalent queries share a key.
	key := "catalog:" + r.URL.Query().Encode()
	if s.cache != nil {
		if body, err := s.cache.Get(r.Context(), key); err == nil {
			writeRawJSON(w, body)
			return
		} else if !errors.Is(err, cache.ErrMiss) {
			s.log.Warn("catalog cache read failed", "error", err)
		}
	}

	data := filter.apply(s.reg.AvailableModels())
	body, err := json.Marshal(modelList{Object: "list", Data: data})
	if err != nil {
		writeError(w, err)
		return
	}
	if s.cache != nil {
		if err := s.cache.Set(r.Context(), key, body, catalogCacheTTL); err != nil {
			s.log.Warn("catalog cache write failed", "error", err)
		}
	}
	writeRawJSON(w, body)
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, ok := s.reg.ModelInfo(id)
	if !ok {
		writeError(w, provider.ModelNotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, descriptorEntry(d))
}

func (s *Server) handleModelsByCapability(w http.ResponseWriter, r *http.Request) {
	c := provider.Capability(r.PathValue("cap"))
	if !c.IsValid() {
		err := provider.NewError(provider.KindModelNotFound,
			fmt.Sprintf("unknown capability %q", string(c)))
		err.Details = map[string]any{"capability": string(c)}
		writeError(w, err)
		return
	}
	filter := modelFilter{capability: c}
	data := filter.apply(s.reg.AvailableModels())
	writeJSON(w, http.StatusOK, modelList{Object: "list", Data: data})
}
