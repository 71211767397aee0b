// Package tokens estimates token counts for text the upstream did not meter:
// chat responses that arrive without a usage block and realtime transcript
// deltas.
//
// Counting uses tiktoken byte-pair encodings, resolved lazily because the
// encoding tables may be fetched and disk-cached on first use. When the
// encoding cannot be loaded the estimator degrades to a character heuristic
// instead of failing: estimates feed metrics and usage backfill, never
// billing.
package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/modelgate/modelgate/pkg/provider"
)

const (
	// EncodingO200k is the tokenizer of the gpt-4o and o-series families,
	// including the realtime transcription models.
	EncodingO200k = "o200k_base"

	// EncodingCl100k is the tokenizer of the gpt-4/gpt-3.5 generation and
	// the text-embedding models.
	EncodingCl100k = "cl100k_base"

	// DefaultEncoding applies when the model family is unknown.
	DefaultEncoding = EncodingO200k
)

// heuristicDivisor is the fallback bytes-per-token ratio, the same rough cut
// the realtime hub uses when no estimator is attached.
const heuristicDivisor = 4

// Chat framing overhead: tokens wrapping each message plus the primed reply.
const (
	perMessageOverhead = 4
	replyOverhead      = 3
)

// EncodingFor maps a model id onto its tiktoken encoding name.
func EncodingFor(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-4o"),
		strings.HasPrefix(m, "gpt-4.1"),
		strings.HasPrefix(m, "gpt-5"),
		strings.HasPrefix(m, "o1"),
		strings.HasPrefix(m, "o3"),
		strings.HasPrefix(m, "o4"):
		return EncodingO200k
	case strings.HasPrefix(m, "gpt-"),
		strings.HasPrefix(m, "text-embedding"):
		return EncodingCl100k
	default:
		return DefaultEncoding
	}
}

// Estimator counts tokens with one fixed encoding. Safe for concurrent use.
type Estimator struct {
	encoding string

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithEncoding selects the tiktoken encoding by name.
func WithEncoding(name string) Option {
	return func(e *Estimator) {
		if name != "" {
			e.encoding = name
		}
	}
}

// New builds an estimator. Pair with EncodingFor to pick the encoding of a
// concrete model: New(WithEncoding(EncodingFor(model))).
func New(opts ...Option) *Estimator {
	e := &Estimator{encoding: DefaultEncoding}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// load resolves the encoding once. A failed load leaves enc nil, which keeps
// Count on the heuristic path for the estimator's lifetime.
func (e *Estimator) load() *tiktoken.Tiktoken {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding(e.encoding)
		if err != nil {
			return
		}
		e.enc = enc
	})
	return e.enc
}

// Count returns the token estimate for text. Empty text counts zero.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := e.load(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + heuristicDivisor - 1) / heuristicDivisor
}

// CountMessages estimates the prompt size of a chat turn list: role and
// content per message plus the fixed framing overhead.
func (e *Estimator) CountMessages(msgs []provider.ChatMessage) int {
	if len(msgs) == 0 {
		return 0
	}
	total := replyOverhead
	for _, m := range msgs {
		total += perMessageOverhead
		total += e.Count(m.Role)
		total += e.Count(m.Text())
	}
	return total
}

// EstimateUsage fills in the usage block of a chat response that arrived
// without one. Responses already carrying usage are left untouched, so
// provider-metered numbers always win.
func (e *Estimator) EstimateUsage(req *provider.ChatRequest, resp *provider.ChatResponse) {
	if req == nil || resp == nil || resp.Usage != nil {
		return
	}
	prompt := e.CountMessages(req.Messages)
	var completion int
	for _, c := range resp.Choices {
		completion += e.Count(c.Message.Text())
	}
	resp.Usage = &provider.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}
