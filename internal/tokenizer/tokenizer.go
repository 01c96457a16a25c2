// Package tokenizer estimates token counts for extraction prompts and
// model outputs. VoIT uses the counts to turn a tier invocation into an
// effort-unit cost charged against the request's budget ledger.
package tokenizer

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// encodingFor maps a model identifier to the tiktoken encoding used to
// approximate its tokenization. Models without a native tiktoken encoding
// (Gemini, local llama/qwen served through Ollama) count with cl100k_base;
// cost accounting only needs counts proportional to what the provider
// bills, not an exact tokenization.
var encodingFor = map[string]string{
	"gpt-4o":      "o200k_base",
	"gpt-4o-mini": "o200k_base",
	"gpt-4":       "cl100k_base",
	"gpt-4-turbo": "cl100k_base",

	"claude-haiku-4-5":  "cl100k_base",
	"claude-sonnet-4-5": "cl100k_base",
	"claude-opus-4":     "cl100k_base",

	"gemini-2.0-flash": "cl100k_base",
	"gemini-2.5-pro":   "cl100k_base",

	"llama3.1": "cl100k_base",
	"qwen2.5":  "cl100k_base",
}

const defaultEncoding = "cl100k_base"

// Encoding resolves the encoding name for a model identifier. Versioned
// names ("gpt-4o-2024-08-06") resolve through their longest known prefix;
// unknown models fall back to cl100k_base.
func Encoding(model string) string {
	if enc, ok := encodingFor[model]; ok {
		return enc
	}
	lower := strings.ToLower(model)
	best, bestLen := defaultEncoding, 0
	for name, enc := range encodingFor {
		if strings.HasPrefix(lower, name) && len(name) > bestLen {
			best, bestLen = enc, len(name)
		}
	}
	return best
}

// Tokenizer counts tokens using cached tiktoken encoders. Encoders are
// expensive to build, so one is created per encoding and shared.
type Tokenizer struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// New creates a Tokenizer with an empty encoder cache.
func New() *Tokenizer {
	return &Tokenizer{encoders: make(map[string]*tiktoken.Tiktoken)}
}

func (t *Tokenizer) encoder(model string) (*tiktoken.Tiktoken, error) {
	name := Encoding(model)

	t.mu.Lock()
	defer t.mu.Unlock()
	if enc, ok := t.encoders[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, err
	}
	t.encoders[name] = enc
	return enc, nil
}

// CountTokens counts the tokens in text under the given model's encoding.
// Returns 0 when the encoding cannot be loaded: cost accounting must never
// fail an extraction, so an uncountable invocation bills as free rather
// than erroring.
func (t *Tokenizer) CountTokens(model, text string) int {
	enc, err := t.encoder(model)
	if err != nil {
		return 0
	}
	return len(enc.Encode(text, nil, nil))
}
