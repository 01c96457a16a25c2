package tokenizer

import "strings"

// Rate expresses a model's cost in effort units per million tokens. Effort
// units are the currency of the budget ledger: the configured tier
// expected_cost values and these rates share one scale, calibrated so a
// typical recruitment email (~600 tokens in, ~60 out) lands near the
// configured expected cost of the tier that processes it.
type Rate struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// rates maps model identifiers to effort-unit rates. Local models served
// through Ollama are cheap but not free: they still consume wall-clock and
// GPU, which the nano-class rates reflect.
var rates = map[string]Rate{
	// nano-class
	"llama3.1":         {InputPerMillion: 60, OutputPerMillion: 150},
	"qwen2.5":          {InputPerMillion: 60, OutputPerMillion: 150},
	"gemini-2.0-flash": {InputPerMillion: 70, OutputPerMillion: 180},
	"claude-haiku-4-5": {InputPerMillion: 80, OutputPerMillion: 200},
	"gpt-4o-mini":      {InputPerMillion: 80, OutputPerMillion: 200},

	// mini-class
	"gpt-4o":            {InputPerMillion: 200, OutputPerMillion: 600},
	"claude-sonnet-4-5": {InputPerMillion: 220, OutputPerMillion: 650},

	// full-class
	"gemini-2.5-pro": {InputPerMillion: 700, OutputPerMillion: 2200},
	"claude-opus-4":  {InputPerMillion: 800, OutputPerMillion: 2500},
	"gpt-4-turbo":    {InputPerMillion: 800, OutputPerMillion: 2500},
}

// RateFor returns the effort-unit rate for a model: exact match first,
// then longest known prefix, so "gemini-2.0-flash-001" bills as
// "gemini-2.0-flash". The second return value reports whether any rate
// matched.
func RateFor(model string) (Rate, bool) {
	if r, ok := rates[model]; ok {
		return r, true
	}
	var best Rate
	bestLen := 0
	for name, r := range rates {
		if strings.HasPrefix(model, name) && len(name) > bestLen {
			best, bestLen = r, len(name)
		}
	}
	return best, bestLen > 0
}

// EstimateCost converts token counts into effort units for the given
// model. Unknown models cost 0 — the ledger then never blocks on them,
// which is the safe direction for a model the operator priced nowhere
// (the tier's configured expected_cost still gates selection).
func EstimateCost(model string, tokensIn, tokensOut int) float64 {
	r, ok := RateFor(model)
	if !ok {
		return 0
	}
	return (float64(tokensIn)*r.InputPerMillion + float64(tokensOut)*r.OutputPerMillion) / 1_000_000
}
