package tokenizer

import "testing"

func TestCountTokens_NonZeroForKnownText(t *testing.T) {
	tok := New()
	count := tok.CountTokens("claude-haiku-4-5", "Extract the following fields: name, company.")
	if count == 0 {
		t.Error("CountTokens returned 0 for non-empty text; want non-zero")
	}
}

func TestCountTokens_ZeroForEmptyText(t *testing.T) {
	tok := New()
	if count := tok.CountTokens("claude-haiku-4-5", ""); count != 0 {
		t.Errorf("CountTokens returned %d for empty text; want 0", count)
	}
}

func TestEncoding_KnownModels(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o", "o200k_base"},
		{"gpt-4o-mini", "o200k_base"},
		{"gpt-4-turbo", "cl100k_base"},
		{"claude-haiku-4-5", "cl100k_base"},
		{"gemini-2.0-flash", "cl100k_base"},
		{"llama3.1", "cl100k_base"},
	}
	for _, tt := range tests {
		if got := Encoding(tt.model); got != tt.want {
			t.Errorf("Encoding(%q) = %q; want %q", tt.model, got, tt.want)
		}
	}
}

func TestEncoding_LongestPrefixWins(t *testing.T) {
	// "gpt-4o-mini-2024-07-18" must match "gpt-4o-mini", not "gpt-4".
	if got := Encoding("gpt-4o-mini-2024-07-18"); got != "o200k_base" {
		t.Errorf("Encoding(versioned gpt-4o-mini) = %q; want o200k_base", got)
	}
	if got := Encoding("gemini-2.0-flash-001"); got != "cl100k_base" {
		t.Errorf("Encoding(versioned gemini) = %q; want cl100k_base", got)
	}
}

func TestEncoding_UnknownFallsBack(t *testing.T) {
	for _, model := range []string{"some-random-model", "mistral-7b"} {
		if got := Encoding(model); got != "cl100k_base" {
			t.Errorf("Encoding(%q) = %q; want cl100k_base fallback", model, got)
		}
	}
}

func TestRateFor_PrefixMatch(t *testing.T) {
	exact, ok := RateFor("claude-haiku-4-5")
	if !ok {
		t.Fatal("expected rate for claude-haiku-4-5")
	}
	versioned, ok := RateFor("claude-haiku-4-5-20251001")
	if !ok {
		t.Fatal("expected prefix-matched rate for versioned haiku")
	}
	if exact != versioned {
		t.Errorf("versioned model rate %+v differs from base rate %+v", versioned, exact)
	}
}

func TestRateFor_UnknownModel(t *testing.T) {
	if _, ok := RateFor("totally-unknown"); ok {
		t.Error("expected no rate for unknown model")
	}
}

func TestEstimateCost_Scale(t *testing.T) {
	// A typical email-size invocation on a nano-class model should land in
	// the same order of magnitude as the configured nano expected_cost
	// (0.05 effort units), not at USD-scale micro-values.
	cost := EstimateCost("claude-haiku-4-5", 600, 60)
	if cost < 0.01 || cost > 0.2 {
		t.Errorf("nano-class cost for 600/60 tokens = %v; want within [0.01, 0.2] effort units", cost)
	}

	full := EstimateCost("claude-opus-4", 600, 60)
	if full <= cost {
		t.Errorf("full-class cost %v should exceed nano-class cost %v", full, cost)
	}
}

func TestEstimateCost_UnknownModelIsFree(t *testing.T) {
	if cost := EstimateCost("totally-unknown", 1000, 1000); cost != 0 {
		t.Errorf("unknown model cost = %v; want 0", cost)
	}
}

func TestEstimateCost_Monotone(t *testing.T) {
	small := EstimateCost("gemini-2.0-flash", 100, 10)
	large := EstimateCost("gemini-2.0-flash", 1000, 100)
	if large <= small {
		t.Errorf("cost not monotone in token count: %v <= %v", large, small)
	}
}
