package voit

import (
	"context"
	"testing"

	"github.com/allaspectsdev/c3voit/internal/tokenizer"
	"github.com/allaspectsdev/c3voit/internal/wire"
)

func TestFixtureTier_Extract(t *testing.T) {
	tier := NewFixtureTier(wire.TierNano, "claude-haiku-4-5", 0.55, 0.6, tokenizer.New())

	req := wire.ExtractionRequest{
		CanonicalText:  "hello candidate",
		RequiredFields: []string{"name", "email"},
		ValidatorVersion: 1,
	}

	result, cost, _, err := tier.Extract(context.Background(), req)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(result.Fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(result.Fields))
	}
	if result.SourceModelTier != wire.TierNano {
		t.Errorf("got tier %q, want %q", result.SourceModelTier, wire.TierNano)
	}
	if result.OverallConf != 0.6 {
		t.Errorf("got overall confidence %v, want 0.6", result.OverallConf)
	}
	if cost < 0 {
		t.Errorf("cost should never be negative, got %v", cost)
	}
}

func TestFixtureTier_NoRequiredFields(t *testing.T) {
	tier := NewFixtureTier(wire.TierNano, "claude-haiku-4-5", 0.55, 0.6, tokenizer.New())
	result, _, _, err := tier.Extract(context.Background(), wire.ExtractionRequest{CanonicalText: "x"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(result.Fields) != 0 {
		t.Errorf("expected no fields, got %d", len(result.Fields))
	}
	if result.OverallConf != 0 {
		t.Errorf("expected zero overall confidence, got %v", result.OverallConf)
	}
}

func TestFieldwiseEnsembler_Combine_HigherConfidenceWins(t *testing.T) {
	e := FieldwiseEnsembler{}

	a := wire.ExtractionResult{
		Fields: map[string]wire.FieldValue{
			"name":  {Value: "Alice", Confidence: 0.7},
			"email": {Value: "alice@example.com", Confidence: 0.9},
		},
		ValidatorVersion: 1,
	}
	b := wire.ExtractionResult{
		Fields: map[string]wire.FieldValue{
			"name":  {Value: "Alicia", Confidence: 0.95},
			"title": {Value: "Engineer", Confidence: 0.4},
		},
	}

	combined := e.Combine([]wire.ExtractionResult{a, b})

	if combined.SourceModelTier != wire.TierEnsemble {
		t.Errorf("got tier %q, want ensemble", combined.SourceModelTier)
	}
	if combined.Fields["name"].Value != "Alicia" {
		t.Errorf("expected higher-confidence name to win, got %v", combined.Fields["name"].Value)
	}
	if combined.Fields["email"].Value != "alice@example.com" {
		t.Errorf("expected email retained from first result, got %v", combined.Fields["email"].Value)
	}
	if combined.Fields["title"].Value != "Engineer" {
		t.Errorf("expected title from second result, got %v", combined.Fields["title"].Value)
	}
	if combined.ValidatorVersion != 1 {
		t.Errorf("expected validator version carried from first result, got %d", combined.ValidatorVersion)
	}
}

func TestFieldwiseEnsembler_Combine_Empty(t *testing.T) {
	e := FieldwiseEnsembler{}
	combined := e.Combine(nil)
	if len(combined.Fields) != 0 {
		t.Errorf("expected no fields for empty input, got %d", len(combined.Fields))
	}
}

func TestParseExtractionJSON_SkipsEmptyAndFenced(t *testing.T) {
	raw := "```json\n{\"name\": \"Bob\", \"email\": \"\", \"missing\": null}\n```"
	result, err := parseExtractionJSON(raw, []string{"name", "email", "missing", "absent"}, 0.8, wire.TierMini, 2)
	if err != nil {
		t.Fatalf("parseExtractionJSON: %v", err)
	}
	if len(result.Fields) != 1 {
		t.Fatalf("expected only 'name' to survive, got %d fields: %+v", len(result.Fields), result.Fields)
	}
	if result.Fields["name"].Value != "Bob" {
		t.Errorf("got name %v, want Bob", result.Fields["name"].Value)
	}
	if result.OverallConf != 0.8 {
		t.Errorf("got overall confidence %v, want 0.8", result.OverallConf)
	}
	if result.ValidatorVersion != 2 {
		t.Errorf("got validator version %d, want 2", result.ValidatorVersion)
	}
}

func TestParseExtractionJSON_InvalidJSON(t *testing.T) {
	_, err := parseExtractionJSON("not json", []string{"name"}, 0.8, wire.TierMini, 1)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
