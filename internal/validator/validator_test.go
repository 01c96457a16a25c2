package validator

import (
	"testing"

	"github.com/allaspectsdev/c3voit/internal/config"
	"github.com/allaspectsdev/c3voit/internal/wire"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	return New(config.ValidatorConfig{
		Version: 1,
		Predicates: []config.PredicateConfig{
			{Name: "company_requires_name", Penalty: 0.8},
		},
	})
}

func TestValidate_FullCompleteness(t *testing.T) {
	v := newValidator(t)
	req := wire.ExtractionRequest{RequiredFields: []string{"name", "company"}}
	result := wire.ExtractionResult{
		Fields: map[string]wire.FieldValue{
			"name":    {Value: "Ada Lovelace", Confidence: 0.9},
			"company": {Value: "Acme", Confidence: 0.95},
		},
	}
	report := v.Validate(req, result)
	if report.Completeness != 1.0 {
		t.Fatalf("expected completeness 1.0, got %v", report.Completeness)
	}
	if report.OverallQuality() != 0.9 {
		t.Fatalf("expected overall_quality 0.9 (min confidence), got %v", report.OverallQuality())
	}
}

func TestValidate_PartialCompleteness(t *testing.T) {
	v := newValidator(t)
	req := wire.ExtractionRequest{RequiredFields: []string{"name", "company"}}
	result := wire.ExtractionResult{
		Fields: map[string]wire.FieldValue{
			"name": {Value: "Ada Lovelace", Confidence: 0.9},
		},
	}
	report := v.Validate(req, result)
	if report.Completeness != 0.5 {
		t.Fatalf("expected completeness 0.5, got %v", report.Completeness)
	}
}

func TestValidate_EmptyResultFlag(t *testing.T) {
	v := newValidator(t)
	req := wire.ExtractionRequest{RequiredFields: []string{"name"}}
	report := v.Validate(req, wire.ExtractionResult{})
	if !report.HasFlag("empty_result") {
		t.Fatal("expected empty_result flag")
	}
}

func TestValidate_SchemaDriftFlag(t *testing.T) {
	v := newValidator(t)
	req := wire.ExtractionRequest{RequiredFields: []string{"name"}}
	result := wire.ExtractionResult{
		Fields: map[string]wire.FieldValue{
			"name":  {Value: "Ada", Confidence: 0.9},
			"extra": {Value: "unexpected", Confidence: 0.9},
		},
	}
	report := v.Validate(req, result)
	if !report.HasFlag("schema_drift") {
		t.Fatal("expected schema_drift flag")
	}
}

func TestValidate_LowConfidenceFieldFlag(t *testing.T) {
	v := newValidator(t)
	req := wire.ExtractionRequest{RequiredFields: []string{"name"}}
	result := wire.ExtractionResult{
		Fields: map[string]wire.FieldValue{
			"name": {Value: "Ada", Confidence: 0.2},
		},
	}
	report := v.Validate(req, result)
	if !report.HasFlag("low_confidence_field:name") {
		t.Fatal("expected low_confidence_field:name flag")
	}
}

func TestValidate_PredicatePenaltyAppliesToConsistency(t *testing.T) {
	v := newValidator(t)
	req := wire.ExtractionRequest{RequiredFields: []string{"company"}}
	result := wire.ExtractionResult{
		Fields: map[string]wire.FieldValue{
			"company": {Value: "Acme", Confidence: 0.9},
		},
	}
	report := v.Validate(req, result)
	if report.Consistency != 0.8 {
		t.Fatalf("expected consistency 0.8 from fired predicate, got %v", report.Consistency)
	}
}

func TestValidate_NoPredicatesFiredConsistencyIsOne(t *testing.T) {
	v := newValidator(t)
	req := wire.ExtractionRequest{RequiredFields: []string{"name", "company"}}
	result := wire.ExtractionResult{
		Fields: map[string]wire.FieldValue{
			"name":    {Value: "Ada", Confidence: 0.9},
			"company": {Value: "Acme", Confidence: 0.9},
		},
	}
	report := v.Validate(req, result)
	if report.Consistency != 1.0 {
		t.Fatalf("expected consistency 1.0 with no predicates fired, got %v", report.Consistency)
	}
}

func TestOverallQuality_IsMinimum(t *testing.T) {
	report := wire.QualityReport{Completeness: 1.0, Consistency: 0.8, Confidence: 0.95}
	if report.OverallQuality() != 0.8 {
		t.Fatalf("expected overall_quality to be min(1.0, 0.8, 0.95)=0.8, got %v", report.OverallQuality())
	}
}
