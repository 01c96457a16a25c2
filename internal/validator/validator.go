// Package validator implements the pure (request, result) -> QualityReport
// function that grades a model tier's extraction. Consistency rules live
// in a named, independently-testable predicate registry rather than
// inline conditionals, so the active rule set is configuration.
package validator

import (
	"fmt"

	"github.com/allaspectsdev/c3voit/internal/config"
	"github.com/allaspectsdev/c3voit/internal/wire"
)

// Predicate is one cross-field consistency rule. Fires reports whether the
// rule is violated for a given result; when it fires, consistency is
// multiplied by Penalty.
type Predicate struct {
	Name    string
	Penalty float64
	Fires   func(result wire.ExtractionResult) bool
}

// Validator computes QualityReport for an (request, result) pair. Version
// pins the schema this Validator enforces; bumping it invalidates exact
// matches against cache entries recorded under an older version.
type Validator struct {
	Version    int
	Predicates []Predicate
}

// New builds a Validator from configuration. Unknown predicate names are
// looked up in the registry; a name with no registered implementation is
// dropped with no effect (logged by the caller if desired) rather than
// causing New to fail, since config is reloadable at runtime.
func New(cfg config.ValidatorConfig) *Validator {
	v := &Validator{Version: cfg.Version}
	for _, p := range cfg.Predicates {
		if fn, ok := registry[p.Name]; ok {
			v.Predicates = append(v.Predicates, Predicate{Name: p.Name, Penalty: p.Penalty, Fires: fn})
		}
	}
	return v
}

// registry maps configured predicate names to their Go implementation.
// Adding a new cross-field rule means adding an entry here and naming it
// in configuration; which rules are active, and at what penalty, is
// decided by config alone.
var registry = map[string]func(wire.ExtractionResult) bool{
	"company_requires_name": func(r wire.ExtractionResult) bool {
		_, hasCompany := r.Fields["company"]
		_, hasName := r.Fields["name"]
		return hasCompany && !hasName
	},
}

// RegisterPredicate adds or replaces a named predicate implementation.
// Intended for callers embedding this package that need domain-specific
// consistency rules beyond the built-in registry.
func RegisterPredicate(name string, fn func(wire.ExtractionResult) bool) {
	registry[name] = fn
}

// Validate computes the QualityReport for result against req, per
// completeness, consistency, and confidence, plus flags.
func (v *Validator) Validate(req wire.ExtractionRequest, result wire.ExtractionResult) wire.QualityReport {
	report := wire.QualityReport{
		Completeness: v.completeness(req, result),
		Consistency:  v.consistency(result),
		Confidence:   v.confidence(req, result),
		Flags:        make(map[string]struct{}),
	}

	if len(result.Fields) == 0 {
		report.Flags["empty_result"] = struct{}{}
	}
	if v.hasSchemaDrift(req, result) {
		report.Flags["schema_drift"] = struct{}{}
	}
	for _, field := range req.RequiredFields {
		fv, ok := result.Fields[field]
		if ok && fv.Confidence < 0.5 {
			report.Flags[fmt.Sprintf("low_confidence_field:%s", field)] = struct{}{}
		}
	}

	return report
}

// completeness = (# required_fields with non-empty value) / (# required_fields).
func (v *Validator) completeness(req wire.ExtractionRequest, result wire.ExtractionResult) float64 {
	if len(req.RequiredFields) == 0 {
		return 1.0
	}
	present := 0
	for _, field := range req.RequiredFields {
		if fv, ok := result.Fields[field]; ok && !isEmptyValue(fv.Value) {
			present++
		}
	}
	return float64(present) / float64(len(req.RequiredFields))
}

// consistency starts at 1.0 and is multiplied by each violated predicate's
// penalty.
func (v *Validator) consistency(result wire.ExtractionResult) float64 {
	score := 1.0
	for _, p := range v.Predicates {
		if p.Fires(result) {
			score *= p.Penalty
		}
	}
	return score
}

// confidence = minimum of per-field confidences over required fields.
// A required field absent from the result contributes confidence 0.
func (v *Validator) confidence(req wire.ExtractionRequest, result wire.ExtractionResult) float64 {
	if len(req.RequiredFields) == 0 {
		if result.OverallConf > 0 {
			return result.OverallConf
		}
		return 1.0
	}
	min := 1.0
	for _, field := range req.RequiredFields {
		fv, ok := result.Fields[field]
		c := 0.0
		if ok {
			c = fv.Confidence
		}
		if c < min {
			min = c
		}
	}
	return min
}

// hasSchemaDrift reports whether result contains fields not declared by
// the request's required_fields schema.
func (v *Validator) hasSchemaDrift(req wire.ExtractionRequest, result wire.ExtractionResult) bool {
	declared := make(map[string]struct{}, len(req.RequiredFields))
	for _, f := range req.RequiredFields {
		declared[f] = struct{}{}
	}
	for f := range result.Fields {
		if _, ok := declared[f]; !ok {
			return true
		}
	}
	return false
}

func isEmptyValue(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}
