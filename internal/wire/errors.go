package wire

import (
	"encoding/json"
	"fmt"
)

// ErrorKind enumerates the error taxonomy callers distinguish on. It is
// not a Go error type itself. The kinds with a typed error below carry
// the structured fields their callers need rather than a bare string;
// index_degraded, cache_degraded and validator_version_mismatch have no
// error type in this package.
type ErrorKind string

const (
	KindInvalidRequest      ErrorKind = "invalid_request"
	KindEmbeddingUnavailable ErrorKind = "embedding_unavailable"
	KindIndexDegraded       ErrorKind = "index_degraded"
	KindCacheDegraded       ErrorKind = "cache_degraded"
	KindModelFailure        ErrorKind = "model_failure"
	KindBudgetExhausted     ErrorKind = "budget_exhausted"
	KindDeadlineExceeded    ErrorKind = "deadline_exceeded"
	KindOverloaded          ErrorKind = "overloaded"
	KindValidatorVersionMismatch ErrorKind = "validator_version_mismatch"
)

// InvalidRequestError is returned when canonical_text is empty or exceeds
// the configured maximum length.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid_request: %s", e.Reason)
}

func (e *InvalidRequestError) Kind() ErrorKind { return KindInvalidRequest }

// EmbeddingUnavailableError is surfaced when the embedding provider is down
// after exhausting retries. Fingerprinter never substitutes a fallback
// embedding silently.
type EmbeddingUnavailableError struct {
	Cause error
}

func (e *EmbeddingUnavailableError) Error() string {
	return fmt.Sprintf("embedding_unavailable: %v", e.Cause)
}

func (e *EmbeddingUnavailableError) Unwrap() error { return e.Cause }

func (e *EmbeddingUnavailableError) Kind() ErrorKind { return KindEmbeddingUnavailable }

// ModelFailureError is returned by a ModelTier.Extract call.
type ModelFailureError struct {
	Tier      ModelTierName
	Retryable bool
	Cause     error
}

func (e *ModelFailureError) Error() string {
	return fmt.Sprintf("model_failure(tier=%s retryable=%v): %v", e.Tier, e.Retryable, e.Cause)
}

func (e *ModelFailureError) Unwrap() error { return e.Cause }

func (e *ModelFailureError) Kind() ErrorKind { return KindModelFailure }

// BudgetExhaustedError is returned by VoITController only before any tier
// has run (no tiers configured, or no tier selectable). Once a tier has
// produced a validated result, running out of budget returns that result
// with the quality_shortfall flag instead of this error, so Partial is not
// set by this module. Reason carries a human-readable
// explanation for cases with no meaningful Remaining/Needed pair (e.g. no
// tiers configured at all).
type BudgetExhaustedError struct {
	Remaining float64
	Needed    float64
	Reason    string
	Partial   *ExtractionResult
}

func (e *BudgetExhaustedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("budget_exhausted: %s", e.Reason)
	}
	return fmt.Sprintf("budget_exhausted: remaining %.4f, next tier needs %.4f", e.Remaining, e.Needed)
}

func (e *BudgetExhaustedError) Kind() ErrorKind { return KindBudgetExhausted }

// ToJSON serializes the error for telemetry/API export.
func (e *BudgetExhaustedError) ToJSON() []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"error": map[string]interface{}{
			"type":      KindBudgetExhausted,
			"remaining": e.Remaining,
			"needed":    e.Needed,
		},
	})
	return b
}

// DeadlineExceededError is returned when the deadline elapses before any
// tier produced a validated result. When an earlier, cheaper tier did,
// that result is returned with the deadline_exceeded flag instead of this
// error, so Partial is not set by this module.
type DeadlineExceededError struct {
	Partial *ExtractionResult
}

func (e *DeadlineExceededError) Error() string { return "deadline_exceeded" }

func (e *DeadlineExceededError) Kind() ErrorKind { return KindDeadlineExceeded }

// OverloadedError is returned immediately when a partition's bounded
// concurrency limit is exceeded; the core never queues internally.
type OverloadedError struct {
	PartitionKey string
	Limit        int
}

func (e *OverloadedError) Error() string {
	return fmt.Sprintf("overloaded: partition %q at concurrency limit %d", e.PartitionKey, e.Limit)
}

func (e *OverloadedError) Kind() ErrorKind { return KindOverloaded }
