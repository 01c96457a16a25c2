// Package wire holds the data model shared by every component of c3voit:
// the request/result types that flow through the C³ cache and the VoIT
// orchestrator, and the records those two subsystems persist.
package wire

import (
	"time"

	"github.com/google/uuid"
)

// ReusePolicy controls whether C3Engine may answer a request from cache.
type ReusePolicy string

const (
	ReuseAllow   ReusePolicy = "allow"
	ReuseForbid  ReusePolicy = "forbid"
	ReuseRefresh ReusePolicy = "refresh"
)

// ModelTierName identifies one rung of the VoIT model ladder.
type ModelTierName string

const (
	TierNano     ModelTierName = "nano"
	TierMini     ModelTierName = "mini"
	TierFull     ModelTierName = "full"
	TierEnsemble ModelTierName = "ensemble"
	TierCached   ModelTierName = "cached"
)

// ExtractionRequest is the input to one extraction.
type ExtractionRequest struct {
	ID             string
	CanonicalText  string
	ContextTags    []string
	RequiredFields []string
	QualityTarget  float64
	Budget         float64
	Deadline       time.Duration
	ReusePolicy    ReusePolicy

	// ValidatorVersion pins the Validator semantics this request expects;
	// propagated into CacheEntry and compared on exact/approximate match.
	ValidatorVersion int
}

// NewRequestID returns a fresh correlation ID for a request/certificate pair.
func NewRequestID() string {
	return uuid.NewString()
}

// Fingerprint is the joint (hash, embedding, partition) identity of a request.
type Fingerprint struct {
	ContentHash  string // hex-encoded 256-bit digest
	Embedding    []float32
	PartitionKey string
}

// FieldValue is one extracted field with its confidence.
type FieldValue struct {
	Value      interface{}
	Confidence float64
}

// ExtractionResult is the immutable output of one model-tier invocation (or
// cache reuse). Fields is keyed by field identifier.
type ExtractionResult struct {
	Fields           map[string]FieldValue
	OverallConf      float64
	SourceModelTier  ModelTierName
	ValidatorVersion int
}

// QualityReport is the output of Validator.
type QualityReport struct {
	Completeness float64
	Consistency  float64
	Confidence   float64
	Flags        map[string]struct{}
}

// OverallQuality implements the invariant:
// overall_quality = min(completeness, consistency, confidence).
func (q QualityReport) OverallQuality() float64 {
	m := q.Completeness
	if q.Consistency < m {
		m = q.Consistency
	}
	if q.Confidence < m {
		m = q.Confidence
	}
	return m
}

// HasFlag reports whether a flag is set.
func (q QualityReport) HasFlag(flag string) bool {
	_, ok := q.Flags[flag]
	return ok
}

// CacheEntry is the record owned by CacheStore.
type CacheEntry struct {
	Fingerprint      Fingerprint
	CanonicalText    string
	RequiredFields   []string
	Result           ExtractionResult
	CreatedAt        time.Time
	LastVerifiedAt   time.Time
	ValidatorVersion int
	CertHistory      []Certificate // bounded ring, most recent last
	Revoked          bool
}

// CoversFields reports whether the entry's extraction satisfies every field
// required by a request.
func (e *CacheEntry) CoversFields(required []string) bool {
	have := make(map[string]struct{}, len(e.Result.Fields))
	for k := range e.Result.Fields {
		have[k] = struct{}{}
	}
	for _, f := range required {
		if _, ok := have[f]; !ok {
			return false
		}
	}
	return true
}

// PushCertificate appends to the bounded ring, evicting the oldest entry
// once capacity is exceeded.
func (e *CacheEntry) PushCertificate(c Certificate, capacity int) {
	e.CertHistory = append(e.CertHistory, c)
	if capacity > 0 && len(e.CertHistory) > capacity {
		e.CertHistory = e.CertHistory[len(e.CertHistory)-capacity:]
	}
}

// Decision is the reuse/rebuild verdict recorded in a Certificate.
type Decision string

const (
	DecisionReuse   Decision = "reuse"
	DecisionRebuild Decision = "rebuild"
)

// Certificate is the per-request record of a C³ decision, emitted exactly
// once per request and immutable thereafter.
type Certificate struct {
	RequestID          string
	Decision           Decision
	NeighborFingerprint *Fingerprint // nil unless an approximate match was used
	Similarity         float64
	Nonconformity      float64
	RiskBound          float64 // δ
	CalibrationN       int
	TierUsed           ModelTierName
	Shared             bool // true if this result came from a SingleFlight follower

	// Degradation flags: a certificate never silently substitutes a lower-
	// quality or stale result without recording why.
	Degraded          bool
	QualityShortfall  bool
	DeadlineExceeded  bool
	CacheWriteFailed  bool
}

// CalibrationSample is one (nonconformity, label) observation appended to
// the CalibrationLog after a terminal decision.
type CalibrationSample struct {
	Nonconformity float64
	Label         CalibrationLabel
	PartitionKey  string
	Timestamp     time.Time
}

// CalibrationLabel is the outcome a CalibrationSample records.
type CalibrationLabel string

const (
	LabelAccepted CalibrationLabel = "accepted"
	LabelRejected CalibrationLabel = "rejected"
)

// BudgetLedger is a per-request scalar decremented by each model invocation.
// It is never shared across requests or goroutines.
type BudgetLedger struct {
	original  float64
	remaining float64
}

// NewBudgetLedger creates a ledger seeded with the request's budget.
// Negative budgets are clamped to zero.
func NewBudgetLedger(budget float64) *BudgetLedger {
	if budget < 0 {
		budget = 0
	}
	return &BudgetLedger{original: budget, remaining: budget}
}

// Remaining returns the unspent budget.
func (b *BudgetLedger) Remaining() float64 {
	return b.remaining
}

// CanAfford reports whether cost can be spent without driving the ledger
// negative.
func (b *BudgetLedger) CanAfford(cost float64) bool {
	return cost <= b.remaining
}

// Spend decrements the ledger by cost. It never goes negative: spending
// more than remaining clamps to zero. Callers must check CanAfford before
// an invocation whose cost is known in advance; Spend also accepts actual
// costs that exceed the predicted cost, which is the case the clamp covers.
func (b *BudgetLedger) Spend(cost float64) {
	b.remaining -= cost
	if b.remaining < 0 {
		b.remaining = 0
	}
}

// Spent returns the total spent so far: original budget minus what remains.
func (b *BudgetLedger) Spent() float64 {
	return b.original - b.remaining
}

// Telemetry is the structured event ExtractionPipeline emits for one
// process() call.
type Telemetry struct {
	RequestID   string
	Decision    Decision
	Similarity  float64
	Nonconformity float64
	RiskBound   float64
	TierUsed    ModelTierName
	CostActual  float64
	CostSaved   float64
	Quality     float64
	Flags       map[string]bool
	Latency     time.Duration
}
