package testutil

import (
	"time"

	"github.com/allaspectsdev/c3voit/internal/wire"
)

// SampleRequest builds an ExtractionRequest the way the Outlook ingest path
// would: caller-normalized text, a sales partition, allow-reuse policy.
func SampleRequest(text string, fields ...string) wire.ExtractionRequest {
	if len(fields) == 0 {
		fields = []string{"name", "company"}
	}
	return wire.ExtractionRequest{
		CanonicalText:    text,
		ContextTags:      []string{"sales"},
		RequiredFields:   fields,
		QualityTarget:    0.8,
		Budget:           1.0,
		ReusePolicy:      wire.ReuseAllow,
		ValidatorVersion: 1,
	}
}

// SampleResult builds an ExtractionResult with every field present at the
// given confidence.
func SampleResult(confidence float64, fields ...string) wire.ExtractionResult {
	if len(fields) == 0 {
		fields = []string{"name", "company"}
	}
	out := wire.ExtractionResult{
		Fields:           make(map[string]wire.FieldValue, len(fields)),
		OverallConf:      confidence,
		SourceModelTier:  wire.TierMini,
		ValidatorVersion: 1,
	}
	for _, f := range fields {
		out.Fields[f] = wire.FieldValue{Value: f + "-value", Confidence: confidence}
	}
	return out
}

// SampleEntry builds a cache entry as C³ would write it after an accepted
// rebuild: mini-tier result, validator version 1, not revoked.
func SampleEntry(hash, partition string) *wire.CacheEntry {
	now := time.Now()
	return &wire.CacheEntry{
		Fingerprint: wire.Fingerprint{
			ContentHash:  hash,
			Embedding:    []float32{0.1, 0.2, 0.3},
			PartitionKey: partition,
		},
		CanonicalText:  "a. smith at acme",
		RequiredFields: []string{"name"},
		Result: wire.ExtractionResult{
			Fields: map[string]wire.FieldValue{
				"name": {Value: "Ada Lovelace", Confidence: 0.9},
			},
			OverallConf:     0.9,
			SourceModelTier: wire.TierMini,
		},
		CreatedAt:        now,
		LastVerifiedAt:   now,
		ValidatorVersion: 1,
	}
}
