package c3

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/allaspectsdev/c3voit/internal/cachestore"
	"github.com/allaspectsdev/c3voit/internal/clock"
	"github.com/allaspectsdev/c3voit/internal/config"
	"github.com/allaspectsdev/c3voit/internal/embedding"
	"github.com/allaspectsdev/c3voit/internal/fingerprint"
	"github.com/allaspectsdev/c3voit/internal/vectorindex"
	"github.com/allaspectsdev/c3voit/internal/wire"
)

// fakeIndex is an in-memory VectorIndex for tests: brute-force cosine scan
// over whatever's been upserted into the given partition.
type fakeIndex struct {
	vectors map[string]map[string][]float32 // partition -> hash -> vec
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{vectors: make(map[string]map[string][]float32)}
}

func (f *fakeIndex) Upsert(_ context.Context, partition, contentHash string, vec []float32) error {
	if f.vectors[partition] == nil {
		f.vectors[partition] = make(map[string][]float32)
	}
	f.vectors[partition][contentHash] = vec
	return nil
}

func (f *fakeIndex) Query(_ context.Context, partition string, vec []float32, k int) ([]vectorindex.Neighbor, error) {
	var out []vectorindex.Neighbor
	for hash, v := range f.vectors[partition] {
		out = append(out, vectorindex.Neighbor{ContentHash: hash, Similarity: embedding.CosineSimilarity(vec, v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (f *fakeIndex) Remove(_ context.Context, partition, contentHash string) error {
	delete(f.vectors[partition], contentHash)
	return nil
}

// fakeCalibration is an in-memory CalibrationLog.
type fakeCalibration struct {
	samples map[string][]wire.CalibrationSample
	tau     map[string]float64 // override; if absent, Quantile reports 0
}

func newFakeCalibration() *fakeCalibration {
	return &fakeCalibration{
		samples: make(map[string][]wire.CalibrationSample),
		tau:     make(map[string]float64),
	}
}

func (f *fakeCalibration) Append(_ context.Context, sample wire.CalibrationSample) error {
	f.samples[sample.PartitionKey] = append(f.samples[sample.PartitionKey], sample)
	return nil
}

func (f *fakeCalibration) Quantile(_ context.Context, partition string, delta float64, window, nMin int) (float64, error) {
	if tau, ok := f.tau[partition]; ok {
		return tau, nil
	}
	return 0, nil
}

func (f *fakeCalibration) WindowSize(_ context.Context, partition string) (int, error) {
	return len(f.samples[partition]), nil
}

func testEngine(t *testing.T) (*Engine, *fakeIndex, *fakeCalibration) {
	t.Helper()
	provider := embedding.NewLocalProvider(32)
	clk := clock.Real{}
	fp := fingerprint.New(provider, clk)
	store, err := cachestore.New(nil, 0)
	if err != nil {
		t.Fatalf("cachestore.New: %v", err)
	}
	idx := newFakeIndex()
	cal := newFakeCalibration()
	cfg := config.C3Config{
		Delta:             0.01,
		KNeighbors:        8,
		SimilarityFloor:   0.0,
		LambdaEdit:        0.25,
		CalibrationWindow: 1000,
		CalibrationNMin:   1,
	}
	return New(fp, idx, store, cal, clk, cfg), idx, cal
}

func baseRequest(text string) wire.ExtractionRequest {
	return wire.ExtractionRequest{
		ID:               wire.NewRequestID(),
		CanonicalText:    text,
		RequiredFields:   []string{"name"},
		QualityTarget:    0.8,
		Budget:           1.0,
		Deadline:         time.Second,
		ReusePolicy:      wire.ReuseAllow,
		ValidatorVersion: 1,
	}
}

func TestDecide_MissWhenCacheEmpty(t *testing.T) {
	engine, _, _ := testEngine(t)
	req := baseRequest("a fresh request nobody has seen")

	dec, err := engine.Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Entry != nil {
		t.Fatalf("expected a cache miss, got entry %+v", dec.Entry)
	}
	if dec.Fingerprint.ContentHash == "" {
		t.Fatal("expected a computed fingerprint on miss")
	}
}

func TestDecide_ExactMatchReuse(t *testing.T) {
	engine, idx, _ := testEngine(t)
	ctx := context.Background()
	req := baseRequest("identical text twice")

	fp, err := engine.Fingerprinter.Compute(ctx, req)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	result := wire.ExtractionResult{
		Fields:           map[string]wire.FieldValue{"name": {Value: "Alice", Confidence: 0.9}},
		OverallConf:      0.9,
		SourceModelTier:  wire.TierFull,
		ValidatorVersion: 1,
	}
	if err := engine.AcceptRebuild(ctx, fp, req, result, 1); err != nil {
		t.Fatalf("AcceptRebuild: %v", err)
	}

	dec, err := engine.Decide(ctx, req)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Entry == nil {
		t.Fatal("expected exact-match reuse")
	}
	if dec.Cert.Decision != wire.DecisionReuse {
		t.Errorf("got decision %q, want reuse", dec.Cert.Decision)
	}
	if dec.Cert.Similarity != 1.0 {
		t.Errorf("got similarity %v, want 1.0 for exact match", dec.Cert.Similarity)
	}
	if _, ok := idx.vectors[fp.PartitionKey][fp.ContentHash]; !ok {
		t.Error("expected AcceptRebuild to have upserted into the vector index")
	}
}

func TestDecide_ReuseForbidNeverReusesExactMatch(t *testing.T) {
	engine, _, _ := testEngine(t)
	ctx := context.Background()
	req := baseRequest("forbidden reuse text")

	fp, err := engine.Fingerprinter.Compute(ctx, req)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	result := wire.ExtractionResult{Fields: map[string]wire.FieldValue{"name": {Value: "Bob", Confidence: 0.9}}, ValidatorVersion: 1}
	if err := engine.AcceptRebuild(ctx, fp, req, result, 1); err != nil {
		t.Fatalf("AcceptRebuild: %v", err)
	}

	req.ReusePolicy = wire.ReuseForbid
	dec, err := engine.Decide(ctx, req)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Entry != nil {
		t.Fatal("ReuseForbid must never return a cached entry")
	}
}

// seedNeighbor plants a cache entry for neighborText whose stored embedding
// is aligned with the supplied vector, so a test controls the similarity a
// later query observes instead of depending on the hash-based local
// provider's (essentially random) geometry.
func seedNeighbor(t *testing.T, ctx context.Context, engine *Engine, idx *fakeIndex, partition, neighborText string, emb []float32, value string) wire.Fingerprint {
	t.Helper()
	nfp := wire.Fingerprint{
		ContentHash:  fingerprint.ContentHashForExactMatch(partition, neighborText),
		Embedding:    emb,
		PartitionKey: partition,
	}
	if err := idx.Upsert(ctx, partition, nfp.ContentHash, emb); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	entry := &wire.CacheEntry{
		Fingerprint:    nfp,
		CanonicalText:  neighborText,
		RequiredFields: []string{"name"},
		Result: wire.ExtractionResult{
			Fields:           map[string]wire.FieldValue{"name": {Value: value, Confidence: 0.9}},
			OverallConf:      0.9,
			SourceModelTier:  wire.TierFull,
			ValidatorVersion: 1,
		},
		CreatedAt:        time.Now(),
		LastVerifiedAt:   time.Now(),
		ValidatorVersion: 1,
	}
	if err := engine.Store.Put(ctx, entry); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return nfp
}

func TestDecide_ApproximateReuseUnderCalibratedTau(t *testing.T) {
	engine, idx, cal := testEngine(t)
	ctx := context.Background()
	req := baseRequest("andrew smith at acme")

	fp, err := engine.Fingerprinter.Compute(ctx, req)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	// Neighbor with near-identical text and a fully aligned embedding:
	// a = (1 - 1.0) + 0.25*edit_ratio, comfortably under the seeded tau.
	nfp := seedNeighbor(t, ctx, engine, idx, fp.PartitionKey, "andrew smith at acme.", fp.Embedding, "Andrew Smith")
	cal.tau[fp.PartitionKey] = 0.12

	dec, err := engine.Decide(ctx, req)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Entry == nil {
		t.Fatal("expected approximate reuse")
	}
	if dec.Cert.Decision != wire.DecisionReuse {
		t.Errorf("got decision %q, want reuse", dec.Cert.Decision)
	}
	if dec.Cert.NeighborFingerprint == nil || dec.Cert.NeighborFingerprint.ContentHash != nfp.ContentHash {
		t.Errorf("certificate should name the reused neighbor, got %+v", dec.Cert.NeighborFingerprint)
	}
	if dec.Cert.RiskBound != 0.01 {
		t.Errorf("got risk bound %v, want the configured delta 0.01", dec.Cert.RiskBound)
	}
	if dec.Cert.Nonconformity <= 0 || dec.Cert.Nonconformity > 0.12 {
		t.Errorf("got nonconformity %v, want in (0, tau]", dec.Cert.Nonconformity)
	}
	if dec.Cert.TierUsed != wire.TierCached {
		t.Errorf("got tier %q, want cached", dec.Cert.TierUsed)
	}
}

func TestDecide_ApproximateMissWhenNonconformityAboveTau(t *testing.T) {
	engine, idx, _ := testEngine(t)
	ctx := context.Background()
	req := baseRequest("andrew smith at acme")

	fp, err := engine.Fingerprinter.Compute(ctx, req)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	// No tau override: the fake calibration log reports tau=0, so any
	// positive nonconformity forces a rebuild even at similarity 1.0.
	seedNeighbor(t, ctx, engine, idx, fp.PartitionKey, "completely different person and company", fp.Embedding, "Someone Else")

	dec, err := engine.Decide(ctx, req)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Entry != nil {
		t.Fatal("expected rebuild when nonconformity exceeds tau")
	}
}

func TestDecide_ReuseRefreshSkipsApproximateMatch(t *testing.T) {
	engine, idx, _ := testEngine(t)
	ctx := context.Background()
	req := baseRequest("refresh policy text")

	fp, err := engine.Fingerprinter.Compute(ctx, req)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	seedNeighbor(t, ctx, engine, idx, fp.PartitionKey, "refresh policy text!", fp.Embedding, "Carol")

	req.ReusePolicy = wire.ReuseRefresh
	dec, err := engine.Decide(ctx, req)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Entry != nil {
		t.Fatal("ReuseRefresh must bypass approximate match entirely")
	}
	if dec.Counterfactual == nil {
		t.Fatal("ReuseRefresh should still record the approximate candidate it would have reused")
	}
	if dec.Counterfactual.Result.Fields["name"].Value != "Carol" {
		t.Errorf("counterfactual should be the approximate neighbor, got %+v", dec.Counterfactual.Result.Fields)
	}
}

// An exact-match entry exists, but refresh still forces a rebuild rather
// than reusing it outright, recording the exact entry as the
// counterfactual instead.
func TestDecide_ReuseRefreshBypassesExactMatch(t *testing.T) {
	engine, _, _ := testEngine(t)
	ctx := context.Background()
	req := baseRequest("identical refresh text")

	fp, err := engine.Fingerprinter.Compute(ctx, req)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	result := wire.ExtractionResult{Fields: map[string]wire.FieldValue{"name": {Value: "Dana", Confidence: 0.9}}, ValidatorVersion: 1}
	if err := engine.AcceptRebuild(ctx, fp, req, result, 1); err != nil {
		t.Fatalf("AcceptRebuild: %v", err)
	}

	req.ReusePolicy = wire.ReuseRefresh
	dec, err := engine.Decide(ctx, req)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Entry != nil {
		t.Fatal("refresh must force rebuild even when an exact match exists")
	}
	if dec.Counterfactual == nil || dec.Counterfactual.Result.Fields["name"].Value != "Dana" {
		t.Fatal("refresh should record the exact match as the counterfactual decision")
	}
}

// TestAcceptRefresh_AgreeingRebuildIsAccepted covers the reconciliation
// path: a rebuild that agrees with the counterfactual result on every
// required field is labeled accepted, anchored at the counterfactual's
// nonconformity score rather than 0.
func TestAcceptRefresh_AgreeingRebuildIsAccepted(t *testing.T) {
	engine, _, cal := testEngine(t)
	ctx := context.Background()
	req := baseRequest("agreeing refresh text")
	req.RequiredFields = []string{"name"}

	fp, err := engine.Fingerprinter.Compute(ctx, req)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	cfResult := wire.ExtractionResult{Fields: map[string]wire.FieldValue{"name": {Value: "Erin", Confidence: 0.9}}, ValidatorVersion: 1}

	decision := Decision{
		Fingerprint: fp,
		Counterfactual: &wire.CacheEntry{
			Fingerprint: fp, Result: cfResult, ValidatorVersion: 1,
		},
		CounterfactualCert: &wire.Certificate{Nonconformity: 0.2},
	}

	rebuilt := wire.ExtractionResult{Fields: map[string]wire.FieldValue{"name": {Value: "Erin", Confidence: 0.95}}, ValidatorVersion: 1}
	if err := engine.AcceptRefresh(ctx, fp, req, decision, rebuilt, 1); err != nil {
		t.Fatalf("AcceptRefresh: %v", err)
	}

	partition := fingerprint.DerivePartitionKey(req.ContextTags)
	samples := cal.samples[partition]
	if len(samples) != 1 {
		t.Fatalf("expected exactly one calibration sample, got %d", len(samples))
	}
	if samples[0].Label != wire.LabelAccepted {
		t.Errorf("expected accepted label for an agreeing rebuild, got %q", samples[0].Label)
	}
	if samples[0].Nonconformity != 0.2 {
		t.Errorf("expected the counterfactual's nonconformity score 0.2, got %v", samples[0].Nonconformity)
	}

	entry, err := engine.Store.Get(ctx, fp.ContentHash)
	if err != nil || entry == nil {
		t.Fatalf("expected refresh to write back the rebuilt entry, got entry=%v err=%v", entry, err)
	}
}

// TestAcceptRefresh_DisagreeingRebuildIsRejected covers the other half: a
// rebuild that disagrees with the counterfactual result is labeled
// rejected, which pushes the next quantile computation down.
func TestAcceptRefresh_DisagreeingRebuildIsRejected(t *testing.T) {
	engine, _, cal := testEngine(t)
	ctx := context.Background()
	req := baseRequest("disagreeing refresh text")
	req.RequiredFields = []string{"name"}

	fp, err := engine.Fingerprinter.Compute(ctx, req)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	cfResult := wire.ExtractionResult{Fields: map[string]wire.FieldValue{"name": {Value: "Frank", Confidence: 0.9}}, ValidatorVersion: 1}

	decision := Decision{
		Fingerprint: fp,
		Counterfactual: &wire.CacheEntry{
			Fingerprint: fp, Result: cfResult, ValidatorVersion: 1,
		},
		CounterfactualCert: &wire.Certificate{Nonconformity: 0.1},
	}

	rebuilt := wire.ExtractionResult{Fields: map[string]wire.FieldValue{"name": {Value: "Grace", Confidence: 0.95}}, ValidatorVersion: 1}
	if err := engine.AcceptRefresh(ctx, fp, req, decision, rebuilt, 1); err != nil {
		t.Fatalf("AcceptRefresh: %v", err)
	}

	partition := fingerprint.DerivePartitionKey(req.ContextTags)
	samples := cal.samples[partition]
	if len(samples) != 1 {
		t.Fatalf("expected exactly one calibration sample, got %d", len(samples))
	}
	if samples[0].Label != wire.LabelRejected {
		t.Errorf("expected rejected label for a disagreeing rebuild, got %q", samples[0].Label)
	}
}

func TestDecide_ValidatorVersionMismatchIsNotUsable(t *testing.T) {
	engine, _, _ := testEngine(t)
	ctx := context.Background()
	req := baseRequest("versioned text")

	fp, err := engine.Fingerprinter.Compute(ctx, req)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	result := wire.ExtractionResult{Fields: map[string]wire.FieldValue{"name": {Value: "Dan", Confidence: 0.9}}, ValidatorVersion: 1}
	if err := engine.AcceptRebuild(ctx, fp, req, result, 1); err != nil {
		t.Fatalf("AcceptRebuild: %v", err)
	}

	req.ValidatorVersion = 2
	dec, err := engine.Decide(ctx, req)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Entry != nil {
		t.Fatal("a validator_version mismatch must not be treated as usable")
	}
}

func TestDecide_RevokedEntryIsNotUsable(t *testing.T) {
	engine, _, _ := testEngine(t)
	ctx := context.Background()
	req := baseRequest("revocation candidate text")

	fp, err := engine.Fingerprinter.Compute(ctx, req)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	result := wire.ExtractionResult{Fields: map[string]wire.FieldValue{"name": {Value: "Eve", Confidence: 0.9}}, ValidatorVersion: 1}
	if err := engine.AcceptRebuild(ctx, fp, req, result, 1); err != nil {
		t.Fatalf("AcceptRebuild: %v", err)
	}
	if err := engine.Invalidate(ctx, fp.ContentHash); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	dec, err := engine.Decide(ctx, req)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if dec.Entry != nil {
		t.Fatal("a revoked entry must not be reused")
	}
}

func TestRejectRebuild_AppendsSampleWithoutCacheWrite(t *testing.T) {
	engine, _, cal := testEngine(t)
	ctx := context.Background()

	if err := engine.RejectRebuild(ctx, "partition-a"); err != nil {
		t.Fatalf("RejectRebuild: %v", err)
	}
	samples := cal.samples["partition-a"]
	if len(samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(samples))
	}
	if samples[0].Label != wire.LabelRejected {
		t.Errorf("got label %q, want rejected", samples[0].Label)
	}
	if samples[0].Nonconformity != 1 {
		t.Errorf("got nonconformity %v, want 1", samples[0].Nonconformity)
	}
}

func TestEditDistanceRatio(t *testing.T) {
	cases := []struct {
		a, b string
		want float64
	}{
		{"same text", "same text", 0},
		{"", "", 0},
		{"", "abc", 1},
		{"abc", "", 1},
	}
	for _, c := range cases {
		got := EditDistanceRatio(c.a, c.b)
		if got != c.want {
			t.Errorf("EditDistanceRatio(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}

	// Non-identical, non-empty strings should land in (0, 1].
	got := EditDistanceRatio("kitten", "sitting")
	if got <= 0 || got > 1 {
		t.Errorf("EditDistanceRatio(kitten, sitting) = %v, want in (0,1]", got)
	}
}
