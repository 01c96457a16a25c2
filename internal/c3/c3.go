// Package c3 implements C3Engine, the conformal counterfactual cache's
// reuse/rebuild decision algorithm. It composes the Fingerprinter,
// VectorIndex, CacheStore and CalibrationLog collaborators into a single
// Decide call that either returns a cached result with a certificate or
// signals the caller (the pipeline façade) to rebuild via VoIT. The
// lookup cascades: exact content-hash match first, then an approximate
// match over embedding neighbors gated by a calibrated nonconformity
// threshold, then rebuild.
package c3

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/allaspectsdev/c3voit/internal/cachestore"
	"github.com/allaspectsdev/c3voit/internal/calibration"
	"github.com/allaspectsdev/c3voit/internal/clock"
	"github.com/allaspectsdev/c3voit/internal/config"
	"github.com/allaspectsdev/c3voit/internal/fingerprint"
	"github.com/allaspectsdev/c3voit/internal/logging"
	"github.com/allaspectsdev/c3voit/internal/vectorindex"
	"github.com/allaspectsdev/c3voit/internal/wire"
)

var log = logging.Component("c3")

// Engine decides reuse vs rebuild for a request and owns the cache
// write-back once a rebuild has been validated.
type Engine struct {
	Fingerprinter *fingerprint.Fingerprinter
	Index         vectorindex.Index
	Store         *cachestore.Store
	Calibration   calibration.Log
	Clock         clock.Clock
	Cfg           config.C3Config

	// Timeouts bounds each collaborator call (embedding, index query,
	// cache read/write). Zero values disable the corresponding bound.
	Timeouts config.TimeoutsConfig
}

// New constructs an Engine from its collaborators.
func New(fp *fingerprint.Fingerprinter, idx vectorindex.Index, store *cachestore.Store, cal calibration.Log, clk clock.Clock, cfg config.C3Config) *Engine {
	return &Engine{Fingerprinter: fp, Index: idx, Store: store, Calibration: cal, Clock: clk, Cfg: cfg}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// getEntry reads from the cache store under the configured read timeout.
func (e *Engine) getEntry(ctx context.Context, contentHash string) (*wire.CacheEntry, error) {
	ctx, cancel := withTimeout(ctx, e.Timeouts.CacheRead())
	defer cancel()
	return e.Store.Get(ctx, contentHash)
}

// Decision is the outcome of Decide: either a cache hit (Entry != nil) or
// a signal to rebuild (Entry == nil). Degraded records whether the engine
// fell back to exact-match-only mode because of a collaborator failure;
// a degraded decision never silently substitutes a wrong answer for a miss.
type Decision struct {
	Fingerprint wire.Fingerprint
	Entry       *wire.CacheEntry
	Cert        wire.Certificate
	Degraded    bool

	// Counterfactual and CounterfactualCert are populated only under
	// reuse_policy=refresh: the usable exact-match entry, or else the
	// best-ranked approximate neighbor (not gated on τ), with its
	// certificate. Nil if no entry or neighbor passed the eligibility checks.
	Counterfactual     *wire.CacheEntry
	CounterfactualCert *wire.Certificate
}

// Decide runs the reuse/rebuild algorithm: policy gate, exact match,
// approximate match, else rebuild. The caller (ExtractionPipeline) is responsible for
// invoking VoIT and writing back through Accept/Reject when Decide
// returns a nil Entry.
func (e *Engine) Decide(ctx context.Context, req wire.ExtractionRequest) (Decision, error) {
	fpCtx, cancel := withTimeout(ctx, e.Timeouts.Embedding())
	fp, err := e.Fingerprinter.Compute(fpCtx, req)
	cancel()
	if err != nil {
		if _, ok := err.(*wire.EmbeddingUnavailableError); ok {
			return e.exactMatchOnly(ctx, req, wire.Fingerprint{}, err)
		}
		return Decision{}, err
	}

	if req.ReusePolicy == wire.ReuseForbid {
		return Decision{Fingerprint: fp}, nil
	}

	exact, err := e.getEntry(ctx, fp.ContentHash)
	if err != nil {
		log.Warn().Err(err).Msg("cachestore get failed, degrading to rebuild")
		return Decision{Fingerprint: fp, Degraded: true}, nil
	}
	exactEntry := e.usableExact(exact, req)

	// refresh forces rebuild regardless of what exact/approximate match
	// would have decided, but records that counterfactual decision so the
	// caller can compare it against the rebuilt result.
	if req.ReusePolicy == wire.ReuseRefresh {
		return e.counterfactualDecision(ctx, fp, req, exactEntry)
	}

	if exactEntry != nil {
		return Decision{
			Fingerprint: fp,
			Entry:       exactEntry,
			Cert: wire.Certificate{
				RequestID:     req.ID,
				Decision:      wire.DecisionReuse,
				Similarity:    1.0,
				Nonconformity: 0,
				RiskBound:     0,
				TierUsed:      wire.TierCached,
			},
		}, nil
	}

	return e.approximateMatch(ctx, fp, req)
}

// counterfactualDecision implements the refresh-policy branch: the
// engine always rebuilds, but it still records a counterfactual candidate:
// exactEntry if usable, else the approximate neighbor with the lowest
// nonconformity regardless of τ, else nothing. The
// pipeline compares this counterfactual result against the rebuilt one to
// derive the calibration sample that keeps the distribution honest even
// when the observed hit rate is high.
func (e *Engine) counterfactualDecision(ctx context.Context, fp wire.Fingerprint, req wire.ExtractionRequest, exactEntry *wire.CacheEntry) (Decision, error) {
	if exactEntry != nil {
		cfCert := wire.Certificate{
			RequestID:  req.ID,
			Decision:   wire.DecisionReuse,
			Similarity: 1.0,
			TierUsed:   wire.TierCached,
		}
		return Decision{Fingerprint: fp, Counterfactual: exactEntry, CounterfactualCert: &cfCert}, nil
	}

	candidate, cert, found, err := e.bestApproximateCandidate(ctx, fp, req)
	if err != nil || !found {
		// No counterfactual reuse to compare against: the engine would
		// have rebuilt anyway, so there is nothing to refresh against.
		return Decision{Fingerprint: fp}, nil
	}
	return Decision{Fingerprint: fp, Counterfactual: candidate, CounterfactualCert: &cert}, nil
}

// exactMatchOnly handles the EmbeddingUnavailable degradation path:
// fall back to exact-match only, and if that misses too, signal rebuild
// without ever attempting an approximate match. content_hash only depends
// on partition_key and canonical_text, so it is still derived without an
// embedding. If the cache read itself fails, the EmbeddingUnavailable
// cause is returned instead of a decision.
func (e *Engine) exactMatchOnly(ctx context.Context, req wire.ExtractionRequest, _ wire.Fingerprint, cause error) (Decision, error) {
	partitionKey := fingerprint.DerivePartitionKey(req.ContextTags)
	hash := fingerprint.ContentHashForExactMatch(partitionKey, req.CanonicalText)
	fp := wire.Fingerprint{ContentHash: hash, PartitionKey: partitionKey}

	if req.ReusePolicy == wire.ReuseForbid {
		return Decision{Fingerprint: fp, Degraded: true}, nil
	}

	entry, err := e.getEntry(ctx, hash)
	if err != nil {
		return Decision{}, cause
	}
	if usable := e.usableExact(entry, req); usable != nil {
		return Decision{
			Fingerprint: fp,
			Entry:       usable,
			Degraded:    true,
			Cert: wire.Certificate{
				RequestID:  req.ID,
				Decision:   wire.DecisionReuse,
				Similarity: 1.0,
				TierUsed:   wire.TierCached,
				Degraded:   true,
			},
		}, nil
	}

	// No exact match either: without an embedding, rebuild is the only
	// option and the caller must not use the vector index.
	return Decision{Fingerprint: fp, Degraded: true}, nil
}

// usableExact applies the exact-match eligibility rule: not revoked,
// validator_version matches, required_fields covered.
func (e *Engine) usableExact(entry *wire.CacheEntry, req wire.ExtractionRequest) *wire.CacheEntry {
	if entry == nil || entry.Revoked {
		return nil
	}
	if entry.ValidatorVersion != req.ValidatorVersion {
		return nil
	}
	if !entry.CoversFields(req.RequiredFields) {
		return nil
	}
	return entry
}

// approximateMatch queries the vector index, ranks candidates by
// nonconformity, and reuses the first that clears both the similarity
// floor and the calibrated threshold.
func (e *Engine) approximateMatch(ctx context.Context, fp wire.Fingerprint, req wire.ExtractionRequest) (Decision, error) {
	entry, cert, found, degraded, err := e.rankedApproximateCandidate(ctx, fp, req, true)
	if err != nil {
		return Decision{}, err
	}
	if degraded {
		return Decision{Fingerprint: fp, Degraded: true}, nil
	}
	if !found {
		return Decision{Fingerprint: fp}, nil
	}
	return Decision{Fingerprint: fp, Entry: entry, Cert: cert}, nil
}

// bestApproximateCandidate ranks neighbors by nonconformity the same way
// approximateMatch does, but does NOT gate on the calibrated threshold τ —
// it reports whichever candidate would be reused if τ were met, so the
// refresh-policy counterfactual path can record "the decision it would
// have made" even though forced rebuild ignores it.
func (e *Engine) bestApproximateCandidate(ctx context.Context, fp wire.Fingerprint, req wire.ExtractionRequest) (*wire.CacheEntry, wire.Certificate, bool, error) {
	entry, cert, found, _, err := e.rankedApproximateCandidate(ctx, fp, req, false)
	return entry, cert, found, err
}

// rankedApproximateCandidate queries the vector index, ranks surviving
// candidates by nonconformity, and optionally gates the winner against the
// calibrated quantile τ. gateOnTau=true is approximateMatch's real
// reuse/rebuild decision; gateOnTau=false is the refresh counterfactual,
// which wants to know the best candidate regardless of τ.
func (e *Engine) rankedApproximateCandidate(ctx context.Context, fp wire.Fingerprint, req wire.ExtractionRequest, gateOnTau bool) (*wire.CacheEntry, wire.Certificate, bool, bool, error) {
	k := e.Cfg.KNeighbors
	if k <= 0 {
		k = 8
	}

	queryCtx, cancelQuery := withTimeout(ctx, e.Timeouts.VectorQuery())
	neighbors, err := e.Index.Query(queryCtx, fp.PartitionKey, fp.Embedding, k)
	cancelQuery()
	if err != nil {
		log.Warn().Err(err).Msg("vector index query failed, degrading to exact-match-only")
		return nil, wire.Certificate{}, false, true, nil
	}

	tau, err := e.Calibration.Quantile(ctx, fp.PartitionKey, e.Cfg.Delta, e.Cfg.CalibrationWindow, e.Cfg.CalibrationNMin)
	if err != nil {
		log.Warn().Err(err).Msg("calibration quantile failed, degrading to exact-match-only")
		return nil, wire.Certificate{}, false, true, nil
	}
	n, err := e.Calibration.WindowSize(ctx, fp.PartitionKey)
	if err != nil {
		n = 0
	}

	floor := e.Cfg.SimilarityFloor
	if floor <= 0 {
		floor = 0.88
	}
	lambda := e.Cfg.LambdaEdit

	type candidate struct {
		entry *wire.CacheEntry
		nb    vectorindex.Neighbor
		a     float64
	}
	var candidates []candidate

	for _, nb := range neighbors {
		if nb.Similarity < floor {
			continue
		}
		entry, err := e.getEntry(ctx, nb.ContentHash)
		if err != nil || entry == nil || entry.Revoked {
			continue
		}
		if entry.ValidatorVersion != req.ValidatorVersion {
			continue
		}
		if !entry.CoversFields(req.RequiredFields) {
			continue
		}
		editRatio := EditDistanceRatio(req.CanonicalText, entry.CanonicalText)
		a := (1 - nb.Similarity) + lambda*editRatio
		candidates = append(candidates, candidate{entry: entry, nb: nb, a: a})
	}

	if len(candidates) == 0 {
		return nil, wire.Certificate{}, false, false, nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].a < candidates[j].a })
	best := candidates[0]

	if gateOnTau && best.a > tau {
		return nil, wire.Certificate{}, false, false, nil
	}

	neighborFP := best.entry.Fingerprint
	cert := wire.Certificate{
		RequestID:           req.ID,
		Decision:            wire.DecisionReuse,
		NeighborFingerprint: &neighborFP,
		Similarity:          best.nb.Similarity,
		Nonconformity:       best.a,
		RiskBound:           e.Cfg.Delta,
		CalibrationN:        n,
		TierUsed:            wire.TierCached,
	}
	return best.entry, cert, true, false, nil
}

// writeRebuiltEntry persists a validated rebuild result, following the
// two-phase write protocol: VectorIndex.Upsert first, then CacheStore.Put,
// so a reader never observes an index hit with no matching cache entry.
// It does not touch the calibration log — callers decide which sample (if
// any) the write corresponds to.
func (e *Engine) writeRebuiltEntry(ctx context.Context, fp wire.Fingerprint, req wire.ExtractionRequest, result wire.ExtractionResult, validatorVersion int) error {
	now := e.Clock.Now()
	entry := &wire.CacheEntry{
		Fingerprint:      fp,
		CanonicalText:    req.CanonicalText,
		RequiredFields:   req.RequiredFields,
		Result:           result,
		CreatedAt:        now,
		LastVerifiedAt:   now,
		ValidatorVersion: validatorVersion,
	}

	writeCtx, cancel := withTimeout(ctx, e.Timeouts.CacheWrite())
	defer cancel()

	if err := e.Index.Upsert(writeCtx, fp.PartitionKey, fp.ContentHash, fp.Embedding); err != nil {
		log.Warn().Err(err).Msg("vector index upsert failed, skipping cache write")
		return err
	}
	if err := e.Store.Put(writeCtx, entry); err != nil {
		log.Warn().Err(err).Msg("cache write failed")
		return err
	}
	return nil
}

// AcceptRebuild writes a new CacheEntry for a validated rebuild result and
// appends the anchoring calibration sample (a=0, accepted) that keeps a
// fresh point in the distribution every time the engine rebuilds.
func (e *Engine) AcceptRebuild(ctx context.Context, fp wire.Fingerprint, req wire.ExtractionRequest, result wire.ExtractionResult, validatorVersion int) error {
	if err := e.writeRebuiltEntry(ctx, fp, req, result, validatorVersion); err != nil {
		return err
	}
	return e.Calibration.Append(ctx, wire.CalibrationSample{
		Nonconformity: 0,
		Label:         wire.LabelAccepted,
		PartitionKey:  fp.PartitionKey,
		Timestamp:     e.Clock.Now(),
	})
}

// RejectRebuild appends a rejection calibration sample without writing to
// the cache.
func (e *Engine) RejectRebuild(ctx context.Context, partitionKey string) error {
	return e.Calibration.Append(ctx, wire.CalibrationSample{
		Nonconformity: 1,
		Label:         wire.LabelRejected,
		PartitionKey:  partitionKey,
		Timestamp:     e.Clock.Now(),
	})
}

// refreshAgreementTolerance bounds how much a rebuilt result may differ
// from the counterfactual-reused one (as a fraction of mismatched required
// fields) before the refresh sample is labeled rejected instead of
// accepted.
const refreshAgreementTolerance = 0.1

// AcceptRefresh writes the rebuilt entry (refresh always re-caches the
// freshest result) and appends the counterfactual calibration sample:
// nonconformity is the counterfactual candidate's score
// (not gated on τ), and the label reflects whether the rebuilt result actually
// agreed with what would have been reused. This is what keeps the
// calibration distribution honest even when the observed hit rate is
// high — a low-a neighbor that turns out to disagree pushes τ down on the
// next quantile computation.
func (e *Engine) AcceptRefresh(ctx context.Context, fp wire.Fingerprint, req wire.ExtractionRequest, decision Decision, rebuilt wire.ExtractionResult, validatorVersion int) error {
	if err := e.writeRebuiltEntry(ctx, fp, req, rebuilt, validatorVersion); err != nil {
		return err
	}
	if decision.Counterfactual == nil || decision.CounterfactualCert == nil {
		// Nothing would have been reused anyway: there is no counterfactual
		// to reconcile against, so refresh degenerates to a plain rebuild.
		return e.Calibration.Append(ctx, wire.CalibrationSample{
			Nonconformity: 0,
			Label:         wire.LabelAccepted,
			PartitionKey:  fp.PartitionKey,
			Timestamp:     e.Clock.Now(),
		})
	}

	delta := requiredFieldsDelta(req.RequiredFields, decision.Counterfactual.Result, rebuilt)
	label := wire.LabelAccepted
	if delta > refreshAgreementTolerance {
		label = wire.LabelRejected
	}
	return e.Calibration.Append(ctx, wire.CalibrationSample{
		Nonconformity: decision.CounterfactualCert.Nonconformity,
		Label:         label,
		PartitionKey:  fp.PartitionKey,
		Timestamp:     e.Clock.Now(),
	})
}

// requiredFieldsDelta is the fraction of required fields whose values
// disagree between two results (presence mismatch counts as a disagreement
// too). 0 means the two results fully agree on every required field.
func requiredFieldsDelta(requiredFields []string, a, b wire.ExtractionResult) float64 {
	if len(requiredFields) == 0 {
		return 0
	}
	mismatched := 0
	for _, field := range requiredFields {
		av, aok := a.Fields[field]
		bv, bok := b.Fields[field]
		if aok != bok {
			mismatched++
			continue
		}
		if aok && fmt.Sprint(av.Value) != fmt.Sprint(bv.Value) {
			mismatched++
		}
	}
	return float64(mismatched) / float64(len(requiredFields))
}

// Invalidate marks an entry revoked, idempotently.
func (e *Engine) Invalidate(ctx context.Context, contentHash string) error {
	return e.Store.MarkRevoked(ctx, contentHash)
}

// EditDistanceRatio is a bounded, monotone text-distance proxy: Levenshtein
// distance normalized by the longer string's rune length, clamped to
// [0,1] (0 iff identical).
func EditDistanceRatio(a, b string) float64 {
	if a == b {
		return 0
	}
	ra := []rune(a)
	rb := []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		if len(ra) == len(rb) {
			return 0
		}
		return 1
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			curr[j] = m
		}
		prev, curr = curr, prev
	}
	dist := prev[len(rb)]

	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	ratio := float64(dist) / float64(maxLen)
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

