// Package pipeline implements ExtractionPipeline, the façade that
// composes Fingerprinter, C3Engine, VoITController, Validator,
// SingleFlight and TelemetrySink into the three operations callers
// actually invoke: Process, Invalidate and Refresh. Requests are
// panic-isolated and admission-controlled per partition before any
// collaborator runs.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/allaspectsdev/c3voit/internal/c3"
	"github.com/allaspectsdev/c3voit/internal/clock"
	"github.com/allaspectsdev/c3voit/internal/config"
	"github.com/allaspectsdev/c3voit/internal/fingerprint"
	"github.com/allaspectsdev/c3voit/internal/logging"
	"github.com/allaspectsdev/c3voit/internal/singleflight"
	"github.com/allaspectsdev/c3voit/internal/telemetry"
	"github.com/allaspectsdev/c3voit/internal/validator"
	"github.com/allaspectsdev/c3voit/internal/voit"
	"github.com/allaspectsdev/c3voit/internal/wire"
)

var log = logging.Component("pipeline")

// Pipeline is the single entry point extraction callers use.
type Pipeline struct {
	C3        *c3.Engine
	VoIT      *voit.Controller
	Validator *validator.Validator
	Dedup     *singleflight.Group
	Sink      telemetry.Sink
	Clock     clock.Clock

	maxConcurrency   int
	certHistory      int
	cacheOnShortfall float64

	mu       sync.Mutex
	limiters map[string]chan struct{}
}

// New builds a Pipeline from its collaborators. pipelineCfg bounds
// per-partition concurrency; certHistory bounds how many certificates a
// CacheEntry retains (config.C3Config.CertificateHistory); cacheOnShortfall
// is the minimum overall_quality a quality-shortfall result must still
// clear to be cached rather than rejected (config.VoITConfig.CacheOnShortfall,
// S4: "cache if overall_quality >= 0.5, else reject").
func New(engine *c3.Engine, controller *voit.Controller, v *validator.Validator, dedup *singleflight.Group, sink telemetry.Sink, clk clock.Clock, pipelineCfg config.PipelineConfig, certHistory int, cacheOnShortfall float64) *Pipeline {
	max := pipelineCfg.MaxConcurrencyPerPartition
	if max <= 0 {
		max = 64
	}
	return &Pipeline{
		C3:               engine,
		VoIT:             controller,
		Validator:        v,
		Dedup:            dedup,
		Sink:             sink,
		Clock:            clk,
		maxConcurrency:   max,
		certHistory:      certHistory,
		cacheOnShortfall: cacheOnShortfall,
		limiters:         make(map[string]chan struct{}),
	}
}

func (p *Pipeline) acquire(partitionKey string) (func(), bool) {
	p.mu.Lock()
	sem, ok := p.limiters[partitionKey]
	if !ok {
		sem = make(chan struct{}, p.maxConcurrency)
		p.limiters[partitionKey] = sem
	}
	p.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, true
	default:
		return nil, false
	}
}

// Process runs one extraction request end to end: C3Engine decides reuse
// vs rebuild; on a miss, VoITController runs the tier ladder (deduplicated
// per content_hash across concurrent identical requests); the result is
// validated and written back through C3Engine unless it fell short of the
// quality target with overall_quality below the cache-on-shortfall
// threshold. One Telemetry record is emitted for each call that reaches a
// reuse or rebuild outcome; a call rejected as overloaded, a call whose
// Decide step returns an error, and a call that panics emit none. Panics
// from any collaborator are converted into errors rather than crashing the
// caller.
func (p *Pipeline) Process(ctx context.Context, req wire.ExtractionRequest) (result wire.ExtractionResult, cert wire.Certificate, err error) {
	start := p.Clock.Now()
	partitionKey := fingerprint.DerivePartitionKey(req.ContextTags)

	release, ok := p.acquire(partitionKey)
	if !ok {
		return wire.ExtractionResult{}, wire.Certificate{}, &wire.OverloadedError{PartitionKey: partitionKey, Limit: p.maxConcurrency}
	}
	defer release()

	if req.ID == "" {
		req.ID = wire.NewRequestID()
	}

	if req.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Deadline)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline: process: panic: %v", r)
			log.Error().Interface("panic", r).Str("request_id", req.ID).Msg("recovered panic in Process")
		}
	}()

	decision, decErr := p.C3.Decide(ctx, req)
	if decErr != nil {
		return wire.ExtractionResult{}, wire.Certificate{}, decErr
	}

	if decision.Entry != nil {
		return p.handleHit(ctx, req, decision, partitionKey, start)
	}

	return p.rebuild(ctx, req, decision, partitionKey, start)
}

func (p *Pipeline) handleHit(ctx context.Context, req wire.ExtractionRequest, decision c3.Decision, partitionKey string, start time.Time) (wire.ExtractionResult, wire.Certificate, error) {
	result := decision.Entry.Result
	report := p.Validator.Validate(req, result)

	cert := decision.Cert
	cert.RequestID = req.ID
	decision.Entry.PushCertificate(cert, p.certHistory)

	costSaved := p.VoIT.EstimateRebuildCost(req, partitionKey)
	p.emit(ctx, cert, report, 0, costSaved, p.Clock.Now().Sub(start))
	return result, cert, nil
}

// rebuildOutcome is what the singleflight leader computes; followers share
// the same value without re-running VoIT or touching the cache twice.
type rebuildOutcome struct {
	outcome         voit.Outcome
	cacheWriteFailed bool
}

func (p *Pipeline) rebuild(ctx context.Context, req wire.ExtractionRequest, decision c3.Decision, partitionKey string, start time.Time) (wire.ExtractionResult, wire.Certificate, error) {
	fp := decision.Fingerprint
	v, shared, err := p.Dedup.Do(fp.ContentHash, func() (interface{}, error) {
		outcome, runErr := p.VoIT.Run(ctx, req, partitionKey)
		if runErr != nil {
			return nil, runErr
		}

		cacheWriteFailed := false
		switch {
		case req.ReusePolicy == wire.ReuseRefresh:
			// Refresh always re-caches the freshest result and reconciles
			// against the counterfactual decision instead of the default
			// accept/reject gate.
			if acceptErr := p.C3.AcceptRefresh(ctx, fp, req, decision, outcome.Result, req.ValidatorVersion); acceptErr != nil {
				cacheWriteFailed = true
			}
		case outcome.QualityShortfall && outcome.Quality.OverallQuality() < p.cacheOnShortfall:
			if rejErr := p.C3.RejectRebuild(ctx, partitionKey); rejErr != nil {
				log.Warn().Err(rejErr).Str("partition", partitionKey).Msg("failed to record rejected calibration sample")
			}
		default:
			if acceptErr := p.C3.AcceptRebuild(ctx, fp, req, outcome.Result, req.ValidatorVersion); acceptErr != nil {
				cacheWriteFailed = true
			}
		}
		return rebuildOutcome{outcome: outcome, cacheWriteFailed: cacheWriteFailed}, nil
	})

	cert := wire.Certificate{RequestID: req.ID, Decision: wire.DecisionRebuild, Shared: shared, Degraded: decision.Degraded}

	if err != nil {
		switch e := err.(type) {
		case *wire.BudgetExhaustedError:
			cert.Degraded = true
			p.emit(ctx, cert, wire.QualityReport{}, 0, 0, p.Clock.Now().Sub(start))
			return wire.ExtractionResult{}, cert, e
		case *wire.DeadlineExceededError:
			cert.DeadlineExceeded = true
			p.emit(ctx, cert, wire.QualityReport{}, 0, 0, p.Clock.Now().Sub(start))
			return wire.ExtractionResult{}, cert, e
		default:
			p.emit(ctx, cert, wire.QualityReport{}, 0, 0, p.Clock.Now().Sub(start))
			return wire.ExtractionResult{}, cert, err
		}
	}

	ro, _ := v.(rebuildOutcome)
	outcome := ro.outcome

	cert.TierUsed = outcome.TierUsed
	cert.QualityShortfall = outcome.QualityShortfall
	cert.DeadlineExceeded = outcome.DeadlineExceeded
	cert.CacheWriteFailed = ro.cacheWriteFailed

	p.emit(ctx, cert, outcome.Quality, outcome.CostActual, 0, p.Clock.Now().Sub(start))
	return outcome.Result, cert, nil
}

func (p *Pipeline) emit(ctx context.Context, cert wire.Certificate, report wire.QualityReport, costActual, costSaved float64, latency time.Duration) {
	if p.Sink == nil {
		return
	}
	flags := make(map[string]bool, 4)
	if cert.Degraded {
		flags["c3_degraded"] = true
	}
	if cert.QualityShortfall {
		flags["quality_shortfall"] = true
	}
	if cert.DeadlineExceeded {
		flags["deadline_exceeded"] = true
	}
	if cert.CacheWriteFailed {
		flags["cache_write_failed"] = true
	}

	p.Sink.Emit(ctx, wire.Telemetry{
		RequestID:     cert.RequestID,
		Decision:      cert.Decision,
		Similarity:    cert.Similarity,
		Nonconformity: cert.Nonconformity,
		RiskBound:     cert.RiskBound,
		TierUsed:      cert.TierUsed,
		CostActual:    costActual,
		CostSaved:     costSaved,
		Quality:       report.OverallQuality(),
		Flags:         flags,
		Latency:       latency,
	})
}

// Invalidate marks the cache entry for contentHash revoked. Idempotent:
// invalidating an already-revoked or nonexistent entry is not an error.
func (p *Pipeline) Invalidate(ctx context.Context, contentHash string) error {
	return p.C3.Invalidate(ctx, contentHash)
}

// Refresh forces req through a rebuild regardless of what the cache holds.
// The decision the engine would have made (exact or approximate reuse) is
// still recorded and reconciled against the rebuilt result as a
// calibration sample.
func (p *Pipeline) Refresh(ctx context.Context, req wire.ExtractionRequest) (wire.ExtractionResult, wire.Certificate, error) {
	req.ReusePolicy = wire.ReuseRefresh
	return p.Process(ctx, req)
}
