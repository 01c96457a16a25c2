// Package voit implements VoITController, the budget- and value-aware
// model-tier selection algorithm: pick the cheapest tier predicted to
// meet the quality target, invoke, validate, and escalate (or ensemble)
// while the budget ledger allows. Tier quality predictions start from
// configured priors and converge to per-partition EWMAs of observed
// quality.
package voit

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/allaspectsdev/c3voit/internal/clock"
	"github.com/allaspectsdev/c3voit/internal/config"
	"github.com/allaspectsdev/c3voit/internal/logging"
	"github.com/allaspectsdev/c3voit/internal/validator"
	"github.com/allaspectsdev/c3voit/internal/wire"
)

// Tier is one model of a fixed (expected_cost, expected_quality) class.
type Tier interface {
	Name() wire.ModelTierName
	ExpectedCost(req wire.ExtractionRequest) float64
	ExpectedQuality(partitionKey string) float64
	Extract(ctx context.Context, req wire.ExtractionRequest) (wire.ExtractionResult, float64, time.Duration, error)
}

// partitionStats is the per-partition EWMA of observed quality and success
// rate per tier, protected by its own mutex.
type partitionStats struct {
	mu           sync.Mutex
	quality      map[wire.ModelTierName]float64
	successCount map[wire.ModelTierName]int
	totalCount   map[wire.ModelTierName]int
}

const ewmaAlpha = 0.2

func newPartitionStats(priors map[wire.ModelTierName]float64) *partitionStats {
	quality := make(map[wire.ModelTierName]float64, len(priors))
	for name, q := range priors {
		quality[name] = q
	}
	return &partitionStats{
		quality:      quality,
		successCount: make(map[wire.ModelTierName]int),
		totalCount:   make(map[wire.ModelTierName]int),
	}
}

func (s *partitionStats) observe(name wire.ModelTierName, quality float64, succeeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.quality[name]
	if !ok {
		s.quality[name] = quality
	} else {
		s.quality[name] = ewmaAlpha*quality + (1-ewmaAlpha)*prev
	}
	s.totalCount[name]++
	if succeeded {
		s.successCount[name]++
	}
}

func (s *partitionStats) expectedQuality(name wire.ModelTierName, prior float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.quality[name]; ok {
		return q
	}
	return prior
}

// Controller runs the VoIT selection/escalation/ensemble algorithm.
type Controller struct {
	tiers     []Tier
	ensembler Ensembler
	validator *validator.Validator
	clock     clock.Clock
	cfg       config.VoITConfig

	statsMu sync.Mutex
	stats   map[string]*partitionStats
}

// Ensembler combines the last two tier results by field-wise majority or
// highest field confidence.
type Ensembler interface {
	Combine(results []wire.ExtractionResult) wire.ExtractionResult
}

// New builds a Controller. tiers must be supplied in increasing
// expected-cost order (the registry itself does not re-sort — ordering is
// an injected invariant, matching a provider router that trusts its
// configured list order).
func New(tiers []Tier, ensembler Ensembler, v *validator.Validator, clk clock.Clock, cfg config.VoITConfig) *Controller {
	return &Controller{
		tiers:     tiers,
		ensembler: ensembler,
		validator: v,
		clock:     clk,
		cfg:       cfg,
		stats:     make(map[string]*partitionStats),
	}
}

// EstimateRebuildCost reports the cost of whichever tier pickInitial would
// select for req, without running it. Used by the pipeline façade to
// populate cost_saved telemetry on a cache hit.
func (c *Controller) EstimateRebuildCost(req wire.ExtractionRequest, partitionKey string) float64 {
	if len(c.tiers) == 0 {
		return 0
	}
	stats := c.statsFor(partitionKey)
	tier, ok := c.pickInitial(req, stats)
	if !ok {
		return 0
	}
	return tier.ExpectedCost(req)
}

func (c *Controller) statsFor(partitionKey string) *partitionStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	s, ok := c.stats[partitionKey]
	if !ok {
		priors := make(map[wire.ModelTierName]float64, len(c.tiers))
		for _, t := range c.tiers {
			priors[t.Name()] = t.ExpectedQuality(partitionKey)
		}
		s = newPartitionStats(priors)
		c.stats[partitionKey] = s
	}
	return s
}

// Outcome is the result of running the controller for one request.
type Outcome struct {
	Result         wire.ExtractionResult
	Quality        wire.QualityReport
	TierUsed       wire.ModelTierName
	CostActual     float64
	QualityShortfall bool
	DeadlineExceeded bool
}

// Run executes the selection/invoke/validate/escalate/ensemble loop for
// req against partitionKey.
func (c *Controller) Run(ctx context.Context, req wire.ExtractionRequest, partitionKey string) (Outcome, error) {
	log := logging.Component("voit")

	if len(c.tiers) == 0 {
		return Outcome{}, &wire.BudgetExhaustedError{Reason: "no model tiers configured"}
	}

	stats := c.statsFor(partitionKey)
	ledger := wire.NewBudgetLedger(req.Budget)

	tier, ok := c.pickInitial(req, stats)
	if !ok {
		return Outcome{}, &wire.BudgetExhaustedError{Reason: "no tier affordable within budget"}
	}

	var best Outcome
	haveBest := false

	for {
		result, cost, _, err := c.invokeWithRetry(ctx, tier, req, ledger)
		if err != nil {
			if isDeadlineExceeded(err) || ctx.Err() != nil {
				if haveBest {
					best.DeadlineExceeded = true
					return best, nil
				}
				return Outcome{}, &wire.DeadlineExceededError{}
			}

			var mf *wire.ModelFailureError
			if asModelFailure(err, &mf) {
				// A failed tier counts as quality 0: record it and fall
				// through to the escalation logic instead of aborting.
				stats.observe(tier.Name(), 0, false)
				next, hasNext := c.pickEscalation(tier, ledger, req)
				if hasNext {
					tier = next
					continue
				}
				if haveBest {
					best.QualityShortfall = true
					return best, nil
				}
				return Outcome{}, err
			}
			return Outcome{}, err
		}

		ledger.Spend(cost)
		report := c.validator.Validate(req, result)
		overall := report.OverallQuality()
		stats.observe(tier.Name(), overall, true)

		outcome := Outcome{Result: result, Quality: report, TierUsed: tier.Name(), CostActual: ledger.Spent()}
		if overall >= req.QualityTarget {
			return outcome, nil
		}

		best = outcome
		haveBest = true

		next, hasNext := c.pickEscalation(tier, ledger, req)
		if !hasNext {
			if c.cfg.EnsembleEnabled && c.ensembler != nil {
				if ensembleOutcome, ran := c.tryEnsemble(ctx, req, partitionKey, ledger, best); ran {
					return ensembleOutcome, nil
				}
			}
			best.QualityShortfall = true
			log.Debug().Str("partition", partitionKey).Float64("quality", overall).Msg("quality shortfall, returning best effort")
			return best, nil
		}
		tier = next
	}
}

// pickInitial chooses the cheapest tier meeting quality_target within
// budget; if none qualifies, the tier maximizing q̂·min(1, budget/cost).
// The ensemble tier is never picked directly — it is only reachable
// through the ensemble rule after escalation has been exhausted.
func (c *Controller) pickInitial(req wire.ExtractionRequest, stats *partitionStats) (Tier, bool) {
	var cheapestQualifying Tier
	for _, t := range c.tiers {
		if t.Name() == wire.TierEnsemble {
			continue
		}
		cost := t.ExpectedCost(req)
		q := stats.expectedQuality(t.Name(), t.ExpectedQuality(""))
		if q >= req.QualityTarget && cost <= req.Budget {
			cheapestQualifying = t
			break
		}
	}
	if cheapestQualifying != nil {
		return cheapestQualifying, true
	}

	var bestTier Tier
	bestScore := -1.0
	for _, t := range c.tiers {
		if t.Name() == wire.TierEnsemble {
			continue
		}
		cost := t.ExpectedCost(req)
		if cost <= 0 {
			continue
		}
		q := stats.expectedQuality(t.Name(), t.ExpectedQuality(""))
		score := q * math.Min(1, req.Budget/cost)
		if score > bestScore {
			bestScore = score
			bestTier = t
		}
	}
	return bestTier, bestTier != nil
}

// pickEscalation chooses the cheapest strictly-higher tier that fits
// remaining budget. The ensemble tier is excluded: it combines results
// rather than replacing them, so it runs only through the ensemble rule.
func (c *Controller) pickEscalation(current Tier, ledger *wire.BudgetLedger, req wire.ExtractionRequest) (Tier, bool) {
	idx := c.indexOf(current)
	if idx < 0 {
		return nil, false
	}
	for i := idx + 1; i < len(c.tiers); i++ {
		if c.tiers[i].Name() == wire.TierEnsemble {
			continue
		}
		cost := c.tiers[i].ExpectedCost(req)
		if ledger.CanAfford(cost) {
			return c.tiers[i], true
		}
	}
	return nil, false
}

func (c *Controller) indexOf(t Tier) int {
	for i, candidate := range c.tiers {
		if candidate.Name() == t.Name() {
			return i
		}
	}
	return -1
}

// tryEnsemble invokes the registered wire.TierEnsemble tier, if there is
// one and the remaining budget covers its expected cost, and combines its
// result with best (the most recent escalation result) through the
// Ensembler. Results of earlier tiers are not passed to the Ensembler.
func (c *Controller) tryEnsemble(ctx context.Context, req wire.ExtractionRequest, partitionKey string, ledger *wire.BudgetLedger, best Outcome) (Outcome, bool) {
	ensembleTier := c.findTier(wire.TierEnsemble)
	if ensembleTier == nil {
		return Outcome{}, false
	}
	cost := ensembleTier.ExpectedCost(req)
	if !ledger.CanAfford(cost) {
		return Outcome{}, false
	}

	result, actualCost, _, err := c.invokeWithRetry(ctx, ensembleTier, req, ledger)
	if err != nil {
		return Outcome{}, false
	}
	ledger.Spend(actualCost)

	combined := c.ensembler.Combine([]wire.ExtractionResult{best.Result, result})
	report := c.validator.Validate(req, combined)
	outcome := Outcome{
		Result:     combined,
		Quality:    report,
		TierUsed:   wire.TierEnsemble,
		CostActual: ledger.Spent(),
	}
	if report.OverallQuality() < req.QualityTarget {
		outcome.QualityShortfall = true
	}
	c.statsFor(partitionKey).observe(wire.TierEnsemble, report.OverallQuality(), true)
	return outcome, true
}

func (c *Controller) findTier(name wire.ModelTierName) Tier {
	for _, t := range c.tiers {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// invokeWithRetry runs tier.Extract, retrying once on a retryable
// ModelFailure after a jittered backoff bounded by the request context.
// A second failure propagates so the caller's escalation logic takes
// over.
func (c *Controller) invokeWithRetry(ctx context.Context, tier Tier, req wire.ExtractionRequest, ledger *wire.BudgetLedger) (wire.ExtractionResult, float64, time.Duration, error) {
	result, cost, latency, err := tier.Extract(ctx, req)
	if err == nil {
		return result, cost, latency, nil
	}

	var mf *wire.ModelFailureError
	if !asModelFailure(err, &mf) || !mf.Retryable {
		return wire.ExtractionResult{}, 0, 0, err
	}

	backoff := jitteredBackoff(50 * time.Millisecond)
	select {
	case <-ctx.Done():
		return wire.ExtractionResult{}, 0, 0, &wire.DeadlineExceededError{}
	case <-c.clock.After(backoff):
	}

	result, cost, latency, err = tier.Extract(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return wire.ExtractionResult{}, 0, 0, &wire.DeadlineExceededError{}
		}
		return wire.ExtractionResult{}, 0, 0, err
	}
	return result, cost, latency, nil
}

func jitteredBackoff(base time.Duration) time.Duration {
	jitter := time.Duration(rand.Int63n(int64(base)))
	return base + jitter
}

func asModelFailure(err error, target **wire.ModelFailureError) bool {
	mf, ok := err.(*wire.ModelFailureError)
	if !ok {
		return false
	}
	*target = mf
	return true
}

func isDeadlineExceeded(err error) bool {
	_, ok := err.(*wire.DeadlineExceededError)
	return ok
}
