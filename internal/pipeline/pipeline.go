package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"hyperflow/config"
	"hyperflow/internal/classifier"
	"hyperflow/internal/exchange"
	"hyperflow/internal/ranking"
	"hyperflow/internal/registry"
	"hyperflow/logger"
	"hyperflow/models"
)

// Runner owns the ranking cycle. Every interval it refreshes the market
// universe from the venue, recomputes percentile scores and applies one tier
// classification cycle. When the venue snapshot or the score coverage is
// incomplete the previous tiers are held instead of reshuffled.
type Runner struct {
	ranking  config.RankingConfig
	sampling config.SamplingConfig

	source     exchange.Source
	registry   *registry.Registry
	engine     *ranking.Engine
	classifier *classifier.Classifier

	cycles     atomic.Int64
	incomplete atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	log *logger.Entry
}

func New(rankCfg config.RankingConfig, samplingCfg config.SamplingConfig, source exchange.Source, reg *registry.Registry, engine *ranking.Engine, cls *classifier.Classifier) *Runner {
	return &Runner{
		ranking:    rankCfg,
		sampling:   samplingCfg,
		source:     source,
		registry:   reg,
		engine:     engine,
		classifier: cls,
		log:        logger.GetLogger().WithComponent("ranking_runner"),
	}
}

func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("ranking runner already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go r.run(runCtx)

	r.log.WithFields(logger.Fields{
		"interval":     r.ranking.Interval().String(),
		"min_coverage": r.ranking.MinCoverage,
	}).Info("ranking runner started")
	return nil
}

func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
	r.log.Info("ranking runner stopped")
}

func (r *Runner) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.ranking.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle executes one universe refresh and classification cycle. It is
// exported so startup can prime the tiers before sampling begins.
func (r *Runner) RunCycle(ctx context.Context) {
	start := time.Now()

	spot, spotErr := r.source.FetchSpotUniverse(ctx)
	perp, perpErr := r.source.FetchPerpUniverse(ctx)
	if spotErr != nil || perpErr != nil {
		// A stale market list must not delist half the universe, so the
		// registry unsynced either way.
		reason := "universe fetch failed"
		if spotErr != nil {
			r.log.WithError(spotErr).Warn("spot universe fetch failed")
		}
		if perpErr != nil {
			r.log.WithError(perpErr).Warn("perp universe fetch failed")
		}
		r.holdCycle(reason)
		return
	}

	markets := make([]models.MarketInfo, 0, len(spot.Markets)+len(perp.Markets))
	markets = append(markets, spot.Markets...)
	markets = append(markets, perp.Markets...)

	metricsBySym := make(map[string]models.MarketMetrics, len(spot.Metrics)+len(perp.Metrics))
	for sym, m := range spot.Metrics {
		metricsBySym[sym] = m
	}
	for sym, m := range perp.Metrics {
		metricsBySym[sym] = m
	}

	now := time.Now()
	added, delisted := r.registry.Sync(markets, now)
	for _, sym := range delisted {
		r.classifier.Retire(sym)
	}
	r.registry.UpdateMetrics(metricsBySym)
	r.classifier.EnsureMarkets(r.registry.Active())

	safety := r.registry.SafetySet(r.sampling.SafetyAssets)
	if missing := r.registry.MissingSafetyAssets(r.sampling.SafetyAssets); len(missing) > 0 {
		r.log.WithFields(logger.Fields{"assets": missing}).Warn("safety assets absent from universe")
	}

	result, err := r.engine.Compute(r.scoreInputs(), safety)
	if err != nil {
		r.log.WithError(err).Warn("ranking incomplete")
		r.holdCycle(err.Error())
		return
	}

	summary := r.classifier.ApplyCycle(classifier.CycleInput{
		Result:  result,
		Spreads: r.classifier.LastSpreads(),
		Safety:  safety,
	})
	r.cycles.Add(1)

	r.log.WithFields(logger.Fields{
		"markets":    len(markets),
		"added":      added,
		"delisted":   len(delisted),
		"promotions": summary.Promotions,
		"demotions":  summary.Demotions,
		"exclusions": summary.Exclusions,
		"took":       time.Since(start).String(),
	}).Info("ranking cycle applied")
}

// holdCycle keeps the previous tiers with the safety floor applied.
func (r *Runner) holdCycle(reason string) {
	r.incomplete.Add(1)
	safety := r.registry.SafetySet(r.sampling.SafetyAssets)
	r.classifier.ApplyIncompleteCycle(reason, safety)
}

// scoreInputs merges the venue universe metrics with the spreads the
// scheduler observed since the last cycle. An observed L1 spread supersedes
// the coarser universe figure for the same market.
func (r *Runner) scoreInputs() map[string]models.MarketMetrics {
	observed := r.classifier.LastSpreads()

	inputs := make(map[string]models.MarketMetrics)
	for _, info := range r.registry.Active() {
		m := r.registry.MetricsOf(info.SymbolRaw)
		if sp, ok := observed[info.SymbolRaw]; ok {
			m.SpreadBps = sp
		}
		inputs[info.SymbolRaw] = m
	}
	return inputs
}

// Cycles returns the number of complete and incomplete cycles so far.
func (r *Runner) Cycles() (complete, incomplete int64) {
	return r.cycles.Load(), r.incomplete.Load()
}
