package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"hyperflow/config"
	"hyperflow/internal/channel"
	"hyperflow/internal/classifier"
	"hyperflow/internal/exchange"
	"hyperflow/internal/metrics"
	"hyperflow/internal/metrics/rate"
	"hyperflow/internal/registry"
	"hyperflow/logger"
	"hyperflow/models"
)

// lastQuote is the most recent good L1 observation for one market, used to
// fill degraded samples.
type lastQuote struct {
	bid       *float64
	ask       *float64
	mid       *float64
	spreadBps *float64
}

// Stats counts scheduler outcomes since start.
type Stats struct {
	Attempts          uint64
	Errors            uint64
	CrossedBooks      uint64
	SkippedWideSpread uint64
}

// Scheduler drives per-tier sampling. Each tier runs its own ticker; every
// tick fetches the books of exactly the markets in that tier at tick start,
// through one semaphore shared by all tiers so total in-flight fetches stay
// bounded.
type Scheduler struct {
	cfg        config.SamplingConfig
	source     exchange.Source
	registry   *registry.Registry
	classifier *classifier.Classifier
	channels   *channel.Channels

	sem    chan struct{}
	wg     *sync.WaitGroup
	mu     sync.Mutex
	cancel context.CancelFunc

	quoteMu    sync.Mutex
	lastQuotes map[string]lastQuote
	lastTs     map[string]int64

	attempts     atomic.Uint64
	errors       atomic.Uint64
	crossedBooks atomic.Uint64
	skippedWide  atomic.Uint64

	running bool
	log     *logger.Log
}

func New(cfg config.SamplingConfig, source exchange.Source, reg *registry.Registry, cls *classifier.Classifier, ch *channel.Channels) *Scheduler {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Scheduler{
		cfg:        cfg,
		source:     source,
		registry:   reg,
		classifier: cls,
		channels:   ch,
		sem:        make(chan struct{}, maxConcurrent),
		wg:         &sync.WaitGroup{},
		lastQuotes: make(map[string]lastQuote),
		lastTs:     make(map[string]int64),
		log:        logger.GetLogger(),
	}
}

// Start launches one sampling loop per tier.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	tiers := map[models.Tier]config.TierConfig{
		models.TierA: s.cfg.Tiers.A,
		models.TierB: s.cfg.Tiers.B,
		models.TierC: s.cfg.Tiers.C,
		models.TierD: s.cfg.Tiers.D,
	}
	for tier, tc := range tiers {
		s.wg.Add(1)
		go s.runTier(ctx, tier, tc)
	}

	s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"max_concurrent": cap(s.sem),
		"interval_a_ms":  s.cfg.Tiers.A.IntervalMs,
		"interval_b_ms":  s.cfg.Tiers.B.IntervalMs,
		"interval_c_ms":  s.cfg.Tiers.C.IntervalMs,
		"interval_d_ms":  s.cfg.Tiers.D.IntervalMs,
	}).Info("scheduler started")
	return nil
}

// Stop cancels the tier loops and waits for in-flight fetches to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.log.WithComponent("scheduler").Info("scheduler stopped")
}

func (s *Scheduler) runTier(ctx context.Context, tier models.Tier, tc config.TierConfig) {
	defer s.wg.Done()

	ticker := time.NewTicker(tc.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, tier, tc.Timeout())
		}
	}
}

// tick fetches every market in the tier as of this instant. The semaphore
// acquisition below throttles issue rate; a full semaphore delays this tick,
// it never spawns past the cap.
func (s *Scheduler) tick(ctx context.Context, tier models.Tier, timeout time.Duration) {
	members := s.classifier.TierMembers(tier)
	for _, sym := range members {
		select {
		case <-ctx.Done():
			return
		case s.sem <- struct{}{}:
		}

		s.wg.Add(1)
		go func(sym string) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.fetchOne(ctx, sym, tier, timeout)
		}(sym)
	}
}

func (s *Scheduler) fetchOne(ctx context.Context, sym string, tier models.Tier, timeout time.Duration) {
	info, ok := s.registry.Get(sym)
	if !ok {
		return
	}
	s.attempts.Add(1)
	metrics.IncrementFetch(string(tier))

	fctx, cancel := context.WithTimeout(ctx, timeout)
	book, err := s.source.FetchBook(fctx, info)
	cancel()

	sample := s.baseSample(info, tier)

	if err != nil {
		s.errors.Add(1)
		metrics.IncrementFetchError(string(tier))
		rate.ReportLimitFromMessage(s.log, s.source.Name(), sym, "book", err.Error())

		s.fillLastGood(&sample, sym)
		sample.StaleFlag = true
		s.sendSample(ctx, sample)

		s.log.WithComponent("scheduler").WithError(err).WithFields(logger.Fields{
			"symbol_raw": sym,
			"tier":       string(tier),
		}).Debug("fetch degraded to stale sample")
		return
	}

	mid, spreadBps, crossed := models.DeriveQuote(book.Bid, book.Ask)
	if crossed {
		s.crossedBooks.Add(1)
		sample.Bid, sample.Ask = book.Bid, book.Ask
		sample.StaleFlag = true
		s.sendSample(ctx, sample)

		s.log.WithComponent("scheduler").WithFields(logger.Fields{
			"symbol_raw": sym,
		}).Warn("crossed book, recording stale sample")
		return
	}

	if spreadBps != nil {
		s.classifier.ObserveSpread(sym, *spreadBps)
		if *spreadBps > s.cfg.ExcludeSpreadBps {
			s.skippedWide.Add(1)
			s.log.WithComponent("scheduler").WithFields(logger.Fields{
				"symbol_raw": sym,
				"spread_bps": *spreadBps,
			}).Info("sample skipped, spread over hard cutoff")
			return
		}
	}

	sample.Bid, sample.Ask, sample.Mid, sample.SpreadBps = book.Bid, book.Ask, mid, spreadBps
	if book.Bid != nil || book.Ask != nil {
		s.storeLastGood(sym, book.Bid, book.Ask, mid, spreadBps)
	}
	s.sendSample(ctx, sample)
}

// sendSample forwards the sample and accounts for channel-full drops.
func (s *Scheduler) sendSample(ctx context.Context, sample models.MarketSample) {
	if s.channels.Send(ctx, sample) || ctx.Err() != nil {
		return
	}
	metrics.EmitDropMetric(s.log, metrics.DropMetricSampleRaw, s.source.Name(), sample.SymbolRaw, "scheduler", 1)
}

// baseSample carries identity, tier, score and the cached universe context.
// ts_ms stays monotonic per market even when the clock does not move between
// two fetches.
func (s *Scheduler) baseSample(info models.MarketInfo, tier models.Tier) models.MarketSample {
	metrics := s.registry.MetricsOf(info.SymbolRaw)

	sample := models.MarketSample{
		Base:            info.Base,
		Quote:           info.Quote,
		MarketType:      info.Type,
		Variant:         info.Variant,
		SymbolRaw:       info.SymbolRaw,
		MarkPrice:       metrics.MarkPrice,
		FundingRate:     metrics.FundingRate,
		OpenInterestUSD: metrics.OpenInterestUSD,
		Volume24hUSD:    metrics.Volume24hUSD,
		Level:           tier,
	}
	if view, ok := s.classifier.StateOf(info.SymbolRaw); ok {
		sample.Score = view.Score
	}

	now := time.Now().UnixMilli()
	s.quoteMu.Lock()
	if last := s.lastTs[info.SymbolRaw]; now <= last {
		now = last + 1
	}
	s.lastTs[info.SymbolRaw] = now
	s.quoteMu.Unlock()
	sample.TsMs = now

	return sample
}

func (s *Scheduler) storeLastGood(sym string, bid, ask, mid, spreadBps *float64) {
	s.quoteMu.Lock()
	s.lastQuotes[sym] = lastQuote{bid: bid, ask: ask, mid: mid, spreadBps: spreadBps}
	s.quoteMu.Unlock()
}

func (s *Scheduler) fillLastGood(sample *models.MarketSample, sym string) {
	s.quoteMu.Lock()
	q, ok := s.lastQuotes[sym]
	s.quoteMu.Unlock()
	if !ok {
		return
	}
	sample.Bid, sample.Ask, sample.Mid, sample.SpreadBps = q.bid, q.ask, q.mid, q.spreadBps
}

// GetStats returns a snapshot of the outcome counters.
func (s *Scheduler) GetStats() Stats {
	return Stats{
		Attempts:          s.attempts.Load(),
		Errors:            s.errors.Load(),
		CrossedBooks:      s.crossedBooks.Load(),
		SkippedWideSpread: s.skippedWide.Load(),
	}
}
