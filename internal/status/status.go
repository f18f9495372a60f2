package status

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"hyperflow/config"
	"hyperflow/internal/channel"
	"hyperflow/internal/classifier"
	"hyperflow/internal/ingest"
	"hyperflow/internal/metrics"
	"hyperflow/internal/registry"
	"hyperflow/internal/scheduler"
	"hyperflow/logger"
	"hyperflow/models"
)

const (
	statusFile = "universe_status.json"
	levelsFile = "universe_levels.json"
)

type statusStore interface {
	CountSince(ctx context.Context, sinceMs int64) (int64, error)
	UpsertRuntimeStatus(ctx context.Context, running bool, startedAtMs, heartbeatMs int64, marketsTotal int) error
}

type schedulerStats interface {
	GetStats() scheduler.Stats
}

type ingestStats interface {
	GetStats() ingest.Stats
}

// statusDoc is the operational summary written to universe_status.json.
// Field names are part of the artifact contract; downstream dashboards key
// on them.
type statusDoc struct {
	Timestamp                   string                 `json:"timestamp"`
	MarketsTotal                int                    `json:"markets_total"`
	MarketsByLevel              map[string]int         `json:"markets_by_level"`
	PromotionsLastWindow        int                    `json:"promotions_last_window"`
	DemotionsLastWindow         int                    `json:"demotions_last_window"`
	SkippedSpreadGt30LastWindow int64                  `json:"skipped_spread_gt_30_last_window"`
	InsertsPerSecAvg            float64                `json:"inserts_per_sec_avg"`
	DBRows24h                   int64                  `json:"db_rows_24h"`
	ExclusionsLastWindow        int                    `json:"exclusions_last_window"`
	FallbackActive              bool                   `json:"fallback_active"`
	SamplesBuffered             int64                  `json:"samples_buffered"`
	SamplesDroppedTotal         int64                  `json:"samples_dropped_total"`
	FetchErrorsTotal            uint64                 `json:"fetch_errors_total"`
	CrossedBooksTotal           uint64                 `json:"crossed_books_total"`
	UptimeS                     int64                  `json:"uptime_s"`
	Config                      map[string]interface{} `json:"config"`
}

type levelEntry struct {
	SymbolRaw string   `json:"symbol_raw"`
	Rank      int      `json:"rank"`
	Score     *float64 `json:"score"`
	Level     string   `json:"level"`
}

// levelsDoc is the per-market view written to universe_levels.json. The list
// keeps its historical top_400 name regardless of the configured size.
type levelsDoc struct {
	Timestamp    string       `json:"timestamp"`
	MarketsTotal int          `json:"markets_total"`
	Top400       []levelEntry `json:"top_400"`
	Truncated    bool         `json:"truncated"`
}

// Reporter periodically writes both status artifacts, refreshes the
// runtime_status heartbeat row and mirrors headline numbers to the metric
// pipelines. Window counters reset on every report.
type Reporter struct {
	cfg        *config.Config
	registry   *registry.Registry
	classifier *classifier.Classifier
	scheduler  schedulerStats
	ingest     ingestStats
	channels   *channel.Channels
	store      statusStore

	startedAt   time.Time
	lastReport  time.Time
	lastRows    int64
	lastSkipped uint64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	log *logger.Entry
}

func New(cfg *config.Config, reg *registry.Registry, cls *classifier.Classifier, sched schedulerStats, ing ingestStats, ch *channel.Channels, st statusStore) *Reporter {
	return &Reporter{
		cfg:        cfg,
		registry:   reg,
		classifier: cls,
		scheduler:  sched,
		ingest:     ing,
		channels:   ch,
		store:      st,
		log:        logger.GetLogger().WithComponent("status"),
	}
}

// Start writes the initial heartbeat and launches the report loop.
func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("status reporter already running")
	}

	if err := os.MkdirAll(r.cfg.Status.Dir, 0o755); err != nil {
		return fmt.Errorf("create status dir %s: %w", r.cfg.Status.Dir, err)
	}

	now := time.Now()
	r.startedAt = now
	r.lastReport = now

	_, active := r.registry.Count()
	if err := r.store.UpsertRuntimeStatus(ctx, true, now.UnixMilli(), now.UnixMilli(), active); err != nil {
		r.log.WithError(err).Warn("initial heartbeat failed")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go r.run(runCtx)

	r.log.WithFields(logger.Fields{
		"interval": r.cfg.Status.Interval().String(),
		"dir":      r.cfg.Status.Dir,
	}).Info("status reporter started")
	return nil
}

// Stop halts the loop, then writes one final report marking the collector
// stopped. The final write runs on a detached context so shutdown still
// lands the artifacts.
func (r *Reporter) Stop() {
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

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	r.report(ctx, false)

	r.log.Info("status reporter stopped")
}

func (r *Reporter) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Status.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.report(ctx, true)
		}
	}
}

func (r *Reporter) report(ctx context.Context, running bool) {
	now := time.Now()

	events := r.classifier.DrainEvents()
	schedStats := r.scheduler.GetStats()
	ingStats := r.ingest.GetStats()
	chStats := r.channels.GetStats()

	elapsed := now.Sub(r.lastReport).Seconds()
	insertsPerSec := 0.0
	if elapsed > 0 && ingStats.RowsWritten > r.lastRows {
		insertsPerSec = float64(ingStats.RowsWritten-r.lastRows) / elapsed
	}
	skippedWindow := int64(schedStats.SkippedWideSpread - r.lastSkipped)

	r.lastReport = now
	r.lastRows = ingStats.RowsWritten
	r.lastSkipped = schedStats.SkippedWideSpread

	windowStart := now.Add(-r.cfg.Retention.Window()).UnixMilli()
	dbRows, err := r.store.CountSince(ctx, windowStart)
	if err != nil {
		dbRows = -1
		r.log.WithError(err).Warn("row count query failed")
	}

	_, active := r.registry.Count()
	fallback := r.classifier.FallbackActive()
	byLevel := r.levelCounts()
	top, truncated := r.topMarkets()

	doc := statusDoc{
		Timestamp:                   now.UTC().Format(time.RFC3339),
		MarketsTotal:                active,
		MarketsByLevel:              byLevel,
		PromotionsLastWindow:        events.Promotions,
		DemotionsLastWindow:         events.Demotions,
		SkippedSpreadGt30LastWindow: skippedWindow,
		InsertsPerSecAvg:            insertsPerSec,
		DBRows24h:                   dbRows,
		ExclusionsLastWindow:        events.Exclusions,
		FallbackActive:              fallback,
		SamplesBuffered:             ingStats.Buffered,
		SamplesDroppedTotal:         ingStats.DroppedOldest + chStats.SamplesDropped,
		FetchErrorsTotal:            schedStats.Errors,
		CrossedBooksTotal:           schedStats.CrossedBooks,
		UptimeS:                     int64(now.Sub(r.startedAt).Seconds()),
		Config:                      r.cfg.Snapshot(),
	}

	levels := levelsDoc{
		Timestamp:    doc.Timestamp,
		MarketsTotal: active,
		Top400:       top,
		Truncated:    truncated,
	}

	if err := writeJSONAtomic(filepath.Join(r.cfg.Status.Dir, statusFile), doc); err != nil {
		r.log.WithError(err).Error("status artifact write failed")
	}
	if err := writeJSONAtomic(filepath.Join(r.cfg.Status.Dir, levelsFile), levels); err != nil {
		r.log.WithError(err).Error("levels artifact write failed")
	}

	if err := r.store.UpsertRuntimeStatus(ctx, running, r.startedAt.UnixMilli(), now.UnixMilli(), active); err != nil {
		r.log.WithError(err).Warn("heartbeat update failed")
	}

	r.publish(doc, byLevel)
}

// publish mirrors the headline artifact numbers to Prometheus, the metric
// event bus and the CloudWatch report gauges.
func (r *Reporter) publish(doc statusDoc, byLevel map[string]int) {
	for _, tier := range []models.Tier{models.TierA, models.TierB, models.TierC, models.TierD} {
		metrics.SetTierMarkets(string(tier), byLevel[string(tier)])
	}
	metrics.SetBufferedSamples(doc.SamplesBuffered)
	metrics.SetFallbackActive(doc.FallbackActive)
	metrics.SetInsertsPerSec(doc.InsertsPerSecAvg)
	metrics.AddTierTransitions(doc.PromotionsLastWindow, doc.DemotionsLastWindow, doc.ExclusionsLastWindow)

	logger.RecordGauge("InsertsPerSec", doc.InsertsPerSecAvg)

	metrics.EmitMetric(logger.GetLogger(), "status", "inserts_per_sec", doc.InsertsPerSecAvg, "gauge", logger.Fields{"unit": "count/second"})
	metrics.EmitMetric(logger.GetLogger(), "status", "markets_total", doc.MarketsTotal, "gauge", logger.Fields{})
	if doc.PromotionsLastWindow > 0 {
		metrics.EmitMetric(logger.GetLogger(), "status", "promotions", doc.PromotionsLastWindow, "counter", logger.Fields{})
	}
	if doc.DemotionsLastWindow > 0 {
		metrics.EmitMetric(logger.GetLogger(), "status", "demotions", doc.DemotionsLastWindow, "counter", logger.Fields{})
	}
	if doc.ExclusionsLastWindow > 0 {
		metrics.EmitMetric(logger.GetLogger(), "status", "exclusions", doc.ExclusionsLastWindow, "counter", logger.Fields{})
	}
}

// levelCounts folds the tier counts into artifact keys, with excluded
// markets broken out separately.
func (r *Reporter) levelCounts() map[string]int {
	byLevel := map[string]int{
		string(models.TierA): 0,
		string(models.TierB): 0,
		string(models.TierC): 0,
		string(models.TierD): 0,
	}
	for tier, n := range r.classifier.TierCounts() {
		byLevel[string(tier)] = n
	}

	excluded := 0
	for _, view := range r.classifier.Snapshot() {
		if view.Excluded {
			excluded++
		}
	}
	byLevel["EXCLUDED"] = excluded
	return byLevel
}

// topMarkets returns the ranked markets up to the configured size, in rank
// order. Excluded markets keep their slot so a wide-spread leader stays
// visible with level NONE.
func (r *Reporter) topMarkets() ([]levelEntry, bool) {
	top := make([]levelEntry, 0, r.cfg.Status.TopN)
	ranked := 0
	for _, view := range r.classifier.Snapshot() {
		if view.Rank <= 0 {
			break
		}
		ranked++
		if len(top) < r.cfg.Status.TopN {
			top = append(top, levelEntry{
				SymbolRaw: view.Info.SymbolRaw,
				Rank:      view.Rank,
				Score:     view.Score,
				Level:     string(view.Tier),
			})
		}
	}
	return top, ranked > len(top)
}

// writeJSONAtomic lands the document via a temp file and rename so readers
// never observe a partial artifact.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
