package ranking

import (
	"fmt"
	"sort"
	"time"

	"hyperflow/config"
	"hyperflow/logger"
	"hyperflow/models"
)

// IncompleteRankingError marks a cycle whose output cannot be trusted, either
// because the source answered with too few markets or a safety asset was
// absent. The classifier holds previous tiers and applies the safety floor
// for such a cycle.
type IncompleteRankingError struct {
	Ranked   int
	Required int
	Reason   string
}

func (e *IncompleteRankingError) Error() string {
	return fmt.Sprintf("incomplete ranking cycle (%s): %d markets, need %d", e.Reason, e.Ranked, e.Required)
}

// Engine converts one metrics snapshot into a deterministic dense ranking.
// Scoring normalizes each metric to its midrank percentile within the cycle
// so the weights act on comparable 0..1 values regardless of metric scale.
type Engine struct {
	weights     config.WeightsConfig
	minCoverage int
	log         *logger.Log
}

func NewEngine(cfg config.RankingConfig) *Engine {
	return &Engine{
		weights:     cfg.Weights,
		minCoverage: cfg.MinCoverage,
		log:         logger.GetLogger(),
	}
}

// Result is one completed ranking cycle. Rankings is ordered by descending
// score with ties broken by ascending symbol, ranks 1..N.
type Result struct {
	Rankings   []models.Ranking
	BySymbol   map[string]models.Ranking
	ComputedAt time.Time
}

// Compute scores every market in the snapshot. fallback marks the markets
// whose missing metrics are treated as neutral rather than worst, so a venue
// hiccup on a safety asset cannot crater its score.
func (e *Engine) Compute(metrics map[string]models.MarketMetrics, fallback map[string]bool) (*Result, error) {
	n := len(metrics)
	if n < e.minCoverage {
		return nil, &IncompleteRankingError{Ranked: n, Required: e.minCoverage, Reason: "insufficient coverage"}
	}

	symbols := make([]string, 0, n)
	for sym := range metrics {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	volumes := collect(metrics, symbols, func(m models.MarketMetrics) *float64 { return m.Volume24hUSD })
	interests := collect(metrics, symbols, func(m models.MarketMetrics) *float64 { return m.OpenInterestUSD })
	spreads := collect(metrics, symbols, func(m models.MarketMetrics) *float64 { return m.SpreadBps })

	rankings := make([]models.Ranking, 0, n)
	for _, sym := range symbols {
		m := metrics[sym]
		neutral := fallback[sym]

		volPct := metricPercentile(volumes, m.Volume24hUSD, neutral, 0.0)
		oiPct := metricPercentile(interests, m.OpenInterestUSD, neutral, 0.0)
		// For spread the ascending percentile measures badness, so a
		// missing value counts as the full penalty.
		spreadPct := metricPercentile(spreads, m.SpreadBps, neutral, 1.0)

		score := e.weights.Volume*volPct + e.weights.OpenInterest*oiPct - e.weights.Spread*spreadPct
		rankings = append(rankings, models.Ranking{SymbolRaw: sym, Score: score})
	}

	sort.Slice(rankings, func(i, j int) bool {
		if rankings[i].Score != rankings[j].Score {
			return rankings[i].Score > rankings[j].Score
		}
		return rankings[i].SymbolRaw < rankings[j].SymbolRaw
	})

	result := &Result{
		Rankings:   rankings,
		BySymbol:   make(map[string]models.Ranking, n),
		ComputedAt: time.Now(),
	}
	for i := range rankings {
		rankings[i].Rank = i + 1
		result.BySymbol[rankings[i].SymbolRaw] = rankings[i]
	}

	e.log.WithComponent("ranking_engine").WithFields(logger.Fields{
		"markets": n,
	}).Debug("ranking cycle computed")

	return result, nil
}

// collect gathers the present values of one metric in ascending order.
func collect(metrics map[string]models.MarketMetrics, symbols []string, pick func(models.MarketMetrics) *float64) []float64 {
	values := make([]float64, 0, len(symbols))
	for _, sym := range symbols {
		if v := pick(metrics[sym]); v != nil {
			values = append(values, *v)
		}
	}
	sort.Float64s(values)
	return values
}

// metricPercentile returns the midrank standing of v within the sorted
// distribution: the share of values below it plus half the share equal to
// it. Missing values fall back to the configured worst, or to 0.5 for
// neutral markets.
func metricPercentile(sorted []float64, v *float64, neutral bool, worst float64) float64 {
	if v == nil {
		if neutral {
			return 0.5
		}
		return worst
	}
	n := len(sorted)
	if n == 0 {
		return 0.5
	}
	below := sort.SearchFloat64s(sorted, *v)
	upper := sort.Search(n, func(i int) bool { return sorted[i] > *v })
	equal := upper - below
	return (float64(below) + float64(equal)/2) / float64(n)
}
