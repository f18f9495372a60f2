package ranking

import (
	"errors"
	"math"
	"testing"

	"hyperflow/config"
	"hyperflow/models"
)

func testEngine(minCoverage int) *Engine {
	return NewEngine(config.RankingConfig{
		MinCoverage: minCoverage,
		Weights:     config.WeightsConfig{Volume: 0.6, OpenInterest: 0.3, Spread: 0.1},
	})
}

func metricsOf(vol, oi, spread *float64) models.MarketMetrics {
	return models.MarketMetrics{Volume24hUSD: vol, OpenInterestUSD: oi, SpreadBps: spread}
}

func f(v float64) *float64 { return &v }

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestComputeOrdersByScore(t *testing.T) {
	metrics := map[string]models.MarketMetrics{
		"AAA": metricsOf(f(400), nil, nil),
		"BBB": metricsOf(f(300), nil, nil),
		"CCC": metricsOf(f(200), nil, nil),
		"DDD": metricsOf(f(100), nil, nil),
	}

	result, err := testEngine(1).Compute(metrics, nil)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(result.Rankings) != 4 {
		t.Fatalf("expected 4 rankings, got %d", len(result.Rankings))
	}

	wantOrder := []string{"AAA", "BBB", "CCC", "DDD"}
	for i, want := range wantOrder {
		got := result.Rankings[i]
		if got.SymbolRaw != want {
			t.Errorf("rank %d = %s, want %s", i+1, got.SymbolRaw, want)
		}
		if got.Rank != i+1 {
			t.Errorf("rank value for %s = %d, want %d", got.SymbolRaw, got.Rank, i+1)
		}
	}

	// Midrank percentile of the top volume in a 4-value distribution is
	// (3 + 0.5)/4; missing OI scores worst and missing spread takes the
	// full penalty.
	wantTop := 0.6*0.875 + 0.3*0 - 0.1*1
	if got := result.Rankings[0].Score; !almostEqual(got, wantTop) {
		t.Errorf("top score = %f, want %f", got, wantTop)
	}

	if r, ok := result.BySymbol["CCC"]; !ok || r.Rank != 3 {
		t.Errorf("BySymbol[CCC] = %+v, want rank 3", r)
	}
}

func TestComputeTieBreakBySymbol(t *testing.T) {
	same := metricsOf(f(100), f(50), f(5))
	metrics := map[string]models.MarketMetrics{
		"ZZZ": same,
		"AAA": same,
		"MMM": same,
	}

	result, err := testEngine(1).Compute(metrics, nil)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	wantOrder := []string{"AAA", "MMM", "ZZZ"}
	for i, want := range wantOrder {
		if got := result.Rankings[i].SymbolRaw; got != want {
			t.Errorf("rank %d = %s, want %s", i+1, got, want)
		}
	}
}

func TestComputeSpreadPenalty(t *testing.T) {
	metrics := map[string]models.MarketMetrics{
		"TIGHT": metricsOf(f(100), f(50), f(5)),
		"MID":   metricsOf(f(100), f(50), f(10)),
		"WIDE":  metricsOf(f(100), f(50), f(20)),
	}

	result, err := testEngine(1).Compute(metrics, nil)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	wantOrder := []string{"TIGHT", "MID", "WIDE"}
	for i, want := range wantOrder {
		if got := result.Rankings[i].SymbolRaw; got != want {
			t.Errorf("rank %d = %s, want %s", i+1, got, want)
		}
	}

	// Equal volume and OI collapse those percentiles to 0.5 each; only the
	// spread badness differs.
	tight := result.BySymbol["TIGHT"].Score
	want := 0.6*0.5 + 0.3*0.5 - 0.1*(0.5/3)
	if !almostEqual(tight, want) {
		t.Errorf("TIGHT score = %f, want %f", tight, want)
	}
}

func TestComputeFallbackNeutral(t *testing.T) {
	metrics := map[string]models.MarketMetrics{
		"BTC":  {},
		"JUNK": {},
		"FILL": metricsOf(f(100), f(50), f(5)),
	}
	fallback := map[string]bool{"BTC": true}

	result, err := testEngine(1).Compute(metrics, fallback)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	btc := result.BySymbol["BTC"].Score
	if want := 0.6*0.5 + 0.3*0.5 - 0.1*0.5; !almostEqual(btc, want) {
		t.Errorf("fallback score = %f, want %f", btc, want)
	}

	junk := result.BySymbol["JUNK"].Score
	if want := -0.1 * 1.0; !almostEqual(junk, want) {
		t.Errorf("missing-everything score = %f, want %f", junk, want)
	}

	if result.BySymbol["BTC"].Rank >= result.BySymbol["JUNK"].Rank {
		t.Error("fallback market should outrank one with all metrics missing")
	}
}

func TestComputeInsufficientCoverage(t *testing.T) {
	metrics := map[string]models.MarketMetrics{
		"ONE": metricsOf(f(1), nil, nil),
		"TWO": metricsOf(f(2), nil, nil),
	}

	_, err := testEngine(10).Compute(metrics, nil)
	if err == nil {
		t.Fatal("expected coverage error")
	}
	var incomplete *IncompleteRankingError
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected IncompleteRankingError, got %T: %v", err, err)
	}
	if incomplete.Ranked != 2 || incomplete.Required != 10 {
		t.Errorf("error carries %d/%d, want 2/10", incomplete.Ranked, incomplete.Required)
	}
}

func TestComputeDeterministic(t *testing.T) {
	metrics := map[string]models.MarketMetrics{
		"AAA": metricsOf(f(300), f(10), f(8)),
		"BBB": metricsOf(f(300), f(20), nil),
		"CCC": metricsOf(nil, f(20), f(3)),
		"DDD": metricsOf(f(150), nil, f(3)),
	}

	first, err := testEngine(1).Compute(metrics, nil)
	if err != nil {
		t.Fatalf("first compute: %v", err)
	}
	second, err := testEngine(1).Compute(metrics, nil)
	if err != nil {
		t.Fatalf("second compute: %v", err)
	}

	for i := range first.Rankings {
		a, b := first.Rankings[i], second.Rankings[i]
		if a.SymbolRaw != b.SymbolRaw || a.Rank != b.Rank || !almostEqual(a.Score, b.Score) {
			t.Errorf("cycle divergence at position %d: %+v vs %+v", i, a, b)
		}
	}
}
