package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"hyperflow/config"
	"hyperflow/internal/classifier"
	"hyperflow/internal/exchange"
	"hyperflow/internal/ranking"
	"hyperflow/internal/registry"
	"hyperflow/models"
)

type fakeSource struct {
	mu      sync.Mutex
	spot    *exchange.Universe
	perp    *exchange.Universe
	spotErr error
	perpErr error
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) FetchSpotUniverse(ctx context.Context) (*exchange.Universe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spotErr != nil {
		return nil, f.spotErr
	}
	return f.spot, nil
}

func (f *fakeSource) FetchPerpUniverse(ctx context.Context) (*exchange.Universe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.perpErr != nil {
		return nil, f.perpErr
	}
	return f.perp, nil
}

func (f *fakeSource) FetchBook(ctx context.Context, market models.MarketInfo) (models.BookSnapshot, error) {
	return models.BookSnapshot{}, nil
}

func (f *fakeSource) set(spot, perp *exchange.Universe) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spot, f.perp = spot, perp
	f.spotErr, f.perpErr = nil, nil
}

func (f *fakeSource) failPerp(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.perpErr = err
}

func sp(v float64) *float64 { return &v }

func perp(sym string) models.MarketInfo {
	return models.MarketInfo{SymbolRaw: sym, Base: sym, Quote: "USD", Type: models.MarketTypePerp, Variant: "PERP"}
}

func emptyUniverse() *exchange.Universe {
	return &exchange.Universe{Metrics: map[string]models.MarketMetrics{}}
}

// perpUniverse builds a perp snapshot where volume and open interest both
// follow the given figures, so the percentile order matches their order.
func perpUniverse(syms []string, vols []float64) *exchange.Universe {
	u := emptyUniverse()
	for i, sym := range syms {
		u.Markets = append(u.Markets, perp(sym))
		u.Metrics[sym] = models.MarketMetrics{
			Volume24hUSD:    sp(vols[i]),
			OpenInterestUSD: sp(vols[i]),
			SpreadBps:       sp(5),
			MarkPrice:       sp(100),
		}
	}
	return u
}

func newRunner(t *testing.T, minCoverage int) (*Runner, *fakeSource) {
	t.Helper()

	rankCfg := config.RankingConfig{
		IntervalS:   60,
		MinCoverage: minCoverage,
		Weights:     config.WeightsConfig{Volume: 0.6, OpenInterest: 0.3, Spread: 0.1},
	}
	samplingCfg := config.SamplingConfig{
		PromoteRank:         100,
		DemoteRank:          120,
		BMaxRank:            200,
		CMaxRank:            300,
		DMaxRank:            400,
		PromoteMaxSpreadBps: 15,
		DemoteSpreadBps:     20,
		ExcludeSpreadBps:    30,
		HysteresisCycles:    3,
		SafetyAssets:        []string{"BTC"},
	}

	src := &fakeSource{spot: emptyUniverse(), perp: emptyUniverse()}
	runner := New(rankCfg, samplingCfg, src, registry.New(), ranking.NewEngine(rankCfg), classifier.New(samplingCfg))
	return runner, src
}

func tierOf(t *testing.T, c *classifier.Classifier, sym string) (models.Tier, int) {
	t.Helper()
	view, ok := c.StateOf(sym)
	if !ok {
		t.Fatalf("no state for %s", sym)
	}
	return view.Tier, view.Rank
}

func TestRunCycleRanksAndClassifies(t *testing.T) {
	runner, src := newRunner(t, 1)
	src.set(emptyUniverse(), perpUniverse([]string{"BTC", "ETH", "DOGE"}, []float64{300, 200, 100}))

	runner.RunCycle(context.Background())

	if complete, incomplete := runner.Cycles(); complete != 1 || incomplete != 0 {
		t.Fatalf("cycles = (%d, %d), want (1, 0)", complete, incomplete)
	}
	if runner.classifier.FallbackActive() {
		t.Fatal("fallback active after a complete cycle")
	}
	if total, active := runner.registry.Count(); total != 3 || active != 3 {
		t.Fatalf("registry count = (%d, %d), want (3, 3)", total, active)
	}

	wantRank := map[string]int{"BTC": 1, "ETH": 2, "DOGE": 3}
	for sym, want := range wantRank {
		tier, rank := tierOf(t, runner.classifier, sym)
		if rank != want {
			t.Errorf("%s rank = %d, want %d", sym, rank, want)
		}
		if tier != models.TierB {
			t.Errorf("%s tier = %s, want B on the first cycle", sym, tier)
		}
	}
}

func TestRunCyclePromotesAfterHysteresis(t *testing.T) {
	runner, src := newRunner(t, 1)
	src.set(emptyUniverse(), perpUniverse([]string{"BTC", "ETH"}, []float64{200, 100}))
	runner.RunCycle(context.Background())

	// Promotion needs a spread the scheduler actually observed, not the
	// coarse universe figure.
	runner.classifier.ObserveSpread("BTC", 5)

	for i := 0; i < 3; i++ {
		runner.RunCycle(context.Background())
	}

	if tier, _ := tierOf(t, runner.classifier, "BTC"); tier != models.TierA {
		t.Fatalf("BTC tier = %s after 3 eligible cycles, want A", tier)
	}
}

func TestRunCycleFetchFailureHoldsTiers(t *testing.T) {
	runner, src := newRunner(t, 1)
	src.set(emptyUniverse(), perpUniverse([]string{"BTC", "ETH"}, []float64{200, 100}))
	runner.RunCycle(context.Background())

	// The next snapshot has ETH missing, but the perp fetch also fails; a
	// partial view must not delist anything.
	src.set(perpUniverse([]string{"BTC"}, []float64{200}), emptyUniverse())
	src.failPerp(errors.New("hyperliquid: status 503"))
	runner.RunCycle(context.Background())

	if complete, incomplete := runner.Cycles(); complete != 1 || incomplete != 1 {
		t.Fatalf("cycles = (%d, %d), want (1, 1)", complete, incomplete)
	}
	if !runner.classifier.FallbackActive() {
		t.Fatal("fallback not active after a failed fetch")
	}
	if total, active := runner.registry.Count(); total != 2 || active != 2 {
		t.Fatalf("registry count = (%d, %d), want (2, 2)", total, active)
	}
	tier, rank := tierOf(t, runner.classifier, "ETH")
	if tier != models.TierB || rank != 2 {
		t.Fatalf("ETH = (%s, %d) after hold, want (B, 2)", tier, rank)
	}
}

func TestRunCycleDelistRetires(t *testing.T) {
	runner, src := newRunner(t, 1)
	src.set(emptyUniverse(), perpUniverse([]string{"BTC", "ETH"}, []float64{200, 100}))
	runner.RunCycle(context.Background())

	src.set(emptyUniverse(), perpUniverse([]string{"BTC"}, []float64{200}))
	runner.RunCycle(context.Background())

	if _, active := runner.registry.Count(); active != 1 {
		t.Fatalf("active markets = %d, want 1", active)
	}
	tier, rank := tierOf(t, runner.classifier, "ETH")
	if tier != models.TierNone || rank != 0 {
		t.Fatalf("ETH = (%s, %d) after delisting, want (NONE, 0)", tier, rank)
	}

	// Relisting revives the market as a fresh unranked one at tier B.
	src.set(emptyUniverse(), perpUniverse([]string{"BTC", "ETH"}, []float64{200, 100}))
	runner.RunCycle(context.Background())
	if tier, _ := tierOf(t, runner.classifier, "ETH"); tier != models.TierB {
		t.Fatalf("ETH tier = %s after relisting, want B", tier)
	}
}

func TestRunCycleLowCoverageHolds(t *testing.T) {
	runner, src := newRunner(t, 5)
	src.set(emptyUniverse(), perpUniverse([]string{"BTC", "ETH"}, []float64{200, 100}))

	runner.RunCycle(context.Background())

	if complete, incomplete := runner.Cycles(); complete != 0 || incomplete != 1 {
		t.Fatalf("cycles = (%d, %d), want (0, 1)", complete, incomplete)
	}
	if !runner.classifier.FallbackActive() {
		t.Fatal("fallback not active after an incomplete ranking")
	}
	// The universe itself was healthy, so the new markets are registered
	// and sample at the default tier while ranks are pending.
	if tier, rank := tierOf(t, runner.classifier, "BTC"); tier != models.TierB || rank != 0 {
		t.Fatalf("BTC = (%s, %d), want unranked B", tier, rank)
	}
}

func TestScoreInputsPreferObservedSpread(t *testing.T) {
	runner, src := newRunner(t, 1)
	uni := perpUniverse([]string{"BTC", "ETH"}, []float64{200, 100})
	uni.Metrics["BTC"] = models.MarketMetrics{
		Volume24hUSD:    sp(200),
		OpenInterestUSD: sp(200),
		SpreadBps:       sp(50),
		MarkPrice:       sp(100),
	}
	src.set(emptyUniverse(), uni)
	runner.RunCycle(context.Background())

	runner.classifier.ObserveSpread("BTC", 4.2)

	inputs := runner.scoreInputs()
	got := inputs["BTC"].SpreadBps
	if got == nil || *got != 4.2 {
		t.Fatalf("BTC spread input = %v, want observed 4.2", got)
	}
	if eth := inputs["ETH"].SpreadBps; eth == nil || *eth != 5 {
		t.Fatalf("ETH spread input = %v, want universe 5", eth)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	runner, src := newRunner(t, 1)
	src.set(emptyUniverse(), perpUniverse([]string{"BTC"}, []float64{100}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := runner.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := runner.Start(ctx); err == nil {
		t.Fatal("second Start did not fail")
	}
	runner.Stop()
	runner.Stop()
}
