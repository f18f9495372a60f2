package classifier

import (
	"testing"
	"time"

	"hyperflow/config"
	"hyperflow/internal/ranking"
	"hyperflow/models"
)

func testConfig() config.SamplingConfig {
	return config.SamplingConfig{
		PromoteRank:         100,
		DemoteRank:          120,
		BMaxRank:            200,
		CMaxRank:            300,
		DMaxRank:            400,
		PromoteMaxSpreadBps: 15,
		DemoteSpreadBps:     20,
		ExcludeSpreadBps:    30,
		HysteresisCycles:    3,
		SafetyAssets:        []string{"BTC", "ETH", "SOL"},
	}
}

type cycleMarket struct {
	sym    string
	rank   int
	spread *float64
}

func sp(v float64) *float64 { return &v }

func applyCycle(t *testing.T, c *Classifier, safety map[string]bool, markets ...cycleMarket) CycleSummary {
	t.Helper()

	rankings := make([]models.Ranking, len(markets))
	bySymbol := make(map[string]models.Ranking, len(markets))
	spreads := make(map[string]*float64, len(markets))
	for i, m := range markets {
		rankings[i] = models.Ranking{SymbolRaw: m.sym, Rank: m.rank, Score: 1.0 / float64(m.rank)}
		bySymbol[m.sym] = rankings[i]
		spreads[m.sym] = m.spread
	}
	return c.ApplyCycle(CycleInput{
		Result:  &ranking.Result{Rankings: rankings, BySymbol: bySymbol, ComputedAt: time.Now()},
		Spreads: spreads,
		Safety:  safety,
	})
}

func tierOf(t *testing.T, c *Classifier, sym string) models.Tier {
	t.Helper()
	view, ok := c.StateOf(sym)
	if !ok {
		t.Fatalf("no state for %s", sym)
	}
	return view.Tier
}

func TestPromotionNeedsThreeEligibleCycles(t *testing.T) {
	c := New(testConfig())

	for cycle := 1; cycle <= 2; cycle++ {
		applyCycle(t, c, nil, cycleMarket{"AAA", 50, sp(10)})
		if got := tierOf(t, c, "AAA"); got != models.TierB {
			t.Fatalf("cycle %d: tier %s, want B while streak builds", cycle, got)
		}
	}

	summary := applyCycle(t, c, nil, cycleMarket{"AAA", 50, sp(10)})
	if got := tierOf(t, c, "AAA"); got != models.TierA {
		t.Fatalf("third eligible cycle should promote, got %s", got)
	}
	if summary.Promotions != 1 {
		t.Errorf("promotions = %d, want 1", summary.Promotions)
	}
}

func TestPromotionStreakResets(t *testing.T) {
	tests := []struct {
		name  string
		third cycleMarket
	}{
		{"wide spread", cycleMarket{"AAA", 50, sp(16)}},
		{"missing spread", cycleMarket{"AAA", 50, nil}},
		{"rank too low", cycleMarket{"AAA", 101, sp(10)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(testConfig())
			applyCycle(t, c, nil, cycleMarket{"AAA", 50, sp(10)})
			applyCycle(t, c, nil, cycleMarket{"AAA", 50, sp(10)})
			applyCycle(t, c, nil, tt.third)

			// Two more good cycles must not be enough: the streak restarted.
			applyCycle(t, c, nil, cycleMarket{"AAA", 50, sp(10)})
			applyCycle(t, c, nil, cycleMarket{"AAA", 50, sp(10)})
			if got := tierOf(t, c, "AAA"); got == models.TierA {
				t.Fatal("streak should have reset, market must not be A yet")
			}

			applyCycle(t, c, nil, cycleMarket{"AAA", 50, sp(10)})
			if got := tierOf(t, c, "AAA"); got != models.TierA {
				t.Fatalf("three fresh cycles should promote, got %s", got)
			}
		})
	}
}

func promoteToA(t *testing.T, c *Classifier, sym string) {
	t.Helper()
	for i := 0; i < 3; i++ {
		applyCycle(t, c, nil, cycleMarket{sym, 50, sp(10)})
	}
	if got := tierOf(t, c, sym); got != models.TierA {
		t.Fatalf("setup: expected A, got %s", got)
	}
}

func TestDemotionOnRankNeedsThreeCycles(t *testing.T) {
	c := New(testConfig())
	promoteToA(t, c, "AAA")

	for cycle := 1; cycle <= 2; cycle++ {
		applyCycle(t, c, nil, cycleMarket{"AAA", 130, sp(10)})
		if got := tierOf(t, c, "AAA"); got != models.TierA {
			t.Fatalf("cycle %d: tier %s, want A while demotion streak builds", cycle, got)
		}
	}

	summary := applyCycle(t, c, nil, cycleMarket{"AAA", 130, sp(10)})
	if got := tierOf(t, c, "AAA"); got != models.TierB {
		t.Fatalf("third bad-rank cycle should demote to rank bucket B, got %s", got)
	}
	if summary.Demotions != 1 {
		t.Errorf("demotions = %d, want 1", summary.Demotions)
	}
}

func TestDemotionRankStreakResets(t *testing.T) {
	c := New(testConfig())
	promoteToA(t, c, "AAA")

	applyCycle(t, c, nil, cycleMarket{"AAA", 130, sp(10)})
	applyCycle(t, c, nil, cycleMarket{"AAA", 130, sp(10)})
	// Rank recovers for one cycle.
	applyCycle(t, c, nil, cycleMarket{"AAA", 110, sp(10)})
	applyCycle(t, c, nil, cycleMarket{"AAA", 130, sp(10)})
	applyCycle(t, c, nil, cycleMarket{"AAA", 130, sp(10)})

	if got := tierOf(t, c, "AAA"); got != models.TierA {
		t.Fatalf("demotion streak should have reset, got %s", got)
	}
}

func TestImmediateDemotionOnSpread(t *testing.T) {
	c := New(testConfig())
	promoteToA(t, c, "AAA")

	applyCycle(t, c, nil, cycleMarket{"AAA", 250, sp(25)})
	if got := tierOf(t, c, "AAA"); got != models.TierC {
		t.Fatalf("spread breach should demote to the current rank bucket C, got %s", got)
	}
}

func TestHardExclusionAndReentry(t *testing.T) {
	c := New(testConfig())

	applyCycle(t, c, nil, cycleMarket{"AAA", 150, sp(10)})
	if got := tierOf(t, c, "AAA"); got != models.TierB {
		t.Fatalf("setup: want B, got %s", got)
	}

	applyCycle(t, c, nil, cycleMarket{"AAA", 150, sp(35)})
	view, _ := c.StateOf("AAA")
	if !view.Excluded || view.Tier != models.TierNone {
		t.Fatalf("spread 35 should exclude: %+v", view)
	}
	if members := c.TierMembers(models.TierB); len(members) != 0 {
		t.Errorf("excluded market still scheduled: %v", members)
	}

	// A missing spread cannot prove recovery.
	applyCycle(t, c, nil, cycleMarket{"AAA", 150, nil})
	if view, _ := c.StateOf("AAA"); !view.Excluded {
		t.Fatal("missing spread must keep the market excluded")
	}

	applyCycle(t, c, nil, cycleMarket{"AAA", 150, sp(20)})
	view, _ = c.StateOf("AAA")
	if view.Excluded || view.Tier != models.TierB {
		t.Fatalf("spread back under cutoff should re-enter at rank bucket: %+v", view)
	}
}

func TestExclusionFromTierA(t *testing.T) {
	c := New(testConfig())
	promoteToA(t, c, "AAA")

	summary := applyCycle(t, c, nil, cycleMarket{"AAA", 50, sp(31)})
	view, _ := c.StateOf("AAA")
	if !view.Excluded {
		t.Fatal("spread over cutoff must exclude even from A")
	}
	if summary.Exclusions != 1 || summary.Demotions != 1 {
		t.Errorf("summary = %+v, want one exclusion counted as demotion", summary)
	}
}

func TestRankBuckets(t *testing.T) {
	tests := []struct {
		rank int
		want models.Tier
	}{
		{1, models.TierB},
		{100, models.TierB},
		{200, models.TierB},
		{201, models.TierC},
		{300, models.TierC},
		{301, models.TierD},
		{400, models.TierD},
		{401, models.TierNone},
	}
	for _, tt := range tests {
		c := New(testConfig())
		applyCycle(t, c, nil, cycleMarket{"AAA", tt.rank, sp(10)})
		if got := tierOf(t, c, "AAA"); got != tt.want {
			t.Errorf("rank %d: tier %s, want %s", tt.rank, got, tt.want)
		}
	}
}

func TestUnrankedMarketDefaultsToB(t *testing.T) {
	c := New(testConfig())
	c.EnsureMarkets([]models.MarketInfo{{SymbolRaw: "NEW", Base: "NEW"}})

	if got := tierOf(t, c, "NEW"); got != models.TierB {
		t.Fatalf("unranked market tier = %s, want B", got)
	}
	members := c.TierMembers(models.TierB)
	if len(members) != 1 || members[0] != "NEW" {
		t.Errorf("members = %v, want [NEW]", members)
	}
}

func TestFallbackFloorOnIncompleteCycle(t *testing.T) {
	c := New(testConfig())
	safety := map[string]bool{"BTC": true, "UBTC/USDC": true}

	// Complete cycle ranks both safety variants deep in tier D.
	applyCycle(t, c, safety, cycleMarket{"BTC", 350, sp(5)}, cycleMarket{"UBTC/USDC", 360, sp(5)}, cycleMarket{"JUNK", 370, sp(5)})

	if got := tierOf(t, c, "BTC"); got != models.TierB {
		t.Fatalf("floor should lift BTC to B on a complete cycle too, got %s", got)
	}
	if got := tierOf(t, c, "JUNK"); got != models.TierD {
		t.Fatalf("floor must not touch non-safety markets, got %s", got)
	}

	c.ApplyIncompleteCycle("source error", safety)
	if !c.FallbackActive() {
		t.Error("fallback flag should be set after an incomplete cycle")
	}
	if got := tierOf(t, c, "BTC"); got != models.TierB {
		t.Errorf("BTC tier = %s, want >= B under fallback", got)
	}
	if got := tierOf(t, c, "UBTC/USDC"); got != models.TierB {
		t.Errorf("UBTC/USDC tier = %s, want >= B under fallback", got)
	}
	if got := tierOf(t, c, "JUNK"); got != models.TierD {
		t.Errorf("incomplete cycle must hold non-safety tiers, got %s", got)
	}

	// Fallback never forces A, and an A market keeps its tier.
	applyCycle(t, c, safety, cycleMarket{"BTC", 50, sp(5)}, cycleMarket{"UBTC/USDC", 60, sp(5)}, cycleMarket{"JUNK", 70, sp(5)})
	if c.FallbackActive() {
		t.Error("fallback flag should clear on the next complete cycle")
	}
}

func TestFallbackNeverForcesA(t *testing.T) {
	c := New(testConfig())
	safety := map[string]bool{"BTC": true}

	for i := 0; i < 5; i++ {
		c.ApplyIncompleteCycle("source error", safety)
	}
	c.EnsureMarkets([]models.MarketInfo{{SymbolRaw: "BTC", Base: "BTC"}})
	c.ApplyIncompleteCycle("source error", safety)

	if got := tierOf(t, c, "BTC"); got == models.TierA {
		t.Fatal("fallback must never assign tier A")
	}
}

func TestIncompleteCyclePreservesStreaks(t *testing.T) {
	c := New(testConfig())

	applyCycle(t, c, nil, cycleMarket{"AAA", 50, sp(10)})
	applyCycle(t, c, nil, cycleMarket{"AAA", 50, sp(10)})
	c.ApplyIncompleteCycle("source error", nil)
	applyCycle(t, c, nil, cycleMarket{"AAA", 50, sp(10)})

	if got := tierOf(t, c, "AAA"); got != models.TierA {
		t.Fatalf("incomplete cycle should not break the promotion streak, got %s", got)
	}
}

func TestObserveSpreadExcludesImmediately(t *testing.T) {
	c := New(testConfig())
	applyCycle(t, c, nil, cycleMarket{"AAA", 150, sp(10)})

	c.ObserveSpread("AAA", 42)
	view, _ := c.StateOf("AAA")
	if !view.Excluded {
		t.Fatal("observed spread over cutoff should exclude between cycles")
	}

	c.ObserveSpread("AAA", 5)
	if view, _ := c.StateOf("AAA"); !view.Excluded {
		t.Error("re-entry is a cycle decision, observation alone must not clear exclusion")
	}
}

func TestRetireAndRelist(t *testing.T) {
	c := New(testConfig())
	info := models.MarketInfo{SymbolRaw: "AAA", Base: "AAA"}
	c.EnsureMarkets([]models.MarketInfo{info})
	applyCycle(t, c, nil, cycleMarket{"AAA", 150, sp(10)})

	c.Retire("AAA")
	view, ok := c.StateOf("AAA")
	if !ok {
		t.Fatal("retired state must persist")
	}
	if view.Tier != models.TierNone || view.Rank != 0 {
		t.Fatalf("retired view = %+v, want no tier and no rank", view)
	}

	c.EnsureMarkets([]models.MarketInfo{info})
	if got := tierOf(t, c, "AAA"); got != models.TierB {
		t.Fatalf("relisted market tier = %s, want B", got)
	}
}

func TestDrainEvents(t *testing.T) {
	c := New(testConfig())
	promoteToA(t, c, "AAA")

	events := c.DrainEvents()
	if events.Promotions != 1 {
		t.Errorf("promotions = %d, want 1", events.Promotions)
	}

	events = c.DrainEvents()
	if events.Promotions != 0 || events.Demotions != 0 || events.Exclusions != 0 {
		t.Errorf("second drain should be empty, got %+v", events)
	}
}

func TestSnapshotOrderedByRank(t *testing.T) {
	c := New(testConfig())
	c.EnsureMarkets([]models.MarketInfo{{SymbolRaw: "UNRANKED"}})
	applyCycle(t, c, nil, cycleMarket{"BBB", 2, sp(10)}, cycleMarket{"AAA", 1, sp(10)})

	snapshot := c.Snapshot()
	if len(snapshot) != 3 {
		t.Fatalf("snapshot size = %d, want 3", len(snapshot))
	}
	if snapshot[0].Info.SymbolRaw != "AAA" || snapshot[1].Info.SymbolRaw != "BBB" {
		t.Errorf("ranked markets should lead: %s, %s", snapshot[0].Info.SymbolRaw, snapshot[1].Info.SymbolRaw)
	}
	if snapshot[2].Info.SymbolRaw != "UNRANKED" {
		t.Errorf("unranked market should sort last, got %s", snapshot[2].Info.SymbolRaw)
	}
}

func TestLastSpreadsCopies(t *testing.T) {
	c := New(testConfig())
	applyCycle(t, c, nil, cycleMarket{"AAA", 10, sp(7)}, cycleMarket{"BBB", 20, nil})

	spreads := c.LastSpreads()
	if v := spreads["AAA"]; v == nil || *v != 7 {
		t.Errorf("AAA spread = %v, want 7", v)
	}
	if _, ok := spreads["BBB"]; ok {
		t.Error("market without an observation should be absent")
	}

	*spreads["AAA"] = 99
	if view, _ := c.StateOf("AAA"); *view.SpreadBps != 7 {
		t.Error("returned map must not alias internal state")
	}
}
