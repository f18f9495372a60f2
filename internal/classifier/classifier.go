package classifier

import (
	"sort"
	"sync"

	"hyperflow/config"
	"hyperflow/internal/ranking"
	"hyperflow/logger"
	"hyperflow/models"
)

// marketState is the per-market tier machine. All fields are guarded by the
// classifier mutex; views handed out to other components are copies.
type marketState struct {
	info          models.MarketInfo
	tier          models.Tier
	rank          int // 0 means unranked
	score         *float64
	spreadBps     *float64
	promoteStreak int
	demoteStreak  int
	excluded      bool
}

// StateView is a read-only copy of one market's classifier state.
type StateView struct {
	Info          models.MarketInfo
	Tier          models.Tier
	Rank          int
	Score         *float64
	SpreadBps     *float64
	PromoteStreak int
	DemoteStreak  int
	Excluded      bool
}

// Events are tier transitions accumulated since the last drain.
type Events struct {
	Promotions int
	Demotions  int
	Exclusions int
}

// CycleInput is one completed ranking cycle plus the spread observations and
// safety membership used for eligibility decisions.
type CycleInput struct {
	Result  *ranking.Result
	Spreads map[string]*float64
	Safety  map[string]bool
}

// CycleSummary reports what one cycle application changed.
type CycleSummary struct {
	Promotions int
	Demotions  int
	Exclusions int
	ByTier     map[models.Tier]int
}

// Classifier owns every market's tier state. It is the single writer; the
// scheduler and status reporter only read consistent snapshots taken under
// the same lock.
type Classifier struct {
	mu     sync.Mutex
	cfg    config.SamplingConfig
	states map[string]*marketState

	fallbackActive bool
	events         Events

	log *logger.Log
}

func New(cfg config.SamplingConfig) *Classifier {
	return &Classifier{
		cfg:    cfg,
		states: make(map[string]*marketState),
		log:    logger.GetLogger(),
	}
}

// EnsureMarkets creates state for newly discovered markets. Until their
// first ranking arrives they sample at tier B. A retired market that shows
// up again is treated like a new unranked one.
func (c *Classifier) EnsureMarkets(markets []models.MarketInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, info := range markets {
		if info.SymbolRaw == "" {
			continue
		}
		if state, ok := c.states[info.SymbolRaw]; ok {
			state.info = info
			if state.tier == models.TierNone && state.rank == 0 && !state.excluded {
				state.tier = models.TierB
			}
			continue
		}
		c.states[info.SymbolRaw] = &marketState{info: info, tier: models.TierB}
	}
}

// Retire pulls a delisted market out of scheduling. Its state persists so a
// relisting keeps the same identity.
func (c *Classifier) Retire(symbolRaw string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.states[symbolRaw]
	if !ok {
		return
	}
	state.tier = models.TierNone
	state.rank = 0
	state.promoteStreak = 0
	state.demoteStreak = 0
}

// ApplyCycle applies one complete ranking cycle: hard exclusions first, then
// hysteresis bookkeeping and tier reassignment, then the safety floor.
func (c *Classifier) ApplyCycle(in CycleInput) CycleSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fallbackActive = false
	summary := CycleSummary{ByTier: make(map[models.Tier]int)}

	for _, r := range in.Result.Rankings {
		state, ok := c.states[r.SymbolRaw]
		if !ok {
			state = &marketState{
				info: models.MarketInfo{SymbolRaw: r.SymbolRaw},
				tier: models.TierB,
			}
			c.states[r.SymbolRaw] = state
		}

		state.rank = r.Rank
		score := r.Score
		state.score = &score

		spread := in.Spreads[r.SymbolRaw]
		if spread != nil {
			state.spreadBps = spread
		}

		// Hard exclusion beats every other rule. Re-entry needs an observed
		// spread back at or under the cutoff; a missing value keeps the
		// market out.
		if spread != nil && *spread > c.cfg.ExcludeSpreadBps {
			c.exclude(state, *spread, &summary)
			continue
		}
		if state.excluded {
			if spread == nil || *spread > c.cfg.ExcludeSpreadBps {
				continue
			}
			state.excluded = false
			c.log.WithComponent("classifier").WithFields(logger.Fields{
				"symbol_raw": r.SymbolRaw,
				"spread_bps": *spread,
			}).Info("market re-entered after exclusion")
		}

		bucket := c.bucketForRank(r.Rank)

		// Promotion eligibility: rank and spread must both hold, a missing
		// spread breaks the streak.
		if r.Rank <= c.cfg.PromoteRank && spread != nil && *spread <= c.cfg.PromoteMaxSpreadBps {
			state.promoteStreak++
		} else {
			state.promoteStreak = 0
		}

		if state.tier == models.TierA {
			c.applyTierA(state, r, spread, bucket, &summary)
		} else if state.promoteStreak >= c.cfg.HysteresisCycles {
			c.promote(state, &summary)
		} else {
			state.tier = bucket
			state.demoteStreak = 0
		}
	}

	c.applyFloorLocked(in.Safety)

	for _, state := range c.states {
		if state.tier.Sampled() && !state.excluded {
			summary.ByTier[state.tier]++
		}
	}

	c.events.Promotions += summary.Promotions
	c.events.Demotions += summary.Demotions
	c.events.Exclusions += summary.Exclusions

	c.log.WithComponent("classifier").WithFields(logger.Fields{
		"tier_a":     summary.ByTier[models.TierA],
		"tier_b":     summary.ByTier[models.TierB],
		"tier_c":     summary.ByTier[models.TierC],
		"tier_d":     summary.ByTier[models.TierD],
		"promotions": summary.Promotions,
		"demotions":  summary.Demotions,
		"exclusions": summary.Exclusions,
	}).Info("ranking cycle applied")

	return summary
}

// applyTierA handles the two demotion paths for a market currently in A.
func (c *Classifier) applyTierA(state *marketState, r models.Ranking, spread *float64, bucket models.Tier, summary *CycleSummary) {
	if spread != nil && *spread > c.cfg.DemoteSpreadBps {
		c.demote(state, bucket, summary)
		c.log.WithComponent("classifier").WithFields(logger.Fields{
			"symbol_raw": state.info.SymbolRaw,
			"spread_bps": *spread,
			"tier":       string(state.tier),
		}).Info("tier A revoked on spread")
		return
	}

	if r.Rank > c.cfg.DemoteRank {
		state.demoteStreak++
	} else {
		state.demoteStreak = 0
	}
	if state.demoteStreak >= c.cfg.HysteresisCycles {
		c.demote(state, bucket, summary)
		c.log.WithComponent("classifier").WithFields(logger.Fields{
			"symbol_raw": state.info.SymbolRaw,
			"rank":       r.Rank,
			"tier":       string(state.tier),
		}).Info("tier A revoked on rank")
	}
}

// ApplyIncompleteCycle holds every tier and counter as-is, flags fallback
// mode and applies the safety floor.
func (c *Classifier) ApplyIncompleteCycle(reason string, safety map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fallbackActive = true
	c.applyFloorLocked(safety)

	c.log.WithComponent("classifier").WithFields(logger.Fields{
		"reason": reason,
	}).Warn("incomplete ranking cycle, holding tiers with safety floor")
}

// applyFloorLocked raises every non-excluded safety market to at least B.
// The floor never promotes to A.
func (c *Classifier) applyFloorLocked(safety map[string]bool) {
	for sym := range safety {
		state, ok := c.states[sym]
		if !ok || state.excluded {
			continue
		}
		if state.tier != models.TierA && state.tier != models.TierB {
			state.tier = models.TierB
		}
	}
}

// ObserveSpread records a spread seen by the sampler between ranking cycles.
// Crossing the hard cutoff excludes the market immediately.
func (c *Classifier) ObserveSpread(symbolRaw string, spreadBps float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.states[symbolRaw]
	if !ok {
		return
	}
	v := spreadBps
	state.spreadBps = &v

	if spreadBps > c.cfg.ExcludeSpreadBps && !state.excluded {
		var summary CycleSummary
		c.exclude(state, spreadBps, &summary)
		c.events.Demotions += summary.Demotions
		c.events.Exclusions += summary.Exclusions
	}
}

func (c *Classifier) exclude(state *marketState, spreadBps float64, summary *CycleSummary) {
	if state.tier.Sampled() {
		summary.Demotions++
	}
	state.excluded = true
	state.tier = models.TierNone
	state.promoteStreak = 0
	state.demoteStreak = 0
	summary.Exclusions++

	c.log.WithComponent("classifier").WithFields(logger.Fields{
		"symbol_raw": state.info.SymbolRaw,
		"spread_bps": spreadBps,
	}).Info("market excluded on spread")
}

func (c *Classifier) promote(state *marketState, summary *CycleSummary) {
	state.tier = models.TierA
	state.promoteStreak = 0
	state.demoteStreak = 0
	summary.Promotions++

	c.log.WithComponent("classifier").WithFields(logger.Fields{
		"symbol_raw": state.info.SymbolRaw,
		"rank":       state.rank,
	}).Info("market promoted to tier A")
}

func (c *Classifier) demote(state *marketState, bucket models.Tier, summary *CycleSummary) {
	if !bucket.Sampled() {
		bucket = models.TierD
	}
	state.tier = bucket
	state.promoteStreak = 0
	state.demoteStreak = 0
	summary.Demotions++
}

func (c *Classifier) bucketForRank(rank int) models.Tier {
	switch {
	case rank <= 0:
		return models.TierNone
	case rank <= c.cfg.BMaxRank:
		return models.TierB
	case rank <= c.cfg.CMaxRank:
		return models.TierC
	case rank <= c.cfg.DMaxRank:
		return models.TierD
	default:
		return models.TierNone
	}
}

// TierMembers returns the raw symbols currently assigned to one tier,
// sorted for deterministic scheduling.
func (c *Classifier) TierMembers(tier models.Tier) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for sym, state := range c.states {
		if state.tier == tier && !state.excluded {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// StateOf returns a copy of one market's state.
func (c *Classifier) StateOf(symbolRaw string) (StateView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.states[symbolRaw]
	if !ok {
		return StateView{}, false
	}
	return viewOf(state), true
}

// Snapshot returns every market's state ordered by rank, unranked last.
func (c *Classifier) Snapshot() []StateView {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]StateView, 0, len(c.states))
	for _, state := range c.states {
		out = append(out, viewOf(state))
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Rank, out[j].Rank
		if ri == 0 {
			ri = int(^uint(0) >> 1)
		}
		if rj == 0 {
			rj = int(^uint(0) >> 1)
		}
		if ri != rj {
			return ri < rj
		}
		return out[i].Info.SymbolRaw < out[j].Info.SymbolRaw
	})
	return out
}

// TierCounts returns the number of non-excluded markets per tier.
func (c *Classifier) TierCounts() map[models.Tier]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts := make(map[models.Tier]int)
	for _, state := range c.states {
		if state.excluded {
			continue
		}
		counts[state.tier]++
	}
	return counts
}

// DrainEvents returns the transition counters accumulated since the last
// call and resets them.
func (c *Classifier) DrainEvents() Events {
	c.mu.Lock()
	defer c.mu.Unlock()

	events := c.events
	c.events = Events{}
	return events
}

// FallbackActive reports whether the last cycle ran in fallback safety mode.
func (c *Classifier) FallbackActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fallbackActive
}

// LastSpreads returns the most recent spread observation per market, used
// to enrich the next ranking cycle when the venue metrics carry none.
func (c *Classifier) LastSpreads() map[string]*float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]*float64, len(c.states))
	for sym, state := range c.states {
		if state.spreadBps != nil {
			v := *state.spreadBps
			out[sym] = &v
		}
	}
	return out
}

func viewOf(state *marketState) StateView {
	view := StateView{
		Info:          state.info,
		Tier:          state.tier,
		Rank:          state.rank,
		PromoteStreak: state.promoteStreak,
		DemoteStreak:  state.demoteStreak,
		Excluded:      state.excluded,
	}
	if state.score != nil {
		v := *state.score
		view.Score = &v
	}
	if state.spreadBps != nil {
		v := *state.spreadBps
		view.SpreadBps = &v
	}
	return view
}
