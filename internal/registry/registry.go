package registry

import (
	"sort"
	"sync"
	"time"

	"hyperflow/internal/symbols"
	"hyperflow/logger"
	"hyperflow/models"
)

// Entry is one known market variant. Delisted entries stay in the registry
// so historical samples remain attributable and a relisted market keeps its
// identity.
type Entry struct {
	Info      models.MarketInfo
	Metrics   models.MarketMetrics
	FirstSeen time.Time
	LastSeen  time.Time
	Delisted  bool
}

// Registry tracks every market variant ever observed in a universe snapshot,
// keyed by the raw symbol.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	log     *logger.Log
}

func New() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		log:     logger.GetLogger(),
	}
}

// Sync reconciles the registry against one universe snapshot. Markets absent
// from the snapshot are soft-deleted and returned so callers can retire
// them; previously delisted markets that reappear are reactivated.
func (r *Registry) Sync(markets []models.MarketInfo, now time.Time) (added int, delisted []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(markets))
	for _, info := range markets {
		if info.SymbolRaw == "" {
			continue
		}
		seen[info.SymbolRaw] = true

		entry, ok := r.entries[info.SymbolRaw]
		if !ok {
			r.entries[info.SymbolRaw] = &Entry{Info: info, FirstSeen: now, LastSeen: now}
			added++
			continue
		}
		entry.Info = info
		entry.LastSeen = now
		if entry.Delisted {
			entry.Delisted = false
			r.log.WithComponent("registry").WithFields(logger.Fields{
				"symbol_raw": info.SymbolRaw,
			}).Info("market relisted")
		}
	}

	for sym, entry := range r.entries {
		if !seen[sym] && !entry.Delisted {
			entry.Delisted = true
			delisted = append(delisted, sym)
			r.log.WithComponent("registry").WithFields(logger.Fields{
				"symbol_raw": sym,
			}).Info("market delisted")
		}
	}
	sort.Strings(delisted)

	if added > 0 || len(delisted) > 0 {
		r.log.WithComponent("registry").WithFields(logger.Fields{
			"added":    added,
			"delisted": len(delisted),
			"total":    len(r.entries),
		}).Info("registry synced")
	}
	return added, delisted
}

// Active returns the listed markets sorted by raw symbol.
func (r *Registry) Active() []models.MarketInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.MarketInfo, 0, len(r.entries))
	for _, entry := range r.entries {
		if !entry.Delisted {
			out = append(out, entry.Info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SymbolRaw < out[j].SymbolRaw })
	return out
}

// Get looks up one market by raw symbol, listed or not.
func (r *Registry) Get(symbolRaw string) (models.MarketInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[symbolRaw]
	if !ok {
		return models.MarketInfo{}, false
	}
	return entry.Info, true
}

// UpdateMetrics caches the latest universe metrics so samples can carry the
// per-market context alongside the L1 quote.
func (r *Registry) UpdateMetrics(metrics map[string]models.MarketMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for sym, m := range metrics {
		if entry, ok := r.entries[sym]; ok {
			entry.Metrics = m
		}
	}
}

// MetricsOf returns the cached universe metrics for one market.
func (r *Registry) MetricsOf(symbolRaw string) models.MarketMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.entries[symbolRaw]; ok {
		return entry.Metrics
	}
	return models.MarketMetrics{}
}

// Count returns total and listed market counts.
func (r *Registry) Count() (total, active int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total = len(r.entries)
	for _, entry := range r.entries {
		if !entry.Delisted {
			active++
		}
	}
	return total, active
}

// SafetyMembers maps each configured safety asset to the raw symbols of its
// listed variants, matching wrapped listings through the canonical base.
func (r *Registry) SafetyMembers(assets []string) map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make(map[string][]string, len(assets))
	canon := make(map[string]string, len(assets))
	for _, asset := range assets {
		c := symbols.CanonicalBase(asset)
		canon[c] = c
		members[c] = nil
	}

	for _, entry := range r.entries {
		if entry.Delisted {
			continue
		}
		base := symbols.CanonicalBase(entry.Info.Base)
		if _, ok := canon[base]; ok {
			members[base] = append(members[base], entry.Info.SymbolRaw)
		}
	}

	for asset := range members {
		sort.Strings(members[asset])
	}
	return members
}

// MissingSafetyAssets returns the safety assets with no listed variant. A
// non-empty result means the universe snapshot cannot be trusted.
func (r *Registry) MissingSafetyAssets(assets []string) []string {
	members := r.SafetyMembers(assets)

	var missing []string
	for asset, syms := range members {
		if len(syms) == 0 {
			missing = append(missing, asset)
		}
	}
	sort.Strings(missing)
	return missing
}

// SafetySet flattens SafetyMembers into a lookup keyed by raw symbol.
func (r *Registry) SafetySet(assets []string) map[string]bool {
	set := make(map[string]bool)
	for _, syms := range r.SafetyMembers(assets) {
		for _, sym := range syms {
			set[sym] = true
		}
	}
	return set
}
