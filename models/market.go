package models

import "time"

// MarketType distinguishes spot pairs from perpetual contracts.
type MarketType string

const (
	MarketTypeSpot MarketType = "SPOT"
	MarketTypePerp MarketType = "PERP"
)

// Tier is the sampling level assigned to a market. TierNone means the
// market is known but not currently sampled.
type Tier string

const (
	TierA    Tier = "A"
	TierB    Tier = "B"
	TierC    Tier = "C"
	TierD    Tier = "D"
	TierNone Tier = "NONE"
)

// Sampled reports whether the tier is one of the sampled levels A-D.
func (t Tier) Sampled() bool {
	switch t {
	case TierA, TierB, TierC, TierD:
		return true
	}
	return false
}

// MarketInfo identifies a single tradeable market on the source venue.
// SymbolRaw is the exchange-native name and the sole identity used for
// tiering, scoring and storage; Base is only consulted for the safety
// fallback set.
type MarketInfo struct {
	SymbolRaw string     `json:"symbol_raw"`
	Base      string     `json:"base"`
	Quote     string     `json:"quote"`
	Type      MarketType `json:"market_type"`
	Variant   string     `json:"variant"`
}

// MarketMetrics carries the per-market snapshot metrics supplied by the
// venue universe endpoints. Any field may be absent; absence is valid
// data, not an error.
type MarketMetrics struct {
	Volume24hUSD    *float64
	OpenInterestUSD *float64
	FundingRate     *float64
	MarkPrice       *float64
	SpreadBps       *float64
}

// BookSnapshot is a best bid/offer observation for one market.
type BookSnapshot struct {
	Bid       *float64
	Ask       *float64
	FetchedAt time.Time
}

// Ranking is one market's position in a scoring cycle. Ranks are dense,
// starting at 1 for the highest score.
type Ranking struct {
	SymbolRaw string  `json:"symbol_raw"`
	Score     float64 `json:"score"`
	Rank      int     `json:"rank"`
}

// DeriveQuote computes mid price and spread in basis points from an L1
// quote. A crossed or empty book yields no mid and no spread.
func DeriveQuote(bid, ask *float64) (mid, spreadBps *float64, crossed bool) {
	if bid == nil || ask == nil {
		return nil, nil, false
	}
	if *bid >= *ask {
		return nil, nil, true
	}
	m := (*bid + *ask) / 2
	if m <= 0 {
		return nil, nil, true
	}
	s := (*ask - *bid) / m * 10000
	return &m, &s, false
}

// Float64Ptr returns a pointer to v. Convenience for optional fields.
func Float64Ptr(v float64) *float64 { return &v }
