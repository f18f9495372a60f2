package models

// MarketSample is one stored observation of a market. Pointer fields are
// nullable in the database; a sample taken while the venue withheld a
// metric keeps the hole instead of inventing a value.
type MarketSample struct {
	ID              int64      `db:"id" json:"id"`
	TsMs            int64      `db:"ts_ms" json:"ts_ms"`
	Base            string     `db:"base" json:"base"`
	Quote           string     `db:"quote" json:"quote"`
	MarketType      MarketType `db:"market_type" json:"market_type"`
	Variant         string     `db:"variant" json:"variant"`
	SymbolRaw       string     `db:"symbol_raw" json:"symbol_raw"`
	Bid             *float64   `db:"bid" json:"bid"`
	Ask             *float64   `db:"ask" json:"ask"`
	Mid             *float64   `db:"mid" json:"mid"`
	SpreadBps       *float64   `db:"spread_bps" json:"spread_bps"`
	MarkPrice       *float64   `db:"mark_price" json:"mark_price"`
	FundingRate     *float64   `db:"funding_rate" json:"funding_rate"`
	OpenInterestUSD *float64   `db:"open_interest_usd" json:"open_interest_usd"`
	Volume24hUSD    *float64   `db:"volume_24h_usd" json:"volume_24h_usd"`
	Level           Tier       `db:"level" json:"level"`
	Score           *float64   `db:"score" json:"score"`
	StaleFlag       bool       `db:"stale_flag" json:"stale_flag"`
}
