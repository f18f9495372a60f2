package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"hyperflow/config"
	"hyperflow/models"
)

// stubVenue serves canned bodies for the spot and futures endpoints the
// source touches, keyed by URL path.
func stubVenue(t *testing.T, bodies map[string]string) *Source {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := bodies[r.URL.Path]
		if !ok {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.Error(w, "no stub", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)

	src := NewSource(config.BinanceConfig{
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 100},
	})
	src.SetEndpoints(server.URL, server.URL)
	return src
}

func TestFetchSpotUniverse(t *testing.T) {
	src := stubVenue(t, map[string]string{
		"/api/v3/exchangeInfo": `{
			"timezone":"UTC","serverTime":1,
			"symbols":[
				{"symbol":"BTCUSDT","status":"TRADING","baseAsset":"BTC","quoteAsset":"USDT"},
				{"symbol":"ETHBTC","status":"TRADING","baseAsset":"ETH","quoteAsset":"BTC"},
				{"symbol":"XRPUSDT","status":"BREAK","baseAsset":"XRP","quoteAsset":"USDT"}
			]
		}`,
		"/api/v3/ticker/24hr": `[
			{"symbol":"BTCUSDT","lastPrice":"50000","quoteVolume":"1500000000"}
		]`,
	})

	universe, err := src.FetchSpotUniverse(context.Background())
	if err != nil {
		t.Fatalf("FetchSpotUniverse: %v", err)
	}
	if len(universe.Markets) != 1 {
		t.Fatalf("expected only the stable-quoted trading pair, got %d markets", len(universe.Markets))
	}

	m := universe.Markets[0]
	if m.SymbolRaw != "BTCUSDT" || m.Base != "BTC" || m.Quote != "USDT" ||
		m.Type != models.MarketTypeSpot || m.Variant != "USDT" {
		t.Errorf("unexpected spot market: %+v", m)
	}

	metrics := universe.Metrics["BTCUSDT"]
	if metrics.Volume24hUSD == nil || *metrics.Volume24hUSD != 1500000000 {
		t.Errorf("volume = %v, want 1500000000", metrics.Volume24hUSD)
	}
	if metrics.MarkPrice == nil || *metrics.MarkPrice != 50000 {
		t.Errorf("mark = %v, want 50000", metrics.MarkPrice)
	}
	if metrics.OpenInterestUSD != nil || metrics.FundingRate != nil {
		t.Error("spot metrics should not carry open interest or funding")
	}
}

func TestFetchPerpUniverse(t *testing.T) {
	src := stubVenue(t, map[string]string{
		"/fapi/v1/exchangeInfo": `{
			"timezone":"UTC","serverTime":1,
			"symbols":[
				{"symbol":"BTCUSDT","status":"TRADING","contractType":"PERPETUAL","baseAsset":"BTC","quoteAsset":"USDT"},
				{"symbol":"BTCUSDT_240628","status":"TRADING","contractType":"CURRENT_QUARTER","baseAsset":"BTC","quoteAsset":"USDT"}
			]
		}`,
		"/fapi/v1/ticker/24hr": `[
			{"symbol":"BTCUSDT","lastPrice":"50010","quoteVolume":"9000000000"}
		]`,
		"/fapi/v1/premiumIndex": `[
			{"symbol":"BTCUSDT","markPrice":"50005.5","lastFundingRate":"0.0001"}
		]`,
	})

	universe, err := src.FetchPerpUniverse(context.Background())
	if err != nil {
		t.Fatalf("FetchPerpUniverse: %v", err)
	}
	if len(universe.Markets) != 1 {
		t.Fatalf("expected only the perpetual contract, got %d markets", len(universe.Markets))
	}

	m := universe.Markets[0]
	if m.SymbolRaw != "BTCUSDT_PERP" {
		t.Errorf("perp symbol should carry the suffix, got %q", m.SymbolRaw)
	}
	if m.Base != "BTC" || m.Quote != "USDT" || m.Type != models.MarketTypePerp {
		t.Errorf("unexpected perp market: %+v", m)
	}

	metrics := universe.Metrics["BTCUSDT_PERP"]
	if metrics.Volume24hUSD == nil || *metrics.Volume24hUSD != 9000000000 {
		t.Errorf("volume = %v, want 9000000000", metrics.Volume24hUSD)
	}
	if metrics.MarkPrice == nil || *metrics.MarkPrice != 50005.5 {
		t.Errorf("mark = %v, want 50005.5", metrics.MarkPrice)
	}
	if metrics.FundingRate == nil || *metrics.FundingRate != 0.0001 {
		t.Errorf("funding = %v, want 0.0001", metrics.FundingRate)
	}
}

func TestFetchBookStripsPerpSuffix(t *testing.T) {
	src := stubVenue(t, map[string]string{
		"/fapi/v1/depth": `{
			"lastUpdateId":10,"E":1,"T":1,
			"bids":[["49999","1.2"],["49998","3"]],
			"asks":[["50001","0.4"],["50002","2"]]
		}`,
	})

	market := models.MarketInfo{SymbolRaw: "BTCUSDT_PERP", Base: "BTC", Type: models.MarketTypePerp}
	snap, err := src.FetchBook(context.Background(), market)
	if err != nil {
		t.Fatalf("FetchBook: %v", err)
	}
	if snap.Bid == nil || *snap.Bid != 49999 {
		t.Errorf("bid = %v, want 49999", snap.Bid)
	}
	if snap.Ask == nil || *snap.Ask != 50001 {
		t.Errorf("ask = %v, want 50001", snap.Ask)
	}
	if snap.FetchedAt.IsZero() {
		t.Error("FetchedAt not set")
	}
}

func TestFetchBookSpot(t *testing.T) {
	src := stubVenue(t, map[string]string{
		"/api/v3/depth": `{
			"lastUpdateId":10,
			"bids":[["0.20","100"]],
			"asks":[["0.21","80"]]
		}`,
	})

	market := models.MarketInfo{SymbolRaw: "PURRUSDC", Base: "PURR", Type: models.MarketTypeSpot}
	snap, err := src.FetchBook(context.Background(), market)
	if err != nil {
		t.Fatalf("FetchBook: %v", err)
	}
	if snap.Bid == nil || *snap.Bid != 0.20 {
		t.Errorf("bid = %v, want 0.20", snap.Bid)
	}
	if snap.Ask == nil || *snap.Ask != 0.21 {
		t.Errorf("ask = %v, want 0.21", snap.Ask)
	}
}
