package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	futures "github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"hyperflow/config"
	"hyperflow/internal/exchange"
	venuerate "hyperflow/internal/metrics/rate"
	"hyperflow/logger"
	"hyperflow/models"
)

// perpSuffix distinguishes futures symbols from spot symbols that share the
// same venue name, e.g. spot BTCUSDT vs perp BTCUSDT_PERP.
const perpSuffix = "_PERP"

// stableQuotes lists the quote assets whose 24h quote volume can be read as
// USD without a conversion step.
var stableQuotes = map[string]bool{
	"USDT":  true,
	"USDC":  true,
	"FDUSD": true,
	"TUSD":  true,
}

// Source fetches universes and books from Binance spot and USD-M futures.
type Source struct {
	spot    *binance.Client
	fut     *futures.Client
	limiter *rate.Limiter
	log     *logger.Log
}

func NewSource(cfg config.BinanceConfig) *Source {
	log := logger.GetLogger()

	transport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout(),
		DisableCompression:  false,
	}
	httpClient := &http.Client{Transport: transport}

	spot := binance.NewClient("", "")
	spot.HTTPClient = httpClient

	fut := futures.NewClient("", "")
	fut.HTTPClient = httpClient

	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = rps
	}

	s := &Source{
		spot:    spot,
		fut:     fut,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     log,
	}

	log.WithComponent("binance_source").WithFields(logger.Fields{
		"requests_per_second": rps,
		"burst":               burst,
	}).Info("binance source initialized")

	return s
}

// SetEndpoints overrides the venue URLs, used by tests to point at a stub.
func (s *Source) SetEndpoints(spotURL, futURL string) {
	s.spot.BaseURL = spotURL
	s.fut.SetApiEndpoint(futURL)
}

func (s *Source) Name() string { return "binance" }

// RequestWeightLimit reports the futures REQUEST_WEIGHT budget per minute,
// logged at startup so weight exhaustion can be judged against it.
func (s *Source) RequestWeightLimit(ctx context.Context) (int64, error) {
	return venuerate.FetchRequestWeightLimit(ctx, s.fut)
}

// FetchSpotUniverse lists trading spot pairs quoted in a stablecoin. The 24h
// ticker supplies quote volume and last price; spot has no funding or open
// interest.
func (s *Source) FetchSpotUniverse(ctx context.Context) (*exchange.Universe, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	info, err := s.spot.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("spot exchange info: %w", err)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	stats, err := s.spot.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("spot 24h tickers: %w", err)
	}
	statsBySymbol := make(map[string]*binance.PriceChangeStats, len(stats))
	for _, st := range stats {
		statsBySymbol[st.Symbol] = st
	}

	universe := &exchange.Universe{Metrics: make(map[string]models.MarketMetrics)}
	for _, sym := range info.Symbols {
		if sym.Status != "TRADING" || !stableQuotes[sym.QuoteAsset] {
			continue
		}
		market := models.MarketInfo{
			SymbolRaw: sym.Symbol,
			Base:      strings.ToUpper(sym.BaseAsset),
			Quote:     strings.ToUpper(sym.QuoteAsset),
			Type:      models.MarketTypeSpot,
			Variant:   strings.ToUpper(sym.QuoteAsset),
		}
		universe.Markets = append(universe.Markets, market)

		var m models.MarketMetrics
		if st := statsBySymbol[sym.Symbol]; st != nil {
			m.Volume24hUSD = parseFloat(st.QuoteVolume)
			m.MarkPrice = parseFloat(st.LastPrice)
		}
		universe.Metrics[market.SymbolRaw] = m
	}

	s.log.WithComponent("binance_source").WithFields(logger.Fields{
		"markets": len(universe.Markets),
	}).Debug("fetched spot universe")

	return universe, nil
}

// FetchPerpUniverse lists trading USD-M perpetuals. Mark price and funding
// come from the premium index, volume from the 24h ticker. Open interest is
// a per-symbol endpoint on this venue and is left unset.
func (s *Source) FetchPerpUniverse(ctx context.Context) (*exchange.Universe, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	info, err := s.fut.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("futures exchange info: %w", err)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	stats, err := s.fut.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("futures 24h tickers: %w", err)
	}
	statsBySymbol := make(map[string]*futures.PriceChangeStats, len(stats))
	for _, st := range stats {
		statsBySymbol[st.Symbol] = st
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	premiums, err := s.fut.NewPremiumIndexService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("futures premium index: %w", err)
	}
	premiumBySymbol := make(map[string]*futures.PremiumIndex, len(premiums))
	for _, p := range premiums {
		premiumBySymbol[p.Symbol] = p
	}

	universe := &exchange.Universe{Metrics: make(map[string]models.MarketMetrics)}
	for _, sym := range info.Symbols {
		if sym.Status != "TRADING" || sym.ContractType != "PERPETUAL" {
			continue
		}
		market := models.MarketInfo{
			SymbolRaw: sym.Symbol + perpSuffix,
			Base:      strings.ToUpper(sym.BaseAsset),
			Quote:     strings.ToUpper(sym.QuoteAsset),
			Type:      models.MarketTypePerp,
			Variant:   strings.ToUpper(sym.QuoteAsset),
		}
		universe.Markets = append(universe.Markets, market)

		var m models.MarketMetrics
		if st := statsBySymbol[sym.Symbol]; st != nil {
			m.Volume24hUSD = parseFloat(st.QuoteVolume)
		}
		if p := premiumBySymbol[sym.Symbol]; p != nil {
			m.MarkPrice = parseFloat(p.MarkPrice)
			m.FundingRate = parseFloat(p.LastFundingRate)
		}
		universe.Metrics[market.SymbolRaw] = m
	}

	s.log.WithComponent("binance_source").WithFields(logger.Fields{
		"markets": len(universe.Markets),
	}).Debug("fetched perp universe")

	return universe, nil
}

// FetchBook returns the top of book for one market via a shallow depth
// snapshot.
func (s *Source) FetchBook(ctx context.Context, market models.MarketInfo) (models.BookSnapshot, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return models.BookSnapshot{}, fmt.Errorf("rate limit wait: %w", err)
	}

	venueSymbol := strings.TrimSuffix(market.SymbolRaw, perpSuffix)

	var bids, asks []common.PriceLevel
	if market.Type == models.MarketTypePerp {
		resp, err := s.fut.NewDepthService().Symbol(venueSymbol).Limit(5).Do(ctx)
		if err != nil {
			return models.BookSnapshot{}, fmt.Errorf("futures depth %s: %w", venueSymbol, err)
		}
		bids, asks = resp.Bids, resp.Asks
	} else {
		resp, err := s.spot.NewDepthService().Symbol(venueSymbol).Limit(5).Do(ctx)
		if err != nil {
			return models.BookSnapshot{}, fmt.Errorf("spot depth %s: %w", venueSymbol, err)
		}
		bids, asks = resp.Bids, resp.Asks
	}

	return models.BookSnapshot{
		Bid:       bestLevel(bids, true),
		Ask:       bestLevel(asks, false),
		FetchedAt: time.Now(),
	}, nil
}

// bestLevel scans one depth side. Levels arrive best-first but the scan does
// not rely on ordering.
func bestLevel(levels []common.PriceLevel, highest bool) *float64 {
	var best *float64
	for _, level := range levels {
		px, err := strconv.ParseFloat(level.Price, 64)
		if err != nil || px <= 0 {
			continue
		}
		if best == nil || (highest && px > *best) || (!highest && px < *best) {
			v := px
			best = &v
		}
	}
	return best
}

func parseFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}
