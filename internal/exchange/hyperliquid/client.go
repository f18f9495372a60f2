package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"hyperflow/config"
	"hyperflow/internal/exchange"
	"hyperflow/logger"
	"hyperflow/models"
)

// Client talks to the Hyperliquid info endpoint. All requests are POSTs
// against a single URL with a typed JSON body.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Log
}

func NewClient(cfg config.HyperliquidConfig) *Client {
	log := logger.GetLogger()

	transport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout(),
		DisableCompression:  false,
	}

	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = rps
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Transport: transport},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		log:        log,
	}

	log.WithComponent("hyperliquid_client").WithFields(logger.Fields{
		"base_url":            c.baseURL,
		"requests_per_second": rps,
		"burst":               burst,
	}).Info("hyperliquid client initialized")

	return c
}

func (c *Client) Name() string { return "hyperliquid" }

type infoRequest struct {
	Type string `json:"type"`
	Coin string `json:"coin,omitempty"`
}

// post sends one info request and decodes the response into out. Request
// deadlines come from ctx; there is no separate client timeout.
func (c *Client) post(ctx context.Context, body infoRequest, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal info request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/info", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build info request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("info request %s: %w", body.Type, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("info request %s: status %d: %s", body.Type, resp.StatusCode, string(data))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", body.Type, err)
	}
	return nil
}

type perpAsset struct {
	Name string `json:"name"`
}

type perpMeta struct {
	Universe []perpAsset `json:"universe"`
}

type assetCtx struct {
	Coin         string   `json:"coin"`
	Funding      string   `json:"funding"`
	OpenInterest string   `json:"openInterest"`
	MarkPx       string   `json:"markPx"`
	MidPx        string   `json:"midPx"`
	DayNtlVlm    string   `json:"dayNtlVlm"`
	ImpactPxs    []string `json:"impactPxs"`
}

type spotToken struct {
	Name  string `json:"name"`
	Index int    `json:"index"`
}

type spotPair struct {
	Name   string `json:"name"`
	Tokens []int  `json:"tokens"`
	Index  int    `json:"index"`
}

type spotMeta struct {
	Universe []spotPair  `json:"universe"`
	Tokens   []spotToken `json:"tokens"`
}

// FetchPerpUniverse returns all perpetual markets with their venue metrics.
// The info endpoint answers with a two element array: the meta object and
// the per-asset contexts aligned with meta.universe by index.
func (c *Client) FetchPerpUniverse(ctx context.Context) (*exchange.Universe, error) {
	var parts []json.RawMessage
	if err := c.post(ctx, infoRequest{Type: "metaAndAssetCtxs"}, &parts); err != nil {
		return nil, err
	}
	if len(parts) < 2 {
		return nil, fmt.Errorf("metaAndAssetCtxs: expected meta and contexts, got %d parts", len(parts))
	}

	var meta perpMeta
	if err := json.Unmarshal(parts[0], &meta); err != nil {
		return nil, fmt.Errorf("decode perp meta: %w", err)
	}
	var ctxs []assetCtx
	if err := json.Unmarshal(parts[1], &ctxs); err != nil {
		return nil, fmt.Errorf("decode perp asset contexts: %w", err)
	}

	universe := &exchange.Universe{
		Metrics: make(map[string]models.MarketMetrics, len(meta.Universe)),
	}
	for i, asset := range meta.Universe {
		if asset.Name == "" {
			continue
		}
		base := strings.ToUpper(asset.Name)
		info := models.MarketInfo{
			SymbolRaw: base,
			Base:      base,
			Quote:     "USD",
			Type:      models.MarketTypePerp,
			Variant:   "USDC",
		}
		universe.Markets = append(universe.Markets, info)
		if i < len(ctxs) {
			universe.Metrics[info.SymbolRaw] = perpMetrics(ctxs[i])
		}
	}

	c.log.WithComponent("hyperliquid_client").WithFields(logger.Fields{
		"markets": len(universe.Markets),
	}).Debug("fetched perp universe")

	return universe, nil
}

// FetchSpotUniverse returns all spot pairs. Pair base and quote names are
// resolved through the token index table; contexts are matched by their
// coin field and fall back to positional alignment.
func (c *Client) FetchSpotUniverse(ctx context.Context) (*exchange.Universe, error) {
	var parts []json.RawMessage
	if err := c.post(ctx, infoRequest{Type: "spotMetaAndAssetCtxs"}, &parts); err != nil {
		return nil, err
	}
	if len(parts) < 2 {
		return nil, fmt.Errorf("spotMetaAndAssetCtxs: expected meta and contexts, got %d parts", len(parts))
	}

	var meta spotMeta
	if err := json.Unmarshal(parts[0], &meta); err != nil {
		return nil, fmt.Errorf("decode spot meta: %w", err)
	}
	var ctxs []assetCtx
	if err := json.Unmarshal(parts[1], &ctxs); err != nil {
		return nil, fmt.Errorf("decode spot asset contexts: %w", err)
	}

	tokenNames := make(map[int]string, len(meta.Tokens))
	for _, token := range meta.Tokens {
		if token.Name != "" {
			tokenNames[token.Index] = strings.ToUpper(token.Name)
		}
	}

	ctxByCoin := make(map[string]assetCtx, len(ctxs))
	for _, ac := range ctxs {
		if ac.Coin != "" {
			ctxByCoin[strings.ToUpper(ac.Coin)] = ac
		}
	}

	universe := &exchange.Universe{
		Metrics: make(map[string]models.MarketMetrics, len(meta.Universe)),
	}
	for i, pair := range meta.Universe {
		if pair.Name == "" {
			continue
		}

		base, quote := "", "USDC"
		if len(pair.Tokens) == 2 {
			base = tokenNames[pair.Tokens[0]]
			quote = tokenNames[pair.Tokens[1]]
		}
		if base == "" {
			// Pair names like "PURR/USDC" carry the assets directly.
			if idx := strings.IndexByte(pair.Name, '/'); idx > 0 {
				base = strings.ToUpper(pair.Name[:idx])
				quote = strings.ToUpper(pair.Name[idx+1:])
			}
		}
		if base == "" || quote == "" {
			continue
		}

		info := models.MarketInfo{
			SymbolRaw: pair.Name,
			Base:      base,
			Quote:     quote,
			Type:      models.MarketTypeSpot,
			Variant:   quote,
		}
		universe.Markets = append(universe.Markets, info)

		ac, ok := ctxByCoin[strings.ToUpper(pair.Name)]
		if !ok && i < len(ctxs) {
			ac = ctxs[i]
		}
		universe.Metrics[info.SymbolRaw] = spotMetrics(ac)
	}

	c.log.WithComponent("hyperliquid_client").WithFields(logger.Fields{
		"markets": len(universe.Markets),
	}).Debug("fetched spot universe")

	return universe, nil
}

type bookLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

type l2Book struct {
	Coin   string        `json:"coin"`
	Time   int64         `json:"time"`
	Levels [][]bookLevel `json:"levels"`
}

// FetchBook returns the best bid and offer for one market. Spot books are
// addressed by the raw pair name, perp books by the base asset.
func (c *Client) FetchBook(ctx context.Context, market models.MarketInfo) (models.BookSnapshot, error) {
	coin := market.SymbolRaw
	if market.Type == models.MarketTypePerp {
		coin = market.Base
	}

	var book l2Book
	if err := c.post(ctx, infoRequest{Type: "l2Book", Coin: coin}, &book); err != nil {
		return models.BookSnapshot{}, err
	}

	snapshot := models.BookSnapshot{FetchedAt: time.Now()}
	if len(book.Levels) >= 2 {
		snapshot.Bid = bestPrice(book.Levels[0], true)
		snapshot.Ask = bestPrice(book.Levels[1], false)
	}
	return snapshot, nil
}

// bestPrice scans one side of the book. Levels arrive best-first but the
// max/min scan keeps us honest if the venue ever reorders them.
func bestPrice(levels []bookLevel, highest bool) *float64 {
	var best *float64
	for _, level := range levels {
		px, err := strconv.ParseFloat(level.Px, 64)
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

func perpMetrics(ac assetCtx) models.MarketMetrics {
	m := models.MarketMetrics{
		Volume24hUSD: parseFloat(ac.DayNtlVlm),
		FundingRate:  parseFloat(ac.Funding),
		MarkPrice:    parseFloat(ac.MarkPx),
	}

	// openInterest is reported in contracts; convert to notional when a
	// mark price is available.
	if oi := parseFloat(ac.OpenInterest); oi != nil {
		if m.MarkPrice != nil {
			m.OpenInterestUSD = models.Float64Ptr(*oi * *m.MarkPrice)
		} else {
			m.OpenInterestUSD = oi
		}
	}

	if len(ac.ImpactPxs) == 2 {
		bid := parseFloat(ac.ImpactPxs[0])
		ask := parseFloat(ac.ImpactPxs[1])
		if _, spread, crossed := deriveSpread(bid, ask); !crossed {
			m.SpreadBps = spread
		}
	}
	return m
}

func spotMetrics(ac assetCtx) models.MarketMetrics {
	return models.MarketMetrics{
		Volume24hUSD: parseFloat(ac.DayNtlVlm),
		MarkPrice:    parseFloat(ac.MarkPx),
	}
}

func deriveSpread(bid, ask *float64) (mid, spreadBps *float64, crossed bool) {
	return models.DeriveQuote(bid, ask)
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
