package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"hyperflow/config"
	"hyperflow/internal/exchange/hyperliquid"
	"hyperflow/internal/metrics/rate"
	"hyperflow/logger"
	"hyperflow/models"
)

const (
	// The venue drops sockets that stay silent for about a minute.
	pingInterval = 20 * time.Second
	readTimeout  = 5 * time.Second
	restRefresh  = 5 * time.Second
)

// Diagnostic probe for one venue book stream. Prints every L1 update for a
// bounded run and compares the stream mid against the REST snapshot, which
// is how sampling staleness complaints get triaged.
func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	coin := flag.String("coin", "PURR/USDC", "Coin to watch; spot coins use the pair form, perps the bare name")
	kind := flag.String("kind", "spot", "Market kind: spot or perp")
	duration := flag.Duration("duration", 20*time.Second, "How long to watch the stream")
	wsURL := flag.String("url", "", "Websocket endpoint (default from config)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	var marketType models.MarketType
	switch *kind {
	case "spot":
		marketType = models.MarketTypeSpot
	case "perp":
		marketType = models.MarketTypePerp
	default:
		log.WithFields(logger.Fields{"kind": *kind}).Error("Unknown market kind, want spot or perp")
		os.Exit(1)
	}

	url := *wsURL
	if url == "" {
		url = cfg.Exchange.Hyperliquid.WsURL
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cfg, *coin, marketType, url, *duration, log); err != nil {
		log.WithError(err).Error("Probe failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, coin string, marketType models.MarketType, url string, duration time.Duration, log *logger.Log) error {
	rest := hyperliquid.NewClient(cfg.Exchange.Hyperliquid)
	market := models.MarketInfo{SymbolRaw: coin, Type: marketType}

	tracker := rate.NewWSWeightTracker()
	defer rate.ReportWSWeight(log, tracker, "hyperliquid")

	tracker.RegisterConnectionAttempt()
	ws, err := hyperliquid.DialWS(ctx, url)
	if err != nil {
		return err
	}
	defer ws.Close()

	if err := ws.SubscribeL2Book(coin); err != nil {
		return err
	}
	tracker.RegisterOutgoing(1)

	restMid := fetchRestMid(ctx, rest, market, log)
	restAt := time.Now()

	deadline := time.Now().Add(duration)
	lastPing := time.Now()
	frames := 0

	for time.Now().Before(deadline) {
		if time.Since(lastPing) >= pingInterval {
			if err := ws.Ping(); err != nil {
				return err
			}
			tracker.RegisterOutgoing(1)
			lastPing = time.Now()
		}
		if time.Since(restAt) >= restRefresh {
			restMid = fetchRestMid(ctx, rest, market, log)
			restAt = time.Now()
		}

		timeout := readTimeout
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}

		update, err := ws.ReadBook(timeout)
		if err != nil {
			// A timeout at the very end of the run is a clean finish. Any
			// earlier read error leaves the gorilla connection unusable.
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() && !time.Now().Before(deadline) {
				break
			}
			return err
		}

		frames++
		printUpdate(update, restMid)
	}

	log.WithComponent("wsprobe").WithFields(logger.Fields{
		"coin":   coin,
		"kind":   string(marketType),
		"frames": frames,
	}).Info("Probe finished")
	return nil
}

func fetchRestMid(ctx context.Context, c *hyperliquid.Client, market models.MarketInfo, log *logger.Log) *float64 {
	fetchCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	book, err := c.FetchBook(fetchCtx, market)
	if err != nil {
		log.WithComponent("wsprobe").WithError(err).Warn("REST book fetch failed")
		return nil
	}
	mid, _, _ := models.DeriveQuote(book.Bid, book.Ask)
	return mid
}

func printUpdate(u *hyperliquid.BookUpdate, restMid *float64) {
	age := time.Duration(time.Now().UnixMilli()-u.TimeMs) * time.Millisecond
	mid, spreadBps, crossed := models.DeriveQuote(u.Bid, u.Ask)

	line := fmt.Sprintf("%s t=%d age=%s bid=%s ask=%s mid=%s spread=%s",
		u.Coin, u.TimeMs, age.Round(time.Millisecond),
		fmtPx(u.Bid), fmtPx(u.Ask), fmtPx(mid), fmtBps(spreadBps))
	if crossed {
		line += " CROSSED"
	}
	if restMid != nil && mid != nil {
		diff := *mid - *restMid
		bps := 0.0
		if *restMid != 0 {
			bps = diff / *restMid * 10000
		}
		line += fmt.Sprintf(" | rest mid=%s ws-rest=%+.6g (%+.2f bps)", fmtPx(restMid), diff, bps)
	}
	fmt.Println(line)
}

func fmtPx(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func fmtBps(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2fbps", *v)
}
