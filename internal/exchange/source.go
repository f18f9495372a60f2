package exchange

import (
	"context"

	"hyperflow/models"
)

// Universe is one venue snapshot of the tradeable markets of a kind,
// together with the per-market metrics the venue reports alongside them.
// Metrics are keyed by symbol_raw.
type Universe struct {
	Markets []models.MarketInfo
	Metrics map[string]models.MarketMetrics
}

// Source supplies universe snapshots and L1 books for one venue. Metric
// holes (a market with no open interest, a spot pair with no spread) are
// normal; implementations return what the venue offers and nothing more.
type Source interface {
	Name() string
	FetchSpotUniverse(ctx context.Context) (*Universe, error)
	FetchPerpUniverse(ctx context.Context) (*Universe, error)
	FetchBook(ctx context.Context, market models.MarketInfo) (models.BookSnapshot, error)
}
