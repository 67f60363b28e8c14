package webull

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tessera/internal/broker"
	"tessera/internal/config"
	"tessera/internal/domain"
	"tessera/internal/instrument"

	"golang.org/x/sync/errgroup"
)

// klinePageLimit is the backend's fixed per-call row cap. Ranges needing
// more rows walk backwards page by page and concatenate.
const klinePageLimit = 800

// DataAdapter implements market data against Webull's kline endpoint.
type DataAdapter struct {
	client   *Client
	resolver *instrument.Resolver
}

var _ broker.MarketDataProvider = (*DataAdapter)(nil)

// NewDataFromConfig is the registry factory for the "webull" data provider.
func NewDataFromConfig(cfg config.ProviderConfig, deps broker.Deps) (broker.MarketDataProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("webull: data base_url is required")
	}
	client, err := NewClient(cfg.BaseURL, cfg.APIKey, cfg.APISecret, 0)
	if err != nil {
		return nil, err
	}
	return &DataAdapter{
		client:   client,
		resolver: instrument.NewResolver("webull", deps.Store, client),
	}, nil
}

func NewData(client *Client, resolver *instrument.Resolver) *DataAdapter {
	return &DataAdapter{client: client, resolver: resolver}
}

func (d *DataAdapter) ProviderName() string { return "webull" }

func (d *DataAdapter) GetBars(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]domain.Bar, error) {
	symbol = domain.NormalizeSymbol(symbol)
	tickerID, err := d.resolver.Resolve(ctx, symbol, "")
	if err != nil {
		return nil, err
	}
	var all []domain.Bar
	cursor := end
	for {
		q := url.Values{
			"interval": []string{timeframe},
			"count":    []string{strconv.Itoa(klinePageLimit)},
			"end":      []string{strconv.FormatInt(cursor.UnixMilli(), 10)},
		}
		raw, err := d.client.doRequest(ctx, http.MethodGet, "/api/quotes/"+url.PathEscape(tickerID)+"/kline", q, nil)
		if err != nil {
			return nil, err
		}
		page := parseKlines(symbol, raw)
		if len(page) == 0 {
			break
		}
		oldest := page[0].Timestamp
		for _, b := range page {
			if b.Timestamp.Before(oldest) {
				oldest = b.Timestamp
			}
			if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
				all = append(all, b)
			}
		}
		if len(page) < klinePageLimit || !oldest.After(start) {
			break
		}
		cursor = oldest.Add(-time.Millisecond)
	}
	return broker.CleanSeries(all), nil
}

func (d *DataAdapter) GetBarsMulti(ctx context.Context, symbols []string, timeframe string, start, end time.Time) (map[string][]domain.Bar, error) {
	out := make(map[string][]domain.Bar, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	results := make([][]domain.Bar, len(symbols))
	for i, symbol := range symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			bars, err := d.GetBars(gctx, symbol, timeframe, start, end)
			if err != nil {
				return err
			}
			results[i] = bars
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, symbol := range symbols {
		out[domain.NormalizeSymbol(symbol)] = results[i]
	}
	return out, nil
}
