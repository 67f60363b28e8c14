package alpaca

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tessera/internal/broker"
	"tessera/internal/config"
	"tessera/internal/domain"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// barsPageLimit is the per-call row cap; larger ranges paginate by
// next_page_token and concatenate.
const barsPageLimit = 1200

// DataAdapter implements market data and news against Alpaca's data API.
type DataAdapter struct {
	client *Client
}

var (
	_ broker.MarketDataProvider = (*DataAdapter)(nil)
	_ broker.NewsProvider       = (*DataAdapter)(nil)
)

// NewDataFromConfig is the registry factory for the "alpaca" data provider.
func NewDataFromConfig(cfg config.ProviderConfig, _ broker.Deps) (broker.MarketDataProvider, error) {
	return newData(cfg)
}

// NewNewsFromConfig is the registry factory for the "alpaca" news provider.
func NewNewsFromConfig(cfg config.ProviderConfig, _ broker.Deps) (broker.NewsProvider, error) {
	return newData(cfg)
}

func newData(cfg config.ProviderConfig) (*DataAdapter, error) {
	base := cfg.BaseURL
	if base == "" {
		base = dataBaseURL
	}
	client, err := NewClient(base, cfg.APIKey, cfg.APISecret, 0)
	if err != nil {
		return nil, err
	}
	return &DataAdapter{client: client}, nil
}

func NewData(client *Client) *DataAdapter { return &DataAdapter{client: client} }

func (d *DataAdapter) ProviderName() string { return "alpaca" }

func (d *DataAdapter) GetBars(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]domain.Bar, error) {
	symbol = domain.NormalizeSymbol(symbol)
	var all []domain.Bar
	pageToken := ""
	for {
		q := url.Values{
			"timeframe":  []string{timeframe},
			"start":      []string{start.UTC().Format(time.RFC3339)},
			"end":        []string{end.UTC().Format(time.RFC3339)},
			"limit":      []string{strconv.Itoa(barsPageLimit)},
			"adjustment": []string{"raw"},
		}
		if pageToken != "" {
			q.Set("page_token", pageToken)
		}
		var raw []byte
		if err := d.client.doRequest(ctx, http.MethodGet, "/v2/stocks/"+url.PathEscape(symbol)+"/bars", q, nil, &raw); err != nil {
			return nil, err
		}
		page, next := parseBars(symbol, raw)
		all = append(all, page...)
		if next == "" {
			break
		}
		pageToken = next
	}
	return broker.CleanSeries(all), nil
}

// GetBarsMulti fans requests out with a bounded group so one slow symbol
// does not serialize the rest.
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

func (d *DataAdapter) Supported() bool { return true }

func (d *DataAdapter) GetNews(ctx context.Context, symbol string, limit int) ([]domain.NewsItem, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	q := url.Values{
		"symbols": []string{domain.NormalizeSymbol(symbol)},
		"limit":   []string{strconv.Itoa(limit)},
	}
	var raw []byte
	if err := d.client.doRequest(ctx, http.MethodGet, "/v1beta1/news", q, nil, &raw); err != nil {
		return nil, err
	}
	items := gjson.GetBytes(raw, "news").Array()
	out := make([]domain.NewsItem, 0, len(items))
	for _, item := range items {
		out = append(out, domain.NewsItem{
			Symbol:      domain.NormalizeSymbol(symbol),
			Headline:    item.Get("headline").String(),
			URL:         item.Get("url").String(),
			PublishedAt: ts(item.Get("created_at")),
		})
	}
	return out, nil
}
