package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tessera/internal/broker"
	"tessera/internal/config"
	"tessera/internal/domain"
)

// Adapter implements the trading capability set against Alpaca.
type Adapter struct {
	client *Client
}

var _ broker.BrokerProvider = (*Adapter)(nil)

// NewFromConfig is the registry factory for the "alpaca" broker.
func NewFromConfig(cfg config.BrokerConfig, _ broker.Deps) (broker.BrokerProvider, error) {
	base := cfg.BaseURL
	if base == "" {
		if cfg.Paper {
			base = paperBaseURL
		} else {
			base = liveBaseURL
		}
	}
	client, err := NewClient(base, cfg.APIKey, cfg.APISecret, 0)
	if err != nil {
		return nil, err
	}
	return &Adapter{client: client}, nil
}

func New(client *Client) *Adapter { return &Adapter{client: client} }

func (a *Adapter) BrokerName() string { return "alpaca" }

func (a *Adapter) SupportsFractional() bool { return true }

func (a *Adapter) SupportedOrderTypes() []domain.OrderType {
	return []domain.OrderType{
		domain.OrderTypeMarket,
		domain.OrderTypeLimit,
		domain.OrderTypeStop,
		domain.OrderTypeStopLimit,
	}
}

func (a *Adapter) GetAccount(ctx context.Context) (domain.AccountInfo, error) {
	var raw []byte
	if err := a.client.doRequest(ctx, http.MethodGet, "/v2/account", nil, nil, &raw); err != nil {
		return domain.AccountInfo{}, err
	}
	return parseAccount(raw), nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	var raw []byte
	if err := a.client.doRequest(ctx, http.MethodGet, "/v2/positions", nil, nil, &raw); err != nil {
		return nil, err
	}
	return parsePositions(raw), nil
}

func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*domain.BrokerPosition, error) {
	symbol = domain.NormalizeSymbol(symbol)
	var raw []byte
	err := a.client.doRequest(ctx, http.MethodGet, "/v2/positions/"+url.PathEscape(symbol), nil, nil, &raw)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pos := parsePosition(raw)
	return &pos, nil
}

func (a *Adapter) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if !broker.SupportsOrderType(a, req.Type) {
		return domain.OrderResult{}, &domain.UnsupportedCapabilityError{Broker: a.BrokerName(), Capability: "order type " + string(req.Type)}
	}
	payload := map[string]any{
		"symbol":          domain.NormalizeSymbol(req.Symbol),
		"side":            string(req.Side),
		"type":            string(req.Type),
		"time_in_force":   string(req.TimeInForce),
		"client_order_id": req.ClientOrderID,
	}
	switch {
	case req.Notional.Sign() > 0:
		payload["notional"] = req.Notional.String()
	case req.Qty.Sign() > 0:
		payload["qty"] = req.Qty.String()
	default:
		return domain.OrderResult{}, fmt.Errorf("alpaca: order requires qty or notional")
	}
	if req.LimitPrice.Sign() > 0 {
		payload["limit_price"] = req.LimitPrice.String()
	}
	if req.StopPrice.Sign() > 0 {
		payload["stop_price"] = req.StopPrice.String()
	}
	var raw []byte
	if err := a.client.doRequest(ctx, http.MethodPost, "/v2/orders", nil, payload, &raw); err != nil {
		return domain.OrderResult{}, classifySubmitError(err)
	}
	return parseOrder(raw), nil
}

// classifySubmitError marks server-side failures on submission as
// outcome-unknown: a 502/503/504 from a gateway or proxy may have forwarded
// the order before failing, so the caller must run an existence check by
// client order id instead of treating the order as rejected.
func classifySubmitError(err error) error {
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %v", broker.ErrOutcomeUnknown, err)
	}
	return err
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	return a.client.doRequest(ctx, http.MethodDelete, "/v2/orders/"+url.PathEscape(orderID), nil, nil, nil)
}

func (a *Adapter) GetOrder(ctx context.Context, orderID string) (domain.OrderResult, error) {
	var raw []byte
	if err := a.client.doRequest(ctx, http.MethodGet, "/v2/orders/"+url.PathEscape(orderID), nil, nil, &raw); err != nil {
		return domain.OrderResult{}, err
	}
	return parseOrder(raw), nil
}

func (a *Adapter) GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.OrderResult, error) {
	q := url.Values{"client_order_id": []string{clientOrderID}}
	var raw []byte
	err := a.client.doRequest(ctx, http.MethodGet, "/v2/orders:by_client_order_id", q, nil, &raw)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	order := parseOrder(raw)
	return &order, nil
}

const listOrdersPageSize = 500

// ListOrders pages through /v2/orders until the broker runs out of rows or
// limit is reached; callers always get a complete result.
func (a *Adapter) ListOrders(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.OrderResult, error) {
	if limit <= 0 {
		limit = listOrdersPageSize
	}
	var out []domain.OrderResult
	until := time.Time{}
	for len(out) < limit {
		q := url.Values{
			"limit":     []string{strconv.Itoa(listOrdersPageSize)},
			"direction": []string{"desc"},
		}
		if status != "" {
			q.Set("status", apiOrderStatus(status))
		}
		if !until.IsZero() {
			q.Set("until", until.Format(time.RFC3339Nano))
		}
		var raw []byte
		if err := a.client.doRequest(ctx, http.MethodGet, "/v2/orders", q, nil, &raw); err != nil {
			return nil, err
		}
		page := parseOrders(raw)
		if len(page) == 0 {
			break
		}
		out = append(out, page...)
		if len(page) < listOrdersPageSize {
			break
		}
		until = page[len(page)-1].SubmittedAt
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (a *Adapter) GetClock(ctx context.Context) (domain.MarketClock, error) {
	var raw []byte
	if err := a.client.doRequest(ctx, http.MethodGet, "/v2/clock", nil, nil, &raw); err != nil {
		return domain.MarketClock{}, err
	}
	return parseClock(raw), nil
}
