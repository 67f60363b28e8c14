package webull

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"tessera/internal/broker"
	"tessera/internal/config"
	"tessera/internal/domain"
	"tessera/internal/instrument"
)

// Adapter implements the trading capability set against Webull. Whole
// shares only, market and limit orders only.
type Adapter struct {
	client   *Client
	resolver *instrument.Resolver
}

var _ broker.BrokerProvider = (*Adapter)(nil)

// NewFromConfig is the registry factory for the "webull" broker. The
// instrument resolver is built here, backed by the shared store and this
// client's ticker search.
func NewFromConfig(cfg config.BrokerConfig, deps broker.Deps) (broker.BrokerProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("webull: broker.base_url is required")
	}
	client, err := NewClient(cfg.BaseURL, cfg.APIKey, cfg.APISecret, 0)
	if err != nil {
		return nil, err
	}
	resolver := instrument.NewResolver("webull", deps.Store, client)
	return &Adapter{client: client, resolver: resolver}, nil
}

func New(client *Client, resolver *instrument.Resolver) *Adapter {
	return &Adapter{client: client, resolver: resolver}
}

// Resolver exposes the instrument cache for explicit invalidation.
func (a *Adapter) Resolver() *instrument.Resolver { return a.resolver }

func (a *Adapter) BrokerName() string { return "webull" }

func (a *Adapter) SupportsFractional() bool { return false }

func (a *Adapter) SupportedOrderTypes() []domain.OrderType {
	return []domain.OrderType{domain.OrderTypeMarket, domain.OrderTypeLimit}
}

func (a *Adapter) GetAccount(ctx context.Context) (domain.AccountInfo, error) {
	raw, err := a.client.doRequest(ctx, http.MethodGet, "/api/account", nil, nil)
	if err != nil {
		return domain.AccountInfo{}, err
	}
	return parseAccount(raw), nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	raw, err := a.client.doRequest(ctx, http.MethodGet, "/api/positions", nil, nil)
	if err != nil {
		return nil, err
	}
	return parsePositions(raw), nil
}

func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*domain.BrokerPosition, error) {
	tickerID, err := a.resolver.Resolve(ctx, symbol, "")
	if err != nil {
		return nil, err
	}
	raw, err := a.client.doRequest(ctx, http.MethodGet, "/api/positions/"+url.PathEscape(tickerID), nil, nil)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pos := parsePosition(raw)
	if pos.Symbol == "" {
		pos.Symbol = domain.NormalizeSymbol(symbol)
	}
	return &pos, nil
}

func (a *Adapter) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	// Capability checks run before the resolver or the network is touched.
	if !broker.SupportsOrderType(a, req.Type) {
		return domain.OrderResult{}, &domain.UnsupportedCapabilityError{Broker: a.BrokerName(), Capability: "order type " + string(req.Type)}
	}
	if req.Notional.Sign() > 0 {
		return domain.OrderResult{}, &domain.UnsupportedCapabilityError{Broker: a.BrokerName(), Capability: "notional orders"}
	}
	if !req.Qty.Equal(req.Qty.Truncate(0)) {
		return domain.OrderResult{}, &domain.UnsupportedCapabilityError{Broker: a.BrokerName(), Capability: "fractional shares"}
	}
	if req.Qty.Sign() <= 0 {
		return domain.OrderResult{}, fmt.Errorf("webull: order requires a positive quantity")
	}
	tickerID, err := a.resolver.Resolve(ctx, req.Symbol, "")
	if err != nil {
		return domain.OrderResult{}, err
	}
	payload := map[string]any{
		"tickerId":      tickerID,
		"action":        apiSide(req.Side),
		"orderType":     apiOrderType(req.Type),
		"timeInForce":   apiTIF(req.TimeInForce),
		"quantity":      req.Qty.IntPart(),
		"clientOrderId": req.ClientOrderID,
	}
	if req.LimitPrice.Sign() > 0 {
		payload["lmtPrice"] = req.LimitPrice.String()
	}
	raw, err := a.client.doRequest(ctx, http.MethodPost, "/api/orders", nil, payload)
	if err != nil {
		return domain.OrderResult{}, classifySubmitError(err)
	}
	result := parseOrder(raw)
	if result.Symbol == "" {
		result.Symbol = domain.NormalizeSymbol(req.Symbol)
	}
	if result.ClientOrderID == "" {
		result.ClientOrderID = req.ClientOrderID
	}
	return result, nil
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
	_, err := a.client.doRequest(ctx, http.MethodDelete, "/api/orders/"+url.PathEscape(orderID), nil, nil)
	return err
}

func (a *Adapter) GetOrder(ctx context.Context, orderID string) (domain.OrderResult, error) {
	raw, err := a.client.doRequest(ctx, http.MethodGet, "/api/orders/"+url.PathEscape(orderID), nil, nil)
	if err != nil {
		return domain.OrderResult{}, err
	}
	return parseOrder(raw), nil
}

func (a *Adapter) GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.OrderResult, error) {
	raw, err := a.client.doRequest(ctx, http.MethodGet, "/api/orders/by-client-id/"+url.PathEscape(clientOrderID), nil, nil)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	order := parseOrder(raw)
	return &order, nil
}

const listOrdersPageSize = 100

// ListOrders walks the cursor pagination until exhausted so callers never
// see a partial page.
func (a *Adapter) ListOrders(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.OrderResult, error) {
	if limit <= 0 {
		limit = listOrdersPageSize
	}
	var out []domain.OrderResult
	lastID := ""
	for len(out) < limit {
		q := url.Values{"pageSize": []string{strconv.Itoa(listOrdersPageSize)}}
		if status != "" {
			q.Set("status", apiOrderStatus(status))
		}
		if lastID != "" {
			q.Set("lastId", lastID)
		}
		raw, err := a.client.doRequest(ctx, http.MethodGet, "/api/orders", q, nil)
		if err != nil {
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
		lastID = page[len(page)-1].OrderID
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (a *Adapter) GetClock(ctx context.Context) (domain.MarketClock, error) {
	raw, err := a.client.doRequest(ctx, http.MethodGet, "/api/market/clock", nil, nil)
	if err != nil {
		return domain.MarketClock{}, err
	}
	return parseClock(raw), nil
}
