// Package mock provides an in-memory broker backend for tests and dry runs.
// Every call is scriptable through function hooks; unscripted calls fall back
// to deterministic defaults (orders fill immediately at the scripted price).
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tessera/internal/broker"
	"tessera/internal/config"
	"tessera/internal/domain"

	"github.com/shopspring/decimal"
)

// Broker implements the trading and market-data capability sets against
// in-memory state. Safe for concurrent use.
type Broker struct {
	mu sync.Mutex

	Fractional bool
	OrderTypes []domain.OrderType

	Account   domain.AccountInfo
	Positions []domain.BrokerPosition
	Clock     domain.MarketClock
	// Prices drives immediate fills: symbol -> fill price. Symbols without
	// an entry fill at 100.
	Prices map[string]decimal.Decimal
	// Bars scripts market data responses per symbol.
	Bars map[string][]domain.Bar
	// Instruments scripts the lookup used by the resolver tests.
	Instruments map[string]string

	// Hooks override the default behavior when non-nil.
	SubmitFn           func(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)
	GetOrderByClientFn func(ctx context.Context, clientOrderID string) (*domain.OrderResult, error)
	GetPositionsFn     func(ctx context.Context) ([]domain.BrokerPosition, error)
	GetAccountFn       func(ctx context.Context) (domain.AccountInfo, error)
	LookupFn           func(ctx context.Context, symbol, category string) (string, error)

	// Call counters, readable without the lock.
	SubmitCalls       atomic.Int64
	CancelCalls       atomic.Int64
	GetOrderCalls     atomic.Int64
	ByClientIDCalls   atomic.Int64
	ListOrdersCalls   atomic.Int64
	GetPositionsCalls atomic.Int64
	GetAccountCalls   atomic.Int64
	GetBarsCalls      atomic.Int64
	LookupCalls       atomic.Int64

	orders     map[string]domain.OrderResult
	byClientID map[string]string
	seq        int64
}

var (
	_ broker.BrokerProvider     = (*Broker)(nil)
	_ broker.MarketDataProvider = (*Broker)(nil)
)

func New() *Broker {
	return &Broker{
		Fractional: true,
		OrderTypes: []domain.OrderType{domain.OrderTypeMarket, domain.OrderTypeLimit, domain.OrderTypeStop, domain.OrderTypeStopLimit},
		Account: domain.AccountInfo{
			AccountID: "mock-account",
			Cash:      decimal.NewFromInt(100000),
			Currency:  "USD",
		},
		Clock:       domain.MarketClock{IsOpen: true, Timestamp: time.Now()},
		Prices:      make(map[string]decimal.Decimal),
		Bars:        make(map[string][]domain.Bar),
		Instruments: make(map[string]string),
		orders:      make(map[string]domain.OrderResult),
		byClientID:  make(map[string]string),
	}
}

// NewFromConfig is the registry factory for the "mock" broker.
func NewFromConfig(_ config.BrokerConfig, _ broker.Deps) (broker.BrokerProvider, error) {
	return New(), nil
}

// NewDataFromConfig is the registry factory for the "mock" data provider.
func NewDataFromConfig(_ config.ProviderConfig, _ broker.Deps) (broker.MarketDataProvider, error) {
	return New(), nil
}

func (b *Broker) BrokerName() string       { return "mock" }
func (b *Broker) ProviderName() string     { return "mock" }
func (b *Broker) SupportsFractional() bool { return b.Fractional }

func (b *Broker) SupportedOrderTypes() []domain.OrderType {
	out := make([]domain.OrderType, len(b.OrderTypes))
	copy(out, b.OrderTypes)
	return out
}

func (b *Broker) GetAccount(ctx context.Context) (domain.AccountInfo, error) {
	b.GetAccountCalls.Add(1)
	if b.GetAccountFn != nil {
		return b.GetAccountFn(ctx)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Account, nil
}

func (b *Broker) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	b.GetPositionsCalls.Add(1)
	if b.GetPositionsFn != nil {
		return b.GetPositionsFn(ctx)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.BrokerPosition, len(b.Positions))
	copy(out, b.Positions)
	return out, nil
}

func (b *Broker) GetPosition(ctx context.Context, symbol string) (*domain.BrokerPosition, error) {
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	symbol = domain.NormalizeSymbol(symbol)
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// SetPosition replaces the scripted position for a symbol.
func (b *Broker) SetPosition(symbol string, qty decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	symbol = domain.NormalizeSymbol(symbol)
	for i := range b.Positions {
		if b.Positions[i].Symbol == symbol {
			b.Positions[i].Qty = qty
			return
		}
	}
	b.Positions = append(b.Positions, domain.BrokerPosition{Symbol: symbol, Qty: qty, Side: "long"})
}

func (b *Broker) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	b.SubmitCalls.Add(1)
	if b.SubmitFn != nil {
		result, err := b.SubmitFn(ctx, req)
		if err == nil {
			b.record(result)
		}
		return result, err
	}
	if !broker.SupportsOrderType(b, req.Type) {
		return domain.OrderResult{}, &domain.UnsupportedCapabilityError{Broker: "mock", Capability: "order type " + string(req.Type)}
	}
	if !b.Fractional && req.Notional.Sign() > 0 {
		return domain.OrderResult{}, &domain.UnsupportedCapabilityError{Broker: "mock", Capability: "notional orders"}
	}

	b.mu.Lock()
	b.seq++
	orderID := fmt.Sprintf("mock-%d", b.seq)
	price := b.Prices[domain.NormalizeSymbol(req.Symbol)]
	b.mu.Unlock()
	if price.Sign() <= 0 {
		price = decimal.NewFromInt(100)
	}

	qty := req.Qty
	if qty.Sign() <= 0 && req.Notional.Sign() > 0 {
		qty = req.Notional.Div(price)
	}
	now := time.Now()
	result := domain.OrderResult{
		OrderID:        orderID,
		ClientOrderID:  req.ClientOrderID,
		Symbol:         domain.NormalizeSymbol(req.Symbol),
		Side:           req.Side,
		Status:         domain.OrderStatusFilled,
		FilledQty:      qty,
		FilledAvgPrice: price,
		SubmittedAt:    now,
		UpdatedAt:      now,
	}
	b.record(result)
	return result, nil
}

// Record injects or overwrites a stored order, so tests can script state
// transitions between polls.
func (b *Broker) Record(result domain.OrderResult) { b.record(result) }

func (b *Broker) record(result domain.OrderResult) {
	if result.OrderID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders[result.OrderID] = result
	if result.ClientOrderID != "" {
		b.byClientID[result.ClientOrderID] = result.OrderID
	}
}

func (b *Broker) CancelOrder(_ context.Context, orderID string) error {
	b.CancelCalls.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("mock: unknown order %s", orderID)
	}
	if !order.Status.Terminal() {
		order.Status = domain.OrderStatusCancelled
		order.UpdatedAt = time.Now()
		b.orders[orderID] = order
	}
	return nil
}

func (b *Broker) GetOrder(_ context.Context, orderID string) (domain.OrderResult, error) {
	b.GetOrderCalls.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[orderID]
	if !ok {
		return domain.OrderResult{}, fmt.Errorf("mock: unknown order %s", orderID)
	}
	return order, nil
}

func (b *Broker) GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.OrderResult, error) {
	b.ByClientIDCalls.Add(1)
	if b.GetOrderByClientFn != nil {
		return b.GetOrderByClientFn(ctx, clientOrderID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	orderID, ok := b.byClientID[clientOrderID]
	if !ok {
		return nil, nil
	}
	order := b.orders[orderID]
	return &order, nil
}

func (b *Broker) ListOrders(_ context.Context, status domain.OrderStatus, limit int) ([]domain.OrderResult, error) {
	b.ListOrdersCalls.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.OrderResult
	for _, order := range b.orders {
		if status != "" && order.Status != status {
			continue
		}
		out = append(out, order)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (b *Broker) GetClock(_ context.Context) (domain.MarketClock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Clock, nil
}

func (b *Broker) GetBars(_ context.Context, symbol, _ string, start, end time.Time) ([]domain.Bar, error) {
	b.GetBarsCalls.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Bar
	for _, bar := range b.Bars[domain.NormalizeSymbol(symbol)] {
		if bar.Timestamp.Before(start) || bar.Timestamp.After(end) {
			continue
		}
		out = append(out, bar)
	}
	return broker.CleanSeries(out), nil
}

func (b *Broker) GetBarsMulti(ctx context.Context, symbols []string, timeframe string, start, end time.Time) (map[string][]domain.Bar, error) {
	out := make(map[string][]domain.Bar, len(symbols))
	for _, symbol := range symbols {
		bars, err := b.GetBars(ctx, symbol, timeframe, start, end)
		if err != nil {
			return nil, err
		}
		out[domain.NormalizeSymbol(symbol)] = bars
	}
	return out, nil
}

// LookupInstrument implements instrument.Lookup against the Instruments map.
func (b *Broker) LookupInstrument(ctx context.Context, symbol, category string) (string, error) {
	b.LookupCalls.Add(1)
	if b.LookupFn != nil {
		return b.LookupFn(ctx, symbol, category)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.Instruments[domain.NormalizeSymbol(symbol)]
	if !ok {
		return "", fmt.Errorf("no instrument for %s", symbol)
	}
	return id, nil
}
