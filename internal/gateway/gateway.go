// Package gateway is the only path from a trading decision to the broker.
// It enforces budget reservation before submission, tags every order with an
// owner-bearing client order id, and guarantees at-most-once submission:
// an attempt whose outcome is unknown blocks further orders for that
// strategy/symbol until an existence check settles it.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tessera/internal/broker"
	"tessera/internal/domain"
	"tessera/internal/events"
	"tessera/internal/ledger"
	"tessera/internal/logger"
	"tessera/internal/pkg/circuit"
)

type Gateway struct {
	broker  broker.BrokerProvider
	ledger  *ledger.Ledger
	breaker *circuit.Breaker
	events  events.Publisher

	recentWindow time.Duration

	mu      sync.Mutex
	blocked map[string]*pendingOutcome // strategy|symbol -> unresolved attempt
	open    map[string]trackedOrder    // client order id -> order still working
	recent  map[string]time.Time       // symbol -> last submission time
}

// pendingOutcome is one submission attempt whose fate is unknown.
type pendingOutcome struct {
	ClientOrderID string
	StrategyID    string
	Symbol        string
	Cause         error
	At            time.Time
}

type trackedOrder struct {
	OrderID    string
	StrategyID string
	Symbol     string
}

type Options struct {
	// RecentWindow bounds how long a submitted symbol stays excluded from
	// reconciliation after its last submission.
	RecentWindow time.Duration
	Events       events.Publisher
	Breaker      *circuit.Breaker
}

func New(b broker.BrokerProvider, l *ledger.Ledger, opts Options) *Gateway {
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = 2 * time.Minute
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Breaker == nil {
		opts.Breaker = circuit.NewBreaker("trading", 3, 0)
	}
	return &Gateway{
		broker:       b,
		ledger:       l,
		breaker:      opts.Breaker,
		events:       opts.Events,
		recentWindow: opts.RecentWindow,
		blocked:      make(map[string]*pendingOutcome),
		open:         make(map[string]trackedOrder),
		recent:       make(map[string]time.Time),
	}
}

// Breaker exposes the halt breaker shared with reconciliation.
func (g *Gateway) Breaker() *circuit.Breaker { return g.breaker }

// Submit runs the full submission path: halt gate, ambiguity gate,
// capability checks, reservation, then exactly one broker call. Any definite
// failure after the reservation releases it; an indeterminate failure keeps
// the reservation and blocks the strategy/symbol pair instead.
func (g *Gateway) Submit(ctx context.Context, strategyID string, intent Intent) (domain.OrderResult, error) {
	symbol := domain.NormalizeSymbol(intent.Symbol)
	if !g.breaker.Allow() {
		return domain.OrderResult{}, &domain.TradingHaltedError{Reason: "unresolved reconciliation drift"}
	}
	if pending := g.pendingFor(strategyID, symbol); pending != nil {
		return domain.OrderResult{}, &domain.AmbiguousOrderOutcomeError{
			ClientOrderID: pending.ClientOrderID,
			Symbol:        symbol,
			Err:           fmt.Errorf("previous attempt unresolved since %s", pending.At.Format(time.RFC3339)),
		}
	}

	// Capability checks run before any budget is touched.
	if !broker.SupportsOrderType(g.broker, intent.Type) {
		return domain.OrderResult{}, &domain.UnsupportedCapabilityError{
			Broker: g.broker.BrokerName(), Capability: "order type " + string(intent.Type),
		}
	}
	if !g.broker.SupportsFractional() {
		if intent.Qty.Sign() > 0 && !intent.Qty.Equal(intent.Qty.Truncate(0)) {
			return domain.OrderResult{}, &domain.UnsupportedCapabilityError{
				Broker: g.broker.BrokerName(), Capability: "fractional shares",
			}
		}
		if intent.Notional.Sign() > 0 {
			return domain.OrderResult{}, &domain.UnsupportedCapabilityError{
				Broker: g.broker.BrokerName(), Capability: "notional orders",
			}
		}
	}

	reservation, err := g.reservationFor(strategyID, symbol, intent)
	if err != nil {
		return domain.OrderResult{}, err
	}
	clientOrderID := domain.NewClientOrderID(strategyID)
	reservation.ClientOrderID = clientOrderID
	if err := g.ledger.Reserve(ctx, reservation); err != nil {
		return domain.OrderResult{}, err
	}

	g.markRecent(symbol)
	result, err := g.broker.SubmitOrder(ctx, domain.OrderRequest{
		Symbol:        symbol,
		Side:          intent.Side,
		Qty:           intent.Qty,
		Notional:      intent.Notional,
		Type:          intent.Type,
		TimeInForce:   intent.TimeInForce,
		LimitPrice:    intent.LimitPrice,
		StopPrice:     intent.StopPrice,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		if isIndeterminate(err) {
			g.block(strategyID, symbol, clientOrderID, err)
			logger.Warnf("order %s outcome unknown, blocking %s/%s until resolved: %v",
				clientOrderID, strategyID, symbol, err)
			return domain.OrderResult{}, &domain.AmbiguousOrderOutcomeError{
				ClientOrderID: clientOrderID, Symbol: symbol, Err: err,
			}
		}
		// Definite rejection: the order never existed, hand the budget back.
		if relErr := g.ledger.Release(ctx, clientOrderID); relErr != nil {
			logger.Errorf("releasing reservation %s after rejection: %v", clientOrderID, relErr)
		}
		return domain.OrderResult{}, err
	}

	g.events.Publish(ctx, events.New(events.TypeOrderSubmitted, strategyID, symbol, map[string]any{
		"client_order_id": clientOrderID,
		"order_id":        result.OrderID,
		"side":            string(intent.Side),
		"type":            string(intent.Type),
	}))
	if err := g.ledger.ApplyFill(ctx, clientOrderID, result); err != nil {
		// The order is live at the broker even though booking failed; keep it
		// tracked so the poll loop retries the booking and the reservation is
		// eventually settled.
		g.track(clientOrderID, result.OrderID, strategyID, symbol)
		return result, fmt.Errorf("order %s submitted but booking failed: %w", clientOrderID, err)
	}
	if !result.Status.Terminal() {
		g.track(clientOrderID, result.OrderID, strategyID, symbol)
	}
	return result, nil
}

// reservationFor sizes the budget earmark. Buys reserve cash, so a market
// buy must be notional; a quantity buy needs a limit price to bound its cost.
// Sells reserve shares.
func (g *Gateway) reservationFor(strategyID, symbol string, intent Intent) (ledger.Reservation, error) {
	res := ledger.Reservation{
		StrategyID: strategyID,
		Symbol:     symbol,
		Side:       intent.Side,
	}
	switch intent.Side {
	case domain.SideBuy:
		switch {
		case intent.Notional.Sign() > 0:
			res.Cash = intent.Notional
		case intent.Qty.Sign() > 0 && intent.LimitPrice.Sign() > 0:
			res.Cash = intent.Qty.Mul(intent.LimitPrice)
		default:
			return ledger.Reservation{}, fmt.Errorf("buy intent for %s needs a notional amount or a quantity with limit price", symbol)
		}
	case domain.SideSell:
		if intent.Qty.Sign() <= 0 {
			return ledger.Reservation{}, fmt.Errorf("sell intent for %s needs a positive quantity", symbol)
		}
		res.Shares = intent.Qty
	default:
		return ledger.Reservation{}, fmt.Errorf("intent side must be buy or sell")
	}
	return res, nil
}

func (g *Gateway) track(clientOrderID, orderID, strategyID, symbol string) {
	g.mu.Lock()
	g.open[clientOrderID] = trackedOrder{OrderID: orderID, StrategyID: strategyID, Symbol: symbol}
	g.mu.Unlock()
}

func (g *Gateway) markRecent(symbol string) {
	g.mu.Lock()
	g.recent[symbol] = time.Now()
	g.mu.Unlock()
}

// RecentSymbols lists symbols with a submission inside the exclusion window
// or an order still open or unresolved. Reconciliation skips these so
// in-flight fills are not misread as drift.
func (g *Gateway) RecentSymbols() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := time.Now().Add(-g.recentWindow)
	seen := make(map[string]struct{})
	for symbol, at := range g.recent {
		if at.After(cutoff) {
			seen[symbol] = struct{}{}
		} else {
			delete(g.recent, symbol)
		}
	}
	for _, t := range g.open {
		seen[t.Symbol] = struct{}{}
	}
	for _, p := range g.blocked {
		seen[p.Symbol] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for symbol := range seen {
		out = append(out, symbol)
	}
	return out
}

// OpenOrders returns the client order ids still being tracked.
func (g *Gateway) OpenOrders() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.open))
	for id := range g.open {
		out = append(out, id)
	}
	return out
}

// PollOpenOrders refreshes every tracked open order and books progress into
// the ledger. Terminal orders leave the tracking set.
func (g *Gateway) PollOpenOrders(ctx context.Context) error {
	g.mu.Lock()
	snapshot := make(map[string]trackedOrder, len(g.open))
	for id, t := range g.open {
		snapshot[id] = t
	}
	g.mu.Unlock()

	var firstErr error
	for clientOrderID, t := range snapshot {
		result, err := g.broker.GetOrder(ctx, t.OrderID)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("polling order %s: %w", t.OrderID, err)
			}
			continue
		}
		if err := g.ledger.ApplyFill(ctx, clientOrderID, result); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if result.Status.Terminal() {
			g.mu.Lock()
			delete(g.open, clientOrderID)
			g.mu.Unlock()
		} else {
			g.markRecent(t.Symbol)
		}
	}
	return firstErr
}
