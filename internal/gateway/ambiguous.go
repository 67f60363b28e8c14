package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"tessera/internal/broker"
	"tessera/internal/logger"
)

// isIndeterminate classifies a submission error. Errors raised before the
// request could have left the process (rejections, capability errors, rate
// limit exhaustion on 429 responses) are definite: the broker answered, the
// order does not exist. Timeouts, severed connections and server-side 5xx
// responses are indeterminate: the request may have been accepted without us
// seeing the response. The adapters wrap submit-path 5xx responses in
// broker.ErrOutcomeUnknown because a 502/504 from a proxy may have forwarded
// the order before failing.
func isIndeterminate(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, broker.ErrOutcomeUnknown) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

func blockKey(strategyID, symbol string) string { return strategyID + "|" + symbol }

func (g *Gateway) block(strategyID, symbol, clientOrderID string, cause error) {
	g.mu.Lock()
	g.blocked[blockKey(strategyID, symbol)] = &pendingOutcome{
		ClientOrderID: clientOrderID,
		StrategyID:    strategyID,
		Symbol:        symbol,
		Cause:         cause,
		At:            time.Now(),
	}
	g.mu.Unlock()
}

func (g *Gateway) pendingFor(strategyID, symbol string) *pendingOutcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked[blockKey(strategyID, symbol)]
}

// Pending lists every unresolved submission attempt.
func (g *Gateway) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.blocked))
	for _, p := range g.blocked {
		out = append(out, p.ClientOrderID)
	}
	return out
}

// ResolveAmbiguous runs the existence check for every blocked pair. The
// client order id is the ground truth: if the broker knows the id, the order
// was accepted and its state is booked; if not, the submission never landed
// and the reservation is released. Either way the pair is unblocked.
func (g *Gateway) ResolveAmbiguous(ctx context.Context) error {
	g.mu.Lock()
	snapshot := make([]*pendingOutcome, 0, len(g.blocked))
	for _, p := range g.blocked {
		snapshot = append(snapshot, p)
	}
	g.mu.Unlock()

	var firstErr error
	for _, p := range snapshot {
		order, err := g.broker.GetOrderByClientID(ctx, p.ClientOrderID)
		if err != nil {
			// Still cannot tell; the pair stays blocked for the next sweep.
			if firstErr == nil {
				firstErr = fmt.Errorf("resolving order %s: %w", p.ClientOrderID, err)
			}
			continue
		}
		if order == nil {
			if err := g.ledger.Release(ctx, p.ClientOrderID); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			logger.Infof("order %s never reached the broker, reservation released", p.ClientOrderID)
		} else {
			if err := g.ledger.ApplyFill(ctx, p.ClientOrderID, *order); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if !order.Status.Terminal() {
				g.track(p.ClientOrderID, order.OrderID, p.StrategyID, p.Symbol)
			}
			logger.Infof("order %s found at the broker (status=%s), booked", p.ClientOrderID, order.Status)
		}
		g.mu.Lock()
		delete(g.blocked, blockKey(p.StrategyID, p.Symbol))
		g.mu.Unlock()
	}
	return firstErr
}
