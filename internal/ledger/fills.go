package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tessera/internal/domain"
	"tessera/internal/events"

	"github.com/shopspring/decimal"
)

// ApplyFill books an order result into the owning strategy's sub-account.
// The owner is located from the client order id tag. Application is
// idempotent per client order id: replaying a result already booked is a
// no-op, and repeated partials only book the delta beyond what was already
// applied, so at-least-once delivery never double-books.
func (l *Ledger) ApplyFill(ctx context.Context, clientOrderID string, res domain.OrderResult) error {
	strategyID, ok := domain.OwnerOf(clientOrderID)
	if !ok {
		return fmt.Errorf("client order id %q carries no strategy tag", clientOrderID)
	}
	acct, err := l.account(strategyID)
	if err != nil {
		return err
	}
	symbol := domain.NormalizeSymbol(res.Symbol)
	when := res.UpdatedAt
	if when.IsZero() {
		when = time.Now()
	}

	acct.mu.Lock()
	if acct.done[clientOrderID] {
		acct.mu.Unlock()
		return nil
	}

	appliedQty := acct.appliedQty[clientOrderID]
	appliedCost := acct.appliedCost[clientOrderID]
	deltaQty := res.FilledQty.Sub(appliedQty)
	// FilledAvgPrice covers the cumulative fill, so the cash delta is the
	// difference of cumulative costs, not deltaQty times the latest price.
	deltaCost := res.FilledQty.Mul(res.FilledAvgPrice).Sub(appliedCost)

	var filledEvent *events.Event
	if deltaQty.Sign() > 0 {
		switch res.Side {
		case domain.SideBuy:
			err = l.applyBuyLocked(acct, clientOrderID, symbol, deltaQty, deltaCost, when)
		case domain.SideSell:
			err = l.applySellLocked(acct, clientOrderID, symbol, deltaQty, deltaCost, when)
		default:
			err = fmt.Errorf("order %s has no side", clientOrderID)
		}
		if err != nil {
			acct.mu.Unlock()
			return err
		}
		acct.appliedQty[clientOrderID] = res.FilledQty
		acct.appliedCost[clientOrderID] = res.FilledQty.Mul(res.FilledAvgPrice)
		evt := events.New(events.TypeOrderFilled, strategyID, symbol, map[string]any{
			"client_order_id": clientOrderID,
			"order_id":        res.OrderID,
			"side":            string(res.Side),
			"status":          string(res.Status),
			"filled_qty":      res.FilledQty.String(),
			"avg_price":       res.FilledAvgPrice.String(),
		})
		filledEvent = &evt
	}

	if res.Status.Terminal() {
		if r, ok := acct.reservations[clientOrderID]; ok {
			l.releaseLocked(acct, r)
			delete(acct.reservations, clientOrderID)
		}
		acct.done[clientOrderID] = true
	}
	acct.mu.Unlock()

	if err := l.persistStrategy(ctx, strategyID); err != nil {
		return err
	}
	if filledEvent != nil {
		l.events.Publish(ctx, *filledEvent)
	}
	return nil
}

// applyBuyLocked converts reserved cash into a lot. Caller holds acct.mu.
func (l *Ledger) applyBuyLocked(acct *account, clientOrderID, symbol string, qty, cost decimal.Decimal, when time.Time) error {
	res, ok := acct.reservations[clientOrderID]
	if ok {
		consumed := decimal.Min(cost, res.Cash)
		res.Cash = res.Cash.Sub(consumed)
		acct.va.Reserved = acct.va.Reserved.Sub(consumed)
		if overrun := cost.Sub(consumed); overrun.Sign() > 0 {
			// Fill cost exceeded the reservation (price moved on a
			// quantity order). Draw the remainder from free cash; the
			// account may go negative and reconciliation will surface it.
			acct.va.Cash = acct.va.Cash.Sub(overrun)
		}
	} else {
		// Replay after restart with no surviving reservation.
		acct.va.Cash = acct.va.Cash.Sub(cost)
	}
	price := decimal.Zero
	if qty.Sign() > 0 {
		price = cost.Div(qty)
	}
	l.openLotLocked(acct, clientOrderID, symbol, qty, price, when)
	return nil
}

// openLotLocked creates a lot for the fill, or merges: further partials of
// one order always extend that order's lot; MergeSameDay additionally folds
// buys of the same strategy, symbol and UTC day together.
func (l *Ledger) openLotLocked(acct *account, clientOrderID, symbol string, qty, price decimal.Decimal, when time.Time) {
	var target *domain.Lot
	day := when.UTC().Truncate(24 * time.Hour)
	for _, lot := range acct.lots {
		if lot.Status != domain.LotStatusOpen || lot.Symbol != symbol {
			continue
		}
		if lot.SourceOrderID == clientOrderID {
			target = lot
			break
		}
		if l.opts.MergeSameDay && lot.OpenedAt.UTC().Truncate(24*time.Hour).Equal(day) {
			target = lot
		}
	}
	if target == nil {
		acct.lots = append(acct.lots, &domain.Lot{
			ID:            newEntryID(),
			StrategyID:    acct.va.StrategyID,
			Symbol:        symbol,
			Shares:        qty,
			CostBasis:     price,
			OpenedAt:      when,
			SourceOrderID: clientOrderID,
			Status:        domain.LotStatusOpen,
		})
		return
	}
	newShares := target.Shares.Add(qty)
	if newShares.Sign() > 0 {
		target.CostBasis = target.Shares.Mul(target.CostBasis).Add(qty.Mul(price)).Div(newShares)
	}
	target.Shares = newShares
}

// applySellLocked closes lots until the filled quantity is exhausted,
// recording realized P&L per closed lot. Caller holds acct.mu.
func (l *Ledger) applySellLocked(acct *account, clientOrderID, symbol string, qty, proceeds decimal.Decimal, when time.Time) error {
	open := make([]*domain.Lot, 0, len(acct.lots))
	for _, lot := range acct.lots {
		if lot.Status == domain.LotStatusOpen && lot.Symbol == symbol {
			open = append(open, lot)
		}
	}
	sortForMatch(open, l.opts.Match)

	price := decimal.Zero
	if qty.Sign() > 0 {
		price = proceeds.Div(qty)
	}
	remaining := qty
	for _, lot := range open {
		if remaining.Sign() <= 0 {
			break
		}
		take := decimal.Min(remaining, lot.Shares)
		cost := take.Mul(lot.CostBasis)
		sold := take.Mul(price)
		acct.realized = append(acct.realized, domain.RealizedPnL{
			ID:         newEntryID(),
			StrategyID: acct.va.StrategyID,
			Symbol:     symbol,
			LotID:      lot.ID,
			Shares:     take,
			Proceeds:   sold,
			CostBasis:  cost,
			PnL:        sold.Sub(cost),
			ClosedAt:   when,
		})
		acct.va.RealizedPnL = acct.va.RealizedPnL.Add(sold.Sub(cost))
		lot.Shares = lot.Shares.Sub(take)
		if lot.Shares.Sign() <= 0 {
			lot.Status = domain.LotStatusClosed
			lot.ClosedAt = when
		}
		remaining = remaining.Sub(take)
	}
	if remaining.Sign() > 0 {
		// Broker filled more than the ledger holds. Book what we can and
		// let reconciliation surface the difference.
		l.logf("sell overfill order=%s symbol=%s extra=%s", clientOrderID, symbol, remaining)
	}

	acct.va.Cash = acct.va.Cash.Add(proceeds)
	if res, ok := acct.reservations[clientOrderID]; ok && res.Side == domain.SideSell {
		consumed := decimal.Min(qty, res.Shares)
		res.Shares = res.Shares.Sub(consumed)
		left := acct.reservedShares[symbol].Sub(consumed)
		if left.Sign() <= 0 {
			delete(acct.reservedShares, symbol)
		} else {
			acct.reservedShares[symbol] = left
		}
	}
	return nil
}

func sortForMatch(lots []*domain.Lot, policy MatchPolicy) {
	switch policy {
	case MatchLIFO:
		sort.SliceStable(lots, func(i, j int) bool { return lots[i].OpenedAt.After(lots[j].OpenedAt) })
	case MatchHIFO:
		sort.SliceStable(lots, func(i, j int) bool { return lots[i].CostBasis.GreaterThan(lots[j].CostBasis) })
	default: // FIFO
		sort.SliceStable(lots, func(i, j int) bool { return lots[i].OpenedAt.Before(lots[j].OpenedAt) })
	}
}
