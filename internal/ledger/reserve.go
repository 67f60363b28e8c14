package ledger

import (
	"context"
	"fmt"
	"time"

	"tessera/internal/domain"

	"github.com/shopspring/decimal"
)

// Reservation earmarks cash (buy) or shares (sell) for one submission
// attempt, keyed by client order id.
type Reservation struct {
	ClientOrderID string          `json:"client_order_id"`
	StrategyID    string          `json:"strategy_id"`
	Symbol        string          `json:"symbol"`
	Side          domain.Side     `json:"side"`
	Cash          decimal.Decimal `json:"cash"`
	Shares        decimal.Decimal `json:"shares"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Reserve atomically earmarks the reservation's cash or shares. It fails
// with InsufficientBudgetError before any network call can happen.
func (l *Ledger) Reserve(ctx context.Context, res Reservation) error {
	if res.ClientOrderID == "" {
		return fmt.Errorf("reservation requires a client order id")
	}
	res.Symbol = domain.NormalizeSymbol(res.Symbol)
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now()
	}
	acct, err := l.account(res.StrategyID)
	if err != nil {
		return err
	}
	acct.mu.Lock()
	if _, dup := acct.reservations[res.ClientOrderID]; dup {
		acct.mu.Unlock()
		return fmt.Errorf("duplicate reservation for client order id %s", res.ClientOrderID)
	}
	switch res.Side {
	case domain.SideBuy:
		if res.Cash.Sign() <= 0 {
			acct.mu.Unlock()
			return fmt.Errorf("buy reservation requires positive cash")
		}
		if acct.va.Cash.LessThan(res.Cash) {
			avail := acct.va.Cash
			acct.mu.Unlock()
			return &domain.InsufficientBudgetError{
				StrategyID: res.StrategyID, Symbol: res.Symbol,
				Requested: res.Cash, Available: avail,
			}
		}
		acct.va.Cash = acct.va.Cash.Sub(res.Cash)
		acct.va.Reserved = acct.va.Reserved.Add(res.Cash)
	case domain.SideSell:
		if res.Shares.Sign() <= 0 {
			acct.mu.Unlock()
			return fmt.Errorf("sell reservation requires positive shares")
		}
		free := l.openSharesLocked(acct, res.Symbol).Sub(acct.reservedShares[res.Symbol])
		if free.LessThan(res.Shares) {
			acct.mu.Unlock()
			return &domain.InsufficientBudgetError{
				StrategyID: res.StrategyID, Symbol: res.Symbol,
				Requested: res.Shares, Available: free,
			}
		}
		acct.reservedShares[res.Symbol] = acct.reservedShares[res.Symbol].Add(res.Shares)
	default:
		acct.mu.Unlock()
		return fmt.Errorf("reservation side must be buy or sell")
	}
	cp := res
	acct.reservations[res.ClientOrderID] = &cp
	acct.mu.Unlock()
	return l.persistStrategy(ctx, res.StrategyID)
}

// Release returns an unconsumed reservation to the account, unchanged.
// Releasing an unknown or already-consumed id is a no-op.
func (l *Ledger) Release(ctx context.Context, clientOrderID string) error {
	strategyID, ok := domain.OwnerOf(clientOrderID)
	if !ok {
		return fmt.Errorf("client order id %q carries no strategy tag", clientOrderID)
	}
	acct, err := l.account(strategyID)
	if err != nil {
		return err
	}
	acct.mu.Lock()
	res, ok := acct.reservations[clientOrderID]
	if !ok {
		acct.mu.Unlock()
		return nil
	}
	l.releaseLocked(acct, res)
	delete(acct.reservations, clientOrderID)
	acct.mu.Unlock()
	l.logf("released reservation order=%s strategy=%s", clientOrderID, strategyID)
	return l.persistStrategy(ctx, strategyID)
}

// releaseLocked hands the remaining earmark back. Caller holds acct.mu.
func (l *Ledger) releaseLocked(acct *account, res *Reservation) {
	switch res.Side {
	case domain.SideBuy:
		if res.Cash.Sign() > 0 {
			acct.va.Reserved = acct.va.Reserved.Sub(res.Cash)
			acct.va.Cash = acct.va.Cash.Add(res.Cash)
		}
	case domain.SideSell:
		if res.Shares.Sign() > 0 {
			left := acct.reservedShares[res.Symbol].Sub(res.Shares)
			if left.Sign() <= 0 {
				delete(acct.reservedShares, res.Symbol)
			} else {
				acct.reservedShares[res.Symbol] = left
			}
		}
	}
}

// Reservation returns the outstanding reservation for a client order id.
func (l *Ledger) Reservation(clientOrderID string) (Reservation, bool) {
	strategyID, ok := domain.OwnerOf(clientOrderID)
	if !ok {
		return Reservation{}, false
	}
	acct, err := l.account(strategyID)
	if err != nil {
		return Reservation{}, false
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	res, ok := acct.reservations[clientOrderID]
	if !ok {
		return Reservation{}, false
	}
	return *res, true
}
