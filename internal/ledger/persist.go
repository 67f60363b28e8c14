package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"tessera/internal/domain"
	"tessera/internal/logger"

	"github.com/shopspring/decimal"
)

const (
	poolKey        = "ledger/pool"
	strategyPrefix = "ledger/strategy/"
)

type strategyState struct {
	Account        domain.VirtualAccount      `json:"account"`
	Lots           []domain.Lot               `json:"lots"`
	Reservations   map[string]Reservation     `json:"reservations"`
	ReservedShares map[string]decimal.Decimal `json:"reserved_shares"`
	AppliedQty     map[string]decimal.Decimal `json:"applied_qty"`
	AppliedCost    map[string]decimal.Decimal `json:"applied_cost"`
	Done           map[string]bool            `json:"done"`
	Realized       []domain.RealizedPnL       `json:"realized"`
}

type poolState struct {
	Unallocated decimal.Decimal     `json:"unallocated"`
	Adjustments []domain.Adjustment `json:"adjustments"`
}

func (l *Ledger) persistPool(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	l.mu.RLock()
	state := poolState{Unallocated: l.unallocated, Adjustments: l.adjustments}
	l.mu.RUnlock()
	return l.store.Put(ctx, poolKey, mustJSON(state))
}

func (l *Ledger) persistStrategy(ctx context.Context, strategyID string) error {
	if l.store == nil {
		return nil
	}
	acct, err := l.account(strategyID)
	if err != nil {
		return err
	}
	acct.mu.Lock()
	state := strategyState{
		Account:        acct.va,
		Lots:           make([]domain.Lot, 0, len(acct.lots)),
		Reservations:   make(map[string]Reservation, len(acct.reservations)),
		ReservedShares: acct.reservedShares,
		AppliedQty:     acct.appliedQty,
		AppliedCost:    acct.appliedCost,
		Done:           acct.done,
		Realized:       acct.realized,
	}
	for _, lot := range acct.lots {
		state.Lots = append(state.Lots, *lot)
	}
	for id, res := range acct.reservations {
		state.Reservations[id] = *res
	}
	raw := mustJSON(state)
	acct.mu.Unlock()
	return l.store.Put(ctx, strategyPrefix+strategyID, raw)
}

// Load rehydrates the ledger from the persistent store. Called once at
// startup, before any concurrent access.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	raw, ok, err := l.store.Get(ctx, poolKey)
	if err != nil {
		return fmt.Errorf("loading ledger pool: %w", err)
	}
	if ok {
		var state poolState
		if err := json.Unmarshal(raw, &state); err != nil {
			return fmt.Errorf("decoding ledger pool: %w", err)
		}
		l.unallocated = state.Unallocated
		l.adjustments = state.Adjustments
	}
	entries, err := l.store.ScanPrefix(ctx, strategyPrefix)
	if err != nil {
		return fmt.Errorf("scanning ledger strategies: %w", err)
	}
	for key, raw := range entries {
		strategyID := strings.TrimPrefix(key, strategyPrefix)
		var state strategyState
		if err := json.Unmarshal(raw, &state); err != nil {
			return fmt.Errorf("decoding ledger strategy %s: %w", strategyID, err)
		}
		acct := newAccount(strategyID, decimal.Zero)
		acct.va = state.Account
		for i := range state.Lots {
			lot := state.Lots[i]
			acct.lots = append(acct.lots, &lot)
		}
		for id, res := range state.Reservations {
			cp := res
			acct.reservations[id] = &cp
		}
		if state.ReservedShares != nil {
			acct.reservedShares = state.ReservedShares
		}
		if state.AppliedQty != nil {
			acct.appliedQty = state.AppliedQty
		}
		if state.AppliedCost != nil {
			acct.appliedCost = state.AppliedCost
		}
		if state.Done != nil {
			acct.done = state.Done
		}
		acct.realized = state.Realized
		l.accounts[strategyID] = acct
	}
	logger.Infof("ledger: loaded %d strategies, unallocated=%s", len(l.accounts), l.unallocated)
	return nil
}

// Registered reports whether a strategy already has a virtual account.
func (l *Ledger) Registered(strategyID string) bool {
	_, err := l.account(strategyID)
	return err == nil
}
