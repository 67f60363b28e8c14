// Package ledger partitions the one physical brokerage account into
// per-strategy virtual sub-accounts of cash and cost-basis lots. All cash and
// share mutations flow through Reserve/Release/ApplyFill; reconciliation
// never rewrites lots.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tessera/internal/domain"
	"tessera/internal/events"
	"tessera/internal/logger"
	"tessera/internal/store"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

type MatchPolicy string

const (
	MatchFIFO MatchPolicy = "fifo"
	MatchLIFO MatchPolicy = "lifo"
	MatchHIFO MatchPolicy = "hifo"
)

func ParseMatchPolicy(s string) (MatchPolicy, error) {
	switch MatchPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", MatchFIFO:
		return MatchFIFO, nil
	case MatchLIFO:
		return MatchLIFO, nil
	case MatchHIFO:
		return MatchHIFO, nil
	}
	return "", fmt.Errorf("unknown lot match policy: %q", s)
}

type Options struct {
	Match MatchPolicy
	// MergeSameDay collapses a strategy's buy fills of one symbol and UTC
	// calendar day into a single weighted-average lot. Off by default:
	// separate lots never lose information.
	MergeSameDay bool
}

// account is the per-strategy partition. Its mutex is the per-key critical
// section that keeps two concurrent evaluations from double-reserving cash.
type account struct {
	mu             sync.Mutex
	va             domain.VirtualAccount
	lots           []*domain.Lot
	reservations   map[string]*Reservation
	reservedShares map[string]decimal.Decimal
	appliedQty     map[string]decimal.Decimal // client order id -> cumulative shares applied
	appliedCost    map[string]decimal.Decimal // client order id -> cumulative cash applied
	done           map[string]bool            // client order ids with a terminal result
	realized       []domain.RealizedPnL
}

type Ledger struct {
	mu          sync.RWMutex // accounts map, pool, adjustments
	accounts    map[string]*account
	unallocated decimal.Decimal
	adjustments []domain.Adjustment

	store  store.Store
	events events.Publisher
	opts   Options
}

func New(st store.Store, ev events.Publisher, opts Options) *Ledger {
	if opts.Match == "" {
		opts.Match = MatchFIFO
	}
	if ev == nil {
		ev = events.Nop{}
	}
	return &Ledger{
		accounts: make(map[string]*account),
		store:    st,
		events:   ev,
		opts:     opts,
	}
}

func newEntryID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Deposit adds cash to the unallocated pool (e.g. the initial funding of the
// physical account).
func (l *Ledger) Deposit(ctx context.Context, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("deposit must be positive")
	}
	l.mu.Lock()
	l.unallocated = l.unallocated.Add(amount)
	l.mu.Unlock()
	return l.persistPool(ctx)
}

// RegisterStrategy creates the virtual account for a strategy, drawing its
// allocation from the unallocated pool.
func (l *Ledger) RegisterStrategy(ctx context.Context, strategyID string, alloc decimal.Decimal) error {
	strategyID = strings.TrimSpace(strategyID)
	if strategyID == "" {
		return fmt.Errorf("strategy id cannot be empty")
	}
	if strings.Contains(strategyID, ".") {
		return fmt.Errorf("strategy id %q must not contain '.'", strategyID)
	}
	if alloc.Sign() < 0 {
		return fmt.Errorf("allocation cannot be negative")
	}
	l.mu.Lock()
	if _, ok := l.accounts[strategyID]; ok {
		l.mu.Unlock()
		return fmt.Errorf("strategy %s already registered", strategyID)
	}
	if l.unallocated.LessThan(alloc) {
		avail := l.unallocated
		l.mu.Unlock()
		return &domain.InsufficientBudgetError{StrategyID: strategyID, Requested: alloc, Available: avail}
	}
	l.unallocated = l.unallocated.Sub(alloc)
	l.accounts[strategyID] = newAccount(strategyID, alloc)
	l.mu.Unlock()
	if err := l.persistPool(ctx); err != nil {
		return err
	}
	return l.persistStrategy(ctx, strategyID)
}

// Allocate moves cash from the unallocated pool into a strategy's account.
// Negative amounts move cash back to the pool, limited by available cash.
func (l *Ledger) Allocate(ctx context.Context, strategyID string, amount decimal.Decimal) error {
	acct, err := l.account(strategyID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	acct.mu.Lock()
	switch {
	case amount.Sign() > 0:
		if l.unallocated.LessThan(amount) {
			avail := l.unallocated
			acct.mu.Unlock()
			l.mu.Unlock()
			return &domain.InsufficientBudgetError{StrategyID: strategyID, Requested: amount, Available: avail}
		}
		l.unallocated = l.unallocated.Sub(amount)
		acct.va.Cash = acct.va.Cash.Add(amount)
	case amount.Sign() < 0:
		back := amount.Neg()
		if acct.va.Cash.LessThan(back) {
			avail := acct.va.Cash
			acct.mu.Unlock()
			l.mu.Unlock()
			return &domain.InsufficientBudgetError{StrategyID: strategyID, Requested: back, Available: avail}
		}
		acct.va.Cash = acct.va.Cash.Sub(back)
		l.unallocated = l.unallocated.Add(back)
	}
	acct.mu.Unlock()
	l.mu.Unlock()
	if err := l.persistPool(ctx); err != nil {
		return err
	}
	return l.persistStrategy(ctx, strategyID)
}

// AdjustCash applies a labeled correction entry to the unallocated pool.
// This is the only way reconciliation may absorb externally-caused cash
// effects (dividends, fees); share drift is never absorbed.
func (l *Ledger) AdjustCash(ctx context.Context, amount decimal.Decimal, reason string) (domain.Adjustment, error) {
	adj := domain.Adjustment{
		ID:        newEntryID(),
		Amount:    amount,
		Reason:    strings.TrimSpace(reason),
		CreatedAt: time.Now(),
	}
	l.mu.Lock()
	l.unallocated = l.unallocated.Add(amount)
	l.adjustments = append(l.adjustments, adj)
	l.mu.Unlock()
	if err := l.persistPool(ctx); err != nil {
		return domain.Adjustment{}, err
	}
	l.events.Publish(ctx, events.New(events.TypeCashAdjusted, "", "", map[string]any{
		"adjustment_id": adj.ID,
		"amount":        adj.Amount.String(),
		"reason":        adj.Reason,
	}))
	return adj, nil
}

func newAccount(strategyID string, cash decimal.Decimal) *account {
	return &account{
		va:             domain.VirtualAccount{StrategyID: strategyID, Cash: cash},
		reservations:   make(map[string]*Reservation),
		reservedShares: make(map[string]decimal.Decimal),
		appliedQty:     make(map[string]decimal.Decimal),
		appliedCost:    make(map[string]decimal.Decimal),
		done:           make(map[string]bool),
	}
}

func (l *Ledger) account(strategyID string) (*account, error) {
	l.mu.RLock()
	acct, ok := l.accounts[strategyID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy %s not registered", strategyID)
	}
	return acct, nil
}

// --------------------------- Queries ------------------------------------

func (l *Ledger) VirtualAccounts() []domain.VirtualAccount {
	l.mu.RLock()
	accts := make([]*account, 0, len(l.accounts))
	for _, a := range l.accounts {
		accts = append(accts, a)
	}
	l.mu.RUnlock()
	out := make([]domain.VirtualAccount, 0, len(accts))
	for _, a := range accts {
		a.mu.Lock()
		out = append(out, a.va)
		a.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out
}

func (l *Ledger) Account(strategyID string) (domain.VirtualAccount, bool) {
	acct, err := l.account(strategyID)
	if err != nil {
		return domain.VirtualAccount{}, false
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.va, true
}

// OpenLots returns copies of a strategy's open lots. Empty strategyID means
// all strategies.
func (l *Ledger) OpenLots(strategyID string) []domain.Lot {
	l.mu.RLock()
	accts := make([]*account, 0, len(l.accounts))
	for id, a := range l.accounts {
		if strategyID == "" || id == strategyID {
			accts = append(accts, a)
		}
	}
	l.mu.RUnlock()
	var out []domain.Lot
	for _, a := range accts {
		a.mu.Lock()
		for _, lot := range a.lots {
			if lot.Status == domain.LotStatusOpen {
				out = append(out, *lot)
			}
		}
		a.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// OpenSharesBySymbol aggregates open lot shares across every strategy. This
// is the local side of the reconciliation comparison.
func (l *Ledger) OpenSharesBySymbol() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, lot := range l.OpenLots("") {
		out[lot.Symbol] = out[lot.Symbol].Add(lot.Shares)
	}
	return out
}

// OpenShares returns a strategy's open shares for one symbol, net of
// outstanding sell reservations.
func (l *Ledger) openSharesLocked(acct *account, symbol string) decimal.Decimal {
	total := decimal.Zero
	for _, lot := range acct.lots {
		if lot.Status == domain.LotStatusOpen && lot.Symbol == symbol {
			total = total.Add(lot.Shares)
		}
	}
	return total
}

// TotalCash is the ledger-side cash aggregate: unallocated pool plus every
// virtual account's cash and in-flight reservations.
func (l *Ledger) TotalCash() decimal.Decimal {
	l.mu.RLock()
	total := l.unallocated
	accts := make([]*account, 0, len(l.accounts))
	for _, a := range l.accounts {
		accts = append(accts, a)
	}
	l.mu.RUnlock()
	for _, a := range accts {
		a.mu.Lock()
		total = total.Add(a.va.Cash).Add(a.va.Reserved)
		a.mu.Unlock()
	}
	return total
}

func (l *Ledger) Unallocated() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.unallocated
}

func (l *Ledger) Adjustments() []domain.Adjustment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Adjustment, len(l.adjustments))
	copy(out, l.adjustments)
	return out
}

func (l *Ledger) RealizedPnLs(strategyID string) []domain.RealizedPnL {
	acct, err := l.account(strategyID)
	if err != nil {
		return nil
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	out := make([]domain.RealizedPnL, len(acct.realized))
	copy(out, acct.realized)
	return out
}

func (l *Ledger) logf(format string, v ...any) {
	logger.Debugf("ledger: "+format, v...)
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
