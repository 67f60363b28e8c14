// Package reconcile compares the ledger's view of shares and cash against
// the broker's and reports drift. Share drift is never auto-corrected: lots
// stay untouched and sustained drift halts trading. Cash-only deltas
// (dividends, fees) are absorbed as labeled adjustments to the unallocated
// pool.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tessera/internal/broker"
	"tessera/internal/domain"
	"tessera/internal/events"
	"tessera/internal/ledger"
	"tessera/internal/logger"
	"tessera/internal/pkg/circuit"

	"github.com/shopspring/decimal"
)

// RecentLister reports symbols with in-flight or just-submitted orders;
// those are excluded from the share comparison so a fill racing the snapshot
// is not misread as drift.
type RecentLister interface {
	RecentSymbols() []string
}

type Options struct {
	ShareTolerance decimal.Decimal
	CashTolerance  decimal.Decimal
	Events         events.Publisher
	Breaker        *circuit.Breaker
	Recent         RecentLister
}

type Engine struct {
	broker  broker.BrokerProvider
	ledger  *ledger.Ledger
	recent  RecentLister
	breaker *circuit.Breaker
	events  events.Publisher

	shareTol decimal.Decimal
	cashTol  decimal.Decimal

	mu     sync.Mutex // serializes Run; reports are never interleaved
	last   *domain.ReconciliationReport
	halted bool
}

func New(b broker.BrokerProvider, l *ledger.Ledger, opts Options) *Engine {
	if opts.ShareTolerance.Sign() <= 0 {
		opts.ShareTolerance = decimal.NewFromFloat(0.001)
	}
	if opts.CashTolerance.Sign() <= 0 {
		opts.CashTolerance = decimal.NewFromFloat(0.01)
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Breaker == nil {
		opts.Breaker = circuit.NewBreaker("trading", 3, 0)
	}
	return &Engine{
		broker:   b,
		ledger:   l,
		recent:   opts.Recent,
		breaker:  opts.Breaker,
		events:   opts.Events,
		shareTol: opts.ShareTolerance,
		cashTol:  opts.CashTolerance,
	}
}

// Run executes one reconciliation pass. Passes are serialized; a second
// caller blocks until the first finishes.
func (e *Engine) Run(ctx context.Context) (domain.ReconciliationReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := domain.ReconciliationReport{Timestamp: time.Now()}

	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return report, fmt.Errorf("fetching broker positions: %w", err)
	}
	acctInfo, err := e.broker.GetAccount(ctx)
	if err != nil {
		return report, fmt.Errorf("fetching broker account: %w", err)
	}

	excluded := make(map[string]bool)
	if e.recent != nil {
		for _, symbol := range e.recent.RecentSymbols() {
			excluded[domain.NormalizeSymbol(symbol)] = true
		}
	}
	report.Excluded = sortedKeys(excluded)

	report.ShareDrift = e.compareShares(positions, excluded)
	for _, drift := range report.ShareDrift {
		logger.Warnf("share drift symbol=%s local=%s broker=%s delta=%s",
			drift.Symbol, drift.LocalShares, drift.BrokerShares, drift.Delta)
		e.events.Publish(ctx, events.New(events.TypeDriftDetected, "", drift.Symbol, map[string]any{
			"local_shares":  drift.LocalShares.String(),
			"broker_shares": drift.BrokerShares.String(),
			"delta":         drift.Delta.String(),
		}))
	}

	report.CashDelta = acctInfo.Cash.Sub(e.ledger.TotalCash())
	// Cash is only adjusted on a pass with no open questions: no share
	// drift and no excluded symbols whose fills could still move cash.
	if report.CashDelta.Abs().GreaterThan(e.cashTol) && len(report.ShareDrift) == 0 && len(excluded) == 0 {
		reason := fmt.Sprintf("reconciliation cash delta on %s", report.Timestamp.UTC().Format("2006-01-02"))
		if _, err := e.ledger.AdjustCash(ctx, report.CashDelta, reason); err != nil {
			return report, fmt.Errorf("adjusting cash: %w", err)
		}
		logger.Infof("cash delta %s absorbed into the unallocated pool", report.CashDelta)
		report.CashAdjusted = true
	}

	report.Clean = len(report.ShareDrift) == 0
	e.recordOutcome(ctx, report.Clean)
	e.last = &report
	return report, nil
}

// compareShares walks the union of local and broker symbols.
func (e *Engine) compareShares(positions []domain.BrokerPosition, excluded map[string]bool) []domain.ShareDrift {
	local := e.ledger.OpenSharesBySymbol()
	remote := make(map[string]decimal.Decimal, len(positions))
	for _, pos := range positions {
		qty := pos.Qty
		if pos.Side == "short" {
			qty = qty.Neg()
		}
		remote[pos.Symbol] = remote[pos.Symbol].Add(qty)
	}

	symbols := make(map[string]bool, len(local)+len(remote))
	for s := range local {
		symbols[s] = true
	}
	for s := range remote {
		symbols[s] = true
	}

	var drift []domain.ShareDrift
	for symbol := range symbols {
		if excluded[symbol] {
			continue
		}
		delta := remote[symbol].Sub(local[symbol])
		if delta.Abs().GreaterThan(e.shareTol) {
			drift = append(drift, domain.ShareDrift{
				Symbol:       symbol,
				LocalShares:  local[symbol],
				BrokerShares: remote[symbol],
				Delta:        delta,
			})
		}
	}
	sort.Slice(drift, func(i, j int) bool { return drift[i].Symbol < drift[j].Symbol })
	return drift
}

// recordOutcome feeds the halt breaker and emits the halt/resume transitions.
func (e *Engine) recordOutcome(ctx context.Context, clean bool) {
	if clean {
		e.breaker.RecordSuccess()
		if e.halted && e.breaker.State() == circuit.StateClosed {
			e.halted = false
			logger.Infof("reconciliation clean, trading resumed")
			e.events.Publish(ctx, events.New(events.TypeTradingResumed, "", "", nil))
		}
		return
	}
	e.breaker.RecordFailure()
	if !e.halted && e.breaker.State() == circuit.StateOpen {
		e.halted = true
		logger.Errorf("sustained share drift, trading halted")
		e.events.Publish(ctx, events.New(events.TypeTradingHalted, "", "", map[string]any{
			"reason": "sustained share drift",
		}))
	}
}

// LastReport returns the most recent pass, if any.
func (e *Engine) LastReport() (domain.ReconciliationReport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return domain.ReconciliationReport{}, false
	}
	return *e.last, true
}

// Halted reports whether the breaker currently refuses submissions.
func (e *Engine) Halted() bool { return e.breaker.State() == circuit.StateOpen }

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
