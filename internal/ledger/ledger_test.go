package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"tessera/internal/domain"
	"tessera/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestLedger(t *testing.T, opts Options) (*Ledger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	l := New(mem, nil, opts)
	require.NoError(t, l.Deposit(context.Background(), dec("10000")))
	require.NoError(t, l.RegisterStrategy(context.Background(), "alpha", dec("1000")))
	return l, mem
}

func filledBuy(clientOrderID, symbol string, qty, avgPrice decimal.Decimal) domain.OrderResult {
	return domain.OrderResult{
		OrderID:        "o-" + clientOrderID,
		ClientOrderID:  clientOrderID,
		Symbol:         symbol,
		Side:           domain.SideBuy,
		Status:         domain.OrderStatusFilled,
		FilledQty:      qty,
		FilledAvgPrice: avgPrice,
		UpdatedAt:      time.Now(),
	}
}

func filledSell(clientOrderID, symbol string, qty, avgPrice decimal.Decimal) domain.OrderResult {
	r := filledBuy(clientOrderID, symbol, qty, avgPrice)
	r.Side = domain.SideSell
	return r
}

func TestNotionalBuyOpensFractionalLot(t *testing.T) {
	l, _ := newTestLedger(t, Options{})
	ctx := context.Background()

	id := domain.NewClientOrderID("alpha")
	require.NoError(t, l.Reserve(ctx, Reservation{
		ClientOrderID: id, StrategyID: "alpha", Symbol: "AAPL",
		Side: domain.SideBuy, Cash: dec("100"),
	}))
	// $100 at $250 per share fills 0.4 shares.
	require.NoError(t, l.ApplyFill(ctx, id, filledBuy(id, "AAPL", dec("0.4"), dec("250"))))

	lots := l.OpenLots("alpha")
	require.Len(t, lots, 1)
	assert.True(t, lots[0].Shares.Equal(dec("0.4")), "shares=%s", lots[0].Shares)
	assert.True(t, lots[0].CostBasis.Equal(dec("250")), "cost=%s", lots[0].CostBasis)

	va, ok := l.Account("alpha")
	require.True(t, ok)
	assert.True(t, va.Cash.Equal(dec("900")), "cash=%s", va.Cash)
	assert.True(t, va.Reserved.IsZero(), "reserved=%s", va.Reserved)
}

func TestReserveInsufficientBudget(t *testing.T) {
	l, _ := newTestLedger(t, Options{})
	ctx := context.Background()

	id := domain.NewClientOrderID("alpha")
	err := l.Reserve(ctx, Reservation{
		ClientOrderID: id, StrategyID: "alpha", Symbol: "AAPL",
		Side: domain.SideBuy, Cash: dec("1500"),
	})
	var budgetErr *domain.InsufficientBudgetError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, "alpha", budgetErr.StrategyID)
	assert.True(t, budgetErr.Available.Equal(dec("1000")))

	va, _ := l.Account("alpha")
	assert.True(t, va.Cash.Equal(dec("1000")), "failed reservation must not touch cash")
}

func TestConcurrentReservationsNeverOverdraw(t *testing.T) {
	l, _ := newTestLedger(t, Options{})
	ctx := context.Background()

	// Two concurrent $800 reservations against $1000: exactly one wins.
	ids := []string{domain.NewClientOrderID("alpha"), domain.NewClientOrderID("alpha")}
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, id := range ids {
		i, id := i, id
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = l.Reserve(ctx, Reservation{
				ClientOrderID: id, StrategyID: "alpha", Symbol: "AAPL",
				Side: domain.SideBuy, Cash: dec("800"),
			})
		}()
	}
	wg.Wait()

	var failures int
	for _, err := range errs {
		if err != nil {
			var budgetErr *domain.InsufficientBudgetError
			require.ErrorAs(t, err, &budgetErr)
			failures++
		}
	}
	assert.Equal(t, 1, failures, "exactly one of two oversized reservations must fail")

	va, _ := l.Account("alpha")
	assert.True(t, va.Cash.Equal(dec("200")))
	assert.True(t, va.Reserved.Equal(dec("800")))
}

func TestApplyFillIdempotentReplay(t *testing.T) {
	l, _ := newTestLedger(t, Options{})
	ctx := context.Background()

	id := domain.NewClientOrderID("alpha")
	require.NoError(t, l.Reserve(ctx, Reservation{
		ClientOrderID: id, StrategyID: "alpha", Symbol: "MSFT",
		Side: domain.SideBuy, Cash: dec("400"),
	}))
	fill := filledBuy(id, "MSFT", dec("2"), dec("200"))
	require.NoError(t, l.ApplyFill(ctx, id, fill))
	require.NoError(t, l.ApplyFill(ctx, id, fill))
	require.NoError(t, l.ApplyFill(ctx, id, fill))

	lots := l.OpenLots("alpha")
	require.Len(t, lots, 1)
	assert.True(t, lots[0].Shares.Equal(dec("2")), "replay must not duplicate shares")
	va, _ := l.Account("alpha")
	assert.True(t, va.Cash.Equal(dec("600")))
	assert.True(t, va.Reserved.IsZero())
}

func TestApplyFillPartialThenTerminalBooksDeltaOnly(t *testing.T) {
	l, _ := newTestLedger(t, Options{})
	ctx := context.Background()

	id := domain.NewClientOrderID("alpha")
	require.NoError(t, l.Reserve(ctx, Reservation{
		ClientOrderID: id, StrategyID: "alpha", Symbol: "MSFT",
		Side: domain.SideBuy, Cash: dec("400"),
	}))

	partial := filledBuy(id, "MSFT", dec("1"), dec("200"))
	partial.Status = domain.OrderStatusPartial
	require.NoError(t, l.ApplyFill(ctx, id, partial))
	// The same partial again: cumulative quantity unchanged, nothing booked.
	require.NoError(t, l.ApplyFill(ctx, id, partial))

	lots := l.OpenLots("alpha")
	require.Len(t, lots, 1)
	assert.True(t, lots[0].Shares.Equal(dec("1")))

	final := filledBuy(id, "MSFT", dec("2"), dec("200"))
	require.NoError(t, l.ApplyFill(ctx, id, final))

	lots = l.OpenLots("alpha")
	require.Len(t, lots, 1, "partials of one order extend its lot")
	assert.True(t, lots[0].Shares.Equal(dec("2")))
	va, _ := l.Account("alpha")
	assert.True(t, va.Cash.Equal(dec("600")))
	assert.True(t, va.Reserved.IsZero(), "terminal fill releases the leftover reservation")
}

func TestCancelledOrderReleasesReservation(t *testing.T) {
	l, _ := newTestLedger(t, Options{})
	ctx := context.Background()

	id := domain.NewClientOrderID("alpha")
	require.NoError(t, l.Reserve(ctx, Reservation{
		ClientOrderID: id, StrategyID: "alpha", Symbol: "AAPL",
		Side: domain.SideBuy, Cash: dec("300"),
	}))
	cancel := domain.OrderResult{
		ClientOrderID: id, Symbol: "AAPL", Side: domain.SideBuy,
		Status: domain.OrderStatusCancelled, UpdatedAt: time.Now(),
	}
	require.NoError(t, l.ApplyFill(ctx, id, cancel))

	va, _ := l.Account("alpha")
	assert.True(t, va.Cash.Equal(dec("1000")))
	assert.True(t, va.Reserved.IsZero())
	assert.Empty(t, l.OpenLots("alpha"))
}

func TestFIFOPartialSellKeepsOldestBasisFirst(t *testing.T) {
	l, _ := newTestLedger(t, Options{Match: MatchFIFO})
	ctx := context.Background()

	buy1 := domain.NewClientOrderID("alpha")
	require.NoError(t, l.Reserve(ctx, Reservation{ClientOrderID: buy1, StrategyID: "alpha", Symbol: "AAPL", Side: domain.SideBuy, Cash: dec("100")}))
	first := filledBuy(buy1, "AAPL", dec("0.4"), dec("250"))
	first.UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, l.ApplyFill(ctx, buy1, first))

	buy2 := domain.NewClientOrderID("alpha")
	require.NoError(t, l.Reserve(ctx, Reservation{ClientOrderID: buy2, StrategyID: "alpha", Symbol: "AAPL", Side: domain.SideBuy, Cash: dec("120")}))
	require.NoError(t, l.ApplyFill(ctx, buy2, filledBuy(buy2, "AAPL", dec("0.4"), dec("300"))))

	sell := domain.NewClientOrderID("alpha")
	require.NoError(t, l.Reserve(ctx, Reservation{ClientOrderID: sell, StrategyID: "alpha", Symbol: "AAPL", Side: domain.SideSell, Shares: dec("0.2")}))
	require.NoError(t, l.ApplyFill(ctx, sell, filledSell(sell, "AAPL", dec("0.2"), dec("310"))))

	lots := l.OpenLots("alpha")
	require.Len(t, lots, 2)
	// FIFO: the older 250-basis lot shrinks, the newer one is untouched.
	assert.True(t, lots[0].Shares.Equal(dec("0.2")), "oldest lot shares=%s", lots[0].Shares)
	assert.True(t, lots[0].CostBasis.Equal(dec("250")))
	assert.True(t, lots[1].Shares.Equal(dec("0.4")))

	realized := l.RealizedPnLs("alpha")
	require.Len(t, realized, 1)
	// 0.2 * (310 - 250) = 12
	assert.True(t, realized[0].PnL.Equal(dec("12")), "pnl=%s", realized[0].PnL)
}

func TestHIFOSellsHighestBasisFirst(t *testing.T) {
	l, _ := newTestLedger(t, Options{Match: MatchHIFO})
	ctx := context.Background()

	for _, price := range []string{"100", "300", "200"} {
		id := domain.NewClientOrderID("alpha")
		require.NoError(t, l.Reserve(ctx, Reservation{ClientOrderID: id, StrategyID: "alpha", Symbol: "NVDA", Side: domain.SideBuy, Cash: dec(price)}))
		require.NoError(t, l.ApplyFill(ctx, id, filledBuy(id, "NVDA", dec("1"), dec(price))))
	}

	sell := domain.NewClientOrderID("alpha")
	require.NoError(t, l.Reserve(ctx, Reservation{ClientOrderID: sell, StrategyID: "alpha", Symbol: "NVDA", Side: domain.SideSell, Shares: dec("1")}))
	require.NoError(t, l.ApplyFill(ctx, sell, filledSell(sell, "NVDA", dec("1"), dec("250"))))

	realized := l.RealizedPnLs("alpha")
	require.Len(t, realized, 1)
	assert.True(t, realized[0].CostBasis.Equal(dec("300")), "HIFO must close the 300-basis lot")
}

func TestSellReservationBoundByOpenShares(t *testing.T) {
	l, _ := newTestLedger(t, Options{})
	ctx := context.Background()

	buy := domain.NewClientOrderID("alpha")
	require.NoError(t, l.Reserve(ctx, Reservation{ClientOrderID: buy, StrategyID: "alpha", Symbol: "AAPL", Side: domain.SideBuy, Cash: dec("100")}))
	require.NoError(t, l.ApplyFill(ctx, buy, filledBuy(buy, "AAPL", dec("0.4"), dec("250"))))

	sell1 := domain.NewClientOrderID("alpha")
	require.NoError(t, l.Reserve(ctx, Reservation{ClientOrderID: sell1, StrategyID: "alpha", Symbol: "AAPL", Side: domain.SideSell, Shares: dec("0.3")}))

	sell2 := domain.NewClientOrderID("alpha")
	err := l.Reserve(ctx, Reservation{ClientOrderID: sell2, StrategyID: "alpha", Symbol: "AAPL", Side: domain.SideSell, Shares: dec("0.2")})
	var budgetErr *domain.InsufficientBudgetError
	require.ErrorAs(t, err, &budgetErr)
	assert.True(t, budgetErr.Available.Equal(dec("0.1")), "available=%s", budgetErr.Available)
}

func TestReleaseUnknownIDIsNoop(t *testing.T) {
	l, _ := newTestLedger(t, Options{})
	require.NoError(t, l.Release(context.Background(), "alpha.never-reserved"))
}

func TestRegisterStrategyRejectsDotInID(t *testing.T) {
	l, _ := newTestLedger(t, Options{})
	err := l.RegisterStrategy(context.Background(), "bad.id", dec("10"))
	require.Error(t, err)
}

func TestAllocateMovesCashBothWays(t *testing.T) {
	l, _ := newTestLedger(t, Options{})
	ctx := context.Background()

	require.NoError(t, l.Allocate(ctx, "alpha", dec("500")))
	va, _ := l.Account("alpha")
	assert.True(t, va.Cash.Equal(dec("1500")))
	assert.True(t, l.Unallocated().Equal(dec("8500")))

	require.NoError(t, l.Allocate(ctx, "alpha", dec("-1500")))
	va, _ = l.Account("alpha")
	assert.True(t, va.Cash.IsZero())
	assert.True(t, l.Unallocated().Equal(dec("10000")))
}

func TestAdjustCashIsLabeled(t *testing.T) {
	l, _ := newTestLedger(t, Options{})
	adj, err := l.AdjustCash(context.Background(), dec("1.37"), "dividend AAPL")
	require.NoError(t, err)
	assert.NotEmpty(t, adj.ID)
	assert.Equal(t, "dividend AAPL", adj.Reason)
	assert.True(t, l.Unallocated().Equal(dec("9001.37")))
	require.Len(t, l.Adjustments(), 1)
}

func TestMergeSameDayFoldsBuysIntoOneLot(t *testing.T) {
	l, _ := newTestLedger(t, Options{MergeSameDay: true})
	ctx := context.Background()

	now := time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)
	for i, price := range []string{"100", "110"} {
		id := domain.NewClientOrderID("alpha")
		require.NoError(t, l.Reserve(ctx, Reservation{ClientOrderID: id, StrategyID: "alpha", Symbol: "TSLA", Side: domain.SideBuy, Cash: dec("110")}))
		fill := filledBuy(id, "TSLA", dec("1"), dec(price))
		fill.UpdatedAt = now.Add(time.Duration(i) * time.Minute)
		require.NoError(t, l.ApplyFill(ctx, id, fill))
	}

	lots := l.OpenLots("alpha")
	require.Len(t, lots, 1)
	assert.True(t, lots[0].Shares.Equal(dec("2")))
	assert.True(t, lots[0].CostBasis.Equal(dec("105")), "weighted basis=%s", lots[0].CostBasis)
}

func TestLoadRebuildsStateFromStore(t *testing.T) {
	l, mem := newTestLedger(t, Options{})
	ctx := context.Background()

	buy := domain.NewClientOrderID("alpha")
	require.NoError(t, l.Reserve(ctx, Reservation{ClientOrderID: buy, StrategyID: "alpha", Symbol: "AAPL", Side: domain.SideBuy, Cash: dec("100")}))
	require.NoError(t, l.ApplyFill(ctx, buy, filledBuy(buy, "AAPL", dec("0.4"), dec("250"))))

	reloaded := New(mem, nil, Options{})
	require.NoError(t, reloaded.Load(ctx))

	assert.True(t, reloaded.Unallocated().Equal(l.Unallocated()))
	va, ok := reloaded.Account("alpha")
	require.True(t, ok)
	assert.True(t, va.Cash.Equal(dec("900")))
	lots := reloaded.OpenLots("alpha")
	require.Len(t, lots, 1)
	assert.True(t, lots[0].Shares.Equal(dec("0.4")))

	// Replaying the already-booked terminal fill after reload stays a no-op.
	require.NoError(t, reloaded.ApplyFill(ctx, buy, filledBuy(buy, "AAPL", dec("0.4"), dec("250"))))
	lots = reloaded.OpenLots("alpha")
	require.Len(t, lots, 1)
	assert.True(t, lots[0].Shares.Equal(dec("0.4")))
}

func TestOpenSharesBySymbolAggregatesStrategies(t *testing.T) {
	l, _ := newTestLedger(t, Options{})
	ctx := context.Background()
	require.NoError(t, l.RegisterStrategy(ctx, "beta", dec("1000")))

	for _, strat := range []string{"alpha", "beta"} {
		id := domain.NewClientOrderID(strat)
		require.NoError(t, l.Reserve(ctx, Reservation{ClientOrderID: id, StrategyID: strat, Symbol: "AAPL", Side: domain.SideBuy, Cash: dec("500")}))
		require.NoError(t, l.ApplyFill(ctx, id, filledBuy(id, "AAPL", dec("2"), dec("250"))))
	}

	shares := l.OpenSharesBySymbol()
	assert.True(t, shares["AAPL"].Equal(dec("4")))
	assert.True(t, l.TotalCash().Equal(dec("9000")), "total=%s", l.TotalCash())
}
