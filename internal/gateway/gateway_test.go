package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"tessera/internal/broker"
	"tessera/internal/broker/mock"
	"tessera/internal/domain"
	"tessera/internal/ledger"
	"tessera/internal/pkg/circuit"
	"tessera/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func newTestGateway(t *testing.T) (*Gateway, *mock.Broker, *ledger.Ledger) {
	t.Helper()
	ctx := context.Background()
	led := ledger.New(store.NewMemory(), nil, ledger.Options{})
	require.NoError(t, led.Deposit(ctx, dec("10000")))
	require.NoError(t, led.RegisterStrategy(ctx, "alpha", dec("1000")))
	brk := mock.New()
	brk.Prices["AAPL"] = dec("250")
	return New(brk, led, Options{}), brk, led
}

func TestSubmitNotionalBuyBooksLot(t *testing.T) {
	gw, brk, led := newTestGateway(t)
	ctx := context.Background()

	result, err := gw.Submit(ctx, "alpha", Intent{
		Symbol: "aapl", Side: domain.SideBuy, Notional: dec("100"),
		Type: domain.OrderTypeMarket, TimeInForce: domain.TIFDay,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, result.Status)
	owner, ok := domain.OwnerOf(result.ClientOrderID)
	require.True(t, ok)
	assert.Equal(t, "alpha", owner)
	assert.Equal(t, int64(1), brk.SubmitCalls.Load())

	lots := led.OpenLots("alpha")
	require.Len(t, lots, 1)
	assert.True(t, lots[0].Shares.Equal(dec("0.4")))
	va, _ := led.Account("alpha")
	assert.True(t, va.Cash.Equal(dec("900")))
}

func TestSubmitFailsFastBeforeNetwork(t *testing.T) {
	gw, brk, led := newTestGateway(t)
	ctx := context.Background()

	// Unsupported order type.
	brk.OrderTypes = []domain.OrderType{domain.OrderTypeMarket}
	_, err := gw.Submit(ctx, "alpha", Intent{
		Symbol: "AAPL", Side: domain.SideBuy, Notional: dec("100"), Type: domain.OrderTypeStopLimit,
	})
	var capErr *domain.UnsupportedCapabilityError
	require.ErrorAs(t, err, &capErr)

	// Insufficient budget.
	_, err = gw.Submit(ctx, "alpha", Intent{
		Symbol: "AAPL", Side: domain.SideBuy, Notional: dec("99999"), Type: domain.OrderTypeMarket,
	})
	var budgetErr *domain.InsufficientBudgetError
	require.ErrorAs(t, err, &budgetErr)

	assert.Equal(t, int64(0), brk.SubmitCalls.Load(), "no broker call may precede validation")
	va, _ := led.Account("alpha")
	assert.True(t, va.Cash.Equal(dec("1000")))
	assert.True(t, va.Reserved.IsZero())
}

func TestSubmitWholeShareChecksForNonFractionalBroker(t *testing.T) {
	gw, brk, _ := newTestGateway(t)
	brk.Fractional = false

	_, err := gw.Submit(context.Background(), "alpha", Intent{
		Symbol: "AAPL", Side: domain.SideSell, Qty: dec("0.5"), Type: domain.OrderTypeMarket,
	})
	var capErr *domain.UnsupportedCapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, int64(0), brk.SubmitCalls.Load())
}

func TestSubmitMarketBuyByQtyRequiresLimitPrice(t *testing.T) {
	gw, brk, _ := newTestGateway(t)
	_, err := gw.Submit(context.Background(), "alpha", Intent{
		Symbol: "AAPL", Side: domain.SideBuy, Qty: dec("1"), Type: domain.OrderTypeMarket,
	})
	require.Error(t, err)
	assert.Equal(t, int64(0), brk.SubmitCalls.Load())
}

func TestDefiniteRejectionReleasesReservation(t *testing.T) {
	gw, brk, led := newTestGateway(t)
	ctx := context.Background()

	brk.SubmitFn = func(context.Context, domain.OrderRequest) (domain.OrderResult, error) {
		return domain.OrderResult{}, errors.New("403 insufficient day trades")
	}
	_, err := gw.Submit(ctx, "alpha", Intent{
		Symbol: "AAPL", Side: domain.SideBuy, Notional: dec("100"), Type: domain.OrderTypeMarket,
	})
	require.Error(t, err)

	va, _ := led.Account("alpha")
	assert.True(t, va.Cash.Equal(dec("1000")), "rejection must hand the budget back")
	assert.True(t, va.Reserved.IsZero())
}

func TestAmbiguousOutcomeBlocksUntilResolvedAsFound(t *testing.T) {
	gw, brk, led := newTestGateway(t)
	ctx := context.Background()

	var capturedID string
	brk.SubmitFn = func(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
		capturedID = req.ClientOrderID
		return domain.OrderResult{}, timeoutErr{}
	}
	_, err := gw.Submit(ctx, "alpha", Intent{
		Symbol: "AAPL", Side: domain.SideBuy, Notional: dec("100"), Type: domain.OrderTypeMarket,
	})
	var ambErr *domain.AmbiguousOrderOutcomeError
	require.ErrorAs(t, err, &ambErr)
	assert.Equal(t, capturedID, ambErr.ClientOrderID)

	// Reservation stays held while the outcome is unknown.
	va, _ := led.Account("alpha")
	assert.True(t, va.Reserved.Equal(dec("100")))

	// Further submissions for the pair are refused without a broker call.
	brk.SubmitFn = nil
	_, err = gw.Submit(ctx, "alpha", Intent{
		Symbol: "AAPL", Side: domain.SideBuy, Notional: dec("50"), Type: domain.OrderTypeMarket,
	})
	require.ErrorAs(t, err, &ambErr)

	// The broker did accept the order: the existence check books it.
	brk.GetOrderByClientFn = func(context.Context, string) (*domain.OrderResult, error) {
		return &domain.OrderResult{
			OrderID: "srv-1", ClientOrderID: capturedID, Symbol: "AAPL",
			Side: domain.SideBuy, Status: domain.OrderStatusFilled,
			FilledQty: dec("0.4"), FilledAvgPrice: dec("250"),
		}, nil
	}
	require.NoError(t, gw.ResolveAmbiguous(ctx))

	lots := led.OpenLots("alpha")
	require.Len(t, lots, 1)
	assert.True(t, lots[0].Shares.Equal(dec("0.4")))
	va, _ = led.Account("alpha")
	assert.True(t, va.Cash.Equal(dec("900")))
	assert.True(t, va.Reserved.IsZero())
	assert.Empty(t, gw.Pending())

	// Pair is usable again.
	_, err = gw.Submit(ctx, "alpha", Intent{
		Symbol: "AAPL", Side: domain.SideBuy, Notional: dec("50"), Type: domain.OrderTypeMarket,
	})
	require.NoError(t, err)
}

func TestAmbiguousOutcomeResolvedAsNeverLanded(t *testing.T) {
	gw, brk, led := newTestGateway(t)
	ctx := context.Background()

	brk.SubmitFn = func(context.Context, domain.OrderRequest) (domain.OrderResult, error) {
		return domain.OrderResult{}, timeoutErr{}
	}
	_, err := gw.Submit(ctx, "alpha", Intent{
		Symbol: "AAPL", Side: domain.SideBuy, Notional: dec("100"), Type: domain.OrderTypeMarket,
	})
	var ambErr *domain.AmbiguousOrderOutcomeError
	require.ErrorAs(t, err, &ambErr)

	// GetOrderByClientID returns nil: the order never existed.
	brk.GetOrderByClientFn = func(context.Context, string) (*domain.OrderResult, error) {
		return nil, nil
	}
	require.NoError(t, gw.ResolveAmbiguous(ctx))

	va, _ := led.Account("alpha")
	assert.True(t, va.Cash.Equal(dec("1000")))
	assert.True(t, va.Reserved.IsZero())
	assert.Empty(t, led.OpenLots("alpha"))
	assert.Empty(t, gw.Pending())
}

func TestServerErrorOnSubmitTreatedAsUnknownOutcome(t *testing.T) {
	gw, brk, led := newTestGateway(t)
	ctx := context.Background()

	// A 5xx from a gateway in front of the broker: the order may have been
	// forwarded before the failure, so this must not be read as a rejection.
	brk.SubmitFn = func(context.Context, domain.OrderRequest) (domain.OrderResult, error) {
		return domain.OrderResult{}, fmt.Errorf("%w: http 504: upstream timed out", broker.ErrOutcomeUnknown)
	}
	_, err := gw.Submit(ctx, "alpha", Intent{
		Symbol: "AAPL", Side: domain.SideBuy, Notional: dec("100"), Type: domain.OrderTypeMarket,
	})
	var ambErr *domain.AmbiguousOrderOutcomeError
	require.ErrorAs(t, err, &ambErr)

	va, _ := led.Account("alpha")
	assert.True(t, va.Reserved.Equal(dec("100")), "reservation must survive a server-side failure")
	require.Len(t, gw.Pending(), 1)

	// The existence check finds nothing: only now is the budget handed back.
	brk.GetOrderByClientFn = func(context.Context, string) (*domain.OrderResult, error) {
		return nil, nil
	}
	require.NoError(t, gw.ResolveAmbiguous(ctx))
	va, _ = led.Account("alpha")
	assert.True(t, va.Cash.Equal(dec("1000")))
	assert.True(t, va.Reserved.IsZero())
}

type faultyStore struct {
	*store.Memory
	failPuts bool
}

func (s *faultyStore) Put(ctx context.Context, key string, value []byte) error {
	if s.failPuts {
		return errors.New("disk full")
	}
	return s.Memory.Put(ctx, key, value)
}

func TestBookingFailureKeepsOrderTracked(t *testing.T) {
	st := &faultyStore{Memory: store.NewMemory()}
	led := ledger.New(st, nil, ledger.Options{})
	ctx := context.Background()
	require.NoError(t, led.Deposit(ctx, dec("10000")))
	require.NoError(t, led.RegisterStrategy(ctx, "alpha", dec("1000")))
	brk := mock.New()
	brk.Prices["AAPL"] = dec("250")
	gw := New(brk, led, Options{})

	// The broker accepts the order, then the store dies before booking.
	brk.SubmitFn = func(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
		st.failPuts = true
		return domain.OrderResult{
			OrderID: "srv-3", ClientOrderID: req.ClientOrderID, Symbol: req.Symbol,
			Side: req.Side, Status: domain.OrderStatusAccepted,
		}, nil
	}
	result, err := gw.Submit(ctx, "alpha", Intent{
		Symbol: "AAPL", Side: domain.SideBuy, Notional: dec("100"), Type: domain.OrderTypeMarket,
	})
	require.ErrorContains(t, err, "booking failed")

	// The order is live at the broker; it must stay tracked so the poll loop
	// can finish the booking, and the reservation must stay held.
	require.Contains(t, gw.OpenOrders(), result.ClientOrderID)
	va, _ := led.Account("alpha")
	assert.True(t, va.Reserved.Equal(dec("100")))

	// Store recovers; the next poll books the fill and settles everything.
	st.failPuts = false
	brk.SubmitFn = nil
	brk.Record(domain.OrderResult{
		OrderID: "srv-3", ClientOrderID: result.ClientOrderID, Symbol: "AAPL",
		Side: domain.SideBuy, Status: domain.OrderStatusFilled,
		FilledQty: dec("0.4"), FilledAvgPrice: dec("250"),
	})
	require.NoError(t, gw.PollOpenOrders(ctx))

	assert.Empty(t, gw.OpenOrders())
	lots := led.OpenLots("alpha")
	require.Len(t, lots, 1)
	assert.True(t, lots[0].Shares.Equal(dec("0.4")))
	va, _ = led.Account("alpha")
	assert.True(t, va.Cash.Equal(dec("900")))
	assert.True(t, va.Reserved.IsZero())
}

func TestHaltRefusesSubmissions(t *testing.T) {
	breaker := circuit.NewBreaker("trading", 1, 0)
	led := ledger.New(store.NewMemory(), nil, ledger.Options{})
	ctx := context.Background()
	require.NoError(t, led.Deposit(ctx, dec("1000")))
	require.NoError(t, led.RegisterStrategy(ctx, "alpha", dec("500")))
	brk := mock.New()
	gw := New(brk, led, Options{Breaker: breaker})

	breaker.RecordFailure()
	_, err := gw.Submit(ctx, "alpha", Intent{
		Symbol: "AAPL", Side: domain.SideBuy, Notional: dec("100"), Type: domain.OrderTypeMarket,
	})
	var haltErr *domain.TradingHaltedError
	require.ErrorAs(t, err, &haltErr)
	assert.Equal(t, int64(0), brk.SubmitCalls.Load())

	breaker.RecordSuccess()
	_, err = gw.Submit(ctx, "alpha", Intent{
		Symbol: "AAPL", Side: domain.SideBuy, Notional: dec("100"), Type: domain.OrderTypeMarket,
	})
	require.NoError(t, err)
}

func TestPollOpenOrdersBooksProgress(t *testing.T) {
	gw, brk, led := newTestGateway(t)
	ctx := context.Background()

	brk.SubmitFn = func(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
		return domain.OrderResult{
			OrderID: "srv-9", ClientOrderID: req.ClientOrderID, Symbol: req.Symbol,
			Side: req.Side, Status: domain.OrderStatusAccepted,
		}, nil
	}
	result, err := gw.Submit(ctx, "alpha", Intent{
		Symbol: "AAPL", Side: domain.SideBuy, Notional: dec("100"), Type: domain.OrderTypeMarket,
	})
	require.NoError(t, err)
	require.Len(t, gw.OpenOrders(), 1)
	assert.Contains(t, gw.RecentSymbols(), "AAPL")

	brk.SubmitFn = nil
	brk.Record(domain.OrderResult{
		OrderID: "srv-9", ClientOrderID: result.ClientOrderID, Symbol: "AAPL",
		Side: domain.SideBuy, Status: domain.OrderStatusFilled,
		FilledQty: dec("0.4"), FilledAvgPrice: dec("250"),
	})
	require.NoError(t, gw.PollOpenOrders(ctx))

	assert.Empty(t, gw.OpenOrders())
	lots := led.OpenLots("alpha")
	require.Len(t, lots, 1)
	assert.True(t, lots[0].Shares.Equal(dec("0.4")))
}

func TestFromSignal(t *testing.T) {
	intent, err := FromSignal(domain.Signal{Symbol: "aapl", Action: domain.SignalBuy, Amount: dec("100")})
	require.NoError(t, err)
	assert.Equal(t, "AAPL", intent.Symbol)
	assert.Equal(t, domain.SideBuy, intent.Side)
	assert.True(t, intent.Notional.Equal(dec("100")))

	intent, err = FromSignal(domain.Signal{Symbol: "AAPL", Action: domain.SignalSell, Quantity: dec("2")})
	require.NoError(t, err)
	assert.Equal(t, domain.SideSell, intent.Side)
	assert.True(t, intent.Qty.Equal(dec("2")))

	_, err = FromSignal(domain.Signal{Symbol: "AAPL", Action: domain.SignalHold})
	require.Error(t, err)

	_, err = FromSignal(domain.Signal{Symbol: "AAPL", Action: domain.SignalBuy})
	require.Error(t, err)
}
