package gateway

import (
	"fmt"

	"tessera/internal/domain"

	"github.com/shopspring/decimal"
)

// Intent is a sized, broker-neutral order the gateway knows how to budget.
type Intent struct {
	Symbol      string
	Side        domain.Side
	Qty         decimal.Decimal
	Notional    decimal.Decimal
	Type        domain.OrderType
	TimeInForce domain.TimeInForce
	LimitPrice  decimal.Decimal
	StopPrice   decimal.Decimal
}

// FromSignal translates a strategy signal into a market-order intent: buys
// become notional orders (cash-bounded), sells become quantity orders. Hold
// signals produce an error so callers cannot submit them by accident.
func FromSignal(sig domain.Signal) (Intent, error) {
	intent := Intent{
		Symbol:      domain.NormalizeSymbol(sig.Symbol),
		Type:        domain.OrderTypeMarket,
		TimeInForce: domain.TIFDay,
	}
	switch sig.Action {
	case domain.SignalBuy:
		if sig.Amount.Sign() <= 0 {
			return Intent{}, fmt.Errorf("buy signal for %s carries no notional amount", sig.Symbol)
		}
		intent.Side = domain.SideBuy
		intent.Notional = sig.Amount
	case domain.SignalSell:
		if sig.Quantity.Sign() <= 0 {
			return Intent{}, fmt.Errorf("sell signal for %s carries no quantity", sig.Symbol)
		}
		intent.Side = domain.SideSell
		intent.Qty = sig.Quantity
	default:
		return Intent{}, fmt.Errorf("signal action %q is not executable", sig.Action)
	}
	return intent, nil
}
