package alpaca

import (
	"time"

	"tessera/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Alpaca quotes money and quantities as JSON strings; gjson keeps the
// parsing tolerant of missing fields.

func dec(v gjson.Result) decimal.Decimal {
	if !v.Exists() {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.NewFromFloat(v.Float())
	}
	return d
}

func ts(v gjson.Result) time.Time {
	if !v.Exists() {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String())
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseAccount(raw []byte) domain.AccountInfo {
	root := gjson.ParseBytes(raw)
	return domain.AccountInfo{
		AccountID:      root.Get("account_number").String(),
		Cash:           dec(root.Get("cash")),
		PortfolioValue: dec(root.Get("portfolio_value")),
		BuyingPower:    dec(root.Get("buying_power")),
		Currency:       root.Get("currency").String(),
	}
}

func parsePosition(raw []byte) domain.BrokerPosition {
	return positionFromResult(gjson.ParseBytes(raw))
}

func parsePositions(raw []byte) []domain.BrokerPosition {
	items := gjson.ParseBytes(raw).Array()
	out := make([]domain.BrokerPosition, 0, len(items))
	for _, item := range items {
		out = append(out, positionFromResult(item))
	}
	return out
}

func positionFromResult(item gjson.Result) domain.BrokerPosition {
	return domain.BrokerPosition{
		Symbol:        domain.NormalizeSymbol(item.Get("symbol").String()),
		Qty:           dec(item.Get("qty")),
		MarketValue:   dec(item.Get("market_value")),
		AvgCost:       dec(item.Get("avg_entry_price")),
		UnrealizedPnL: dec(item.Get("unrealized_pl")),
		Side:          item.Get("side").String(),
	}
}

func parseOrder(raw []byte) domain.OrderResult {
	return orderFromResult(gjson.ParseBytes(raw))
}

func parseOrders(raw []byte) []domain.OrderResult {
	items := gjson.ParseBytes(raw).Array()
	out := make([]domain.OrderResult, 0, len(items))
	for _, item := range items {
		out = append(out, orderFromResult(item))
	}
	return out
}

func orderFromResult(item gjson.Result) domain.OrderResult {
	return domain.OrderResult{
		OrderID:        item.Get("id").String(),
		ClientOrderID:  item.Get("client_order_id").String(),
		Symbol:         domain.NormalizeSymbol(item.Get("symbol").String()),
		Side:           domain.Side(item.Get("side").String()),
		Status:         orderStatus(item.Get("status").String()),
		FilledQty:      dec(item.Get("filled_qty")),
		FilledAvgPrice: dec(item.Get("filled_avg_price")),
		SubmittedAt:    ts(item.Get("submitted_at")),
		UpdatedAt:      ts(item.Get("updated_at")),
	}
}

func orderStatus(s string) domain.OrderStatus {
	switch s {
	case "new", "accepted", "pending_cancel", "pending_replace":
		return domain.OrderStatusAccepted
	case "partially_filled":
		return domain.OrderStatusPartial
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "done_for_day", "expired", "replaced":
		return domain.OrderStatusCancelled
	case "rejected", "stopped", "suspended":
		return domain.OrderStatusFailed
	default:
		return domain.OrderStatusPending
	}
}

// apiOrderStatus maps the domain filter to Alpaca's list-orders values.
func apiOrderStatus(s domain.OrderStatus) string {
	switch s {
	case domain.OrderStatusFilled, domain.OrderStatusCancelled, domain.OrderStatusFailed:
		return "closed"
	case "":
		return "all"
	default:
		return "open"
	}
}

func parseClock(raw []byte) domain.MarketClock {
	root := gjson.ParseBytes(raw)
	return domain.MarketClock{
		IsOpen:    root.Get("is_open").Bool(),
		NextOpen:  ts(root.Get("next_open")),
		NextClose: ts(root.Get("next_close")),
		Timestamp: ts(root.Get("timestamp")),
	}
}

func parseBars(symbol string, raw []byte) ([]domain.Bar, string) {
	root := gjson.ParseBytes(raw)
	items := root.Get("bars").Array()
	out := make([]domain.Bar, 0, len(items))
	for _, item := range items {
		out = append(out, domain.Bar{
			Symbol:    symbol,
			Timestamp: ts(item.Get("t")),
			Open:      item.Get("o").Float(),
			High:      item.Get("h").Float(),
			Low:       item.Get("l").Float(),
			Close:     item.Get("c").Float(),
			Volume:    item.Get("v").Int(),
		})
	}
	return out, root.Get("next_page_token").String()
}
