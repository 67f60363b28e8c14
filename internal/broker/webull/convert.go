package webull

import (
	"time"

	"tessera/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

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

func millis(v gjson.Result) time.Time {
	if !v.Exists() || v.Int() <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v.Int())
}

func parseAccount(raw []byte) domain.AccountInfo {
	root := gjson.ParseBytes(raw)
	return domain.AccountInfo{
		AccountID:      root.Get("accountId").String(),
		Cash:           dec(root.Get("cashBalance")),
		PortfolioValue: dec(root.Get("netLiquidation")),
		BuyingPower:    dec(root.Get("buyingPower")),
		Currency:       root.Get("currency").String(),
	}
}

func parsePosition(raw []byte) domain.BrokerPosition {
	return positionFromResult(gjson.ParseBytes(raw))
}

func parsePositions(raw []byte) []domain.BrokerPosition {
	items := gjson.GetBytes(raw, "data").Array()
	out := make([]domain.BrokerPosition, 0, len(items))
	for _, item := range items {
		out = append(out, positionFromResult(item))
	}
	return out
}

func positionFromResult(item gjson.Result) domain.BrokerPosition {
	side := "long"
	if dec(item.Get("position")).Sign() < 0 {
		side = "short"
	}
	return domain.BrokerPosition{
		Symbol:        domain.NormalizeSymbol(item.Get("symbol").String()),
		Qty:           dec(item.Get("position")).Abs(),
		MarketValue:   dec(item.Get("marketValue")),
		AvgCost:       dec(item.Get("costPrice")),
		UnrealizedPnL: dec(item.Get("unrealizedProfitLoss")),
		Side:          side,
	}
}

func parseOrder(raw []byte) domain.OrderResult {
	return orderFromResult(gjson.ParseBytes(raw))
}

func parseOrders(raw []byte) []domain.OrderResult {
	items := gjson.GetBytes(raw, "data").Array()
	out := make([]domain.OrderResult, 0, len(items))
	for _, item := range items {
		out = append(out, orderFromResult(item))
	}
	return out
}

func orderFromResult(item gjson.Result) domain.OrderResult {
	return domain.OrderResult{
		OrderID:        item.Get("orderId").String(),
		ClientOrderID:  item.Get("clientOrderId").String(),
		Symbol:         domain.NormalizeSymbol(item.Get("symbol").String()),
		Side:           sideFromAPI(item.Get("action").String()),
		Status:         orderStatus(item.Get("status").String()),
		FilledQty:      dec(item.Get("filledQuantity")),
		FilledAvgPrice: dec(item.Get("avgFilledPrice")),
		SubmittedAt:    millis(item.Get("createTime")),
		UpdatedAt:      millis(item.Get("updateTime")),
	}
}

func orderStatus(s string) domain.OrderStatus {
	switch s {
	case "Working", "Queued":
		return domain.OrderStatusAccepted
	case "PartialFilled":
		return domain.OrderStatusPartial
	case "Filled":
		return domain.OrderStatusFilled
	case "Cancelled":
		return domain.OrderStatusCancelled
	case "Failed", "Rejected":
		return domain.OrderStatusFailed
	default:
		return domain.OrderStatusPending
	}
}

// apiOrderStatus maps the domain status vocabulary onto the API's filter
// values; the inverse of orderStatus.
func apiOrderStatus(s domain.OrderStatus) string {
	switch s {
	case domain.OrderStatusAccepted:
		return "Working"
	case domain.OrderStatusPartial:
		return "PartialFilled"
	case domain.OrderStatusFilled:
		return "Filled"
	case domain.OrderStatusCancelled:
		return "Cancelled"
	case domain.OrderStatusFailed:
		return "Failed"
	default:
		return "Pending"
	}
}

func apiSide(s domain.Side) string {
	if s == domain.SideSell {
		return "SELL"
	}
	return "BUY"
}

func apiOrderType(t domain.OrderType) string {
	if t == domain.OrderTypeLimit {
		return "LMT"
	}
	return "MKT"
}

func apiTIF(t domain.TimeInForce) string {
	switch t {
	case domain.TIFGTC:
		return "GTC"
	case domain.TIFIOC:
		return "IOC"
	default:
		return "DAY"
	}
}

func sideFromAPI(s string) domain.Side {
	if s == "SELL" {
		return domain.SideSell
	}
	return domain.SideBuy
}

func parseClock(raw []byte) domain.MarketClock {
	root := gjson.ParseBytes(raw)
	return domain.MarketClock{
		IsOpen:    root.Get("isOpen").Bool(),
		NextOpen:  millis(root.Get("nextOpen")),
		NextClose: millis(root.Get("nextClose")),
		Timestamp: millis(root.Get("serverTime")),
	}
}

func parseKlines(symbol string, raw []byte) []domain.Bar {
	items := gjson.GetBytes(raw, "data").Array()
	out := make([]domain.Bar, 0, len(items))
	for _, item := range items {
		out = append(out, domain.Bar{
			Symbol:    symbol,
			Timestamp: millis(item.Get("timestamp")),
			Open:      item.Get("open").Float(),
			High:      item.Get("high").Float(),
			Low:       item.Get("low").Float(),
			Close:     item.Get("close").Float(),
			Volume:    item.Get("volume").Int(),
		})
	}
	return out
}
