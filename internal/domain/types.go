// Package domain holds the immutable records shared by the broker adapters,
// the execution gateway and the ledger. Nothing here talks to the network or
// to storage.
package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
)

// OrderStatus follows the adapter state machine:
// pending -> accepted -> {partial -> filled | cancelled | failed}.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusAccepted  OrderStatus = "accepted"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusFailed    OrderStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed:
		return true
	}
	return false
}

// AccountInfo is the broker's view of the physical account.
type AccountInfo struct {
	AccountID      string
	Cash           decimal.Decimal
	PortfolioValue decimal.Decimal
	BuyingPower    decimal.Decimal
	Currency       string
}

// BrokerPosition is one position as reported by the broker.
type BrokerPosition struct {
	Symbol        string
	Qty           decimal.Decimal
	MarketValue   decimal.Decimal
	AvgCost       decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Side          string // "long" or "short"
}

// OrderRequest is a broker-neutral order. Exactly one of Qty and Notional
// must be positive; the adapter validates which forms it supports.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
	Notional      decimal.Decimal
	Type          OrderType
	TimeInForce   TimeInForce
	LimitPrice    decimal.Decimal
	StopPrice     decimal.Decimal
	ClientOrderID string
}

type OrderResult struct {
	OrderID        string
	ClientOrderID  string
	Symbol         string
	Side           Side
	Status         OrderStatus
	FilledQty      decimal.Decimal
	FilledAvgPrice decimal.Decimal
	SubmittedAt    time.Time
	UpdatedAt      time.Time
}

// MarketClock is always sourced from the live brokerage API.
type MarketClock struct {
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
	Timestamp time.Time
}

type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// InstrumentMapping binds a ticker symbol to a broker-internal instrument
// identifier. Bindings are stable: entries never expire, only explicit
// invalidation removes them.
type InstrumentMapping struct {
	Symbol       string    `json:"symbol"`
	Broker       string    `json:"broker"`
	InstrumentID string    `json:"instrument_id"`
	Category     string    `json:"category"`
	CachedAt     time.Time `json:"cached_at"`
}

type LotStatus string

const (
	LotStatusOpen   LotStatus = "open"
	LotStatusClosed LotStatus = "closed"
)

// Lot is one purchase batch with its own cost basis. A closed lot is
// immutable; corrections happen through labeled adjustment entries.
type Lot struct {
	ID            string          `json:"id"`
	StrategyID    string          `json:"strategy_id"`
	Symbol        string          `json:"symbol"`
	Shares        decimal.Decimal `json:"shares"`
	CostBasis     decimal.Decimal `json:"cost_basis"` // per share
	OpenedAt      time.Time       `json:"opened_at"`
	SourceOrderID string          `json:"source_order_id"` // client order id
	Status        LotStatus       `json:"status"`
	ClosedAt      time.Time       `json:"closed_at,omitempty"`
}

// VirtualAccount is the locally tracked partition of the physical account
// attributed to one strategy. Cash excludes Reserved.
type VirtualAccount struct {
	StrategyID  string          `json:"strategy_id"`
	Cash        decimal.Decimal `json:"cash"`
	Reserved    decimal.Decimal `json:"reserved"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// RealizedPnL records the outcome of closing (part of) one lot.
type RealizedPnL struct {
	ID         string          `json:"id"`
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol"`
	LotID      string          `json:"lot_id"`
	Shares     decimal.Decimal `json:"shares"`
	Proceeds   decimal.Decimal `json:"proceeds"`
	CostBasis  decimal.Decimal `json:"cost_basis"` // total, not per share
	PnL        decimal.Decimal `json:"pnl"`
	ClosedAt   time.Time       `json:"closed_at"`
}

// Adjustment is an explicitly labeled correction entry applied to the
// unallocated cash pool, e.g. dividends or fees discovered by reconciliation.
type Adjustment struct {
	ID        string          `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`
}

type SignalAction string

const (
	SignalBuy  SignalAction = "buy"
	SignalSell SignalAction = "sell"
	SignalHold SignalAction = "hold"
)

// Signal is what the strategy layer emits. Amount is notional cash,
// Quantity is shares; strategies set one of the two.
type Signal struct {
	Symbol   string
	Action   SignalAction
	Amount   decimal.Decimal
	Quantity decimal.Decimal
	Reason   string
}

// ShareDrift is a per-symbol mismatch between ledger and broker.
type ShareDrift struct {
	Symbol       string          `json:"symbol"`
	LocalShares  decimal.Decimal `json:"local_shares"`
	BrokerShares decimal.Decimal `json:"broker_shares"`
	Delta        decimal.Decimal `json:"delta"` // broker - local
}

type ReconciliationReport struct {
	Timestamp    time.Time       `json:"timestamp"`
	ShareDrift   []ShareDrift    `json:"share_drift,omitempty"`
	CashDelta    decimal.Decimal `json:"cash_delta"`
	CashAdjusted bool            `json:"cash_adjusted"`
	Excluded     []string        `json:"excluded,omitempty"` // symbols with in-flight orders
	Clean        bool            `json:"clean"`
}

type NewsItem struct {
	Symbol      string
	Headline    string
	URL         string
	PublishedAt time.Time
}

// NormalizeSymbol canonicalizes a ticker for map keys and comparisons.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
