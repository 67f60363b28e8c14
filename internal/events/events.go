// Package events carries the structured events the core exposes to
// observability and notification collaborators. Formatting and delivery are
// their responsibility; tessera only publishes.
package events

import (
	"context"
	"encoding/json"
	"time"

	"tessera/internal/logger"
	"tessera/internal/store"

	"github.com/google/uuid"
)

type Type string

const (
	TypeOrderSubmitted Type = "order_submitted"
	TypeOrderFilled    Type = "order_filled"
	TypeDriftDetected  Type = "drift_detected"
	TypeCashAdjusted   Type = "cash_adjusted"
	TypeTradingHalted  Type = "trading_halted"
	TypeTradingResumed Type = "trading_resumed"
)

type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	StrategyID string         `json:"strategy_id,omitempty"`
	Symbol     string         `json:"symbol,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func New(t Type, strategyID, symbol string, payload map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		StrategyID: strategyID,
		Symbol:     symbol,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// LogPublisher writes events to the process log.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, evt Event) {
	logger.Infof("event type=%s strategy=%s symbol=%s payload=%v", evt.Type, evt.StrategyID, evt.Symbol, evt.Payload)
}

// StorePublisher appends events to the persistent event log.
type StorePublisher struct {
	Store store.Store
}

func (p StorePublisher) Publish(ctx context.Context, evt Event) {
	if p.Store == nil {
		return
	}
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		logger.Warnf("events: marshal payload failed id=%s err=%v", evt.ID, err)
		payload = []byte("{}")
	}
	rec := store.EventRecord{
		ID:         evt.ID,
		Type:       string(evt.Type),
		StrategyID: evt.StrategyID,
		Symbol:     evt.Symbol,
		Payload:    payload,
		CreatedAt:  evt.CreatedAt,
	}
	if err := p.Store.AppendEvent(ctx, rec); err != nil {
		logger.Warnf("events: append failed id=%s type=%s err=%v", evt.ID, evt.Type, err)
	}
}

// Fanout publishes to every child publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, evt)
		}
	}
}

// Nop drops everything. Used by tests and the backtest caller.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
