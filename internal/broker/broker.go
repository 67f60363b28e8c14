// Package broker defines the capability interfaces every broker backend
// implements, plus the registry the factory resolves providers from. No
// implementation may leak broker-specific types past its own boundary:
// adapters accept and return domain records only, and symbols are the only
// instrument input callers ever supply.
package broker

import (
	"context"
	"errors"
	"time"

	"tessera/internal/domain"
)

// ErrOutcomeUnknown wraps a submission failure where the request may have
// reached the backend even though no usable response arrived: severed
// connections, or a 5xx from a gateway/proxy that could have forwarded the
// order before failing. Callers must resolve the order by client id before
// releasing its budget; the error never means "the order does not exist".
var ErrOutcomeUnknown = errors.New("order outcome unknown")

// BrokerProvider is the trading capability set.
type BrokerProvider interface {
	BrokerName() string
	SupportsFractional() bool
	// SupportedOrderTypes is consulted before any network call; requesting
	// an absent type fails fast with UnsupportedCapabilityError.
	SupportedOrderTypes() []domain.OrderType

	GetAccount(ctx context.Context) (domain.AccountInfo, error)
	GetPositions(ctx context.Context) ([]domain.BrokerPosition, error)
	// GetPosition returns nil when the account holds no position in symbol.
	GetPosition(ctx context.Context, symbol string) (*domain.BrokerPosition, error)

	SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (domain.OrderResult, error)
	// GetOrderByClientID is the existence check behind ambiguous-outcome
	// resolution. Returns nil when no order carries the id.
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*domain.OrderResult, error)
	// ListOrders paginates internally; callers never see a partial page.
	ListOrders(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.OrderResult, error)

	// GetClock is sourced from the live brokerage API, never hardcoded.
	GetClock(ctx context.Context) (domain.MarketClock, error)
}

// MarketDataProvider serves calendar-ordered, gap-free, deduplicated bar
// series. When the backend's per-call row limit is smaller than the request,
// the adapter issues multiple calls and concatenates.
type MarketDataProvider interface {
	ProviderName() string
	GetBars(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]domain.Bar, error)
	GetBarsMulti(ctx context.Context, symbols []string, timeframe string, start, end time.Time) (map[string][]domain.Bar, error)
}

// NewsProvider is optional; providers without news return a no-op that
// reports unsupported so dependent callers can skip gracefully.
type NewsProvider interface {
	ProviderName() string
	Supported() bool
	GetNews(ctx context.Context, symbol string, limit int) ([]domain.NewsItem, error)
}

// SupportsOrderType checks a provider's capability set.
func SupportsOrderType(p BrokerProvider, t domain.OrderType) bool {
	for _, supported := range p.SupportedOrderTypes() {
		if supported == t {
			return true
		}
	}
	return false
}
