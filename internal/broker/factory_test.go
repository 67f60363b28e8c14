package broker

import (
	"context"
	"testing"

	"tessera/internal/config"
	"tessera/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	r := NewRegistry()
	r.RegisterBroker("fake", func(cfg config.BrokerConfig, _ Deps) (BrokerProvider, error) {
		return nil, nil
	})
	r.RegisterData("fake", func(cfg config.ProviderConfig, _ Deps) (MarketDataProvider, error) {
		return nil, nil
	})
	r.RegisterData("other", func(cfg config.ProviderConfig, _ Deps) (MarketDataProvider, error) {
		return nil, nil
	})
	return r
}

func TestCreateBrokerNormalizesName(t *testing.T) {
	r := newTestRegistry()
	deps := Deps{Store: store.NewMemory()}

	_, err := r.CreateBroker(config.BrokerConfig{Provider: "  FAKE "}, deps)
	assert.NoError(t, err)
}

func TestCreateBrokerUnknownListsRegistered(t *testing.T) {
	r := newTestRegistry()

	_, err := r.CreateBroker(config.BrokerConfig{Provider: "etrade"}, Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "etrade")
	assert.Contains(t, err.Error(), "fake", "error must list what is registered")
}

func TestDataProviderResolvedIndependently(t *testing.T) {
	// Trading on one backend, market data from another.
	r := newTestRegistry()
	deps := Deps{Store: store.NewMemory()}

	_, err := r.CreateBroker(config.BrokerConfig{Provider: "fake"}, deps)
	require.NoError(t, err)
	_, err = r.CreateDataProvider(config.ProviderConfig{Provider: "other"}, deps)
	assert.NoError(t, err)

	_, err = r.CreateDataProvider(config.ProviderConfig{Provider: "missing"}, deps)
	assert.Error(t, err)
}

func TestCreateNewsProviderFallsBackToNop(t *testing.T) {
	r := newTestRegistry()

	news, err := r.CreateNewsProvider(config.ProviderConfig{Provider: "fake"}, Deps{})
	require.NoError(t, err)
	assert.False(t, news.Supported())

	items, err := news.GetNews(context.Background(), "AAPL", 10)
	require.NoError(t, err)
	assert.Empty(t, items)
}
