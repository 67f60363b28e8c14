package broker

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"tessera/internal/config"
	"tessera/internal/store"
)

// Deps carries the collaborators a backend may need. The persistent store
// backs each backend's instrument cache.
type Deps struct {
	Store store.Store
}

type (
	BrokerFactory func(cfg config.BrokerConfig, deps Deps) (BrokerProvider, error)
	DataFactory   func(cfg config.ProviderConfig, deps Deps) (MarketDataProvider, error)
	NewsFactory   func(cfg config.ProviderConfig, deps Deps) (NewsProvider, error)
)

// Registry maps provider names to factory functions. It is populated
// explicitly at startup; there is no import-time self-registration.
type Registry struct {
	mu      sync.RWMutex
	brokers map[string]BrokerFactory
	data    map[string]DataFactory
	news    map[string]NewsFactory
}

func NewRegistry() *Registry {
	return &Registry{
		brokers: make(map[string]BrokerFactory),
		data:    make(map[string]DataFactory),
		news:    make(map[string]NewsFactory),
	}
}

func (r *Registry) RegisterBroker(name string, f BrokerFactory) {
	r.mu.Lock()
	r.brokers[normalizeName(name)] = f
	r.mu.Unlock()
}

func (r *Registry) RegisterData(name string, f DataFactory) {
	r.mu.Lock()
	r.data[normalizeName(name)] = f
	r.mu.Unlock()
}

func (r *Registry) RegisterNews(name string, f NewsFactory) {
	r.mu.Lock()
	r.news[normalizeName(name)] = f
	r.mu.Unlock()
}

// CreateBroker resolves the single trading broker.
func (r *Registry) CreateBroker(cfg config.BrokerConfig, deps Deps) (BrokerProvider, error) {
	name := normalizeName(cfg.Provider)
	r.mu.RLock()
	f, ok := r.brokers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported broker provider: %q (registered: %s)", cfg.Provider, strings.Join(r.brokerNames(), ", "))
	}
	return f(cfg, deps)
}

// CreateDataProvider resolves the market-data provider independently of the
// trading broker ("mixed-provider mode").
func (r *Registry) CreateDataProvider(cfg config.ProviderConfig, deps Deps) (MarketDataProvider, error) {
	name := normalizeName(cfg.Provider)
	r.mu.RLock()
	f, ok := r.data[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported data provider: %q", cfg.Provider)
	}
	return f(cfg, deps)
}

// CreateNewsProvider resolves a news provider. Providers without news
// capability get the no-op implementation rather than an error, so callers
// can probe Supported() and skip.
func (r *Registry) CreateNewsProvider(cfg config.ProviderConfig, deps Deps) (NewsProvider, error) {
	name := normalizeName(cfg.Provider)
	r.mu.RLock()
	f, ok := r.news[name]
	r.mu.RUnlock()
	if !ok {
		return NopNews{Name: name}, nil
	}
	return f(cfg, deps)
}

func (r *Registry) brokerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.brokers))
	for name := range r.brokers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
