package instrument

import (
	"sort"
	"sync"

	"tessera/internal/domain"
)

type memCache struct {
	mu sync.RWMutex
	m  map[string]domain.InstrumentMapping
}

func newMemCache() *memCache {
	return &memCache{m: make(map[string]domain.InstrumentMapping)}
}

func (c *memCache) get(symbol string) (domain.InstrumentMapping, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.m[symbol]
	return m, ok
}

func (c *memCache) put(symbol string, m domain.InstrumentMapping) {
	c.mu.Lock()
	c.m[symbol] = m
	c.mu.Unlock()
}

func (c *memCache) delete(symbol string) {
	c.mu.Lock()
	delete(c.m, symbol)
	c.mu.Unlock()
}

func (c *memCache) snapshot() []domain.InstrumentMapping {
	c.mu.RLock()
	out := make([]domain.InstrumentMapping, 0, len(c.m))
	for _, m := range c.m {
		out = append(out, m)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
