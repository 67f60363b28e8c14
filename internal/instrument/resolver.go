// Package instrument maps ticker symbols to broker-internal instrument
// identifiers, caching resolutions in memory and in the persistent store.
package instrument

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tessera/internal/domain"
	"tessera/internal/logger"
	"tessera/internal/store"

	"golang.org/x/sync/singleflight"
)

// Lookup is the upstream call a broker client provides for cache misses.
type Lookup interface {
	LookupInstrument(ctx context.Context, symbol, category string) (string, error)
}

// LookupFunc adapts a function to the Lookup interface.
type LookupFunc func(ctx context.Context, symbol, category string) (string, error)

func (f LookupFunc) LookupInstrument(ctx context.Context, symbol, category string) (string, error) {
	return f(ctx, symbol, category)
}

// Resolver resolves symbol -> instrument id through three layers: memory,
// persistent store, upstream lookup. Entries never expire; only Invalidate
// removes them. Concurrent misses for one symbol collapse into a single
// upstream call.
type Resolver struct {
	broker string
	store  store.Store
	lookup Lookup

	group singleflight.Group
	cache *memCache
}

func NewResolver(broker string, st store.Store, lookup Lookup) *Resolver {
	return &Resolver{
		broker: broker,
		store:  st,
		lookup: lookup,
		cache:  newMemCache(),
	}
}

func (r *Resolver) storeKey(symbol string) string {
	return fmt.Sprintf("instrument/%s/%s", r.broker, symbol)
}

// Resolve returns the broker instrument id for symbol. The second concurrent
// caller for the same symbol blocks until the first resolution commits, then
// reads the committed entry; it never issues its own upstream call.
func (r *Resolver) Resolve(ctx context.Context, symbol, category string) (string, error) {
	symbol = domain.NormalizeSymbol(symbol)
	if symbol == "" {
		return "", &domain.ResolutionError{Symbol: symbol, Broker: r.broker, Err: fmt.Errorf("empty symbol")}
	}
	if m, ok := r.cache.get(symbol); ok {
		return m.InstrumentID, nil
	}
	v, err, _ := r.group.Do(symbol, func() (any, error) {
		return r.resolveSlow(ctx, symbol, category)
	})
	if err != nil {
		return "", err
	}
	return v.(domain.InstrumentMapping).InstrumentID, nil
}

func (r *Resolver) resolveSlow(ctx context.Context, symbol, category string) (domain.InstrumentMapping, error) {
	// Re-check under the flight: a previous caller may have committed while
	// we waited for the group slot.
	if m, ok := r.cache.get(symbol); ok {
		return m, nil
	}
	if r.store != nil {
		raw, ok, err := r.store.Get(ctx, r.storeKey(symbol))
		if err != nil {
			logger.Warnf("instrument: store read failed symbol=%s err=%v", symbol, err)
		} else if ok {
			var m domain.InstrumentMapping
			if err := json.Unmarshal(raw, &m); err == nil && m.InstrumentID != "" {
				r.cache.put(symbol, m)
				return m, nil
			}
		}
	}
	if r.lookup == nil {
		return domain.InstrumentMapping{}, &domain.ResolutionError{Symbol: symbol, Broker: r.broker, Err: fmt.Errorf("no lookup configured")}
	}
	id, err := r.lookup.LookupInstrument(ctx, symbol, category)
	if err != nil {
		return domain.InstrumentMapping{}, &domain.ResolutionError{Symbol: symbol, Broker: r.broker, Err: err}
	}
	if id == "" {
		return domain.InstrumentMapping{}, &domain.ResolutionError{Symbol: symbol, Broker: r.broker}
	}
	m := domain.InstrumentMapping{
		Symbol:       symbol,
		Broker:       r.broker,
		InstrumentID: id,
		Category:     category,
		CachedAt:     time.Now(),
	}
	if r.store != nil {
		if raw, err := json.Marshal(m); err == nil {
			if err := r.store.Put(ctx, r.storeKey(symbol), raw); err != nil {
				logger.Warnf("instrument: store write failed symbol=%s err=%v", symbol, err)
			}
		}
	}
	r.cache.put(symbol, m)
	return m, nil
}

// Invalidate drops the binding from both layers. The next Resolve performs a
// fresh upstream lookup.
func (r *Resolver) Invalidate(ctx context.Context, symbol string) error {
	symbol = domain.NormalizeSymbol(symbol)
	r.cache.delete(symbol)
	r.group.Forget(symbol)
	if r.store == nil {
		return nil
	}
	return r.store.Delete(ctx, r.storeKey(symbol))
}

// Cached returns the in-memory mappings, for the admin surface.
func (r *Resolver) Cached() []domain.InstrumentMapping {
	return r.cache.snapshot()
}
