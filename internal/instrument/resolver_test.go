package instrument

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"tessera/internal/domain"
	"tessera/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLookup struct {
	calls atomic.Int64
	gate  chan struct{} // when non-nil, lookups park here until closed
	ids   map[string]string
}

func (c *countingLookup) LookupInstrument(_ context.Context, symbol, _ string) (string, error) {
	c.calls.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	id, ok := c.ids[symbol]
	if !ok {
		return "", fmt.Errorf("no instrument for %s", symbol)
	}
	return id, nil
}

func TestResolveCachesAcrossLayers(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	lookup := &countingLookup{ids: map[string]string{"AAPL": "913256135"}}
	r := NewResolver("webull", mem, lookup)

	id, err := r.Resolve(ctx, "aapl", "")
	require.NoError(t, err)
	assert.Equal(t, "913256135", id)
	assert.Equal(t, int64(1), lookup.calls.Load())

	// Warm path: memory cache, no further upstream call.
	id, err = r.Resolve(ctx, "AAPL", "")
	require.NoError(t, err)
	assert.Equal(t, "913256135", id)
	assert.Equal(t, int64(1), lookup.calls.Load())

	// A fresh resolver over the same store hits the persisted binding.
	r2 := NewResolver("webull", mem, lookup)
	id, err = r2.Resolve(ctx, "AAPL", "")
	require.NoError(t, err)
	assert.Equal(t, "913256135", id)
	assert.Equal(t, int64(1), lookup.calls.Load())
}

func TestConcurrentResolveCollapsesToOneUpstreamCall(t *testing.T) {
	ctx := context.Background()
	lookup := &countingLookup{
		ids:  map[string]string{"AAPL": "913256135"},
		gate: make(chan struct{}),
	}
	r := NewResolver("webull", store.NewMemory(), lookup)

	const callers = 16
	results := make([]string, callers)
	errs := make([]error, callers)
	var started, done sync.WaitGroup
	for i := 0; i < callers; i++ {
		started.Add(1)
		done.Add(1)
		i := i
		go func() {
			defer done.Done()
			started.Done()
			results[i], errs[i] = r.Resolve(ctx, "AAPL", "")
		}()
	}
	started.Wait()
	close(lookup.gate)
	done.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "913256135", results[i])
	}
	assert.Equal(t, int64(1), lookup.calls.Load(), "concurrent misses must share one upstream call")
}

func TestResolveUnknownSymbolWrapsResolutionError(t *testing.T) {
	lookup := &countingLookup{ids: map[string]string{}}
	r := NewResolver("webull", store.NewMemory(), lookup)

	_, err := r.Resolve(context.Background(), "NOPE", "")
	var resErr *domain.ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "NOPE", resErr.Symbol)
	assert.Equal(t, "webull", resErr.Broker)
}

func TestInvalidateForcesFreshLookup(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	lookup := &countingLookup{ids: map[string]string{"AAPL": "old-id"}}
	r := NewResolver("webull", mem, lookup)

	id, err := r.Resolve(ctx, "AAPL", "")
	require.NoError(t, err)
	assert.Equal(t, "old-id", id)

	lookup.ids["AAPL"] = "new-id"
	require.NoError(t, r.Invalidate(ctx, "AAPL"))

	id, err = r.Resolve(ctx, "AAPL", "")
	require.NoError(t, err)
	assert.Equal(t, "new-id", id, "invalidation must drop both cache layers")
	assert.Equal(t, int64(2), lookup.calls.Load())
}

func TestCachedSnapshot(t *testing.T) {
	lookup := &countingLookup{ids: map[string]string{"AAPL": "1", "MSFT": "2"}}
	r := NewResolver("webull", store.NewMemory(), lookup)
	ctx := context.Background()
	_, err := r.Resolve(ctx, "AAPL", "")
	require.NoError(t, err)
	_, err = r.Resolve(ctx, "MSFT", "")
	require.NoError(t, err)
	assert.Len(t, r.Cached(), 2)
}
