package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetPutDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, ok, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Put(ctx, "k", []byte("v1")))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	// Returned slices are copies; mutating them must not leak back.
	v[0] = 'X'
	v2, _, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v2)

	require.NoError(t, m.Delete(ctx, "k"))
	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryScanPrefix(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Put(ctx, "lot/alpha/1", []byte("a")))
	require.NoError(t, m.Put(ctx, "lot/alpha/2", []byte("b")))
	require.NoError(t, m.Put(ctx, "lot/beta/1", []byte("c")))
	require.NoError(t, m.Put(ctx, "account/alpha", []byte("d")))

	got, err := m.ScanPrefix(ctx, "lot/alpha/")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Contains(t, got, "lot/alpha/1")
	assert.Contains(t, got, "lot/alpha/2")
}

func TestMemoryEventsSinceAndLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, m.AppendEvent(ctx, EventRecord{
			Type:      "test",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	events, err := m.LoadEvents(ctx, base.Add(2*time.Minute), 0)
	require.NoError(t, err)
	assert.Len(t, events, 2, "since filter is exclusive")

	events, err = m.LoadEvents(ctx, time.Time{}, 3)
	require.NoError(t, err)
	assert.Len(t, events, 3)
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].CreatedAt.Before(events[i-1].CreatedAt))
	}
}

func TestMemoryAppendEventStampsCreatedAt(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.AppendEvent(ctx, EventRecord{Type: "test"}))
	events, err := m.LoadEvents(ctx, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.False(t, events[0].CreatedAt.IsZero())
}
