package broker

import (
	"testing"
	"time"

	"tessera/internal/domain"

	"github.com/stretchr/testify/assert"
)

func TestCleanSeriesSortsAndDedupes(t *testing.T) {
	base := time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
	bar := func(offset int, volume int64) domain.Bar {
		return domain.Bar{Timestamp: base.Add(time.Duration(offset) * time.Minute), Volume: volume}
	}

	out := CleanSeries([]domain.Bar{bar(2, 3), bar(0, 1), bar(1, 2), bar(2, 99), bar(0, 98)})
	assert.Len(t, out, 3)
	for i, want := range []int64{1, 2, 3} {
		assert.Equal(t, want, out[i].Volume, "first occurrence wins at index %d", i)
	}
	for i := 1; i < len(out); i++ {
		assert.True(t, out[i].Timestamp.After(out[i-1].Timestamp))
	}
}

func TestCleanSeriesEmpty(t *testing.T) {
	assert.Empty(t, CleanSeries(nil))
}
