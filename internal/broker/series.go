package broker

import (
	"sort"

	"tessera/internal/domain"
)

// CleanSeries sorts bars ascending by timestamp and drops duplicates, so
// multi-page concatenation always yields one calendar-ordered series.
func CleanSeries(bars []domain.Bar) []domain.Bar {
	if len(bars) == 0 {
		return bars
	}
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	out := bars[:1]
	for _, b := range bars[1:] {
		if b.Timestamp.Equal(out[len(out)-1].Timestamp) {
			continue
		}
		out = append(out, b)
	}
	return out
}
