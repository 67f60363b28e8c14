package broker

import (
	"context"

	"tessera/internal/domain"
)

// NopNews is returned for providers without a news capability. It reports
// unsupported explicitly instead of raising, so dependent callers can skip.
type NopNews struct {
	Name string
}

var _ NewsProvider = NopNews{}

func (n NopNews) ProviderName() string { return n.Name }

func (NopNews) Supported() bool { return false }

func (NopNews) GetNews(context.Context, string, int) ([]domain.NewsItem, error) {
	return nil, nil
}
