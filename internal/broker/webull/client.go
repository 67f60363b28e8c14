// Package webull adapts a Webull-style equities REST API. Webull addresses
// instruments by numeric ticker id, so every symbol call goes through the
// instrument resolver first; callers never see the internal ids.
package webull

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tessera/internal/domain"
	"tessera/internal/logger"

	"github.com/jpillora/backoff"
	"github.com/tidwall/gjson"
)

const maxRateLimitAttempts = 5

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	key        string
	secret     string
}

func NewClient(baseRaw, key, secret string, timeout time.Duration) (*Client, error) {
	baseRaw = strings.TrimSpace(baseRaw)
	if baseRaw == "" {
		return nil, fmt.Errorf("webull: base url cannot be empty")
	}
	parsed, err := url.Parse(baseRaw)
	if err != nil {
		return nil, fmt.Errorf("webull: parsing base url: %w", err)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: timeout},
		key:        strings.TrimSpace(key),
		secret:     strings.TrimSpace(secret),
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("webull: http %d: %s", e.Status, e.Body)
}

var errNotFound = errors.New("webull: not found")

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	bo := &backoff.Backoff{Min: 250 * time.Millisecond, Max: 8 * time.Second, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 0; attempt < maxRateLimitAttempts; attempt++ {
		if attempt > 0 {
			wait := bo.Duration()
			logger.Debugf("webull: 429, retrying in %s (attempt %d)", wait, attempt+1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		raw, err := c.doOnce(ctx, method, path, query, payload)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests {
			lastErr = err
			continue
		}
		return raw, err
	}
	return nil, &domain.RateLimitExceededError{Broker: "webull", Attempts: maxRateLimitAttempts, Err: lastErr}
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("webull: encoding request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", c.key)
	req.Header.Set("X-API-SIGN", c.secret)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errNotFound
	case resp.StatusCode >= 400:
		return nil, &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return raw, nil
}

// LookupInstrument implements instrument.Lookup: ticker search returning the
// numeric ticker id for an exact symbol match.
func (c *Client) LookupInstrument(ctx context.Context, symbol, category string) (string, error) {
	q := url.Values{"keyword": []string{symbol}}
	if category != "" {
		q.Set("category", category)
	}
	raw, err := c.doRequest(ctx, http.MethodGet, "/api/search/tickers", q, nil)
	if errors.Is(err, errNotFound) {
		return "", fmt.Errorf("no instrument for %s", symbol)
	}
	if err != nil {
		return "", err
	}
	for _, item := range gjson.GetBytes(raw, "data").Array() {
		if domain.NormalizeSymbol(item.Get("symbol").String()) == domain.NormalizeSymbol(symbol) {
			if id := item.Get("tickerId").String(); id != "" && id != "0" {
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("no instrument for %s", symbol)
}
