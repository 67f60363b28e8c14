// Package alpaca adapts the Alpaca equities REST API to the broker
// capability interfaces. Alpaca addresses instruments by ticker symbol, so
// no instrument resolution is needed.
package alpaca

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
)

const (
	liveBaseURL  = "https://api.alpaca.markets"
	paperBaseURL = "https://paper-api.alpaca.markets"
	dataBaseURL  = "https://data.alpaca.markets"

	maxRateLimitAttempts = 5
)

// Client wraps the raw REST interactions shared by the trading and data
// adapters.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	key        string
	secret     string
}

func NewClient(baseRaw, key, secret string, timeout time.Duration) (*Client, error) {
	baseRaw = strings.TrimSpace(baseRaw)
	if baseRaw == "" {
		return nil, fmt.Errorf("alpaca: base url cannot be empty")
	}
	parsed, err := url.Parse(baseRaw)
	if err != nil {
		return nil, fmt.Errorf("alpaca: parsing base url: %w", err)
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

// apiError carries the broker's HTTP status for classification.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("alpaca: http %d: %s", e.Status, e.Body)
}

var errNotFound = errors.New("alpaca: not found")

// doRequest performs one call with bounded exponential backoff on 429s.
// Exhaustion surfaces as RateLimitExceededError. Backoff sleeps happen here,
// after the caller's per-key lock is already released.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	bo := &backoff.Backoff{Min: 250 * time.Millisecond, Max: 8 * time.Second, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 0; attempt < maxRateLimitAttempts; attempt++ {
		if attempt > 0 {
			wait := bo.Duration()
			logger.Debugf("alpaca: 429, retrying in %s (attempt %d)", wait, attempt+1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		err := c.doOnce(ctx, method, path, query, payload, out)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests {
			lastErr = err
			continue
		}
		return err
	}
	return &domain.RateLimitExceededError{Broker: "alpaca", Attempts: maxRateLimitAttempts, Err: lastErr}
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, payload, out any) error {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("alpaca: encoding request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("APCA-API-KEY-ID", c.key)
	req.Header.Set("APCA-API-SECRET-KEY", c.secret)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode >= 400:
		return &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	switch dst := out.(type) {
	case *[]byte:
		*dst = raw
		return nil
	default:
		return json.Unmarshal(raw, out)
	}
}
