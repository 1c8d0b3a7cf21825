// Package marketdata fetches index quotes and the AMFI NAV dump from
// external providers.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"mf_backend_project/models"
)

// DefaultTimeout caps every provider request. An uncapped fetch could hold
// the pipeline lock past its TTL.
const DefaultTimeout = 30 * time.Second

// StatusError is returned for non-200 provider responses
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider %s returned status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if repeated
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsRetryable reports whether err is worth another attempt. Network errors
// and timeouts are, client errors are not.
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	var pe *ParseError
	return !errors.As(err, &pe)
}

// ParseError is returned when a provider payload cannot be decoded
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s: %v", e.Source, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Client talks to the index provider and the AMFI NAV source
type Client struct {
	httpClient *http.Client
	indicesURL string
	navURL     string
}

// NewClient creates a provider client. timeout <= 0 uses DefaultTimeout.
func NewClient(indicesURL, navURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		indicesURL: indicesURL,
		navURL:     navURL,
	}
}

// IndexQuote is one index as reported by the provider
type IndexQuote struct {
	Symbol        string  `json:"symbol"`
	Name          string  `json:"name"`
	Value         float64 `json:"value"`
	Change        float64 `json:"change"`
	PercentChange float64 `json:"percentChange"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	PreviousClose float64 `json:"previousClose"`
}

// Snapshot converts the quote into a stored snapshot captured at capturedAt
func (q IndexQuote) Snapshot(capturedAt time.Time, marketOpen bool) models.IndexSnapshot {
	name := q.Name
	if name == "" {
		name = q.Symbol
	}
	return models.IndexSnapshot{
		Symbol:                q.Symbol,
		DisplayName:           name,
		Value:                 q.Value,
		Change:                q.Change,
		PercentChange:         q.PercentChange,
		Open:                  q.Open,
		High:                  q.High,
		Low:                   q.Low,
		PreviousClose:         q.PreviousClose,
		LastUpdatedAt:         capturedAt,
		IsMarketOpenAtCapture: marketOpen,
	}
}

type indicesResponse struct {
	Data []IndexQuote `json:"data"`
}

// FetchIndices returns the current quote of every index
func (c *Client) FetchIndices(ctx context.Context) ([]IndexQuote, error) {
	body, err := c.get(ctx, c.indicesURL+"/indices", "application/json")
	if err != nil {
		return nil, err
	}

	var wrapped indicesResponse
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Data != nil {
		return validQuotes(wrapped.Data), nil
	}
	// Some providers return a bare array
	var quotes []IndexQuote
	if err := json.Unmarshal(body, &quotes); err != nil {
		return nil, &ParseError{Source: "indices response", Err: err}
	}
	return validQuotes(quotes), nil
}

func validQuotes(quotes []IndexQuote) []IndexQuote {
	out := quotes[:0]
	for _, q := range quotes {
		if q.Symbol == "" {
			log.Printf("Warning: dropping index quote without symbol")
			continue
		}
		out = append(out, q)
	}
	return out
}

// FetchNAVDump downloads the raw NAV dump
func (c *Client) FetchNAVDump(ctx context.Context) ([]byte, error) {
	return c.get(ctx, c.navURL, "text/plain")
}

func (c *Client) get(ctx context.Context, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", "mf-backend-pipeline/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode, Body: string(body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", url, err)
	}
	return body, nil
}
