// Package storefront resolves product identifiers into catalog entries.
package storefront

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"iap-helper/internal/iap"
	"iap-helper/pkg/logging"
)

// ErrCircuitOpen is returned while the breaker rejects requests.
var ErrCircuitOpen = errors.New("storefront circuit is open")

type Config struct {
	BaseURL         string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// HTTPFetcher looks entries up with GET {base}/v1/products?ids=a,b.
type HTTPFetcher struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]iap.CatalogEntry]
}

func NewHTTPFetcher(cfg Config) *HTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}

	settings := gobreaker.Settings{
		Name:    "storefront",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warnf("Circuit breaker state changed - name: %s, from: %s, to: %s", name, from, to)
		},
	}

	return &HTTPFetcher{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    gobreaker.NewCircuitBreaker[[]iap.CatalogEntry](settings),
	}
}

type productsResponse struct {
	Products []iap.CatalogEntry `json:"products"`
}

func (f *HTTPFetcher) Fetch(ctx context.Context, identifiers []string) ([]iap.CatalogEntry, error) {
	entries, err := f.breaker.Execute(func() ([]iap.CatalogEntry, error) {
		return f.fetch(ctx, identifiers)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return entries, err
}

func (f *HTTPFetcher) fetch(ctx context.Context, identifiers []string) ([]iap.CatalogEntry, error) {
	query := url.Values{"ids": {strings.Join(identifiers, ",")}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/v1/products?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch products: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("storefront returned HTTP %d", resp.StatusCode)
	}

	var out productsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	logging.Debugf("Storefront lookup - requested: %d, returned: %d", len(identifiers), len(out.Products))
	return out.Products, nil
}

// StaticFetcher serves a fixed set of entries. Unknown identifiers are
// absent from the result.
type StaticFetcher struct {
	entries map[string]iap.CatalogEntry
}

func NewStaticFetcher(entries []iap.CatalogEntry) *StaticFetcher {
	f := &StaticFetcher{entries: make(map[string]iap.CatalogEntry, len(entries))}
	for _, e := range entries {
		f.entries[e.ProductIdentifier] = e
	}
	return f
}

func (f *StaticFetcher) Fetch(ctx context.Context, identifiers []string) ([]iap.CatalogEntry, error) {
	var out []iap.CatalogEntry
	for _, id := range identifiers {
		if e, ok := f.entries[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}
