package iap

import (
	"context"
	"fmt"
	"time"
)

// ExpiryLayout is the persisted expiry timestamp format (UTC, milliseconds).
const ExpiryLayout = "2006-01-02T15:04:05.000Z"

const expirySuffix = ".expiryDate"

// ActivationKey is the secure record key holding a product's activation marker.
func ActivationKey(productIdentifier string) string {
	return productIdentifier
}

// ExpiryKey is the secure record key holding a product's expiry timestamp.
func ExpiryKey(productIdentifier string) string {
	return productIdentifier + expirySuffix
}

// FormatExpiry renders t in ExpiryLayout.
func FormatExpiry(t time.Time) string {
	return t.UTC().Format(ExpiryLayout)
}

// ParseExpiry parses a timestamp written by FormatExpiry.
func ParseExpiry(s string) (time.Time, error) {
	t, err := time.Parse(ExpiryLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiry timestamp %q: %w", s, err)
	}
	return t, nil
}

func loadExpiry(ctx context.Context, deps *Deps, productIdentifier string) (time.Time, error) {
	raw, err := deps.Store.Get(ctx, deps.Account, ExpiryKey(productIdentifier))
	if err != nil || raw == nil {
		return time.Time{}, err
	}
	return ParseExpiry(string(raw))
}

func saveExpiry(ctx context.Context, deps *Deps, productIdentifier string, t time.Time) error {
	key := ExpiryKey(productIdentifier)
	if t.IsZero() {
		return deps.Store.Delete(ctx, deps.Account, key)
	}
	return deps.Store.Set(ctx, deps.Account, key, []byte(FormatExpiry(t)))
}
