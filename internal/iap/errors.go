package iap

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoCatalogEntry is returned when a purchase starts before the entry is resolved.
	ErrNoCatalogEntry = errors.New("no catalog entry")
	// ErrNotVerified means the authority found no purchase of the product in the receipt.
	ErrNotVerified = errors.New("purchase was not verified")
	// ErrNoReceipt means there is no app receipt to verify.
	ErrNoReceipt = errors.New("no app receipt")
	// ErrTransactionFailed wraps a platform-reported transaction failure.
	ErrTransactionFailed = errors.New("transaction failed")
)

// ExpiredError reports a subscription the authority considers lapsed.
type ExpiredError struct {
	Date time.Time
}

func (e *ExpiredError) Error() string {
	if e.Date.IsZero() {
		return "purchase expired"
	}
	return fmt.Sprintf("purchase expired on %s", e.Date.UTC().Format(time.RFC3339))
}

// TransportError wraps a collaborator failure: catalog lookup, receipt
// retrieval, verification, payment submission or secure storage.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
