package iap

import (
	"context"
	"errors"
	"time"

	"iap-helper/internal/receipt"
)

// SecureRecordStore is a durable key to bytes store scoped by account.
// Get returns a nil value and nil error when the key is absent.
// Set overwrites: any prior value is deleted before the new one is added.
type SecureRecordStore interface {
	Get(ctx context.Context, account, key string) ([]byte, error)
	Set(ctx context.Context, account, key string, value []byte) error
	Delete(ctx context.Context, account, key string) error
}

// CatalogFetcher looks up catalog entries for a set of product identifiers.
// Identifiers unknown to the store are absent from the result.
type CatalogFetcher interface {
	Fetch(ctx context.Context, identifiers []string) ([]CatalogEntry, error)
}

// ReceiptVerifier asks the trust authority to verify a receipt blob.
type ReceiptVerifier interface {
	Verify(ctx context.Context, receiptData []byte, sharedSecret string) (*receipt.Receipt, error)
}

// ReceiptSource supplies the current app receipt.
type ReceiptSource interface {
	AppReceipt(ctx context.Context) ([]byte, error)
}

// ReceiptFunc adapts a function to ReceiptSource.
type ReceiptFunc func(ctx context.Context) ([]byte, error)

func (f ReceiptFunc) AppReceipt(ctx context.Context) ([]byte, error) { return f(ctx) }

// PaymentQueue is the platform payment queue. Transaction updates and restore
// completion are delivered to registered observers.
type PaymentQueue interface {
	CanMakePayments() bool
	AddObserver(observer TransactionObserver)
	AddPayment(ctx context.Context, entry CatalogEntry) error
	FinishTransaction(ctx context.Context, tx Transaction) error
	RestoreCompletedTransactions(ctx context.Context) error
}

// TransactionObserver receives payment queue callbacks.
type TransactionObserver interface {
	TransactionsUpdated(ctx context.Context, transactions []Transaction)
	RestoreCompleted(ctx context.Context, err error)
}

// Deps are the collaborators and settings shared by a catalog's products.
type Deps struct {
	Store    SecureRecordStore
	Fetcher  CatalogFetcher
	Verifier ReceiptVerifier
	Receipts ReceiptSource
	Queue    PaymentQueue
	Bus      *EventBus

	// Account scopes every secure record, usually the bundle identifier.
	Account string
	// SharedSecret enables receipt verification. Empty activates unverified.
	SharedSecret string
	// Marker is the value written as the activation record. Changing it
	// deactivates every previously recorded activation.
	Marker string

	Now func() time.Time
}

func (d *Deps) init() error {
	if d.Store == nil {
		return errors.New("secure record store is required")
	}
	if d.Fetcher == nil {
		return errors.New("catalog fetcher is required")
	}
	if d.Queue == nil {
		return errors.New("payment queue is required")
	}
	if d.Account == "" {
		return errors.New("account is required")
	}
	if d.SharedSecret != "" && (d.Verifier == nil || d.Receipts == nil) {
		return errors.New("receipt verifier and receipt source are required when a shared secret is set")
	}
	if d.Bus == nil {
		d.Bus = NewEventBus()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return nil
}
