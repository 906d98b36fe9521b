package iap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"iap-helper/internal/receipt"
	"iap-helper/pkg/logging"
)

// Product owns the fetch, purchase and activation state of one product
// identifier. Two products are the same product iff their identifiers match.
type Product struct {
	def  ProductDefinition
	deps *Deps

	mu                    sync.Mutex
	entry                 *CatalogEntry
	lastFetch             time.Time
	expiry                time.Time
	activationRecorded    bool
	autoRenewCheckPending bool
	fetching              int
	purchasing            bool
	verifying             int
	autoFetch             bool
	bypassActive          bool

	wg sync.WaitGroup
}

// NewProduct creates a product and loads its persisted activation and expiry.
func NewProduct(ctx context.Context, def ProductDefinition, deps *Deps) (*Product, error) {
	if err := def.validate(); err != nil {
		return nil, err
	}
	if deps == nil {
		return nil, fmt.Errorf("product %s: deps are required", def.Identifier)
	}
	if err := deps.init(); err != nil {
		return nil, err
	}

	p := &Product{
		def:          def,
		deps:         deps,
		autoFetch:    def.AutoFetch,
		bypassActive: def.BypassActive,
	}
	if def.Entry != nil {
		entry := *def.Entry
		entry.ProductIdentifier = def.Identifier
		p.entry = &entry
	}

	expiry, err := loadExpiry(ctx, deps, def.Identifier)
	if err != nil {
		logging.Warnf("Ignoring unreadable expiry - product: %s, error: %v", def.Identifier, err)
	}
	p.expiry = expiry
	// A persisted expiry gets one re-verification per process once it lapses.
	p.autoRenewCheckPending = !expiry.IsZero()

	p.Refresh(ctx)
	return p, nil
}

func (p *Product) Identifier() string            { return p.def.Identifier }
func (p *Product) Type() ProductType             { return p.def.Type }
func (p *Product) Level() int                    { return p.def.Level }
func (p *Product) Title() string                 { return p.def.Title }
func (p *Product) Subtitle() string              { return p.def.Subtitle }
func (p *Product) PurchasePromptMessage() string { return p.def.PurchasePromptMessage }
func (p *Product) PurchaseMessage() string       { return p.def.PurchaseMessage }

// UserInfo returns a copy of the free-form product metadata.
func (p *Product) UserInfo() map[string]string {
	info := make(map[string]string, len(p.def.UserInfo))
	for k, v := range p.def.UserInfo {
		info[k] = v
	}
	return info
}

// Equal reports whether both products share an identifier.
func (p *Product) Equal(other *Product) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.def.Identifier == other.def.Identifier
}

// SetBypassActive forces Active to report true.
func (p *Product) SetBypassActive(bypass bool) {
	p.mu.Lock()
	p.bypassActive = bypass
	p.mu.Unlock()
}

// SetAutoFetch controls whether reading an absent entry starts a fetch.
func (p *Product) SetAutoFetch(autoFetch bool) {
	p.mu.Lock()
	p.autoFetch = autoFetch
	p.mu.Unlock()
}

// ExpiryDate returns the known subscription expiry.
func (p *Product) ExpiryDate() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.expiry, !p.expiry.IsZero()
}

// LastFetch returns when the catalog entry was last resolved.
func (p *Product) LastFetch() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastFetch, !p.lastFetch.IsZero()
}

func (p *Product) IsFetching() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetching > 0
}

func (p *Product) IsPurchasing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.purchasing
}

// AutoRenewCheckPending reports whether a lapsed read will re-verify.
func (p *Product) AutoRenewCheckPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.autoRenewCheckPending
}

// ActivationRecorded reports the last observed state of the activation record.
func (p *Product) ActivationRecorded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activationRecorded
}

// Active reports whether the product is currently entitled.
//
// For auto-renewable products a missing or lapsed expiry reads as inactive.
// If a renew check is pending at that moment, the read starts exactly one
// background re-verification and clears the pending flag.
func (p *Product) Active() bool {
	p.mu.Lock()
	if p.bypassActive {
		p.mu.Unlock()
		return true
	}
	if !p.activationRecorded {
		p.mu.Unlock()
		return false
	}
	if p.def.Type == OneOff {
		p.mu.Unlock()
		return true
	}
	if !p.expiry.IsZero() && p.expiry.After(p.deps.Now()) {
		p.mu.Unlock()
		return true
	}

	check := false
	if p.autoRenewCheckPending {
		p.autoRenewCheckPending = false
		// An in-flight verification already covers this transition.
		if p.verifying == 0 {
			p.verifying++
			check = true
		}
	}
	p.mu.Unlock()

	if check {
		logging.Infof("Subscription lapsed, re-verifying - product: %s", p.def.Identifier)
		p.goAsync(context.Background(), func(ctx context.Context) {
			p.verifyAndActivate(ctx, nil)
		})
	}
	return false
}

// CatalogEntry returns the resolved entry. When absent and auto-fetch is
// enabled, a fetch is started.
func (p *Product) CatalogEntry() (CatalogEntry, bool) {
	p.mu.Lock()
	if p.entry != nil {
		entry := *p.entry
		p.mu.Unlock()
		return entry, true
	}
	autoFetch := p.autoFetch
	p.mu.Unlock()

	if autoFetch {
		p.FetchCatalogEntry(context.Background())
	}
	return CatalogEntry{}, false
}

// MarkFetchInFlight counts a fetch issued on the product's behalf, so that
// reads and explicit fetches do not issue a duplicate request. Each mark is
// released by one delivered response.
func (p *Product) MarkFetchInFlight() {
	p.mu.Lock()
	p.fetching++
	p.mu.Unlock()
}

// FetchCatalogEntry requests this product's entry. It returns false without
// issuing a request when a fetch is already in flight.
func (p *Product) FetchCatalogEntry(ctx context.Context) bool {
	p.mu.Lock()
	if p.fetching > 0 {
		p.mu.Unlock()
		return false
	}
	p.fetching++
	p.mu.Unlock()

	logging.Debugf("Fetching catalog entry - product: %s", p.def.Identifier)
	p.goAsync(ctx, func(ctx context.Context) {
		entries, err := p.deps.Fetcher.Fetch(ctx, []string{p.def.Identifier})
		p.deliverEntries(entries, err)
	})
	return true
}

// deliverEntries applies a catalog response that may cover other products.
func (p *Product) deliverEntries(entries []CatalogEntry, err error) {
	if err == nil {
		for _, e := range entries {
			if e.ProductIdentifier != p.def.Identifier {
				continue
			}
			entry := e
			p.mu.Lock()
			p.entry = &entry
			p.lastFetch = p.deps.Now()
			p.releaseFetch()
			p.mu.Unlock()

			p.deps.Bus.Publish(Event{Kind: EventEntryAvailable, Product: p})
			return
		}
	}

	p.mu.Lock()
	p.releaseFetch()
	p.mu.Unlock()

	var failure error
	if err != nil {
		failure = &TransportError{Op: "fetch catalog entry", Err: err}
		logging.Errorf("Catalog entry request failed - product: %s, error: %v", p.def.Identifier, err)
	} else {
		logging.Warnf("Catalog entry not returned by store - product: %s", p.def.Identifier)
	}
	p.deps.Bus.Publish(Event{Kind: EventEntryFailed, Product: p, Err: failure})
}

// releaseFetch drops one outstanding request. Callers hold p.mu.
func (p *Product) releaseFetch() {
	if p.fetching > 0 {
		p.fetching--
	}
}

// setEntry installs an entry without emitting an event.
func (p *Product) setEntry(entry CatalogEntry) {
	entry.ProductIdentifier = p.def.Identifier
	p.mu.Lock()
	p.entry = &entry
	p.mu.Unlock()
}

// Purchase submits a payment for the product. It is a no-op while a purchase
// is in flight. Without a resolved entry it fails with ErrNoCatalogEntry and
// publishes the failure before returning; no fetch is started.
func (p *Product) Purchase(ctx context.Context) error {
	p.mu.Lock()
	if p.purchasing {
		p.mu.Unlock()
		return nil
	}
	if p.entry == nil {
		p.mu.Unlock()
		p.deps.Bus.Publish(Event{Kind: EventPurchaseFailed, Product: p, Err: ErrNoCatalogEntry})
		return ErrNoCatalogEntry
	}
	entry := *p.entry
	p.purchasing = true
	p.mu.Unlock()

	if err := p.deps.Queue.AddPayment(ctx, entry); err != nil {
		p.mu.Lock()
		p.purchasing = false
		p.mu.Unlock()

		failure := &TransportError{Op: "add payment", Err: err}
		p.deps.Bus.Publish(Event{Kind: EventPurchaseFailed, Product: p, Err: failure})
		return failure
	}
	logging.Infof("Payment submitted - product: %s", p.def.Identifier)
	return nil
}

// HandleTransactions processes the transactions that belong to this product.
func (p *Product) HandleTransactions(ctx context.Context, transactions []Transaction) {
	for _, tx := range transactions {
		if tx.ProductIdentifier != p.def.Identifier {
			continue
		}
		tx := tx
		switch tx.State {
		case TransactionFailed:
			p.clearPurchasing()
			logging.Infof("Purchase failed - product: %s, transaction: %s", p.def.Identifier, tx.ID)
			failure := fmt.Errorf("%w: %v", ErrTransactionFailed, tx.Err)
			if tx.Err == nil {
				failure = ErrTransactionFailed
			}
			p.deps.Bus.Publish(Event{Kind: EventPurchaseFailed, Product: p, Transaction: &tx, Err: failure})
			p.finish(ctx, &tx)
		case TransactionPurchased, TransactionRestored:
			p.clearPurchasing()
			p.VerifyAndActivate(ctx, &tx)
		}
	}
}

func (p *Product) clearPurchasing() {
	p.mu.Lock()
	p.purchasing = false
	p.mu.Unlock()
}

// VerifyAndActivate starts a background verification. tx may be nil for a
// revalidation that is not tied to a queue transaction.
func (p *Product) VerifyAndActivate(ctx context.Context, tx *Transaction) {
	p.mu.Lock()
	p.verifying++
	p.mu.Unlock()

	p.goAsync(ctx, func(ctx context.Context) {
		p.verifyAndActivate(ctx, tx)
	})
}

// verifyAndActivate must be paired with an earlier verifying increment.
func (p *Product) verifyAndActivate(ctx context.Context, tx *Transaction) {
	defer func() {
		p.mu.Lock()
		p.verifying--
		p.mu.Unlock()
	}()

	p.mu.Lock()
	renewal := !p.expiry.IsZero()
	p.mu.Unlock()

	if p.deps.SharedSecret == "" {
		logging.Warnf("No shared secret configured, activating without verification - product: %s", p.def.Identifier)
		p.activateAndSucceed(ctx, tx, renewal)
		return
	}

	data, err := p.deps.Receipts.AppReceipt(ctx)
	if err == nil && len(data) == 0 {
		err = ErrNoReceipt
	}
	if err != nil {
		p.fail(ctx, tx, &TransportError{Op: "read receipt", Err: err}, false)
		return
	}

	rcpt, err := p.deps.Verifier.Verify(ctx, data, p.deps.SharedSecret)
	if err != nil {
		logging.Errorf("Receipt verification failed - product: %s, error: %v", p.def.Identifier, err)
		p.fail(ctx, tx, &TransportError{Op: "verify receipt", Err: err}, false)
		return
	}

	switch p.def.Type {
	case OneOff:
		result := receipt.VerifyPurchase(p.def.Identifier, rcpt)
		if !result.Purchased {
			logging.Infof("Product never purchased - product: %s", p.def.Identifier)
			p.fail(ctx, tx, ErrNotVerified, true)
			return
		}
		logging.Infof("Product is purchased - product: %s, transaction: %s", p.def.Identifier, result.Item.TransactionID)
		p.activateAndSucceed(ctx, tx, false)

	case AutoRenewable:
		result := receipt.VerifySubscription(p.def.Identifier, rcpt, p.deps.Now())
		switch result.Status {
		case receipt.Purchased:
			logging.Infof("Subscription valid - product: %s, expires: %s", p.def.Identifier, FormatExpiry(result.ExpiryDate))
			p.advanceExpiry(ctx, result.ExpiryDate)
			p.activateAndSucceed(ctx, tx, renewal)
		case receipt.Expired:
			logging.Infof("Subscription expired - product: %s, expired: %s", p.def.Identifier, FormatExpiry(result.ExpiryDate))
			p.advanceExpiry(ctx, result.ExpiryDate)
			p.fail(ctx, tx, &ExpiredError{Date: result.ExpiryDate}, true)
		default:
			logging.Infof("Subscription never purchased - product: %s", p.def.Identifier)
			p.fail(ctx, tx, ErrNotVerified, true)
		}
	}
}

func (p *Product) activateAndSucceed(ctx context.Context, tx *Transaction, renewal bool) {
	if err := p.activate(ctx); err != nil {
		// Leave the transaction unfinished so the queue redelivers it.
		p.fail(ctx, tx, &TransportError{Op: "record activation", Err: err}, false)
		return
	}
	logging.Infof("Purchase successful - product: %s, renewal: %t", p.def.Identifier, renewal)
	p.deps.Bus.Publish(Event{Kind: EventPurchaseSucceeded, Product: p, Transaction: tx, Renewal: renewal})
	p.finish(ctx, tx)
}

func (p *Product) fail(ctx context.Context, tx *Transaction, err error, finish bool) {
	p.deps.Bus.Publish(Event{Kind: EventPurchaseFailed, Product: p, Transaction: tx, Err: err})
	if finish {
		p.finish(ctx, tx)
	}
}

func (p *Product) finish(ctx context.Context, tx *Transaction) {
	if tx == nil {
		return
	}
	if err := p.deps.Queue.FinishTransaction(ctx, *tx); err != nil {
		logging.Errorf("Failed to finish transaction - product: %s, transaction: %s, error: %v", p.def.Identifier, tx.ID, err)
	}
}

// activate replaces the activation record with the marker.
func (p *Product) activate(ctx context.Context) error {
	if p.deps.Marker == "" {
		return fmt.Errorf("no activation marker configured")
	}
	key := ActivationKey(p.def.Identifier)
	if err := p.deps.Store.Delete(ctx, p.deps.Account, key); err != nil {
		return fmt.Errorf("failed to delete activation record: %w", err)
	}
	if err := p.deps.Store.Set(ctx, p.deps.Account, key, []byte(p.deps.Marker)); err != nil {
		return fmt.Errorf("failed to write activation record: %w", err)
	}
	p.Refresh(ctx)
	return nil
}

// Refresh re-reads the activation record. A record that is missing,
// unreadable or different from the marker reads as not activated.
func (p *Product) Refresh(ctx context.Context) {
	recorded := false
	value, err := p.deps.Store.Get(ctx, p.deps.Account, ActivationKey(p.def.Identifier))
	switch {
	case err != nil:
		logging.Warnf("Activation record unreadable, treating as inactive - product: %s, error: %v", p.def.Identifier, err)
	case value == nil:
	case p.deps.Marker != "" && string(value) == p.deps.Marker:
		recorded = true
	default:
		logging.Warnf("Activation record does not match marker, treating as inactive - product: %s", p.def.Identifier)
	}

	p.mu.Lock()
	p.activationRecorded = recorded
	p.mu.Unlock()
}

// ResetPurchase deletes the activation record. The expiry is kept.
func (p *Product) ResetPurchase(ctx context.Context) error {
	err := p.deps.Store.Delete(ctx, p.deps.Account, ActivationKey(p.def.Identifier))
	if err != nil {
		err = fmt.Errorf("failed to reset %s: %w", p.def.Identifier, err)
	}
	p.Refresh(ctx)
	logging.Infof("Purchase reset - product: %s", p.def.Identifier)
	return err
}

// SetExpiryDate persists a new expiry. The zero time clears it.
func (p *Product) SetExpiryDate(ctx context.Context, t time.Time) error {
	return p.storeExpiry(ctx, t)
}

// advanceExpiry stores a verified expiry. A verdict never moves the known
// expiry backward.
func (p *Product) advanceExpiry(ctx context.Context, t time.Time) {
	p.mu.Lock()
	previous := p.expiry
	p.mu.Unlock()
	if !previous.IsZero() && !t.UTC().Truncate(time.Millisecond).After(previous) {
		return
	}
	p.storeExpiry(ctx, t)
}

// storeExpiry persists t and raises the renew check when t moves the known
// expiry forward.
func (p *Product) storeExpiry(ctx context.Context, t time.Time) error {
	if !t.IsZero() {
		t = t.UTC().Truncate(time.Millisecond)
	}

	p.mu.Lock()
	previous := p.expiry
	p.expiry = t
	if !previous.IsZero() && t.After(previous) {
		p.autoRenewCheckPending = true
	}
	p.mu.Unlock()

	if err := saveExpiry(ctx, p.deps, p.def.Identifier, t); err != nil {
		logging.Errorf("Failed to persist expiry - product: %s, error: %v", p.def.Identifier, err)
		return fmt.Errorf("failed to persist expiry for %s: %w", p.def.Identifier, err)
	}
	return nil
}

// goAsync runs fn in the background. The work is not cancelled with ctx.
func (p *Product) goAsync(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(ctx)
	}()
}

// Wait blocks until background work started by the product has finished.
func (p *Product) Wait() {
	p.wg.Wait()
}

// State is a point-in-time view of a product.
type State struct {
	Identifier   string        `json:"product_id"`
	Type         string        `json:"type"`
	Title        string        `json:"title,omitempty"`
	Subtitle     string        `json:"subtitle,omitempty"`
	Level        int           `json:"level"`
	Active       bool          `json:"active"`
	Entry        *CatalogEntry `json:"entry,omitempty"`
	ExpiryDate   *time.Time    `json:"expiry_date,omitempty"`
	LastFetch    *time.Time    `json:"last_fetch,omitempty"`
	Fetching     bool          `json:"fetching"`
	Purchasing   bool          `json:"purchasing"`
	BypassActive bool          `json:"bypass_active"`
}

// Snapshot captures the product state. It reads Active and so may start a
// renew check.
func (p *Product) Snapshot() State {
	active := p.Active()

	p.mu.Lock()
	defer p.mu.Unlock()
	s := State{
		Identifier:   p.def.Identifier,
		Type:         p.def.Type.String(),
		Title:        p.def.Title,
		Subtitle:     p.def.Subtitle,
		Level:        p.def.Level,
		Active:       active,
		Fetching:     p.fetching > 0,
		Purchasing:   p.purchasing,
		BypassActive: p.bypassActive,
	}
	if p.entry != nil {
		entry := *p.entry
		s.Entry = &entry
	}
	if !p.expiry.IsZero() {
		expiry := p.expiry
		s.ExpiryDate = &expiry
	}
	if !p.lastFetch.IsZero() {
		last := p.lastFetch
		s.LastFetch = &last
	}
	return s
}
