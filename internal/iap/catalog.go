package iap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"iap-helper/pkg/logging"
)

// Catalog owns a fixed set of products, routes payment queue callbacks to
// them and derives the current entitlement level.
type Catalog struct {
	deps     *Deps
	products []*Product
	index    map[string]*Product

	mu          sync.Mutex
	fetchingAll bool
	restoring   bool
	lastFetch   time.Time

	wg          sync.WaitGroup
	unsubscribe func()
}

// NewCatalog creates the products described by defs and registers the
// catalog as an observer of deps.Queue.
func NewCatalog(ctx context.Context, deps Deps, defs []ProductDefinition) (*Catalog, error) {
	if err := deps.init(); err != nil {
		return nil, err
	}

	c := &Catalog{
		deps:  &deps,
		index: make(map[string]*Product, len(defs)),
	}
	for _, def := range defs {
		if _, exists := c.index[def.Identifier]; exists {
			return nil, fmt.Errorf("duplicate product identifier %q", def.Identifier)
		}
		p, err := NewProduct(ctx, def, c.deps)
		if err != nil {
			return nil, fmt.Errorf("failed to create product: %w", err)
		}
		c.products = append(c.products, p)
		c.index[def.Identifier] = p
	}

	c.unsubscribe = c.deps.Bus.Subscribe(c.relayActivation, EventPurchaseSucceeded)
	c.deps.Queue.AddObserver(c)

	logging.Infof("Catalog ready - products: %d, verified: %t", len(c.products), deps.SharedSecret != "")
	return c, nil
}

// Bus returns the bus events are published on.
func (c *Catalog) Bus() *EventBus {
	return c.deps.Bus
}

// Products returns the products in definition order.
func (c *Catalog) Products() []*Product {
	out := make([]*Product, len(c.products))
	copy(out, c.products)
	return out
}

// Product looks a product up by identifier.
func (c *Catalog) Product(identifier string) (*Product, bool) {
	p, ok := c.index[identifier]
	return p, ok
}

func (c *Catalog) owns(p *Product) bool {
	if p == nil {
		return false
	}
	return c.index[p.Identifier()] == p
}

func (c *Catalog) relayActivation(e Event) {
	if !c.owns(e.Product) {
		return
	}
	c.deps.Bus.Publish(Event{
		Kind:        EventProductActivated,
		Product:     e.Product,
		Transaction: e.Transaction,
		Renewal:     e.Renewal,
	})
}

// CanTransact reports whether the platform allows payments.
func (c *Catalog) CanTransact() bool {
	return c.deps.Queue.CanMakePayments()
}

// Level is the highest level among active products, 0 when none is active.
func (c *Catalog) Level() int {
	level := 0
	for _, p := range c.products {
		if p.Active() && p.Level() > level {
			level = p.Level()
		}
	}
	return level
}

// ActiveProduct returns the active product with the highest level. Ties go to
// the product defined first.
func (c *Catalog) ActiveProduct() *Product {
	var best *Product
	for _, p := range c.products {
		if !p.Active() {
			continue
		}
		if best == nil || p.Level() > best.Level() {
			best = p
		}
	}
	return best
}

// LastFetch is the completion time of the last catalog-wide fetch, or the
// latest per-product fetch when no catalog-wide fetch has completed.
func (c *Catalog) LastFetch() (time.Time, bool) {
	c.mu.Lock()
	last := c.lastFetch
	c.mu.Unlock()
	if !last.IsZero() {
		return last, true
	}

	for _, p := range c.products {
		if t, ok := p.LastFetch(); ok && t.After(last) {
			last = t
		}
	}
	return last, !last.IsZero()
}

func (c *Catalog) IsFetching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchingAll
}

func (c *Catalog) IsRestoring() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restoring
}

// FetchAll requests every product's entry in one batch. It reports whether a
// batch is in flight after the call: true when one was already running or has
// been started, false when the catalog has no products.
func (c *Catalog) FetchAll(ctx context.Context) bool {
	c.mu.Lock()
	if c.fetchingAll {
		c.mu.Unlock()
		return true
	}
	if len(c.products) == 0 {
		c.mu.Unlock()
		return false
	}
	c.fetchingAll = true
	c.mu.Unlock()

	ids := make([]string, 0, len(c.products))
	for _, p := range c.products {
		ids = append(ids, p.Identifier())
		p.MarkFetchInFlight()
	}

	logging.Infof("Fetching all catalog entries - products: %d", len(ids))
	c.goAsync(ctx, func(ctx context.Context) {
		entries, err := c.deps.Fetcher.Fetch(ctx, ids)

		c.mu.Lock()
		c.fetchingAll = false
		if err == nil {
			c.lastFetch = c.deps.Now()
		}
		c.mu.Unlock()

		for _, p := range c.products {
			p.deliverEntries(entries, err)
		}

		var failure error
		if err != nil {
			failure = &TransportError{Op: "fetch catalog", Err: err}
		}
		c.deps.Bus.Publish(Event{Kind: EventEntryRequestCompleted, Err: failure})
	})
	return true
}

// RestoreFromStore asks the payment queue to redeliver completed
// transactions. It reports whether a restore is in flight after the call.
// Restored transactions arrive through TransactionsUpdated.
func (c *Catalog) RestoreFromStore(ctx context.Context) bool {
	c.mu.Lock()
	if c.restoring {
		c.mu.Unlock()
		return true
	}
	c.restoring = true
	c.mu.Unlock()

	logging.Infof("Restoring completed transactions")
	if err := c.deps.Queue.RestoreCompletedTransactions(ctx); err != nil {
		c.RestoreCompleted(ctx, &TransportError{Op: "restore transactions", Err: err})
		return false
	}
	return true
}

// ResetAll deletes every activation record and publishes one
// EventProductsChanged.
func (c *Catalog) ResetAll(ctx context.Context) error {
	var errs []error
	for _, p := range c.products {
		if err := p.ResetPurchase(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.deps.Bus.Publish(Event{Kind: EventProductsChanged})
	return errors.Join(errs...)
}

// Entries returns the resolved catalog entries in definition order.
func (c *Catalog) Entries() []CatalogEntry {
	var entries []CatalogEntry
	for _, p := range c.products {
		p.mu.Lock()
		if p.entry != nil {
			entries = append(entries, *p.entry)
		}
		p.mu.Unlock()
	}
	return entries
}

// RestoreEntries installs previously resolved entries, typically from a
// cache at startup. Entries for unknown products are ignored.
func (c *Catalog) RestoreEntries(entries []CatalogEntry) int {
	restored := 0
	for _, e := range entries {
		if p, ok := c.index[e.ProductIdentifier]; ok {
			p.setEntry(e)
			restored++
		}
	}
	return restored
}

// TransactionsUpdated routes queue transactions to their products.
func (c *Catalog) TransactionsUpdated(ctx context.Context, transactions []Transaction) {
	grouped := make(map[string][]Transaction)
	for _, tx := range transactions {
		if _, ok := c.index[tx.ProductIdentifier]; !ok {
			logging.Warnf("Transaction for unknown product - product: %s, transaction: %s", tx.ProductIdentifier, tx.ID)
			continue
		}
		grouped[tx.ProductIdentifier] = append(grouped[tx.ProductIdentifier], tx)
	}
	for _, p := range c.products {
		if txs, ok := grouped[p.Identifier()]; ok {
			p.HandleTransactions(ctx, txs)
		}
	}
}

// RestoreCompleted ends a restore started by RestoreFromStore.
func (c *Catalog) RestoreCompleted(ctx context.Context, err error) {
	c.mu.Lock()
	c.restoring = false
	c.mu.Unlock()

	if err != nil {
		logging.Errorf("Restore failed - error: %v", err)
	} else {
		logging.Infof("Restore completed")
	}
	c.deps.Bus.Publish(Event{Kind: EventRestoreCompleted, Err: err})
}

func (c *Catalog) goAsync(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(ctx)
	}()
}

// Wait blocks until background work of the catalog and its products is done.
func (c *Catalog) Wait() {
	c.wg.Wait()
	for _, p := range c.products {
		p.Wait()
	}
}

// Close detaches the catalog from the event bus.
func (c *Catalog) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}
