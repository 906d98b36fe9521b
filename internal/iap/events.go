package iap

import (
	"sync"
	"time"

	"iap-helper/pkg/logging"
)

// EventKind names an event published on the bus.
type EventKind string

const (
	EventEntryAvailable        EventKind = "product.entry_available"
	EventEntryFailed           EventKind = "product.entry_failed"
	EventPurchaseSucceeded     EventKind = "product.purchase_succeeded"
	EventPurchaseFailed        EventKind = "product.purchase_failed"
	EventEntryRequestCompleted EventKind = "catalog.entry_request_completed"
	EventProductActivated      EventKind = "catalog.product_activated"
	EventProductsChanged       EventKind = "catalog.products_changed"
	EventRestoreCompleted      EventKind = "catalog.restore_completed"
)

// Event is a single notification. Product is nil for catalog-wide events
// except EventProductActivated.
type Event struct {
	Kind        EventKind
	Product     *Product
	Transaction *Transaction
	Err         error
	// Renewal is set on purchase success when an expiry already existed.
	Renewal bool
	At      time.Time
}

// Handler receives events. Handlers run on the publishing goroutine and must
// not block; long work belongs on a goroutine of the handler's own.
type Handler func(Event)

type subscription struct {
	id      int
	kinds   map[EventKind]bool
	handler Handler
}

// EventBus fans events out to any number of subscribers.
type EventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe registers handler for the given kinds, or for every kind when
// none are given. The returned func removes the subscription.
func (b *EventBus) Subscribe(handler Handler, kinds ...EventKind) func() {
	sub := subscription{handler: handler}
	if len(kinds) > 0 {
		sub.kinds = make(map[EventKind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

func (b *EventBus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers e to matching subscribers in subscription order.
func (b *EventBus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	targets := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.kinds == nil || s.kinds[e.Kind] {
			targets = append(targets, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		deliver(h, e)
	}
}

func deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("event handler panicked - kind: %s, panic: %v", e.Kind, r)
		}
	}()
	h(e)
}
