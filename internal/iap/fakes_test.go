package iap_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"iap-helper/internal/iap"
	"iap-helper/internal/receipt"
)

const (
	testAccount = "com.example.app"
	testMarker  = "marker-v1"
	testSecret  = "shared-secret"
)

// memStore is an in-memory SecureRecordStore.
type memStore struct {
	mu      sync.Mutex
	records map[string][]byte
	getErr  error
	setErr  error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string][]byte)}
}

func (s *memStore) Get(ctx context.Context, account, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	v, ok := s.records[account+"/"+key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (s *memStore) Set(ctx context.Context, account, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.records[account+"/"+key] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Delete(ctx context.Context, account, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, account+"/"+key)
	return nil
}

func (s *memStore) put(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[testAccount+"/"+key] = []byte(value)
}

func (s *memStore) value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.records[testAccount+"/"+key]
	return string(v), ok
}

// gatedFetcher counts requests and optionally blocks them until released.
type gatedFetcher struct {
	mu      sync.Mutex
	calls   int
	ids     [][]string
	entries []iap.CatalogEntry
	err     error
	gate    chan struct{}
	// ungatedBatches lets multi-product requests bypass gate.
	ungatedBatches bool
}

func (f *gatedFetcher) Fetch(ctx context.Context, identifiers []string) ([]iap.CatalogEntry, error) {
	f.mu.Lock()
	f.calls++
	f.ids = append(f.ids, identifiers)
	gate := f.gate
	if f.ungatedBatches && len(identifiers) > 1 {
		gate = nil
	}
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries, f.err
}

func (f *gatedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// scriptedVerifier returns the currently configured receipt or error.
type scriptedVerifier struct {
	mu      sync.Mutex
	calls   int
	receipt *receipt.Receipt
	err     error
	secrets []string
}

func (v *scriptedVerifier) Verify(ctx context.Context, data []byte, secret string) (*receipt.Receipt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	v.secrets = append(v.secrets, secret)
	return v.receipt, v.err
}

func (v *scriptedVerifier) respond(r *receipt.Receipt, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.receipt, v.err = r, err
}

func (v *scriptedVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// recordingQueue records submitted payments and finished transactions.
type recordingQueue struct {
	mu         sync.Mutex
	canPay     bool
	payments   []iap.CatalogEntry
	finished   []iap.Transaction
	observers  []iap.TransactionObserver
	restores   int
	restoreErr error
	paymentErr error
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{canPay: true}
}

func (q *recordingQueue) CanMakePayments() bool { return q.canPay }

func (q *recordingQueue) AddObserver(o iap.TransactionObserver) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observers = append(q.observers, o)
}

func (q *recordingQueue) AddPayment(ctx context.Context, entry iap.CatalogEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paymentErr != nil {
		return q.paymentErr
	}
	q.payments = append(q.payments, entry)
	return nil
}

func (q *recordingQueue) FinishTransaction(ctx context.Context, tx iap.Transaction) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.finished = append(q.finished, tx)
	return nil
}

func (q *recordingQueue) RestoreCompletedTransactions(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.restores++
	return q.restoreErr
}

func (q *recordingQueue) paymentCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.payments)
}

func (q *recordingQueue) finishedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.finished))
	for _, tx := range q.finished {
		ids = append(ids, tx.ID)
	}
	return ids
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder captures every event published on a bus.
type recorder struct {
	mu     sync.Mutex
	events []iap.Event
}

func record(bus *iap.EventBus) *recorder {
	r := &recorder{}
	bus.Subscribe(func(e iap.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	})
	return r
}

func (r *recorder) ofKind(kind iap.EventKind) []iap.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []iap.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	store    *memStore
	fetcher  *gatedFetcher
	verifier *scriptedVerifier
	queue    *recordingQueue
	clock    *clock
	bus      *iap.EventBus
	events   *recorder
}

func newFixture() *fixture {
	bus := iap.NewEventBus()
	return &fixture{
		store:    newMemStore(),
		fetcher:  &gatedFetcher{},
		verifier: &scriptedVerifier{},
		queue:    newRecordingQueue(),
		clock:    newClock(),
		bus:      bus,
		events:   record(bus),
	}
}

func (f *fixture) deps(secret string) *iap.Deps {
	return &iap.Deps{
		Store:    f.store,
		Fetcher:  f.fetcher,
		Verifier: f.verifier,
		Receipts: iap.ReceiptFunc(func(ctx context.Context) ([]byte, error) {
			return []byte("receipt-blob"), nil
		}),
		Queue:        f.queue,
		Bus:          f.bus,
		Account:      testAccount,
		SharedSecret: secret,
		Marker:       testMarker,
		Now:          f.clock.Now,
	}
}

func (f *fixture) product(t *testing.T, def iap.ProductDefinition, secret string) *iap.Product {
	t.Helper()
	p, err := iap.NewProduct(context.Background(), def, f.deps(secret))
	if err != nil {
		t.Fatalf("NewProduct: %v", err)
	}
	return p
}

func subscriptionReceipt(productID string, expiry time.Time) *receipt.Receipt {
	return &receipt.Receipt{LatestReceiptInfo: []receipt.Item{
		{ProductID: productID, TransactionID: "t-" + expiry.Format("0102150405"), ExpiresDate: expiry},
	}}
}

func purchaseReceipt(productID string) *receipt.Receipt {
	return &receipt.Receipt{InApp: []receipt.Item{{ProductID: productID, TransactionID: "t-1"}}}
}
