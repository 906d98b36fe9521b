package iap_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iap-helper/internal/iap"
)

var (
	basic = iap.ProductDefinition{Identifier: "com.example.basic", Type: iap.OneOff, Level: 1}
	pro   = iap.ProductDefinition{Identifier: "com.example.pro", Type: iap.OneOff, Level: 2}
	team  = iap.ProductDefinition{Identifier: "com.example.team", Type: iap.OneOff, Level: 2}
)

func (f *fixture) catalog(t *testing.T, secret string, defs ...iap.ProductDefinition) *iap.Catalog {
	t.Helper()
	c, err := iap.NewCatalog(context.Background(), *f.deps(secret), defs)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNewCatalog_RejectsDuplicates(t *testing.T) {
	f := newFixture()
	_, err := iap.NewCatalog(context.Background(), *f.deps(""), []iap.ProductDefinition{basic, basic})
	assert.Error(t, err)
}

func TestNewCatalog_RegistersWithQueue(t *testing.T) {
	f := newFixture()
	c := f.catalog(t, "", basic)
	require.Len(t, f.queue.observers, 1)
	assert.Same(t, c, f.queue.observers[0])
}

func TestCatalog_LookupAndOrder(t *testing.T) {
	f := newFixture()
	c := f.catalog(t, "", pro, basic)

	ids := []string{}
	for _, p := range c.Products() {
		ids = append(ids, p.Identifier())
	}
	assert.Equal(t, []string{pro.Identifier, basic.Identifier}, ids)

	p, ok := c.Product(basic.Identifier)
	require.True(t, ok)
	assert.Equal(t, 1, p.Level())
	_, ok = c.Product("missing")
	assert.False(t, ok)
}

func TestCatalog_LevelAndActiveProduct(t *testing.T) {
	f := newFixture()
	for _, def := range []iap.ProductDefinition{basic, pro, team} {
		f.store.put(iap.ActivationKey(def.Identifier), testMarker)
	}
	c := f.catalog(t, "", basic, pro, team)

	assert.Equal(t, 2, c.Level())
	active := c.ActiveProduct()
	require.NotNil(t, active)
	assert.Equal(t, pro.Identifier, active.Identifier())
}

func TestCatalog_EmptyLevel(t *testing.T) {
	f := newFixture()
	c := f.catalog(t, "", basic, pro)
	assert.Equal(t, 0, c.Level())
	assert.Nil(t, c.ActiveProduct())
}

func TestCatalog_ResetAll(t *testing.T) {
	f := newFixture()
	for _, def := range []iap.ProductDefinition{basic, pro, team} {
		f.store.put(iap.ActivationKey(def.Identifier), testMarker)
	}
	c := f.catalog(t, "", basic, pro, team)
	require.Equal(t, 2, c.Level())

	require.NoError(t, c.ResetAll(context.Background()))

	assert.Equal(t, 0, c.Level())
	assert.Nil(t, c.ActiveProduct())
	assert.Len(t, f.events.ofKind(iap.EventProductsChanged), 1)
}

func TestCatalog_FetchAllBatchesAndIsSingleFlight(t *testing.T) {
	f := newFixture()
	f.fetcher.gate = make(chan struct{})
	f.fetcher.entries = []iap.CatalogEntry{
		{ProductIdentifier: basic.Identifier, Title: "Basic"},
		{ProductIdentifier: pro.Identifier, Title: "Pro"},
	}
	c := f.catalog(t, "", basic, pro, team)

	assert.True(t, c.FetchAll(context.Background()))
	assert.True(t, c.FetchAll(context.Background()))
	assert.True(t, c.IsFetching())
	for _, p := range c.Products() {
		assert.True(t, p.IsFetching())
		assert.False(t, p.FetchCatalogEntry(context.Background()))
	}

	close(f.fetcher.gate)
	c.Wait()

	assert.Equal(t, 1, f.fetcher.callCount())
	assert.ElementsMatch(t, []string{basic.Identifier, pro.Identifier, team.Identifier}, f.fetcher.ids[0])
	assert.False(t, c.IsFetching())
	assert.Len(t, f.events.ofKind(iap.EventEntryRequestCompleted), 1)
	assert.Len(t, f.events.ofKind(iap.EventEntryAvailable), 2)
	assert.Len(t, f.events.ofKind(iap.EventEntryFailed), 1)

	last, ok := c.LastFetch()
	require.True(t, ok)
	assert.Equal(t, f.clock.Now(), last)
	assert.Len(t, c.Entries(), 2)
}

func TestCatalog_BatchDoesNotReleaseOutstandingProductFetch(t *testing.T) {
	f := newFixture()
	f.fetcher.gate = make(chan struct{})
	f.fetcher.ungatedBatches = true
	f.fetcher.entries = []iap.CatalogEntry{
		{ProductIdentifier: basic.Identifier, Title: "Basic"},
		{ProductIdentifier: pro.Identifier, Title: "Pro"},
	}
	c := f.catalog(t, "", basic, pro)
	p, ok := c.Product(basic.Identifier)
	require.True(t, ok)

	require.True(t, p.FetchCatalogEntry(context.Background()))
	require.Eventually(t, func() bool { return f.fetcher.callCount() == 1 }, time.Second, time.Millisecond)

	require.True(t, c.FetchAll(context.Background()))
	require.Eventually(t, func() bool {
		return len(f.events.ofKind(iap.EventEntryRequestCompleted)) == 1
	}, time.Second, time.Millisecond)

	assert.True(t, p.IsFetching(), "own request is still outstanding")
	assert.False(t, p.FetchCatalogEntry(context.Background()))
	assert.Equal(t, 2, f.fetcher.callCount())

	close(f.fetcher.gate)
	c.Wait()
	assert.False(t, p.IsFetching())
	assert.Equal(t, 2, f.fetcher.callCount())
}

func TestCatalog_FetchAllEmpty(t *testing.T) {
	f := newFixture()
	c := f.catalog(t, "")
	assert.False(t, c.FetchAll(context.Background()))
	assert.Equal(t, 0, f.fetcher.callCount())
}

func TestCatalog_FetchAllFailure(t *testing.T) {
	f := newFixture()
	f.fetcher.err = errors.New("offline")
	c := f.catalog(t, "", basic)

	c.FetchAll(context.Background())
	c.Wait()

	completed := f.events.ofKind(iap.EventEntryRequestCompleted)
	require.Len(t, completed, 1)
	assert.Error(t, completed[0].Err)
	_, ok := c.LastFetch()
	assert.False(t, ok)
	assert.False(t, c.IsFetching())
}

func TestCatalog_LastFetchFallsBackToProducts(t *testing.T) {
	f := newFixture()
	f.fetcher.entries = []iap.CatalogEntry{{ProductIdentifier: pro.Identifier}}
	c := f.catalog(t, "", basic, pro)

	_, ok := c.LastFetch()
	assert.False(t, ok)

	p, _ := c.Product(pro.Identifier)
	p.FetchCatalogEntry(context.Background())
	c.Wait()

	last, ok := c.LastFetch()
	require.True(t, ok)
	assert.Equal(t, f.clock.Now(), last)
}

func TestCatalog_RestoreFromStore(t *testing.T) {
	f := newFixture()
	c := f.catalog(t, "", basic, pro)
	ctx := context.Background()

	assert.True(t, c.RestoreFromStore(ctx))
	assert.True(t, c.RestoreFromStore(ctx))
	assert.Equal(t, 1, f.queue.restores)
	assert.True(t, c.IsRestoring())

	c.TransactionsUpdated(ctx, []iap.Transaction{
		{ID: "r-1", OriginalID: "o-1", ProductIdentifier: pro.Identifier, State: iap.TransactionRestored},
		{ID: "r-2", ProductIdentifier: "com.example.retired", State: iap.TransactionRestored},
	})
	c.RestoreCompleted(ctx, nil)
	c.Wait()

	assert.False(t, c.IsRestoring())
	restored := f.events.ofKind(iap.EventRestoreCompleted)
	require.Len(t, restored, 1)
	assert.NoError(t, restored[0].Err)

	activated := f.events.ofKind(iap.EventProductActivated)
	require.Len(t, activated, 1)
	assert.Equal(t, pro.Identifier, activated[0].Product.Identifier())
	assert.Equal(t, 2, c.Level())
	assert.Equal(t, []string{"r-1"}, f.queue.finishedIDs())
}

func TestCatalog_RestoreFailure(t *testing.T) {
	f := newFixture()
	f.queue.restoreErr = errors.New("not signed in")
	c := f.catalog(t, "", basic)

	assert.False(t, c.RestoreFromStore(context.Background()))
	assert.False(t, c.IsRestoring())

	restored := f.events.ofKind(iap.EventRestoreCompleted)
	require.Len(t, restored, 1)
	assert.ErrorIs(t, restored[0].Err, f.queue.restoreErr)
}

func TestCatalog_IgnoresForeignActivations(t *testing.T) {
	f := newFixture()
	f.catalog(t, "", basic)

	stranger := f.product(t, pro, "")
	stranger.HandleTransactions(context.Background(), []iap.Transaction{{ID: "x", ProductIdentifier: pro.Identifier, State: iap.TransactionPurchased}})
	stranger.Wait()

	assert.Len(t, f.events.ofKind(iap.EventPurchaseSucceeded), 1)
	assert.Empty(t, f.events.ofKind(iap.EventProductActivated))
}

func TestCatalog_CanTransact(t *testing.T) {
	f := newFixture()
	c := f.catalog(t, "", basic)
	assert.True(t, c.CanTransact())
	f.queue.canPay = false
	assert.False(t, c.CanTransact())
}

func TestCatalog_RestoreEntries(t *testing.T) {
	f := newFixture()
	c := f.catalog(t, "", basic, pro)

	n := c.RestoreEntries([]iap.CatalogEntry{
		{ProductIdentifier: pro.Identifier, Title: "Pro", Price: 19.99},
		{ProductIdentifier: "unknown"},
	})
	assert.Equal(t, 1, n)

	p, _ := c.Product(pro.Identifier)
	entry, ok := p.CatalogEntry()
	require.True(t, ok)
	assert.Equal(t, 19.99, entry.Price)
	assert.Empty(t, f.events.ofKind(iap.EventEntryAvailable))
}
