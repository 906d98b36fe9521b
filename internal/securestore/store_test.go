package securestore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm/logger"

	"iap-helper/internal/database"
	"iap-helper/internal/iap"
)

// exerciseStore checks the behaviour every store must share.
func exerciseStore(t *testing.T, store iap.SecureRecordStore) {
	t.Helper()
	ctx := context.Background()

	v, err := store.Get(ctx, "acct", "k")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, store.Set(ctx, "acct", "k", []byte("one")))
	require.NoError(t, store.Set(ctx, "acct", "k", []byte("two")))
	v, err = store.Get(ctx, "acct", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), v)

	v, err = store.Get(ctx, "other", "k")
	require.NoError(t, err)
	assert.Nil(t, v, "records are scoped by account")

	require.NoError(t, store.Delete(ctx, "acct", "k"))
	require.NoError(t, store.Delete(ctx, "acct", "k"))
	v, err = store.Get(ctx, "acct", "k")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, store.Set(ctx, "acct", "k", []byte("three")))
	v, err = store.Get(ctx, "acct", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("three"), v)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestGormStore(t *testing.T) {
	db, err := database.OpenDialector(sqlite.Open(filepath.Join(t.TempDir(), "records.db")), logger.Silent)
	require.NoError(t, err)
	defer database.Close(db)

	exerciseStore(t, NewGormStore(db))
}

func TestGormStore_EmptyAccountIsScoped(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenDialector(sqlite.Open(filepath.Join(t.TempDir(), "records.db")), logger.Silent)
	require.NoError(t, err)
	defer database.Close(db)
	store := NewGormStore(db)

	require.NoError(t, store.Set(ctx, "other-app", "com.example.pro", []byte("marker")))

	v, err := store.Get(ctx, "", "com.example.pro")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, store.Delete(ctx, "", "com.example.pro"))
	v, err = store.Get(ctx, "other-app", "com.example.pro")
	require.NoError(t, err)
	assert.Equal(t, []byte("marker"), v)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	defer client.Close()

	exerciseStore(t, NewRedisStore(client, "iap-test-"+t.Name()))
}

func TestRedisStore_KeyLayout(t *testing.T) {
	s := NewRedisStore(nil, "")
	assert.Equal(t, "iap:com.example.app:pro.expiryDate", s.redisKey("com.example.app", "pro.expiryDate"))
}

func testSealKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(key)
}

func TestSealedStore(t *testing.T) {
	sealed, err := NewSealedStore(NewMemoryStore(), testSealKey(t))
	require.NoError(t, err)
	exerciseStore(t, sealed)
}

func TestSealedStore_EncryptsAtRest(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	sealed, err := NewSealedStore(inner, testSealKey(t))
	require.NoError(t, err)

	require.NoError(t, sealed.Set(ctx, "acct", "pro", []byte("activated")))
	raw, err := inner.Get(ctx, "acct", "pro")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "activated")
}

func TestSealedStore_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	sealed, err := NewSealedStore(inner, testSealKey(t))
	require.NoError(t, err)

	require.NoError(t, inner.Set(ctx, "acct", "plain", []byte("activated")))
	_, err = sealed.Get(ctx, "acct", "plain")
	assert.ErrorIs(t, err, ErrTampered)

	require.NoError(t, inner.Set(ctx, "acct", "short", []byte{1}))
	_, err = sealed.Get(ctx, "acct", "short")
	assert.ErrorIs(t, err, ErrTampered)

	// A sealed value moved to another key no longer opens.
	require.NoError(t, sealed.Set(ctx, "acct", "basic", []byte("activated")))
	moved, err := inner.Get(ctx, "acct", "basic")
	require.NoError(t, err)
	require.NoError(t, inner.Set(ctx, "acct", "pro", moved))
	_, err = sealed.Get(ctx, "acct", "pro")
	assert.ErrorIs(t, err, ErrTampered)

	other, err := NewSealedStore(inner, testSealKey(t))
	require.NoError(t, err)
	_, err = other.Get(ctx, "acct", "basic")
	assert.ErrorIs(t, err, ErrTampered)
}

func TestNewSealedStore_RejectsBadKeys(t *testing.T) {
	for _, key := range []string{"", "not-base64!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		_, err := NewSealedStore(NewMemoryStore(), key)
		assert.Error(t, err, key)
	}
}

func TestSealedStore_InactiveThroughProduct(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	require.NoError(t, inner.Set(ctx, "acct", iap.ActivationKey("pro"), []byte("activated")))
	sealed, err := NewSealedStore(inner, testSealKey(t))
	require.NoError(t, err)

	p, err := iap.NewProduct(ctx, iap.ProductDefinition{Identifier: "pro"}, &iap.Deps{
		Store:   sealed,
		Fetcher: nopFetcher{},
		Queue:   nopQueue{},
		Account: "acct",
		Marker:  "activated",
	})
	require.NoError(t, err)
	assert.False(t, p.Active())
}

type nopFetcher struct{}

func (nopFetcher) Fetch(context.Context, []string) ([]iap.CatalogEntry, error) { return nil, nil }

type nopQueue struct{}

func (nopQueue) CanMakePayments() bool                                    { return false }
func (nopQueue) AddObserver(iap.TransactionObserver)                      {}
func (nopQueue) AddPayment(context.Context, iap.CatalogEntry) error       { return nil }
func (nopQueue) FinishTransaction(context.Context, iap.Transaction) error { return nil }
func (nopQueue) RestoreCompletedTransactions(context.Context) error       { return nil }
