package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iap-helper/internal/iap"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "STORE_BACKEND", "QUEUE_AUTO_SETTLE", "BREAKER_TIMEOUT", "SHARED_SECRET"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, StoreDatabase, cfg.StoreBackend)
	assert.False(t, cfg.QueueAutoSettle)
	assert.Equal(t, 30*time.Second, cfg.BreakerTimeout)
	assert.Empty(t, cfg.SharedSecret)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Redis")
	t.Setenv("QUEUE_AUTO_SETTLE", "true")
	t.Setenv("BREAKER_FAILURES", "3")
	t.Setenv("BREAKER_TIMEOUT", "5s")
	t.Setenv("HTTP_TIMEOUT", "not-a-duration")

	cfg := Load()
	assert.Equal(t, StoreRedis, cfg.StoreBackend)
	assert.True(t, cfg.QueueAutoSettle)
	assert.Equal(t, 3, cfg.BreakerFailures)
	assert.Equal(t, 5*time.Second, cfg.BreakerTimeout)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
}

const sampleCatalog = `
products:
  - id: com.example.pro
    type: one_off
    title: Pro
    level: 1
    purchase_message: Thanks!
    entry:
      title: Pro Unlock
      price: 9.99
      currency: USD
      locale: en_US
  - id: com.example.monthly
    type: auto_renewable
    level: 2
    auto_fetch: false
    user_info:
      tier: gold
`

func TestParseCatalog(t *testing.T) {
	defs, err := ParseCatalog(strings.NewReader(sampleCatalog))
	require.NoError(t, err)
	require.Len(t, defs, 2)

	pro := defs[0]
	assert.Equal(t, "com.example.pro", pro.Identifier)
	assert.Equal(t, iap.OneOff, pro.Type)
	assert.True(t, pro.AutoFetch)
	assert.Equal(t, "Thanks!", pro.PurchaseMessage)
	require.NotNil(t, pro.Entry)
	assert.Equal(t, "com.example.pro", pro.Entry.ProductIdentifier)
	assert.Equal(t, 9.99, pro.Entry.Price)

	monthly := defs[1]
	assert.Equal(t, iap.AutoRenewable, monthly.Type)
	assert.False(t, monthly.AutoFetch)
	assert.Equal(t, "gold", monthly.UserInfo["tier"])
	assert.Nil(t, monthly.Entry)

	assert.Len(t, StaticEntries(defs), 1)
}

func TestParseCatalog_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing id":   "products:\n  - type: one_off\n",
		"duplicate id": "products:\n  - id: a\n  - id: a\n",
		"unknown type": "products:\n  - id: a\n    type: consumable\n",
		"negative":     "products:\n  - id: a\n    level: -1\n",
		"malformed":    "products: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseCatalog_Empty(t *testing.T) {
	defs, err := ParseCatalog(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestLoadCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o600))

	defs, err := LoadCatalogFile(path)
	require.NoError(t, err)
	assert.Len(t, defs, 2)

	_, err = LoadCatalogFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
