package iap

import (
	"fmt"
	"strings"
	"time"
)

// ProductType decides how a product is verified and when it counts as active.
type ProductType int

const (
	// OneOff purchases never expire once verified.
	OneOff ProductType = iota
	// AutoRenewable purchases are active until a verifier-supplied expiry.
	AutoRenewable
)

func (t ProductType) String() string {
	switch t {
	case AutoRenewable:
		return "auto_renewable"
	default:
		return "one_off"
	}
}

// ParseProductType parses the configuration name of a product type.
func ParseProductType(s string) (ProductType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "one_off", "oneoff":
		return OneOff, nil
	case "auto_renewable", "autorenewable", "subscription":
		return AutoRenewable, nil
	default:
		return OneOff, fmt.Errorf("unknown product type %q", s)
	}
}

// CatalogEntry is the store metadata for a product.
type CatalogEntry struct {
	ProductIdentifier string  `json:"product_id" yaml:"-"`
	Title             string  `json:"title" yaml:"title"`
	Description       string  `json:"description" yaml:"description"`
	Price             float64 `json:"price" yaml:"price"`
	CurrencyCode      string  `json:"currency" yaml:"currency"`
	Locale            string  `json:"locale" yaml:"locale"`
}

// TransactionState mirrors the platform payment queue transaction states.
type TransactionState int

const (
	TransactionPurchasing TransactionState = iota
	TransactionPurchased
	TransactionFailed
	TransactionRestored
	TransactionDeferred
)

var transactionStateNames = map[TransactionState]string{
	TransactionPurchasing: "purchasing",
	TransactionPurchased:  "purchased",
	TransactionFailed:     "failed",
	TransactionRestored:   "restored",
	TransactionDeferred:   "deferred",
}

func (s TransactionState) String() string {
	if name, ok := transactionStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseTransactionState parses a state name as produced by String.
func ParseTransactionState(s string) (TransactionState, error) {
	for state, name := range transactionStateNames {
		if name == strings.ToLower(strings.TrimSpace(s)) {
			return state, nil
		}
	}
	return TransactionPurchasing, fmt.Errorf("unknown transaction state %q", s)
}

// Terminal reports whether the transaction awaits finalization.
func (s TransactionState) Terminal() bool {
	return s == TransactionPurchased || s == TransactionFailed || s == TransactionRestored
}

// Transaction is a payment queue transaction for a single product.
type Transaction struct {
	ID                string
	OriginalID        string
	ProductIdentifier string
	State             TransactionState
	Date              time.Time
	// Err is the platform failure reason for failed transactions.
	Err error
}

// ProductDefinition is the static configuration of a product.
type ProductDefinition struct {
	Identifier            string
	Type                  ProductType
	Title                 string
	Subtitle              string
	PurchasePromptMessage string
	PurchaseMessage       string
	Level                 int
	AutoFetch             bool
	BypassActive          bool
	UserInfo              map[string]string
	// Entry, when set, seeds the catalog entry without a fetch.
	Entry *CatalogEntry
}

func (d ProductDefinition) validate() error {
	if strings.TrimSpace(d.Identifier) == "" {
		return fmt.Errorf("product identifier is required")
	}
	if d.Level < 0 {
		return fmt.Errorf("product %s: level must be >= 0", d.Identifier)
	}
	if d.Type != OneOff && d.Type != AutoRenewable {
		return fmt.Errorf("product %s: unknown type %d", d.Identifier, int(d.Type))
	}
	return nil
}
