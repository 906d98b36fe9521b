// Package receipt holds the verified receipt model returned by a receipt
// verification authority and the per-product verdicts derived from it.
package receipt

import (
	"sort"
	"time"
)

// Receipt is a decoded, authority-verified app receipt.
type Receipt struct {
	Environment string
	BundleID    string
	// RequestDate is when the authority produced the verdict. Zero if unknown.
	RequestDate time.Time
	InApp       []Item
	// LatestReceiptInfo carries the latest renewal transactions for subscriptions.
	LatestReceiptInfo []Item
	LatestReceipt     string
}

// Item is a single in-app purchase line of a receipt.
type Item struct {
	ProductID             string
	TransactionID         string
	OriginalTransactionID string
	Quantity              int
	PurchaseDate          time.Time
	// ExpiresDate is zero for purchases without expiry.
	ExpiresDate      time.Time
	CancellationDate time.Time
	IsTrialPeriod    bool
}

// Cancelled reports whether the item was refunded or revoked.
func (i Item) Cancelled() bool {
	return !i.CancellationDate.IsZero()
}

// PurchaseResult is the verdict for a one-off product.
type PurchaseResult struct {
	Purchased bool
	Item      Item
}

// SubscriptionStatus is the verdict kind for an auto-renewable product.
type SubscriptionStatus int

const (
	NotPurchased SubscriptionStatus = iota
	Purchased
	Expired
)

func (s SubscriptionStatus) String() string {
	switch s {
	case Purchased:
		return "purchased"
	case Expired:
		return "expired"
	default:
		return "not_purchased"
	}
}

// SubscriptionResult is the verdict for an auto-renewable product.
type SubscriptionResult struct {
	Status     SubscriptionStatus
	ExpiryDate time.Time
	// Items are the matching, non-cancelled items, latest expiry first.
	Items []Item
}

// VerifyPurchase looks for a non-cancelled purchase of productID.
func VerifyPurchase(productID string, r *Receipt) PurchaseResult {
	if r == nil {
		return PurchaseResult{}
	}
	for _, item := range r.InApp {
		if item.ProductID == productID && !item.Cancelled() {
			return PurchaseResult{Purchased: true, Item: item}
		}
	}
	return PurchaseResult{}
}

// VerifySubscription finds the latest expiry of productID and compares it
// against the receipt request date, or now when the receipt carries none.
func VerifySubscription(productID string, r *Receipt, now time.Time) SubscriptionResult {
	if r == nil {
		return SubscriptionResult{Status: NotPurchased}
	}
	source := r.LatestReceiptInfo
	if len(source) == 0 {
		source = r.InApp
	}

	var items []Item
	for _, item := range source {
		if item.ProductID != productID || item.Cancelled() || item.ExpiresDate.IsZero() {
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return SubscriptionResult{Status: NotPurchased}
	}

	sort.SliceStable(items, func(a, b int) bool {
		return items[a].ExpiresDate.After(items[b].ExpiresDate)
	})
	expiry := items[0].ExpiresDate

	reference := now
	if !r.RequestDate.IsZero() {
		reference = r.RequestDate
	}
	status := Expired
	if expiry.After(reference) {
		status = Purchased
	}
	return SubscriptionResult{Status: status, ExpiryDate: expiry, Items: items}
}
