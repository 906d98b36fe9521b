// Package notify forwards catalog events to an HTTP webhook.
package notify

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"iap-helper/internal/iap"
	"iap-helper/pkg/logging"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-IAP-Signature"

// DefaultRetryDelays is the retry schedule: 1s, 5s, 30s (3 attempts total).
var DefaultRetryDelays = []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second}

// WebhookNotifier handles webhook notifications to the app backend
type WebhookNotifier struct {
	url         string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration
	now         func() time.Time

	wg sync.WaitGroup
}

// NewWebhookNotifier creates a new webhook notifier
func NewWebhookNotifier(url, secret string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second, // 10 second timeout
		},
		retryDelays: DefaultRetryDelays,
		now:         time.Now,
	}
}

// WithRetryDelays replaces the retry schedule. The number of delays is the
// number of attempts.
func (wn *WebhookNotifier) WithRetryDelays(delays ...time.Duration) *WebhookNotifier {
	wn.retryDelays = delays
	return wn
}

// WebhookPayload represents the payload sent to the app backend
type WebhookPayload struct {
	Event                 string `json:"event"`
	ProductID             string `json:"product_id,omitempty"`
	TransactionID         string `json:"transaction_id,omitempty"`
	OriginalTransactionID string `json:"original_transaction_id,omitempty"`
	Renewal               bool   `json:"renewal,omitempty"`
	ExpiresDate           string `json:"expires_date,omitempty"` // ISO 8601 format
	Error                 string `json:"error,omitempty"`
	Timestamp             string `json:"timestamp"` // ISO 8601 format
}

// Attach subscribes the notifier to bus. The returned func detaches it.
func (wn *WebhookNotifier) Attach(bus *iap.EventBus) func() {
	return bus.Subscribe(wn.handle,
		iap.EventProductActivated,
		iap.EventPurchaseFailed,
		iap.EventProductsChanged,
		iap.EventRestoreCompleted,
	)
}

func (wn *WebhookNotifier) handle(e iap.Event) {
	if wn.url == "" {
		// No webhook configured, skip
		return
	}
	payload := wn.payload(e)

	wn.wg.Add(1)
	go func() {
		defer wn.wg.Done()
		wn.sendWithRetry(payload)
	}()
}

func (wn *WebhookNotifier) payload(e iap.Event) WebhookPayload {
	at := e.At
	if at.IsZero() {
		at = wn.now()
	}
	payload := WebhookPayload{
		Event:     string(e.Kind),
		Renewal:   e.Renewal,
		Timestamp: at.UTC().Format(time.RFC3339),
	}
	if e.Product != nil {
		payload.ProductID = e.Product.Identifier()
		if expiry, ok := e.Product.ExpiryDate(); ok {
			payload.ExpiresDate = expiry.UTC().Format(time.RFC3339)
		}
	}
	if e.Transaction != nil {
		payload.TransactionID = e.Transaction.ID
		payload.OriginalTransactionID = e.Transaction.OriginalID
	}
	if e.Err != nil {
		payload.Error = e.Err.Error()
	}
	return payload
}

// sendWithRetry sends webhook with retry mechanism
func (wn *WebhookNotifier) sendWithRetry(payload WebhookPayload) {
	maxRetries := len(wn.retryDelays)

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := wn.sendWebhook(payload)
		if err == nil {
			logging.Infof("Webhook notification sent successfully - url: %s, event: %s, attempt: %d",
				wn.url, payload.Event, attempt+1)
			return
		}

		logging.Errorf("Webhook notification failed - url: %s, event: %s, attempt: %d, error: %v",
			wn.url, payload.Event, attempt+1, err)

		// If not the last attempt, wait before retry
		if attempt < maxRetries-1 {
			time.Sleep(wn.retryDelays[attempt])
		}
	}

	logging.Errorf("Webhook notification failed after %d attempts - url: %s, event: %s",
		maxRetries, wn.url, payload.Event)
}

// sendWebhook sends a single webhook request
func (wn *WebhookNotifier) sendWebhook(payload WebhookPayload) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, wn.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "IAP-Helper-Webhook/1.0")

	// Add signature if secret is provided
	if wn.secret != "" {
		req.Header.Set(SignatureHeader, Sign(jsonData, wn.secret))
	}

	resp, err := wn.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// Wait blocks until in-flight deliveries, including retries, are done.
func (wn *WebhookNotifier) Wait() {
	wn.wg.Wait()
}

// Sign generates the HMAC-SHA256 signature for a webhook payload
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
