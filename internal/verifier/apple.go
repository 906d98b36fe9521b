// Package verifier verifies app receipts with the App Store verifyReceipt
// endpoint.
package verifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"iap-helper/internal/receipt"
	"iap-helper/pkg/logging"
)

const (
	ProductionURL = "https://buy.itunes.apple.com/verifyReceipt"
	SandboxURL    = "https://sandbox.itunes.apple.com/verifyReceipt"

	// StatusSandboxReceipt is returned by production for a sandbox receipt.
	StatusSandboxReceipt = 21007
	// StatusProductionReceipt is returned by sandbox for a production receipt.
	StatusProductionReceipt = 21008
)

// ErrCircuitOpen is returned while the breaker rejects requests.
var ErrCircuitOpen = errors.New("receipt verification circuit is open")

// StatusError is a non-zero status returned by the App Store.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Apple verification failed with status: %d", e.Status)
}

// Config configures an AppleVerifier.
type Config struct {
	ProductionURL string
	SandboxURL    string
	// Sandbox sends receipts to the sandbox endpoint first.
	Sandbox bool

	Timeout         time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// AppleVerifier implements iap.ReceiptVerifier.
type AppleVerifier struct {
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*receipt.Receipt]
}

func NewAppleVerifier(cfg Config) *AppleVerifier {
	if cfg.ProductionURL == "" {
		cfg.ProductionURL = ProductionURL
	}
	if cfg.SandboxURL == "" {
		cfg.SandboxURL = SandboxURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}

	settings := gobreaker.Settings{
		Name:    "verify-receipt",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// A status answer means the endpoint is healthy.
		IsSuccessful: func(err error) bool {
			var statusErr *StatusError
			return err == nil || errors.As(err, &statusErr)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warnf("Circuit breaker state changed - name: %s, from: %s, to: %s", name, from, to)
		},
	}

	return &AppleVerifier{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    gobreaker.NewCircuitBreaker[*receipt.Receipt](settings),
	}
}

// Verify sends the receipt to the configured environment first and follows
// one environment redirect (21007 or 21008).
func (v *AppleVerifier) Verify(ctx context.Context, data []byte, secret string) (*receipt.Receipt, error) {
	first, second := v.cfg.ProductionURL, v.cfg.SandboxURL
	redirect := StatusSandboxReceipt
	if v.cfg.Sandbox {
		first, second = second, first
		redirect = StatusProductionReceipt
	}

	rcpt, err := v.execute(ctx, first, data, secret)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Status == redirect {
		logging.Infof("Receipt belongs to the other environment, retrying - status: %d", statusErr.Status)
		return v.execute(ctx, second, data, secret)
	}
	return rcpt, err
}

func (v *AppleVerifier) execute(ctx context.Context, url string, data []byte, secret string) (*receipt.Receipt, error) {
	rcpt, err := v.breaker.Execute(func() (*receipt.Receipt, error) {
		return v.verifyWithApple(ctx, url, data, secret)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return rcpt, err
}

type verifyRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password,omitempty"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

// verifyResponse represents Apple receipt verification response
type verifyResponse struct {
	Status      int    `json:"status"`
	Environment string `json:"environment"`
	Receipt     struct {
		BundleID      string        `json:"bundle_id"`
		RequestDateMS string        `json:"request_date_ms"`
		InApp         []receiptItem `json:"in_app"`
	} `json:"receipt"`
	LatestReceiptInfo []receiptItem `json:"latest_receipt_info"`
	LatestReceipt     string        `json:"latest_receipt"`
}

type receiptItem struct {
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	Quantity              string `json:"quantity"`
	PurchaseDateMS        string `json:"purchase_date_ms"`
	ExpiresDateMS         string `json:"expires_date_ms"`
	CancellationDateMS    string `json:"cancellation_date_ms"`
	IsTrialPeriod         string `json:"is_trial_period"`
}

// verifyWithApple verifies receipt with Apple's API
func (v *AppleVerifier) verifyWithApple(ctx context.Context, url string, data []byte, secret string) (*receipt.Receipt, error) {
	jsonData, err := json.Marshal(verifyRequest{
		ReceiptData: base64.StdEncoding.EncodeToString(data),
		Password:    secret,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to verify receipt: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("verify receipt returned HTTP %d", resp.StatusCode)
	}

	var appleResp verifyResponse
	if err := json.Unmarshal(body, &appleResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	// Check status
	if appleResp.Status != 0 {
		return nil, &StatusError{Status: appleResp.Status}
	}

	return appleResp.toReceipt()
}

func (r *verifyResponse) toReceipt() (*receipt.Receipt, error) {
	requestDate, err := parseAppleTimestamp(r.Receipt.RequestDateMS)
	if err != nil {
		return nil, fmt.Errorf("failed to parse request date: %w", err)
	}

	out := &receipt.Receipt{
		Environment:   r.Environment,
		BundleID:      r.Receipt.BundleID,
		RequestDate:   requestDate,
		LatestReceipt: r.LatestReceipt,
	}
	for _, item := range r.Receipt.InApp {
		converted, err := item.toItem()
		if err != nil {
			return nil, err
		}
		out.InApp = append(out.InApp, converted)
	}
	for _, item := range r.LatestReceiptInfo {
		converted, err := item.toItem()
		if err != nil {
			return nil, err
		}
		out.LatestReceiptInfo = append(out.LatestReceiptInfo, converted)
	}
	return out, nil
}

func (i receiptItem) toItem() (receipt.Item, error) {
	item := receipt.Item{
		ProductID:             i.ProductID,
		TransactionID:         i.TransactionID,
		OriginalTransactionID: i.OriginalTransactionID,
		Quantity:              1,
		IsTrialPeriod:         i.IsTrialPeriod == "true",
	}
	if i.Quantity != "" {
		q, err := strconv.Atoi(i.Quantity)
		if err != nil {
			return item, fmt.Errorf("failed to parse quantity of %s: %w", i.TransactionID, err)
		}
		item.Quantity = q
	}

	var err error
	if item.PurchaseDate, err = parseAppleTimestamp(i.PurchaseDateMS); err != nil {
		return item, fmt.Errorf("failed to parse purchase date of %s: %w", i.TransactionID, err)
	}
	if item.ExpiresDate, err = parseAppleTimestamp(i.ExpiresDateMS); err != nil {
		return item, fmt.Errorf("failed to parse expiry date of %s: %w", i.TransactionID, err)
	}
	if item.CancellationDate, err = parseAppleTimestamp(i.CancellationDateMS); err != nil {
		return item, fmt.Errorf("failed to parse cancellation date of %s: %w", i.TransactionID, err)
	}
	return item, nil
}

// parseAppleTimestamp parses Apple timestamp (milliseconds since epoch).
// An empty string is the zero time.
func parseAppleTimestamp(timestampStr string) (time.Time, error) {
	if timestampStr == "" {
		return time.Time{}, nil
	}
	timestamp, err := strconv.ParseInt(timestampStr, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(timestamp).UTC(), nil
}
