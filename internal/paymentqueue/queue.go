// Package paymentqueue is a durable sandbox payment queue. Payments wait in
// the purchasing state until they are settled, and settled transactions are
// redelivered until an observer finishes them.
package paymentqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"iap-helper/internal/iap"
	"iap-helper/internal/models"
	"iap-helper/pkg/logging"
)

var (
	ErrNotFound         = errors.New("transaction not found")
	ErrPaymentsDisabled = errors.New("payments are disabled")
	ErrNotPending       = errors.New("transaction is not pending")
	ErrInvalidState     = errors.New("invalid settlement state")
	ErrClosed           = errors.New("payment queue is closed")
)

type Options struct {
	PaymentsEnabled bool
	// AutoSettle moves every new payment to purchased right away.
	AutoSettle bool
	Now        func() time.Time
}

// Queue implements iap.PaymentQueue on top of the transactions table.
// Observer callbacks run on a single dispatch goroutine in submission order.
type Queue struct {
	db         *gorm.DB
	canPay     bool
	autoSettle bool
	now        func() time.Time

	mu        sync.RWMutex
	observers []iap.TransactionObserver
	closed    bool

	dispatch chan func()
	pending  sync.WaitGroup
	done     chan struct{}
}

func New(db *gorm.DB, opts Options) *Queue {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	q := &Queue{
		db:         db,
		canPay:     opts.PaymentsEnabled,
		autoSettle: opts.AutoSettle,
		now:        opts.Now,
		dispatch:   make(chan func(), 64),
		done:       make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for fn := range q.dispatch {
		fn()
		q.pending.Done()
	}
}

func (q *Queue) enqueue(fn func()) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	q.pending.Add(1)
	q.dispatch <- fn
	return nil
}

func (q *Queue) CanMakePayments() bool {
	return q.canPay
}

func (q *Queue) AddObserver(o iap.TransactionObserver) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observers = append(q.observers, o)
}

func (q *Queue) snapshotObservers() []iap.TransactionObserver {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]iap.TransactionObserver, len(q.observers))
	copy(out, q.observers)
	return out
}

func (q *Queue) notify(ctx context.Context, txs []iap.Transaction) {
	if len(txs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := q.enqueue(func() {
		for _, o := range q.snapshotObservers() {
			o.TransactionsUpdated(ctx, txs)
		}
	}); err != nil {
		logging.Warnf("Dropping transaction update - transactions: %d, error: %v", len(txs), err)
	}
}

// AddPayment records a purchasing transaction for entry.
func (q *Queue) AddPayment(ctx context.Context, entry iap.CatalogEntry) error {
	if !q.canPay {
		return ErrPaymentsDisabled
	}

	id := uuid.NewString()
	row := models.Transaction{
		TransactionID:         id,
		OriginalTransactionID: id,
		ProductID:             entry.ProductIdentifier,
		Price:                 entry.Price,
		Currency:              entry.CurrencyCode,
		State:                 iap.TransactionPurchasing.String(),
		PurchasedAt:           q.now().UTC(),
	}
	if err := q.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to record payment: %w", err)
	}
	logging.Infof("Payment added - product: %s, transaction: %s", row.ProductID, id)
	q.notify(ctx, []iap.Transaction{toTransaction(row)})

	if q.autoSettle {
		if _, err := q.Settle(ctx, id, iap.TransactionPurchased, ""); err != nil {
			return err
		}
	}
	return nil
}

// Settle moves a pending transaction to purchased, failed or deferred.
func (q *Queue) Settle(ctx context.Context, id string, state iap.TransactionState, reason string) (iap.Transaction, error) {
	switch state {
	case iap.TransactionPurchased, iap.TransactionFailed, iap.TransactionDeferred:
	default:
		return iap.Transaction{}, fmt.Errorf("%w: %s", ErrInvalidState, state)
	}

	var row models.Transaction
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := findTransaction(tx, id, &row); err != nil {
			return err
		}
		if row.Finished || (row.State != iap.TransactionPurchasing.String() && row.State != iap.TransactionDeferred.String()) {
			return ErrNotPending
		}
		row.State = state.String()
		row.FailureReason = reason
		return tx.Save(&row).Error
	})
	if err != nil {
		return iap.Transaction{}, err
	}

	logging.Infof("Transaction settled - transaction: %s, state: %s", id, row.State)
	settled := toTransaction(row)
	q.notify(ctx, []iap.Transaction{settled})
	return settled, nil
}

// FinishTransaction removes the transaction from redelivery.
func (q *Queue) FinishTransaction(ctx context.Context, t iap.Transaction) error {
	finishedAt := q.now().UTC()
	result := q.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("transaction_id = ? AND finished = ?", t.ID, false).
		Updates(map[string]interface{}{"finished": true, "finished_at": finishedAt})
	if result.Error != nil {
		return fmt.Errorf("failed to finish transaction: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	logging.Infof("Transaction finished - transaction: %s", t.ID)
	return nil
}

// Redeliver sends every settled but unfinished transaction to the observers
// again. It returns the number of transactions redelivered.
func (q *Queue) Redeliver(ctx context.Context) (int, error) {
	var rows []models.Transaction
	err := q.db.WithContext(ctx).
		Where("finished = ? AND state IN ?", false, terminalStates()).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load unfinished transactions: %w", err)
	}

	txs := make([]iap.Transaction, 0, len(rows))
	for _, row := range rows {
		txs = append(txs, toTransaction(row))
	}
	if len(txs) > 0 {
		logging.Infof("Redelivering unfinished transactions - count: %d", len(txs))
	}
	q.notify(ctx, txs)
	return len(txs), nil
}

// RestoreCompletedTransactions re-issues every finished purchase as a
// restored transaction and then reports completion to the observers.
func (q *Queue) RestoreCompletedTransactions(ctx context.Context) error {
	return q.enqueue(func() {
		ctx := context.WithoutCancel(ctx)
		restored, err := q.restore(ctx)
		observers := q.snapshotObservers()
		if err == nil && len(restored) > 0 {
			for _, o := range observers {
				o.TransactionsUpdated(ctx, restored)
			}
		}
		for _, o := range observers {
			o.RestoreCompleted(ctx, err)
		}
	})
}

func (q *Queue) restore(ctx context.Context) ([]iap.Transaction, error) {
	var purchases []models.Transaction
	err := q.db.WithContext(ctx).
		Where("finished = ? AND state = ?", true, iap.TransactionPurchased.String()).
		Order("id").
		Find(&purchases).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load completed purchases: %w", err)
	}

	restored := make([]iap.Transaction, 0, len(purchases))
	for _, p := range purchases {
		row := models.Transaction{
			TransactionID:         uuid.NewString(),
			OriginalTransactionID: p.OriginalTransactionID,
			ProductID:             p.ProductID,
			Price:                 p.Price,
			Currency:              p.Currency,
			State:                 iap.TransactionRestored.String(),
			PurchasedAt:           p.PurchasedAt,
		}
		if err := q.db.WithContext(ctx).Create(&row).Error; err != nil {
			return nil, fmt.Errorf("failed to record restored transaction: %w", err)
		}
		restored = append(restored, toTransaction(row))
	}
	logging.Infof("Restored completed transactions - count: %d", len(restored))
	return restored, nil
}

// Transactions lists queue transactions, newest first.
func (q *Queue) Transactions(ctx context.Context, includeFinished bool) ([]models.Transaction, error) {
	db := q.db.WithContext(ctx).Order("id DESC")
	if !includeFinished {
		db = db.Where("finished = ?", false)
	}
	var rows []models.Transaction
	if err := db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return rows, nil
}

// Wait blocks until every queued callback has run.
func (q *Queue) Wait() {
	q.pending.Wait()
}

// Close stops the dispatch goroutine after draining queued callbacks.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.dispatch)
	q.mu.Unlock()
	<-q.done
}

func findTransaction(db *gorm.DB, id string, row *models.Transaction) error {
	err := db.Where("transaction_id = ?", id).First(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func terminalStates() []string {
	return []string{
		iap.TransactionPurchased.String(),
		iap.TransactionFailed.String(),
		iap.TransactionRestored.String(),
	}
}

func toTransaction(row models.Transaction) iap.Transaction {
	state, err := iap.ParseTransactionState(row.State)
	if err != nil {
		logging.Warnf("Unknown stored transaction state - transaction: %s, state: %s", row.TransactionID, row.State)
	}
	tx := iap.Transaction{
		ID:                row.TransactionID,
		OriginalID:        row.OriginalTransactionID,
		ProductIdentifier: row.ProductID,
		State:             state,
		Date:              row.PurchasedAt,
	}
	if state == iap.TransactionFailed {
		reason := row.FailureReason
		if reason == "" {
			reason = "payment failed"
		}
		tx.Err = errors.New(reason)
	}
	return tx
}
