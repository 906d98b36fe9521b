// Package metrics records catalog events as Prometheus metrics.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"iap-helper/internal/iap"
)

// LevelSource reports the current entitlement level.
type LevelSource interface {
	Level() int
}

type Collector struct {
	events   *prometheus.CounterVec
	failures *prometheus.CounterVec
	level    prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "iap",
				Name:      "events_total",
				Help:      "Total number of catalog and product events published.",
			},
			[]string{"kind"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "iap",
				Name:      "purchase_failures_total",
				Help:      "Total number of failed purchases by reason.",
			},
			[]string{"reason"},
		),
		level: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "iap",
			Name:      "entitlement_level",
			Help:      "Highest level among active products.",
		}),
	}

	for _, collector := range []prometheus.Collector{c.events, c.failures, c.level} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Attach subscribes the collector to bus. The entitlement gauge is refreshed
// from levels whenever activation state may have changed.
func (c *Collector) Attach(bus *iap.EventBus, levels LevelSource) func() {
	c.level.Set(float64(levels.Level()))
	return bus.Subscribe(func(e iap.Event) {
		c.events.WithLabelValues(string(e.Kind)).Inc()
		switch e.Kind {
		case iap.EventPurchaseFailed:
			c.failures.WithLabelValues(FailureReason(e.Err)).Inc()
		case iap.EventProductActivated, iap.EventProductsChanged, iap.EventRestoreCompleted:
			c.level.Set(float64(levels.Level()))
		}
	})
}

// FailureReason maps a purchase failure to a low-cardinality label.
func FailureReason(err error) string {
	var expired *iap.ExpiredError
	var transport *iap.TransportError
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, iap.ErrNoCatalogEntry):
		return "no_catalog_entry"
	case errors.Is(err, iap.ErrNotVerified):
		return "not_verified"
	case errors.Is(err, iap.ErrNoReceipt):
		return "no_receipt"
	case errors.Is(err, iap.ErrTransactionFailed):
		return "transaction_failed"
	case errors.As(err, &expired):
		return "expired"
	case errors.As(err, &transport):
		return "transport"
	default:
		return "other"
	}
}
