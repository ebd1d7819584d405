// Package watcher raises ops alerts for orders that sit in one status for too long.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Mnabil10/fasket-sub001/internal/alert"
	"github.com/Mnabil10/fasket-sub001/internal/config"
	"github.com/Mnabil10/fasket-sub001/internal/metrics"
	"github.com/Mnabil10/fasket-sub001/internal/model"
)

// Orders lists orders stuck in a status.
type Orders interface {
	ListStuck(ctx context.Context, status string, changedBefore time.Time, limit int) ([]model.StuckOrder, error)
}

// Notifier is the alert sink.
type Notifier interface {
	Notify(ctx context.Context, alertType string, payload map[string]any, dedupeKey string) bool
}

// DefaultThresholds apply when the config has none.
var DefaultThresholds = map[string]time.Duration{
	model.OrderPending:        30 * time.Minute,
	model.OrderProcessing:     60 * time.Minute,
	model.OrderOutForDelivery: 120 * time.Minute,
}

type Watcher struct {
	orders     Orders
	alerts     Notifier
	clock      clockwork.Clock
	log        *zap.Logger
	interval   time.Duration
	bucket     time.Duration
	batch      int
	thresholds map[string]time.Duration
	statuses   []string
}

func New(orders Orders, alerts Notifier, cfg config.WatcherConfig, clock clockwork.Clock, log *zap.Logger) *Watcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	w := &Watcher{
		orders:     orders,
		alerts:     alerts,
		clock:      clock,
		log:        log,
		interval:   cfg.Interval,
		bucket:     cfg.Bucket,
		batch:      cfg.BatchSize,
		thresholds: cfg.Thresholds,
	}
	if w.interval <= 0 {
		w.interval = time.Minute
	}
	if w.bucket <= 0 {
		w.bucket = 15 * time.Minute
	}
	if len(w.thresholds) == 0 {
		w.thresholds = DefaultThresholds
	}
	for st := range w.thresholds {
		w.statuses = append(w.statuses, st)
	}
	sort.Strings(w.statuses)
	return w
}

// Bucket is the age bucket an order falls into; a new bucket means a new alert.
func (w *Watcher) Bucket(age time.Duration) int64 {
	if age < 0 {
		return 0
	}
	return int64(age / w.bucket)
}

// DedupeKey identifies one alert per order per age bucket.
func DedupeKey(orderID string, bucket int64) string {
	return fmt.Sprintf("order_stuck:%s:%d", orderID, bucket)
}

// Scan checks every watched status once and returns the number of alerts raised.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	now := w.clock.Now()
	raised := 0
	var errs []error

	for _, status := range w.statuses {
		threshold := w.thresholds[status]
		stuck, err := w.orders.ListStuck(ctx, status, now.Add(-threshold), w.batch)
		if err != nil {
			errs = append(errs, fmt.Errorf("list stuck %s orders: %w", status, err))
			continue
		}
		metrics.StuckOrders.WithLabelValues(status).Set(float64(len(stuck)))

		for _, o := range stuck {
			age := now.Sub(o.Since)
			bucket := w.Bucket(age)
			payload := map[string]any{
				"order_id":          o.ID,
				"order_code":        o.Code,
				"status":            o.Status,
				"since":             o.Since.UTC().Format(time.RFC3339),
				"age_minutes":       int64(age / time.Minute),
				"threshold_minutes": int64(threshold / time.Minute),
				"bucket":            bucket,
			}
			if w.alerts.Notify(ctx, alert.TypeOrderStuck, payload, DedupeKey(o.ID, bucket)) {
				raised++
			}
		}
	}
	return raised, errors.Join(errs...)
}

// Run scans immediately and then every interval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	tick := w.clock.NewTicker(w.interval)
	defer tick.Stop()
	for {
		n, err := w.Scan(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Error("stuck order scan", zap.Error(err))
		}
		if n > 0 {
			w.log.Info("stuck orders alerted", zap.Int("alerts", n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tick.Chan():
		}
	}
}
