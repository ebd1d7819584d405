package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Mnabil10/fasket-sub001/internal/alert"
	"github.com/Mnabil10/fasket-sub001/internal/config"
	"github.com/Mnabil10/fasket-sub001/internal/model"
	"github.com/Mnabil10/fasket-sub001/internal/testkit"
)

// keyedNotifier dedupes on key forever, like the sink plus the outbox unique key.
type keyedNotifier struct {
	seen map[string]bool
	keys []string
}

func (k *keyedNotifier) Notify(_ context.Context, alertType string, _ map[string]any, dedupeKey string) bool {
	if alertType != alert.TypeOrderStuck || k.seen[dedupeKey] {
		return false
	}
	if k.seen == nil {
		k.seen = map[string]bool{}
	}
	k.seen[dedupeKey] = true
	k.keys = append(k.keys, dedupeKey)
	return true
}

func newWatcher(t *testing.T, orders Orders, n Notifier, clock clockwork.Clock) *Watcher {
	t.Helper()
	cfg := config.WatcherConfig{
		Interval: time.Minute,
		Bucket:   15 * time.Minute,
		Thresholds: map[string]time.Duration{
			model.OrderPending:        30 * time.Minute,
			model.OrderOutForDelivery: 120 * time.Minute,
		},
	}
	return New(orders, n, cfg, clock, zaptest.NewLogger(t))
}

func TestScanAlertsOncePerBucket(t *testing.T) {
	since := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(since.Add(46 * time.Minute))
	orders := testkit.NewOrdersStore(model.StuckOrder{ID: "o-1", Code: "FSK-1", Status: model.OrderPending, Since: since})
	n := &keyedNotifier{}
	w := newWatcher(t, orders, n, clock)
	ctx := context.Background()

	raised, err := w.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, raised)
	assert.Equal(t, []string{"order_stuck:o-1:3"}, n.keys)

	clock.Advance(4 * time.Minute) // 50m, same bucket
	raised, err = w.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, raised)

	clock.Advance(11 * time.Minute) // 61m
	raised, err = w.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, raised)
	assert.Equal(t, []string{"order_stuck:o-1:3", "order_stuck:o-1:4"}, n.keys)
}

func TestScanRespectsPerStatusThreshold(t *testing.T) {
	now := time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	orders := testkit.NewOrdersStore(
		model.StuckOrder{ID: "young", Status: model.OrderPending, Since: now.Add(-20 * time.Minute)},
		model.StuckOrder{ID: "out", Status: model.OrderOutForDelivery, Since: now.Add(-90 * time.Minute)},
		model.StuckOrder{ID: "late", Status: model.OrderOutForDelivery, Since: now.Add(-125 * time.Minute)},
		model.StuckOrder{ID: "unwatched", Status: model.OrderProcessing, Since: now.Add(-10 * time.Hour)},
	)
	n := &keyedNotifier{}
	w := newWatcher(t, orders, n, clock)

	raised, err := w.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, raised)
	assert.Equal(t, []string{"order_stuck:late:8"}, n.keys)
}

func TestBucket(t *testing.T) {
	w := newWatcher(t, testkit.NewOrdersStore(), &keyedNotifier{}, clockwork.NewFakeClock())
	assert.EqualValues(t, 0, w.Bucket(14*time.Minute))
	assert.EqualValues(t, 1, w.Bucket(15*time.Minute))
	assert.EqualValues(t, 3, w.Bucket(46*time.Minute))
	assert.EqualValues(t, 4, w.Bucket(61*time.Minute))
	assert.EqualValues(t, 0, w.Bucket(-time.Minute))
}

func TestDefaultThresholds(t *testing.T) {
	w := New(testkit.NewOrdersStore(), &keyedNotifier{}, config.WatcherConfig{}, clockwork.NewFakeClock(), nil)
	assert.Equal(t, []string{model.OrderOutForDelivery, model.OrderPending, model.OrderProcessing}, w.statuses)
}
