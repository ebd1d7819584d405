package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Mnabil10/fasket-sub001/internal/config"
	"github.com/Mnabil10/fasket-sub001/internal/model"
	"github.com/Mnabil10/fasket-sub001/internal/outbox"
)

type emitted struct {
	Type      string
	DedupeKey string
	Payload   any
}

type recordingEmitter struct {
	mu   sync.Mutex
	got  []emitted
	fail error
}

func (r *recordingEmitter) Emit(_ context.Context, eventType string, payload any, opts outbox.Options) (model.EventRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return model.EventRef{}, r.fail
	}
	r.got = append(r.got, emitted{Type: eventType, DedupeKey: opts.DedupeKey, Payload: payload})
	return model.EventRef{ID: "evt", Type: eventType}, nil
}

func (r *recordingEmitter) all() []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emitted(nil), r.got...)
}

type recordingTracker struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingTracker) Capture(_ context.Context, alertType string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, alertType)
}

func newSink(t *testing.T) (*Sink, *recordingEmitter, *recordingTracker, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 4, 9, 10, 0, 0, time.UTC))
	em := &recordingEmitter{}
	tr := &recordingTracker{}
	cfg := config.AlertsConfig{DedupeWindow: 15 * time.Minute, MisconfigEvery: time.Hour}
	return NewSink(em, tr, cfg, clock, zaptest.NewLogger(t)), em, tr, clock
}

func TestNotifyDedupesOnKey(t *testing.T) {
	s, em, tr, _ := newSink(t)
	ctx := context.Background()

	assert.True(t, s.Notify(ctx, TypeOrderStuck, map[string]any{"order_id": "o-1"}, "order_stuck:o-1:3"))
	assert.False(t, s.Notify(ctx, TypeOrderStuck, map[string]any{"order_id": "o-1"}, "order_stuck:o-1:3"))
	assert.True(t, s.Notify(ctx, TypeOrderStuck, map[string]any{"order_id": "o-1"}, "order_stuck:o-1:4"))

	got := em.all()
	require.Len(t, got, 2)
	assert.Equal(t, "order_stuck:o-1:3", got[0].DedupeKey)
	assert.Equal(t, "order_stuck:o-1:4", got[1].DedupeKey)
	assert.Equal(t, []string{TypeOrderStuck, TypeOrderStuck}, tr.types)
}

func TestNotifyDedupeWindowFollowsClock(t *testing.T) {
	s, em, tr, clock := newSink(t)
	ctx := context.Background()
	payload := map[string]any{"order_id": "o-9"}

	require.True(t, s.Notify(ctx, TypeOrderStuck, payload, "order_stuck:o-9:1"))

	clock.Advance(14*time.Minute + 59*time.Second)
	assert.False(t, s.Notify(ctx, TypeOrderStuck, payload, "order_stuck:o-9:1"))

	clock.Advance(time.Second)
	assert.True(t, s.Notify(ctx, TypeOrderStuck, payload, "order_stuck:o-9:1"), "window elapsed on the sink clock")
	assert.False(t, s.Notify(ctx, TypeOrderStuck, payload, "order_stuck:o-9:1"), "window restarts at the re-raise")

	assert.Len(t, em.all(), 2)
	assert.Len(t, tr.types, 2)
}

func TestNotifyEmitFailureIsSwallowed(t *testing.T) {
	s, em, tr, _ := newSink(t)
	em.fail = assert.AnError

	assert.True(t, s.Notify(context.Background(), TypeDeliveryDead, map[string]any{"event_id": "e"}, "delivery_dead:e:5"))
	assert.Len(t, tr.types, 1)
}

func TestReportDoesNotEmit(t *testing.T) {
	s, em, tr, _ := newSink(t)

	s.Report(context.Background(), TypeDeliveryDead, map[string]any{"event_id": "ops-evt"})
	assert.Empty(t, em.all())
	assert.Equal(t, []string{TypeDeliveryDead}, tr.types)
}

func TestMisconfigurationAlertOncePerHour(t *testing.T) {
	s, em, _, clock := newSink(t)
	ctx := context.Background()

	assert.True(t, s.NotifyMisconfiguration(ctx, map[string]any{"reason": "missing secret"}))
	clock.Advance(59 * time.Minute)
	assert.False(t, s.NotifyMisconfiguration(ctx, map[string]any{"reason": "missing secret"}))
	clock.Advance(time.Minute)
	assert.True(t, s.NotifyMisconfiguration(ctx, map[string]any{"reason": "missing secret"}))

	got := em.all()
	require.Len(t, got, 2)
	assert.Equal(t, TypeMisconfigured, got[0].Type)
	assert.NotEqual(t, got[0].DedupeKey, got[1].DedupeKey)
}

func TestResetMisconfigurationGuard(t *testing.T) {
	s, _, _, _ := newSink(t)
	ctx := context.Background()

	require.True(t, s.NotifyMisconfiguration(ctx, nil))
	require.False(t, s.NotifyMisconfiguration(ctx, nil))
	s.ResetMisconfigurationGuard()
	// same hour bucket: the guard lets it through, the dedupe window does not
	assert.False(t, s.NotifyMisconfiguration(ctx, nil))
}

func TestHourlyGuard(t *testing.T) {
	g := NewHourlyGuard(time.Hour)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, g.Allow(t0))
	assert.False(t, g.Allow(t0.Add(30*time.Minute)))
	assert.True(t, g.Allow(t0.Add(time.Hour)))
	assert.False(t, g.Allow(t0.Add(time.Hour+time.Second)))
}

func TestIsOps(t *testing.T) {
	assert.True(t, IsOps(TypeDeliveryDead))
	assert.False(t, IsOps("order.created"))
}
