package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Mnabil10/fasket-sub001/internal/config"
	"github.com/Mnabil10/fasket-sub001/internal/model"
	"github.com/Mnabil10/fasket-sub001/internal/testkit"
)

func TestSweepOnceSchedulesOverdueOnly(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC))
	store := testkit.NewEventStore(clock)
	sched := testkit.NewRecordingScheduler()
	now := clock.Now()
	at := func(d time.Duration) *time.Time {
		ts := now.Add(d)
		return &ts
	}

	store.Put(model.AutomationEvent{ID: "stale", Type: "t", DedupeKey: "1", Status: model.EventPending, NextAttemptAt: at(-10 * time.Minute)})
	store.Put(model.AutomationEvent{ID: "retry", Type: "t", DedupeKey: "2", Status: model.EventFailed, NextAttemptAt: at(-3 * time.Minute)})
	store.Put(model.AutomationEvent{ID: "fresh", Type: "t", DedupeKey: "3", Status: model.EventPending, NextAttemptAt: at(-time.Minute)})
	store.Put(model.AutomationEvent{ID: "future", Type: "t", DedupeKey: "4", Status: model.EventFailed, NextAttemptAt: at(time.Hour)})
	store.Put(model.AutomationEvent{ID: "dead", Type: "t", DedupeKey: "5", Status: model.EventDead, NextAttemptAt: at(-time.Hour)})

	s := NewSweeper(store, sched, config.SweeperConfig{Grace: 2 * time.Minute, BatchSize: 10}, clock, zaptest.NewLogger(t))
	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []testkit.Job{{EventID: "stale"}, {EventID: "retry"}}, sched.Jobs())
}

func TestBatchRecorderFlushesOnShutdown(t *testing.T) {
	sink := &memRecorder{}
	r := NewBatchRecorder(sink, clockwork.NewFakeClock(), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()

	r.Record(ctx, model.DeliveryAttempt{EventID: "a", Attempt: 1, Outcome: "failed"})
	r.Record(ctx, model.DeliveryAttempt{EventID: "a", Attempt: 2, Outcome: "sent"})
	cancel()
	<-done

	require.Len(t, sink.rows, 2)
	assert.Equal(t, "sent", sink.rows[1].Outcome)
}

func TestBatchRecorderFlushesOnTicker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sink := &memRecorder{}
	r := NewBatchRecorder(sink, clock, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	r.Record(ctx, model.DeliveryAttempt{EventID: "a", Attempt: 1, Outcome: "failed"})
	r.Record(ctx, model.DeliveryAttempt{EventID: "b", Attempt: 1, Outcome: "sent"})

	// nothing is written until the batch window elapses on the recorder's clock
	assert.Never(t, func() bool { return sink.count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return sink.count() == 2
	}, time.Second, 5*time.Millisecond)
}
