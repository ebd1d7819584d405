package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Mnabil10/fasket-sub001/internal/model"
	"github.com/Mnabil10/fasket-sub001/internal/repository"
	"github.com/Mnabil10/fasket-sub001/internal/sqlutil"
	"github.com/Mnabil10/fasket-sub001/internal/testkit"
)

type fixture struct {
	clock *clockwork.FakeClock
	store *testkit.EventStore
	sched *testkit.RecordingScheduler
	w     *Writer
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := testkit.NewEventStore(clock)
	sched := testkit.NewRecordingScheduler()
	return fixture{
		clock: clock,
		store: store,
		sched: sched,
		w:     NewWriter(store, sched, clock, zaptest.NewLogger(t)),
	}
}

func TestEmitCreatesPendingEventAndSchedules(t *testing.T) {
	f := newFixture(t)

	ref, err := f.w.Emit(context.Background(), "order.created", map[string]any{"order_id": "o-1"}, Options{CorrelationID: "req-9"})
	require.NoError(t, err)
	assert.Equal(t, "order.created", ref.Type)

	e, ok := f.store.Snapshot(ref.ID)
	require.True(t, ok)
	assert.Equal(t, model.EventPending, e.Status)
	assert.Equal(t, 0, e.Attempts)
	assert.Equal(t, "order.created:"+ref.ID, e.DedupeKey)
	require.NotNil(t, e.CorrelationID)
	assert.Equal(t, "req-9", *e.CorrelationID)
	require.NotNil(t, e.NextAttemptAt)
	assert.True(t, e.NextAttemptAt.Equal(f.clock.Now()))
	assert.JSONEq(t, `{"order_id":"o-1"}`, string(e.Payload))

	assert.Equal(t, []testkit.Job{{EventID: ref.ID, Delay: 0}}, f.sched.Jobs())
}

func TestEmitRejectsEmptyType(t *testing.T) {
	f := newFixture(t)
	_, err := f.w.Emit(context.Background(), "  ", nil, Options{})
	require.ErrorIs(t, err, ErrEmptyType)
	assert.Empty(t, f.store.All())
}

func TestEmitHonorsFutureNextAttempt(t *testing.T) {
	f := newFixture(t)
	at := f.clock.Now().Add(10 * time.Minute)

	ref, err := f.w.Emit(context.Background(), "order.reminder", json.RawMessage(`{"n":1}`), Options{NextAttemptAt: &at})
	require.NoError(t, err)

	job, ok := f.sched.Last()
	require.True(t, ok)
	assert.Equal(t, ref.ID, job.EventID)
	assert.Equal(t, 10*time.Minute, job.Delay)
}

func TestEmitDedupeReturnsExistingAndReenqueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.w.Emit(ctx, "order.status_changed", map[string]string{"to": "PROCESSING"}, Options{DedupeKey: "order:o-1:PROCESSING"})
	require.NoError(t, err)
	second, err := f.w.Emit(ctx, "order.status_changed", map[string]string{"to": "PROCESSING"}, Options{DedupeKey: "order:o-1:PROCESSING"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, f.store.All(), 1)
	assert.Len(t, f.sched.JobsFor(first.ID), 2)
}

func TestEmitDedupeOfTerminalEventDoesNotSchedule(t *testing.T) {
	f := newFixture(t)
	f.store.Put(model.AutomationEvent{
		ID: "evt-sent", Type: "order.delivered", Status: model.EventSent,
		Attempts: 1, DedupeKey: "order:o-2:DELIVERED", CreatedAt: f.clock.Now(),
	})

	ref, err := f.w.Emit(context.Background(), "order.delivered", nil, Options{DedupeKey: "order:o-2:DELIVERED"})
	require.NoError(t, err)
	assert.Equal(t, "evt-sent", ref.ID)
	assert.Empty(t, f.sched.Jobs())
}

func TestConcurrentEmitCreatesOneRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 32
	refs := make([]model.EventRef, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ref, err := f.w.Emit(ctx, "payment.captured", map[string]int{"i": i}, Options{DedupeKey: "pay-77"})
			assert.NoError(t, err)
			refs[i] = ref
		}(i)
	}
	wg.Wait()

	require.Len(t, f.store.All(), 1)
	for _, r := range refs {
		assert.Equal(t, refs[0], r)
	}
}

func TestEmitInTxSchedulesOnlyAfterCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := sqlutil.Wrap(ctx, nil)

	ref, err := f.w.Emit(ctx, "order.created", map[string]string{"id": "o-3"}, Options{Tx: tx})
	require.NoError(t, err)
	assert.Empty(t, f.sched.Jobs(), "scheduled before commit")
	_, visible := f.store.Snapshot(ref.ID)
	assert.False(t, visible, "row visible before commit")

	require.NoError(t, tx.Commit())

	_, visible = f.store.Snapshot(ref.ID)
	assert.True(t, visible)
	assert.Equal(t, []testkit.Job{{EventID: ref.ID, Delay: 0}}, f.sched.Jobs())
}

func TestEmitInTxRollbackNeverSchedules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := sqlutil.Wrap(ctx, nil)

	ref, err := f.w.Emit(ctx, "order.created", map[string]string{"id": "o-4"}, Options{Tx: tx})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	assert.Empty(t, f.sched.Jobs())
	_, ok := f.store.Snapshot(ref.ID)
	assert.False(t, ok)
}

func TestEmitInTxDedupeDoesNotReenqueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.Put(model.AutomationEvent{
		ID: "evt-1", Type: "order.created", Status: model.EventFailed,
		Attempts: 1, DedupeKey: "o-5", CreatedAt: f.clock.Now(),
	})

	tx := sqlutil.Wrap(ctx, nil)
	ref, err := f.w.Emit(ctx, "order.created", nil, Options{DedupeKey: "o-5", Tx: tx})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, "evt-1", ref.ID)
	assert.Empty(t, f.sched.Jobs())
}

func TestEmitSchedulingFailureStillReturnsEvent(t *testing.T) {
	f := newFixture(t)
	f.sched.FailWith(assert.AnError)

	ref, err := f.w.Emit(context.Background(), "order.created", nil, Options{})
	require.NoError(t, err)
	_, ok := f.store.Snapshot(ref.ID)
	assert.True(t, ok)
}

func TestEmitStoreErrorIsReturned(t *testing.T) {
	f := newFixture(t)
	f.store.FailOn("Insert", assert.AnError)

	_, err := f.w.Emit(context.Background(), "order.created", nil, Options{})
	require.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, f.sched.Jobs())
}

func TestEnqueueManySchedulesEveryRef(t *testing.T) {
	f := newFixture(t)
	refs := []model.EventRef{{ID: "a", Type: "t"}, {ID: "b", Type: "t"}}

	require.NoError(t, f.w.EnqueueMany(context.Background(), refs))
	assert.Equal(t, []testkit.Job{{EventID: "a"}, {EventID: "b"}}, f.sched.Jobs())

	f.sched.FailWith(assert.AnError)
	err := f.w.EnqueueMany(context.Background(), refs)
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestEmitInTxAfterConcurrentCommitReturnsWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mine := sqlutil.Wrap(ctx, nil)
	// an earlier read pins the transaction's snapshot before the other emitter commits
	_, err := f.store.GetByDedupeKey(ctx, mine, "order.paid", "other-key")
	require.ErrorIs(t, err, repository.ErrNotFound)

	other := sqlutil.Wrap(ctx, nil)
	winner, err := f.w.Emit(ctx, "order.paid", map[string]string{"id": "o-6"}, Options{DedupeKey: "o-6", Tx: other})
	require.NoError(t, err)
	require.NoError(t, other.Commit())

	ref, err := f.w.Emit(ctx, "order.paid", map[string]string{"id": "o-6"}, Options{DedupeKey: "o-6", Tx: mine})
	require.NoError(t, err)
	require.NoError(t, mine.Commit())

	assert.Equal(t, winner, ref)
	assert.Len(t, f.store.All(), 1)
	assert.Equal(t, []testkit.Job{{EventID: winner.ID}}, f.sched.Jobs())
}

type emitResult struct {
	ref model.EventRef
	err error
}

func emitAsync(f fixture, tx *sqlutil.Tx, key string) <-chan emitResult {
	out := make(chan emitResult, 1)
	go func() {
		ref, err := f.w.Emit(context.Background(), "order.paid", nil, Options{DedupeKey: key, Tx: tx})
		out <- emitResult{ref, err}
	}()
	return out
}

func TestEmitInTxWaitsForOpenTxHoldingKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := sqlutil.Wrap(ctx, nil)
	held, err := f.w.Emit(ctx, "order.paid", nil, Options{DedupeKey: "o-7", Tx: first})
	require.NoError(t, err)

	second := sqlutil.Wrap(ctx, nil)
	pending := emitAsync(f, second, "o-7")
	select {
	case <-pending:
		t.Fatal("second insert returned while the first transaction still holds the key")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Commit())
	var res emitResult
	select {
	case res = <-pending:
	case <-time.After(2 * time.Second):
		t.Fatal("second emit still blocked after commit")
	}
	require.NoError(t, res.err)
	require.NoError(t, second.Commit())

	assert.Equal(t, held, res.ref)
	assert.Len(t, f.store.All(), 1)
}

func TestEmitInTxProceedsWhenHolderRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := sqlutil.Wrap(ctx, nil)
	_, err := f.w.Emit(ctx, "order.paid", nil, Options{DedupeKey: "o-8", Tx: first})
	require.NoError(t, err)

	second := sqlutil.Wrap(ctx, nil)
	pending := emitAsync(f, second, "o-8")
	require.NoError(t, first.Rollback())

	var res emitResult
	select {
	case res = <-pending:
	case <-time.After(2 * time.Second):
		t.Fatal("second emit still blocked after rollback")
	}
	require.NoError(t, res.err)
	require.NoError(t, second.Commit())

	got, ok := f.store.Snapshot(res.ref.ID)
	require.True(t, ok)
	assert.Equal(t, "o-8", got.DedupeKey)
	assert.Len(t, f.store.All(), 1)
}
