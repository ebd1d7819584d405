// Package outbox records automation events in the same store (and optionally the same
// transaction) as the business write that caused them, then schedules their delivery.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Mnabil10/fasket-sub001/internal/metrics"
	"github.com/Mnabil10/fasket-sub001/internal/model"
	"github.com/Mnabil10/fasket-sub001/internal/repository"
	"github.com/Mnabil10/fasket-sub001/internal/scheduler"
	"github.com/Mnabil10/fasket-sub001/internal/sqlutil"
	"github.com/Mnabil10/fasket-sub001/internal/util"
)

var ErrEmptyType = errors.New("outbox: event type is required")

// Store is the part of the events repository the writer needs.
type Store interface {
	Insert(ctx context.Context, tx *sqlutil.Tx, e model.AutomationEvent) (bool, error)
	GetByDedupeKey(ctx context.Context, tx *sqlutil.Tx, eventType, dedupeKey string) (*model.AutomationEvent, error)
	LockByDedupeKey(ctx context.Context, tx *sqlutil.Tx, eventType, dedupeKey string) (*model.AutomationEvent, error)
}

// Options tune a single Emit.
type Options struct {
	DedupeKey     string
	NextAttemptAt *time.Time // first attempt not before; nil = now
	CorrelationID string
	// Tx makes the insert part of the caller's transaction. Delivery is then scheduled by a
	// post-commit hook and never happens if the caller rolls back.
	Tx *sqlutil.Tx
}

type Writer struct {
	store Store
	sched scheduler.Scheduler
	clock clockwork.Clock
	log   *zap.Logger
}

func NewWriter(store Store, sched scheduler.Scheduler, clock clockwork.Clock, log *zap.Logger) *Writer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{store: store, sched: sched, clock: clock, log: log}
}

// Emit stores one event and arranges its delivery.
//
// Calls sharing (eventType, opts.DedupeKey) create at most one row; later calls return the
// existing event. Scheduling failures are logged only: the row is durable and the sweeper
// picks it up.
func (w *Writer) Emit(ctx context.Context, eventType string, payload any, opts Options) (model.EventRef, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return model.EventRef{}, ErrEmptyType
	}
	body, err := marshalPayload(payload)
	if err != nil {
		return model.EventRef{}, fmt.Errorf("outbox: marshal %s payload: %w", eventType, err)
	}
	dedupeKey := strings.TrimSpace(opts.DedupeKey)

	if dedupeKey != "" {
		existing, err := w.store.GetByDedupeKey(ctx, opts.Tx, eventType, dedupeKey)
		switch {
		case err == nil:
			return w.deduped(ctx, existing, opts.Tx), nil
		case !errors.Is(err, repository.ErrNotFound):
			metrics.EmitsTotal.WithLabelValues("error").Inc()
			return model.EventRef{}, fmt.Errorf("outbox: lookup %s/%s: %w", eventType, dedupeKey, err)
		}
	}

	now := w.clock.Now().UTC()
	id := util.NewIDAt(now)
	if dedupeKey == "" {
		dedupeKey = eventType + ":" + id
	}
	due := now
	if opts.NextAttemptAt != nil && opts.NextAttemptAt.After(now) {
		due = opts.NextAttemptAt.UTC()
	}

	e := model.AutomationEvent{
		ID:            id,
		Type:          eventType,
		Payload:       body,
		Status:        model.EventPending,
		Attempts:      0,
		NextAttemptAt: &due,
		DedupeKey:     dedupeKey,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if c := strings.TrimSpace(opts.CorrelationID); c != "" {
		e.CorrelationID = &c
	}

	inserted, err := w.store.Insert(ctx, opts.Tx, e)
	if err != nil {
		metrics.EmitsTotal.WithLabelValues("error").Inc()
		return model.EventRef{}, fmt.Errorf("outbox: insert %s: %w", eventType, err)
	}
	if !inserted {
		// lost the race on (type, dedupe_key): the winner committed after our snapshot, so only a
		// locking read can see its row
		winner, err := w.store.LockByDedupeKey(ctx, opts.Tx, eventType, dedupeKey)
		if err != nil {
			metrics.EmitsTotal.WithLabelValues("error").Inc()
			return model.EventRef{}, fmt.Errorf("outbox: reload %s/%s after conflict: %w", eventType, dedupeKey, err)
		}
		return w.deduped(ctx, winner, opts.Tx), nil
	}

	metrics.EmitsTotal.WithLabelValues("created").Inc()
	ref := e.Ref()
	if opts.Tx != nil {
		opts.Tx.AfterCommit(func(hctx context.Context) {
			w.schedule(hctx, ref.ID, due)
		})
		return ref, nil
	}
	w.schedule(ctx, ref.ID, due)
	return ref, nil
}

// deduped returns the existing event, re-scheduling it when it is still pending delivery
// and the caller is not inside its own transaction.
func (w *Writer) deduped(ctx context.Context, e *model.AutomationEvent, tx *sqlutil.Tx) model.EventRef {
	metrics.EmitsTotal.WithLabelValues("deduped").Inc()
	if tx == nil && !e.Status.Terminal() {
		due := w.clock.Now()
		if e.NextAttemptAt != nil {
			due = *e.NextAttemptAt
		}
		w.schedule(ctx, e.ID, due)
	}
	return e.Ref()
}

// EnqueueMany re-triggers delivery of existing events right away.
func (w *Writer) EnqueueMany(ctx context.Context, refs []model.EventRef) error {
	var errs []error
	for _, ref := range refs {
		if err := w.sched.Schedule(ctx, ref.ID, 0); err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s: %w", ref.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (w *Writer) schedule(ctx context.Context, id string, due time.Time) {
	delay := due.Sub(w.clock.Now())
	if delay < 0 {
		delay = 0
	}
	if err := w.sched.Schedule(ctx, id, delay); err != nil {
		w.log.Warn("schedule delivery failed; sweeper will retry",
			zap.String("event_id", id), zap.Duration("delay", delay), zap.Error(err))
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(p) {
			return nil, errors.New("invalid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("invalid JSON")
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
