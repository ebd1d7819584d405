package delivery

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Mnabil10/fasket-sub001/internal/model"
)

// AttemptRecorder keeps delivery attempt history. Record must not block the worker.
type AttemptRecorder interface {
	Record(ctx context.Context, a model.DeliveryAttempt)
}

// Nop drops history (analytics disabled).
type Nop struct{}

func (Nop) Record(context.Context, model.DeliveryAttempt) {}

// AttemptSink is where batches go (ClickHouse).
type AttemptSink interface {
	InsertBatch(ctx context.Context, rows []model.DeliveryAttempt) error
}

// BatchRecorder buffers attempts and writes them in size/time bounded batches.
type BatchRecorder struct {
	sink      AttemptSink
	in        chan model.DeliveryAttempt
	batchSize int
	batchWait time.Duration
	clock     clockwork.Clock
	log       *zap.Logger
}

func NewBatchRecorder(sink AttemptSink, clock clockwork.Clock, log *zap.Logger) *BatchRecorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BatchRecorder{
		sink:      sink,
		in:        make(chan model.DeliveryAttempt, 4096),
		batchSize: 500,
		batchWait: time.Second,
		clock:     clock,
		log:       log,
	}
}

// Record enqueues a; when the buffer is full the row is dropped.
func (r *BatchRecorder) Record(_ context.Context, a model.DeliveryAttempt) {
	select {
	case r.in <- a:
	default:
		r.log.Warn("attempt history buffer full; dropping row",
			zap.String("event_id", a.EventID), zap.Int("attempt", a.Attempt))
	}
}

// Run flushes batches until ctx is cancelled, then flushes what is left.
func (r *BatchRecorder) Run(ctx context.Context) error {
	tick := r.clock.NewTicker(r.batchWait)
	defer tick.Stop()

	buf := make([]model.DeliveryAttempt, 0, r.batchSize)
	flush := func(ctx context.Context) {
		if len(buf) == 0 {
			return
		}
		if err := r.sink.InsertBatch(ctx, buf); err != nil {
			r.log.Error("write attempt history", zap.Int("rows", len(buf)), zap.Error(err))
		}
		buf = buf[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// drain without blocking, write with a fresh deadline
		drain:
			for {
				select {
				case a := <-r.in:
					buf = append(buf, a)
				default:
					break drain
				}
			}
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			flush(fctx)
			cancel()
			return nil
		case a := <-r.in:
			buf = append(buf, a)
			if len(buf) >= r.batchSize {
				flush(ctx)
			}
		case <-tick.Chan():
			flush(ctx)
		}
	}
}
