package testkit

import (
	"context"
	"sync"
	"time"

	"github.com/Mnabil10/fasket-sub001/internal/model"
	"github.com/Mnabil10/fasket-sub001/internal/scheduler"
)

// Job is one recorded Schedule call.
type Job struct {
	EventID string
	Delay   time.Duration
}

// RecordingScheduler remembers Schedule calls instead of running them.
type RecordingScheduler struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

var _ scheduler.Scheduler = (*RecordingScheduler)(nil)

func NewRecordingScheduler() *RecordingScheduler {
	return &RecordingScheduler{}
}

// FailWith makes subsequent Schedule calls return err (nil clears it).
func (s *RecordingScheduler) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *RecordingScheduler) Schedule(_ context.Context, eventID string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.jobs = append(s.jobs, Job{EventID: eventID, Delay: delay})
	return nil
}

// Run blocks until ctx is done; recorded jobs are never dispatched.
func (s *RecordingScheduler) Run(ctx context.Context, _ scheduler.Handler) error {
	<-ctx.Done()
	return nil
}

// Jobs returns a copy of all recorded calls.
func (s *RecordingScheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Job(nil), s.jobs...)
}

// JobsFor returns recorded calls for one event.
func (s *RecordingScheduler) JobsFor(eventID string) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if j.EventID == eventID {
			out = append(out, j)
		}
	}
	return out
}

// Last returns the most recent call, or false when none.
func (s *RecordingScheduler) Last() (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) == 0 {
		return Job{}, false
	}
	return s.jobs[len(s.jobs)-1], true
}

func (s *RecordingScheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = nil
}

// OrdersStore is an in-memory orders table for the watcher.
type OrdersStore struct {
	mu     sync.Mutex
	orders []model.StuckOrder
}

func NewOrdersStore(orders ...model.StuckOrder) *OrdersStore {
	return &OrdersStore{orders: orders}
}

func (o *OrdersStore) Set(orders ...model.StuckOrder) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.orders = orders
}

func (o *OrdersStore) ListStuck(_ context.Context, status string, changedBefore time.Time, limit int) ([]model.StuckOrder, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []model.StuckOrder
	for _, ord := range o.orders {
		if ord.Status == status && !ord.Since.After(changedBefore) {
			out = append(out, ord)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
