package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Mnabil10/fasket-sub001/internal/config"
	"github.com/Mnabil10/fasket-sub001/internal/metrics"
)

// InProcessTimerScheduler keeps one timer per event id. Jobs live in memory only and are lost
// on restart; the sweeper re-schedules them from the store.
type InProcessTimerScheduler struct {
	clock clockwork.Clock
	log   *zap.Logger
	n     int
	work  chan string

	mu     sync.Mutex
	timers map[string]*pendingTimer
}

// pendingTimer lets a timer be cancelled before AfterFunc has returned it.
type pendingTimer struct {
	mu      sync.Mutex
	t       clockwork.Timer
	stopped bool
}

func (p *pendingTimer) set(t clockwork.Timer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.t = t
	if p.stopped {
		t.Stop()
	}
}

func (p *pendingTimer) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.t != nil {
		p.t.Stop()
	}
}

func NewInProcessTimers(cfg config.QueueConfig, clock clockwork.Clock, log *zap.Logger) *InProcessTimerScheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	buf := cfg.BatchSize * 10
	if buf <= 0 {
		buf = 1024
	}
	return &InProcessTimerScheduler{
		clock:  clock,
		log:    log,
		n:      cfg.Workers,
		work:   make(chan string, buf),
		timers: make(map[string]*pendingTimer),
	}
}

func (s *InProcessTimerScheduler) Schedule(_ context.Context, eventID string, delay time.Duration) error {
	metrics.ScheduledJobsTotal.WithLabelValues(BackendMemory).Inc()

	var p *pendingTimer
	if delay > 0 {
		p = &pendingTimer{}
	}

	// swap under the lock, touch clock timers outside it
	s.mu.Lock()
	old := s.timers[eventID]
	if p != nil {
		s.timers[eventID] = p
	} else {
		delete(s.timers, eventID)
	}
	s.mu.Unlock()

	if old != nil {
		old.stop()
	}
	if p == nil {
		s.dispatch(eventID)
		return nil
	}
	p.set(s.clock.AfterFunc(delay, func() { s.fire(eventID, p) }))
	return nil
}

// fire delivers eventID unless p was replaced or cancelled in the meantime.
func (s *InProcessTimerScheduler) fire(eventID string, p *pendingTimer) {
	s.mu.Lock()
	if s.timers[eventID] != p {
		s.mu.Unlock()
		return
	}
	delete(s.timers, eventID)
	s.mu.Unlock()
	s.dispatch(eventID)
}

func (s *InProcessTimerScheduler) dispatch(eventID string) {
	select {
	case s.work <- eventID:
	default:
		s.log.Warn("timer fired but work channel full; sweeper will retry", zap.String("event_id", eventID))
	}
}

// Pending reports how many timers are armed.
func (s *InProcessTimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Run hands fired ids to the worker pool. On shutdown armed timers are stopped.
func (s *InProcessTimerScheduler) Run(ctx context.Context, h Handler) error {
	jobs := make(chan string)
	done := make(chan struct{})
	go func() {
		defer close(done)
		runWorkers(ctx, s.n, jobs, h)
	}()

	for {
		select {
		case <-ctx.Done():
			close(jobs)
			<-done
			s.stopAll()
			return nil
		case id := <-s.work:
			select {
			case jobs <- id:
			case <-ctx.Done():
			}
		}
	}
}

func (s *InProcessTimerScheduler) stopAll() {
	s.mu.Lock()
	armed := s.timers
	s.timers = make(map[string]*pendingTimer)
	s.mu.Unlock()

	for _, p := range armed {
		p.stop()
	}
}
