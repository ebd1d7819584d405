package delivery

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Mnabil10/fasket-sub001/internal/config"
	"github.com/Mnabil10/fasket-sub001/internal/model"
	"github.com/Mnabil10/fasket-sub001/internal/scheduler"
)

// DueLister finds schedulable events whose next attempt is overdue.
type DueLister interface {
	ListDue(ctx context.Context, before time.Time, limit int) ([]model.EventRef, error)
}

// Sweeper re-schedules overdue events whose job was lost (failed enqueue, in-process timers
// lost on restart).
type Sweeper struct {
	store    DueLister
	sched    scheduler.Scheduler
	clock    clockwork.Clock
	interval time.Duration
	grace    time.Duration
	batch    int
	log      *zap.Logger
}

func NewSweeper(store DueLister, sched scheduler.Scheduler, cfg config.SweeperConfig, clock clockwork.Clock, log *zap.Logger) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sweeper{store: store, sched: sched, clock: clock, interval: cfg.Interval, grace: cfg.Grace, batch: cfg.BatchSize, log: log}
	if s.interval <= 0 {
		s.interval = 5 * time.Minute
	}
	if s.batch <= 0 {
		s.batch = 500
	}
	return s
}

// SweepOnce schedules every event due before now-grace and returns how many it scheduled.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	refs, err := s.store.ListDue(ctx, s.clock.Now().Add(-s.grace), s.batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ref := range refs {
		if err := s.sched.Schedule(ctx, ref.ID, 0); err != nil {
			s.log.Warn("sweep schedule", zap.String("event_id", ref.ID), zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		s.log.Info("swept overdue events", zap.Int("scheduled", n))
	}
	return n, nil
}

// Run sweeps once at start and then every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	tick := s.clock.NewTicker(s.interval)
	defer tick.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("sweep", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tick.Chan():
		}
	}
}
