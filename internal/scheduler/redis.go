package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Mnabil10/fasket-sub001/internal/config"
	"github.com/Mnabil10/fasket-sub001/internal/metrics"
)

// QueueBackedScheduler keeps jobs in a Redis sorted set scored by due time (unix ms).
// One member per event id, so the latest Schedule wins. A poller claims due members with ZREM;
// only the caller whose ZREM removed the member runs the job.
type QueueBackedScheduler struct {
	rdb   *redis.Client
	key   string
	poll  time.Duration
	batch int64
	n     int
	clock clockwork.Clock
	log   *zap.Logger
}

func NewQueueBacked(rdb *redis.Client, cfg config.QueueConfig, clock clockwork.Clock, log *zap.Logger) *QueueBackedScheduler {
	s := &QueueBackedScheduler{
		rdb:   rdb,
		key:   cfg.Key,
		poll:  cfg.PollInterval,
		batch: int64(cfg.BatchSize),
		n:     cfg.Workers,
		clock: clock,
		log:   log,
	}
	if s.key == "" {
		s.key = "fasket:automation:delayed"
	}
	if s.poll <= 0 {
		s.poll = 500 * time.Millisecond
	}
	if s.batch <= 0 {
		s.batch = 100
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

func (s *QueueBackedScheduler) Schedule(ctx context.Context, eventID string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	due := s.clock.Now().Add(delay).UnixMilli()
	if err := s.rdb.ZAdd(ctx, s.key, redis.Z{Score: float64(due), Member: eventID}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", eventID, err)
	}
	metrics.ScheduledJobsTotal.WithLabelValues(BackendRedis).Inc()
	return nil
}

// Run polls for due jobs and hands claimed ids to the worker pool.
func (s *QueueBackedScheduler) Run(ctx context.Context, h Handler) error {
	jobs := make(chan string, s.batch)
	done := make(chan struct{})
	go func() {
		defer close(done)
		runWorkers(ctx, s.n, jobs, h)
	}()

	tick := s.clock.NewTicker(s.poll)
	defer tick.Stop()

	for {
		// drain everything due before sleeping again
		for {
			n, err := s.claimDue(ctx, jobs)
			if err != nil && ctx.Err() == nil {
				s.log.Warn("poll delayed queue", zap.Error(err))
			}
			if err != nil || n < s.batch {
				break
			}
		}

		select {
		case <-ctx.Done():
			close(jobs)
			<-done
			return nil
		case <-tick.Chan():
		}
	}
}

// claimDue moves up to batch due members into out and reports how many members were due.
func (s *QueueBackedScheduler) claimDue(ctx context.Context, out chan<- string) (int64, error) {
	now := strconv.FormatInt(s.clock.Now().UnixMilli(), 10)
	ids, err := s.rdb.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: s.batch,
	}).Result()
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		removed, err := s.rdb.ZRem(ctx, s.key, id).Result()
		if err != nil {
			return 0, fmt.Errorf("zrem %s: %w", id, err)
		}
		if removed == 0 {
			continue // another poller owns it
		}
		select {
		case out <- id:
		case <-ctx.Done():
			// give the job back so the next process picks it up
			s.requeue(id)
			return 0, ctx.Err()
		}
	}
	return int64(len(ids)), nil
}

func (s *QueueBackedScheduler) requeue(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Schedule(ctx, id, 0); err != nil {
		s.log.Warn("requeue on shutdown", zap.String("event_id", id), zap.Error(err))
	}
}
