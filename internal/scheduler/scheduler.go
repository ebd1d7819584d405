// Package scheduler delays delivery jobs. A job is only an event id; the worker re-reads
// everything else from the store.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Mnabil10/fasket-sub001/internal/config"
)

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Handler processes one due job.
type Handler func(ctx context.Context, eventID string)

// Scheduler is the delayed job strategy used by the outbox and the delivery worker.
type Scheduler interface {
	// Schedule makes eventID due after delay. Scheduling an id again replaces the pending job.
	Schedule(ctx context.Context, eventID string, delay time.Duration) error
	// Run dispatches due jobs to h until ctx is cancelled.
	Run(ctx context.Context, h Handler) error
}

// New picks the backend named in cfg. The redis backend falls back to in-process timers when
// redis is disabled, and per job when a ZADD fails.
func New(cfg config.QueueConfig, rdb *redis.Client, clock clockwork.Clock, log *zap.Logger) Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	timers := NewInProcessTimers(cfg, clock, log)
	if cfg.Backend == BackendRedis {
		if rdb != nil {
			return WithFallback(NewQueueBacked(rdb, cfg, clock, log), timers, log)
		}
		log.Warn("redis queue requested but redis is disabled; using in-process timers (not durable)")
	}
	return timers
}

// runWorkers drains in with n goroutines and returns once in is closed and every handler returned.
func runWorkers(ctx context.Context, n int, in <-chan string, h Handler) {
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			for id := range in {
				h(ctx, id)
			}
		}()
	}
	wg.Wait()
}

// FallbackScheduler schedules on primary and, when that fails, on secondary.
// Run dispatches from both.
type FallbackScheduler struct {
	primary   Scheduler
	secondary Scheduler
	log       *zap.Logger
}

func WithFallback(primary, secondary Scheduler, log *zap.Logger) *FallbackScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &FallbackScheduler{primary: primary, secondary: secondary, log: log}
}

func (f *FallbackScheduler) Schedule(ctx context.Context, eventID string, delay time.Duration) error {
	err := f.primary.Schedule(ctx, eventID, delay)
	if err == nil {
		return nil
	}
	f.log.Warn("primary scheduler failed; using in-process timer",
		zap.String("event_id", eventID), zap.Duration("delay", delay), zap.Error(err))
	return f.secondary.Schedule(ctx, eventID, delay)
}

func (f *FallbackScheduler) Run(ctx context.Context, h Handler) error {
	errc := make(chan error, 1)
	go func() { errc <- f.secondary.Run(ctx, h) }()
	err := f.primary.Run(ctx, h)
	if serr := <-errc; err == nil {
		err = serr
	}
	return err
}
