// Package app opens the pipeline's connections and wires its components for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Mnabil10/fasket-sub001/internal/alert"
	"github.com/Mnabil10/fasket-sub001/internal/config"
	"github.com/Mnabil10/fasket-sub001/internal/db"
	"github.com/Mnabil10/fasket-sub001/internal/delivery"
	"github.com/Mnabil10/fasket-sub001/internal/outbox"
	"github.com/Mnabil10/fasket-sub001/internal/repository"
	"github.com/Mnabil10/fasket-sub001/internal/scheduler"
	"github.com/Mnabil10/fasket-sub001/internal/watcher"
)

type App struct {
	Cfg   config.Config
	Log   *zap.Logger
	Clock clockwork.Clock

	MySQL      *sqlx.DB
	Redis      *redis.Client // nil when redis is disabled
	ClickHouse *sqlx.DB      // nil when attempt history is disabled

	Events   *repository.EventsRepositoryImpl
	Orders   *repository.OrdersRepositoryImpl
	Attempts repository.CHAttemptsRepository // nil when attempt history is disabled

	Sched  scheduler.Scheduler
	Outbox *outbox.Writer
	Alerts *alert.Sink
}

// Open connects to MySQL and, when enabled, Redis and ClickHouse.
func Open(cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Cfg: cfg, Log: log, Clock: clockwork.NewRealClock()}

	var err error
	if a.MySQL, err = db.NewMySQLConnection(cfg.MySQL); err != nil {
		return nil, fmt.Errorf("mysql connect: %w", err)
	}
	if cfg.Redis.Enabled {
		if a.Redis, err = db.NewRedisClient(cfg.Redis); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis connect: %w", err)
		}
	}
	if cfg.ClickHouse.Enabled {
		if a.ClickHouse, err = db.NewClickHouseConnection(cfg.ClickHouse); err != nil {
			a.Close()
			return nil, fmt.Errorf("clickhouse connect: %w", err)
		}
		a.Attempts = repository.NewCHAttemptsRepository(a.ClickHouse)
	}

	a.Events = repository.NewEventsRepository(a.MySQL)
	a.Orders = repository.NewOrdersRepository(a.MySQL)
	a.Sched = scheduler.New(cfg.Queue, a.Redis, a.Clock, log.Named("scheduler"))
	a.Outbox = outbox.NewWriter(a.Events, a.Sched, a.Clock, log.Named("outbox"))
	a.Alerts = alert.NewSink(a.Outbox, nil, cfg.Alerts, a.Clock, log.Named("alerts"))
	return a, nil
}

func (a *App) Close() {
	if a.ClickHouse != nil {
		_ = a.ClickHouse.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.MySQL != nil {
		_ = a.MySQL.Close()
	}
}

// Loop is a named long-running component.
type Loop struct {
	Name string
	Run  func(ctx context.Context) error
}

// DeliveryLoops returns the delivery worker, the overdue sweeper and, with ClickHouse enabled,
// the attempt history writer.
func (a *App) DeliveryLoops() []Loop {
	w := delivery.NewWorker(a.Cfg.Automation, a.Events, a.Sched, a.Alerts, a.Clock, a.Log.Named("delivery"))
	loops := []Loop{
		{Name: "delivery", Run: w.Run},
		{Name: "sweeper", Run: delivery.NewSweeper(a.Events, a.Sched, a.Cfg.Sweeper, a.Clock, a.Log.Named("sweeper")).Run},
	}
	if a.Attempts != nil {
		rec := delivery.NewBatchRecorder(a.Attempts, a.Clock, a.Log.Named("history"))
		w.Recorder = rec
		loops = append(loops, Loop{Name: "history", Run: rec.Run})
	}
	return loops
}

func (a *App) WatcherLoop() Loop {
	w := watcher.New(a.Orders, a.Alerts, a.Cfg.Watcher, a.Clock, a.Log.Named("watcher"))
	return Loop{Name: "watcher", Run: w.Run}
}

// Run starts every loop and waits for all of them. A loop failing cancels the rest.
func Run(ctx context.Context, log *zap.Logger, loops ...Loop) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, l := range loops {
		wg.Add(1)
		go func(l Loop) {
			defer wg.Done()
			log.Info("loop started", zap.String("loop", l.Name))
			err := l.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("loop exited", zap.String("loop", l.Name), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", l.Name, err))
				mu.Unlock()
				cancel()
				return
			}
			log.Info("loop stopped", zap.String("loop", l.Name))
		}(l)
	}
	wg.Wait()
	return errors.Join(errs...)
}
