package alert

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HourlyGuard lets one call through per period (rolling), process-wide.
type HourlyGuard struct {
	every time.Duration

	mu  sync.Mutex
	lim *rate.Limiter
}

func NewHourlyGuard(every time.Duration) *HourlyGuard {
	if every <= 0 {
		every = time.Hour
	}
	return &HourlyGuard{every: every, lim: rate.NewLimiter(rate.Every(every), 1)}
}

// Allow reports whether a call at now may proceed, consuming the token if so.
func (g *HourlyGuard) Allow(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lim.AllowN(now, 1)
}

// Reset refills the guard.
func (g *HourlyGuard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lim = rate.NewLimiter(rate.Every(g.every), 1)
}
