package delivery

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultSchedule is the retry delay after attempt 1, 2, 3 and 4.
var DefaultSchedule = []time.Duration{60 * time.Second, 5 * time.Minute, 15 * time.Minute, time.Hour}

// Backoff maps an attempt number to the next retry delay.
type Backoff struct {
	Schedule []time.Duration
	Jitter   float64        // fraction, 0.2 = ±20%
	Rand     func() float64 // [0,1); defaults to math/rand/v2
}

func NewBackoff(schedule []time.Duration, jitter float64) Backoff {
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	return Backoff{Schedule: schedule, Jitter: jitter, Rand: rand.Float64}
}

// Next returns the delay before retrying after the given (1-based) failed attempt.
// ok is false once the schedule is exhausted: the event is dead.
func (b Backoff) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(b.Schedule) {
		return 0, false
	}
	base := b.Schedule[attempt-1]
	if b.Jitter <= 0 {
		return base, true
	}
	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	factor := 1 + b.Jitter*(2*r()-1)
	return time.Duration(float64(base) * factor), true
}

// MaxAttempts is the number of attempts made before an event goes dead.
func (b Backoff) MaxAttempts() int {
	return len(b.Schedule) + 1
}

// ParseRetryAfter reads a Retry-After value (delta seconds or HTTP-date) relative to now.
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return 0, false
	}
	d := t.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}
