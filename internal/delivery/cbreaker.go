package delivery

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var ErrCircuitOpen = errors.New("webhook circuit open")

type state int

const (
	closed state = iota
	open
	halfOpen
)

// MicroBreaker opens after failThreshold consecutive failures and lets a single probe through
// once openFor has elapsed.
type MicroBreaker struct {
	clock clockwork.Clock

	mu               sync.Mutex
	st               state
	consecutiveFails int
	failThreshold    int
	openFor          time.Duration
	nextTryAt        time.Time
	probeInFlight    bool
}

func NewMicroBreaker(threshold int, openFor time.Duration, clock clockwork.Clock) *MicroBreaker {
	if threshold <= 0 {
		threshold = 10
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MicroBreaker{failThreshold: threshold, openFor: openFor, clock: clock}
}

// TryAcquire reports whether a request may go out. In half-open state only one probe is allowed.
func (b *MicroBreaker) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st {
	case open:
		if b.clock.Now().Before(b.nextTryAt) || b.probeInFlight {
			return false
		}
		b.st = halfOpen
		b.probeInFlight = true
		return true
	case halfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return true
	}
}

// RetryIn is how long until the breaker may let a request through again (0 when closed).
func (b *MicroBreaker) RetryIn() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st == closed {
		return 0
	}
	d := b.nextTryAt.Sub(b.clock.Now())
	if d <= 0 {
		// half-open with a probe in flight; check back shortly
		return time.Second
	}
	return d
}

// Release gives back an acquired slot without a verdict (the request was never sent).
func (b *MicroBreaker) Release() {
	b.mu.Lock()
	b.probeInFlight = false
	b.mu.Unlock()
}

func (b *MicroBreaker) OnSuccess() {
	b.mu.Lock()
	b.consecutiveFails = 0
	b.st = closed
	b.probeInFlight = false
	b.mu.Unlock()
}

func (b *MicroBreaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.st == halfOpen {
		b.st = open
		b.nextTryAt = b.clock.Now().Add(b.openFor)
		b.probeInFlight = false
		return
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.failThreshold {
		b.st = open
		b.nextTryAt = b.clock.Now().Add(b.openFor)
	}
}
