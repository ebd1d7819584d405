// Package alert raises operational alerts: logged, forwarded to an error tracker and emitted as
// outbox events so the automation platform can page someone.
package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/Mnabil10/fasket-sub001/internal/config"
	"github.com/Mnabil10/fasket-sub001/internal/metrics"
	"github.com/Mnabil10/fasket-sub001/internal/model"
	"github.com/Mnabil10/fasket-sub001/internal/outbox"
)

const (
	TypeMisconfigured = "ops.automation.misconfigured"
	TypeDeliveryDead  = "ops.automation.delivery_dead"
	TypeOrderStuck    = "ops.order.stuck"

	// OpsPrefix marks event types produced by this package.
	OpsPrefix = "ops."
)

// IsOps reports whether eventType is an ops alert event.
func IsOps(eventType string) bool {
	return strings.HasPrefix(eventType, OpsPrefix)
}

// Emitter is the outbox entry point.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload any, opts outbox.Options) (model.EventRef, error)
}

// Tracker forwards alerts to an external error-tracking service.
type Tracker interface {
	Capture(ctx context.Context, alertType string, payload map[string]any)
}

// LogTracker is the default Tracker: it writes a structured error entry.
type LogTracker struct {
	Log *zap.Logger
}

func (t LogTracker) Capture(_ context.Context, alertType string, payload map[string]any) {
	if t.Log == nil {
		return
	}
	t.Log.Error("ops alert captured", zap.String("alert_type", alertType), zap.Any("payload", payload))
}

type Sink struct {
	emitter Emitter
	tracker Tracker
	mu      sync.Mutex
	seen    *cache.Cache // key -> raisedAt on s.clock
	window  time.Duration
	guard   *HourlyGuard
	clock   clockwork.Clock
	log     *zap.Logger
}

func NewSink(emitter Emitter, tracker Tracker, cfg config.AlertsConfig, clock clockwork.Clock, log *zap.Logger) *Sink {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if tracker == nil {
		tracker = LogTracker{Log: log}
	}
	window := cfg.DedupeWindow
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Sink{
		emitter: emitter,
		tracker: tracker,
		seen:    cache.New(2*window, 2*window),
		window:  window,
		guard:   NewHourlyGuard(cfg.MisconfigEvery),
		clock:   clock,
		log:     log,
	}
}

// Notify raises alertType unless dedupeKey was already raised inside the dedupe window.
// The outbox dedupes on the same key, so a repeat after the window still maps to one event.
// It reports whether the alert was raised.
func (s *Sink) Notify(ctx context.Context, alertType string, payload map[string]any, dedupeKey string) bool {
	if dedupeKey != "" {
		if !s.claim(alertType + "|" + dedupeKey) {
			s.log.Debug("ops alert suppressed", zap.String("alert_type", alertType), zap.String("dedupe_key", dedupeKey))
			return false
		}
	}

	s.Report(ctx, alertType, payload)

	if s.emitter == nil {
		return true
	}
	if _, err := s.emitter.Emit(ctx, alertType, payload, outbox.Options{DedupeKey: dedupeKey}); err != nil {
		s.log.Error("emit ops alert", zap.String("alert_type", alertType), zap.Error(err))
	}
	return true
}

// claim records key as raised now unless it was raised less than window ago.
// The window is measured on s.clock; the cache expiry only bounds memory and is
// set past the window so it never ends one early.
func (s *Sink) claim(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if v, ok := s.seen.Get(key); ok {
		if raised, _ := v.(time.Time); now.Sub(raised) < s.window {
			return false
		}
	}
	s.seen.Set(key, now, 2*s.window)
	return true
}

// Report logs and tracks an alert without emitting it through the outbox.
func (s *Sink) Report(ctx context.Context, alertType string, payload map[string]any) {
	metrics.OpsAlertsTotal.WithLabelValues(alertType).Inc()
	s.log.Error("ops alert", zap.String("alert_type", alertType), zap.Any("payload", payload))
	s.tracker.Capture(ctx, alertType, payload)
}

// NotifyMisconfiguration raises at most one misconfiguration alert per guard period.
func (s *Sink) NotifyMisconfiguration(ctx context.Context, details map[string]any) bool {
	now := s.clock.Now()
	if !s.guard.Allow(now) {
		return false
	}
	key := fmt.Sprintf("automation_misconfigured:%d", now.Unix()/3600)
	return s.Notify(ctx, TypeMisconfigured, details, key)
}

// ResetMisconfigurationGuard re-arms the misconfiguration alert.
func (s *Sink) ResetMisconfigurationGuard() {
	s.guard.Reset()
}
