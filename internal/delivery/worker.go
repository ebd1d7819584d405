// Package delivery sends outbox events to the automation webhook and drives the
// PENDING -> FAILED -> SENT/DEAD state machine.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Mnabil10/fasket-sub001/internal/alert"
	"github.com/Mnabil10/fasket-sub001/internal/config"
	"github.com/Mnabil10/fasket-sub001/internal/metrics"
	"github.com/Mnabil10/fasket-sub001/internal/model"
	"github.com/Mnabil10/fasket-sub001/internal/repository"
	"github.com/Mnabil10/fasket-sub001/internal/scheduler"
	"github.com/Mnabil10/fasket-sub001/internal/signature"
)

// leaseMargin is added to the HTTP timeout when claiming an attempt.
const leaseMargin = 30 * time.Second

// Store is the part of the events repository the worker needs.
type Store interface {
	GetByID(ctx context.Context, id string) (*model.AutomationEvent, error)
	BeginAttempt(ctx context.Context, id string, seenAttempts int, leaseUntil time.Time) (bool, error)
	RecordResult(ctx context.Context, r repository.AttemptResult) (bool, error)
	MarkMisconfigured(ctx context.Context, id string, retryAt time.Time, reason string) (bool, error)
}

// Alerter raises ops alerts.
type Alerter interface {
	Notify(ctx context.Context, alertType string, payload map[string]any, dedupeKey string) bool
	Report(ctx context.Context, alertType string, payload map[string]any)
	NotifyMisconfiguration(ctx context.Context, details map[string]any) bool
}

// Worker processes one delivery job at a time; run many concurrently.
type Worker struct {
	Config   config.AutomationConfig
	Store    Store
	Sched    scheduler.Scheduler
	Alerts   Alerter
	Poster   Poster
	Breaker  *MicroBreaker
	Backoff  Backoff
	Recorder AttemptRecorder
	Clock    clockwork.Clock
	Log      *zap.Logger
}

func NewWorker(
	cfg config.AutomationConfig,
	store Store,
	sched scheduler.Scheduler,
	alerts Alerter,
	clock clockwork.Clock,
	log *zap.Logger,
) *Worker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SnippetLimit <= 0 {
		cfg.SnippetLimit = 1024
	}
	if cfg.MisconfigRetry <= 0 {
		cfg.MisconfigRetry = 15 * time.Minute
	}
	return &Worker{
		Config:   cfg,
		Store:    store,
		Sched:    sched,
		Alerts:   alerts,
		Poster:   NewHTTPPoster(cfg.Timeout),
		Breaker:  NewMicroBreaker(cfg.Breaker.FailThreshold, cfg.Breaker.OpenFor, clock),
		Backoff:  NewBackoff(cfg.Backoff, cfg.Jitter),
		Recorder: Nop{},
		Clock:    clock,
		Log:      log,
	}
}

// Run binds the worker to a scheduler and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.Sched.Run(ctx, w.Process)
}

// Process attempts delivery of one event. Failures end up in the event row, never as an error.
func (w *Worker) Process(ctx context.Context, eventID string) {
	log := w.Log.With(zap.String("event_id", eventID))

	e, err := w.Store.GetByID(ctx, eventID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Info("event not found; dropping job")
		return
	}
	if err != nil {
		log.Error("load event", zap.Error(err))
		return
	}
	if e.Status.Terminal() {
		return
	}

	now := w.Clock.Now()
	if missing := w.missingConfig(); len(missing) > 0 {
		w.parkMisconfigured(ctx, log, e, missing, now)
		return
	}

	if e.NextAttemptAt != nil && e.NextAttemptAt.After(now) {
		metrics.DeliveriesTotal.WithLabelValues("deferred").Inc()
		w.schedule(ctx, log, e.ID, e.NextAttemptAt.Sub(now))
		return
	}

	if !w.Breaker.TryAcquire() {
		metrics.DeliveriesTotal.WithLabelValues("circuit_open").Inc()
		log.Debug("webhook circuit open; deferring", zap.Error(ErrCircuitOpen))
		w.schedule(ctx, log, e.ID, w.Breaker.RetryIn())
		return
	}

	lease := now.Add(w.Config.Timeout + leaseMargin)
	claimed, err := w.Store.BeginAttempt(ctx, e.ID, e.Attempts, lease)
	if err != nil || !claimed {
		w.Breaker.Release()
		if err != nil {
			log.Error("claim attempt", zap.Error(err))
		}
		return
	}

	w.attempt(ctx, log, e, e.Attempts+1, lease)
}

func (w *Worker) missingConfig() []string {
	var missing []string
	if strings.TrimSpace(w.Config.WebhookURL) == "" {
		missing = append(missing, "webhook_url")
	}
	if w.Config.Secret == "" {
		missing = append(missing, "secret")
	}
	return missing
}

// parkMisconfigured holds the event as FAILED without spending an attempt.
func (w *Worker) parkMisconfigured(ctx context.Context, log *zap.Logger, e *model.AutomationEvent, missing []string, now time.Time) {
	metrics.DeliveriesTotal.WithLabelValues("misconfigured").Inc()
	reason := "automation webhook not configured: missing " + strings.Join(missing, ", ")

	updated, err := w.Store.MarkMisconfigured(ctx, e.ID, now.Add(w.Config.MisconfigRetry), reason)
	if err != nil {
		log.Error("mark misconfigured", zap.Error(err))
		return
	}
	if updated {
		w.schedule(ctx, log, e.ID, w.Config.MisconfigRetry)
	}
	log.Warn(reason)

	w.Alerts.NotifyMisconfiguration(ctx, map[string]any{
		"missing":    missing,
		"event_id":   e.ID,
		"event_type": e.Type,
	})
}

func (w *Worker) attempt(ctx context.Context, log *zap.Logger, e *model.AutomationEvent, attempt int, lease time.Time) {
	log = log.With(zap.String("event_type", e.Type), zap.Int("attempt", attempt))

	body, err := json.Marshal(model.NewWebhookEnvelope(*e, attempt))
	if err != nil {
		// a stored payload is valid JSON, so this is a bug; fail the attempt normally
		w.Breaker.Release()
		w.finish(ctx, log, e, attempt, lease, nil, fmt.Errorf("encode envelope: %w", err), 0)
		return
	}

	started := w.Clock.Now()
	ts := started.Unix()
	res, err := w.Poster.Post(ctx, Request{
		URL:       w.Config.WebhookURL,
		Body:      body,
		EventID:   e.ID,
		EventType: e.Type,
		Attempt:   attempt,
		Signed:    signature.Signed{Signature: signature.Sign(w.Config.Secret, ts, body), Timestamp: ts},
	})
	elapsed := w.Clock.Since(started)
	metrics.DeliveryDuration.Observe(elapsed.Seconds())

	switch {
	case err != nil, res.StatusCode >= 500, res.StatusCode == 429:
		w.Breaker.OnFailure()
	default:
		w.Breaker.OnSuccess()
	}

	if err != nil {
		w.finish(ctx, log, e, attempt, lease, nil, err, elapsed)
		return
	}
	w.finish(ctx, log, e, attempt, lease, &res, nil, elapsed)
}

// finish persists the attempt outcome and follows up: reschedule, dead-letter alert, history.
func (w *Worker) finish(ctx context.Context, log *zap.Logger, e *model.AutomationEvent, attempt int, lease time.Time, res *Response, callErr error, elapsed time.Duration) {
	now := w.Clock.Now()
	result := repository.AttemptResult{ID: e.ID, Attempt: attempt, LeaseUntil: lease, RespondedAt: now}

	var (
		errMsg     string
		httpStatus int
	)
	if res != nil {
		httpStatus = res.StatusCode
		result.HTTPStatus = &httpStatus
		snippet := Snippet(res.Body, w.Config.SnippetLimit)
		result.Snippet = &snippet
	}

	var delay time.Duration
	switch {
	case res != nil && res.Success():
		result.Status = model.EventSent
		result.SentAt = &now
	default:
		if callErr != nil {
			errMsg = callErr.Error()
		} else {
			errMsg = fmt.Sprintf("webhook responded %d", res.StatusCode)
		}
		result.Error = &errMsg

		d, retry := w.Backoff.Next(attempt)
		if retry {
			if res != nil {
				if ra, ok := ParseRetryAfter(res.RetryAfter, now); ok && ra > d {
					d = ra
				}
			}
			delay = d
			next := now.Add(d)
			result.Status = model.EventFailed
			result.NextAttemptAt = &next
		} else {
			result.Status = model.EventDead
		}
	}

	ok, err := w.Store.RecordResult(ctx, result)
	if err != nil {
		log.Error("record attempt result", zap.Error(err))
		return
	}
	if !ok {
		log.Warn("event changed during attempt; result discarded", zap.String("outcome", strings.ToLower(result.Status.String())))
		return
	}

	outcome := strings.ToLower(result.Status.String())
	metrics.DeliveriesTotal.WithLabelValues(outcome).Inc()
	w.Recorder.Record(ctx, model.DeliveryAttempt{
		EventID:    e.ID,
		EventType:  e.Type,
		Attempt:    attempt,
		Outcome:    outcome,
		HTTPStatus: httpStatus,
		Error:      errMsg,
		DurationMs: elapsed.Milliseconds(),
		CreatedAt:  now,
	})

	switch result.Status {
	case model.EventSent:
		log.Info("delivered", zap.Int("http_status", httpStatus))
	case model.EventFailed:
		log.Warn("delivery failed; retrying", zap.String("error", errMsg), zap.Duration("retry_in", delay))
		w.schedule(ctx, log, e.ID, delay)
	case model.EventDead:
		log.Error("delivery dead", zap.String("error", errMsg))
		w.deadLetter(ctx, e, attempt, httpStatus, errMsg)
	}
}

func (w *Worker) deadLetter(ctx context.Context, e *model.AutomationEvent, attempt, httpStatus int, errMsg string) {
	payload := map[string]any{
		"event_id":    e.ID,
		"event_type":  e.Type,
		"dedupe_key":  e.DedupeKey,
		"attempts":    attempt,
		"http_status": httpStatus,
		"error":       errMsg,
	}
	// a dead ops event must not raise another ops event
	if alert.IsOps(e.Type) {
		w.Alerts.Report(ctx, alert.TypeDeliveryDead, payload)
		return
	}
	w.Alerts.Notify(ctx, alert.TypeDeliveryDead, payload, fmt.Sprintf("delivery_dead:%s:%d", e.ID, attempt))
}

func (w *Worker) schedule(ctx context.Context, log *zap.Logger, id string, delay time.Duration) {
	if err := w.Sched.Schedule(ctx, id, delay); err != nil {
		log.Error("reschedule failed; sweeper will recover", zap.Duration("delay", delay), zap.Error(err))
	}
}
