package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Mnabil10/fasket-sub001/internal/config"
	"github.com/Mnabil10/fasket-sub001/internal/model"
	"github.com/Mnabil10/fasket-sub001/internal/outbox"
	"github.com/Mnabil10/fasket-sub001/internal/signature"
	"github.com/Mnabil10/fasket-sub001/internal/testkit"
)

const (
	adminKey     = "admin-key-1"
	inboundToken = "whsec_inbound"
)

type attemptsStub struct{ rows []model.DeliveryAttempt }

func (a attemptsStub) ListByEvent(_ context.Context, eventID string, _, _ int) ([]model.DeliveryAttempt, error) {
	var out []model.DeliveryAttempt
	for _, r := range a.rows {
		if r.EventID == eventID {
			out = append(out, r)
		}
	}
	return out, nil
}

type env struct {
	clock *clockwork.FakeClock
	store *testkit.EventStore
	sched *testkit.RecordingScheduler
	srv   *Server
}

func newEnv(t *testing.T, attempts AttemptLister, tweak ...func(*config.Config)) *env {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	store := testkit.NewEventStore(clock)
	sched := testkit.NewRecordingScheduler()
	log := zaptest.NewLogger(t)

	var cfg config.Config
	cfg.Admin.APIKeys = []string{adminKey}
	cfg.Automation.Secret = inboundToken
	cfg.Automation.InboundTolerance = 5 * time.Minute
	for _, fn := range tweak {
		fn(&cfg)
	}

	srv := NewServer(cfg, Deps{
		Events:   store,
		Attempts: attempts,
		Outbox:   outbox.NewWriter(store, sched, clock, log),
		Clock:    clock,
		Log:      log,
	})
	return &env{clock: clock, store: store, sched: sched, srv: srv}
}

func (e *env) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *env) admin(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{"X-API-Key": adminKey})
}

func (e *env) seed(id string, st model.EventStatus, attempts int, age time.Duration) {
	created := e.clock.Now().Add(-age)
	errMsg := "webhook responded 500"
	e.store.Put(model.AutomationEvent{
		ID: id, Type: "order.status_changed", Payload: json.RawMessage(`{}`),
		Status: st, Attempts: attempts, DedupeKey: "k:" + id, LastError: &errMsg,
		CreatedAt: created, UpdatedAt: created,
	})
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAdminRequiresAPIKey(t *testing.T) {
	e := newEnv(t, nil)

	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/v1/admin/automation/events", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/v1/admin/automation/events", "", map[string]string{"X-API-Key": "nope"}).Code)
	assert.Equal(t, http.StatusOK, e.admin(t, http.MethodGet, "/v1/admin/automation/events", "").Code)

	off := newEnv(t, nil, func(c *config.Config) { c.Admin.APIKeys = nil })
	assert.Equal(t, http.StatusServiceUnavailable, off.admin(t, http.MethodGet, "/v1/admin/automation/events", "").Code)
}

func TestListEventsFilters(t *testing.T) {
	e := newEnv(t, nil)
	e.seed("a", model.EventFailed, 2, 3*time.Minute)
	e.seed("b", model.EventDead, 5, 2*time.Minute)
	e.seed("c", model.EventFailed, 1, time.Minute)
	e.seed("d", model.EventSent, 1, 30*time.Second)

	rec := e.admin(t, http.MethodGet, "/v1/admin/automation/events?status=failed,dead&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Count   int                     `json:"count"`
		Total   int64                   `json:"total"`
		Limit   int                     `json:"limit"`
		Results []model.AutomationEvent `json:"results"`
	}](t, rec)
	assert.Equal(t, 2, body.Count)
	assert.EqualValues(t, 3, body.Total)
	assert.Equal(t, 2, body.Limit)
	assert.Equal(t, "c", body.Results[0].ID, "newest first")

	rec = e.admin(t, http.MethodGet, "/v1/admin/automation/events?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.admin(t, http.MethodGet, "/v1/admin/automation/events?from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	from := e.clock.Now().Add(-90 * time.Second).Format(time.RFC3339)
	rec = e.admin(t, http.MethodGet, "/v1/admin/automation/events?from="+from, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode[struct {
		Total int64 `json:"total"`
	}](t, rec).Total)
}

func TestEventStatsZeroFilled(t *testing.T) {
	e := newEnv(t, nil)
	e.seed("a", model.EventFailed, 1, time.Minute)

	rec := e.admin(t, http.MethodGet, "/v1/admin/automation/events/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Total    int64            `json:"total"`
		ByStatus map[string]int64 `json:"by_status"`
	}](t, rec)
	assert.EqualValues(t, 1, body.Total)
	assert.Equal(t, map[string]int64{"PENDING": 0, "FAILED": 1, "SENT": 0, "DEAD": 0}, body.ByStatus)
}

func TestGetEvent(t *testing.T) {
	e := newEnv(t, nil)
	e.seed("a", model.EventSent, 1, time.Minute)

	rec := e.admin(t, http.MethodGet, "/v1/admin/automation/events/a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a", decode[model.AutomationEvent](t, rec).ID)

	assert.Equal(t, http.StatusNotFound, e.admin(t, http.MethodGet, "/v1/admin/automation/events/zzz", "").Code)
}

func TestListAttempts(t *testing.T) {
	off := newEnv(t, nil)
	assert.Equal(t, http.StatusNotFound, off.admin(t, http.MethodGet, "/v1/admin/automation/events/a/attempts", "").Code)

	on := newEnv(t, attemptsStub{rows: []model.DeliveryAttempt{
		{EventID: "a", Attempt: 1, Outcome: "failed", HTTPStatus: 500},
		{EventID: "b", Attempt: 1, Outcome: "sent", HTTPStatus: 200},
	}})
	rec := on.admin(t, http.MethodGet, "/v1/admin/automation/events/a/attempts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[struct {
		Count int `json:"count"`
	}](t, rec).Count)
}

func TestReplayOneResetsAndEnqueues(t *testing.T) {
	e := newEnv(t, nil)
	e.seed("dead-1", model.EventDead, 5, time.Hour)

	rec := e.admin(t, http.MethodPost, "/v1/admin/automation/events/dead-1/replay", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[struct {
		Replayed int `json:"replayed"`
	}](t, rec).Replayed)

	got, _ := e.store.Snapshot("dead-1")
	assert.Equal(t, model.EventPending, got.Status)
	assert.Equal(t, 5, got.Attempts, "attempts stay monotonic")
	assert.Nil(t, got.LastError)
	require.NotNil(t, got.NextAttemptAt)
	assert.True(t, got.NextAttemptAt.Equal(e.clock.Now()))
	assert.Equal(t, []testkit.Job{{EventID: "dead-1"}}, e.sched.Jobs())

	assert.Equal(t, http.StatusNotFound, e.admin(t, http.MethodPost, "/v1/admin/automation/events/missing/replay", "").Code)
}

func TestReplayMatching(t *testing.T) {
	e := newEnv(t, nil)
	e.seed("d1", model.EventDead, 5, 2*time.Hour)
	e.seed("d2", model.EventDead, 5, time.Hour)
	e.seed("s1", model.EventSent, 1, time.Hour)

	assert.Equal(t, http.StatusBadRequest, e.admin(t, http.MethodPost, "/v1/admin/automation/events/replay", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.admin(t, http.MethodPost, "/v1/admin/automation/events/replay", `{"status":["LOST"]}`).Code)

	rec := e.admin(t, http.MethodPost, "/v1/admin/automation/events/replay", `{"status":["DEAD"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Replayed int      `json:"replayed"`
		IDs      []string `json:"ids"`
	}](t, rec)
	assert.Equal(t, 2, body.Replayed)
	assert.ElementsMatch(t, []string{"d1", "d2"}, body.IDs)

	s1, _ := e.store.Snapshot("s1")
	assert.Equal(t, model.EventSent, s1.Status)
	assert.Len(t, e.sched.Jobs(), 2)
}

func (e *env) signed(t *testing.T, body string, ts int64) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, http.MethodPost, "/v1/automation/events", body, map[string]string{
		signature.HeaderTimestamp: strconv.FormatInt(ts, 10),
		signature.HeaderSignature: signature.Sign(inboundToken, ts, []byte(body)),
	})
}

func TestInboundEventRequiresSignature(t *testing.T) {
	e := newEnv(t, nil)
	body := `{"type":"order.created","payload":{"order_id":"o-1"},"dedupe_key":"o-1"}`

	rec := e.do(t, http.MethodPost, "/v1/automation/events", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	stale := e.clock.Now().Add(-10 * time.Minute).Unix()
	assert.Equal(t, http.StatusUnauthorized, e.signed(t, body, stale).Code)

	rec = e.do(t, http.MethodPost, "/v1/automation/events", body, map[string]string{
		signature.HeaderTimestamp: strconv.FormatInt(e.clock.Now().Unix(), 10),
		signature.HeaderSignature: signature.Sign("other-secret", e.clock.Now().Unix(), []byte(body)),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, e.store.All())
}

func TestInboundEventIsEmitted(t *testing.T) {
	e := newEnv(t, nil)
	body := `{"type":"order.created","payload":{"order_id":"o-1"},"dedupe_key":"o-1"}`

	rec := e.signed(t, body, e.clock.Now().Unix())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	ref := decode[model.EventRef](t, rec)

	got, ok := e.store.Snapshot(ref.ID)
	require.True(t, ok)
	assert.Equal(t, "o-1", got.DedupeKey)
	require.NotNil(t, got.CorrelationID, "request id is used as correlation id")

	again := e.signed(t, body, e.clock.Now().Unix())
	require.Equal(t, http.StatusAccepted, again.Code)
	assert.Equal(t, ref, decode[model.EventRef](t, again))
	assert.Len(t, e.store.All(), 1)

	bad := e.signed(t, `{"type":"","payload":{}}`, e.clock.Now().Unix())
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestInboundDisabledWithoutSecret(t *testing.T) {
	e := newEnv(t, nil, func(c *config.Config) { c.Automation.Secret = "" })
	rec := e.do(t, http.MethodPost, "/v1/automation/events", `{}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
