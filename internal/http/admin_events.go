package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/Mnabil10/fasket-sub001/internal/model"
	"github.com/Mnabil10/fasket-sub001/internal/repository"
)

// AdminStore is the events repository as seen by the admin API.
type AdminStore interface {
	GetByID(ctx context.Context, id string) (*model.AutomationEvent, error)
	List(ctx context.Context, f repository.EventFilter) ([]model.AutomationEvent, int64, error)
	CountByStatus(ctx context.Context) (map[model.EventStatus]int64, error)
	ResetForReplay(ctx context.Context, ids []string, now time.Time) ([]model.EventRef, error)
	ResetMatching(ctx context.Context, f repository.EventFilter, now time.Time) ([]model.EventRef, error)
}

// AttemptLister reads attempt history.
type AttemptLister interface {
	ListByEvent(ctx context.Context, eventID string, limit, offset int) ([]model.DeliveryAttempt, error)
}

func listEventsHandler(store AdminStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		f, err := filterFromQuery(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		f = f.Normalized()

		rows, total, err := store.List(c.Request().Context(), f)
		if err != nil {
			c.Logger().Errorf("list automation events failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		if rows == nil {
			rows = []model.AutomationEvent{}
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   f.Limit,
			"offset":  f.Offset,
			"count":   len(rows),
			"total":   total,
			"results": rows,
		})
	}
}

func eventStatsHandler(store AdminStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		counts, err := store.CountByStatus(c.Request().Context())
		if err != nil {
			c.Logger().Errorf("count automation events failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		var total int64
		byStatus := make(map[string]int64, len(model.AllEventStatuses))
		for _, st := range model.AllEventStatuses {
			byStatus[st.String()] = counts[st]
			total += counts[st]
		}
		return c.JSON(http.StatusOK, map[string]any{"total": total, "by_status": byStatus})
	}
}

func getEventHandler(store AdminStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		e, err := store.GetByID(c.Request().Context(), c.Param("id"))
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "event not found"})
		}
		if err != nil {
			c.Logger().Errorf("get automation event failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		return c.JSON(http.StatusOK, e)
	}
}

func listAttemptsHandler(attempts AttemptLister) echo.HandlerFunc {
	return func(c echo.Context) error {
		if attempts == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "attempt history disabled"})
		}
		limit, offset := paging(c, 50, 1000)
		rows, err := attempts.ListByEvent(c.Request().Context(), c.Param("id"), limit, offset)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		if rows == nil {
			rows = []model.DeliveryAttempt{}
		}
		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(rows),
			"results": rows,
		})
	}
}

func replayEventHandler(store AdminStore, out Outbox, clock clockwork.Clock, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		refs, err := store.ResetForReplay(ctx, []string{c.Param("id")}, clock.Now())
		if err != nil {
			c.Logger().Errorf("replay automation event failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "replay failed"})
		}
		if len(refs) == 0 {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "event not found"})
		}
		return replayed(c, out, refs, log)
	}
}

type replayReq struct {
	Status []string   `json:"status"`
	Type   string     `json:"type"`
	From   *time.Time `json:"from"`
	To     *time.Time `json:"to"`
	Query  string     `json:"q"`
	Limit  int        `json:"limit"`
}

func replayMatchingHandler(store AdminStore, out Outbox, clock clockwork.Clock, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req replayReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		f := repository.EventFilter{Type: req.Type, From: req.From, To: req.To, Query: req.Query, Limit: req.Limit}
		for _, raw := range req.Status {
			st, ok := model.ParseEventStatus(raw)
			if !ok {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status " + strconv.Quote(raw)})
			}
			f.Statuses = append(f.Statuses, st)
		}
		f = f.Normalized()
		if len(f.Statuses) == 0 && f.Type == "" && f.Query == "" && f.From == nil && f.To == nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "at least one filter is required"})
		}

		refs, err := store.ResetMatching(c.Request().Context(), f, clock.Now())
		if err != nil {
			c.Logger().Errorf("bulk replay failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "replay failed"})
		}
		return replayed(c, out, refs, log)
	}
}

// replayed enqueues reset events. Enqueue errors are not fatal: the rows are due now and the
// sweeper schedules them.
func replayed(c echo.Context, out Outbox, refs []model.EventRef, log *zap.Logger) error {
	if err := out.EnqueueMany(c.Request().Context(), refs); err != nil {
		log.Warn("enqueue replayed events", zap.Int("events", len(refs)), zap.Error(err))
	}
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.ID)
	}
	return c.JSON(http.StatusOK, map[string]any{"replayed": len(ids), "ids": ids})
}

func filterFromQuery(c echo.Context) (repository.EventFilter, error) {
	var f repository.EventFilter
	if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, ok := model.ParseEventStatus(part)
			if !ok {
				return f, errors.New("invalid status " + strconv.Quote(part))
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	f.Type = c.QueryParam("type")
	f.Query = c.QueryParam("q")

	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		raw := strings.TrimSpace(c.QueryParam(name))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, errors.New("invalid " + name + ": want RFC3339")
		}
		*dst = &t
	}

	f.Limit, f.Offset = paging(c, 50, repository.MaxListLimit)
	return f, nil
}

func paging(c echo.Context, def, max int) (limit, offset int) {
	limit = def
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= max {
			limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
