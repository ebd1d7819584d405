package http

import (
	"context"
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/Mnabil10/fasket-sub001/internal/model"
	"github.com/Mnabil10/fasket-sub001/internal/outbox"
)

// Outbox is what the HTTP layer needs from the outbox writer.
type Outbox interface {
	Emit(ctx context.Context, eventType string, payload any, opts outbox.Options) (model.EventRef, error)
	EnqueueMany(ctx context.Context, refs []model.EventRef) error
}

// inboundEventHandler accepts a signed domain event from a trusted producer and emits it.
func inboundEventHandler(out Outbox, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var ev model.DomainEvent
		if err := c.Bind(&ev); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		ev.Normalize()
		if !ev.Valid() {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "type and JSON payload are required"})
		}
		if ev.CorrelationID == "" {
			ev.CorrelationID = c.Response().Header().Get(echo.HeaderXRequestID)
		}

		ref, err := out.Emit(c.Request().Context(), ev.Type, ev.Payload, outbox.Options{
			DedupeKey:     ev.DedupeKey,
			CorrelationID: ev.CorrelationID,
			NextAttemptAt: ev.NotBefore,
		})
		if errors.Is(err, outbox.ErrEmptyType) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		if err != nil {
			log.Error("emit inbound event", zap.String("event_type", ev.Type), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "emit failed"})
		}
		return c.JSON(http.StatusAccepted, ref)
	}
}
