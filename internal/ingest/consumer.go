// Package ingest turns domain events published on Kafka into outbox events.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Mnabil10/fasket-sub001/internal/kafka"
	"github.com/Mnabil10/fasket-sub001/internal/model"
	"github.com/Mnabil10/fasket-sub001/internal/outbox"
)

var ErrPoison = errors.New("ingest: malformed domain event")

// Source is the fetch/commit half of a Kafka consumer group reader.
type Source interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// Emitter is the outbox entry point.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload any, opts outbox.Options) (model.EventRef, error)
}

type Consumer struct {
	src        Source
	out        Emitter
	log        *zap.Logger
	retryPause time.Duration
}

func NewConsumer(src Source, out Emitter, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{src: src, out: out, log: log, retryPause: time.Second}
}

// Handle emits the domain event carried by m. Poison messages return ErrPoison.
func (c *Consumer) Handle(ctx context.Context, m kafka.Message) (model.EventRef, error) {
	var ev model.DomainEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		return model.EventRef{}, errors.Join(ErrPoison, err)
	}
	ev.Normalize()
	if !ev.Valid() {
		return model.EventRef{}, ErrPoison
	}
	if ev.DedupeKey == "" && len(m.Key) > 0 {
		// producers key messages by entity and version
		ev.DedupeKey = string(m.Key)
	}
	return c.out.Emit(ctx, ev.Type, ev.Payload, outbox.Options{
		DedupeKey:     ev.DedupeKey,
		CorrelationID: ev.CorrelationID,
		NextAttemptAt: ev.NotBefore,
	})
}

// Run consumes until ctx is cancelled. A message is committed once emitted or found poison;
// store errors retry the same message, so the offset never moves past an unsaved event.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("kafka fetch", zap.Error(err))
			if !c.pause(ctx) {
				return nil
			}
			continue
		}

		for {
			ref, err := c.Handle(ctx, m)
			if err == nil {
				c.log.Debug("domain event emitted", zap.String("event_id", ref.ID), zap.String("event_type", ref.Type))
				break
			}
			if errors.Is(err, ErrPoison) {
				c.log.Warn("skipping poison message",
					zap.String("topic", m.Topic), zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
				break
			}
			c.log.Error("emit domain event; retrying", zap.Int64("offset", m.Offset), zap.Error(err))
			if !c.pause(ctx) {
				return nil
			}
		}

		if err := c.src.Commit(ctx, m); err != nil && ctx.Err() == nil {
			c.log.Warn("kafka commit", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

func (c *Consumer) pause(ctx context.Context) bool {
	t := time.NewTimer(c.retryPause)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
