package model

import (
	"encoding/json"
	"time"
)

// WebhookSpecVersion is the version of the outbound envelope contract.
const WebhookSpecVersion = "1.0"

// WebhookEnvelope is the JSON body POSTed to the automation webhook.
type WebhookEnvelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID *string         `json:"correlation_id"`
	Version       string          `json:"version"`
	DedupeKey     string          `json:"dedupe_key"`
	Attempt       int             `json:"attempt"`
	Data          json.RawMessage `json:"data"`
}

// NewWebhookEnvelope builds the envelope for one delivery attempt of e.
func NewWebhookEnvelope(e AutomationEvent, attempt int) WebhookEnvelope {
	data := e.Payload
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return WebhookEnvelope{
		EventID:       e.ID,
		EventType:     e.Type,
		OccurredAt:    e.CreatedAt.UTC(),
		CorrelationID: e.CorrelationID,
		Version:       WebhookSpecVersion,
		DedupeKey:     e.DedupeKey,
		Attempt:       attempt,
		Data:          data,
	}
}
