package model

import (
	"encoding/json"
	"strings"
	"time"
)

// DomainEvent is what producers (Kafka ingest, signed inbound API) hand to the outbox.
type DomainEvent struct {
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	DedupeKey     string          `json:"dedupe_key,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	NotBefore     *time.Time      `json:"not_before,omitempty"` // optional delayed first attempt
}

// Normalize trims identifiers in place.
func (d *DomainEvent) Normalize() {
	d.Type = strings.TrimSpace(d.Type)
	d.DedupeKey = strings.TrimSpace(d.DedupeKey)
	d.CorrelationID = strings.TrimSpace(d.CorrelationID)
}

func (d DomainEvent) Valid() bool {
	return d.Type != "" && len(d.Payload) > 0 && json.Valid(d.Payload)
}
