package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type EventStatus string

const (
	EventPending EventStatus = "PENDING"
	EventFailed  EventStatus = "FAILED"
	EventSent    EventStatus = "SENT"
	EventDead    EventStatus = "DEAD"
)

// AllEventStatuses lists statuses in lifecycle order.
var AllEventStatuses = []EventStatus{EventPending, EventFailed, EventSent, EventDead}

func (s EventStatus) String() string {
	return string(s)
}

func (s EventStatus) Valid() bool {
	return s == EventPending || s == EventFailed || s == EventSent || s == EventDead
}

// Terminal reports whether the worker must leave the event alone.
func (s EventStatus) Terminal() bool {
	return s == EventSent || s == EventDead
}

// ParseEventStatus normalizes input (case-insensitive).
func ParseEventStatus(s string) (EventStatus, bool) {
	st := EventStatus(strings.ToUpper(strings.TrimSpace(s)))
	return st, st.Valid()
}

// AutomationEvent is the DB entity persisted in automation_events.
// Payload is opaque at this layer; see DecodePayload.
type AutomationEvent struct {
	ID                      string          `db:"id"                         json:"id"`
	Type                    string          `db:"type"                       json:"type"`
	Payload                 json.RawMessage `db:"payload"                    json:"payload"`
	Status                  EventStatus     `db:"status"                     json:"status"`
	Attempts                int             `db:"attempts"                   json:"attempts"`
	NextAttemptAt           *time.Time      `db:"next_attempt_at"            json:"next_attempt_at,omitempty"`
	DedupeKey               string          `db:"dedupe_key"                 json:"dedupe_key"`
	CorrelationID           *string         `db:"correlation_id"             json:"correlation_id,omitempty"`
	LastHTTPStatus          *int            `db:"last_http_status"           json:"last_http_status,omitempty"`
	LastError               *string         `db:"last_error"                 json:"last_error,omitempty"`
	LastResponseAt          *time.Time      `db:"last_response_at"           json:"last_response_at,omitempty"`
	LastResponseBodySnippet *string         `db:"last_response_body_snippet" json:"last_response_body_snippet,omitempty"`
	SentAt                  *time.Time      `db:"sent_at"                    json:"sent_at,omitempty"`
	CreatedAt               time.Time       `db:"created_at"                 json:"created_at"`
	UpdatedAt               time.Time       `db:"updated_at"                 json:"updated_at"`
}

// Ref returns the lightweight handle for e.
func (e AutomationEvent) Ref() EventRef {
	return EventRef{ID: e.ID, Type: e.Type}
}

// EventRef identifies an existing event for scheduling and replay.
type EventRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// DecodePayload unmarshals an event payload into a type-specific struct.
func DecodePayload[T any](e AutomationEvent) (T, error) {
	var v T
	if len(e.Payload) == 0 {
		return v, fmt.Errorf("event %s: empty payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return v, fmt.Errorf("event %s: decode %s payload: %w", e.ID, e.Type, err)
	}
	return v, nil
}
