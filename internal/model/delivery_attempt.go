package model

import "time"

// DeliveryAttempt is one row of webhook attempt history (ClickHouse).
type DeliveryAttempt struct {
	EventID    string    `db:"event_id"    json:"event_id"`
	EventType  string    `db:"event_type"  json:"event_type"`
	Attempt    int       `db:"attempt"     json:"attempt"`
	Outcome    string    `db:"outcome"     json:"outcome"` // sent|failed|dead
	HTTPStatus int       `db:"http_status" json:"http_status"`
	Error      string    `db:"error"       json:"error,omitempty"`
	DurationMs int64     `db:"duration_ms" json:"duration_ms"`
	CreatedAt  time.Time `db:"created_at"  json:"created_at"`
}
