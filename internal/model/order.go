package model

import "time"

// Order statuses the watcher cares about. Orders themselves belong to the CRUD layer.
const (
	OrderPending        = "PENDING"
	OrderProcessing     = "PROCESSING"
	OrderOutForDelivery = "OUT_FOR_DELIVERY"
)

// StuckOrder is the read model the stuck-order watcher scans.
type StuckOrder struct {
	ID     string    `db:"id"`
	Code   string    `db:"code"`
	Status string    `db:"status"`
	Since  time.Time `db:"status_changed_at"` // last status transition
}
