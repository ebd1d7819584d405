package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Mnabil10/fasket-sub001/internal/model"
)

// OrdersRepository is the read side the stuck-order watcher needs.
type OrdersRepository interface {
	// ListStuck returns orders in status whose last transition happened before changedBefore, oldest first.
	ListStuck(ctx context.Context, status string, changedBefore time.Time, limit int) ([]model.StuckOrder, error)
}

type OrdersRepositoryImpl struct {
	db *sqlx.DB
}

var _ OrdersRepository = (*OrdersRepositoryImpl)(nil)

func NewOrdersRepository(db *sqlx.DB) *OrdersRepositoryImpl {
	return &OrdersRepositoryImpl{db: db}
}

func (r *OrdersRepositoryImpl) ListStuck(ctx context.Context, status string, changedBefore time.Time, limit int) ([]model.StuckOrder, error) {
	if limit <= 0 {
		limit = MaxListLimit
	}
	const q = `
		SELECT id, code, status, status_changed_at
		  FROM orders
		 WHERE status = ? AND status_changed_at <= ?
		 ORDER BY status_changed_at ASC
		 LIMIT ?
	`
	var rows []model.StuckOrder
	if err := r.db.SelectContext(ctx, &rows, q, status, changedBefore.UTC(), limit); err != nil {
		return nil, fmt.Errorf("list stuck %s orders: %w", status, err)
	}
	return rows, nil
}

// UpsertOrder writes a demo order row; used by the seed command.
func (r *OrdersRepositoryImpl) UpsertOrder(ctx context.Context, o model.StuckOrder) error {
	const q = `
		INSERT INTO orders (id, code, status, status_changed_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE status = VALUES(status), status_changed_at = VALUES(status_changed_at)
	`
	_, err := r.db.ExecContext(ctx, q, o.ID, o.Code, o.Status, o.Since.UTC(), o.Since.UTC())
	return err
}
