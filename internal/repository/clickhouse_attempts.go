package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Mnabil10/fasket-sub001/internal/model"
)

// CHAttemptsRepository stores webhook attempt history in ClickHouse.
type CHAttemptsRepository interface {
	InsertBatch(ctx context.Context, rows []model.DeliveryAttempt) error
	ListByEvent(ctx context.Context, eventID string, limit, offset int) ([]model.DeliveryAttempt, error)
}

type chAttemptsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHAttemptsRepository(ch *sqlx.DB) CHAttemptsRepository {
	return &chAttemptsRepository{ch: ch}
}

// InsertBatch sends rows as one ClickHouse block.
func (r *chAttemptsRepository) InsertBatch(ctx context.Context, rows []model.DeliveryAttempt) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.ch.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin attempts batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO automation_delivery_attempts
		    (event_id, event_type, attempt, outcome, http_status, error, duration_ms, created_at)
	`)
	if err != nil {
		return fmt.Errorf("prepare attempts batch: %w", err)
	}
	defer stmt.Close()

	for _, a := range rows {
		if _, err := stmt.ExecContext(ctx,
			a.EventID, a.EventType, uint32(a.Attempt), a.Outcome,
			uint16(a.HTTPStatus), a.Error, a.DurationMs, a.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("append attempt %s#%d: %w", a.EventID, a.Attempt, err)
		}
	}
	return tx.Commit()
}

func (r *chAttemptsRepository) ListByEvent(ctx context.Context, eventID string, limit, offset int) ([]model.DeliveryAttempt, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	const q = `
		SELECT event_id, event_type, toInt64(attempt) AS attempt, outcome,
		       toInt64(http_status) AS http_status, error, duration_ms, created_at
		FROM automation_delivery_attempts
		WHERE event_id = ?
		ORDER BY attempt DESC, created_at DESC
		LIMIT ? OFFSET ?
	`
	var rows []model.DeliveryAttempt
	if err := r.ch.SelectContext(ctx, &rows, q, eventID, limit, offset); err != nil {
		return nil, err
	}
	return rows, nil
}
