package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Mnabil10/fasket-sub001/internal/model"
	"github.com/Mnabil10/fasket-sub001/internal/sqlutil"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

const (
	defaultListLimit = 50
	MaxListLimit     = 500
)

// EventFilter narrows admin listings and bulk replays.
type EventFilter struct {
	Statuses []model.EventStatus
	Type     string
	From     *time.Time // created_at >= From
	To       *time.Time // created_at < To
	Query    string     // free text over id, dedupe key, correlation id, type, last error
	Limit    int
	Offset   int
}

// Normalized clamps paging values.
func (f EventFilter) Normalized() EventFilter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.Type = strings.TrimSpace(f.Type)
	f.Query = strings.TrimSpace(f.Query)
	return f
}

// AttemptResult is what the delivery worker persists after one HTTP attempt.
type AttemptResult struct {
	ID            string
	Attempt       int       // attempts value written by BeginAttempt
	LeaseUntil    time.Time // lease written by BeginAttempt; a replay in between replaces it
	Status        model.EventStatus
	NextAttemptAt *time.Time
	HTTPStatus    *int
	Error         *string
	Snippet       *string
	RespondedAt   time.Time
	SentAt        *time.Time
}

// EventsRepository defines persistence for the automation_events table.
type EventsRepository interface {
	// Insert writes a new PENDING row. It returns false when (type, dedupe_key) already exists.
	Insert(ctx context.Context, tx *sqlutil.Tx, e model.AutomationEvent) (bool, error)
	GetByDedupeKey(ctx context.Context, tx *sqlutil.Tx, eventType, dedupeKey string) (*model.AutomationEvent, error)
	// LockByDedupeKey is GetByDedupeKey as a locking read: inside tx it sees the latest
	// committed row instead of the transaction's snapshot.
	LockByDedupeKey(ctx context.Context, tx *sqlutil.Tx, eventType, dedupeKey string) (*model.AutomationEvent, error)
	GetByID(ctx context.Context, id string) (*model.AutomationEvent, error)

	// BeginAttempt claims the next attempt: it increments attempts only if the row still has
	// seenAttempts and is schedulable, and leases next_attempt_at until leaseUntil.
	BeginAttempt(ctx context.Context, id string, seenAttempts int, leaseUntil time.Time) (bool, error)
	// RecordResult stores the outcome of the claimed attempt; false if the row moved on.
	RecordResult(ctx context.Context, r AttemptResult) (bool, error)
	// MarkMisconfigured parks a schedulable event as FAILED until retryAt without touching attempts.
	MarkMisconfigured(ctx context.Context, id string, retryAt time.Time, reason string) (bool, error)

	ListDue(ctx context.Context, before time.Time, limit int) ([]model.EventRef, error)
	List(ctx context.Context, f EventFilter) ([]model.AutomationEvent, int64, error)
	CountByStatus(ctx context.Context) (map[model.EventStatus]int64, error)

	// ResetForReplay forces events back to PENDING, due at now, with the error cleared.
	ResetForReplay(ctx context.Context, ids []string, now time.Time) ([]model.EventRef, error)
	ResetMatching(ctx context.Context, f EventFilter, now time.Time) ([]model.EventRef, error)
}

// EventsRepositoryImpl is a sqlx/MySQL-backed implementation.
type EventsRepositoryImpl struct {
	db *sqlx.DB
}

var _ EventsRepository = (*EventsRepositoryImpl)(nil)

func NewEventsRepository(db *sqlx.DB) *EventsRepositoryImpl {
	return &EventsRepositoryImpl{db: db}
}

const eventColumns = `
	id, type, payload, status, attempts, next_attempt_at, dedupe_key, correlation_id,
	last_http_status, last_error, last_response_at, last_response_body_snippet,
	sent_at, created_at, updated_at
`

const schedulable = `status IN ('PENDING', 'FAILED')`

// ext returns the caller's transaction when given, otherwise the pool.
func (r *EventsRepositoryImpl) ext(tx *sqlutil.Tx) sqlx.ExtContext {
	if tx != nil && tx.Tx != nil {
		return tx.Tx
	}
	return r.db
}

func (r *EventsRepositoryImpl) Insert(ctx context.Context, tx *sqlutil.Tx, e model.AutomationEvent) (bool, error) {
	const q = `
		INSERT INTO automation_events
		    (id, type, payload, status, attempts, next_attempt_at, dedupe_key, correlation_id, created_at, updated_at)
		VALUES
		    (?,  ?,    ?,       ?,      ?,        ?,               ?,          ?,              ?,          ?)
		ON DUPLICATE KEY UPDATE id = id
	`
	res, err := r.ext(tx).ExecContext(ctx, q,
		e.ID, e.Type, []byte(e.Payload), e.Status.String(), e.Attempts,
		utcPtr(e.NextAttemptAt), e.DedupeKey, e.CorrelationID,
		e.CreatedAt.UTC(), e.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert automation event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *EventsRepositoryImpl) GetByDedupeKey(ctx context.Context, tx *sqlutil.Tx, eventType, dedupeKey string) (*model.AutomationEvent, error) {
	q := `SELECT ` + eventColumns + ` FROM automation_events WHERE type = ? AND dedupe_key = ? LIMIT 1`
	return r.getOne(ctx, r.ext(tx), q, eventType, dedupeKey)
}

func (r *EventsRepositoryImpl) LockByDedupeKey(ctx context.Context, tx *sqlutil.Tx, eventType, dedupeKey string) (*model.AutomationEvent, error) {
	q := `SELECT ` + eventColumns + ` FROM automation_events WHERE type = ? AND dedupe_key = ? LIMIT 1 LOCK IN SHARE MODE`
	return r.getOne(ctx, r.ext(tx), q, eventType, dedupeKey)
}

func (r *EventsRepositoryImpl) GetByID(ctx context.Context, id string) (*model.AutomationEvent, error) {
	q := `SELECT ` + eventColumns + ` FROM automation_events WHERE id = ? LIMIT 1`
	return r.getOne(ctx, r.db, q, id)
}

func (r *EventsRepositoryImpl) getOne(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (*model.AutomationEvent, error) {
	var e model.AutomationEvent
	err := sqlx.GetContext(ctx, q, &e, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *EventsRepositoryImpl) BeginAttempt(ctx context.Context, id string, seenAttempts int, leaseUntil time.Time) (bool, error) {
	q := `
		UPDATE automation_events
		   SET attempts = attempts + 1, next_attempt_at = ?, updated_at = UTC_TIMESTAMP(3)
		 WHERE id = ? AND attempts = ? AND ` + schedulable
	return r.execOne(ctx, q, leaseValue(leaseUntil), id, seenAttempts)
}

func (r *EventsRepositoryImpl) RecordResult(ctx context.Context, res AttemptResult) (bool, error) {
	q := `
		UPDATE automation_events
		   SET status = ?,
		       next_attempt_at = ?,
		       last_http_status = ?,
		       last_error = ?,
		       last_response_at = ?,
		       last_response_body_snippet = ?,
		       sent_at = COALESCE(?, sent_at),
		       updated_at = UTC_TIMESTAMP(3)
		 WHERE id = ? AND attempts = ? AND next_attempt_at = ? AND ` + schedulable
	return r.execOne(ctx, q,
		res.Status.String(), utcPtr(res.NextAttemptAt), res.HTTPStatus, res.Error,
		res.RespondedAt.UTC(), res.Snippet, utcPtr(res.SentAt),
		res.ID, res.Attempt, leaseValue(res.LeaseUntil),
	)
}

func (r *EventsRepositoryImpl) MarkMisconfigured(ctx context.Context, id string, retryAt time.Time, reason string) (bool, error) {
	q := `
		UPDATE automation_events
		   SET status = 'FAILED', next_attempt_at = ?, last_error = ?, updated_at = UTC_TIMESTAMP(3)
		 WHERE id = ? AND ` + schedulable
	return r.execOne(ctx, q, retryAt.UTC(), reason, id)
}

func (r *EventsRepositoryImpl) execOne(ctx context.Context, q string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *EventsRepositoryImpl) ListDue(ctx context.Context, before time.Time, limit int) ([]model.EventRef, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	q := `
		SELECT id, type FROM automation_events
		 WHERE ` + schedulable + ` AND next_attempt_at <= ?
		 ORDER BY next_attempt_at ASC
		 LIMIT ?
	`
	var refs []model.EventRef
	if err := r.db.SelectContext(ctx, &refs, q, before.UTC(), limit); err != nil {
		return nil, fmt.Errorf("list due events: %w", err)
	}
	return refs, nil
}

func (r *EventsRepositoryImpl) List(ctx context.Context, f EventFilter) ([]model.AutomationEvent, int64, error) {
	f = f.Normalized()
	where, args, err := whereClause(f)
	if err != nil {
		return nil, 0, err
	}

	var total int64
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM automation_events`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	q := `SELECT ` + eventColumns + ` FROM automation_events` + where + ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	var rows []model.AutomationEvent
	if err := r.db.SelectContext(ctx, &rows, q, append(args, f.Limit, f.Offset)...); err != nil {
		return nil, 0, fmt.Errorf("list events: %w", err)
	}
	return rows, total, nil
}

func (r *EventsRepositoryImpl) CountByStatus(ctx context.Context) (map[model.EventStatus]int64, error) {
	var rows []struct {
		Status model.EventStatus `db:"status"`
		N      int64             `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM automation_events GROUP BY status`); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	out := make(map[model.EventStatus]int64, len(model.AllEventStatuses))
	for _, s := range model.AllEventStatuses {
		out[s] = 0
	}
	for _, row := range rows {
		out[row.Status] = row.N
	}
	return out, nil
}

func (r *EventsRepositoryImpl) ResetForReplay(ctx context.Context, ids []string, now time.Time) ([]model.EventRef, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var refs []model.EventRef
	err := sqlutil.Run(ctx, r.db, func(tx *sqlutil.Tx) error {
		var err error
		refs, err = resetIDs(ctx, tx.Tx, ids, now)
		return err
	})
	return refs, err
}

func (r *EventsRepositoryImpl) ResetMatching(ctx context.Context, f EventFilter, now time.Time) ([]model.EventRef, error) {
	f = f.Normalized()
	where, args, err := whereClause(f)
	if err != nil {
		return nil, err
	}

	var refs []model.EventRef
	err = sqlutil.Run(ctx, r.db, func(tx *sqlutil.Tx) error {
		var ids []string
		q := `SELECT id FROM automation_events` + where + ` ORDER BY created_at ASC LIMIT ? FOR UPDATE`
		if err := tx.SelectContext(ctx, &ids, q, append(args, f.Limit)...); err != nil {
			return fmt.Errorf("select replay candidates: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}
		refs, err = resetIDs(ctx, tx.Tx, ids, now)
		return err
	})
	return refs, err
}

func resetIDs(ctx context.Context, tx *sqlx.Tx, ids []string, now time.Time) ([]model.EventRef, error) {
	upd, args, err := sqlx.In(`
		UPDATE automation_events
		   SET status = 'PENDING', next_attempt_at = ?, last_error = NULL, updated_at = ?
		 WHERE id IN (?)
	`, now.UTC(), now.UTC(), ids)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(upd), args...); err != nil {
		return nil, fmt.Errorf("reset events for replay: %w", err)
	}

	sel, args, err := sqlx.In(`SELECT id, type FROM automation_events WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var refs []model.EventRef
	if err := tx.SelectContext(ctx, &refs, tx.Rebind(sel), args...); err != nil {
		return nil, fmt.Errorf("load replayed events: %w", err)
	}
	return refs, nil
}

// whereClause renders f as " WHERE ..." (or "") plus its bind args.
func whereClause(f EventFilter) (string, []any, error) {
	var (
		conds []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		statuses := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			if !s.Valid() {
				return "", nil, fmt.Errorf("invalid status %q", s)
			}
			statuses = append(statuses, s.String())
		}
		in, inArgs, err := sqlx.In("status IN (?)", statuses)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, in)
		args = append(args, inArgs...)
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if f.From != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.From.UTC())
	}
	if f.To != nil {
		conds = append(conds, "created_at < ?")
		args = append(args, f.To.UTC())
	}
	if f.Query != "" {
		like := "%" + escapeLike(f.Query) + "%"
		conds = append(conds, "(id = ? OR correlation_id = ? OR dedupe_key LIKE ? OR type LIKE ? OR last_error LIKE ?)")
		args = append(args, f.Query, f.Query, like, like, like)
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

// leaseValue matches the DATETIME(3) column exactly, so the lease written by
// BeginAttempt compares equal in RecordResult.
func leaseValue(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
