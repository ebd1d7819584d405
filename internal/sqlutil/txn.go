// Package sqlutil holds the transaction handle shared by business code and the outbox.
package sqlutil

import (
	"context"
	"errors"
	"sync"

	"github.com/jmoiron/sqlx"
)

// ErrTxDone is returned when a Tx is committed or rolled back twice.
var ErrTxDone = errors.New("sqlutil: transaction already finished")

// Tx wraps *sqlx.Tx with hooks that run only after a successful Commit.
//
// The embedded *sqlx.Tx may be nil for stores that do not need a database
// transaction (the in-memory test store); Commit then only runs the hooks.
type Tx struct {
	*sqlx.Tx

	ctx       context.Context
	mu        sync.Mutex
	hooks     []func(context.Context)
	undoHooks []func()
	done      bool
}

// Begin starts a transaction on db.
func Begin(ctx context.Context, db *sqlx.DB) (*Tx, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return Wrap(ctx, tx), nil
}

// Wrap adapts an existing transaction. tx may be nil.
func Wrap(ctx context.Context, tx *sqlx.Tx) *Tx {
	return &Tx{Tx: tx, ctx: context.WithoutCancel(ctx)}
}

// AfterCommit registers fn to run once the transaction commits.
// Hooks are dropped on rollback.
func (t *Tx) AfterCommit(fn func(context.Context)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, fn)
}

// AfterRollback registers fn to run once the transaction rolls back.
func (t *Tx) AfterRollback(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.undoHooks = append(t.undoHooks, fn)
}

// Commit commits the underlying transaction and then runs the hooks in registration order.
func (t *Tx) Commit() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return ErrTxDone
	}
	t.done = true
	hooks := t.hooks
	t.hooks, t.undoHooks = nil, nil
	t.mu.Unlock()

	if t.Tx != nil {
		if err := t.Tx.Commit(); err != nil {
			return err
		}
	}
	for _, fn := range hooks {
		fn(t.ctx)
	}
	return nil
}

// Rollback aborts the transaction and discards the hooks. Safe to defer after Commit.
func (t *Tx) Rollback() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return ErrTxDone
	}
	t.done = true
	undo := t.undoHooks
	t.hooks, t.undoHooks = nil, nil
	t.mu.Unlock()

	var err error
	if t.Tx != nil {
		err = t.Tx.Rollback()
	}
	for _, fn := range undo {
		fn()
	}
	return err
}

// Run executes fn inside a Tx.
// If fn returns an error the tx rolls back, else it commits and runs the hooks.
func Run(ctx context.Context, db *sqlx.DB, fn func(tx *Tx) error) error {
	tx, err := Begin(ctx, db)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
