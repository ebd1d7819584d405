// Package testkit holds in-memory doubles for the MySQL store and the job scheduler.
package testkit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Mnabil10/fasket-sub001/internal/model"
	"github.com/Mnabil10/fasket-sub001/internal/repository"
	"github.com/Mnabil10/fasket-sub001/internal/sqlutil"
)

// EventStore is a mutex-guarded automation_events table.
//
// It enforces the (type, dedupe_key) unique key and the same conditional updates as the MySQL
// repository. Inserts made under a *sqlutil.Tx become visible only when the Tx commits, and a
// second insert of a key held by another open Tx waits for it, like an InnoDB unique-key lock.
// GetByDedupeKey under a Tx reads a REPEATABLE READ snapshot taken at the Tx's first read;
// LockByDedupeKey always reads the latest committed row.
type EventStore struct {
	clock clockwork.Clock

	mu        sync.Mutex
	rows      map[string]*model.AutomationEvent
	byKey     map[string]string // type + "\x00" + dedupe_key -> id
	failOn    map[string]error  // method name -> injected error
	seq       uint64
	committed map[string]uint64 // id -> commit sequence
	snapshots map[*sqlutil.Tx]uint64
	held      map[string]*heldKey // keys inserted by open transactions
}

type heldKey struct {
	tx       *sqlutil.Tx
	released chan struct{}
}

var _ repository.EventsRepository = (*EventStore)(nil)

func NewEventStore(clock clockwork.Clock) *EventStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &EventStore{
		clock:     clock,
		rows:      make(map[string]*model.AutomationEvent),
		byKey:     make(map[string]string),
		failOn:    make(map[string]error),
		committed: make(map[string]uint64),
		snapshots: make(map[*sqlutil.Tx]uint64),
		held:      make(map[string]*heldKey),
	}
}

// FailOn makes the named method return err until cleared with FailOn(method, nil).
func (s *EventStore) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOn, method)
		return
	}
	s.failOn[method] = err
}

func (s *EventStore) injected(method string) error {
	return s.failOn[method]
}

func dedupeIndex(eventType, key string) string {
	return eventType + "\x00" + key
}

// Put stores e as-is, replacing any row with the same id. Test setup only.
func (s *EventStore) Put(e model.AutomationEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(e)
}

func (s *EventStore) publishLocked(e model.AutomationEvent) {
	cp := e
	s.seq++
	s.rows[e.ID] = &cp
	s.byKey[dedupeIndex(e.Type, e.DedupeKey)] = e.ID
	s.committed[e.ID] = s.seq
}

// Snapshot returns a copy of the row, or false when absent.
func (s *EventStore) Snapshot(id string) (model.AutomationEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return model.AutomationEvent{}, false
	}
	return *e, true
}

// All returns copies of every row ordered by creation time.
func (s *EventStore) All() []model.AutomationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AutomationEvent, 0, len(s.rows))
	for _, e := range s.rows {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *EventStore) Insert(ctx context.Context, tx *sqlutil.Tx, e model.AutomationEvent) (bool, error) {
	key := dedupeIndex(e.Type, e.DedupeKey)
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	for {
		s.mu.Lock()
		if err := s.injected("Insert"); err != nil {
			s.mu.Unlock()
			return false, err
		}
		if _, dup := s.byKey[key]; dup {
			s.mu.Unlock()
			return false, nil
		}
		h, busy := s.held[key]
		if busy && h.tx == tx {
			s.mu.Unlock()
			return false, nil
		}
		if busy {
			s.mu.Unlock()
			select {
			case <-h.released:
				continue
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}

		if tx == nil {
			s.publishLocked(e)
			s.mu.Unlock()
			return true, nil
		}
		h = &heldKey{tx: tx, released: make(chan struct{})}
		s.held[key] = h
		s.mu.Unlock()

		tx.AfterCommit(func(context.Context) {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.held, key)
			s.publishLocked(e)
			close(h.released)
		})
		tx.AfterRollback(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.held, key)
			close(h.released)
		})
		return true, nil
	}
}

func (s *EventStore) GetByDedupeKey(ctx context.Context, tx *sqlutil.Tx, eventType, dedupeKey string) (*model.AutomationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("GetByDedupeKey"); err != nil {
		return nil, err
	}
	visible := s.seq
	if tx != nil {
		visible = s.snapshotLocked(tx)
	}
	return s.lookupLocked(dedupeIndex(eventType, dedupeKey), visible)
}

func (s *EventStore) LockByDedupeKey(ctx context.Context, tx *sqlutil.Tx, eventType, dedupeKey string) (*model.AutomationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("LockByDedupeKey"); err != nil {
		return nil, err
	}
	return s.lookupLocked(dedupeIndex(eventType, dedupeKey), s.seq)
}

// snapshotLocked returns the commit sequence tx reads at, fixing it on first use.
func (s *EventStore) snapshotLocked(tx *sqlutil.Tx) uint64 {
	if snap, ok := s.snapshots[tx]; ok {
		return snap
	}
	s.snapshots[tx] = s.seq
	forget := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.snapshots, tx)
	}
	tx.AfterCommit(func(context.Context) { forget() })
	tx.AfterRollback(forget)
	return s.seq
}

func (s *EventStore) lookupLocked(key string, visible uint64) (*model.AutomationEvent, error) {
	id, ok := s.byKey[key]
	if !ok || s.committed[id] > visible {
		return nil, repository.ErrNotFound
	}
	cp := *s.rows[id]
	return &cp, nil
}

func (s *EventStore) GetByID(ctx context.Context, id string) (*model.AutomationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("GetByID"); err != nil {
		return nil, err
	}
	e, ok := s.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func schedulable(e *model.AutomationEvent) bool {
	return e.Status == model.EventPending || e.Status == model.EventFailed
}

func (s *EventStore) BeginAttempt(ctx context.Context, id string, seenAttempts int, leaseUntil time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("BeginAttempt"); err != nil {
		return false, err
	}
	e, ok := s.rows[id]
	if !ok || e.Attempts != seenAttempts || !schedulable(e) {
		return false, nil
	}
	e.Attempts++
	lease := leaseUntil
	e.NextAttemptAt = &lease
	e.UpdatedAt = s.clock.Now()
	return true, nil
}

func (s *EventStore) RecordResult(ctx context.Context, r repository.AttemptResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("RecordResult"); err != nil {
		return false, err
	}
	e, ok := s.rows[r.ID]
	if !ok || e.Attempts != r.Attempt || !schedulable(e) {
		return false, nil
	}
	if e.NextAttemptAt == nil || !e.NextAttemptAt.Equal(r.LeaseUntil) {
		return false, nil
	}
	e.Status = r.Status
	e.NextAttemptAt = r.NextAttemptAt
	e.LastHTTPStatus = r.HTTPStatus
	e.LastError = r.Error
	responded := r.RespondedAt
	e.LastResponseAt = &responded
	e.LastResponseBodySnippet = r.Snippet
	if r.SentAt != nil {
		e.SentAt = r.SentAt
	}
	e.UpdatedAt = s.clock.Now()
	return true, nil
}

func (s *EventStore) MarkMisconfigured(ctx context.Context, id string, retryAt time.Time, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("MarkMisconfigured"); err != nil {
		return false, err
	}
	e, ok := s.rows[id]
	if !ok || !schedulable(e) {
		return false, nil
	}
	e.Status = model.EventFailed
	at := retryAt
	e.NextAttemptAt = &at
	msg := reason
	e.LastError = &msg
	e.UpdatedAt = s.clock.Now()
	return true, nil
}

func (s *EventStore) ListDue(ctx context.Context, before time.Time, limit int) ([]model.EventRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ListDue"); err != nil {
		return nil, err
	}
	var due []*model.AutomationEvent
	for _, e := range s.rows {
		if schedulable(e) && e.NextAttemptAt != nil && !e.NextAttemptAt.After(before) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(*due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	refs := make([]model.EventRef, 0, len(due))
	for _, e := range due {
		refs = append(refs, e.Ref())
	}
	return refs, nil
}

func (s *EventStore) List(ctx context.Context, f repository.EventFilter) ([]model.AutomationEvent, int64, error) {
	f = f.Normalized()
	if err := s.injectedLocked("List"); err != nil {
		return nil, 0, err
	}
	matched := s.match(f)
	// newest first, like the SQL listing
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := int64(len(matched))
	if f.Offset >= len(matched) {
		return []model.AutomationEvent{}, total, nil
	}
	end := f.Offset + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[f.Offset:end], total, nil
}

func (s *EventStore) CountByStatus(ctx context.Context) (map[model.EventStatus]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CountByStatus"); err != nil {
		return nil, err
	}
	out := make(map[model.EventStatus]int64, len(model.AllEventStatuses))
	for _, st := range model.AllEventStatuses {
		out[st] = 0
	}
	for _, e := range s.rows {
		out[e.Status]++
	}
	return out, nil
}

func (s *EventStore) ResetForReplay(ctx context.Context, ids []string, now time.Time) ([]model.EventRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ResetForReplay"); err != nil {
		return nil, err
	}
	return s.resetLocked(ids, now), nil
}

func (s *EventStore) ResetMatching(ctx context.Context, f repository.EventFilter, now time.Time) ([]model.EventRef, error) {
	f = f.Normalized()
	if err := s.injectedLocked("ResetMatching"); err != nil {
		return nil, err
	}
	matched := s.match(f)
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	if len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	ids := make([]string, 0, len(matched))
	for _, e := range matched {
		ids = append(ids, e.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetLocked(ids, now), nil
}

func (s *EventStore) injectedLocked(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.injected(method)
}

func (s *EventStore) resetLocked(ids []string, now time.Time) []model.EventRef {
	var refs []model.EventRef
	for _, id := range ids {
		e, ok := s.rows[id]
		if !ok {
			continue
		}
		e.Status = model.EventPending
		at := now
		e.NextAttemptAt = &at
		e.LastError = nil
		e.UpdatedAt = now
		refs = append(refs, e.Ref())
	}
	return refs
}

// match returns copies of rows matching everything in f but paging.
func (s *EventStore) match(f repository.EventFilter) []model.AutomationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make(map[model.EventStatus]bool, len(f.Statuses))
	for _, st := range f.Statuses {
		statuses[st] = true
	}
	q := strings.ToLower(f.Query)

	var out []model.AutomationEvent
	for _, e := range s.rows {
		if len(statuses) > 0 && !statuses[e.Status] {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.From != nil && e.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !e.CreatedAt.Before(*f.To) {
			continue
		}
		if q != "" && !matchesQuery(e, q) {
			continue
		}
		out = append(out, *e)
	}
	return out
}

func matchesQuery(e *model.AutomationEvent, q string) bool {
	if strings.EqualFold(e.ID, q) {
		return true
	}
	if e.CorrelationID != nil && strings.EqualFold(*e.CorrelationID, q) {
		return true
	}
	if strings.Contains(strings.ToLower(e.DedupeKey), q) || strings.Contains(strings.ToLower(e.Type), q) {
		return true
	}
	return e.LastError != nil && strings.Contains(strings.ToLower(*e.LastError), q)
}
