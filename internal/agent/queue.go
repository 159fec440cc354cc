package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/msageha/fieldagent/internal/model"
	"github.com/msageha/fieldagent/internal/store"
)

// Queue is the in-memory view of the durable pending-action queue. Every
// mutation is persisted before it returns; on a failed save the in-memory
// state is rolled back so memory never runs ahead of disk.
type Queue struct {
	mu      sync.Mutex
	store   store.Store
	actions []model.PendingAction
}

func LoadQueue(ctx context.Context, st store.Store) (*Queue, error) {
	actions, err := st.LoadPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pending queue: %w", err)
	}
	return &Queue{store: st, actions: actions}, nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// Snapshot returns a copy of the queue in FIFO order.
func (q *Queue) Snapshot() []model.PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return copyActions(q.actions)
}

func (q *Queue) Get(id string) (model.PendingAction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexOf(id); i >= 0 {
		return q.actions[i], true
	}
	return model.PendingAction{}, false
}

// FindIntent returns a live (not superseded) entry for the same report and action.
func (q *Queue) FindIntent(reportID string, kind model.ActionKind) (model.PendingAction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.actions {
		if a.ReportID == reportID && a.Action == kind && !a.IsSuperseded() {
			return a, true
		}
	}
	return model.PendingAction{}, false
}

// HasLiveEntries reports whether any non-superseded entry targets reportID.
func (q *Queue) HasLiveEntries(reportID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.actions {
		if a.ReportID == reportID && !a.IsSuperseded() {
			return true
		}
	}
	return false
}

// Enqueue appends a at the tail. An entry whose ID is already queued is a no-op
// and reports false.
func (q *Queue) Enqueue(ctx context.Context, a model.PendingAction) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.indexOf(a.ID) >= 0 {
		return false, nil
	}
	next := append(copyActions(q.actions), a)
	if err := q.commit(ctx, next); err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes the entry with id. It reports false when the entry was already gone.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(id)
	if i < 0 {
		return false, nil
	}
	next := make([]model.PendingAction, 0, len(q.actions)-1)
	next = append(next, q.actions[:i]...)
	next = append(next, q.actions[i+1:]...)
	return true, q.commit(ctx, next)
}

// Update applies fn to the entry with id and persists the result.
func (q *Queue) Update(ctx context.Context, id string, fn func(a *model.PendingAction)) (model.PendingAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(id)
	if i < 0 {
		return model.PendingAction{}, fmt.Errorf("pending action %s: %w", id, ErrNotQueued)
	}
	next := copyActions(q.actions)
	fn(&next[i])
	if err := q.commit(ctx, next); err != nil {
		return model.PendingAction{}, err
	}
	return next[i], nil
}

// MarkSuperseded flags the given entries in a single save and returns those newly flagged.
func (q *Queue) MarkSuperseded(ctx context.Context, ids []string, at string) ([]model.PendingAction, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	next := copyActions(q.actions)
	var marked []model.PendingAction
	for i := range next {
		if want[next[i].ID] && !next[i].IsSuperseded() {
			ts := at
			next[i].SupersededAt = &ts
			marked = append(marked, next[i])
		}
	}
	if len(marked) == 0 {
		return nil, nil
	}
	if err := q.commit(ctx, next); err != nil {
		return nil, err
	}
	return marked, nil
}

func (q *Queue) commit(ctx context.Context, next []model.PendingAction) error {
	if err := q.store.SavePending(ctx, next); err != nil {
		return fmt.Errorf("persist pending queue: %w", err)
	}
	q.actions = next
	return nil
}

func (q *Queue) indexOf(id string) int {
	for i := range q.actions {
		if q.actions[i].ID == id {
			return i
		}
	}
	return -1
}

func copyActions(actions []model.PendingAction) []model.PendingAction {
	out := make([]model.PendingAction, len(actions))
	for i, a := range actions {
		out[i] = a
		out[i].LastError = copyStr(a.LastError)
		out[i].LastAttemptAt = copyStr(a.LastAttemptAt)
		out[i].SupersededAt = copyStr(a.SupersededAt)
	}
	return out
}

func copyStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
