package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/msageha/fieldagent/internal/store"
)

// HiddenSet holds reports this responder declined or responded to; they drop
// out of the active list but stay known to the reconciler.
type HiddenSet struct {
	mu    sync.Mutex
	store store.Store
	ids   map[string]bool
}

func LoadHiddenSet(ctx context.Context, st store.Store) (*HiddenSet, error) {
	ids, err := st.LoadHidden(ctx)
	if err != nil {
		return nil, fmt.Errorf("load hidden reports: %w", err)
	}
	h := &HiddenSet{store: st, ids: make(map[string]bool, len(ids))}
	for _, id := range ids {
		h.ids[id] = true
	}
	return h, nil
}

func (h *HiddenSet) Contains(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ids[id]
}

func (h *HiddenSet) Add(ctx context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ids[id] {
		return nil
	}
	h.ids[id] = true
	if err := h.store.SaveHidden(ctx, h.sortedLocked()); err != nil {
		delete(h.ids, id)
		return fmt.Errorf("persist hidden reports: %w", err)
	}
	return nil
}

func (h *HiddenSet) IDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sortedLocked()
}

func (h *HiddenSet) sortedLocked() []string {
	out := make([]string, 0, len(h.ids))
	for id := range h.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
