package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/msageha/fieldagent/internal/events"
	"github.com/msageha/fieldagent/internal/model"
)

// Source says where a batch of snapshots came from.
type Source string

const (
	// SourcePoll is a complete listing: reports missing from it were deleted.
	SourcePoll Source = "poll"
	// SourcePush carries individual snapshots from the websocket.
	SourcePush Source = "push"
	// SourceLocal is this agent's own acknowledged action.
	SourceLocal Source = "local"
)

type ApplyResult struct {
	Applied    int      `json:"applied"`
	Stale      int      `json:"stale"`
	Deleted    int      `json:"deleted"`
	Superseded []string `json:"superseded,omitempty"`
	NewReports []string `json:"new_reports,omitempty"`
}

// DerivedSets is the responder's view of which reports they are handling.
type DerivedSets struct {
	OnTheWay []string `json:"on_the_way"`
	Arrived  []string `json:"arrived"`
}

// Reconciler merges backend snapshots into one last-writer-wins view keyed by
// report ID. Derived sets are recomputed on demand from that view plus the
// live pending queue, so they are never the only record of anything.
type Reconciler struct {
	responderID string
	queue       *Queue
	hidden      *HiddenSet
	notifier    Notifier
	bus         *events.Bus
	logger      *Logger
	now         func() time.Time

	mu      sync.Mutex
	reports map[string]model.Report
	deleted map[string]time.Time
	seen    map[string]bool
	primed  bool
}

func NewReconciler(responderID string, queue *Queue, hidden *HiddenSet, notifier Notifier, bus *events.Bus, logger *Logger) *Reconciler {
	return &Reconciler{
		responderID: responderID,
		queue:       queue,
		hidden:      hidden,
		notifier:    notifier,
		bus:         bus,
		logger:      logger.With("reconciler"),
		now:         time.Now,
		reports:     make(map[string]model.Report),
		deleted:     make(map[string]time.Time),
		seen:        make(map[string]bool),
	}
}

// SetResponderID updates the identity used to pick this responder's confirmed actions.
func (r *Reconciler) SetResponderID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responderID = id
}

// Apply is the single entry point for server state, whether polled or pushed.
// It is idempotent: replaying the same batch changes nothing.
func (r *Reconciler) Apply(ctx context.Context, snapshots []model.Report, source Source) ApplyResult {
	var res ApplyResult
	now := r.now().UTC()

	r.mu.Lock()
	inBatch := make(map[string]bool, len(snapshots))
	for _, snap := range snapshots {
		if snap.ID == "" {
			continue
		}
		inBatch[snap.ID] = true
		cur, ok := r.reports[snap.ID]
		if ok && cur.NewerThan(snap) {
			res.Stale++
			continue
		}
		r.reports[snap.ID] = snap
		delete(r.deleted, snap.ID)
		res.Applied++

		if !r.seen[snap.ID] {
			r.seen[snap.ID] = true
			if r.primed && source != SourceLocal && snap.Status != model.ReportStatusResponded && !r.hidden.Contains(snap.ID) {
				res.NewReports = append(res.NewReports, snap.ID)
			}
		}
	}

	if source == SourcePoll {
		for id := range r.reports {
			if !inBatch[id] {
				delete(r.reports, id)
				r.deleted[id] = now
				res.Deleted++
			}
		}
		r.primed = true
	}

	newReports := make([]model.Report, 0, len(res.NewReports))
	for _, id := range res.NewReports {
		newReports = append(newReports, r.reports[id])
	}
	supersede := r.overtakenLocked(r.queue.Snapshot())
	r.mu.Unlock()

	if len(supersede) > 0 {
		marked, err := r.queue.MarkSuperseded(ctx, supersede, now.Format(model.TimestampLayout))
		if err != nil {
			r.logger.Log(LogLevelError, "mark_superseded error=%v", err)
		}
		for _, a := range marked {
			res.Superseded = append(res.Superseded, a.ID)
			r.logger.Log(LogLevelInfo, "superseded action=%s report=%s kind=%s", a.ID, a.ReportID, a.Action)
		}
	}

	for _, rep := range newReports {
		r.notifier.Notify(model.NotificationNewReport, rep.ID, NewReportMessage(rep))
	}

	r.logger.Log(LogLevelDebug, "apply source=%s applied=%d stale=%d deleted=%d superseded=%d",
		source, res.Applied, res.Stale, res.Deleted, len(res.Superseded))
	r.bus.Publish(events.EventReportsReconciled, map[string]any{
		"source":     string(source),
		"applied":    res.Applied,
		"superseded": len(res.Superseded),
	})
	return res
}

// overtakenLocked lists live pending actions the server has moved past: the
// report was deleted, or it reached a terminal status at or after enqueue time.
func (r *Reconciler) overtakenLocked(pending []model.PendingAction) []string {
	var ids []string
	for _, a := range pending {
		if a.IsSuperseded() {
			continue
		}
		if _, gone := r.deleted[a.ReportID]; gone {
			ids = append(ids, a.ID)
			continue
		}
		rep, ok := r.reports[a.ReportID]
		if !ok || !model.IsTerminal(rep.Status) {
			continue
		}
		if !rep.UpdatedAt.Before(a.EnqueuedTime()) {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// Confirm folds an acknowledged delivery into the view. When the backend
// returned the updated report it is applied as-is; otherwise the action is
// recorded on the last known snapshot without advancing updated_at, so the
// next real snapshot replaces it.
func (r *Reconciler) Confirm(ctx context.Context, a model.PendingAction, updated *model.Report) {
	if updated != nil {
		r.Apply(ctx, []model.Report{*updated}, SourceLocal)
		return
	}

	r.mu.Lock()
	snap, ok := r.reports[a.ReportID]
	if !ok {
		snap = model.Report{ID: a.ReportID}
	}
	responderID := r.responderID
	r.mu.Unlock()

	snap.ResponderActions = append(append([]model.ResponderAction{}, snap.ResponderActions...), model.ResponderAction{
		ResponderID: responderID,
		Action:      a.Action,
		Timestamp:   r.now().UTC(),
	})
	r.Apply(ctx, []model.Report{snap}, SourceLocal)
}

// Derived returns server-confirmed actions of this responder united with live
// pending actions.
func (r *Reconciler) Derived() DerivedSets {
	pending := r.queue.Snapshot()

	r.mu.Lock()
	onTheWay := make(map[string]bool)
	arrived := make(map[string]bool)
	for id, rep := range r.reports {
		if rep.HasAction(r.responderID, model.ActionOnTheWay) {
			onTheWay[id] = true
		}
		if rep.HasAction(r.responderID, model.ActionArrived) {
			arrived[id] = true
		}
	}
	r.mu.Unlock()

	for _, a := range pending {
		if a.IsSuperseded() {
			continue
		}
		switch a.Action {
		case model.ActionOnTheWay:
			onTheWay[a.ReportID] = true
		case model.ActionArrived:
			arrived[a.ReportID] = true
		}
	}
	return DerivedSets{OnTheWay: sortedKeys(onTheWay), Arrived: sortedKeys(arrived)}
}

// ActiveReports lists known reports that are neither hidden nor responded, newest first.
func (r *Reconciler) ActiveReports() []model.Report {
	r.mu.Lock()
	out := make([]model.Report, 0, len(r.reports))
	for _, rep := range r.reports {
		if rep.Status == model.ReportStatusResponded || r.hidden.Contains(rep.ID) {
			continue
		}
		out = append(out, rep)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (r *Reconciler) Report(id string) (model.Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.reports[id]
	return rep, ok
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
