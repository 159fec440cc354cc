package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/fieldagent/internal/api"
	"github.com/msageha/fieldagent/internal/events"
	"github.com/msageha/fieldagent/internal/model"
)

type DrainResult struct {
	Attempted    int `json:"attempted"`
	Delivered    int `json:"delivered"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
	Dropped      int `json:"dropped"`
	// Deferred counts entries held back behind an unsent earlier entry for the same report.
	Deferred  int `json:"deferred"`
	Remaining int `json:"remaining"`
}

func (r *DrainResult) add(o DrainResult) {
	r.Attempted += o.Attempted
	r.Delivered += o.Delivered
	r.Failed += o.Failed
	r.DeadLettered += o.DeadLettered
	r.Dropped += o.Dropped
	r.Deferred += o.Deferred
	r.Remaining = o.Remaining
}

// Drainer replays the pending queue. Entries are launched in FIFO order;
// entries for the same report run one after another on a single worker, and
// a report's chain stops at the first entry still left in the queue, so a
// later transition never overtakes an earlier one. Other reports' chains keep
// going.
type Drainer struct {
	*deliverer
	concurrency int
	baseCtx     context.Context

	sf      singleflight.Group
	pending atomic.Bool
	mu      sync.Mutex
	last    DrainResult
}

func newDrainer(baseCtx context.Context, d *deliverer, concurrency int) *Drainer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Drainer{deliverer: d, concurrency: concurrency, baseCtx: baseCtx}
}

// Drain runs one pass over the queue. Calls that arrive while a pass is in
// flight join it, and one more pass runs afterwards to pick up what they added.
// The pass runs on the drainer's base context; ctx only bounds how long this
// caller waits for it.
func (d *Drainer) Drain(ctx context.Context, reason string) (DrainResult, error) {
	d.pending.Store(true)
	for {
		ch := d.sf.DoChan("drain", func() (any, error) {
			return d.drainPending(d.baseCtx, reason)
		})
		var r singleflight.Result
		select {
		case r = <-ch:
		case <-ctx.Done():
			return DrainResult{Remaining: d.queue.Len()}, ctx.Err()
		}
		res, _ := r.Val.(DrainResult)
		// a trigger landed after the flight's last check
		if r.Err != nil || !d.pending.Load() {
			return res, r.Err
		}
	}
}

func (d *Drainer) drainPending(ctx context.Context, reason string) (DrainResult, error) {
	var total DrainResult
	for d.pending.Swap(false) {
		res, err := d.drainOnce(ctx, reason)
		total.add(res)
		if err != nil {
			return total, err
		}
	}
	d.mu.Lock()
	d.last = total
	d.mu.Unlock()
	return total, nil
}

// LastResult is the outcome of the most recent completed drain.
func (d *Drainer) LastResult() DrainResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *Drainer) drainOnce(ctx context.Context, reason string) (DrainResult, error) {
	snapshot := d.queue.Snapshot()
	if len(snapshot) == 0 {
		return DrainResult{}, nil
	}
	d.logger.Log(LogLevelInfo, "drain_start reason=%s entries=%d concurrency=%d", reason, len(snapshot), d.concurrency)

	var (
		mu  sync.Mutex
		res DrainResult
	)
	tally := func(fn func(r *DrainResult)) {
		mu.Lock()
		fn(&res)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, chain := range chainsByReport(snapshot) {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			for i, a := range chain {
				if ctx.Err() != nil {
					return nil
				}
				if !d.drainEntry(ctx, a, tally) {
					if rest := len(chain) - i - 1; rest > 0 {
						d.logger.Log(LogLevelInfo, "chain_held report=%s blocked_by=%s deferred=%d", a.ReportID, a.ID, rest)
						tally(func(r *DrainResult) { r.Deferred += rest })
					}
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Remaining = d.queue.Len()
	d.logger.Log(LogLevelInfo, "drain_done reason=%s attempted=%d delivered=%d failed=%d dead_lettered=%d dropped=%d deferred=%d remaining=%d",
		reason, res.Attempted, res.Delivered, res.Failed, res.DeadLettered, res.Dropped, res.Deferred, res.Remaining)
	return res, ctx.Err()
}

// drainEntry makes one attempt at snap. It reports whether the entry has left
// the queue (delivered, dropped or dead-lettered); false holds the rest of its
// report's chain back.
func (d *Drainer) drainEntry(ctx context.Context, snap model.PendingAction, tally func(func(*DrainResult))) bool {
	persistCtx := context.WithoutCancel(ctx)

	if !d.claim(snap.ID) {
		// the submitter is sending it right now
		return false
	}
	defer d.release(snap.ID)

	a, ok := d.queue.Get(snap.ID)
	if !ok {
		return true
	}
	if a.IsSuperseded() {
		d.drop(persistCtx, a)
		tally(func(r *DrainResult) { r.Dropped++ })
		return true
	}

	tally(func(r *DrainResult) { r.Attempted++ })
	updated, err := d.send(ctx, a)
	switch {
	case err == nil:
		_, rerr := d.queue.Remove(persistCtx, a.ID)
		if rerr != nil {
			// still queued: the replay carries the same idempotency key
			d.logger.Log(LogLevelError, "remove_delivered action=%s error=%v", a.ID, rerr)
		}
		d.delivered(persistCtx, a, updated)
		tally(func(r *DrainResult) { r.Delivered++ })
		return rerr == nil

	case api.IsPermanent(err):
		if derr := d.deadLetter(persistCtx, a, err.Error()); derr != nil {
			d.logger.Log(LogLevelError, "dead_letter action=%s error=%v", a.ID, derr)
			tally(func(r *DrainResult) { r.Failed++ })
			return false
		}
		tally(func(r *DrainResult) { r.DeadLettered++ })
		return true

	case ctx.Err() != nil:
		// shutting down mid-call; the attempt does not count
		tally(func(r *DrainResult) { r.Failed++ })
		return false

	default:
		cur, uerr := d.failed(persistCtx, a, err)
		if uerr != nil {
			d.logger.Log(LogLevelError, "record_attempt action=%s error=%v", a.ID, uerr)
			tally(func(r *DrainResult) { r.Failed++ })
			return false
		}
		auth := api.IsAuth(err)
		// a rejected session says nothing about the action, so it never exhausts it
		if !auth && d.exhausted(cur) {
			reason := fmt.Sprintf("attempts (%d) >= max_attempts (%d)", cur.Attempts, d.maxAttempts)
			if derr := d.deadLetter(persistCtx, cur, reason); derr == nil {
				tally(func(r *DrainResult) { r.DeadLettered++ })
				return true
			}
		}
		if auth {
			d.authFailed(cur, err)
		}
		d.notifier.Progress(cur.ReportID, queuedMessage(cur))
		d.record(events.OutcomeRetryPending, cur, err)
		d.logger.Log(LogLevelWarn, "retry_pending action=%s report=%s attempts=%d error=%v", cur.ID, cur.ReportID, cur.Attempts, err)
		tally(func(r *DrainResult) { r.Failed++ })
		return false
	}
}

// drop discards a superseded entry without sending it.
func (d *Drainer) drop(ctx context.Context, a model.PendingAction) {
	removed, err := d.queue.Remove(ctx, a.ID)
	if err != nil {
		d.logger.Log(LogLevelError, "drop_superseded action=%s error=%v", a.ID, err)
		return
	}
	if !removed {
		return
	}
	if !d.queue.HasLiveEntries(a.ReportID) {
		d.notifier.Dismiss(a.ReportID)
	}
	d.notifier.Notify(model.NotificationActionDropped, a.ReportID,
		fmt.Sprintf("%s for %s was not sent: the report changed on the server first", actionTitle(a.Action), labelOf(a)))
	d.record(events.OutcomeSuperseded, a, nil)
	d.logger.Log(LogLevelInfo, "dropped_superseded action=%s report=%s kind=%s", a.ID, a.ReportID, a.Action)
}

// chainsByReport splits the queue into per-report chains, ordered by each
// report's first appearance.
func chainsByReport(actions []model.PendingAction) [][]model.PendingAction {
	index := make(map[string]int)
	var chains [][]model.PendingAction
	for _, a := range actions {
		i, ok := index[a.ReportID]
		if !ok {
			i = len(chains)
			index[a.ReportID] = i
			chains = append(chains, nil)
		}
		chains[i] = append(chains[i], a)
	}
	return chains
}
