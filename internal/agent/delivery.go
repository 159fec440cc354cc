package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/msageha/fieldagent/internal/api"
	"github.com/msageha/fieldagent/internal/events"
	"github.com/msageha/fieldagent/internal/model"
)

// Backend is the slice of the dispatch API the agent needs.
type Backend interface {
	HealthProber
	ListReports(ctx context.Context) ([]model.Report, error)
	ApplyAction(ctx context.Context, reportID string, kind model.ActionKind, idempotencyKey string) (*model.Report, error)
}

// deliverer owns what happens after a remote call, shared by the submitter's
// immediate path and the drainer.
type deliverer struct {
	backend     Backend
	queue       *Queue
	reconciler  *Reconciler
	hidden      *HiddenSet
	notifier    Notifier
	conn        *Connectivity
	deadLetters *DeadLetterArchive
	audit       *events.AuditLog
	bus         *events.Bus
	maxAttempts int
	logger      *Logger

	mu      sync.Mutex
	sending map[string]bool
	// authNoticed holds back repeat sign-in notices until a send succeeds again.
	authNoticed atomic.Bool
}

// claim marks id as being sent. Only one sender may hold an entry at a time.
func (d *deliverer) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sending == nil {
		d.sending = make(map[string]bool)
	}
	if d.sending[id] {
		return false
	}
	d.sending[id] = true
	return true
}

func (d *deliverer) release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sending, id)
}

// alreadySatisfied treats a 404 on decline as done: the report is gone, which is what decline asks for.
func alreadySatisfied(a model.PendingAction, err error) bool {
	return a.Action == model.ActionDeclined && api.IsNotFound(err)
}

func (d *deliverer) send(ctx context.Context, a model.PendingAction) (*model.Report, error) {
	updated, err := d.backend.ApplyAction(ctx, a.ReportID, a.Action, a.IdempotencyKey)
	if err != nil && alreadySatisfied(a, err) {
		return nil, nil
	}
	if err != nil && api.IsTransient(err) && !errors.Is(err, context.Canceled) {
		d.conn.MarkOffline(err.Error())
	}
	return updated, err
}

// delivered folds an acknowledged action into local state and tells the user.
func (d *deliverer) delivered(ctx context.Context, a model.PendingAction, updated *model.Report) {
	d.authNoticed.Store(false)
	d.reconciler.Confirm(ctx, a, updated)
	if a.Action.HidesReport() {
		if err := d.hidden.Add(ctx, a.ReportID); err != nil {
			d.logger.Log(LogLevelError, "hide_report report=%s error=%v", a.ReportID, err)
		}
	}
	d.notifier.Dismiss(a.ReportID)
	d.notifier.Notify(model.NotificationActionDelivered, a.ReportID, deliveredMessage(a))
	d.record(events.OutcomeDelivered, a, nil)
	d.bus.Publish(events.EventActionDelivered, map[string]any{
		"action_id": a.ID, "report_id": a.ReportID, "action": string(a.Action),
	})
	d.logger.Log(LogLevelInfo, "delivered action=%s report=%s kind=%s attempts=%d", a.ID, a.ReportID, a.Action, a.Attempts)
}

// deadLetter removes a from the queue and archives it.
func (d *deliverer) deadLetter(ctx context.Context, a model.PendingAction, reason string) error {
	if _, err := d.deadLetters.Archive(a, reason); err != nil {
		// keep the entry queued rather than lose it
		return err
	}
	if _, err := d.queue.Remove(ctx, a.ID); err != nil {
		return err
	}
	d.notifier.Dismiss(a.ReportID)
	d.notifier.Notify(model.NotificationActionFailed, a.ReportID,
		fmt.Sprintf("%s for %s could not be sent: %s", actionTitle(a.Action), labelOf(a), reason))
	d.record(events.OutcomeDeadLettered, a, errors.New(reason))
	d.logger.Log(LogLevelWarn, "dead_letter action=%s report=%s attempts=%d reason=%q", a.ID, a.ReportID, a.Attempts, reason)
	return nil
}

// failed records an unsuccessful attempt on a queued entry.
func (d *deliverer) failed(ctx context.Context, a model.PendingAction, callErr error) (model.PendingAction, error) {
	msg := callErr.Error()
	at := time.Now().UTC().Format(model.TimestampLayout)
	return d.queue.Update(ctx, a.ID, func(p *model.PendingAction) {
		p.Attempts++
		p.LastError = &msg
		p.LastAttemptAt = &at
	})
}

// authFailed tells the responder to sign in again. The entry stays queued.
func (d *deliverer) authFailed(a model.PendingAction, err error) {
	d.logger.Log(LogLevelWarn, "auth_rejected action=%s report=%s error=%v", a.ID, a.ReportID, err)
	if d.authNoticed.Swap(true) {
		return
	}
	d.notifier.Notify(model.NotificationAuthRequired, a.ReportID,
		fmt.Sprintf("The server rejected your session (%v). Sign in again; queued actions will be sent afterwards", err))
}

func (d *deliverer) exhausted(a model.PendingAction) bool {
	return d.maxAttempts > 0 && a.Attempts >= d.maxAttempts
}

func (d *deliverer) record(outcome events.Outcome, a model.PendingAction, err error) {
	if d.audit == nil {
		return
	}
	entry := events.AuditEntry{
		Timestamp:      time.Now().UTC(),
		Outcome:        outcome,
		ActionID:       a.ID,
		IdempotencyKey: a.IdempotencyKey,
		ReportID:       a.ReportID,
		Action:         string(a.Action),
		Attempts:       a.Attempts,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if rerr := d.audit.Record(entry); rerr != nil {
		d.logger.Log(LogLevelWarn, "audit_record error=%v", rerr)
	}
}
