package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/msageha/fieldagent/internal/api"
	"github.com/msageha/fieldagent/internal/events"
	"github.com/msageha/fieldagent/internal/model"
)

type SubmitRequest struct {
	ReportID       string           `json:"report_id"`
	Action         model.ActionKind `json:"action"`
	ReportLabel    string           `json:"report_label,omitempty"`
	RecipientLabel string           `json:"recipient_label,omitempty"`
}

type SubmitResult struct {
	ActionID string `json:"action_id"`
	// Queued is true when the action waits in the pending queue for a drain.
	// Actions sent immediately are persisted too, but Queued stays false.
	Queued bool `json:"queued"`
	// Duplicate is true when an identical intent was already queued or in flight.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Submitter records a responder action. Every accepted action is persisted
// before Submit returns. Online, it is then sent on a background goroutine and
// removed on acknowledgement; on transient failure it simply stays queued.
// Offline, it waits for the drainer.
type Submitter struct {
	*deliverer
	maxPending int
	maxLabel   int
	baseCtx    context.Context
	onQueued   func()

	mu       sync.Mutex
	inflight map[string]string
	wg       sync.WaitGroup
}

func newSubmitter(baseCtx context.Context, d *deliverer, limits model.LimitsConfig, onQueued func()) *Submitter {
	return &Submitter{
		deliverer:  d,
		maxPending: limits.MaxPendingActions,
		maxLabel:   limits.MaxLabelBytes,
		baseCtx:    baseCtx,
		onQueued:   onQueued,
		inflight:   make(map[string]string),
	}
}

func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if err := s.validate(req); err != nil {
		return SubmitResult{}, err
	}
	if req.ReportLabel == "" {
		if rep, ok := s.reconciler.Report(req.ReportID); ok {
			req.ReportLabel = rep.Label()
		}
	}

	key := intentKey(req.ReportID, req.Action)
	var trigger bool
	// runs after mu is released
	defer func() {
		if trigger {
			s.onQueued()
		}
	}()
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.inflight[key]; ok {
		return SubmitResult{ActionID: id, Duplicate: true}, nil
	}
	if existing, ok := s.queue.FindIntent(req.ReportID, req.Action); ok {
		return SubmitResult{ActionID: existing.ID, Queued: true, Duplicate: true}, nil
	}
	if s.maxPending > 0 && s.queue.Len() >= s.maxPending {
		return SubmitResult{}, fmt.Errorf("%w (%d entries)", ErrBackpressure, s.maxPending)
	}

	a, err := model.NewPendingAction(req.ReportID, req.Action, req.ReportLabel, req.RecipientLabel, timeNow())
	if err != nil {
		return SubmitResult{}, fmt.Errorf("new pending action: %w", err)
	}

	// an earlier entry for the same report must go first
	if !s.conn.Online() || s.queue.HasLiveEntries(req.ReportID) {
		if err := s.enqueue(ctx, a); err != nil {
			return SubmitResult{}, err
		}
		trigger = s.conn.Online() && s.onQueued != nil
		return SubmitResult{ActionID: a.ID, Queued: true}, nil
	}

	// claimed before it is visible in the queue so no drain picks it up
	s.claim(a.ID)
	if _, err := s.queue.Enqueue(ctx, a); err != nil {
		s.release(a.ID)
		return SubmitResult{}, fmt.Errorf("queue action: %w", err)
	}
	s.inflight[key] = a.ID
	s.wg.Add(1)
	go s.sendNow(a, key)
	return SubmitResult{ActionID: a.ID}, nil
}

// Wait blocks until background sends have finished.
func (s *Submitter) Wait() {
	s.wg.Wait()
}

func (s *Submitter) validate(req SubmitRequest) error {
	if req.ReportID == "" {
		return fmt.Errorf("%w: report id is required", ErrInvalidAction)
	}
	if !req.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidAction, req.Action)
	}
	if s.maxLabel > 0 && (len(req.ReportLabel) > s.maxLabel || len(req.RecipientLabel) > s.maxLabel) {
		return fmt.Errorf("%w: label longer than %d bytes", ErrInvalidAction, s.maxLabel)
	}
	return nil
}

// sendNow delivers an entry that is already persisted and claimed.
func (s *Submitter) sendNow(a model.PendingAction, key string) {
	defer s.wg.Done()

	ctx := s.baseCtx
	persistCtx := context.WithoutCancel(ctx)

	updated, err := s.send(ctx, a)
	settled := false
	switch {
	case err == nil:
		if _, rerr := s.queue.Remove(persistCtx, a.ID); rerr != nil {
			// left queued: the drainer replays it under the same idempotency key
			s.logger.Log(LogLevelError, "remove_delivered action=%s error=%v", a.ID, rerr)
		}
		s.delivered(persistCtx, a, updated)
		settled = true
	case api.IsPermanent(err):
		settled = true
		if _, rerr := s.queue.Remove(persistCtx, a.ID); rerr != nil {
			s.logger.Log(LogLevelError, "remove_rejected action=%s error=%v", a.ID, rerr)
		}
		s.notifier.Dismiss(a.ReportID)
		s.notifier.Notify(model.NotificationActionFailed, a.ReportID,
			fmt.Sprintf("%s for %s was rejected: %v", actionTitle(a.Action), labelOf(a), err))
		s.record(events.OutcomeRejected, a, err)
		s.logger.Log(LogLevelWarn, "rejected action=%s report=%s kind=%s error=%v", a.ID, a.ReportID, a.Action, err)
	case ctx.Err() != nil:
		// shutting down: the entry stays queued for the next start
		s.logger.Log(LogLevelInfo, "send_interrupted action=%s report=%s", a.ID, a.ReportID)
	default:
		cur, uerr := s.failed(persistCtx, a, err)
		if uerr != nil {
			s.logger.Log(LogLevelError, "record_attempt action=%s error=%v", a.ID, uerr)
			cur = a
		}
		if api.IsAuth(err) {
			s.authFailed(cur, err)
		}
		s.announceQueued(cur)
	}

	s.release(a.ID)
	s.mu.Lock()
	delete(s.inflight, key)
	s.mu.Unlock()

	// entries submitted for this report during the send waited behind it
	if settled && s.conn.Online() && s.queue.HasLiveEntries(a.ReportID) && s.onQueued != nil {
		s.onQueued()
	}
}

func (s *Submitter) enqueue(ctx context.Context, a model.PendingAction) error {
	added, err := s.queue.Enqueue(ctx, a)
	if err != nil {
		return fmt.Errorf("queue action: %w", err)
	}
	if added {
		s.announceQueued(a)
	}
	return nil
}

func (s *Submitter) announceQueued(a model.PendingAction) {
	s.notifier.Progress(a.ReportID, queuedMessage(a))
	s.notifier.Notify(model.NotificationActionQueued, a.ReportID, queuedMessage(a))
	s.record(events.OutcomeQueued, a, lastError(a))
	s.bus.Publish(events.EventActionQueued, map[string]any{
		"action_id": a.ID, "report_id": a.ReportID, "action": string(a.Action),
	})
	s.logger.Log(LogLevelInfo, "queued action=%s report=%s kind=%s attempts=%d", a.ID, a.ReportID, a.Action, a.Attempts)
}

func intentKey(reportID string, kind model.ActionKind) string {
	return reportID + "/" + string(kind)
}

func lastError(a model.PendingAction) error {
	if a.LastError == nil {
		return nil
	}
	return errors.New(*a.LastError)
}
