// Package agent keeps a field responder's actions flowing to the dispatch
// backend across connectivity loss: actions are persisted to a durable queue
// and drained once the backend is reachable again.
package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/fieldagent/internal/api"
	"github.com/msageha/fieldagent/internal/events"
	"github.com/msageha/fieldagent/internal/model"
	"github.com/msageha/fieldagent/internal/push"
	"github.com/msageha/fieldagent/internal/store"
)

// DeadLetterDirName is the archive of actions that will never be sent.
const DeadLetterDirName = "dead_letters"

var timeNow = time.Now

type Options struct {
	AgentDir string
	Config   model.Config
	Store    store.Store
	Backend  Backend
	Bus      *events.Bus
	// Audit is optional.
	Audit   *events.AuditLog
	Logger  *Logger
	Desktop DesktopSender
}

// Agent wires the queue, submitter, drainer, and reconciler around one store.
type Agent struct {
	cfg      model.Config
	agentDir string
	backend  Backend
	bus      *events.Bus
	ownBus   bool
	logger   *Logger

	queue         *Queue
	hidden        *HiddenSet
	notifications *NotificationCenter
	conn          *Connectivity
	reconciler    *Reconciler
	submitter     *Submitter
	drainer       *Drainer
	inbox         *Inbox
	deadLetters   *DeadLetterArchive

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	session model.Session
}

// New loads persisted state and returns an agent ready to submit and drain.
// ctx bounds loading only; background work runs until Close.
func New(ctx context.Context, opts Options) (*Agent, error) {
	if opts.Store == nil {
		return nil, errors.New("agent: store is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("agent: backend is required")
	}
	cfg := opts.Config
	cfg.ApplyDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = DiscardLogger()
	}
	bus := opts.Bus
	ownBus := false
	if bus == nil {
		bus = events.NewBus(0)
		ownBus = true
	}

	queue, err := LoadQueue(ctx, opts.Store)
	if err != nil {
		return nil, err
	}
	hidden, err := LoadHiddenSet(ctx, opts.Store)
	if err != nil {
		return nil, err
	}
	nc, err := NewNotificationCenter(ctx, opts.Store, cfg.Notifications.MaxEntries, opts.Desktop, logger)
	if err != nil {
		return nil, err
	}

	conn := NewConnectivity(opts.Backend, bus,
		time.Duration(cfg.Watcher.HealthIntervalSec)*time.Second,
		time.Duration(cfg.Watcher.HealthTimeoutSec)*time.Second, logger)
	reconciler := NewReconciler(cfg.Agent.ResponderID, queue, hidden, nc, bus, logger)

	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &Agent{
		cfg:           cfg,
		agentDir:      opts.AgentDir,
		backend:       opts.Backend,
		bus:           bus,
		ownBus:        ownBus,
		logger:        logger.With("agent"),
		queue:         queue,
		hidden:        hidden,
		notifications: nc,
		conn:          conn,
		reconciler:    reconciler,
		inbox:         NewInbox(opts.AgentDir),
		ctx:           baseCtx,
		cancel:        cancel,
	}
	a.deadLetters = NewDeadLetterArchive(filepath.Join(opts.AgentDir, DeadLetterDirName))

	d := &deliverer{
		backend:     opts.Backend,
		queue:       queue,
		reconciler:  reconciler,
		hidden:      hidden,
		notifier:    nc,
		conn:        conn,
		deadLetters: a.deadLetters,
		audit:       opts.Audit,
		bus:         bus,
		maxAttempts: cfg.Queue.MaxAttempts,
		logger:      logger.With("delivery"),
	}
	a.submitter = newSubmitter(baseCtx, d, cfg.Limits, func() { a.TriggerDrain("submit") })
	a.drainer = newDrainer(baseCtx, d, cfg.Queue.DrainConcurrency)

	// restore the "will be sent once online" indicators for what survived a restart
	for _, p := range queue.Snapshot() {
		if !p.IsSuperseded() {
			nc.Progress(p.ReportID, queuedMessage(p))
		}
	}

	a.unsubscribe = bus.Subscribe(events.EventConnectivityRestored, func(events.Event) {
		a.TriggerDrain("connectivity_restored")
	})

	a.logger.Log(LogLevelInfo, "agent_loaded pending=%d hidden=%d responder=%s",
		queue.Len(), len(hidden.IDs()), cfg.Agent.ResponderID)
	return a, nil
}

// Run drives the health probe and the poll ticker until ctx is done or the agent closes.
func (a *Agent) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-a.ctx.Done():
			stop()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.conn.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.pollLoop(gctx)
		return nil
	})
	return g.Wait()
}

func (a *Agent) pollLoop(ctx context.Context) {
	t := time.NewTicker(time.Duration(a.cfg.Watcher.PollIntervalSec) * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !a.conn.Online() {
				continue
			}
			if _, err := a.Poll(ctx); err != nil && ctx.Err() == nil {
				a.logger.Log(LogLevelWarn, "poll error=%v", err)
			}
		}
	}
}

// Submit records a responder action. It returns once the action is validated
// and either queued durably or handed to a background send.
func (a *Agent) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if a.isClosed() {
		return SubmitResult{}, ErrClosed
	}
	return a.submitter.Submit(ctx, req)
}

// Drain replays the pending queue now. When the backend was last seen
// unreachable it is probed first; ErrOffline means nothing was attempted.
func (a *Agent) Drain(ctx context.Context, reason string) (DrainResult, error) {
	if a.isClosed() {
		return DrainResult{}, ErrClosed
	}
	if !a.conn.Online() && a.conn.Check(ctx) != ConnOnline {
		return DrainResult{Remaining: a.queue.Len()}, ErrOffline
	}

	// the pass outlives an impatient caller; Close still waits for it
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return DrainResult{}, ErrClosed
	}
	a.wg.Add(1)
	a.mu.Unlock()

	type outcome struct {
		res DrainResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer a.wg.Done()
		res, err := a.drainer.Drain(a.ctx, reason)
		done <- outcome{res, err}
	}()
	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return DrainResult{Remaining: a.queue.Len()}, ctx.Err()
	}
}

// TriggerDrain starts a drain in the background. Overlapping triggers coalesce.
func (a *Agent) TriggerDrain(reason string) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		if a.queue.Len() == 0 {
			return
		}
		if !a.conn.Online() {
			a.logger.Log(LogLevelDebug, "drain_skipped reason=%s state=%s", reason, a.conn.State())
			return
		}
		if _, err := a.drainer.Drain(a.ctx, reason); err != nil && a.ctx.Err() == nil {
			a.logger.Log(LogLevelWarn, "drain reason=%s error=%v", reason, err)
		}
	}()
}

// Poll fetches the complete report listing and reconciles it.
func (a *Agent) Poll(ctx context.Context) (ApplyResult, error) {
	reports, err := a.backend.ListReports(ctx)
	if err != nil {
		if api.IsTransient(err) && ctx.Err() == nil {
			a.conn.MarkOffline(err.Error())
		}
		return ApplyResult{}, fmt.Errorf("list reports: %w", err)
	}
	res := a.reconciler.Apply(ctx, reports, SourcePoll)
	if len(res.Superseded) > 0 {
		a.TriggerDrain("superseded")
	}
	return res, nil
}

// HandlePush folds one websocket event into local state and tells the
// responder about other responders' actions and announcements.
func (a *Agent) HandlePush(ctx context.Context, ev push.Event) {
	if snap, ok := ev.Snapshot(); ok {
		res := a.reconciler.Apply(ctx, []model.Report{snap}, SourcePush)
		if len(res.Superseded) > 0 {
			a.TriggerDrain("superseded")
		}
	}

	switch {
	case ev.Action != nil:
		n := ev.Action
		if a.isSelf(n) {
			return
		}
		a.notifications.Notify(model.NotificationPeerAction, n.ReportID,
			PeerActionMessage(ev.ActionKind, n.ResponderName, n.ReportType, n.ResidentName))
	case ev.Announcement != nil:
		a.notifications.Notify(model.NotificationAnnouncement, "", AnnouncementMessage(ev.Announcement.Message))
	}
}

func (a *Agent) isSelf(n *push.ActionNotice) bool {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	id := a.responderID()
	if n.ResponderID != "" {
		return n.ResponderID == id
	}
	return session.Username != "" && n.ResponderName == session.DisplayName()
}

// SetSession adopts the backend's view of who this responder is.
func (a *Agent) SetSession(s model.Session) {
	a.mu.Lock()
	a.session = s
	if s.ID != "" {
		a.cfg.Agent.ResponderID = s.ID
	}
	a.mu.Unlock()
	if s.ID != "" {
		a.reconciler.SetResponderID(s.ID)
	}
	a.logger.Log(LogLevelInfo, "session responder=%s username=%s", s.ID, s.Username)
}

func (a *Agent) Session() model.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *Agent) responderID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Agent.ResponderID
}

// IngestInbox moves intents dropped by the CLI into the pending queue.
// A file is deleted only after its action is persisted; unreadable files are quarantined.
func (a *Agent) IngestInbox(ctx context.Context) (int, error) {
	paths, err := a.inbox.Pending()
	if err != nil {
		return 0, err
	}
	ingested := 0
	for _, path := range paths {
		if ctx.Err() != nil {
			return ingested, ctx.Err()
		}
		act, err := a.inbox.Read(path)
		if err != nil {
			dest, qerr := a.inbox.Quarantine(path)
			a.logger.Log(LogLevelWarn, "inbox_invalid file=%s quarantined=%s error=%v quarantine_error=%v",
				filepath.Base(path), dest, err, qerr)
			continue
		}

		_, byID := a.queue.Get(act.ID)
		_, byIntent := a.queue.FindIntent(act.ReportID, act.Action)
		if !byID && !byIntent {
			if err := a.submitter.enqueue(ctx, act); err != nil {
				// leave the file for the next scan
				return ingested, err
			}
			ingested++
		} else {
			a.logger.Log(LogLevelDebug, "inbox_duplicate action=%s report=%s", act.ID, act.ReportID)
		}
		if err := a.inbox.Remove(path); err != nil {
			a.logger.Log(LogLevelWarn, "inbox_remove file=%s error=%v", filepath.Base(path), err)
		}
	}
	if ingested > 0 {
		a.logger.Log(LogLevelInfo, "inbox_ingested count=%d", ingested)
		a.TriggerDrain("inbox")
	}
	return ingested, nil
}

// Status is a point-in-time view of the agent for the status command.
type Status struct {
	Connectivity  ConnectivityStatus    `json:"connectivity"`
	ResponderID   string                `json:"responder_id"`
	Pending       []model.PendingAction `json:"pending"`
	Progress      []ProgressEntry       `json:"progress"`
	Derived       DerivedSets           `json:"derived"`
	ActiveReports []model.Report        `json:"active_reports"`
	Hidden        []string              `json:"hidden"`
	DeadLetters   int                   `json:"dead_letters"`
	HasNew        bool                  `json:"has_new"`
	LastDrain     DrainResult           `json:"last_drain"`
}

func (a *Agent) Status() Status {
	dls, err := a.deadLetters.List()
	if err != nil {
		a.logger.Log(LogLevelWarn, "list_dead_letters error=%v", err)
	}
	return Status{
		Connectivity:  a.conn.Status(),
		ResponderID:   a.responderID(),
		Pending:       a.queue.Snapshot(),
		Progress:      a.notifications.ProgressEntries(),
		Derived:       a.reconciler.Derived(),
		ActiveReports: a.reconciler.ActiveReports(),
		Hidden:        a.hidden.IDs(),
		DeadLetters:   len(dls),
		HasNew:        a.notifications.History().HasNew,
		LastDrain:     a.drainer.LastResult(),
	}
}

// Notifications returns the history and marks it seen.
func (a *Agent) Notifications(ctx context.Context) (model.NotificationLog, error) {
	log := a.notifications.History()
	if err := a.notifications.MarkSeen(ctx); err != nil {
		return log, fmt.Errorf("mark notifications seen: %w", err)
	}
	return log, nil
}

func (a *Agent) ClearNotifications(ctx context.Context) error {
	return a.notifications.Clear(ctx)
}

func (a *Agent) Connectivity() *Connectivity { return a.conn }

func (a *Agent) Inbox() *Inbox { return a.inbox }

func (a *Agent) DeadLetters() ([]model.DeadLetter, error) { return a.deadLetters.List() }

// Close stops background work and waits for in-flight sends and drains.
// The queue is already durable; nothing is flushed here.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.unsubscribe()
	a.cancel()
	a.submitter.Wait()
	a.wg.Wait()
	if a.ownBus {
		a.bus.Close()
	}
	a.logger.Log(LogLevelInfo, "agent_closed pending=%d", a.queue.Len())
}

// Wait blocks until background sends and drains finish without stopping the agent.
func (a *Agent) Wait() {
	a.submitter.Wait()
	// holding mu keeps TriggerDrain from adding to wg mid-Wait
	a.mu.Lock()
	defer a.mu.Unlock()
	a.wg.Wait()
}

func (a *Agent) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}
