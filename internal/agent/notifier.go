package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/msageha/fieldagent/internal/model"
	"github.com/msageha/fieldagent/internal/store"
)

// Notifier is how the agent tells the responder what happened to their actions.
// Progress entries stay until dismissed; notifications go to the history log.
type Notifier interface {
	Progress(reportID, message string)
	Dismiss(reportID string)
	Notify(kind model.NotificationKind, reportID, message string)
}

// ProgressEntry is a sticky "will be sent once online" indicator for one report.
type ProgressEntry struct {
	ReportID string    `json:"report_id"`
	Message  string    `json:"message"`
	Since    time.Time `json:"since"`
}

// DesktopSender raises an OS-level notification.
type DesktopSender func(title, message string) error

// NotificationCenter is the default Notifier: it keeps progress in memory and
// persists the notification history through the store.
type NotificationCenter struct {
	store      store.Store
	maxEntries int
	desktop    DesktopSender
	logger     *Logger

	mu       sync.Mutex
	history  model.NotificationLog
	progress map[string]ProgressEntry
}

func NewNotificationCenter(ctx context.Context, st store.Store, maxEntries int, desktop DesktopSender, logger *Logger) (*NotificationCenter, error) {
	history, err := st.LoadNotifications(ctx)
	if err != nil {
		return nil, fmt.Errorf("load notifications: %w", err)
	}
	return &NotificationCenter{
		store:      st,
		maxEntries: maxEntries,
		desktop:    desktop,
		logger:     logger.With("notifier"),
		history:    history,
		progress:   make(map[string]ProgressEntry),
	}, nil
}

func (n *NotificationCenter) Progress(reportID, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.progress[reportID]; ok && cur.Message == message {
		return
	}
	n.progress[reportID] = ProgressEntry{ReportID: reportID, Message: message, Since: time.Now().UTC()}
	n.logger.Log(LogLevelDebug, "progress report=%s message=%q", reportID, message)
}

func (n *NotificationCenter) Dismiss(reportID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.progress[reportID]; ok {
		delete(n.progress, reportID)
		n.logger.Log(LogLevelDebug, "progress_dismissed report=%s", reportID)
	}
}

func (n *NotificationCenter) Notify(kind model.NotificationKind, reportID, message string) {
	id, err := model.GenerateID(model.IDTypeNotification)
	if err != nil {
		n.logger.Log(LogLevelError, "notification_id error=%v", err)
		return
	}
	entry := model.Notification{
		ID:        id,
		Kind:      kind,
		ReportID:  reportID,
		Message:   message,
		CreatedAt: time.Now().UTC().Format(model.TimestampLayout),
	}

	n.mu.Lock()
	n.history.Prepend(entry, n.maxEntries)
	snapshot := n.copyHistoryLocked()
	n.mu.Unlock()

	n.logger.Log(LogLevelInfo, "notify kind=%s report=%s message=%q", kind, reportID, message)
	n.persist(snapshot)

	if n.desktop != nil && desktopWorthy(kind) {
		if err := n.desktop("fieldagent", message); err != nil {
			n.logger.Log(LogLevelDebug, "desktop_notify error=%v", err)
		}
	}
}

// History returns the notification log, newest first.
func (n *NotificationCenter) History() model.NotificationLog {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.copyHistoryLocked()
}

// Clear empties the history and resets the has_new flag.
func (n *NotificationCenter) Clear(ctx context.Context) error {
	n.mu.Lock()
	n.history.Clear()
	snapshot := n.copyHistoryLocked()
	n.mu.Unlock()
	return n.store.SaveNotifications(ctx, snapshot)
}

// MarkSeen resets has_new without dropping entries.
func (n *NotificationCenter) MarkSeen(ctx context.Context) error {
	n.mu.Lock()
	if !n.history.HasNew {
		n.mu.Unlock()
		return nil
	}
	n.history.HasNew = false
	snapshot := n.copyHistoryLocked()
	n.mu.Unlock()
	return n.store.SaveNotifications(ctx, snapshot)
}

// ProgressEntries returns the active progress indicators ordered by report ID.
func (n *NotificationCenter) ProgressEntries() []ProgressEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]ProgressEntry, 0, len(n.progress))
	for _, p := range n.progress {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReportID < out[j].ReportID })
	return out
}

func (n *NotificationCenter) copyHistoryLocked() model.NotificationLog {
	out := n.history
	out.Notifications = append([]model.Notification{}, n.history.Notifications...)
	return out
}

func (n *NotificationCenter) persist(snapshot model.NotificationLog) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.store.SaveNotifications(ctx, snapshot); err != nil {
		n.logger.Log(LogLevelError, "persist_notifications error=%v", err)
	}
}

func desktopWorthy(kind model.NotificationKind) bool {
	switch kind {
	case model.NotificationNewReport, model.NotificationPeerAction,
		model.NotificationAnnouncement, model.NotificationActionFailed:
		return true
	}
	return false
}

func actionTitle(kind model.ActionKind) string {
	switch kind {
	case model.ActionOnTheWay:
		return "On the way"
	case model.ActionArrived:
		return "Arrived"
	case model.ActionResponded:
		return "Responded"
	case model.ActionDeclined:
		return "Declined"
	default:
		return string(kind)
	}
}

// PeerActionMessage renders another responder's action as shown in the notification history.
func PeerActionMessage(kind model.ActionKind, responder, reportType, resident string) string {
	reportType = model.NormalizeReportType(reportType)
	switch kind {
	case model.ActionDeclined:
		return fmt.Sprintf("%s declined the %s report of %s", responder, reportType, resident)
	case model.ActionOnTheWay:
		return fmt.Sprintf("%s is on its way to the %s report of %s", responder, reportType, resident)
	case model.ActionArrived:
		return fmt.Sprintf("%s has arrived at the %s report of %s", responder, reportType, resident)
	case model.ActionResponded:
		return fmt.Sprintf("%s has responded to the %s report of %s", responder, reportType, resident)
	default:
		return fmt.Sprintf("%s updated the %s report of %s", responder, reportType, resident)
	}
}

func AnnouncementMessage(message string) string {
	return "ANNOUNCEMENT: " + message
}

func NewReportMessage(r model.Report) string {
	name := r.ReporterName()
	if name == "" {
		name = "an unnamed reporter"
	}
	return fmt.Sprintf("New %s report from %s", model.NormalizeReportType(r.Type), name)
}

func queuedMessage(a model.PendingAction) string {
	return fmt.Sprintf("%s for %s will be sent once online", actionTitle(a.Action), labelOf(a))
}

func deliveredMessage(a model.PendingAction) string {
	return fmt.Sprintf("%s sent for %s", actionTitle(a.Action), labelOf(a))
}

func labelOf(a model.PendingAction) string {
	if a.ReportLabel != "" {
		return a.ReportLabel
	}
	return "report " + a.ReportID
}
