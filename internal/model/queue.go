package model

import "time"

const (
	FileTypePendingQueue  = "queue_pending_action"
	FileTypeNotifications = "state_notifications"
	FileTypeHiddenReports = "state_hidden_reports"
	FileTypeDeadLetter    = "dead_letter_action"
	FileTypeInboxAction   = "inbox_action"
	CurrentSchemaVersion  = 1
	TimestampLayout       = time.RFC3339Nano
)

type PendingQueue struct {
	SchemaVersion int             `yaml:"schema_version"`
	FileType      string          `yaml:"file_type"`
	Actions       []PendingAction `yaml:"actions"`
}

// PendingAction is a locally queued, not-yet-acknowledged status transition.
type PendingAction struct {
	ID             string     `yaml:"id" json:"id"`
	IdempotencyKey string     `yaml:"idempotency_key" json:"idempotency_key"`
	ReportID       string     `yaml:"report_id" json:"report_id"`
	Action         ActionKind `yaml:"action" json:"action"`
	ReportLabel    string     `yaml:"report_label" json:"report_label"`
	RecipientLabel string     `yaml:"recipient_label" json:"recipient_label"`
	EnqueuedAt     string     `yaml:"enqueued_at" json:"enqueued_at"`
	Attempts       int        `yaml:"attempts" json:"attempts"`
	LastError      *string    `yaml:"last_error" json:"last_error,omitempty"`
	LastAttemptAt  *string    `yaml:"last_attempt_at" json:"last_attempt_at,omitempty"`
	SupersededAt   *string    `yaml:"superseded_at" json:"superseded_at,omitempty"`
}

func NewPendingQueue(actions []PendingAction) PendingQueue {
	if actions == nil {
		actions = []PendingAction{}
	}
	return PendingQueue{
		SchemaVersion: CurrentSchemaVersion,
		FileType:      FileTypePendingQueue,
		Actions:       actions,
	}
}

// NewPendingAction builds a fresh queue entry with its own ID and idempotency key.
func NewPendingAction(reportID string, action ActionKind, reportLabel, recipientLabel string, now time.Time) (PendingAction, error) {
	id, err := GenerateID(IDTypeAction)
	if err != nil {
		return PendingAction{}, err
	}
	return PendingAction{
		ID:             id,
		IdempotencyKey: NewIdempotencyKey(),
		ReportID:       reportID,
		Action:         action,
		ReportLabel:    reportLabel,
		RecipientLabel: recipientLabel,
		EnqueuedAt:     now.UTC().Format(TimestampLayout),
	}, nil
}

func (p PendingAction) EnqueuedTime() time.Time {
	t, err := time.Parse(TimestampLayout, p.EnqueuedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (p PendingAction) IsSuperseded() bool {
	return p.SupersededAt != nil
}

// DeadLetter archives an action that will never be delivered.
type DeadLetter struct {
	SchemaVersion  int           `yaml:"schema_version" json:"-"`
	FileType       string        `yaml:"file_type" json:"-"`
	ID             string        `yaml:"id" json:"id"`
	Action         PendingAction `yaml:"action" json:"action"`
	Reason         string        `yaml:"reason" json:"reason"`
	DeadLetteredAt string        `yaml:"dead_lettered_at" json:"dead_lettered_at"`
}

// InboxAction is an intent dropped by the CLI while the daemon is not running.
type InboxAction struct {
	SchemaVersion int           `yaml:"schema_version"`
	FileType      string        `yaml:"file_type"`
	Action        PendingAction `yaml:"action"`
}
