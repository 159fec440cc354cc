package model

type NotificationKind string

const (
	NotificationNewReport       NotificationKind = "new_report"
	NotificationActionQueued    NotificationKind = "action_queued"
	NotificationActionDelivered NotificationKind = "action_delivered"
	NotificationActionFailed    NotificationKind = "action_failed"
	NotificationActionDropped   NotificationKind = "action_dropped"
	NotificationPeerAction      NotificationKind = "peer_action"
	NotificationAnnouncement    NotificationKind = "announcement"
	NotificationConnectivity    NotificationKind = "connectivity"
	NotificationAuthRequired    NotificationKind = "auth_required"
)

type NotificationLog struct {
	SchemaVersion int            `yaml:"schema_version" json:"schema_version"`
	FileType      string         `yaml:"file_type" json:"file_type"`
	HasNew        bool           `yaml:"has_new" json:"has_new"`
	Notifications []Notification `yaml:"notifications" json:"notifications"`
}

type Notification struct {
	ID        string           `yaml:"id" json:"id"`
	Kind      NotificationKind `yaml:"kind" json:"kind"`
	ReportID  string           `yaml:"report_id,omitempty" json:"report_id,omitempty"`
	Message   string           `yaml:"message" json:"message"`
	CreatedAt string           `yaml:"created_at" json:"created_at"`
}

func NewNotificationLog() NotificationLog {
	return NotificationLog{
		SchemaVersion: CurrentSchemaVersion,
		FileType:      FileTypeNotifications,
		Notifications: []Notification{},
	}
}

// Prepend adds n as the newest entry and trims the log to maxEntries.
func (l *NotificationLog) Prepend(n Notification, maxEntries int) {
	l.Notifications = append([]Notification{n}, l.Notifications...)
	if maxEntries > 0 && len(l.Notifications) > maxEntries {
		l.Notifications = l.Notifications[:maxEntries]
	}
	l.HasNew = true
}

func (l *NotificationLog) Clear() {
	l.Notifications = []Notification{}
	l.HasNew = false
}

type HiddenReports struct {
	SchemaVersion int      `yaml:"schema_version"`
	FileType      string   `yaml:"file_type"`
	ReportIDs     []string `yaml:"report_ids"`
}

func NewHiddenReports(ids []string) HiddenReports {
	if ids == nil {
		ids = []string{}
	}
	return HiddenReports{
		SchemaVersion: CurrentSchemaVersion,
		FileType:      FileTypeHiddenReports,
		ReportIDs:     ids,
	}
}
