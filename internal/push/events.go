// Package push is the websocket subscription to backend events.
package push

import (
	"encoding/json"
	"fmt"

	"github.com/msageha/fieldagent/internal/model"
)

// Event names on the wire.
const (
	TypeJoinResponder      = "join-responder"
	TypeNotifyOnTheWay     = "notify-on-the-way"
	TypeNotifyArrived      = "notify-arrived"
	TypeNotifyResponded    = "notify-responded"
	TypeResponderDeclined  = "responder-declined"
	TypeReportUpdated      = "report-updated"
	TypePublicAnnouncement = "public-announcement"
)

// Message is the envelope for every frame in both directions.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ActionNotice announces that some responder acted on a report.
type ActionNotice struct {
	ReportID      string        `json:"reportId"`
	ResponderID   string        `json:"responderId,omitempty"`
	ResponderName string        `json:"responderName"`
	ReportType    string        `json:"type"`
	ResidentName  string        `json:"residentName"`
	Report        *model.Report `json:"report,omitempty"`
}

type Announcement struct {
	Message string `json:"message"`
}

// Event is a decoded Message. Exactly one of Action, Report, Announcement is set.
type Event struct {
	Type         string
	ActionKind   model.ActionKind
	Action       *ActionNotice
	Report       *model.Report
	Announcement *Announcement
}

var actionTypes = map[string]model.ActionKind{
	TypeNotifyOnTheWay:    model.ActionOnTheWay,
	TypeNotifyArrived:     model.ActionArrived,
	TypeNotifyResponded:   model.ActionResponded,
	TypeResponderDeclined: model.ActionDeclined,
}

// ActionEventType returns the broadcast name for an action kind.
func ActionEventType(kind model.ActionKind) string {
	for t, k := range actionTypes {
		if k == kind {
			return t
		}
	}
	return ""
}

// Snapshot returns the report state carried by the event, if any.
func (e Event) Snapshot() (model.Report, bool) {
	switch {
	case e.Report != nil:
		return *e.Report, true
	case e.Action != nil && e.Action.Report != nil:
		return *e.Action.Report, true
	default:
		return model.Report{}, false
	}
}

// Decode parses a wire message. Unknown types are returned with no payload.
func Decode(msg Message) (Event, error) {
	ev := Event{Type: msg.Type}
	if kind, ok := actionTypes[msg.Type]; ok {
		var n ActionNotice
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			return ev, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		ev.ActionKind = kind
		ev.Action = &n
		return ev, nil
	}

	switch msg.Type {
	case TypeReportUpdated:
		var r model.Report
		if err := json.Unmarshal(msg.Data, &r); err != nil {
			return ev, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		if r.ID == "" {
			return ev, fmt.Errorf("decode %s: report without id", msg.Type)
		}
		ev.Report = &r
	case TypePublicAnnouncement:
		var a Announcement
		if err := json.Unmarshal(msg.Data, &a); err != nil {
			return ev, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		ev.Announcement = &a
	}
	return ev, nil
}

// Encode builds an envelope around data.
func Encode(eventType string, data any) (Message, error) {
	msg := Message{Type: eventType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return msg, fmt.Errorf("encode %s: %w", eventType, err)
		}
		msg.Data = raw
	}
	return msg, nil
}
