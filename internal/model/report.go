package model

import (
	"strings"
	"time"
)

// Report mirrors the backend's report document. JSON tags follow the backend wire format.
type Report struct {
	ID               string            `json:"_id" yaml:"id"`
	Type             string            `json:"type" yaml:"type"`
	Description      string            `json:"description" yaml:"description"`
	FirstName        string            `json:"firstName" yaml:"first_name"`
	LastName         string            `json:"lastName" yaml:"last_name"`
	Age              *int              `json:"age,omitempty" yaml:"age,omitempty"`
	ContactNumber    string            `json:"contactNumber,omitempty" yaml:"contact_number,omitempty"`
	Status           ReportStatus      `json:"status" yaml:"status"`
	ResponderActions []ResponderAction `json:"responderActions" yaml:"responder_actions"`
	CreatedAt        time.Time         `json:"createdAt" yaml:"created_at"`
	UpdatedAt        time.Time         `json:"updatedAt" yaml:"updated_at"`
}

type ResponderAction struct {
	ResponderID   string     `json:"responderId" yaml:"responder_id"`
	ResponderName string     `json:"responderName,omitempty" yaml:"responder_name,omitempty"`
	Action        ActionKind `json:"action" yaml:"action"`
	Timestamp     time.Time  `json:"timestamp" yaml:"timestamp"`
}

var knownReportTypes = map[string]bool{
	"Fire":    true,
	"Medical": true,
	"Crime":   true,
	"Flood":   true,
	"Other":   true,
}

// NormalizeReportType maps unknown incident types to "Other".
func NormalizeReportType(t string) string {
	if knownReportTypes[t] {
		return t
	}
	return "Other"
}

func (r Report) ReporterName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// Label is the short human description used in progress and completion messages.
func (r Report) Label() string {
	name := r.ReporterName()
	if name == "" {
		return NormalizeReportType(r.Type) + " report"
	}
	return NormalizeReportType(r.Type) + " report of " + name
}

// HasAction reports whether the responder has a confirmed action of the given kind.
func (r Report) HasAction(responderID string, kind ActionKind) bool {
	for _, a := range r.ResponderActions {
		if a.ResponderID == responderID && a.Action == kind {
			return true
		}
	}
	return false
}

// NewerThan reports whether r carries a strictly later server timestamp than other.
func (r Report) NewerThan(other Report) bool {
	return r.UpdatedAt.After(other.UpdatedAt)
}

// Session is the authenticated responder identity returned by the backend.
type Session struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      string `json:"role"`
}

func (s Session) DisplayName() string {
	name := strings.TrimSpace(s.FirstName + " " + s.LastName)
	if name == "" {
		return s.Username
	}
	return name
}
