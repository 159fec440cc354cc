package model

import "fmt"

type ReportStatus string

const (
	ReportStatusPending   ReportStatus = "pending"
	ReportStatusOnTheWay  ReportStatus = "on_the_way"
	ReportStatusArrived   ReportStatus = "arrived"
	ReportStatusResponded ReportStatus = "responded"
	ReportStatusDeclined  ReportStatus = "declined"
)

type ActionKind string

const (
	ActionOnTheWay  ActionKind = "on_the_way"
	ActionArrived   ActionKind = "arrived"
	ActionResponded ActionKind = "responded"
	ActionDeclined  ActionKind = "declined"
)

var validActionKinds = map[ActionKind]bool{
	ActionOnTheWay:  true,
	ActionArrived:   true,
	ActionResponded: true,
	ActionDeclined:  true,
}

var terminalReportStatuses = map[ReportStatus]bool{
	ReportStatusResponded: true,
	ReportStatusDeclined:  true,
}

// Report lifecycle: pending → on_the_way → arrived → responded, decline from any non-terminal state.
// Steps may be skipped (a responder can mark responded without reporting arrival).
var validReportTransitions = map[ReportStatus]map[ReportStatus]bool{
	ReportStatusPending: {
		ReportStatusOnTheWay:  true,
		ReportStatusArrived:   true,
		ReportStatusResponded: true,
		ReportStatusDeclined:  true,
	},
	ReportStatusOnTheWay: {
		ReportStatusArrived:   true,
		ReportStatusResponded: true,
		ReportStatusDeclined:  true,
	},
	ReportStatusArrived: {
		ReportStatusResponded: true,
		ReportStatusDeclined:  true,
	},
}

var actionTargetStatus = map[ActionKind]ReportStatus{
	ActionOnTheWay:  ReportStatusOnTheWay,
	ActionArrived:   ReportStatusArrived,
	ActionResponded: ReportStatusResponded,
	ActionDeclined:  ReportStatusDeclined,
}

func ParseActionKind(s string) (ActionKind, error) {
	k := ActionKind(s)
	if !validActionKinds[k] {
		return "", fmt.Errorf("unknown action %q, must be on_the_way|arrived|responded|declined", s)
	}
	return k, nil
}

func (k ActionKind) Valid() bool {
	return validActionKinds[k]
}

// TargetStatus is the report status the backend moves to once the action is applied.
func (k ActionKind) TargetStatus() ReportStatus {
	return actionTargetStatus[k]
}

// HidesReport reports whether the action removes the report from this responder's active list.
func (k ActionKind) HidesReport() bool {
	return k == ActionResponded || k == ActionDeclined
}

func IsTerminal(s ReportStatus) bool {
	return terminalReportStatuses[s]
}

func ValidateReportTransition(from, to ReportStatus) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validReportTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid report transition: %q → %q", from, to)
	}
	return nil
}
