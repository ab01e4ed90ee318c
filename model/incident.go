package model

import (
	"errors"
	"fmt"
	"time"
)

// IncidentStatus is the lifecycle state of an Incident.
type IncidentStatus string

const (
	IncidentOpen          IncidentStatus = "open"
	IncidentInvestigating IncidentStatus = "investigating"
	IncidentResolved      IncidentStatus = "resolved"
	IncidentFalsePositive IncidentStatus = "false_positive"
)

func (s IncidentStatus) valid() bool {
	switch s {
	case IncidentOpen, IncidentInvestigating, IncidentResolved, IncidentFalsePositive:
		return true
	default:
		return false
	}
}

// validIncidentTransitions defines the allowed status transitions.
// Terminal states allow no further transitions: a new detection event
// whose correlation key matches a terminal incident opens a fresh one
// instead of reopening it.
var validIncidentTransitions = map[IncidentStatus][]IncidentStatus{
	IncidentOpen:          {IncidentInvestigating, IncidentResolved, IncidentFalsePositive},
	IncidentInvestigating: {IncidentResolved, IncidentFalsePositive},
	IncidentResolved:      {},
	IncidentFalsePositive: {},
}

// Incident groups related DetectionEvents under one lifecycle record.
type Incident struct {
	ID               string
	TenantID         string
	ProjectID        string
	RuleFamily       string
	Status           IncidentStatus
	Severity         Severity
	DetectionCount   int
	AffectedServices map[string]struct{}
	AssignedTo       string
	Notes            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ResolvedAt       *time.Time
}

// IsTerminal reports whether the incident is in a state that cannot
// accept further detection events or transitions.
func (i Incident) IsTerminal() bool {
	t, ok := validIncidentTransitions[i.Status]
	return ok && len(t) == 0
}

// TransitionTo validates and applies a status transition, returning an
// error if the transition is not allowed from the incident's current
// status.
func (i *Incident) TransitionTo(newStatus IncidentStatus, now time.Time) error {
	if !newStatus.valid() {
		return fmt.Errorf("invalid incident status: %s", newStatus)
	}
	allowed, ok := validIncidentTransitions[i.Status]
	if !ok {
		return fmt.Errorf("unknown current status: %s", i.Status)
	}
	found := false
	for _, s := range allowed {
		if s == newStatus {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid transition: %s -> %s", i.Status, newStatus)
	}
	i.Status = newStatus
	i.UpdatedAt = now
	if newStatus == IncidentResolved || newStatus == IncidentFalsePositive {
		i.ResolvedAt = &now
	}
	return nil
}

// AppendEvent folds a new DetectionEvent into an already-open incident:
// increments the detection count, unions the affected service set, and
// lifts severity to the max of the two.
func (i *Incident) AppendEvent(ev DetectionEvent, now time.Time) error {
	if i.IsTerminal() {
		return errors.New("cannot append a detection event to a terminal incident")
	}
	i.DetectionCount++
	if i.AffectedServices == nil {
		i.AffectedServices = make(map[string]struct{})
	}
	if ev.Service != "" {
		i.AffectedServices[ev.Service] = struct{}{}
	}
	i.Severity = MaxSeverity(i.Severity, ev.Severity)
	i.UpdatedAt = now
	return nil
}
