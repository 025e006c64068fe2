package roadside

import (
	"strings"
	"time"
)

// IncidentStatus is the externally visible lifecycle state of an incident.
type IncidentStatus string

const (
	StatusCreated        IncidentStatus = "created"
	StatusVendorAssigned IncidentStatus = "vendor_assigned"
	StatusVendorEnRoute  IncidentStatus = "vendor_en_route"
	StatusVendorArrived  IncidentStatus = "vendor_arrived"
	StatusWorkInProgress IncidentStatus = "work_in_progress"
	StatusWorkCompleted  IncidentStatus = "work_completed"
	StatusPaymentPending IncidentStatus = "payment_pending"
	StatusClosed         IncidentStatus = "closed"
	StatusCancelled      IncidentStatus = "cancelled"
	StatusEscalated      IncidentStatus = "escalated"
	StatusError          IncidentStatus = "error"
)

// statusRank orders the forward progression. Terminal and reset states are
// handled explicitly in CanTransition.
var statusRank = map[IncidentStatus]int{
	StatusCreated:        0,
	StatusVendorAssigned: 1,
	StatusVendorEnRoute:  2,
	StatusVendorArrived:  3,
	StatusWorkInProgress: 4,
	StatusWorkCompleted:  5,
	StatusPaymentPending: 6,
	StatusClosed:         7,
}

// Known reports whether s is one of the defined lifecycle statuses.
func (s IncidentStatus) Known() bool {
	switch s {
	case StatusCreated, StatusVendorAssigned, StatusVendorEnRoute,
		StatusVendorArrived, StatusWorkInProgress, StatusWorkCompleted,
		StatusPaymentPending, StatusClosed, StatusCancelled,
		StatusEscalated, StatusError:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s IncidentStatus) Terminal() bool {
	switch s {
	case StatusClosed, StatusCancelled, StatusEscalated:
		return true
	}
	return false
}

// AtOrPast reports whether s has progressed at least as far as other on the
// forward path. Non-forward statuses never compare.
func (s IncidentStatus) AtOrPast(other IncidentStatus) bool {
	a, okA := statusRank[s]
	b, okB := statusRank[other]
	return okA && okB && a >= b
}

// CanTransition reports whether from -> to is a legal status change. Forward
// moves, the timeout-driven reset to created, and moves into cancelled,
// escalated, or error are legal; everything else is not.
func CanTransition(from, to IncidentStatus) bool {
	if from.Terminal() {
		return false
	}
	if !from.Known() || !to.Known() {
		return false
	}
	switch to {
	case StatusCancelled, StatusEscalated, StatusError:
		return true
	case StatusCreated:
		// Re-matching reset after a vendor timeout.
		return from != StatusCreated
	}
	a, okA := statusRank[from]
	b, okB := statusRank[to]
	if okA && okB {
		return b > a
	}
	// Recovery out of error back onto the forward path is dispatcher
	// territory, not the orchestrator's.
	return false
}

// IncidentType classifies the breakdown a driver reported.
type IncidentType string

const (
	TypeTire    IncidentType = "tire"
	TypeEngine  IncidentType = "engine"
	TypeTow     IncidentType = "tow"
	TypeBattery IncidentType = "battery"
	TypeLockout IncidentType = "lockout"
	TypeFuel    IncidentType = "fuel"
)

// Known reports whether t is one of the supported incident types.
func (t IncidentType) Known() bool {
	switch t {
	case TypeTire, TypeEngine, TypeTow, TypeBattery, TypeLockout, TypeFuel:
		return true
	}
	return false
}

// Location is where the driver broke down.
type Location struct {
	Lat     float64 `json:"lat" yaml:"lat"`
	Lon     float64 `json:"lon" yaml:"lon"`
	Address string  `json:"address,omitempty" yaml:"address,omitempty"`
}

// TimelineEntry is one append-only audit record of a status change.
type TimelineEntry struct {
	From      IncidentStatus `json:"from"`
	To        IncidentStatus `json:"to"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	Reason    string         `json:"reason,omitempty"`
}

// Incident is the aggregate root for one roadside-assistance request.
// All writers go through the record store's conditional update; Version is
// the optimistic-lock token.
type Incident struct {
	ID               string          `json:"id"`
	DriverID         string          `json:"driver_id"`
	Type             IncidentType    `json:"type"`
	Location         Location        `json:"location"`
	Status           IncidentStatus  `json:"status"`
	AssignedVendorID string          `json:"assigned_vendor_id,omitempty"`
	AssignedAt       *time.Time      `json:"assigned_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	EscalatedAt      *time.Time      `json:"escalated_at,omitempty"`
	CancelRequested  bool            `json:"cancel_requested,omitempty"`
	Attempt          int             `json:"attempt"`
	RadiusMiles      float64         `json:"radius_miles"`
	Timeline         []TimelineEntry `json:"timeline"`
	Version          int             `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// SetStatus moves the incident to a new status and appends the audit entry.
// Returns false when the change is not legal from the current status.
func (i *Incident) SetStatus(to IncidentStatus, at time.Time, actor, reason string) bool {
	if i == nil || !CanTransition(i.Status, to) {
		return false
	}
	i.Timeline = append(i.Timeline, TimelineEntry{
		From:      i.Status,
		To:        to,
		Timestamp: at.UTC(),
		Actor:     strings.TrimSpace(actor),
		Reason:    strings.TrimSpace(reason),
	})
	i.Status = to
	return true
}

// ClearVendor removes the current assignment ahead of a fresh matching round.
func (i *Incident) ClearVendor() {
	if i == nil {
		return
	}
	i.AssignedVendorID = ""
	i.AssignedAt = nil
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	cp := *i
	if i.AssignedAt != nil {
		t := *i.AssignedAt
		cp.AssignedAt = &t
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		cp.CompletedAt = &t
	}
	if i.EscalatedAt != nil {
		t := *i.EscalatedAt
		cp.EscalatedAt = &t
	}
	if len(i.Timeline) > 0 {
		cp.Timeline = make([]TimelineEntry, len(i.Timeline))
		copy(cp.Timeline, i.Timeline)
	}
	return &cp
}

// TransitionCount returns how many timeline entries moved from -> to. Used by
// duplicate-delivery checks and audit assertions.
func (i *Incident) TransitionCount(from, to IncidentStatus) int {
	if i == nil {
		return 0
	}
	n := 0
	for _, e := range i.Timeline {
		if e.From == from && e.To == to {
			n++
		}
	}
	return n
}
