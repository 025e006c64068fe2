package roadside

import (
	"strings"
	"time"

	"github.com/goliatone/go-errors"
)

// Event is the contract bus payloads must implement. Type is the routing key;
// Validate runs before any handler sees the payload.
type Event interface {
	Type() string
	Validate() error
}

// Bus topic names. Inbound topics are consumed by the orchestrator, outbound
// topics are published by it.
const (
	EventIncidentCreated   = "incident.created"
	EventIncidentCancelled = "incident.cancelled"
	EventOfferAccepted     = "incident.offer_accepted"
	EventWorkCompleted     = "incident.work_completed"
	EventPaymentApproved   = "incident.payment_approved"
	EventMatchRequested    = "incident.match_requested"
	EventVendorTimeout     = "incident.vendor_timeout"
	EventIncidentEscalated = "incident.escalated"
)

func requireField(event, field, value string) error {
	if strings.TrimSpace(value) != "" {
		return nil
	}
	return errors.New(field+" is required", errors.CategoryValidation).
		WithTextCode("EVENT_FIELD_MISSING").
		WithMetadata(map[string]any{"event": event, "field": field})
}

// IncidentCreated starts a new lifecycle execution. IsRetry marks the
// re-publication that follows a vendor timeout reset.
type IncidentCreated struct {
	IncidentID string       `json:"incident_id"`
	DriverID   string       `json:"driver_id"`
	Kind       IncidentType `json:"type"`
	Location   Location     `json:"location"`
	CreatedAt  time.Time    `json:"created_at"`
	IsRetry    bool         `json:"is_retry,omitempty"`
}

func (IncidentCreated) Type() string { return EventIncidentCreated }

func (e IncidentCreated) Validate() error {
	if err := requireField(EventIncidentCreated, "incident_id", e.IncidentID); err != nil {
		return err
	}
	if err := requireField(EventIncidentCreated, "driver_id", e.DriverID); err != nil {
		return err
	}
	if !e.Kind.Known() {
		return errors.New("unknown incident type", errors.CategoryValidation).
			WithTextCode("EVENT_BAD_TYPE").
			WithMetadata(map[string]any{"event": EventIncidentCreated, "type": string(e.Kind)})
	}
	return nil
}

// IncidentCancelled is the driver-initiated cancel request.
type IncidentCancelled struct {
	IncidentID  string    `json:"incident_id"`
	DriverID    string    `json:"driver_id"`
	RequestedAt time.Time `json:"requested_at"`
}

func (IncidentCancelled) Type() string { return EventIncidentCancelled }

func (e IncidentCancelled) Validate() error {
	return requireField(EventIncidentCancelled, "incident_id", e.IncidentID)
}

// OfferAccepted announces that the matcher wrote a vendor assignment. The
// orchestrator treats it purely as an early wake-up; the record store is the
// source of truth for the assignment itself.
type OfferAccepted struct {
	IncidentID string `json:"incident_id"`
	VendorID   string `json:"vendor_id"`
}

func (OfferAccepted) Type() string { return EventOfferAccepted }

func (e OfferAccepted) Validate() error {
	if err := requireField(EventOfferAccepted, "incident_id", e.IncidentID); err != nil {
		return err
	}
	return requireField(EventOfferAccepted, "vendor_id", e.VendorID)
}

// WorkCompleted resumes the work-completion wait token.
type WorkCompleted struct {
	IncidentID string `json:"incident_id"`
}

func (WorkCompleted) Type() string { return EventWorkCompleted }

func (e WorkCompleted) Validate() error {
	return requireField(EventWorkCompleted, "incident_id", e.IncidentID)
}

// PaymentApproved resumes the payment-approval wait token.
type PaymentApproved struct {
	IncidentID string `json:"incident_id"`
	PaymentID  string `json:"payment_id"`
}

func (PaymentApproved) Type() string { return EventPaymentApproved }

func (e PaymentApproved) Validate() error {
	if err := requireField(EventPaymentApproved, "incident_id", e.IncidentID); err != nil {
		return err
	}
	return requireField(EventPaymentApproved, "payment_id", e.PaymentID)
}

// MatchRequested asks the external matcher for a vendor inside RadiusMiles.
type MatchRequested struct {
	IncidentID  string       `json:"incident_id"`
	DriverID    string       `json:"driver_id"`
	Kind        IncidentType `json:"type"`
	Location    Location     `json:"location"`
	RadiusMiles float64      `json:"radius_miles"`
	Attempt     int          `json:"attempt"`
	RequestedAt time.Time    `json:"requested_at"`
}

func (MatchRequested) Type() string { return EventMatchRequested }

func (e MatchRequested) Validate() error {
	if err := requireField(EventMatchRequested, "incident_id", e.IncidentID); err != nil {
		return err
	}
	if e.Attempt < 1 {
		return errors.New("attempt must be >= 1", errors.CategoryValidation).
			WithTextCode("EVENT_BAD_ATTEMPT").
			WithMetadata(map[string]any{"event": EventMatchRequested, "attempt": e.Attempt})
	}
	if e.RadiusMiles <= 0 {
		return errors.New("radius must be positive", errors.CategoryValidation).
			WithTextCode("EVENT_BAD_RADIUS").
			WithMetadata(map[string]any{"event": EventMatchRequested, "radius_miles": e.RadiusMiles})
	}
	return nil
}

// TimeoutType distinguishes which wait a VendorTimeout refers to.
type TimeoutType string

const (
	TimeoutArrival  TimeoutType = "arrival"
	TimeoutResponse TimeoutType = "response"
)

// VendorTimeout records that an assigned vendor failed to progress in time.
type VendorTimeout struct {
	IncidentID     string      `json:"incident_id"`
	VendorID       string      `json:"vendor_id"`
	TimeoutType    TimeoutType `json:"timeout_type"`
	ElapsedMinutes int         `json:"elapsed_minutes"`
}

func (VendorTimeout) Type() string { return EventVendorTimeout }

func (e VendorTimeout) Validate() error {
	return requireField(EventVendorTimeout, "incident_id", e.IncidentID)
}

// IncidentEscalated hands the incident to a human dispatcher.
type IncidentEscalated struct {
	IncidentID                 string    `json:"incident_id"`
	Reason                     string    `json:"reason"`
	Attempts                   int       `json:"attempts"`
	EscalatedAt                time.Time `json:"escalated_at"`
	RequiresManualIntervention bool      `json:"requires_manual_intervention"`
}

func (IncidentEscalated) Type() string { return EventIncidentEscalated }

func (e IncidentEscalated) Validate() error {
	if err := requireField(EventIncidentEscalated, "incident_id", e.IncidentID); err != nil {
		return err
	}
	return requireField(EventIncidentEscalated, "reason", e.Reason)
}
