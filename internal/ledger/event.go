package ledger

import (
	"errors"
	"fmt"
)

// Environment is the deployment environment an event was recorded in.
type Environment string

const (
	Production Environment = "production"
	Sandbox    Environment = "sandbox"
)

// Valid reports whether e is a known environment.
func (e Environment) Valid() bool {
	return e == Production || e == Sandbox
}

// Severity classifies how security-relevant an event is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// EventType is the closed taxonomy of auditable event categories.
type EventType string

const (
	TypeAuthentication   EventType = "authentication"
	TypePolicyChange     EventType = "policy_change"
	TypeSupportLifecycle EventType = "support_lifecycle"
	TypeExportLifecycle  EventType = "export_lifecycle"
	TypeAttestation      EventType = "attestation"
	TypeKeyLifecycle     EventType = "key_lifecycle"
	TypeDualControl      EventType = "dual_control"
	TypeRetention        EventType = "retention"
)

// Valid reports whether t belongs to the taxonomy.
func (t EventType) Valid() bool {
	switch t {
	case TypeAuthentication, TypePolicyChange, TypeSupportLifecycle,
		TypeExportLifecycle, TypeAttestation, TypeKeyLifecycle,
		TypeDualControl, TypeRetention:
		return true
	}
	return false
}

// Event is a single audit record. Events are immutable once appended —
// corrections are new events referencing the original by target id.
//
// Seq is the monotonically assigned identifier; the ledger fills Seq and
// Timestamp on append.
type Event struct {
	Seq         uint64         `json:"seq"`
	Timestamp   string         `json:"ts"`
	Environment Environment    `json:"env"`
	Severity    Severity       `json:"severity"`
	Actor       string         `json:"actor"`
	ActorRole   string         `json:"actor_role,omitempty"`
	IPAddress   string         `json:"ip,omitempty"`
	Device      string         `json:"device,omitempty"`
	Module      string         `json:"module,omitempty"`
	Type        EventType      `json:"event_type"`
	TargetType  string         `json:"target_type,omitempty"`
	TargetID    string         `json:"target_id,omitempty"`
	Summary     string         `json:"summary"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Before      map[string]any `json:"before,omitempty"`
	After       map[string]any `json:"after,omitempty"`
}

// ErrValidation wraps all malformed-input rejections. Validation happens
// before any mutation — an invalid event leaves the ledger untouched.
var ErrValidation = errors.New("validation")

// validate checks the required fields of an event prior to append.
func validate(e *Event) error {
	if !e.Environment.Valid() {
		return fmt.Errorf("%w: unknown environment %q", ErrValidation, e.Environment)
	}
	if !e.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrValidation, e.Severity)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrValidation, e.Type)
	}
	if e.Actor == "" {
		return fmt.Errorf("%w: actor is required", ErrValidation)
	}
	if e.Summary == "" {
		return fmt.Errorf("%w: summary is required", ErrValidation)
	}
	return nil
}
