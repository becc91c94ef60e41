package models

import (
	"encoding/json"
	"time"
)

// EventType names what happened, as "<entity>.<verb>".
type EventType string

const (
	EventTypeChangeCreated      EventType = "change.created"
	EventTypeChangeApproved     EventType = "change.approved"
	EventTypeChangeAutoApproved EventType = "change.auto_approved"
	EventTypeChangeRejected     EventType = "change.rejected"
	EventTypeChangeApplied      EventType = "change.applied"
	EventTypeChangeFailed       EventType = "change.failed"
	EventTypeChangeCancelled    EventType = "change.cancelled"

	EventTypeApprovalDecided EventType = "approval.decided"

	EventTypeGraphImported EventType = "graph.imported"

	EventTypePolicyReloaded EventType = "policy.reloaded"

	EventTypeError   EventType = "error"
	EventTypeWarning EventType = "warning"
)

// EntityType is the kind of record an event's EntityID refers to.
type EntityType string

const (
	EntityTypeChangeRequest EntityType = "change_request"
	EntityTypeDevice        EntityType = "device"
	EntityTypePolicy        EntityType = "policy"
	EntityTypeSystem        EntityType = "system"
)

// Event metadata keys set by the services that publish events.
const (
	EventMetaDevice      = "device_id"
	EventMetaRequestedBy = "requested_by"
)

// Event records one state change. Events are published in-process after
// the change commits and appended to the event log.
type Event struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Type       EventType         `json:"type"`
	EntityType EntityType        `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// DeviceID returns the device the event concerns, or "" when it concerns
// none. Device events name it as their entity; others carry it in
// metadata.
func (e *Event) DeviceID() string {
	if id := e.Metadata[EventMetaDevice]; id != "" {
		return id
	}
	if e.EntityType == EntityTypeDevice {
		return e.EntityID
	}
	return ""
}

// ChangeEventPayload is the payload for change.* events.
type ChangeEventPayload struct {
	Status      ChangeStatus `json:"status"`
	RiskLevel   RiskLevel    `json:"risk_level"`
	DeviceID    string       `json:"device_id"`
	FilePath    string       `json:"file_path"`
	PerformedBy string       `json:"performed_by,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}

// ErrorPayload is the payload of error and warning events.
type ErrorPayload struct {
	Error   string `json:"error"`
	Context string `json:"context,omitempty"`
}
