package workflow

import (
	"errors"
	"fmt"

	"github.com/tOgg1/changegate/internal/models"
)

// Workflow errors.
var (
	ErrRequestNotFound   = errors.New("change request not found")
	ErrDeviceNotFound    = errors.New("device not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrPendingLimit      = errors.New("pending request limit reached")
)

// ConflictError reports an operation the request's current status does not
// allow.
type ConflictError struct {
	RequestID string
	Action    string
	Status    models.ChangeStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot %s change request %s in status %s", e.Action, e.RequestID, e.Status)
}

func (e *ConflictError) Unwrap() error {
	return ErrInvalidTransition
}

// CapacityError reports that a requester already holds the maximum number of
// pending requests.
type CapacityError struct {
	RequestedBy string
	Pending     int
	Limit       int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s already has %d pending change requests (limit %d)", e.RequestedBy, e.Pending, e.Limit)
}

func (e *CapacityError) Unwrap() error {
	return ErrPendingLimit
}
