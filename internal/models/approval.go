package models

import (
	"strings"
	"time"
)

// ApprovalStatus represents one approver's decision on a change request.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// ParseDecision parses an approver decision. Only approved and rejected are
// valid decisions; pending is a record state, not something an approver says.
func ParseDecision(value string) (ApprovalStatus, bool) {
	switch ApprovalStatus(strings.ToLower(strings.TrimSpace(value))) {
	case ApprovalStatusApproved, "approve":
		return ApprovalStatusApproved, true
	case ApprovalStatusRejected, "reject":
		return ApprovalStatusRejected, true
	default:
		return "", false
	}
}

// Approval captures a single approver's decision on a change request.
// There is at most one Approval per (ChangeRequestID, ApproverID); a later
// decision by the same approver replaces the earlier one.
type Approval struct {
	// ID is the unique identifier for the approval.
	ID string `json:"id"`

	// ChangeRequestID references the change request being decided.
	ChangeRequestID string `json:"change_request_id"`

	// ApproverID identifies the approver.
	ApproverID string `json:"approver_id"`

	// ApproverName is the display name of the approver.
	ApproverName string `json:"approver_name,omitempty"`

	// Status is the approver's current decision.
	Status ApprovalStatus `json:"status"`

	// Comments is free-form text supplied with the decision.
	Comments string `json:"comments,omitempty"`

	// DecidedAt is when the latest decision was recorded.
	DecidedAt *time.Time `json:"decided_at,omitempty"`

	// CreatedAt is when the approver first decided.
	CreatedAt time.Time `json:"created_at"`
}
