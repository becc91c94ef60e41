// Package models defines the core domain types for changegate.
package models

import (
	"strings"
	"time"
)

// ChangeStatus is the state of a change request.
type ChangeStatus string

const (
	ChangeStatusPending   ChangeStatus = "pending"
	ChangeStatusApproved  ChangeStatus = "approved"
	ChangeStatusRejected  ChangeStatus = "rejected"
	ChangeStatusApplied   ChangeStatus = "applied"
	ChangeStatusFailed    ChangeStatus = "failed"
	ChangeStatusCancelled ChangeStatus = "cancelled"
)

// ChangeStatuses lists every change status.
var ChangeStatuses = []ChangeStatus{
	ChangeStatusPending,
	ChangeStatusApproved,
	ChangeStatusRejected,
	ChangeStatusApplied,
	ChangeStatusFailed,
	ChangeStatusCancelled,
}

var changeTransitions = map[ChangeStatus][]ChangeStatus{
	ChangeStatusPending:  {ChangeStatusApproved, ChangeStatusRejected, ChangeStatusCancelled},
	ChangeStatusApproved: {ChangeStatusApplied, ChangeStatusFailed},
	ChangeStatusFailed:   {ChangeStatusApplied, ChangeStatusFailed, ChangeStatusCancelled},
}

// CanTransitionTo reports whether the state machine has an edge from s to next.
// FAILED -> FAILED is a repeated failed retry.
func (s ChangeStatus) CanTransitionTo(next ChangeStatus) bool {
	for _, allowed := range changeTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s ChangeStatus) IsTerminal() bool {
	return len(changeTransitions[s]) == 0
}

// ChangeType describes what the change does to the target file.
type ChangeType string

const (
	ChangeTypeCreate ChangeType = "create"
	ChangeTypeUpdate ChangeType = "update"
	ChangeTypeDelete ChangeType = "delete"
)

// ParseChangeType parses a change type, returning false for unknown values.
func ParseChangeType(value string) (ChangeType, bool) {
	switch ChangeType(strings.ToLower(strings.TrimSpace(value))) {
	case ChangeTypeCreate:
		return ChangeTypeCreate, true
	case ChangeTypeUpdate:
		return ChangeTypeUpdate, true
	case ChangeTypeDelete:
		return ChangeTypeDelete, true
	default:
		return "", false
	}
}

// ChangeRequest is a proposed modification to one configuration file on one
// device, tracked through analysis, approval and execution.
type ChangeRequest struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	// DeviceID references the device that owns the file.
	DeviceID   string     `json:"device_id"`
	ConfigType ConfigType `json:"config_type"`
	FilePath   string     `json:"file_path"`

	// OldContent is the current file content as supplied by the device
	// gateway. Empty means the file does not exist yet.
	OldContent      string     `json:"old_content,omitempty"`
	ProposedContent string     `json:"proposed_content"`
	ChangeType      ChangeType `json:"change_type"`
	Reason          string     `json:"reason,omitempty"`
	Emergency       bool       `json:"emergency"`

	Status ChangeStatus `json:"status"`

	// Impact analysis outcome.
	RiskLevel        RiskLevel       `json:"risk_level"`
	ImpactSummary    string          `json:"impact_summary,omitempty"`
	AffectedServices []string        `json:"affected_services,omitempty"`
	RequiresRestart  bool            `json:"requires_restart"`
	Impact           *ImpactAnalysis `json:"impact,omitempty"`

	// Approval requirements set by policy evaluation.
	RequiresApproval  bool   `json:"requires_approval"`
	ApprovalsRequired int    `json:"approvals_required"`
	PolicyName        string `json:"policy_name,omitempty"`

	RequestedBy string `json:"requested_by"`

	// Execution outcome.
	AppliedAt       *time.Time `json:"applied_at,omitempty"`
	AppliedBy       string     `json:"applied_by,omitempty"`
	ExecutionResult string     `json:"execution_result,omitempty"`
	SnapshotRef     string     `json:"snapshot_ref,omitempty"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	RetryCount      int        `json:"retry_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsNewFile reports whether the change creates a file that did not exist.
func (c *ChangeRequest) IsNewFile() bool {
	return c.OldContent == "" || c.ChangeType == ChangeTypeCreate
}
