package models

import (
	"encoding/json"
	"time"
)

// StepType groups workflow steps by what produced them.
type StepType string

const (
	StepTypeTransition StepType = "transition"
	StepTypeDecision   StepType = "decision"
	StepTypeAnalysis   StepType = "analysis"
	StepTypePolicy     StepType = "policy"
	StepTypeExecution  StepType = "execution"
)

// Step names recorded by the workflow.
const (
	StepCreated               = "created"
	StepImpactAnalyzed        = "impact_analyzed"
	StepAnalysisFailed        = "analysis_failed"
	StepPolicyEvaluated       = "policy_evaluated"
	StepPolicyFallback        = "policy_fallback"
	StepAutoApprovedEmergency = "auto_approved_emergency"
	StepApprovalDecision      = "approval_decision"
	StepApproved              = "approved"
	StepRejected              = "rejected"
	StepExecutionStarted      = "execution_started"
	StepApplied               = "applied"
	StepExecutionFailed       = "execution_failed"
	StepCancelled             = "cancelled"
)

// WorkflowStep is an immutable audit record of one transition or decision.
// Seq is assigned per change request and is strictly increasing from 1.
type WorkflowStep struct {
	ID              string          `json:"id"`
	ChangeRequestID string          `json:"change_request_id"`
	Seq             int             `json:"seq"`
	StepName        string          `json:"step_name"`
	StepType        StepType        `json:"step_type"`
	PerformedBy     string          `json:"performed_by,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// TransitionPayload is the payload for status transition steps.
type TransitionPayload struct {
	From   ChangeStatus `json:"from,omitempty"`
	To     ChangeStatus `json:"to"`
	Reason string       `json:"reason,omitempty"`
}

// DecisionPayload is the payload for approval_decision steps.
type DecisionPayload struct {
	ApproverID   string         `json:"approver_id"`
	ApproverName string         `json:"approver_name,omitempty"`
	Decision     ApprovalStatus `json:"decision"`
	Previous     ApprovalStatus `json:"previous,omitempty"`
	Comments     string         `json:"comments,omitempty"`
	Approved     int            `json:"approved"`
	Rejected     int            `json:"rejected"`
	Required     int            `json:"required"`
}

// AnalysisPayload is the payload for impact_analyzed and analysis_failed steps.
type AnalysisPayload struct {
	RiskLevel        RiskLevel `json:"risk_level"`
	Summary          string    `json:"summary"`
	AffectedServices []string  `json:"affected_services,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// PolicyPayload is the payload for policy evaluation steps.
type PolicyPayload struct {
	PolicyName        string `json:"policy_name,omitempty"`
	RequiresApproval  bool   `json:"requires_approval"`
	ApprovalsRequired int    `json:"approvals_required"`
	AutoApproved      bool   `json:"auto_approved,omitempty"`
	Error             string `json:"error,omitempty"`
}

// ExecutionPayload is the payload for execution steps.
type ExecutionPayload struct {
	Attempt       int    `json:"attempt"`
	SnapshotRef   string `json:"snapshot_ref,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	DurationMs    int64  `json:"duration_ms,omitempty"`
}
