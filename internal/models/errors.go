package models

import "errors"

// ErrValidation matches any *ValidationErrors via errors.Is.
var ErrValidation = errors.New("validation failed")

// Validation sentinels. They are attached as the Cause of a ValidationError
// so callers can match them with errors.Is.
var (
	ErrInvalidRiskLevel      = errors.New("invalid risk level")
	ErrInvalidConfigType     = errors.New("invalid config type")
	ErrInvalidChangeType     = errors.New("invalid change type")
	ErrInvalidDecision       = errors.New("decision must be approved or rejected")
	ErrInvalidDeviceName     = errors.New("device name is required")
	ErrInvalidSSHTarget      = errors.New("ssh target is required for remote devices")
	ErrInvalidPolicyName     = errors.New("policy name is required")
	ErrInvalidApprovalsCount = errors.New("approvals_required must be at least 1")
	ErrInvalidServiceName    = errors.New("service name is required")
	ErrSelfDependency        = errors.New("service cannot depend on itself")
)
