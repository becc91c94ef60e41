// Package policy matches change attributes against approval policies.
package policy

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tOgg1/changegate/internal/models"
)

// DefaultPolicyName labels decisions produced without a matching policy.
const DefaultPolicyName = "default"

// ErrMalformedPolicy is returned when an active policy cannot be evaluated.
var ErrMalformedPolicy = errors.New("malformed approval policy")

// Attributes are the change request fields policies match on.
type Attributes struct {
	RiskLevel  models.RiskLevel
	ConfigType models.ConfigType
	ChangeType models.ChangeType
	Emergency  bool
}

// AttributesOf extracts the match attributes of a change request.
func AttributesOf(cr *models.ChangeRequest) Attributes {
	return Attributes{
		RiskLevel:  cr.RiskLevel,
		ConfigType: cr.ConfigType,
		ChangeType: cr.ChangeType,
		Emergency:  cr.Emergency,
	}
}

// Decision is the approval requirement for a change.
type Decision struct {
	PolicyName        string `json:"policy_name"`
	Matched           bool   `json:"matched"`
	RequiresApproval  bool   `json:"requires_approval"`
	ApprovalsRequired int    `json:"approvals_required"`

	// AutoApprove is set when the matched policy auto-approves emergency
	// changes and the change is an emergency.
	AutoApprove bool `json:"auto_approve"`
}

// Default is the conservative decision used when no policy matches or the
// policy set cannot be evaluated: approval is required for high and critical
// risk, with one approver.
func Default(attrs Attributes) Decision {
	return Decision{
		PolicyName:        DefaultPolicyName,
		RequiresApproval:  attrs.RiskLevel.Rank() >= models.RiskHigh.Rank() || !attrs.RiskLevel.Valid(),
		ApprovalsRequired: 1,
	}
}

// Evaluate returns the decision of the first matching active policy, in
// ascending Priority order with ties broken by Name. Any malformed active
// policy makes the whole evaluation fail; callers fall back to Default.
func Evaluate(attrs Attributes, policies []*models.ApprovalPolicy) (Decision, error) {
	active := Order(policies)

	var invalid []error
	for _, p := range active {
		if err := p.Validate(); err != nil {
			invalid = append(invalid, fmt.Errorf("policy %q: %w", p.Name, err))
		}
	}
	if len(invalid) > 0 {
		return Decision{}, fmt.Errorf("%w: %w", ErrMalformedPolicy, errors.Join(invalid...))
	}

	for _, p := range active {
		if !Matches(p.Conditions, attrs) {
			continue
		}
		decision := Decision{
			PolicyName:        p.Name,
			Matched:           true,
			RequiresApproval:  true,
			ApprovalsRequired: p.ApprovalsRequired,
		}
		if p.AutoApproveEmergency && attrs.Emergency {
			decision.AutoApprove = true
			decision.RequiresApproval = false
		}
		return decision, nil
	}
	return Default(attrs), nil
}

// Order returns the active policies sorted for evaluation. The input is not
// modified.
func Order(policies []*models.ApprovalPolicy) []*models.ApprovalPolicy {
	out := make([]*models.ApprovalPolicy, 0, len(policies))
	for _, p := range policies {
		if p != nil && p.Active {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Matches reports whether every declared condition holds. Empty conditions
// are wildcards.
func Matches(c models.PolicyConditions, attrs Attributes) bool {
	if len(c.RiskLevels) > 0 && !contains(c.RiskLevels, attrs.RiskLevel) {
		return false
	}
	if len(c.ConfigTypes) > 0 && !contains(c.ConfigTypes, attrs.ConfigType) {
		return false
	}
	if len(c.ChangeTypes) > 0 && !contains(c.ChangeTypes, attrs.ChangeType) {
		return false
	}
	if c.Emergency != nil && *c.Emergency != attrs.Emergency {
		return false
	}
	return true
}

func contains[T comparable](values []T, v T) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
