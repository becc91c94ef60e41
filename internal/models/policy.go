package models

import "fmt"

// PolicyConditions are the match conditions of an approval policy. Empty
// slices and a nil Emergency are wildcards.
type PolicyConditions struct {
	RiskLevels  []RiskLevel  `json:"risk_levels,omitempty" yaml:"risk_levels,omitempty"`
	ConfigTypes []ConfigType `json:"config_types,omitempty" yaml:"config_types,omitempty"`
	ChangeTypes []ChangeType `json:"change_types,omitempty" yaml:"change_types,omitempty"`
	Emergency   *bool        `json:"emergency,omitempty" yaml:"emergency,omitempty"`
}

// ApprovalPolicy maps change attributes to approval requirements.
type ApprovalPolicy struct {
	ID   string `json:"id,omitempty" yaml:"id,omitempty"`
	Name string `json:"name" yaml:"name"`

	// Priority orders evaluation: lower values are evaluated first.
	Priority int  `json:"priority" yaml:"priority"`
	Active   bool `json:"active" yaml:"active"`

	Conditions PolicyConditions `json:"conditions" yaml:"conditions"`

	ApprovalsRequired    int  `json:"approvals_required" yaml:"approvals_required"`
	AutoApproveEmergency bool `json:"auto_approve_emergency" yaml:"auto_approve_emergency"`
}

// Validate checks that the policy's conditions are well formed.
func (p *ApprovalPolicy) Validate() error {
	validation := &ValidationErrors{}
	if p.Name == "" {
		validation.Add("name", ErrInvalidPolicyName)
	}
	if p.ApprovalsRequired < 1 {
		validation.Add("approvals_required", ErrInvalidApprovalsCount)
	}
	for _, level := range p.Conditions.RiskLevels {
		if !level.Valid() {
			validation.Add("conditions.risk_levels", fmt.Errorf("%w: %q", ErrInvalidRiskLevel, level))
		}
	}
	for _, configType := range p.Conditions.ConfigTypes {
		if !configType.Known() {
			validation.Add("conditions.config_types", fmt.Errorf("%w: %q", ErrInvalidConfigType, configType))
		}
	}
	for _, changeType := range p.Conditions.ChangeTypes {
		if _, ok := ParseChangeType(string(changeType)); !ok {
			validation.Add("conditions.change_types", fmt.Errorf("%w: %q", ErrInvalidChangeType, changeType))
		}
	}
	return validation.Err()
}
