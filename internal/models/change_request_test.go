package models

import "testing"

func TestChangeStatusTransitions(t *testing.T) {
	tests := []struct {
		from ChangeStatus
		to   ChangeStatus
		want bool
	}{
		{ChangeStatusPending, ChangeStatusApproved, true},
		{ChangeStatusPending, ChangeStatusRejected, true},
		{ChangeStatusPending, ChangeStatusCancelled, true},
		{ChangeStatusPending, ChangeStatusApplied, false},
		{ChangeStatusApproved, ChangeStatusApplied, true},
		{ChangeStatusApproved, ChangeStatusFailed, true},
		{ChangeStatusApproved, ChangeStatusCancelled, false},
		{ChangeStatusFailed, ChangeStatusApplied, true},
		{ChangeStatusFailed, ChangeStatusCancelled, true},
		{ChangeStatusFailed, ChangeStatusPending, false},
		{ChangeStatusApplied, ChangeStatusFailed, false},
		{ChangeStatusRejected, ChangeStatusApproved, false},
		{ChangeStatusCancelled, ChangeStatusPending, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestChangeStatusTerminal(t *testing.T) {
	terminal := map[ChangeStatus]bool{
		ChangeStatusApplied:   true,
		ChangeStatusRejected:  true,
		ChangeStatusCancelled: true,
	}
	for _, status := range ChangeStatuses {
		if got := status.IsTerminal(); got != terminal[status] {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, terminal[status])
		}
	}
}

func TestRiskLevelOrdering(t *testing.T) {
	if RiskLow.Rank() >= RiskMedium.Rank() || RiskMedium.Rank() >= RiskHigh.Rank() || RiskHigh.Rank() >= RiskCritical.Rank() {
		t.Fatal("risk levels are not strictly ordered")
	}
	if got := RiskHigh.AtLeast(RiskMedium); got != RiskHigh {
		t.Fatalf("AtLeast lowered risk: got %s", got)
	}
	if got := RiskLow.AtLeast(RiskCritical); got != RiskCritical {
		t.Fatalf("AtLeast did not raise risk: got %s", got)
	}
	if got := MaxRisk(RiskMedium, RiskLow, RiskHigh); got != RiskHigh {
		t.Fatalf("MaxRisk = %s, want high", got)
	}
	if _, err := ParseRiskLevel("urgent"); err == nil {
		t.Fatal("expected error for unknown risk level")
	}
	if level, err := ParseRiskLevel(" HIGH "); err != nil || level != RiskHigh {
		t.Fatalf("ParseRiskLevel(HIGH) = %s, %v", level, err)
	}
}

func TestParseConfigTypeFallsBackToGeneric(t *testing.T) {
	if got := ParseConfigType("nginx"); got != ConfigTypeProxy {
		t.Fatalf("nginx -> %s, want proxy", got)
	}
	if got := ParseConfigType("haproxy.cfg"); got != ConfigTypeGeneric {
		t.Fatalf("unknown -> %s, want generic", got)
	}
}

func TestApprovalPolicyValidate(t *testing.T) {
	policy := &ApprovalPolicy{
		Name:              "bad",
		ApprovalsRequired: 0,
		Conditions: PolicyConditions{
			RiskLevels: []RiskLevel{"severe"},
		},
	}
	err := policy.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	list := err.(*ValidationErrors)
	if len(list.Errors) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(list.Errors), err)
	}
}
