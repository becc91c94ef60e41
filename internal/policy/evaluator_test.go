package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/changegate/internal/events"
	"github.com/tOgg1/changegate/internal/models"
)

func boolPtr(b bool) *bool { return &b }

func TestEvaluateDefaultWhenNoMatch(t *testing.T) {
	for _, tc := range []struct {
		risk     models.RiskLevel
		requires bool
	}{
		{models.RiskLow, false},
		{models.RiskMedium, false},
		{models.RiskHigh, true},
		{models.RiskCritical, true},
	} {
		decision, err := Evaluate(Attributes{RiskLevel: tc.risk}, nil)
		require.NoError(t, err)
		assert.Equal(t, tc.requires, decision.RequiresApproval, "risk %s", tc.risk)
		assert.Equal(t, 1, decision.ApprovalsRequired)
		assert.False(t, decision.Matched)
		assert.Equal(t, DefaultPolicyName, decision.PolicyName)
	}
}

func TestEvaluateFirstMatchByPriority(t *testing.T) {
	policies := []*models.ApprovalPolicy{
		{
			Name:              "catch-all",
			Priority:          100,
			Active:            true,
			ApprovalsRequired: 1,
		},
		{
			Name:              "critical-compose",
			Priority:          10,
			Active:            true,
			Conditions:        models.PolicyConditions{RiskLevels: []models.RiskLevel{models.RiskCritical}, ConfigTypes: []models.ConfigType{models.ConfigTypeCompose}},
			ApprovalsRequired: 3,
		},
		{
			Name:              "disabled",
			Priority:          0,
			Active:            false,
			ApprovalsRequired: 5,
		},
	}

	decision, err := Evaluate(Attributes{RiskLevel: models.RiskCritical, ConfigType: models.ConfigTypeCompose}, policies)
	require.NoError(t, err)
	assert.Equal(t, "critical-compose", decision.PolicyName)
	assert.Equal(t, 3, decision.ApprovalsRequired)
	assert.True(t, decision.RequiresApproval)

	decision, err = Evaluate(Attributes{RiskLevel: models.RiskCritical, ConfigType: models.ConfigTypeProxy}, policies)
	require.NoError(t, err)
	assert.Equal(t, "catch-all", decision.PolicyName)
	assert.Equal(t, 1, decision.ApprovalsRequired)
}

func TestEvaluateTiesBreakByName(t *testing.T) {
	policies := []*models.ApprovalPolicy{
		{Name: "zeta", Priority: 1, Active: true, ApprovalsRequired: 2},
		{Name: "alpha", Priority: 1, Active: true, ApprovalsRequired: 4},
	}
	decision, err := Evaluate(Attributes{RiskLevel: models.RiskLow}, policies)
	require.NoError(t, err)
	assert.Equal(t, "alpha", decision.PolicyName)
}

func TestEvaluateEmergencyAutoApprove(t *testing.T) {
	policies := []*models.ApprovalPolicy{
		{
			Name:                 "emergency",
			Active:               true,
			Conditions:           models.PolicyConditions{Emergency: boolPtr(true)},
			ApprovalsRequired:    1,
			AutoApproveEmergency: true,
		},
	}

	decision, err := Evaluate(Attributes{RiskLevel: models.RiskHigh, Emergency: true}, policies)
	require.NoError(t, err)
	assert.True(t, decision.AutoApprove)
	assert.False(t, decision.RequiresApproval)

	decision, err = Evaluate(Attributes{RiskLevel: models.RiskHigh, Emergency: false}, policies)
	require.NoError(t, err)
	assert.False(t, decision.Matched)
	assert.False(t, decision.AutoApprove)
}

func TestEvaluateChangeTypeCondition(t *testing.T) {
	policies := []*models.ApprovalPolicy{{
		Name:              "deletes",
		Active:            true,
		Conditions:        models.PolicyConditions{ChangeTypes: []models.ChangeType{models.ChangeTypeDelete}},
		ApprovalsRequired: 2,
	}}
	decision, err := Evaluate(Attributes{RiskLevel: models.RiskLow, ChangeType: models.ChangeTypeDelete}, policies)
	require.NoError(t, err)
	assert.Equal(t, 2, decision.ApprovalsRequired)

	decision, err = Evaluate(Attributes{RiskLevel: models.RiskLow, ChangeType: models.ChangeTypeUpdate}, policies)
	require.NoError(t, err)
	assert.False(t, decision.Matched)
}

func TestEvaluateMalformedPolicy(t *testing.T) {
	policies := []*models.ApprovalPolicy{
		{Name: "bad-risk", Active: true, Conditions: models.PolicyConditions{RiskLevels: []models.RiskLevel{"severe"}}, ApprovalsRequired: 1},
		{Name: "zero", Active: true, ApprovalsRequired: 0},
	}
	_, err := Evaluate(Attributes{RiskLevel: models.RiskHigh}, policies)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedPolicy)
	assert.ErrorIs(t, err, models.ErrInvalidRiskLevel)
	assert.ErrorIs(t, err, models.ErrInvalidApprovalsCount)

	fallback := Default(Attributes{RiskLevel: models.RiskHigh})
	assert.True(t, fallback.RequiresApproval)
	assert.Equal(t, 1, fallback.ApprovalsRequired)
}

const policyYAML = `policies:
  - name: high-risk
    priority: 10
    active: true
    conditions:
      risk_levels: [high, critical]
    approvals_required: 2
  - name: retired
    priority: 1
    active: false
    approvals_required: 1
`

func TestFileStoreLoadsActivePolicies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyYAML), 0o644))

	store, err := NewFileStore(path)
	require.NoError(t, err)
	defer store.Close()

	active, err := store.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "high-risk", active[0].Name)
	assert.Equal(t, "high-risk", active[0].ID)
	assert.Len(t, store.All(), 2)
}

func TestFileStoreMissingFile(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	active, err := store.ListActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestFileStoreRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte("policies: [\n"), 0o644))
	_, err := NewFileStore(path)
	assert.Error(t, err)
}

func TestFileStoreReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyYAML), 0o644))

	publisher := events.NewInMemoryPublisher()
	reloaded := make(chan struct{}, 8)
	require.NoError(t, publisher.Subscribe("reload", events.Filter{
		Types: []models.EventType{models.EventTypePolicyReloaded},
	}, func(*models.Event) { reloaded <- struct{}{} }))

	store, err := NewFileStore(path, WithStorePublisher(publisher))
	require.NoError(t, err)
	require.NoError(t, store.Watch())
	defer store.Close()

	updated := policyYAML + "  - name: proxy\n    priority: 5\n    active: true\n    conditions:\n      config_types: [proxy]\n    approvals_required: 1\n"
	writeAtomic(t, path, updated)

	require.Eventually(t, func() bool {
		active, err := store.ListActive(context.Background())
		return err == nil && len(active) == 2
	}, 5*time.Second, 20*time.Millisecond)

	active, _ := store.ListActive(context.Background())
	assert.Equal(t, "proxy", active[0].Name)

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("expected policy.reloaded event")
	}

	// A broken edit keeps the last good set.
	writeAtomic(t, path, "policies: [\n")
	time.Sleep(200 * time.Millisecond)
	active, err = store.ListActive(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestStaticStoreOrders(t *testing.T) {
	store := StaticStore{Policies: []*models.ApprovalPolicy{
		{Name: "b", Priority: 2, Active: true, ApprovalsRequired: 1},
		{Name: "a", Priority: 1, Active: true, ApprovalsRequired: 1},
	}}
	active, err := store.ListActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", active[0].Name)
}

// writeAtomic replaces path by rename so the watcher never sees a
// half-written file.
func writeAtomic(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}
