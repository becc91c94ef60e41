package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/changegate/internal/db"
	"github.com/tOgg1/changegate/internal/depgraph"
	"github.com/tOgg1/changegate/internal/events"
	"github.com/tOgg1/changegate/internal/impact"
	"github.com/tOgg1/changegate/internal/models"
	"github.com/tOgg1/changegate/internal/policy"
	"github.com/tOgg1/changegate/internal/ssh"
)

const composeBefore = `services:
  web:
    image: nginx:1.25
    depends_on: [redis]
  redis:
    image: redis:7
`

const composeAfter = `services:
  web:
    image: nginx:1.26
    depends_on: [redis]
  redis:
    image: redis:7
`

type fakeApplier struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	err   error
}

func (f *fakeApplier) Apply(ctx context.Context, _ *models.Device, filePath, _ string, _ models.ChangeType) (string, error) {
	f.mu.Lock()
	f.calls++
	delay, err := f.delay, f.err
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return filePath + ".bak", nil
}

func (f *fakeApplier) set(delay time.Duration, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay, f.err = delay, err
}

func (f *fakeApplier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type failingAnalyzer struct{}

func (failingAnalyzer) Analyze(context.Context, impact.Request) (*models.ImpactAnalysis, error) {
	return nil, fmt.Errorf("%w: parser exploded", impact.ErrAnalysisFailed)
}

type testEnv struct {
	svc       *Service
	db        *db.DB
	device    *models.Device
	applier   *fakeApplier
	graph     *depgraph.Service
	publisher *events.InMemoryPublisher
	registry  *prometheus.Registry
}

func newTestEnv(t *testing.T, policies []*models.ApprovalPolicy, opts ...Option) *testEnv {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	_, err = database.MigrateUp(context.Background())
	require.NoError(t, err)

	device := &models.Device{Name: "d1", IsLocal: true}
	require.NoError(t, db.NewDeviceRepository(database).Create(context.Background(), device))

	graph := depgraph.NewService(depgraph.NewMemoryStore())
	env := &testEnv{
		db:        database,
		device:    device,
		applier:   &fakeApplier{},
		graph:     graph,
		publisher: events.NewInMemoryPublisher(),
		registry:  prometheus.NewRegistry(),
	}
	base := []Option{WithPublisher(env.publisher), WithRegisterer(env.registry)}
	env.svc = NewService(database, impact.NewAnalyzer(graph), policy.StaticStore{Policies: policies}, env.applier, append(base, opts...)...)
	return env
}

func (e *testEnv) create(t *testing.T, requestedBy string) *models.ChangeRequest {
	t.Helper()
	old := composeBefore
	cr, err := e.svc.Create(context.Background(), CreateParams{
		Device:          "d1",
		ConfigType:      "compose",
		FilePath:        "/srv/app/docker-compose.yml",
		OldContent:      &old,
		ProposedContent: composeAfter,
		ChangeType:      models.ChangeTypeUpdate,
		Reason:          "bump nginx",
		RequestedBy:     requestedBy,
	})
	require.NoError(t, err)
	return cr
}

func stepNames(t *testing.T, svc *Service, id string) []string {
	t.Helper()
	history, err := svc.History(context.Background(), id)
	require.NoError(t, err)
	names := make([]string, 0, len(history.Steps))
	for i, step := range history.Steps {
		require.Equal(t, i+1, step.Seq, "step %s out of sequence", step.StepName)
		names = append(names, step.StepName)
	}
	return names
}

func twoApprovals() []*models.ApprovalPolicy {
	return []*models.ApprovalPolicy{{Name: "two-person", Active: true, ApprovalsRequired: 2}}
}

func TestCreateRecordsAnalysisAndPolicy(t *testing.T) {
	env := newTestEnv(t, twoApprovals())
	cr := env.create(t, "alice")

	assert.Equal(t, models.ChangeStatusPending, cr.Status)
	assert.Equal(t, models.ConfigTypeCompose, cr.ConfigType)
	assert.Equal(t, models.RiskHigh, cr.RiskLevel)
	assert.Contains(t, cr.AffectedServices, "web")
	assert.Equal(t, "two-person", cr.PolicyName)
	assert.Equal(t, 2, cr.ApprovalsRequired)
	assert.True(t, cr.RequiresApproval)
	assert.Equal(t, "update /srv/app/docker-compose.yml", cr.Title)

	stored, err := env.svc.Get(context.Background(), cr.ID)
	require.NoError(t, err)
	assert.Equal(t, cr.RiskLevel, stored.RiskLevel)
	require.NotNil(t, stored.Impact)

	assert.Equal(t, []string{models.StepCreated, models.StepImpactAnalyzed, models.StepPolicyEvaluated}, stepNames(t, env.svc, cr.ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.svc.metrics.created.WithLabelValues("compose", "high")))
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, CreateParams{Device: "d1", FilePath: "/etc/x", ProposedContent: "x", ChangeType: models.ChangeTypeUpdate})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = env.svc.Create(ctx, CreateParams{Device: "d1", FilePath: "/etc/x", ProposedContent: "x", ChangeType: "rename", RequestedBy: "alice"})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = env.svc.Create(ctx, CreateParams{Device: "nope", FilePath: "/etc/x", ProposedContent: "x", ChangeType: models.ChangeTypeUpdate, RequestedBy: "alice"})
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = env.svc.Create(ctx, CreateParams{Device: "d1", FilePath: "/etc/x", ChangeType: models.ChangeTypeUpdate, RequestedBy: "alice"})
	assert.ErrorIs(t, err, models.ErrValidation, "update needs content")

	old := "a=1\n"
	cr, err := env.svc.Create(ctx, CreateParams{Device: env.device.ID, FilePath: "/etc/x.conf", OldContent: &old, ChangeType: models.ChangeTypeDelete, RequestedBy: "alice"})
	require.NoError(t, err)
	assert.Equal(t, models.ConfigTypeGeneric, cr.ConfigType)
}

func TestCreateDetectsConfigTypeFromPath(t *testing.T) {
	env := newTestEnv(t, nil)
	unit := "[Unit]\nDescription=app\n\n[Service]\nExecStart=/usr/bin/app\n"
	cr, err := env.svc.Create(context.Background(), CreateParams{
		Device:          "d1",
		FilePath:        "/etc/systemd/system/app.service",
		ProposedContent: unit,
		ChangeType:      models.ChangeTypeCreate,
		RequestedBy:     "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ConfigTypeSystemd, cr.ConfigType)

	cr, err = env.svc.Create(context.Background(), CreateParams{
		Device:          "d1",
		ConfigType:      "generic",
		FilePath:        "/etc/systemd/system/other.service",
		ProposedContent: unit,
		ChangeType:      models.ChangeTypeCreate,
		RequestedBy:     "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ConfigTypeGeneric, cr.ConfigType)
}

func TestCreatePendingCap(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 10; i++ {
		env.create(t, "alice")
	}

	_, err := env.svc.Create(context.Background(), CreateParams{
		Device: "d1", FilePath: "/etc/x", ProposedContent: "x", ChangeType: models.ChangeTypeCreate, RequestedBy: "alice",
	})
	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.ErrorIs(t, err, ErrPendingLimit)
	assert.Equal(t, 10, capErr.Pending)

	list, err := env.svc.List(context.Background(), db.ChangeRequestFilter{RequestedBy: "alice"})
	require.NoError(t, err)
	assert.Len(t, list, 10)

	// Other requesters are unaffected.
	env.create(t, "bob")
}

func TestConcurrentApprovalsReachQuotaOnce(t *testing.T) {
	env := newTestEnv(t, twoApprovals())
	cr := env.create(t, "alice")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, approver := range []string{"bob", "carol"} {
		wg.Add(1)
		go func(approver string) {
			defer wg.Done()
			_, err := env.svc.Decide(context.Background(), DecideParams{
				RequestID: cr.ID, ApproverID: approver, Decision: models.ApprovalStatusApproved,
			})
			errs <- err
		}(approver)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	history, err := env.svc.History(context.Background(), cr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusApproved, history.Request.Status)
	assert.Len(t, history.Approvals, 2)

	approvedSteps := 0
	for _, step := range history.Steps {
		if step.StepName == models.StepApproved {
			approvedSteps++
		}
	}
	assert.Equal(t, 1, approvedSteps)
	assert.Equal(t, 0, env.svc.requestLocks.size())
}

func TestRejectionVetoes(t *testing.T) {
	env := newTestEnv(t, twoApprovals())
	cr := env.create(t, "alice")
	ctx := context.Background()

	res, err := env.svc.Decide(ctx, DecideParams{RequestID: cr.ID, ApproverID: "bob", Decision: models.ApprovalStatusApproved})
	require.NoError(t, err)
	assert.False(t, res.Transitioned)

	res, err = env.svc.Decide(ctx, DecideParams{RequestID: cr.ID, ApproverID: "carol", Decision: models.ApprovalStatusRejected, Comments: "no"})
	require.NoError(t, err)
	assert.True(t, res.Transitioned)
	assert.Equal(t, models.ChangeStatusRejected, res.Request.Status)

	_, err = env.svc.Decide(ctx, DecideParams{RequestID: cr.ID, ApproverID: "dave", Decision: models.ApprovalStatusApproved})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, models.ChangeStatusRejected, conflict.Status)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestLastDecisionWins(t *testing.T) {
	env := newTestEnv(t, twoApprovals())
	cr := env.create(t, "alice")
	ctx := context.Background()

	_, err := env.svc.Decide(ctx, DecideParams{RequestID: cr.ID, ApproverID: "bob", Decision: models.ApprovalStatusApproved})
	require.NoError(t, err)
	_, err = env.svc.Decide(ctx, DecideParams{RequestID: cr.ID, ApproverID: "bob", Decision: models.ApprovalStatusApproved})
	require.NoError(t, err)

	got, err := env.svc.Get(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusPending, got.Status, "repeat approvals by one approver count once")

	res, err := env.svc.Decide(ctx, DecideParams{RequestID: cr.ID, ApproverID: "bob", Decision: models.ApprovalStatusRejected})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusApproved, res.Previous)
	assert.Equal(t, models.ChangeStatusRejected, res.Request.Status)

	history, err := env.svc.History(ctx, cr.ID)
	require.NoError(t, err)
	require.Len(t, history.Approvals, 1)
	assert.Equal(t, models.ApprovalStatusRejected, history.Approvals[0].Status)
}

func TestBulkDecide(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.create(t, "alice")
	b := env.create(t, "alice")

	results := env.svc.BulkDecide(context.Background(), []string{a.ID, "missing", b.ID}, DecideParams{
		ApproverID: "bob", Decision: models.ApprovalStatusApproved,
	})
	require.Len(t, results, 3)
	require.NoError(t, results[0].Err)
	assert.Equal(t, models.ChangeStatusApproved, results[0].Result.Request.Status)
	assert.ErrorIs(t, results[1].Err, ErrRequestNotFound)
	assert.NotEmpty(t, results[1].Error)
	require.NoError(t, results[2].Err)
	assert.Equal(t, models.ChangeStatusApproved, results[2].Result.Request.Status)
}

func approve(t *testing.T, env *testEnv, id string) {
	t.Helper()
	res, err := env.svc.Decide(context.Background(), DecideParams{RequestID: id, ApproverID: "bob", Decision: models.ApprovalStatusApproved})
	require.NoError(t, err)
	require.Equal(t, models.ChangeStatusApproved, res.Request.Status)
}

func TestExecuteRequiresApproval(t *testing.T) {
	env := newTestEnv(t, nil)
	cr := env.create(t, "alice")

	_, err := env.svc.Execute(context.Background(), cr.ID, "ops")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 0, env.applier.callCount())

	_, err = env.svc.Execute(context.Background(), "missing", "ops")
	assert.ErrorIs(t, err, ErrRequestNotFound)

	_, err = env.svc.Execute(context.Background(), cr.ID, "")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestExecuteApplies(t *testing.T) {
	env := newTestEnv(t, nil)
	cr := env.create(t, "alice")
	approve(t, env, cr.ID)

	applied, err := env.svc.Execute(context.Background(), cr.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusApplied, applied.Status)
	assert.Equal(t, "ops", applied.AppliedBy)
	assert.Equal(t, "/srv/app/docker-compose.yml.bak", applied.SnapshotRef)
	require.NotNil(t, applied.AppliedAt)
	assert.Equal(t, 1, env.applier.callCount())

	assert.Equal(t, []string{
		models.StepCreated, models.StepImpactAnalyzed, models.StepPolicyEvaluated,
		models.StepApprovalDecision, models.StepApproved,
		models.StepExecutionStarted, models.StepApplied,
	}, stepNames(t, env.svc, cr.ID))
}

func TestExecuteUnreachableDevice(t *testing.T) {
	env := newTestEnv(t, nil)
	cr := env.create(t, "alice")
	approve(t, env, cr.ID)
	env.applier.set(0, fmt.Errorf("write /srv/app/docker-compose.yml: %w", fmt.Errorf("%w: edge-1: connection refused", ssh.ErrUnreachable)))

	failed, err := env.svc.Execute(context.Background(), cr.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusFailed, failed.Status)
	assert.True(t, strings.HasPrefix(failed.FailureReason, UnreachablePrefix), failed.FailureReason)
}

func TestExecuteTimeoutAndRetry(t *testing.T) {
	opts := DefaultOptions()
	opts.ExecuteTimeout = 50 * time.Millisecond
	env := newTestEnv(t, nil, WithOptions(opts))
	cr := env.create(t, "alice")
	approve(t, env, cr.ID)
	env.applier.set(5*time.Second, nil)

	failed, err := env.svc.Execute(context.Background(), cr.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusFailed, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Contains(t, failed.FailureReason, "timeout:")

	failed, err = env.svc.Execute(context.Background(), cr.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusFailed, failed.Status)
	assert.Equal(t, 2, failed.RetryCount)
	assert.Equal(t, 2, env.applier.callCount())

	env.applier.set(0, nil)
	applied, err := env.svc.Execute(context.Background(), cr.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusApplied, applied.Status)
	assert.Empty(t, applied.FailureReason)
	assert.Equal(t, 2, applied.RetryCount)
	assert.Equal(t, 2.0, testutil.ToFloat64(env.svc.metrics.executions.WithLabelValues("timeout")))
}

func TestExecuteFailureIsRecorded(t *testing.T) {
	env := newTestEnv(t, nil)
	cr := env.create(t, "alice")
	approve(t, env, cr.ID)
	env.applier.set(0, errors.New("permission denied"))

	failed, err := env.svc.Execute(context.Background(), cr.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusFailed, failed.Status)
	assert.Equal(t, "permission denied", failed.FailureReason)

	stored, err := env.svc.Get(context.Background(), cr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusFailed, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
}

func TestExecuteOutcomeSurvivesCallerCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	cr := env.create(t, "alice")
	approve(t, env, cr.ID)
	env.applier.set(5*time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	failed, err := env.svc.Execute(ctx, cr.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusFailed, failed.Status)
	assert.Contains(t, failed.FailureReason, "cancelled:")

	stored, err := env.svc.Get(context.Background(), cr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusFailed, stored.Status)
}

func TestTerminalStatesRejectMutation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	cr := env.create(t, "alice")
	approve(t, env, cr.ID)
	_, err := env.svc.Execute(ctx, cr.ID, "ops")
	require.NoError(t, err)

	_, err = env.svc.Decide(ctx, DecideParams{RequestID: cr.ID, ApproverID: "carol", Decision: models.ApprovalStatusRejected})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = env.svc.Execute(ctx, cr.ID, "ops")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = env.svc.Cancel(ctx, cr.ID, "alice", "too late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, env.applier.callCount())

	stored, err := env.svc.Get(ctx, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusApplied, stored.Status)
}

func TestDecisionsAndCancelLogRequestID(t *testing.T) {
	var buf bytes.Buffer
	env := newTestEnv(t, nil, WithLogger(zerolog.New(&buf)))
	cr := env.create(t, "alice")
	approve(t, env, cr.ID)
	_, err := env.svc.Cancel(context.Background(), cr.ID, "alice", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	other := env.create(t, "alice")
	_, err = env.svc.Cancel(context.Background(), other.ID, "alice", "not needed")
	require.NoError(t, err)

	var decided, cancelled map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		switch entry["message"] {
		case "approval decision recorded":
			decided = entry
		case "change request cancelled":
			cancelled = entry
		}
	}
	require.NotNil(t, decided)
	assert.Equal(t, cr.ID, decided["request_id"])
	assert.Equal(t, "bob", decided["approver"])
	assert.Equal(t, "approved", decided["status"])
	require.NotNil(t, cancelled)
	assert.Equal(t, other.ID, cancelled["request_id"])
	assert.Equal(t, "alice", cancelled["by"])
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	pending := env.create(t, "alice")
	cancelled, err := env.svc.Cancel(ctx, pending.ID, "alice", "not needed")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusCancelled, cancelled.Status)

	approved := env.create(t, "alice")
	approve(t, env, approved.ID)
	_, err = env.svc.Cancel(ctx, approved.ID, "alice", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	env.applier.set(0, errors.New("boom"))
	_, err = env.svc.Execute(ctx, approved.ID, "ops")
	require.NoError(t, err)
	cancelled, err = env.svc.Cancel(ctx, approved.ID, "alice", "giving up")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusCancelled, cancelled.Status)

	list, err := env.svc.List(ctx, db.ChangeRequestFilter{Status: models.ChangeStatusCancelled})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestEmergencyAutoApprove(t *testing.T) {
	emergency := true
	env := newTestEnv(t, []*models.ApprovalPolicy{{
		Name:                 "break-glass",
		Active:               true,
		Conditions:           models.PolicyConditions{Emergency: &emergency},
		ApprovalsRequired:    2,
		AutoApproveEmergency: true,
	}})

	var mu sync.Mutex
	var seen []models.EventType
	require.NoError(t, env.publisher.Subscribe("test", events.Filter{}, func(event *models.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, event.Type)
	}))

	old := composeBefore
	cr, err := env.svc.Create(context.Background(), CreateParams{
		Device: "d1", ConfigType: "compose", FilePath: "/srv/app/docker-compose.yml",
		OldContent: &old, ProposedContent: composeAfter, ChangeType: models.ChangeTypeUpdate,
		Emergency: true, RequestedBy: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusApproved, cr.Status)
	assert.False(t, cr.RequiresApproval)
	assert.Contains(t, stepNames(t, env.svc, cr.ID), models.StepAutoApprovedEmergency)

	mu.Lock()
	assert.Equal(t, []models.EventType{models.EventTypeChangeCreated, models.EventTypeChangeAutoApproved}, seen)
	mu.Unlock()

	applied, err := env.svc.Execute(context.Background(), cr.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusApplied, applied.Status)
}

func TestAnalysisFailureFallsBack(t *testing.T) {
	env := newTestEnv(t, nil)
	svc := NewService(env.db, failingAnalyzer{}, nil, env.applier)

	cr, err := svc.Create(context.Background(), CreateParams{
		Device: "d1", ConfigType: "systemd", FilePath: "/etc/systemd/system/app.service",
		ProposedContent: "[Service]\nType=simple\n", ChangeType: models.ChangeTypeCreate, RequestedBy: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RiskHigh, cr.RiskLevel)
	assert.True(t, cr.RequiresApproval)
	require.NotNil(t, cr.Impact)
	assert.Contains(t, cr.Impact.AnalysisError, "parser exploded")
	assert.Contains(t, stepNames(t, svc, cr.ID), models.StepAnalysisFailed)

	opts := DefaultOptions()
	opts.AnalysisFailureRisk = models.RiskMedium
	svc = NewService(env.db, failingAnalyzer{}, nil, env.applier, WithOptions(opts))
	cr, err = svc.Create(context.Background(), CreateParams{
		Device: "d1", ConfigType: "systemd", FilePath: "/etc/systemd/system/worker.service",
		ProposedContent: "[Service]\nType=simple\n", ChangeType: models.ChangeTypeCreate, RequestedBy: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RiskMedium, cr.RiskLevel)
}

func TestPolicyFallback(t *testing.T) {
	env := newTestEnv(t, []*models.ApprovalPolicy{
		{Name: "broken", Active: true, Conditions: models.PolicyConditions{RiskLevels: []models.RiskLevel{"severe"}}, ApprovalsRequired: 3},
	})
	cr := env.create(t, "alice")

	assert.Equal(t, policy.DefaultPolicyName, cr.PolicyName)
	assert.Equal(t, 1, cr.ApprovalsRequired)
	assert.True(t, cr.RequiresApproval)
	assert.Contains(t, stepNames(t, env.svc, cr.ID), models.StepPolicyFallback)
}

func TestDependentsEscalateRisk(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	for _, svc := range []string{"api", "worker", "cron"} {
		_, err := env.graph.AddEdge(ctx, env.device.ID, svc, "web", models.DependencyTypeManual, nil)
		require.NoError(t, err)
	}

	cr := env.create(t, "alice")
	assert.Equal(t, models.RiskHigh, cr.RiskLevel)
	for _, svc := range []string{"web", "api", "worker", "cron"} {
		assert.Contains(t, cr.AffectedServices, svc)
	}
	require.NotNil(t, cr.Impact.DependencyAnalysis)
	assert.Equal(t, 3, cr.Impact.DependencyAnalysis.TotalDependentServices)
}

func TestGetMetrics(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	a := env.create(t, "alice")
	b := env.create(t, "alice")
	env.create(t, "alice")

	approve(t, env, a.ID)
	_, err := env.svc.Decide(ctx, DecideParams{RequestID: b.ID, ApproverID: "bob", Decision: models.ApprovalStatusRejected})
	require.NoError(t, err)

	m, err := env.svc.GetMetrics(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Total)
	assert.Equal(t, 1, m.ByStatus[models.ChangeStatusPending])
	assert.Equal(t, 3, m.ByConfigType[models.ConfigTypeCompose])
	assert.InDelta(t, 0.5, m.ApprovalRate, 1e-9)

	collector := NewCollector(env.svc, 24)
	assert.Equal(t, 3, testutil.CollectAndCount(collector, "changegate_requests"))
	assert.Equal(t, 1, testutil.CollectAndCount(collector, "changegate_approval_rate"))
	assert.Equal(t, 1, testutil.CollectAndCount(collector, "changegate_requests_by_risk"))

	later := NewService(env.db, impact.NewAnalyzer(env.graph), nil, env.applier,
		WithClock(func() time.Time { return time.Now().Add(48 * time.Hour) }))
	m, err = later.GetMetrics(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Total)
	assert.Zero(t, m.ApprovalRate)
}

func TestKeyedMutexReleasesKeys(t *testing.T) {
	locks := newKeyedMutex()
	unlock := locks.Lock("a")
	acquired := make(chan struct{})
	go func() {
		release := locks.Lock("a")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired
	assert.Eventually(t, func() bool { return locks.size() == 0 }, time.Second, 5*time.Millisecond)
}
