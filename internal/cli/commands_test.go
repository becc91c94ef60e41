package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/changegate/internal/config"
	"github.com/tOgg1/changegate/internal/models"
	"github.com/tOgg1/changegate/internal/ssh"
	"github.com/tOgg1/changegate/internal/workflow"
)

// setupCLI points the CLI at a scratch data and config directory and
// resets every flag variable the tests touch.
func setupCLI(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()

	originalCfg := appConfig
	cfg := config.DefaultConfig()
	cfg.Global.DataDir = filepath.Join(tmpDir, "data")
	cfg.Global.ConfigDir = filepath.Join(tmpDir, "config")
	cfg.Policy.Watch = false
	appConfig = cfg
	t.Cleanup(func() { appConfig = originalCfg })

	resetFlags := func() {
		jsonOutput, jsonlOutput = true, false
		actorFlag = "alice"
		deviceSSHTarget, deviceSSHBackend, deviceSSHKey, deviceLocal, deviceLabels = "", "", "", false, nil
		reqDevice, reqFile, reqOldFile, reqNoFetch = "", "", "", false
		reqConfigType, reqChangeType, reqTitle, reqDescription, reqReason = "", "", "", "", ""
		reqEmergency, reqShowDiff, reqReveal, reqComment, reqCancelNote = false, false, false, "", ""
		reqListStatus, reqListRisk, reqListBy, reqListSince, reqListLimit = "", "", "", 0, 50
		eventsType, eventsRequest, eventsDevice, eventsCursor, eventsSince, eventsLimit = "", "", "", "", 0, 50
		contextDevice, contextActor = "", ""
	}
	resetFlags()
	t.Cleanup(resetFlags)
	t.Cleanup(func() { jsonOutput = false })
	return tmpDir
}

func runCmd(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetContext(context.Background())
	t.Cleanup(func() { cmd.SetOut(nil) })
	err := cmd.RunE(cmd, args)
	return buf.String(), err
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), "output: %s", out)
	return v
}

func addLocalDevice(t *testing.T, name string) *models.Device {
	t.Helper()
	deviceLocal = true
	defer func() { deviceLocal = false }()
	out, err := runCmd(t, deviceAddCmd, name)
	require.NoError(t, err)
	return decode[*models.Device](t, out)
}

func TestRequestLifecycleAgainstLocalDevice(t *testing.T) {
	tmpDir := setupCLI(t)
	device := addLocalDevice(t, "edge-1")

	target := filepath.Join(tmpDir, "etc", "app.conf")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("workers=2\n"), 0o644))
	proposed := filepath.Join(tmpDir, "app.conf.new")
	require.NoError(t, os.WriteFile(proposed, []byte("workers=4\n"), 0o644))

	reqDevice, reqFile, reqReason = "edge-1", proposed, "more workers"
	out, err := runCmd(t, requestCreateCmd, target)
	require.NoError(t, err)
	cr := decode[*models.ChangeRequest](t, out)
	assert.Equal(t, device.ID, cr.DeviceID)
	assert.Equal(t, models.ChangeStatusPending, cr.Status)
	assert.Equal(t, models.ChangeTypeUpdate, cr.ChangeType)
	assert.Equal(t, "workers=2\n", cr.OldContent)
	assert.Equal(t, "alice", cr.RequestedBy)

	_, err = runCmd(t, requestExecuteCmd, cr.ID)
	require.Error(t, err)
	assert.Equal(t, exitConflict, exitCode(err))

	actorFlag = "bob"
	out, err = runCmd(t, requestApproveCmd, shortID(cr.ID))
	require.NoError(t, err)
	decided := decode[*workflow.DecideResult](t, out)
	assert.True(t, decided.Transitioned)
	assert.Equal(t, models.ChangeStatusApproved, decided.Request.Status)

	out, err = runCmd(t, requestExecuteCmd, cr.ID)
	require.NoError(t, err)
	applied := decode[*models.ChangeRequest](t, out)
	assert.Equal(t, models.ChangeStatusApplied, applied.Status)
	assert.Equal(t, "bob", applied.AppliedBy)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "workers=4\n", string(data))
	backup, err := os.ReadFile(applied.SnapshotRef)
	require.NoError(t, err)
	assert.Equal(t, "workers=2\n", string(backup))

	out, err = runCmd(t, requestHistoryCmd, cr.ID)
	require.NoError(t, err)
	history := decode[*workflow.History](t, out)
	var names []string
	for _, step := range history.Steps {
		names = append(names, step.StepName)
	}
	assert.Contains(t, names, models.StepCreated)
	assert.Contains(t, names, models.StepApproved)
	assert.Equal(t, models.StepApplied, names[len(names)-1])
	require.Len(t, history.Approvals, 1)
	assert.Equal(t, "bob", history.Approvals[0].ApproverID)

	eventsRequest = cr.ID
	out, err = runCmd(t, eventsListCmd)
	require.NoError(t, err)
	page := decode[struct {
		Events []*models.Event `json:"events"`
	}](t, out)
	var types []models.EventType
	for _, e := range page.Events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []models.EventType{
		models.EventTypeChangeCreated,
		models.EventTypeApprovalDecided,
		models.EventTypeChangeApproved,
		models.EventTypeChangeApplied,
	}, types)

	eventsRequest, eventsDevice, eventsType = "", "edge-1", "change.*"
	out, err = runCmd(t, eventsListCmd)
	require.NoError(t, err)
	page = decode[struct {
		Events []*models.Event `json:"events"`
	}](t, out)
	require.Len(t, page.Events, 3)
	for _, e := range page.Events {
		assert.Equal(t, cr.ID, e.EntityID)
		assert.NotEqual(t, models.EventTypeApprovalDecided, e.Type)
	}
}

func TestRequestCreateNewFileAndCancel(t *testing.T) {
	tmpDir := setupCLI(t)
	addLocalDevice(t, "edge-1")

	target := filepath.Join(tmpDir, "srv", "docker-compose.yml")
	proposed := filepath.Join(tmpDir, "compose.new")
	require.NoError(t, os.WriteFile(proposed, []byte("services:\n  web:\n    image: nginx:1.25\n"), 0o644))

	reqDevice, reqFile = "edge-1", proposed
	out, err := runCmd(t, requestCreateCmd, target)
	require.NoError(t, err)
	cr := decode[*models.ChangeRequest](t, out)
	assert.Equal(t, models.ChangeTypeCreate, cr.ChangeType)
	assert.Equal(t, models.ConfigTypeCompose, cr.ConfigType)
	assert.Empty(t, cr.OldContent)

	reqCancelNote = "superseded"
	out, err = runCmd(t, requestCancelCmd, cr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusCancelled, decode[*models.ChangeRequest](t, out).Status)

	_, err = runCmd(t, requestCancelCmd, cr.ID)
	assert.Equal(t, exitConflict, exitCode(err))
}

func TestRequestShowDiffMasksSecrets(t *testing.T) {
	tmpDir := setupCLI(t)
	addLocalDevice(t, "edge-1")

	target := filepath.Join(tmpDir, "srv", "app", ".env")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, []byte("APP_PORT=8080\nDB_PASSWORD=hunter2\n"), 0o644))
	proposed := filepath.Join(tmpDir, "env.new")
	require.NoError(t, os.WriteFile(proposed, []byte("APP_PORT=8080\nDB_PASSWORD=correct-horse\n"), 0o644))

	reqDevice, reqFile = "edge-1", proposed
	out, err := runCmd(t, requestCreateCmd, target)
	require.NoError(t, err)
	cr := decode[*models.ChangeRequest](t, out)

	jsonOutput, reqShowDiff = false, true
	out, err = runCmd(t, requestShowCmd, cr.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "-DB_PASSWORD=[REDACTED]")
	assert.Contains(t, out, "+DB_PASSWORD=[REDACTED]")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "correct-horse")

	reqReveal = true
	out, err = runCmd(t, requestShowCmd, cr.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "-DB_PASSWORD=hunter2")
	assert.Contains(t, out, "+DB_PASSWORD=correct-horse")
}

func TestGraphImportDryRunStoresNothing(t *testing.T) {
	tmpDir := setupCLI(t)
	addLocalDevice(t, "edge-1")
	t.Cleanup(func() { graphDryRun = false })

	compose := filepath.Join(tmpDir, "docker-compose.yml")
	require.NoError(t, os.WriteFile(compose, []byte("services:\n  web:\n    image: nginx\n    depends_on: [api]\n  api:\n    image: app\n"), 0o644))

	graphDryRun = true
	out, err := runCmd(t, graphImportCmd, "edge-1", compose)
	require.NoError(t, err)
	preview := decode[struct {
		Edges []*models.DependencyEdge `json:"edges"`
		New   int                      `json:"new"`
	}](t, out)
	require.Len(t, preview.Edges, 1)
	assert.Equal(t, "web", preview.Edges[0].ServiceName)
	assert.Equal(t, 1, preview.New)

	out, err = runCmd(t, graphShowCmd, "edge-1")
	require.NoError(t, err)
	assert.NotContains(t, out, `"api"`)

	graphDryRun = false
	_, err = runCmd(t, graphImportCmd, "edge-1", compose)
	require.NoError(t, err)

	graphDryRun = true
	out, err = runCmd(t, graphImportCmd, "edge-1", compose)
	require.NoError(t, err)
	assert.Contains(t, out, `"new": 0`)
}

func TestBulkApproveReportsPerRequest(t *testing.T) {
	tmpDir := setupCLI(t)
	addLocalDevice(t, "edge-1")

	proposed := filepath.Join(tmpDir, "x.new")
	require.NoError(t, os.WriteFile(proposed, []byte("x=1\n"), 0o644))
	reqDevice, reqFile, reqNoFetch = "edge-1", proposed, true

	var ids []string
	for _, name := range []string{"a.conf", "b.conf"} {
		out, err := runCmd(t, requestCreateCmd, filepath.Join(tmpDir, name))
		require.NoError(t, err)
		ids = append(ids, decode[*models.ChangeRequest](t, out).ID)
	}

	actorFlag = "bob"
	out, err := runCmd(t, requestApproveCmd, ids[0], ids[1], "missing-id")
	require.Error(t, err)
	assert.Equal(t, exitNotFound, exitCode(err))

	results := decode[[]workflow.BulkResult](t, out)
	require.Len(t, results, 3)
	assert.Equal(t, models.ChangeStatusApproved, results[0].Result.Request.Status)
	assert.Equal(t, models.ChangeStatusApproved, results[1].Result.Request.Status)
	assert.Nil(t, results[2].Result)
	assert.NotEmpty(t, results[2].Error)
}

func TestRequestCreateRequiresDevice(t *testing.T) {
	setupCLI(t)
	reqFile = "/dev/null"
	_, err := runCmd(t, requestCreateCmd, "/etc/app.conf")
	var preflight *PreflightError
	require.ErrorAs(t, err, &preflight)
	assert.Contains(t, preflight.NextStep, "context set --device")
}

func TestContextSetDeviceAndActor(t *testing.T) {
	setupCLI(t)
	device := addLocalDevice(t, "edge-1")

	contextDevice, contextActor = "edge", "carol"
	_, err := runCmd(t, contextSetCmd)
	require.NoError(t, err)

	saved, err := contextStore().Load()
	require.NoError(t, err)
	assert.Equal(t, device.ID, saved.DeviceID)
	assert.Equal(t, "carol", saved.Actor)

	actorFlag = ""
	assert.Equal(t, "carol", currentActor())
	resolved, err := deviceArg("")
	require.NoError(t, err)
	assert.Equal(t, device.ID, resolved)

	_, err = runCmd(t, contextClearCmd)
	require.NoError(t, err)
	_, err = deviceArg("")
	assert.Error(t, err)
}

func TestFindDeviceAmbiguousPrefix(t *testing.T) {
	setupCLI(t)
	addLocalDevice(t, "edge-1")
	addLocalDevice(t, "edge-2")

	a, err := newApp(context.Background())
	require.NoError(t, err)
	defer a.Close()

	_, err = findDevice(context.Background(), a.devices, "edge")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")

	d, err := findDevice(context.Background(), a.devices, "edge-2")
	require.NoError(t, err)
	assert.Equal(t, "edge-2", d.Name)

	_, err = findDevice(context.Background(), a.devices, "core")
	assert.Equal(t, exitNotFound, exitCode(err))
}

func TestMetricsPrometheusOutput(t *testing.T) {
	tmpDir := setupCLI(t)
	addLocalDevice(t, "edge-1")

	proposed := filepath.Join(tmpDir, "x.new")
	require.NoError(t, os.WriteFile(proposed, []byte("x=1\n"), 0o644))
	reqDevice, reqFile, reqNoFetch = "edge-1", proposed, true
	_, err := runCmd(t, requestCreateCmd, filepath.Join(tmpDir, "x.conf"))
	require.NoError(t, err)

	metricsPrometheus = true
	t.Cleanup(func() { metricsPrometheus = false })
	out, err := runCmd(t, metricsCmd)
	require.NoError(t, err)
	assert.Contains(t, out, `changegate_requests{status="pending"} 1`)
	assert.Contains(t, out, "changegate_analysis_cache_entries")
}

func TestWriteOutputJSONL(t *testing.T) {
	setupCLI(t)
	jsonOutput, jsonlOutput = false, true

	var buf bytes.Buffer
	require.NoError(t, WriteOutput(&buf, []map[string]int{{"a": 1}, {"b": 2}}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, lines)
}

func TestExitCodes(t *testing.T) {
	validation := &models.ValidationErrors{}
	validation.AddMessage("title", "is required")

	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, exitValidation, exitCode(validation.Err()))
	assert.Equal(t, exitCapacity, exitCode(&workflow.CapacityError{RequestedBy: "a", Pending: 10, Limit: 10}))
	assert.Equal(t, exitConflict, exitCode(&workflow.ConflictError{RequestID: "x", Action: "approve", Status: models.ChangeStatusApplied}))
	assert.Equal(t, exitNotFound, exitCode(workflow.ErrRequestNotFound))
	assert.Equal(t, exitFailed, exitCode(errExecutionFailed))
	assert.Equal(t, exitUnreachable, exitCode(fmt.Errorf("read /etc/app.conf on edge-1: %w", fmt.Errorf("%w: edge-1:22: connection refused", ssh.ErrUnreachable))))
	assert.Equal(t, exitError, exitCode(os.ErrPermission))
}
