package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tOgg1/changegate/internal/models"
)

func newTestChangeRequest(deviceID, requestedBy string) *models.ChangeRequest {
	return &models.ChangeRequest{
		Title:             "bump redis",
		DeviceID:          deviceID,
		ConfigType:        models.ConfigTypeCompose,
		FilePath:          "/srv/stack/compose.yaml",
		OldContent:        "services: {}\n",
		ProposedContent:   "services:\n  redis:\n    image: redis:7\n",
		ChangeType:        models.ChangeTypeUpdate,
		Status:            models.ChangeStatusPending,
		RiskLevel:         models.RiskHigh,
		ImpactSummary:     "1 service changed",
		AffectedServices:  []string{"redis"},
		RequiresRestart:   true,
		Impact:            &models.ImpactAnalysis{RiskLevel: models.RiskHigh, Summary: "1 service changed", AffectedServices: []string{"redis"}},
		RequiresApproval:  true,
		ApprovalsRequired: 2,
		PolicyName:        "default",
		RequestedBy:       requestedBy,
	}
}

func TestChangeRequestRepository_CreateGet(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	device := createTestDevice(t, db, "edge-1")
	repo := NewChangeRequestRepository(db)
	ctx := context.Background()

	cr := newTestChangeRequest(device.ID, "alice")
	if err := repo.Create(ctx, cr); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := repo.Get(ctx, cr.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.ChangeStatusPending || got.RiskLevel != models.RiskHigh {
		t.Fatalf("unexpected status/risk: %s/%s", got.Status, got.RiskLevel)
	}
	if len(got.AffectedServices) != 1 || got.AffectedServices[0] != "redis" {
		t.Fatalf("unexpected affected services: %v", got.AffectedServices)
	}
	if got.Impact == nil || got.Impact.Summary != "1 service changed" {
		t.Fatalf("impact not round-tripped: %+v", got.Impact)
	}
	if got.OldContent != cr.OldContent || !got.RequiresRestart || got.ApprovalsRequired != 2 {
		t.Fatalf("unexpected request fields: %+v", got)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrChangeRequestNotFound) {
		t.Fatalf("expected ErrChangeRequestNotFound, got %v", err)
	}
}

func TestChangeRequestRepository_RejectsUnknownDevice(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	err := NewChangeRequestRepository(db).Create(context.Background(), newTestChangeRequest("ghost", "alice"))
	if err == nil {
		t.Fatal("expected foreign key failure for unknown device")
	}
}

func TestChangeRequestRepository_ConditionalUpdate(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	device := createTestDevice(t, db, "edge-1")
	repo := NewChangeRequestRepository(db)
	ctx := context.Background()

	cr := newTestChangeRequest(device.ID, "alice")
	if err := repo.Create(ctx, cr); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	now := time.Now().UTC()
	cr.Status = models.ChangeStatusApproved
	if err := repo.Update(ctx, cr, models.ChangeStatusPending); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	stale := *cr
	stale.Status = models.ChangeStatusRejected
	if err := repo.Update(ctx, &stale, models.ChangeStatusPending); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}

	cr.Status = models.ChangeStatusApplied
	cr.AppliedAt = &now
	cr.AppliedBy = "ops"
	cr.SnapshotRef = "snap-1"
	if err := repo.Update(ctx, cr, models.ChangeStatusApproved); err != nil {
		t.Fatalf("Update to applied failed: %v", err)
	}

	got, err := repo.Get(ctx, cr.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != models.ChangeStatusApplied || got.SnapshotRef != "snap-1" || got.AppliedAt == nil {
		t.Fatalf("unexpected applied request: %+v", got)
	}

	missing := newTestChangeRequest(device.ID, "alice")
	missing.ID = "missing"
	if err := repo.Update(ctx, missing, models.ChangeStatusPending); !errors.Is(err, ErrChangeRequestNotFound) {
		t.Fatalf("expected ErrChangeRequestNotFound, got %v", err)
	}
}

func TestChangeRequestRepository_ListCountsAndPending(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	device := createTestDevice(t, db, "edge-1")
	repo := NewChangeRequestRepository(db)
	ctx := context.Background()

	old := newTestChangeRequest(device.ID, "alice")
	old.CreatedAt = time.Now().UTC().Add(-72 * time.Hour)
	old.Status = models.ChangeStatusRejected
	if err := repo.Create(ctx, old); err != nil {
		t.Fatalf("Create old failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		cr := newTestChangeRequest(device.ID, "alice")
		if i == 2 {
			cr.RequestedBy = "bob"
			cr.RiskLevel = models.RiskLow
			cr.ConfigType = models.ConfigTypeProxy
		}
		if err := repo.Create(ctx, cr); err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
	}

	pending, err := repo.CountPendingByRequester(ctx, "alice")
	if err != nil {
		t.Fatalf("CountPendingByRequester failed: %v", err)
	}
	if pending != 2 {
		t.Fatalf("expected 2 pending for alice, got %d", pending)
	}

	listed, err := repo.List(ctx, ChangeRequestFilter{RequestedBy: "alice"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("expected 3 requests for alice, got %d", len(listed))
	}

	limited, err := repo.List(ctx, ChangeRequestFilter{Status: models.ChangeStatusPending, Limit: 1})
	if err != nil {
		t.Fatalf("List limited failed: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 request, got %d", len(limited))
	}

	counts, err := repo.Counts(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts.Total != 3 {
		t.Fatalf("expected 3 requests in window, got %d", counts.Total)
	}
	if counts.ByStatus[models.ChangeStatusRejected] != 0 || counts.ByStatus[models.ChangeStatusPending] != 3 {
		t.Fatalf("unexpected status counts: %v", counts.ByStatus)
	}
	if counts.ByRiskLevel[models.RiskHigh] != 2 || counts.ByRiskLevel[models.RiskLow] != 1 {
		t.Fatalf("unexpected risk counts: %v", counts.ByRiskLevel)
	}
	if counts.ByConfigType[models.ConfigTypeProxy] != 1 {
		t.Fatalf("unexpected config type counts: %v", counts.ByConfigType)
	}
}
