package db

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tOgg1/changegate/internal/models"
)

func appendAt(t *testing.T, repo *EventRepository, at time.Time, eventType models.EventType, entityID string) *models.Event {
	t.Helper()
	event := &models.Event{Type: eventType, EntityType: models.EntityTypeChangeRequest, EntityID: entityID, Timestamp: at}
	if err := repo.Append(context.Background(), event); err != nil {
		t.Fatalf("Append %s: %v", eventType, err)
	}
	return event
}

func TestEventRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	defer database.Close()
	repo := NewEventRepository(database)

	if err := repo.Append(ctx, &models.Event{Type: models.EventTypeChangeCreated}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}

	local := time.FixedZone("CEST", 2*60*60)
	event := &models.Event{
		Type:       models.EventTypeChangeApplied,
		EntityType: models.EntityTypeChangeRequest,
		EntityID:   "cr-1",
		Timestamp:  time.Date(2024, 5, 1, 14, 0, 0, 0, local),
		Payload:    json.RawMessage(`{"status":"applied","file_path":"/etc/nginx/nginx.conf"}`),
		Metadata:   map[string]string{models.EventMetaDevice: "dev-1", models.EventMetaRequestedBy: "alice"},
	}
	if err := repo.Append(ctx, event); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := repo.Get(ctx, event.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Timestamp.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) || got.Timestamp.Location() != time.UTC {
		t.Fatalf("expected the timestamp stored as UTC, got %v", got.Timestamp)
	}
	if string(got.Payload) != string(event.Payload) || got.Metadata[models.EventMetaRequestedBy] != "alice" {
		t.Fatalf("payload or metadata lost: %+v", got)
	}
	if got.DeviceID() != "dev-1" {
		t.Fatalf("unexpected device %q", got.DeviceID())
	}
}

func TestEventRepositoryPagesAndWindows(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	defer database.Close()
	repo := NewEventRepository(database)

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	lifecycle := []models.EventType{
		models.EventTypeChangeCreated,
		models.EventTypeApprovalDecided,
		models.EventTypeChangeApproved,
		models.EventTypeChangeApplied,
		models.EventTypeChangeFailed,
	}
	for i, eventType := range lifecycle {
		appendAt(t, repo, base.Add(time.Duration(i)*time.Minute), eventType, "cr-7")
	}

	var seen []models.EventType
	cursor, pages := "", 0
	for {
		page, err := repo.Query(ctx, EventQuery{Cursor: cursor, Limit: 2})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		pages++
		for _, event := range page.Events {
			seen = append(seen, event.Type)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if pages != 3 || len(seen) != len(lifecycle) {
		t.Fatalf("expected 5 events over 3 pages, got %d over %d", len(seen), pages)
	}
	for i := range lifecycle {
		if seen[i] != lifecycle[i] {
			t.Fatalf("events out of order: %v", seen)
		}
	}

	since, until := base.Add(time.Minute), base.Add(3*time.Minute)
	page, err := repo.Query(ctx, EventQuery{Since: &since, Until: &until})
	if err != nil {
		t.Fatalf("Query window: %v", err)
	}
	if len(page.Events) != 2 || page.Events[0].Type != models.EventTypeApprovalDecided {
		t.Fatalf("expected [since, until) to hold two events, got %+v", page.Events)
	}

	decided := models.EventTypeApprovalDecided
	entity := "cr-7"
	page, err = repo.Query(ctx, EventQuery{Type: &decided, EntityID: &entity})
	if err != nil || len(page.Events) != 1 {
		t.Fatalf("expected one approval.decided event, got %+v (%v)", page, err)
	}
}

func TestEventRepositoryDeviceAndPrefixFilters(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	defer database.Close()
	repo := NewEventRepository(database)

	base := time.Now().UTC().Add(-time.Hour)
	for i, event := range []*models.Event{
		{Type: models.EventTypeChangeCreated, EntityType: models.EntityTypeChangeRequest, EntityID: "cr-1", Metadata: map[string]string{models.EventMetaDevice: "dev-1"}},
		{Type: models.EventTypeApprovalDecided, EntityType: models.EntityTypeChangeRequest, EntityID: "cr-1", Metadata: map[string]string{models.EventMetaDevice: "dev-1"}},
		{Type: models.EventTypeGraphImported, EntityType: models.EntityTypeDevice, EntityID: "dev-1"},
		{Type: models.EventTypeChangeCreated, EntityType: models.EntityTypeChangeRequest, EntityID: "cr-2", Metadata: map[string]string{models.EventMetaDevice: "dev-2"}},
		{Type: models.EventTypePolicyReloaded, EntityType: models.EntityTypePolicy, EntityID: "policies.yaml"},
	} {
		event.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if err := repo.Append(ctx, event); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	page, err := repo.Query(ctx, EventQuery{DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("Query device: %v", err)
	}
	if len(page.Events) != 3 {
		t.Fatalf("expected 3 events for dev-1, got %d", len(page.Events))
	}
	if page.Events[2].Type != models.EventTypeGraphImported {
		t.Fatalf("expected graph event last, got %s", page.Events[2].Type)
	}

	page, err = repo.Query(ctx, EventQuery{TypePrefix: "change."})
	if err != nil {
		t.Fatalf("Query prefix: %v", err)
	}
	if len(page.Events) != 2 {
		t.Fatalf("expected 2 change events, got %d", len(page.Events))
	}

	page, err = repo.Query(ctx, EventQuery{TypePrefix: "change.", DeviceID: "dev-2"})
	if err != nil {
		t.Fatalf("Query combined: %v", err)
	}
	if len(page.Events) != 1 || page.Events[0].EntityID != "cr-2" {
		t.Fatalf("unexpected combined result: %+v", page.Events)
	}
}

func TestEventRepositoryPrune(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	defer database.Close()
	repo := NewEventRepository(database)

	base := time.Now().UTC().Add(-48 * time.Hour)
	for i, eventType := range []models.EventType{
		models.EventTypeChangeCreated,
		models.EventTypeChangeApproved,
		models.EventTypeChangeApplied,
	} {
		event := &models.Event{
			Type:       eventType,
			EntityType: models.EntityTypeChangeRequest,
			EntityID:   "cr-9",
			Timestamp:  base.Add(time.Duration(i) * 24 * time.Hour),
		}
		if err := repo.Append(ctx, event); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	deleted, err := repo.DeleteOlderThan(ctx, base.Add(36*time.Hour), 1)
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected the batch limit to cap deletion at 1, got %d", deleted)
	}
	deleted, err = repo.DeleteOlderThan(ctx, base.Add(36*time.Hour), 0)
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 more deleted, got %d", deleted)
	}

	count, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 remaining event, got %d", count)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}
