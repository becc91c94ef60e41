package db

import (
	"context"
	"testing"

	"github.com/tOgg1/changegate/internal/depgraph"
	"github.com/tOgg1/changegate/internal/models"
)

var _ depgraph.Store = (*DependencyRepository)(nil)

func TestDependencyRepository_UpsertIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewDependencyRepository(db)
	ctx := context.Background()

	edge := &models.DependencyEdge{
		DeviceID:       "dev-1",
		ServiceName:    "web",
		DependsOn:      "redis",
		DependencyType: models.DependencyTypeDependsOn,
		Metadata:       map[string]string{"source": "compose"},
	}
	created, err := repo.UpsertEdge(ctx, edge)
	if err != nil {
		t.Fatalf("UpsertEdge failed: %v", err)
	}
	if !created {
		t.Fatal("expected first upsert to create")
	}
	firstID := edge.ID

	dup := &models.DependencyEdge{
		DeviceID:       "dev-1",
		ServiceName:    "web",
		DependsOn:      "redis",
		DependencyType: models.DependencyTypeManual,
	}
	created, err = repo.UpsertEdge(ctx, dup)
	if err != nil {
		t.Fatalf("second UpsertEdge failed: %v", err)
	}
	if created {
		t.Fatal("expected duplicate upsert to be a no-op")
	}
	if dup.ID != firstID || dup.DependencyType != models.DependencyTypeDependsOn {
		t.Fatalf("expected stored edge to be returned, got %+v", dup)
	}
	if dup.Metadata["source"] != "compose" {
		t.Fatalf("expected stored metadata, got %v", dup.Metadata)
	}
}

func TestDependencyRepository_Queries(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewDependencyRepository(db)
	ctx := context.Background()

	for _, e := range [][3]string{
		{"dev-1", "web", "redis"},
		{"dev-1", "worker", "redis"},
		{"dev-1", "redis", "volume:data"},
		{"dev-2", "web", "redis"},
	} {
		if _, err := repo.UpsertEdge(ctx, &models.DependencyEdge{
			DeviceID:       e[0],
			ServiceName:    e[1],
			DependsOn:      e[2],
			DependencyType: models.DependencyTypeDependsOn,
		}); err != nil {
			t.Fatalf("UpsertEdge %v failed: %v", e, err)
		}
	}

	down, err := repo.ListDownstream(ctx, "dev-1", "redis")
	if err != nil {
		t.Fatalf("ListDownstream failed: %v", err)
	}
	if len(down) != 2 || down[0].ServiceName != "web" || down[1].ServiceName != "worker" {
		t.Fatalf("unexpected downstream edges: %+v", down)
	}

	up, err := repo.ListUpstream(ctx, "dev-1", "redis")
	if err != nil {
		t.Fatalf("ListUpstream failed: %v", err)
	}
	if len(up) != 1 || up[0].DependsOn != "volume:data" {
		t.Fatalf("unexpected upstream edges: %+v", up)
	}

	removed, err := repo.DeleteForService(ctx, "dev-1", "redis")
	if err != nil {
		t.Fatalf("DeleteForService failed: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 edges removed, got %d", removed)
	}

	remaining, err := repo.ListEdges(ctx, "dev-2")
	if err != nil {
		t.Fatalf("ListEdges failed: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected other device untouched, got %d edges", len(remaining))
	}
}

func TestDependencyRepository_BacksGraphService(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	svc := depgraph.NewService(NewDependencyRepository(db))
	ctx := context.Background()

	for _, pair := range [][2]string{{"web", "api"}, {"api", "db"}, {"db", "web"}} {
		if _, err := svc.AddEdge(ctx, "dev-1", pair[0], pair[1], "", nil); err != nil {
			t.Fatalf("AddEdge %v failed: %v", pair, err)
		}
	}

	closure, err := svc.GetTransitiveClosure(ctx, "dev-1", "web", 0)
	if err != nil {
		t.Fatalf("GetTransitiveClosure failed: %v", err)
	}
	if len(closure.Downstream) != 3 || len(closure.Upstream) != 3 {
		t.Fatalf("expected cycle to reach every node, got %+v", closure)
	}
}
