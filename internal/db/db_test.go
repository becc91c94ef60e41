package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory failed: %v", err)
	}
	if _, err := database.MigrateUp(context.Background()); err != nil {
		database.Close()
		t.Fatalf("MigrateUp failed: %v", err)
	}
	return database
}

func TestMigrateUpIsIdempotent(t *testing.T) {
	ctx := context.Background()

	database, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory failed: %v", err)
	}
	defer database.Close()

	applied, err := database.MigrateUp(ctx)
	if err != nil {
		t.Fatalf("first MigrateUp failed: %v", err)
	}
	if applied != 2 {
		t.Fatalf("expected 2 migrations, got %d", applied)
	}

	applied, err = database.MigrateUp(ctx)
	if err != nil {
		t.Fatalf("second MigrateUp failed: %v", err)
	}
	if applied != 0 {
		t.Fatalf("expected no pending migrations, got %d", applied)
	}

	version, err := database.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if version != 2 {
		t.Fatalf("expected schema version 2, got %d", version)
	}
}

func TestOpenFileDatabase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "nested", "changegate.db")

	database, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer database.Close()

	if _, err := database.MigrateUp(context.Background()); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	if database.Path() != cfg.Path {
		t.Fatalf("expected path %q, got %q", cfg.Path, database.Path())
	}
}

func TestTimeFormatSortsLexically(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	earlier := formatTime(base)
	later := formatTime(base.Add(100 * time.Millisecond))
	if !(earlier < later) {
		t.Fatalf("expected %q < %q", earlier, later)
	}

	parsed, err := parseTime(later)
	if err != nil {
		t.Fatalf("parseTime failed: %v", err)
	}
	if !parsed.Equal(base.Add(100 * time.Millisecond)) {
		t.Fatalf("round trip mismatch: %v", parsed)
	}
}
