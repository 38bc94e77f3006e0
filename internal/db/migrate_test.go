package db

import (
	"testing"
)

// TestSetupAppliesMigrations tests that Setup creates the schema from scratch.
func TestSetupAppliesMigrations(t *testing.T) {
	database, err := Setup(t.TempDir())
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer database.Close()

	migrator := NewMigrator(database.DB)
	version, err := migrator.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("Expected schema version %d, got %d", len(migrations), version)
	}

	// Operations table must exist and be queryable.
	var count int
	if err := database.QueryRow("SELECT COUNT(*) FROM operations").Scan(&count); err != nil {
		t.Fatalf("operations table missing: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected empty operations table, got %d rows", count)
	}
}

// TestSetupIsIdempotent tests that reopening an existing database applies
// nothing new.
func TestSetupIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	database, err := Setup(dir)
	if err != nil {
		t.Fatalf("First Setup failed: %v", err)
	}
	database.Close()

	database, err = Setup(dir)
	if err != nil {
		t.Fatalf("Second Setup failed: %v", err)
	}
	defer database.Close()

	var applied int
	if err := database.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied); err != nil {
		t.Fatalf("schema_migrations missing: %v", err)
	}
	if applied != len(migrations) {
		t.Errorf("Expected %d applied migrations, got %d", len(migrations), applied)
	}
}

// TestDedupIndexEnforced tests the partial unique index on pending rows.
func TestDedupIndexEnforced(t *testing.T) {
	database, err := Setup(t.TempDir())
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer database.Close()

	insert := `INSERT INTO operations (id, method, endpoint, idempotency_key, status, created_at)
		VALUES (?, 'UPDATE', '/patients/1', 'k1', ?, 1)`

	if _, err := database.Exec(insert, "op-1", "pending"); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}
	if _, err := database.Exec(insert, "op-2", "pending"); err == nil {
		t.Error("Expected unique constraint violation for duplicate pending key")
	}
	// A failed row does not occupy the dedup slot.
	if _, err := database.Exec(insert, "op-3", "failed"); err != nil {
		t.Errorf("Failed row should not collide with dedup index: %v", err)
	}
}
