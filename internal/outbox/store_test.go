package outbox

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/omrozmn/x-ear-sub004/internal/db"
	apperr "github.com/omrozmn/x-ear-sub004/internal/errors"
	"github.com/omrozmn/x-ear-sub004/internal/events"
	"github.com/omrozmn/x-ear-sub004/internal/models"
)

func newTestStore(t *testing.T) (*Store, *events.Bus) {
	t.Helper()

	database, err := db.Setup(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to set up database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	bus := events.NewBus()
	return NewStore(database, bus), bus
}

func testOp(endpoint string, method models.Method) *models.Operation {
	return &models.Operation{
		Method:   method,
		Endpoint: endpoint,
		Payload:  json.RawMessage(`{"name":"X"}`),
	}
}

// TestEnqueueDefaults tests that Enqueue fills ids and defaults.
func TestEnqueueDefaults(t *testing.T) {
	store, _ := newTestStore(t)

	op, err := store.Enqueue(testOp("/patients/42", models.MethodUpdate))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if op.ID == "" {
		t.Error("Expected generated id")
	}
	if op.Status != models.StatusPending {
		t.Errorf("Expected pending status, got %s", op.Status)
	}
	if op.Priority != models.PriorityNormal {
		t.Errorf("Expected normal priority, got %s", op.Priority)
	}
	if op.MaxRetries != models.DefaultMaxRetries {
		t.Errorf("Expected max retries %d, got %d", models.DefaultMaxRetries, op.MaxRetries)
	}
	if op.Timestamp == 0 {
		t.Error("Expected enqueue timestamp to be set")
	}
}

// TestEnqueueCreateAssignsTempID tests temp id assignment for CREATE.
func TestEnqueueCreateAssignsTempID(t *testing.T) {
	store, _ := newTestStore(t)

	op, err := store.Enqueue(testOp("/patients", models.MethodCreate))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if op.TempID == "" {
		t.Error("Expected temp id for CREATE operation")
	}
}

// TestEnqueueDedup tests the idempotency guard: a second enqueue with the
// same (endpoint, method, idempotencyKey) returns the existing record; a
// third after removal is accepted as new.
func TestEnqueueDedup(t *testing.T) {
	store, bus := newTestStore(t)

	var added, duplicate int
	bus.Subscribe(events.OperationAdded, func(events.Event) { added++ })
	bus.Subscribe(events.OperationDuplicate, func(events.Event) { duplicate++ })

	first := testOp("/patients/42", models.MethodUpdate)
	first.IdempotencyKey = "key-1"
	firstStored, err := store.Enqueue(first)
	if err != nil {
		t.Fatalf("First enqueue failed: %v", err)
	}

	second := testOp("/patients/42", models.MethodUpdate)
	second.IdempotencyKey = "key-1"
	secondStored, err := store.Enqueue(second)
	if err != nil {
		t.Fatalf("Second enqueue failed: %v", err)
	}

	if secondStored.ID != firstStored.ID {
		t.Errorf("Expected duplicate to return existing record %s, got %s", firstStored.ID, secondStored.ID)
	}

	pending, err := store.ListPending()
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Expected exactly 1 stored record, got %d", len(pending))
	}

	if added != 1 || duplicate != 1 {
		t.Errorf("Expected 1 added and 1 duplicate event, got %d and %d", added, duplicate)
	}

	// Once the first is removed the key is free again.
	if err := store.Remove(firstStored.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	third := testOp("/patients/42", models.MethodUpdate)
	third.IdempotencyKey = "key-1"
	thirdStored, err := store.Enqueue(third)
	if err != nil {
		t.Fatalf("Third enqueue failed: %v", err)
	}
	if thirdStored.ID == firstStored.ID {
		t.Error("Expected a new record after the original was removed")
	}
}

// TestEnqueueWithoutKeyNeverDedups tests that dedup is opt-in per call site.
func TestEnqueueWithoutKeyNeverDedups(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.Enqueue(testOp("/visits", models.MethodCreate)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := store.Enqueue(testOp("/visits", models.MethodCreate)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	pending, _ := store.ListPending()
	if len(pending) != 2 {
		t.Errorf("Expected 2 records without idempotency keys, got %d", len(pending))
	}
}

// TestListPendingOrdering tests priority-major, timestamp-minor ordering:
// [lowA, highB, normalC, highD] lists as [highB, highD, normalC, lowA].
func TestListPendingOrdering(t *testing.T) {
	store, _ := newTestStore(t)

	enqueue := func(endpoint string, prio models.Priority) string {
		op := testOp(endpoint, models.MethodUpdate)
		op.Priority = prio
		stored, err := store.Enqueue(op)
		if err != nil {
			t.Fatalf("Enqueue %s failed: %v", endpoint, err)
		}
		return stored.ID
	}

	lowA := enqueue("/a", models.PriorityLow)
	highB := enqueue("/b", models.PriorityHigh)
	normalC := enqueue("/c", models.PriorityNormal)
	highD := enqueue("/d", models.PriorityHigh)

	pending, err := store.ListPending()
	if err != nil {
		t.Fatalf("ListPending failed: %v", err)
	}

	want := []string{highB, highD, normalC, lowA}
	if len(pending) != len(want) {
		t.Fatalf("Expected %d operations, got %d", len(want), len(pending))
	}
	for i, id := range want {
		if pending[i].ID != id {
			t.Errorf("Position %d: expected %s, got %s", i, id, pending[i].ID)
		}
	}
}

// TestUpdateNotFound tests that updating an absent id fails.
func TestUpdateNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	status := models.StatusFailed
	_, err := store.Update("missing", Patch{Status: &status})
	if !apperr.Is(err, apperr.ErrOperationNotFound) {
		t.Errorf("Expected OPERATION_NOT_FOUND, got %v", err)
	}
}

// TestUpdateMergesPatch tests partial updates.
func TestUpdateMergesPatch(t *testing.T) {
	store, _ := newTestStore(t)

	stored, err := store.Enqueue(testOp("/patients/42", models.MethodUpdate))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	retries := 2
	nextRetry := time.Now().Add(4 * time.Second).UnixMilli()
	lastErr := "connection refused"
	prio := models.PriorityHigh

	updated, err := store.Update(stored.ID, Patch{
		RetryCount:  &retries,
		NextRetryAt: &nextRetry,
		LastError:   &lastErr,
		Priority:    &prio,
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if updated.RetryCount != 2 || updated.NextRetryAt != nextRetry {
		t.Error("Patch fields were not applied")
	}
	if updated.Priority != models.PriorityHigh {
		t.Errorf("Expected escalated priority, got %s", updated.Priority)
	}

	// Untouched fields survive.
	reread, err := store.Get(stored.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(reread.Payload) != `{"name":"X"}` {
		t.Errorf("Payload changed unexpectedly: %s", reread.Payload)
	}
	if reread.LastError != lastErr {
		t.Errorf("Expected last error %q, got %q", lastErr, reread.LastError)
	}
}

// TestRemoveIdempotent tests that removing an absent id is a no-op.
func TestRemoveIdempotent(t *testing.T) {
	store, bus := newTestStore(t)

	var removed int
	bus.Subscribe(events.OperationRemoved, func(events.Event) { removed++ })

	stored, _ := store.Enqueue(testOp("/patients/42", models.MethodDelete))

	if err := store.Remove(stored.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := store.Remove(stored.ID); err != nil {
		t.Errorf("Second remove should be a no-op, got %v", err)
	}
	if err := store.Remove("never-existed"); err != nil {
		t.Errorf("Removing an absent id should be a no-op, got %v", err)
	}

	if removed != 1 {
		t.Errorf("Expected exactly 1 operation-removed event, got %d", removed)
	}
}

// TestStats tests the stats counters.
func TestStats(t *testing.T) {
	store, _ := newTestStore(t)

	first, _ := store.Enqueue(testOp("/a", models.MethodUpdate))
	store.Enqueue(testOp("/b", models.MethodUpdate))
	failedOp, _ := store.Enqueue(testOp("/c", models.MethodUpdate))

	status := models.StatusFailed
	if _, err := store.Update(failedOp.ID, Patch{Status: &status}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}

	if stats.Total != 3 || stats.Pending != 2 || stats.Failed != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.OldestPendingAt != first.Timestamp {
		t.Errorf("Expected oldest pending at %d, got %d", first.Timestamp, stats.OldestPendingAt)
	}
}

// TestClearFailed tests bulk removal of failed records only.
func TestClearFailed(t *testing.T) {
	store, _ := newTestStore(t)

	keep, _ := store.Enqueue(testOp("/keep", models.MethodUpdate))
	gone, _ := store.Enqueue(testOp("/gone", models.MethodUpdate))

	status := models.StatusFailed
	store.Update(gone.ID, Patch{Status: &status})

	n, err := store.ClearFailed()
	if err != nil {
		t.Fatalf("ClearFailed failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 cleared record, got %d", n)
	}

	if _, err := store.Get(keep.ID); err != nil {
		t.Errorf("Pending record should survive ClearFailed: %v", err)
	}
	if _, err := store.Get(gone.ID); !apperr.Is(err, apperr.ErrOperationNotFound) {
		t.Error("Failed record should be gone after ClearFailed")
	}
}

// TestRetryAllFailed tests resetting failed records back to pending.
func TestRetryAllFailed(t *testing.T) {
	store, _ := newTestStore(t)

	op, _ := store.Enqueue(testOp("/patients/42", models.MethodUpdate))

	status := models.StatusFailed
	retries := 3
	lastErr := "boom"
	store.Update(op.ID, Patch{Status: &status, RetryCount: &retries, LastError: &lastErr})

	n, err := store.RetryAllFailed()
	if err != nil {
		t.Fatalf("RetryAllFailed failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 reset record, got %d", n)
	}

	reread, _ := store.Get(op.ID)
	if reread.Status != models.StatusPending || reread.RetryCount != 0 || reread.LastError != "" {
		t.Errorf("Record was not fully reset: %+v", reread)
	}
}

// TestDurabilityAcrossReopen tests that queued operations survive a restart.
func TestDurabilityAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	database, err := db.Setup(dir)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	store := NewStore(database, events.NewBus())

	stored, err := store.Enqueue(testOp("/patients/42", models.MethodUpdate))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	database.Close()

	database, err = db.Setup(dir)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer database.Close()

	reopened := NewStore(database, events.NewBus())
	pending, err := reopened.ListPending()
	if err != nil {
		t.Fatalf("ListPending after reopen failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != stored.ID {
		t.Errorf("Expected operation %s to survive reopen, got %v", stored.ID, pending)
	}
	if string(pending[0].Payload) != `{"name":"X"}` {
		t.Errorf("Payload corrupted across reopen: %s", pending[0].Payload)
	}
}
