// Package outbox provides the durable store of pending write operations.
//
// The store exclusively owns the persisted records: the sync engine and
// the local API read and modify operations only through this API, never
// through the backing database directly. Every read-modify-write runs
// inside one store call under one lock, so no record is mutated between
// a read and a dependent write.
package outbox

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/omrozmn/x-ear-sub004/internal/db"
	apperr "github.com/omrozmn/x-ear-sub004/internal/errors"
	"github.com/omrozmn/x-ear-sub004/internal/events"
	"github.com/omrozmn/x-ear-sub004/internal/logging"
	"github.com/omrozmn/x-ear-sub004/internal/models"
	"github.com/omrozmn/x-ear-sub004/internal/uuid"
)

// selectColumns is the column list every row scan expects.
const selectColumns = `id, method, endpoint, payload, headers, COALESCE(idempotency_key, ''),
	priority, status, retry_count, max_retries, created_at, next_retry_at, last_error, temp_id, force_write`

// orderClause implements the listing contract: priority-major
// (high, normal, low), timestamp-minor, insertion order as tie-break.
const orderClause = `ORDER BY CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END,
	created_at ASC, rowid ASC`

// Stats summarizes the stored queue for user-visible reporting.
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Failed          int   `json:"failed"`
	OldestPendingAt int64 `json:"oldest_pending_at,omitempty"`
	NewestPendingAt int64 `json:"newest_pending_at,omitempty"`
}

// Patch is a partial update applied to a stored operation. Nil fields are
// left unchanged.
type Patch struct {
	Status      *models.OperationStatus
	Priority    *models.Priority
	RetryCount  *int
	NextRetryAt *int64
	LastError   *string
	Payload     json.RawMessage
	Force       *bool
}

// Store is the durable keyed collection of pending operations.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	bus *events.Bus
}

// NewStore creates a Store over an opened, migrated database.
func NewStore(database *db.DB, bus *events.Bus) *Store {
	return &Store{
		db:  database.DB,
		bus: bus,
	}
}

// Enqueue inserts a new pending operation unless an equivalent pending
// operation (same endpoint, method and idempotency key) already exists,
// in which case the existing record is returned unchanged and an
// operation-duplicate event is emitted instead of operation-added.
// Operations without an idempotency key are always enqueued.
func (s *Store) Enqueue(op *models.Operation) (*models.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fillDefaults(op)
	if !op.Method.Valid() {
		return nil, apperr.Newf(apperr.ErrValidation, "unsupported method %q", op.Method)
	}
	if op.Endpoint == "" {
		return nil, apperr.New(apperr.ErrValidation, "endpoint is required")
	}

	if op.IdempotencyKey != "" {
		existing, err := s.findPendingLocked(op.Endpoint, op.Method, op.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.bus.Publish(events.Event{Type: events.OperationDuplicate, Operation: existing})
			logging.Debug("Duplicate enqueue suppressed", map[string]interface{}{
				"operation_id":    existing.ID,
				"endpoint":        existing.Endpoint,
				"idempotency_key": existing.IdempotencyKey,
			})
			return existing, nil
		}
	}

	headers, err := json.Marshal(op.Headers)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStore, "failed to encode headers", err)
	}

	var key interface{}
	if op.IdempotencyKey != "" {
		key = op.IdempotencyKey
	}

	_, err = s.db.Exec(`INSERT INTO operations
		(id, method, endpoint, payload, headers, idempotency_key, priority, status,
		retry_count, max_retries, created_at, next_retry_at, last_error, temp_id, force_write)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Method, op.Endpoint, string(op.Payload), string(headers), key,
		op.Priority, op.Status, op.RetryCount, op.MaxRetries, op.Timestamp,
		op.NextRetryAt, op.LastError, op.TempID, boolToInt(op.Force))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStore, "failed to insert operation", err)
	}

	s.bus.Publish(events.Event{Type: events.OperationAdded, Operation: op})
	logging.Info("Operation enqueued", map[string]interface{}{
		"operation_id": op.ID,
		"method":       string(op.Method),
		"endpoint":     op.Endpoint,
		"priority":     string(op.Priority),
	})

	return op, nil
}

// FindPending returns the pending operation matching the dedup tuple, or
// nil when none exists (or the key is empty, since dedup is opt-in).
func (s *Store) FindPending(endpoint string, method models.Method, idempotencyKey string) (*models.Operation, error) {
	if idempotencyKey == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findPendingLocked(endpoint, method, idempotencyKey)
}

func (s *Store) findPendingLocked(endpoint string, method models.Method, key string) (*models.Operation, error) {
	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM operations
		WHERE endpoint = ? AND method = ? AND idempotency_key = ? AND status = 'pending'`,
		endpoint, method, key)

	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStore, "failed to look up pending operation", err)
	}
	return op, nil
}

// Get returns the operation with the given id.
func (s *Store) Get(id string) (*models.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *Store) getLocked(id string) (*models.Operation, error) {
	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.ErrOperationNotFound, "operation %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStore, "failed to read operation", err)
	}
	return op, nil
}

// ListPending returns all pending operations in replay order.
func (s *Store) ListPending() ([]*models.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT ` + selectColumns + ` FROM operations WHERE status = 'pending' ` + orderClause)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStore, "failed to list pending operations", err)
	}
	defer rows.Close()

	var ops []*models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrStore, "failed to scan operation", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// ListFailed returns all failed operations, oldest first. Failed records
// stay inspectable and manually retryable indefinitely.
func (s *Store) ListFailed() ([]*models.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT ` + selectColumns + ` FROM operations WHERE status = 'failed' ` + orderClause)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStore, "failed to list failed operations", err)
	}
	defer rows.Close()

	var ops []*models.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrStore, "failed to scan operation", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Update merges the patch into the stored operation and persists it.
// Fails with OPERATION_NOT_FOUND if the id is absent.
func (s *Store) Update(id string, patch Patch) (*models.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}

	if patch.Status != nil {
		op.Status = *patch.Status
	}
	if patch.Priority != nil {
		op.Priority = *patch.Priority
	}
	if patch.RetryCount != nil {
		op.RetryCount = *patch.RetryCount
	}
	if patch.NextRetryAt != nil {
		op.NextRetryAt = *patch.NextRetryAt
	}
	if patch.LastError != nil {
		op.LastError = *patch.LastError
	}
	if patch.Payload != nil {
		op.Payload = patch.Payload
	}
	if patch.Force != nil {
		op.Force = *patch.Force
	}

	_, err = s.db.Exec(`UPDATE operations SET
		payload = ?, priority = ?, status = ?, retry_count = ?,
		next_retry_at = ?, last_error = ?, force_write = ?
		WHERE id = ?`,
		string(op.Payload), op.Priority, op.Status, op.RetryCount,
		op.NextRetryAt, op.LastError, boolToInt(op.Force), id)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStore, "failed to update operation", err)
	}

	s.bus.Publish(events.Event{Type: events.OperationUpdated, Operation: op})
	return op, nil
}

// Remove deletes the operation with the given id. Removing an absent id
// is a no-op, not an error.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, err := s.getLocked(id)
	if apperr.Is(err, apperr.ErrOperationNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := s.db.Exec(`DELETE FROM operations WHERE id = ?`, id); err != nil {
		return apperr.Wrap(apperr.ErrStore, "failed to remove operation", err)
	}

	s.bus.Publish(events.Event{Type: events.OperationRemoved, Operation: op})
	return nil
}

// Stats returns queue statistics for user-visible reporting.
func (s *Store) Stats() (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &Stats{}
	err := s.db.QueryRow(`SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		COALESCE(MIN(CASE WHEN status = 'pending' THEN created_at END), 0),
		COALESCE(MAX(CASE WHEN status = 'pending' THEN created_at END), 0)
		FROM operations`).Scan(
		&stats.Total, &stats.Pending, &stats.Failed,
		&stats.OldestPendingAt, &stats.NewestPendingAt)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStore, "failed to read stats", err)
	}
	return stats, nil
}

// ClearFailed bulk-removes all failed records. Only ever invoked by an
// explicit user action, never automatically.
func (s *Store) ClearFailed() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM operations WHERE status = 'failed'`)
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrStore, "failed to clear failed operations", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Info("Cleared failed operations", map[string]interface{}{"count": n})
	}
	return int(n), nil
}

// RetryFailed resets one failed operation back to pending so the sync
// engine picks it up again. The retry budget starts over.
func (s *Store) RetryFailed(id string) (*models.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	if op.Status != models.StatusFailed {
		return nil, apperr.Newf(apperr.ErrValidation, "operation %s is not failed", id)
	}

	op.Status = models.StatusPending
	op.RetryCount = 0
	op.NextRetryAt = 0
	op.LastError = ""

	_, err = s.db.Exec(`UPDATE operations SET status = 'pending', retry_count = 0,
		next_retry_at = 0, last_error = '' WHERE id = ?`, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStore, "failed to reset operation", err)
	}

	s.bus.Publish(events.Event{Type: events.OperationUpdated, Operation: op})
	return op, nil
}

// RetryAllFailed resets all failed operations back to pending and returns
// how many were reset.
func (s *Store) RetryAllFailed() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE operations SET status = 'pending', retry_count = 0,
		next_retry_at = 0, last_error = '' WHERE status = 'failed'`)
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrStore, "failed to reset failed operations", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Info("Reset failed operations for retry", map[string]interface{}{"count": n})
	}
	return int(n), nil
}

// fillDefaults assigns ids and default fields for a freshly built operation.
func fillDefaults(op *models.Operation) {
	if op.ID == "" {
		op.ID = uuid.New()
	}
	if op.Status == "" {
		op.Status = models.StatusPending
	}
	if op.Priority == "" {
		op.Priority = models.PriorityNormal
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = models.DefaultMaxRetries
	}
	if op.Timestamp == 0 {
		op.Timestamp = time.Now().UnixMilli()
	}
	if op.Payload == nil {
		op.Payload = json.RawMessage(`{}`)
	}
	if op.Method == models.MethodCreate && op.TempID == "" {
		op.TempID = uuid.NewTempID()
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*models.Operation, error) {
	var (
		op        models.Operation
		payload   string
		headers   string
		force     int
		method    string
		priority  string
		status    string
		idempKey  string
	)

	err := row.Scan(&op.ID, &method, &op.Endpoint, &payload, &headers, &idempKey,
		&priority, &status, &op.RetryCount, &op.MaxRetries, &op.Timestamp,
		&op.NextRetryAt, &op.LastError, &op.TempID, &force)
	if err != nil {
		return nil, err
	}

	op.Method = models.Method(method)
	op.Priority = models.Priority(priority)
	op.Status = models.OperationStatus(status)
	op.IdempotencyKey = idempKey
	op.Payload = json.RawMessage(payload)
	op.Force = force != 0
	if headers != "" && headers != "null" {
		if err := json.Unmarshal([]byte(headers), &op.Headers); err != nil {
			return nil, err
		}
	}
	return &op, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
