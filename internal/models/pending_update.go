// Package models provides data model definitions for the outbox core.
package models

// PendingUpdate tracks one optimistic mutation currently in flight on the
// happy path. It is in-memory only, keyed by a request id distinct from
// Operation.ID, and never survives a restart; it exists purely so the UI
// can show a count of outstanding optimistic writes.
type PendingUpdate struct {
	RequestID string `json:"request_id"`
	Endpoint  string `json:"endpoint"`
	Method    Method `json:"method"`
	StartedAt int64  `json:"started_at"`
}
