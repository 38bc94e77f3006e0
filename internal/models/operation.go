// Package models provides data model definitions for the outbox core.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Method is the transport-level verb of a write operation.
type Method string

const (
	MethodCreate Method = "CREATE"
	MethodUpdate Method = "UPDATE"
	MethodDelete Method = "DELETE"
)

// Valid reports whether the method is one of the supported verbs.
func (m Method) Valid() bool {
	switch m {
	case MethodCreate, MethodUpdate, MethodDelete:
		return true
	}
	return false
}

// Priority orders pending operations for replay. High is reserved for
// operations that already failed once; a failed real request is more
// urgent to retry than a fresh queued one.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the sort rank of the priority (lower sorts first).
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	}
	return 1
}

// OperationStatus is the stored lifecycle state of an operation.
// There is no "succeeded" state: success removes the record.
type OperationStatus string

const (
	StatusPending OperationStatus = "pending"
	StatusFailed  OperationStatus = "failed"
)

// DefaultMaxRetries is applied when a caller does not set MaxRetries.
const DefaultMaxRetries = 3

// Operation is a persisted pending write, durably queued until the
// authoritative server confirms it.
type Operation struct {
	ID             string            `db:"id" json:"id"`
	Method         Method            `db:"method" json:"method"`
	Endpoint       string            `db:"endpoint" json:"endpoint"`
	Payload        json.RawMessage   `db:"payload" json:"payload"`
	Headers        map[string]string `db:"headers" json:"headers,omitempty"`
	IdempotencyKey string            `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Priority       Priority          `db:"priority" json:"priority"`
	Status         OperationStatus   `db:"status" json:"status"`
	RetryCount     int               `db:"retry_count" json:"retry_count"`
	MaxRetries     int               `db:"max_retries" json:"max_retries"`
	Timestamp      int64             `db:"created_at" json:"timestamp"`
	NextRetryAt    int64             `db:"next_retry_at" json:"next_retry_at,omitempty"`
	LastError      string            `db:"last_error" json:"last_error,omitempty"`
	TempID         string            `db:"temp_id" json:"temp_id,omitempty"`
	Force          bool              `db:"force_write" json:"force,omitempty"`
}

// TableName returns the table name for Operation.
func (Operation) TableName() string {
	return "operations"
}

// DedupKey returns the idempotency scope of the operation, or "" when the
// caller supplied no idempotency key and deduplication is not attempted.
func (o *Operation) DedupKey() string {
	if o.IdempotencyKey == "" {
		return ""
	}
	return fmt.Sprintf("%s|%s|%s", o.Endpoint, o.Method, o.IdempotencyKey)
}

// Ready reports whether the operation's backoff gate has passed at the
// given instant. Timestamps are unix milliseconds; zero means no gate.
func (o *Operation) Ready(nowMillis int64) bool {
	return o.NextRetryAt == 0 || o.NextRetryAt <= nowMillis
}

// TimestampTime returns the enqueue time as time.Time.
func (o *Operation) TimestampTime() time.Time {
	return time.UnixMilli(o.Timestamp)
}
