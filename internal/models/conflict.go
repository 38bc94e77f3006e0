// Package models provides data model definitions for the outbox core.
package models

import "encoding/json"

// FieldConflict is one contended top-level field reported by the server
// in a 409 response body.
type FieldConflict struct {
	Field       string          `json:"field"`
	LocalValue  json.RawMessage `json:"local_value"`
	ServerValue json.RawMessage `json:"server_value"`
}

// ConflictContext carries everything the resolution protocol needs to turn
// a version conflict into an outcome. It is ephemeral: constructed when a
// 409 is detected, consumed by the protocol, and discarded once a
// resolution is chosen. It is never persisted; if the process restarts
// mid-resolution the conflict is simply re-detected on the next attempt.
type ConflictContext struct {
	OperationID string          `json:"operation_id"`
	Endpoint    string          `json:"endpoint"`
	Method      Method          `json:"method"`
	LocalData   json.RawMessage `json:"local_data"`
	ServerData  json.RawMessage `json:"server_data"`
	Conflicts   []FieldConflict `json:"conflicts,omitempty"`
	DetectedAt  int64           `json:"detected_at"`
}

// HasFieldDetail reports whether the server provided a field-level diff.
// Without it the conflict is whole-resource and merge is unavailable.
func (c *ConflictContext) HasFieldDetail() bool {
	return len(c.Conflicts) > 0
}
