// Package conflict implements the resolution protocol for versioned write
// conflicts: a small state machine plus a pure data contract that turns a
// conflict payload into use-server, use-local, field-merge or cancel.
package conflict

import (
	"context"
	"encoding/json"
	"time"

	apperr "github.com/omrozmn/x-ear-sub004/internal/errors"
	"github.com/omrozmn/x-ear-sub004/internal/logging"
	"github.com/omrozmn/x-ear-sub004/internal/models"
)

// Choice is the resolution outcome selected by the user or a programmatic
// resolver.
type Choice string

const (
	ChoiceUseServer Choice = "use-server"
	ChoiceUseLocal  Choice = "use-local"
	ChoiceMerge     Choice = "merge"
	ChoiceCancel    Choice = "cancel"
)

// State tracks the protocol's lifecycle for one conflict.
type State string

const (
	StateDetected       State = "detected"
	StateAwaitingChoice State = "awaiting-choice"
	StateResolved       State = "resolved"
	StateCancelled      State = "cancelled"
)

// Side selects which value wins a single contended field in a merge.
type Side string

const (
	SideLocal  Side = "local"
	SideServer Side = "server"
)

// Resolution is the chosen outcome. For merge, FieldChoices selects a side
// per contended field; unselected fields default to the local value.
// MergedData is computed by Apply and carries the retry payload.
type Resolution struct {
	Choice       Choice          `json:"choice"`
	FieldChoices map[string]Side `json:"field_choices,omitempty"`
	MergedData   json.RawMessage `json:"merged_data,omitempty"`
}

// Resolver produces a resolution for a detected conflict. Implementations
// may block indefinitely waiting for user input; the operation remains
// pending in the store throughout, so nothing is lost if the process goes
// away mid-resolution.
type Resolver interface {
	Resolve(ctx context.Context, cc *models.ConflictContext) (*Resolution, error)
}

// FuncResolver adapts a function to the Resolver interface.
type FuncResolver func(ctx context.Context, cc *models.ConflictContext) (*Resolution, error)

// Resolve implements Resolver.
func (f FuncResolver) Resolve(ctx context.Context, cc *models.ConflictContext) (*Resolution, error) {
	return f(ctx, cc)
}

// Apply validates a resolution against its conflict and, for merge,
// computes the merged payload. Merge is rejected for whole-resource
// conflicts, where the server provided no field-level detail.
func Apply(cc *models.ConflictContext, res *Resolution) (*Resolution, error) {
	if res == nil {
		return nil, apperr.New(apperr.ErrValidation, "resolution is required")
	}

	switch res.Choice {
	case ChoiceUseServer, ChoiceUseLocal, ChoiceCancel:
		return res, nil
	case ChoiceMerge:
		if !cc.HasFieldDetail() {
			return nil, apperr.New(apperr.ErrMergeUnavailable,
				"server provided no field-level conflict detail")
		}
		merged, err := MergePayload(cc.LocalData, cc.ServerData, cc.Conflicts, res.FieldChoices)
		if err != nil {
			return nil, err
		}
		res.MergedData = merged
		return res, nil
	default:
		return nil, apperr.Newf(apperr.ErrValidation, "unknown resolution choice %q", res.Choice)
	}
}

// MergePayload builds the retry payload for a field-merge resolution.
//
// The merge is intentionally flat: only the top-level fields named in the
// server's conflicts list are contended. Any field not listed is taken
// from local data unconditionally (it was not contended), and a contended
// field with no explicit choice defaults to the local value.
func MergePayload(localData, serverData json.RawMessage, conflicts []models.FieldConflict, choices map[string]Side) (json.RawMessage, error) {
	merged := map[string]json.RawMessage{}
	if len(localData) > 0 {
		if err := json.Unmarshal(localData, &merged); err != nil {
			return nil, apperr.Wrap(apperr.ErrValidation, "local data is not a JSON object", err)
		}
	}

	var serverFields map[string]json.RawMessage
	if len(serverData) > 0 {
		// Best effort: the field conflicts carry server values too.
		json.Unmarshal(serverData, &serverFields)
	}

	for _, fc := range conflicts {
		if choices[fc.Field] != SideServer {
			continue
		}
		switch {
		case len(fc.ServerValue) > 0:
			merged[fc.Field] = fc.ServerValue
		case serverFields != nil:
			if v, ok := serverFields[fc.Field]; ok {
				merged[fc.Field] = v
			} else {
				delete(merged, fc.Field)
			}
		default:
			delete(merged, fc.Field)
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrValidation, "failed to encode merged payload", err)
	}
	return json.RawMessage(out), nil
}

// NewContext builds a ConflictContext from a 409 response.
func NewContext(op *models.Operation, serverData json.RawMessage, conflicts []models.FieldConflict) *models.ConflictContext {
	cc := &models.ConflictContext{
		OperationID: op.ID,
		Endpoint:    op.Endpoint,
		Method:      op.Method,
		LocalData:   op.Payload,
		ServerData:  serverData,
		Conflicts:   conflicts,
		DetectedAt:  time.Now().UnixMilli(),
	}

	logging.Warn("Write conflict detected", map[string]interface{}{
		"operation_id":     op.ID,
		"endpoint":         op.Endpoint,
		"contended_fields": len(conflicts),
	})

	return cc
}
