package conflict

import (
	"context"
	"sync"

	apperr "github.com/omrozmn/x-ear-sub004/internal/errors"
	"github.com/omrozmn/x-ear-sub004/internal/events"
	"github.com/omrozmn/x-ear-sub004/internal/models"
	"github.com/omrozmn/x-ear-sub004/internal/uuid"
)

// PendingConflict is a conflict waiting for an external choice, exposed to
// the UI through the local API.
type PendingConflict struct {
	ID      string                  `json:"id"`
	State   State                   `json:"state"`
	Context *models.ConflictContext `json:"context"`
}

type pendingEntry struct {
	PendingConflict
	ch chan *Resolution
}

// Registry is the user-directed Resolver: Resolve parks the conflict until
// the UI submits a choice through Submit. There is deliberately no timeout;
// a user may leave a conflict unresolved indefinitely, and the underlying
// operation stays pending in the store the whole time.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry
	bus     *events.Bus
}

// NewRegistry creates an empty Registry.
func NewRegistry(bus *events.Bus) *Registry {
	return &Registry{
		pending: make(map[string]*pendingEntry),
		bus:     bus,
	}
}

// Resolve implements Resolver. It blocks until Submit delivers a choice or
// the context is cancelled; cancellation reports RESOLUTION_PENDING so the
// caller leaves the operation untouched for re-detection.
func (r *Registry) Resolve(ctx context.Context, cc *models.ConflictContext) (*Resolution, error) {
	entry := &pendingEntry{
		PendingConflict: PendingConflict{
			ID:      uuid.New(),
			State:   StateAwaitingChoice,
			Context: cc,
		},
		ch: make(chan *Resolution, 1),
	}

	r.mu.Lock()
	r.pending[entry.ID] = entry
	r.mu.Unlock()

	r.bus.Publish(events.Event{
		Type: events.ConflictDetected,
		Data: map[string]interface{}{
			"conflict_id":  entry.ID,
			"operation_id": cc.OperationID,
			"endpoint":     cc.Endpoint,
			"mergeable":    cc.HasFieldDetail(),
		},
	})

	select {
	case res := <-entry.ch:
		return res, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, entry.ID)
		r.mu.Unlock()
		return nil, apperr.Wrap(apperr.ErrResolutionPending, "conflict left unresolved", ctx.Err())
	}
}

// Submit delivers a resolution for a parked conflict. The resolution is
// validated (and the merge payload computed) before delivery, so an
// invalid choice is reported to the submitter while the conflict stays
// parked.
func (r *Registry) Submit(id string, res *Resolution) error {
	r.mu.Lock()
	entry, ok := r.pending[id]
	r.mu.Unlock()
	if !ok {
		return apperr.Newf(apperr.ErrConflictNotFound, "no pending conflict %s", id)
	}

	applied, err := Apply(entry.Context, res)
	if err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()

	entry.ch <- applied

	r.bus.Publish(events.Event{
		Type: events.ConflictResolved,
		Data: map[string]interface{}{
			"conflict_id":  id,
			"operation_id": entry.Context.OperationID,
			"choice":       string(applied.Choice),
		},
	})
	return nil
}

// List returns the conflicts currently awaiting a choice.
func (r *Registry) List() []PendingConflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PendingConflict, 0, len(r.pending))
	for _, entry := range r.pending {
		out = append(out, entry.PendingConflict)
	}
	return out
}
