// Package sync drains the operation outbox against the authoritative
// server: optimistic write attempts, retry scheduling with backoff, and
// the hand-off into the conflict resolution protocol.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	gosync "sync"

	apperr "github.com/omrozmn/x-ear-sub004/internal/errors"
	"github.com/omrozmn/x-ear-sub004/internal/events"
	"github.com/omrozmn/x-ear-sub004/internal/logging"
	"github.com/omrozmn/x-ear-sub004/internal/models"
	"github.com/omrozmn/x-ear-sub004/internal/server"
	"github.com/omrozmn/x-ear-sub004/internal/sync/conflict"
	"github.com/omrozmn/x-ear-sub004/internal/uuid"
)

// Outcome classifies one write attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeConflict
	OutcomeTransient
	OutcomeTerminal
)

// AttemptResult is the tagged result of one attempt through the
// coordinator. Callers pattern-match on Outcome instead of catching
// heterogeneous errors.
type AttemptResult struct {
	Outcome Outcome

	// Data is the server response payload on success.
	Data json.RawMessage

	// Conflict and Resolution are set for OutcomeConflict. A nil
	// Resolution means the protocol did not complete (shutdown while
	// awaiting a choice); the operation must stay pending untouched.
	Conflict   *models.ConflictContext
	Resolution *conflict.Resolution

	// Err is set for OutcomeTransient and OutcomeTerminal.
	Err error
}

// Coordinator performs one "apply immediately, verify against server"
// mutation attempt and classifies its result. It also owns the short-lived
// PendingUpdate entries backing the UI's outstanding-writes count.
type Coordinator struct {
	client   server.Client
	resolver conflict.Resolver
	bus      *events.Bus
	clock    Clock

	mu      gosync.Mutex
	pending map[string]*models.PendingUpdate
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(client server.Client, resolver conflict.Resolver, bus *events.Bus, clock Clock) *Coordinator {
	if clock == nil {
		clock = SystemClock()
	}
	return &Coordinator{
		client:   client,
		resolver: resolver,
		bus:      bus,
		clock:    clock,
		pending:  make(map[string]*models.PendingUpdate),
	}
}

// PendingCount returns the number of optimistic writes currently in flight
// for the endpoint.
func (c *Coordinator) PendingCount(endpoint string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, pu := range c.pending {
		if pu.Endpoint == endpoint {
			count++
		}
	}
	return count
}

// Attempt sends the operation to the server once. On a 409 it builds the
// conflict context and suspends on the resolution protocol; this is the
// one place the engine blocks on external input, and it carries no
// timeout: the operation remains pending in the store throughout, so a
// restart simply re-detects the conflict on the next attempt.
func (c *Coordinator) Attempt(ctx context.Context, op *models.Operation) *AttemptResult {
	requestID := c.trackPending(op)
	defer c.releasePending(requestID, op.Endpoint)

	result, err := c.client.Write(ctx, &server.WriteRequest{
		Method:         op.Method,
		Endpoint:       op.Endpoint,
		Payload:        op.Payload,
		IdempotencyKey: op.IdempotencyKey,
		Force:          op.Force,
		Headers:        op.Headers,
	})

	if err == nil {
		c.emitRename(op, result.Data)
		return &AttemptResult{Outcome: OutcomeSuccess, Data: result.Data}
	}

	var ce *server.ConflictError
	if errors.As(err, &ce) {
		cc := conflict.NewContext(op, ce.CurrentData, ce.Conflicts)

		resolution, resolveErr := c.resolver.Resolve(ctx, cc)
		if resolveErr != nil {
			logging.Info("Conflict resolution did not complete, operation stays pending",
				map[string]interface{}{"operation_id": op.ID, "endpoint": op.Endpoint})
			return &AttemptResult{Outcome: OutcomeConflict, Conflict: cc}
		}

		applied, applyErr := conflict.Apply(cc, resolution)
		if applyErr != nil {
			// A programmatic resolver handed back an invalid choice; treat
			// the conflict as unresolved rather than guessing.
			logging.Error("Resolver produced an invalid resolution", applyErr,
				map[string]interface{}{"operation_id": op.ID})
			return &AttemptResult{Outcome: OutcomeConflict, Conflict: cc}
		}
		return &AttemptResult{Outcome: OutcomeConflict, Conflict: cc, Resolution: applied}
	}

	if apperr.Is(err, apperr.ErrTerminal) {
		return &AttemptResult{Outcome: OutcomeTerminal, Err: err}
	}
	return &AttemptResult{Outcome: OutcomeTransient, Err: err}
}

// emitRename publishes the tempId -> serverId mapping once a CREATE is
// confirmed, so callers rendering against the placeholder can reconcile.
func (c *Coordinator) emitRename(op *models.Operation, data json.RawMessage) {
	if op.Method != models.MethodCreate || op.TempID == "" || len(data) == 0 {
		return
	}

	var body struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.ID == "" {
		return
	}

	c.bus.Publish(events.Event{
		Type:      events.OperationRenamed,
		Operation: op,
		Data: map[string]interface{}{
			"temp_id":   op.TempID,
			"server_id": body.ID,
			"endpoint":  op.Endpoint,
		},
	})
}

func (c *Coordinator) trackPending(op *models.Operation) string {
	requestID := uuid.New()

	c.mu.Lock()
	c.pending[requestID] = &models.PendingUpdate{
		RequestID: requestID,
		Endpoint:  op.Endpoint,
		Method:    op.Method,
		StartedAt: c.clock.Now().UnixMilli(),
	}
	count := c.countLocked(op.Endpoint)
	c.mu.Unlock()

	c.emitPendingChanged(op.Endpoint, count)
	return requestID
}

func (c *Coordinator) releasePending(requestID, endpoint string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	count := c.countLocked(endpoint)
	c.mu.Unlock()

	c.emitPendingChanged(endpoint, count)
}

func (c *Coordinator) countLocked(endpoint string) int {
	count := 0
	for _, pu := range c.pending {
		if pu.Endpoint == endpoint {
			count++
		}
	}
	return count
}

func (c *Coordinator) emitPendingChanged(endpoint string, count int) {
	c.bus.Publish(events.Event{
		Type: events.PendingUpdateChanged,
		Data: map[string]interface{}{
			"endpoint":     endpoint,
			"isPending":    count > 0,
			"pendingCount": count,
		},
	})
}
