package sync

import (
	"context"
	"encoding/json"
	"math/rand"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/omrozmn/x-ear-sub004/internal/connectivity"
	"github.com/omrozmn/x-ear-sub004/internal/events"
	"github.com/omrozmn/x-ear-sub004/internal/logging"
	"github.com/omrozmn/x-ear-sub004/internal/models"
	"github.com/omrozmn/x-ear-sub004/internal/outbox"
	"github.com/omrozmn/x-ear-sub004/internal/sync/conflict"
	"github.com/omrozmn/x-ear-sub004/internal/uuid"
)

// DefaultSyncInterval is the periodic drain tick. It is redundant with the
// online transition trigger on purpose, to recover from missed events.
const DefaultSyncInterval = 30 * time.Second

// resolvedAttempts bounds how many times one drain slot re-attempts an
// operation after conflict resolutions before leaving it queued.
const resolvedAttempts = 2

// SubmitRequest is a caller-issued mutation.
type SubmitRequest struct {
	Method         models.Method     `json:"method"`
	Endpoint       string            `json:"endpoint"`
	Payload        json.RawMessage   `json:"payload"`
	Headers        map[string]string `json:"headers,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Priority       models.Priority   `json:"priority,omitempty"`
	MaxRetries     int               `json:"max_retries,omitempty"`
}

// Engine drains the operation store when connectivity allows, with mutual
// exclusion and per-operation backoff.
type Engine struct {
	store   *outbox.Store
	coord   *Coordinator
	monitor *connectivity.Monitor
	bus     *events.Bus
	clock   Clock

	interval time.Duration
	inFlight atomic.Bool

	rngMu gosync.Mutex
	rng   *rand.Rand

	lifecycle gosync.Mutex
	isRunning bool
	stopCh    chan struct{}
	wg        gosync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects a clock, used by tests to control the backoff gate.
func WithClock(clock Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithSyncInterval overrides the periodic drain tick.
func WithSyncInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// NewEngine creates an Engine. The online transition trigger is wired
// immediately; the periodic timer starts with Start.
func NewEngine(store *outbox.Store, coord *Coordinator, monitor *connectivity.Monitor, bus *events.Bus, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		coord:    coord,
		monitor:  monitor,
		bus:      bus,
		clock:    SystemClock(),
		interval: DefaultSyncInterval,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	bus.Subscribe(events.ConnectivityChanged, func(evt events.Event) {
		if online, _ := evt.Data["online"].(bool); online {
			go e.TriggerSync(context.Background())
		}
	})

	return e
}

// Start launches the periodic drain loop.
func (e *Engine) Start(ctx context.Context) {
	e.lifecycle.Lock()
	if e.isRunning {
		e.lifecycle.Unlock()
		return
	}
	e.isRunning = true
	e.lifecycle.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				if err := e.TriggerSync(ctx); err != nil {
					logging.Error("Periodic sync failed", err, nil)
				}
			}
		}
	}()

	logging.Info("Sync engine started", map[string]interface{}{
		"interval": e.interval.String(),
	})
}

// Stop terminates the periodic loop. An in-progress drain finishes its
// current operation; remaining work is picked up after the next Start.
func (e *Engine) Stop() {
	e.lifecycle.Lock()
	if !e.isRunning {
		e.lifecycle.Unlock()
		return
	}
	e.isRunning = false
	e.lifecycle.Unlock()

	close(e.stopCh)
	e.wg.Wait()
}

// Submit is the caller entry point for a mutation: dedup first, then one
// immediate optimistic attempt when online, falling back to the durable
// queue when offline or the attempt fails transiently.
func (e *Engine) Submit(ctx context.Context, req *SubmitRequest) (*models.Operation, error) {
	op := e.buildOperation(req)

	if existing, err := e.store.FindPending(op.Endpoint, op.Method, op.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		e.bus.Publish(events.Event{Type: events.OperationDuplicate, Operation: existing})
		return existing, nil
	}

	if !e.monitor.Online() {
		return e.store.Enqueue(op)
	}

	for attempt := 0; attempt < resolvedAttempts; attempt++ {
		result := e.coord.Attempt(ctx, op)

		switch result.Outcome {
		case OutcomeSuccess:
			e.bus.Publish(events.Event{Type: events.OperationSucceeded, Operation: op})
			return op, nil

		case OutcomeTerminal:
			// Synchronous caller, nothing queued yet: surface the rejection.
			return nil, result.Err

		case OutcomeTransient:
			return e.store.Enqueue(op)

		case OutcomeConflict:
			if result.Resolution == nil {
				// Unresolved; queue it so the conflict is re-detected later.
				return e.store.Enqueue(op)
			}
			switch result.Resolution.Choice {
			case conflict.ChoiceUseServer, conflict.ChoiceCancel:
				// Nothing written, nothing queued.
				return op, nil
			case conflict.ChoiceUseLocal:
				op.Force = true
			case conflict.ChoiceMerge:
				op.Payload = result.Resolution.MergedData
			}
			// Loop re-attempts with the resolved payload/flag.
		}
	}

	// Conflicted repeatedly within one submission; keep it durable.
	return e.store.Enqueue(op)
}

func (e *Engine) buildOperation(req *SubmitRequest) *models.Operation {
	op := &models.Operation{
		ID:             uuid.New(),
		Method:         req.Method,
		Endpoint:       req.Endpoint,
		Payload:        req.Payload,
		Headers:        req.Headers,
		IdempotencyKey: req.IdempotencyKey,
		Priority:       req.Priority,
		Status:         models.StatusPending,
		MaxRetries:     req.MaxRetries,
		Timestamp:      e.clock.Now().UnixMilli(),
	}
	if op.Priority == "" {
		op.Priority = models.PriorityNormal
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = models.DefaultMaxRetries
	}
	if op.Payload == nil {
		op.Payload = json.RawMessage(`{}`)
	}
	if op.Method == models.MethodCreate {
		op.TempID = uuid.NewTempID()
	}
	return op
}

// TriggerSync drains the pending queue once. It is single-flight per
// engine: a call while a drain is running is dropped, not queued, since
// the next timer tick or online transition picks up remaining work. It is
// also a no-op while offline.
func (e *Engine) TriggerSync(ctx context.Context) error {
	if !e.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	defer e.inFlight.Store(false)

	if !e.monitor.Online() {
		return nil
	}

	e.bus.Publish(events.Event{Type: events.SyncStarted})

	ops, err := e.store.ListPending()
	if err != nil {
		e.bus.Publish(events.Event{Type: events.SyncFailed, Data: map[string]interface{}{
			"error": err.Error(),
		}})
		return err
	}

	now := e.clock.Now().UnixMilli()
	total, success, failures := 0, 0, 0

	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}
		if !op.Ready(now) {
			continue
		}

		total++
		if err := e.executeOne(ctx, op); err != nil {
			failures++
		} else {
			success++
		}
	}

	e.bus.Publish(events.Event{Type: events.SyncCompleted, Data: map[string]interface{}{
		"total":    total,
		"success":  success,
		"failures": failures,
	}})
	return nil
}

// executeOne runs one queue slot: a single attempt, plus at most one
// immediate follow-up when a conflict resolution rewrites the operation.
// Transient and conflict failures are absorbed here; they never propagate
// out of TriggerSync.
func (e *Engine) executeOne(ctx context.Context, op *models.Operation) error {
	for attempt := 0; attempt < resolvedAttempts; attempt++ {
		result := e.coord.Attempt(ctx, op)

		switch result.Outcome {
		case OutcomeSuccess:
			if err := e.store.Remove(op.ID); err != nil {
				return err
			}
			e.bus.Publish(events.Event{Type: events.OperationSucceeded, Operation: op})
			return nil

		case OutcomeTransient:
			e.recordFailure(op, result.Err)
			return result.Err

		case OutcomeTerminal:
			e.markFailed(op, result.Err)
			return result.Err

		case OutcomeConflict:
			if result.Resolution == nil {
				// Awaiting an external choice; the record stays pending and
				// untouched so the conflict is re-detected next drain.
				return nil
			}

			switch result.Resolution.Choice {
			case conflict.ChoiceUseServer:
				// Server truth accepted; drop the local write.
				return e.store.Remove(op.ID)

			case conflict.ChoiceCancel:
				return e.store.Remove(op.ID)

			case conflict.ChoiceUseLocal:
				force := true
				updated, err := e.store.Update(op.ID, outbox.Patch{Force: &force})
				if err != nil {
					return err
				}
				op = updated

			case conflict.ChoiceMerge:
				updated, err := e.store.Update(op.ID, outbox.Patch{Payload: result.Resolution.MergedData})
				if err != nil {
					return err
				}
				op = updated
			}
			// Fall through to the follow-up attempt.
		}
	}

	// Conflicted again right after a resolution; leave it queued.
	return nil
}

// recordFailure applies the retry policy after a transient failure:
// escalate to high priority, gate the next attempt behind backoff, and
// give up into the failed state once the budget is spent.
func (e *Engine) recordFailure(op *models.Operation, cause error) {
	retries := op.RetryCount + 1
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if retries >= op.MaxRetries {
		failed := models.StatusFailed
		if _, err := e.store.Update(op.ID, outbox.Patch{
			Status:     &failed,
			RetryCount: &retries,
			LastError:  &msg,
		}); err != nil {
			logging.Error("Failed to mark operation failed", err,
				map[string]interface{}{"operation_id": op.ID})
			return
		}
		logging.Warn("Operation exhausted its retries", map[string]interface{}{
			"operation_id": op.ID,
			"endpoint":     op.Endpoint,
			"retry_count":  retries,
		})
		return
	}

	e.rngMu.Lock()
	delay := backoffDelay(op.RetryCount, e.rng)
	e.rngMu.Unlock()

	nextRetryAt := e.clock.Now().Add(delay).UnixMilli()
	high := models.PriorityHigh

	if _, err := e.store.Update(op.ID, outbox.Patch{
		RetryCount:  &retries,
		NextRetryAt: &nextRetryAt,
		Priority:    &high,
		LastError:   &msg,
	}); err != nil {
		logging.Error("Failed to schedule retry", err,
			map[string]interface{}{"operation_id": op.ID})
		return
	}

	logging.Debug("Retry scheduled", map[string]interface{}{
		"operation_id": op.ID,
		"retry_count":  retries,
		"delay":        delay.String(),
	})
}

// markFailed handles a non-retryable rejection (validation, auth): the
// record is kept for visibility and manual retry, never auto-retried.
func (e *Engine) markFailed(op *models.Operation, cause error) {
	failed := models.StatusFailed
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := e.store.Update(op.ID, outbox.Patch{Status: &failed, LastError: &msg}); err != nil {
		logging.Error("Failed to mark operation failed", err,
			map[string]interface{}{"operation_id": op.ID})
	}
}
