// Package api exposes the outbox core to the local clinic UI over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/omrozmn/x-ear-sub004/internal/connectivity"
	apperr "github.com/omrozmn/x-ear-sub004/internal/errors"
	"github.com/omrozmn/x-ear-sub004/internal/logging"
	"github.com/omrozmn/x-ear-sub004/internal/models"
	"github.com/omrozmn/x-ear-sub004/internal/outbox"
	syncer "github.com/omrozmn/x-ear-sub004/internal/sync"
	"github.com/omrozmn/x-ear-sub004/internal/sync/conflict"
)

const maxBodySize = 4 << 20 // 4MB, same ceiling as server responses

// Deps carries the wired core components the handlers operate on.
type Deps struct {
	Store    *outbox.Store
	Engine   *syncer.Engine
	Registry *conflict.Registry
	Monitor  *connectivity.Monitor
}

// NewHandler builds the HTTP surface for the daemon.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Post("/operations", handleSubmit(deps))
	r.Get("/operations", handleListOperations(deps))
	r.Get("/operations/stats", handleStats(deps))
	r.Post("/operations/{id}/retry", handleRetryOperation(deps))
	r.Post("/operations/retry-all", handleRetryAll(deps))
	r.Delete("/operations/failed", handleClearFailed(deps))
	r.Delete("/operations/{id}", handleRemoveOperation(deps))

	r.Post("/sync", handleTriggerSync(deps))
	r.Get("/status", handleStatus(deps))
	r.Post("/status/connectivity", handleSetConnectivity(deps))

	r.Get("/conflicts", handleListConflicts(deps))
	r.Post("/conflicts/{id}/resolution", handleResolveConflict(deps))

	r.Get("/health", handleHealth)

	return r
}

func handleSubmit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req syncer.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if !req.Method.Valid() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "method must be CREATE, UPDATE or DELETE")
			return
		}
		if req.Endpoint == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "endpoint is required")
			return
		}

		op, err := deps.Engine.Submit(r.Context(), &req)
		if err != nil {
			writeAppError(w, err)
			return
		}

		// An operation still in the store was queued for a later drain; one
		// that is gone was applied against the server within this request.
		status := http.StatusOK
		state := "applied"
		if _, getErr := deps.Store.Get(op.ID); getErr == nil {
			status = http.StatusAccepted
			state = "queued"
		}

		writeJSON(w, status, map[string]interface{}{
			"state":     state,
			"operation": op,
		})
	}
}

func handleListOperations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			ops []*models.Operation
			err error
		)
		switch status := r.URL.Query().Get("status"); status {
		case "", "pending":
			ops, err = deps.Store.ListPending()
		case "failed":
			ops, err = deps.Store.ListFailed()
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", status)
			return
		}
		if err != nil {
			writeAppError(w, err)
			return
		}
		if ops == nil {
			ops = []*models.Operation{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"operations": ops})
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.Stats()
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleRetryOperation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		op, err := deps.Store.RetryFailed(chi.URLParam(r, "id"))
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"operation": op})
	}
}

func handleRetryAll(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, err := deps.Store.RetryAllFailed()
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"retried": count})
	}
}

func handleClearFailed(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, err := deps.Store.ClearFailed()
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": count})
	}
}

func handleRemoveOperation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Remove(chi.URLParam(r, "id")); err != nil {
			writeAppError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleTriggerSync(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Deliberately detached from the request context: the drain keeps
		// going after the UI stops waiting for this response.
		go func() {
			if err := deps.Engine.TriggerSync(context.WithoutCancel(r.Context())); err != nil {
				logging.Error("Requested sync failed", err, nil)
			}
		}()
		w.WriteHeader(http.StatusAccepted)
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.Stats()
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"online": deps.Monitor.Online(),
			"stats":  stats,
		})
	}
}

func handleSetConnectivity(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Online bool `json:"online"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		deps.Monitor.SetOnline(req.Online)
		writeJSON(w, http.StatusOK, map[string]interface{}{"online": req.Online})
	}
}

func handleListConflicts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conflicts := deps.Registry.List()
		if conflicts == nil {
			conflicts = []conflict.PendingConflict{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": conflicts})
	}
}

func handleResolveConflict(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var res conflict.Resolution
		if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		id := chi.URLParam(r, "id")
		if err := deps.Registry.Submit(id, &res); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"resolved": id})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error("Failed to encode response", err, nil)
	}
}

func httpError(w http.ResponseWriter, status int, code, format string, args ...interface{}) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": fmt.Sprintf(format, args...),
		},
	})
}

// writeAppError maps the error taxonomy onto HTTP statuses.
func writeAppError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case apperr.ErrOperationNotFound, apperr.ErrConflictNotFound:
		status = http.StatusNotFound
	case apperr.ErrInvalid, apperr.ErrValidation, apperr.ErrMergeUnavailable:
		status = http.StatusBadRequest
	case apperr.ErrConflict:
		status = http.StatusConflict
	case apperr.ErrTerminal:
		status = http.StatusUnprocessableEntity
	case apperr.ErrTransient:
		status = http.StatusServiceUnavailable
	}

	httpError(w, status, string(code), "%s", err.Error())
}
