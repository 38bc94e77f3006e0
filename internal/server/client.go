// Package server implements the wire contract with the authoritative
// clinic server: versioned writes, 409 conflict payloads and the forced
// write override.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperr "github.com/omrozmn/x-ear-sub004/internal/errors"
	"github.com/omrozmn/x-ear-sub004/internal/models"
)

// WriteRequest is the abstract write envelope sent to the server.
type WriteRequest struct {
	Method         models.Method     `json:"method"`
	Endpoint       string            `json:"endpoint"`
	Payload        json.RawMessage   `json:"payload"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Force          bool              `json:"force,omitempty"`
	Headers        map[string]string `json:"-"`
}

// WriteResult is a successful write response.
type WriteResult struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// conflictBody is the structured 409 response body. An empty conflicts
// list means the server has no field-level detail (whole-resource conflict).
type conflictBody struct {
	CurrentData json.RawMessage        `json:"current_data"`
	Conflicts   []models.FieldConflict `json:"conflicts"`
}

// ConflictError reports a version conflict (HTTP 409) together with the
// server's view of the resource.
type ConflictError struct {
	CurrentData json.RawMessage
	Conflicts   []models.FieldConflict
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: %d contended fields", len(e.Conflicts))
}

// Client performs one write round-trip against the authoritative server.
type Client interface {
	// Write sends the request and returns the result, a *ConflictError on
	// a 409, or an AppError classified transient/terminal otherwise.
	Write(ctx context.Context, req *WriteRequest) (*WriteResult, error)

	// Probe checks server reachability for the connectivity monitor.
	Probe(ctx context.Context) error
}

// HTTPClient is the production Client over net/http.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates a client for the given server base URL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func verbFor(m models.Method) string {
	switch m {
	case models.MethodCreate:
		return http.MethodPost
	case models.MethodDelete:
		return http.MethodDelete
	default:
		return http.MethodPut
	}
}

// Write implements Client.
func (c *HTTPClient) Write(ctx context.Context, req *WriteRequest) (*WriteResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrTerminal, "failed to encode write request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, verbFor(req.Method),
		c.baseURL+req.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrTerminal, "failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("X-Idempotency-Key", req.IdempotencyKey)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// Network unreachable or timeout: the backoff path recovers this.
		return nil, apperr.Wrap(apperr.ErrTransient, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrTransient, "failed to read response", err)
	}

	return Classify(resp.StatusCode, respBody)
}

// Classify maps a status code and body to the failure taxonomy: 2xx is
// success, 409 is a conflict, 408/429/5xx are transient, any other 4xx is
// terminal (validation, auth) and never auto-retried.
func Classify(statusCode int, body []byte) (*WriteResult, error) {
	switch {
	case statusCode >= 200 && statusCode < 300:
		result := &WriteResult{Status: "ok"}
		if len(body) > 0 {
			if err := json.Unmarshal(body, result); err != nil {
				// Tolerate non-enveloped success bodies.
				result.Data = json.RawMessage(body)
			}
		}
		return result, nil

	case statusCode == http.StatusConflict:
		var cb conflictBody
		// An unparseable 409 body degrades to a whole-resource conflict.
		_ = json.Unmarshal(body, &cb)
		return nil, &ConflictError{
			CurrentData: cb.CurrentData,
			Conflicts:   cb.Conflicts,
		}

	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		return nil, apperr.Newf(apperr.ErrTransient, "server returned %d", statusCode)

	default:
		return nil, apperr.Newf(apperr.ErrTerminal, "server rejected write with %d", statusCode)
	}
}

// Probe implements Client with a GET against the server health endpoint.
func (c *HTTPClient) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("server unhealthy: %d", resp.StatusCode)
	}
	return nil
}
