// Package graph is the Microsoft Graph adapter serving OneDrive and
// SharePoint document libraries. It issues single-shot requests and maps
// every failure onto the backend error taxonomy; retries belong to the
// caller's retry policy.
package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tonimelisma/cloudbridge/internal/backend"
	"github.com/tonimelisma/cloudbridge/internal/oauthflow"
)

// ErrUnauthorized is a 401 on a data call. The vault only hands out fresh
// tokens, so this means the grant was revoked at the vendor.
var ErrUnauthorized = fmt.Errorf("graph: unauthorized: %w", backend.ErrOAuthRejected)

// ErrContentMismatch means the stored file's QuickXorHash differs from the
// bytes sent. The write has already landed.
var ErrContentMismatch = errors.New("graph: uploaded content hash mismatch")

// statusBandwidthExceeded is SharePoint's 509 throttle.
const statusBandwidthExceeded = 509

// GraphError carries the HTTP status, request id and Graph error code of a
// failed call. Err is the backend sentinel for errors.Is.
type GraphError struct {
	StatusCode int
	RequestID  string
	Code       string
	Message    string
	Err        error
}

func (e *GraphError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("graph: HTTP %d %s (request-id: %s): %s", e.StatusCode, e.Code, e.RequestID, e.Message)
	}

	return fmt.Sprintf("graph: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (e *GraphError) Unwrap() error {
	return e.Err
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// classify turns a non-2xx response into a backend error. Throttles become
// *backend.RateLimitError so the retry policy can honor Retry-After.
func classify(resp *http.Response, body []byte, now time.Time) error {
	var env errorEnvelope
	_ = json.Unmarshal(body, &env) //nolint:errcheck // non-JSON bodies keep the raw text

	msg := env.Error.Message
	if msg == "" {
		msg = string(body)
	}

	ge := &GraphError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("request-id"),
		Code:       env.Error.Code,
		Message:    msg,
	}

	retryAfter := oauthflow.ParseRetryAfter(resp.Header.Get("Retry-After"), now)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == statusBandwidthExceeded,
		resp.StatusCode == http.StatusServiceUnavailable && retryAfter > 0:
		return &backend.RateLimitError{RetryAfter: retryAfter, Message: ge.Error()}
	}

	ge.Err = sentinelFor(resp.StatusCode, env.Error.Code)

	return ge
}

func sentinelFor(status int, code string) error {
	switch code {
	case "nameAlreadyExists":
		return backend.ErrNameConflict
	case "resourceModified":
		return backend.ErrStaleVersion
	case "quotaLimitReached", "insufficientStorage":
		return backend.ErrQuotaExceeded
	case "itemNotFound":
		return backend.ErrNotFound
	}

	switch status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return backend.ErrForbidden
	case http.StatusNotFound, http.StatusGone:
		return backend.ErrNotFound
	case http.StatusConflict:
		return backend.ErrNameConflict
	case http.StatusPreconditionFailed:
		return backend.ErrStaleVersion
	case http.StatusInsufficientStorage:
		return backend.ErrQuotaExceeded
	case http.StatusRequestTimeout, http.StatusLocked:
		return backend.ErrTransient
	}

	if status >= http.StatusInternalServerError {
		return backend.ErrTransient
	}

	return nil
}
