package backend

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors adapters map their vendor responses onto.
// Use errors.Is(err, backend.ErrNotFound) to check.
var (
	ErrNotFound      = errors.New("backend: not found")
	ErrForbidden     = errors.New("backend: forbidden")
	ErrStaleVersion  = errors.New("backend: stale version")
	ErrNameConflict  = errors.New("backend: name already exists")
	ErrQuotaExceeded = errors.New("backend: storage quota exceeded")
	ErrNotShared     = errors.New("backend: folder no longer shared")
	ErrTransient     = errors.New("backend: transient failure")

	// ErrOAuthRejected means the refresh token itself is invalid or revoked.
	ErrOAuthRejected = errors.New("backend: refresh token rejected")
	// ErrNoNewToken means the vendor reported success but issued no usable token.
	ErrNoNewToken = errors.New("backend: no new token issued")
)

// RateLimitError reports vendor throttling. RetryAfter is the vendor's
// machine-readable hint, zero when the vendor sent none.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("backend: rate limited (retry after %s): %s", e.RetryAfter, e.Message)
	}

	return "backend: rate limited: " + e.Message
}

// VendorError wraps a sentinel with the vendor's status and message body.
type VendorError struct {
	Vendor     string
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Vendor, e.StatusCode, e.Message)
}

func (e *VendorError) Unwrap() error {
	return e.Err
}

// IsSemantic reports whether err is a vendor refusal unrelated to version
// conflicts (quota, sharing, permission). These are shown to the user and
// never retried.
func IsSemantic(err error) bool {
	return errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrNotShared) ||
		errors.Is(err, ErrForbidden)
}
