package dropbox

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	sdk "github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/auth"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"

	"github.com/tonimelisma/cloudbridge/internal/backend"
)

// as is errors.As for the SDK's value-typed route errors.
func as[T error](err error) (T, bool) {
	var target T
	ok := errors.As(err, &target)

	return target, ok
}

// mapError translates an SDK error into the backend taxonomy. update tells
// a write conflict on a conditional update (stale rev) apart from a name
// collision on create.
func mapError(op string, err error, update bool) error {
	if err == nil {
		return nil
	}

	if e, ok := as[auth.RateLimitAPIError](err); ok {
		var after time.Duration
		if e.RateLimitError != nil {
			after = time.Duration(e.RateLimitError.RetryAfter) * time.Second
		}

		return &backend.RateLimitError{RetryAfter: after, Message: op + ": " + e.ErrorSummary}
	}

	if e, ok := as[auth.AuthAPIError](err); ok {
		return fmt.Errorf("dropbox: %s: %w: %s", op, backend.ErrOAuthRejected, e.ErrorSummary)
	}

	if e, ok := as[auth.AccessAPIError](err); ok {
		return vendorError(op, http.StatusForbidden, e.ErrorSummary, backend.ErrForbidden)
	}

	if e, ok := as[files.GetMetadataAPIError](err); ok {
		return lookupError(op, e.ErrorSummary, lookupOf(e.EndpointError))
	}

	if e, ok := as[files.ListFolderAPIError](err); ok {
		var le *files.LookupError
		if e.EndpointError != nil {
			le = e.EndpointError.Path
		}

		return lookupError(op, e.ErrorSummary, le)
	}

	if e, ok := as[files.ListFolderContinueAPIError](err); ok {
		// A reset cursor only needs a fresh listing.
		return vendorError(op, http.StatusConflict, e.ErrorSummary, backend.ErrTransient)
	}

	if e, ok := as[files.UploadAPIError](err); ok {
		var we *files.WriteError
		if e.EndpointError != nil && e.EndpointError.Path != nil {
			we = e.EndpointError.Path.Reason
		}

		return writeError(op, e.ErrorSummary, we, update)
	}

	if e, ok := as[files.UploadSessionFinishAPIError](err); ok {
		var we *files.WriteError
		if e.EndpointError != nil {
			we = e.EndpointError.Path
		}

		return writeError(op, e.ErrorSummary, we, update)
	}

	if e, ok := as[files.CreateFolderV2APIError](err); ok {
		var we *files.WriteError
		if e.EndpointError != nil {
			we = e.EndpointError.Path
		}

		return writeError(op, e.ErrorSummary, we, false)
	}

	if e, ok := as[sdk.SDKInternalError](err); ok {
		if e.StatusCode >= http.StatusInternalServerError {
			return vendorError(op, e.StatusCode, e.Content, backend.ErrTransient)
		}

		return vendorError(op, e.StatusCode, e.Content, nil)
	}

	// Anything else failed before Dropbox answered.
	return fmt.Errorf("dropbox: %s: %w: %w", op, backend.ErrTransient, err)
}

func lookupOf(e *files.GetMetadataError) *files.LookupError {
	if e == nil {
		return nil
	}

	return e.Path
}

func lookupError(op, summary string, le *files.LookupError) error {
	tag := ""
	if le != nil {
		tag = le.Tag
	}

	switch tag {
	case files.LookupErrorNotFound:
		return vendorError(op, http.StatusConflict, summary, backend.ErrNotFound)
	case files.LookupErrorRestrictedContent:
		return vendorError(op, http.StatusConflict, summary, backend.ErrNotShared)
	default:
		return vendorError(op, http.StatusConflict, summary, nil)
	}
}

func writeError(op, summary string, we *files.WriteError, update bool) error {
	tag := ""
	if we != nil {
		tag = we.Tag
	}

	switch tag {
	case files.WriteErrorConflict:
		if update {
			return vendorError(op, http.StatusConflict, summary, backend.ErrStaleVersion)
		}

		return vendorError(op, http.StatusConflict, summary, backend.ErrNameConflict)
	case files.WriteErrorNoWritePermission:
		return vendorError(op, http.StatusConflict, summary, backend.ErrForbidden)
	case files.WriteErrorInsufficientSpace:
		return vendorError(op, http.StatusConflict, summary, backend.ErrQuotaExceeded)
	case files.WriteErrorTooManyWriteOperations:
		return &backend.RateLimitError{Message: op + ": " + summary}
	default:
		return vendorError(op, http.StatusConflict, summary, nil)
	}
}

func vendorError(op string, status int, msg string, sentinel error) error {
	return &backend.VendorError{
		Vendor:     backend.VendorDropbox,
		StatusCode: status,
		Message:    op + ": " + msg,
		Err:        sentinel,
	}
}
