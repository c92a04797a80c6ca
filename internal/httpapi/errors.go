package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/tonimelisma/cloudbridge/internal/backend"
	"github.com/tonimelisma/cloudbridge/internal/resolver"
	"github.com/tonimelisma/cloudbridge/internal/retry"
	"github.com/tonimelisma/cloudbridge/internal/vault"
)

// defaultRetryAfter is advertised when retries ran out without a vendor hint.
const defaultRetryAfter = 30 * time.Second

// failure is the HTTP rendering of an orchestrator error.
type failure struct {
	status     int
	code       string
	retryAfter time.Duration
}

func classify(err error) failure {
	var noRights *resolver.NoEditingRightsError

	switch {
	case vault.IsReauthRequired(err):
		return failure{status: http.StatusUnauthorized, code: "reauthorization_required"}
	case errors.As(err, &noRights):
		return failure{status: http.StatusForbidden, code: "no_editing_rights"}
	case retry.IsExhausted(err):
		after := defaultRetryAfter

		var rl *backend.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			after = rl.RetryAfter
		}

		return failure{status: http.StatusServiceUnavailable, code: "retry_later", retryAfter: after}
	case errors.Is(err, backend.ErrStaleVersion):
		return failure{status: http.StatusConflict, code: "stale_version"}
	case errors.Is(err, backend.ErrNameConflict):
		return failure{status: http.StatusConflict, code: "name_conflict"}
	case errors.Is(err, backend.ErrQuotaExceeded):
		return failure{status: http.StatusInsufficientStorage, code: "quota_exceeded"}
	case errors.Is(err, backend.ErrNotShared):
		return failure{status: http.StatusForbidden, code: "not_shared"}
	case errors.Is(err, backend.ErrForbidden):
		return failure{status: http.StatusForbidden, code: "forbidden"}
	case errors.Is(err, backend.ErrNotFound):
		return failure{status: http.StatusNotFound, code: "not_found"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return failure{status: http.StatusServiceUnavailable, code: "canceled"}
	}

	var ve *backend.VendorError
	if errors.As(err, &ve) {
		return failure{status: http.StatusBadGateway, code: "vendor_error"}
	}

	return failure{status: http.StatusInternalServerError, code: "internal"}
}

// writeFailure renders err. Semantic and auth failures carry their message;
// internal failures are logged and masked.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	f := classify(err)

	msg := err.Error()
	if f.code == "internal" || f.code == "vendor_error" {
		s.logger.Error("request failed",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)

		msg = http.StatusText(f.status)
	}

	if f.retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(f.retryAfter.Seconds()))))
	}

	writeError(w, f.status, f.code, msg)
}
