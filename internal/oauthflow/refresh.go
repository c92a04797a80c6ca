// Package oauthflow holds the OAuth2 plumbing shared by the vendor adapters:
// the refresh-token exchange with vendor error mapping, and the interactive
// authorization-code + PKCE login used when an account is first linked.
package oauthflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/cloudbridge/internal/backend"
)

// Refresh exchanges refreshToken at cfg's token endpoint. Vendor responses
// are mapped onto the backend taxonomy: a rejected grant is
// ErrOAuthRejected, throttling is a RateLimitError, server failures are
// ErrTransient, and a success without an access token is ErrNoNewToken.
// Pass an *http.Client in ctx with oauth2.HTTPClient to override transport.
func Refresh(ctx context.Context, cfg *oauth2.Config, refreshToken string) (*backend.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: empty refresh token", backend.ErrOAuthRejected)
	}

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, mapRetrieveError(ctx, err)
	}

	if tok.AccessToken == "" {
		return nil, backend.ErrNoNewToken
	}

	out := &backend.Token{AccessToken: tok.AccessToken, Expiry: tok.Expiry}

	// oauth2 copies the old refresh token forward when the vendor does not
	// rotate; report only a genuinely new one.
	if tok.RefreshToken != refreshToken {
		out.RefreshToken = tok.RefreshToken
	}

	return out, nil
}

func mapRetrieveError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("oauthflow: refresh canceled: %w", ctx.Err())
	}

	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		// oauth2 reports a 2xx body without a token as a plain error.
		if strings.Contains(err.Error(), "missing access_token") {
			return fmt.Errorf("%w: %w", backend.ErrNoNewToken, err)
		}

		return fmt.Errorf("%w: token endpoint: %w", backend.ErrTransient, err)
	}

	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}

	switch {
	case re.ErrorCode == "invalid_grant", re.ErrorCode == "invalid_client",
		re.ErrorCode == "unauthorized_client", status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", backend.ErrOAuthRejected, describe(re))
	case status == http.StatusTooManyRequests:
		return &backend.RateLimitError{RetryAfter: retryAfter(re.Response), Message: describe(re)}
	case status >= http.StatusInternalServerError:
		if ra := retryAfter(re.Response); ra > 0 {
			return &backend.RateLimitError{RetryAfter: ra, Message: describe(re)}
		}

		return fmt.Errorf("%w: token endpoint HTTP %d", backend.ErrTransient, status)
	case status == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", backend.ErrOAuthRejected, describe(re))
	default:
		return fmt.Errorf("oauthflow: refresh failed: %w", err)
	}
}

func describe(re *oauth2.RetrieveError) string {
	if re.ErrorCode == "" {
		return "token endpoint rejected refresh"
	}

	if re.ErrorDescription != "" {
		return re.ErrorCode + ": " + re.ErrorDescription
	}

	return re.ErrorCode
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	return ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
}

// ParseRetryAfter decodes a Retry-After value relative to now. Unparseable
// or past values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}

	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}

		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}

	return 0
}
