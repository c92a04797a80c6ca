package graph

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tonimelisma/cloudbridge/internal/backend"
)

const (
	// DefaultBaseURL is the Graph v1.0 endpoint.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	userAgent = "cloudbridge/0.1"

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 64 * 1024
)

// TokenSource provides OAuth2 bearer tokens.
type TokenSource interface {
	Token() (string, error)
}

// staticToken serves a token the vault already refreshed.
type staticToken string

func (s staticToken) Token() (string, error) {
	if s == "" {
		return "", fmt.Errorf("graph: %w: empty access token", backend.ErrOAuthRejected)
	}

	return string(s), nil
}

// Client issues authenticated single-shot requests against the Graph API.
// Failures are classified, never retried here.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger

	// nowFunc anchors Retry-After dates. Tests override it.
	nowFunc func() time.Time
}

// NewClient creates a Graph API client. baseURL is typically DefaultBaseURL.
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
		nowFunc:    time.Now,
	}
}

// Do sends one request to baseURL+path. header entries are added to the
// request; a nil body sends none. On 2xx the caller closes the body; any
// other status is drained and returned as a classified error.
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader, header http.Header) (*http.Response, error) {
	return c.send(ctx, method, c.baseURL+path, body, header, true)
}

func (c *Client) send(
	ctx context.Context, method, url string, body io.Reader, header http.Header, auth bool,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("graph: creating request: %w", err)
	}

	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	req.Header.Set("User-Agent", userAgent)

	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	if auth {
		tok, tokErr := c.token.Token()
		if tokErr != nil {
			return nil, fmt.Errorf("graph: obtaining token: %w", tokErr)
		}

		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("graph: request canceled: %w", ctx.Err())
		}

		return nil, fmt.Errorf("graph: %s: %w: %w", method, backend.ErrTransient, err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		c.logger.Debug("request succeeded",
			slog.String("method", method),
			slog.Int("status", resp.StatusCode),
		)

		return resp, nil
	}

	defer resp.Body.Close()

	errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if readErr != nil {
		errBody = []byte("(failed to read response body)")
	}

	classified := classify(resp, errBody, c.nowFunc())

	c.logger.Debug("request failed",
		slog.String("method", method),
		slog.Int("status", resp.StatusCode),
		slog.String("error", classified.Error()),
	)

	return nil, classified
}
