package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cloudbridge/internal/backend"
	"github.com/tonimelisma/cloudbridge/internal/conflict"
	"github.com/tonimelisma/cloudbridge/internal/resolver"
	"github.com/tonimelisma/cloudbridge/internal/retry"
	"github.com/tonimelisma/cloudbridge/internal/vault"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeUploader struct {
	mu      sync.Mutex
	intents []conflict.Intent
	bodies  []string

	out  *resolver.Outcome
	err  error
	cred backend.Credential
}

func (f *fakeUploader) Upload(_ context.Context, in *conflict.Intent) (*resolver.Outcome, error) {
	body, err := io.ReadAll(in.Content)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.intents = append(f.intents, *in)
	f.bodies = append(f.bodies, string(body))
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	return f.out, nil
}

func (f *fakeUploader) ResolveCredential(_ context.Context, userID, accountID string) (backend.Credential, error) {
	if f.err != nil {
		return backend.Credential{}, f.err
	}

	c := f.cred
	c.AccountID = accountID

	return c, nil
}

func newTestServer(t *testing.T, up Uploader, cfg Config) *httptest.Server {
	t.Helper()

	cfg.JWTSecret = testSecret
	cfg.SpoolDir = t.TempDir()

	srv := httptest.NewServer(New(cfg, up, nil, nil).Handler())
	t.Cleanup(srv.Close)

	return srv
}

func token(t *testing.T, userID string) string {
	t.Helper()

	tok, err := IssueToken(testSecret, "", userID, time.Hour)
	require.NoError(t, err)

	return tok
}

func do(t *testing.T, req *http.Request, userID string) (*http.Response, map[string]any) {
	t.Helper()

	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)

	return resp, body
}

func TestUpload_RawBody(t *testing.T) {
	up := &fakeUploader{out: &resolver.Outcome{Kind: resolver.Updated, FileID: "F", VersionID: "v2"}}
	srv := newTestServer(t, up, Config{})

	req, err := http.NewRequest(http.MethodPost,
		srv.URL+"/v1/accounts/acct-1/files?file_id=F&base_change_id=v1&session_id=s-1", strings.NewReader("new bytes"))
	require.NoError(t, err)

	resp, body := do(t, req, "user-1")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "updated", body["outcome"])
	assert.Equal(t, "v2", body["version_id"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	require.Len(t, up.intents, 1)
	in := up.intents[0]
	assert.Equal(t, "user-1", in.UserID)
	assert.Equal(t, "user-1", in.Actor)
	assert.Equal(t, "acct-1", in.AccountID)
	assert.Equal(t, "F", in.FileID)
	assert.Equal(t, "v1", in.BaseChangeID)
	assert.Equal(t, "s-1", in.SessionID)
	assert.Equal(t, int64(9), in.Size)
	assert.Equal(t, "new bytes", up.bodies[0])
}

func TestUpload_MultipartCreate(t *testing.T) {
	up := &fakeUploader{out: &resolver.Outcome{Kind: resolver.Updated, FileID: "N", VersionID: "v1"}}
	srv := newTestServer(t, up, Config{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "ignored"))
	fw, err := mw.CreateFormFile("file", "Report.docx")
	require.NoError(t, err)
	_, err = fw.Write([]byte("docx"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/accounts/acct-1/files?folder_id=D", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Session-Id", "s-9")

	resp, _ := do(t, req, "user-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	in := up.intents[0]
	assert.Equal(t, "D", in.FolderID)
	assert.Equal(t, "Report.docx", in.FileName)
	assert.Equal(t, "s-9", in.SessionID)
	assert.Equal(t, "docx", up.bodies[0])
}

func TestUpload_BlockedIsNotAnError(t *testing.T) {
	up := &fakeUploader{out: &resolver.Outcome{
		Kind: resolver.Blocked, FileID: "F", Reason: conflict.ReasonNoEditingRights,
	}}
	srv := newTestServer(t, up, Config{})

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/accounts/a/files?file_id=F", strings.NewReader("x"))
	require.NoError(t, err)

	resp, body := do(t, req, "u")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "blocked", body["outcome"])
	assert.Equal(t, "NO_EDITING_RIGHTS", body["reason"])
}

func TestUpload_ForceForkAndForkedOutcome(t *testing.T) {
	up := &fakeUploader{out: &resolver.Outcome{
		Kind: resolver.Forked, Reason: conflict.ReasonNoEditingRights,
		OriginalID: "F", NewID: "F2", NewName: "Plan (conflicted copy).docx", InPrivateFolder: true,
	}}
	srv := newTestServer(t, up, Config{})

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/accounts/a/files?file_id=F&force_fork=true", strings.NewReader("x"))
	require.NoError(t, err)

	resp, body := do(t, req, "u")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, up.intents[0].ForceFork)
	assert.Equal(t, "forked", body["outcome"])
	assert.Equal(t, "F2", body["new_id"])
	assert.Equal(t, "Plan (conflicted copy).docx", body["new_name"])
	assert.Equal(t, true, body["in_private_folder"])
}

func TestUpload_BadRequests(t *testing.T) {
	srv := newTestServer(t, &fakeUploader{}, Config{MaxUploadSize: 4})

	tests := []struct {
		name   string
		query  string
		body   string
		status int
		code   string
	}{
		{"no target", "", "x", http.StatusBadRequest, "invalid_request"},
		{"folder without name", "?folder_id=D", "x", http.StatusBadRequest, "invalid_request"},
		{"bad force_fork", "?file_id=F&force_fork=maybe", "x", http.StatusBadRequest, "invalid_request"},
		{"too large", "?file_id=F", "12345", http.StatusRequestEntityTooLarge, "too_large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/accounts/a/files"+tt.query, strings.NewReader(tt.body))
			require.NoError(t, err)

			resp, body := do(t, req, "u")
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, body["error"].(map[string]any)["code"])
		})
	}
}

func TestFailureMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		code       string
		retryAfter string
	}{
		{"no account", vault.ErrNoSuchAccount, http.StatusUnauthorized, "reauthorization_required", ""},
		{"refresh rejected", fmt.Errorf("refresh: %w", backend.ErrOAuthRejected), http.StatusUnauthorized, "reauthorization_required", ""},
		{"legacy no rights", &resolver.NoEditingRightsError{FileID: "F", Actor: "u"}, http.StatusForbidden, "no_editing_rights", ""},
		{"stale write", &backend.VendorError{StatusCode: 412, Err: backend.ErrStaleVersion}, http.StatusConflict, "stale_version", ""},
		{"quota", &backend.VendorError{StatusCode: 507, Err: backend.ErrQuotaExceeded}, http.StatusInsufficientStorage, "quota_exceeded", ""},
		{"not shared", backend.ErrNotShared, http.StatusForbidden, "not_shared", ""},
		{"forbidden", backend.ErrForbidden, http.StatusForbidden, "forbidden", ""},
		{"rate limit exhausted", &retry.ExhaustedError{
			Op: "upload", Class: retry.RateLimited, Attempts: 5,
			Err: &backend.RateLimitError{RetryAfter: 1500 * time.Millisecond},
		}, http.StatusServiceUnavailable, "retry_later", "2"},
		{"transient exhausted", &retry.ExhaustedError{
			Op: "upload", Class: retry.Transient, Attempts: 3, Err: backend.ErrTransient,
		}, http.StatusServiceUnavailable, "retry_later", "30"},
		{"vendor", &backend.VendorError{StatusCode: 400, Message: "bad"}, http.StatusBadGateway, "vendor_error", ""},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeUploader{err: tt.err}, Config{})

			req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/accounts/a/files?file_id=F", strings.NewReader("x"))
			require.NoError(t, err)

			resp, body := do(t, req, "u")
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, body["error"].(map[string]any)["code"])
			assert.Equal(t, tt.retryAfter, resp.Header.Get("Retry-After"))
		})
	}
}

func TestInternalFailureIsMasked(t *testing.T) {
	srv := newTestServer(t, &fakeUploader{err: errors.New("db password is hunter2")}, Config{})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/accounts/a/credential", nil)
	require.NoError(t, err)

	_, body := do(t, req, "u")
	assert.NotContains(t, body["error"].(map[string]any)["message"], "hunter2")
}

func TestCredential(t *testing.T) {
	expiry := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	up := &fakeUploader{cred: backend.Credential{Vendor: backend.VendorDropbox, AccessToken: "sl.abc", Expiry: expiry}}
	srv := newTestServer(t, up, Config{})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/accounts/dbid:1/credential", nil)
	require.NoError(t, err)

	resp, body := do(t, req, "u")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "sl.abc", body["access_token"])
	assert.Equal(t, "dbid:1", body["account_id"])
	assert.Equal(t, "2026-05-01T12:00:00Z", body["expires_at"])
}

func TestAuth(t *testing.T) {
	srv := newTestServer(t, &fakeUploader{cred: backend.Credential{}}, Config{})
	url := srv.URL + "/v1/accounts/a/credential"

	expired, err := IssueToken(testSecret, "", "u", -time.Minute)
	require.NoError(t, err)

	forged, err := IssueToken([]byte("another-secret-another-secret-xx"), "", "u", time.Hour)
	require.NoError(t, err)

	noSubject, err := IssueToken(testSecret, "", "", time.Hour)
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing":    "",
		"not bearer": "Basic dTpw",
		"expired":    "Bearer " + expired,
		"forged":     "Bearer " + forged,
		"no subject": "Bearer " + noSubject,
	} {
		t.Run(name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, url, nil)
			require.NoError(t, err)

			if header != "" {
				req.Header.Set("Authorization", header)
			}

			resp, _ := do(t, req, "")
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}

	t.Run("query token", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, url+"?access_token="+token(t, "u"), nil)
		require.NoError(t, err)

		resp, _ := do(t, req, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestIssuerChecked(t *testing.T) {
	srv := newTestServer(t, &fakeUploader{}, Config{Issuer: "cloudbridge"})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/accounts/a/credential", nil)
	require.NoError(t, err)

	resp, _ := do(t, req, "u") // token carries no issuer
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &fakeUploader{}, Config{})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, &fakeUploader{}, Config{RequestsPerSecond: 0.001, Burst: 2})
	url := srv.URL + "/v1/accounts/a/credential"

	statuses := make([]int, 0, 3)
	for range 3 {
		req, err := http.NewRequest(http.MethodGet, url, nil)
		require.NoError(t, err)

		resp, _ := do(t, req, "busy")
		statuses = append(statuses, resp.StatusCode)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, statuses)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)

	resp, _ := do(t, req, "quiet")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "callers are paced separately")
}

func TestUserLimiter_ForgetsIdleCallers(t *testing.T) {
	l := newUserLimiter(1, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.nowFunc = func() time.Time { return now }

	assert.True(t, l.allow("a"))
	assert.Len(t, l.visitors, 1)

	now = now.Add(2 * limiterIdle)
	assert.True(t, l.allow("b"))
	assert.Len(t, l.visitors, 1)
}
