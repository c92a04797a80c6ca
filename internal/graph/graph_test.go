package graph

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cloudbridge/internal/backend"
)

// fakeGraph routes "METHOD /decoded/path" to canned handlers and records
// every request it sees.
type fakeGraph struct {
	t        *testing.T
	srv      *httptest.Server
	mu       sync.Mutex
	routes   map[string]http.HandlerFunc
	requests []string
}

func newFakeGraph(t *testing.T) *fakeGraph {
	t.Helper()

	f := &fakeGraph{t: t, routes: make(map[string]http.HandlerFunc)}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path

		f.mu.Lock()
		f.requests = append(f.requests, key)
		h, ok := f.routes[key]
		f.mu.Unlock()

		if !ok {
			writeJSON(w, http.StatusNotFound, `{"error":{"code":"itemNotFound","message":"no route `+key+`"}}`)
			return
		}

		h(w, r)
	}))
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeGraph) handle(key string, h http.HandlerFunc) {
	f.mu.Lock()
	f.routes[key] = h
	f.mu.Unlock()
}

func (f *fakeGraph) json(key string, status int, body string) {
	f.handle(key, func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, status, body) })
}

func (f *fakeGraph) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.requests...)
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (f *fakeGraph) open(vendor, rootHint string) *Session {
	f.t.Helper()

	a := NewAdapter(vendor, Config{BaseURL: f.srv.URL, TokenURL: f.srv.URL + "/token"}, f.srv.Client(), slog.Default())

	return a.Open(backend.Credential{
		Vendor:      vendor,
		AccountID:   "acct-1",
		AccessToken: "test-token",
		RootHint:    rootHint,
	}).(*Session)
}

const itemF = `{
	"id": "F",
	"name": "F.docx",
	"eTag": "\"{F},2\"",
	"lastModifiedDateTime": "2026-03-01T10:00:00Z",
	"parentReference": {"id": "P", "driveId": "lib1", "path": "/drives/lib1/root:/Reports"},
	"file": {}
}`

// sharedIdentity answers /me and group membership for user u1 in group g1.
func (f *fakeGraph) sharedIdentity() {
	f.json("GET /me", http.StatusOK, `{"id":"u1"}`)
	f.json("GET /me/transitiveMemberOf", http.StatusOK, `{"value":[{"id":"g1"}]}`)
}

func TestGetMetadata_OwnDrive(t *testing.T) {
	f := newFakeGraph(t)
	f.handle("GET /me/drive/items/F", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		assert.Contains(t, r.URL.Query().Get("$select"), "eTag")
		writeJSON(w, http.StatusOK, itemF)
	})

	meta, err := f.open(backend.VendorOneDrive, "").GetMetadata(context.Background(), "F")
	require.NoError(t, err)

	assert.Equal(t, "F", meta.ID)
	assert.Equal(t, "F.docx", meta.Name)
	assert.Equal(t, `"{F},2"`, meta.VersionID)
	assert.Equal(t, "P", meta.ParentID)
	assert.Equal(t, "/Reports/F.docx", meta.Path)
	assert.Equal(t, backend.RoleOwner, meta.Permission.Role)
	assert.True(t, meta.ParentReadable)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), meta.Modified)
	assert.Equal(t, []string{"GET /me/drive/items/F"}, f.seen(), "own drive needs no permission lookups")
}

func TestGetMetadata_SharedLibraryViewer(t *testing.T) {
	f := newFakeGraph(t)
	f.json("GET /drives/lib1/items/F", http.StatusOK, itemF)
	f.json("GET /drives/lib1/items/F/permissions", http.StatusOK,
		`{"value":[{"roles":["read"],"grantedToV2":{"user":{"id":"u1"}}},{"roles":["write"],"grantedToV2":{"user":{"id":"someone-else"}}}]}`)
	f.json("GET /drives/lib1/items/P", http.StatusForbidden, `{"error":{"code":"accessDenied","message":"no"}}`)
	f.sharedIdentity()

	meta, err := f.open(backend.VendorSharePoint, "lib1").GetMetadata(context.Background(), "F")
	require.NoError(t, err)

	assert.Equal(t, backend.RoleViewer, meta.Permission.Role)
	assert.False(t, meta.Permission.CanEdit())
	assert.False(t, meta.ParentReadable)
}

func TestGetMetadata_EditorThroughGroup(t *testing.T) {
	f := newFakeGraph(t)
	f.json("GET /drives/lib1/items/F", http.StatusOK, itemF)
	f.json("GET /drives/lib1/items/F/permissions", http.StatusOK, `{"value":[
		{"roles":["read"],"grantedToV2":{"user":{"id":"u1"}}},
		{"roles":["write"],"grantedToV2":{"group":{"id":"g1"}}},
		{"roles":["owner"],"grantedToV2":{"group":{"id":"g-unrelated"}}}
	]}`)
	f.json("GET /drives/lib1/items/P", http.StatusOK, `{"id":"P"}`)
	f.sharedIdentity()

	meta, err := f.open(backend.VendorSharePoint, "lib1").GetMetadata(context.Background(), "F")
	require.NoError(t, err)

	assert.Equal(t, backend.RoleViewer, meta.Permission.Role)
	assert.Equal(t, []backend.Role{backend.RoleEditor}, meta.Permission.GroupRoles)
	assert.True(t, meta.Permission.CanEdit())
	assert.True(t, meta.ParentReadable)
}

func TestGetMetadata_SharingLinkGrant(t *testing.T) {
	f := newFakeGraph(t)
	f.json("GET /drives/lib1/items/F", http.StatusOK, itemF)
	f.json("GET /drives/lib1/items/F/permissions", http.StatusOK,
		`{"value":[{"roles":["write"],"link":{"type":"edit"},"grantedToIdentitiesV2":[{"user":{"id":"u9"}},{"user":{"id":"u1"}}]}]}`)
	f.json("GET /drives/lib1/items/P", http.StatusOK, `{"id":"P"}`)
	f.sharedIdentity()

	meta, err := f.open(backend.VendorOneDrive, "lib1").GetMetadata(context.Background(), "F")
	require.NoError(t, err)
	assert.Equal(t, backend.RoleEditor, meta.Permission.Role)
}

func TestGetMetadata_PermissionFallbacks(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"listing forbidden", http.StatusForbidden, `{"error":{"code":"accessDenied"}}`},
		{"no reachable grant", http.StatusOK, `{"value":[{"roles":["read"],"grantedToV2":{"siteGroup":{"id":"7"}}}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeGraph(t)
			f.json("GET /drives/lib1/items/F", http.StatusOK, itemF)
			f.json("GET /drives/lib1/items/F/permissions", tt.status, tt.body)
			f.json("GET /drives/lib1/items/P", http.StatusOK, `{"id":"P"}`)
			f.sharedIdentity()

			meta, err := f.open(backend.VendorSharePoint, "lib1").GetMetadata(context.Background(), "F")
			require.NoError(t, err)
			assert.Equal(t, backend.RoleEditor, meta.Permission.Role)
		})
	}
}

func TestGetMetadata_Deleted(t *testing.T) {
	f := newFakeGraph(t)
	f.json("GET /drives/lib1/items/F", http.StatusOK, `{"id":"F","name":"F.docx","eTag":"e","deleted":{"state":"deleted"}}`)

	meta, err := f.open(backend.VendorSharePoint, "lib1").GetMetadata(context.Background(), "F")
	require.NoError(t, err)
	assert.True(t, meta.Deleted)
	assert.Len(t, f.seen(), 1)
}

func TestGetMetadata_NotFound(t *testing.T) {
	f := newFakeGraph(t)

	_, err := f.open(backend.VendorOneDrive, "").GetMetadata(context.Background(), "missing")
	assert.ErrorIs(t, err, backend.ErrNotFound)

	var ge *GraphError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "itemNotFound", ge.Code)
}

func TestDo_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, `{}`, backend.ErrOAuthRejected},
		{"forbidden", http.StatusForbidden, `{"error":{"code":"accessDenied"}}`, backend.ErrForbidden},
		{"not found", http.StatusNotFound, `{}`, backend.ErrNotFound},
		{"gone", http.StatusGone, `{}`, backend.ErrNotFound},
		{"name conflict", http.StatusConflict, `{"error":{"code":"nameAlreadyExists"}}`, backend.ErrNameConflict},
		{"modified conflict", http.StatusConflict, `{"error":{"code":"resourceModified"}}`, backend.ErrStaleVersion},
		{"precondition", http.StatusPreconditionFailed, `{}`, backend.ErrStaleVersion},
		{"quota", http.StatusInsufficientStorage, `{}`, backend.ErrQuotaExceeded},
		{"quota code", http.StatusForbidden, `{"error":{"code":"quotaLimitReached"}}`, backend.ErrQuotaExceeded},
		{"locked", http.StatusLocked, `{}`, backend.ErrTransient},
		{"server error", http.StatusInternalServerError, `not json`, backend.ErrTransient},
		{"unavailable without hint", http.StatusServiceUnavailable, `{}`, backend.ErrTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeGraph(t)
			f.json("GET /x", tt.status, tt.body)

			_, err := f.open(backend.VendorOneDrive, "").client.Do(context.Background(), http.MethodGet, "/x", nil, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDo_Throttling(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		want       time.Duration
	}{
		{"429 seconds", http.StatusTooManyRequests, "3", 3 * time.Second},
		{"429 no hint", http.StatusTooManyRequests, "", 0},
		{"503 with hint", http.StatusServiceUnavailable, "12", 12 * time.Second},
		{"509 sharepoint", statusBandwidthExceeded, "5", 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeGraph(t)
			f.handle("GET /x", func(w http.ResponseWriter, _ *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}

				writeJSON(w, tt.status, `{"error":{"code":"activityLimitReached"}}`)
			})

			_, err := f.open(backend.VendorOneDrive, "").client.Do(context.Background(), http.MethodGet, "/x", nil, nil)

			var rl *backend.RateLimitError
			require.True(t, errors.As(err, &rl))
			assert.Equal(t, tt.want, rl.RetryAfter)
		})
	}
}

func TestDo_RetryAfterDate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	f := newFakeGraph(t)
	f.handle("GET /x", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", now.Add(30*time.Second).Format(http.TimeFormat))
		writeJSON(w, http.StatusTooManyRequests, `{}`)
	})

	s := f.open(backend.VendorOneDrive, "")
	s.client.nowFunc = func() time.Time { return now }

	_, err := s.client.Do(context.Background(), http.MethodGet, "/x", nil, nil)

	var rl *backend.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 30*time.Second, rl.RetryAfter)
}

func TestDo_NetworkErrorIsTransient(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", nil, staticToken("t"), slog.Default())

	_, err := c.Do(context.Background(), http.MethodGet, "/x", nil, nil)
	assert.ErrorIs(t, err, backend.ErrTransient)
}

func TestDo_CanceledIsNotTransient(t *testing.T) {
	f := newFakeGraph(t)
	f.json("GET /x", http.StatusOK, `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.open(backend.VendorOneDrive, "").client.Do(ctx, http.MethodGet, "/x", nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, backend.ErrTransient)
}

func TestStaticToken_Empty(t *testing.T) {
	_, err := staticToken("").Token()
	assert.ErrorIs(t, err, backend.ErrOAuthRejected)
}

func TestListChildren_Paginates(t *testing.T) {
	f := newFakeGraph(t)
	f.handle("GET /drives/lib1/items/P/children", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			writeJSON(w, http.StatusOK, `{"value":[{"name":"c.txt"}]}`)
			return
		}

		assert.Equal(t, "200", r.URL.Query().Get("$top"))
		writeJSON(w, http.StatusOK, `{"value":[{"name":"a.txt"},{"name":"b.txt"}],
			"@odata.nextLink":"`+f.srv.URL+`/drives/lib1/items/P/children?page=2"}`)
	})

	names, err := f.open(backend.VendorSharePoint, "lib1").ListChildren(context.Background(), "P")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, names)
}

func TestListChildren_ForeignNextLink(t *testing.T) {
	f := newFakeGraph(t)
	f.json("GET /me/drive/items/P/children", http.StatusOK,
		`{"value":[],"@odata.nextLink":"https://elsewhere.example/page2"}`)

	_, err := f.open(backend.VendorOneDrive, "").ListChildren(context.Background(), "P")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match base URL")
}

func TestUploadContent_ConditionalUpdate(t *testing.T) {
	f := newFakeGraph(t)
	f.handle("PUT /me/drive/items/F/content", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `"{F},2"`, r.Header.Get("If-Match"))
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		assert.Empty(t, r.URL.Query().Get("@microsoft.graph.conflictBehavior"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Equal(t, "new bytes", string(body))

		writeJSON(w, http.StatusOK, `{"id":"F","name":"F.docx","eTag":"\"{F},3\"","parentReference":{"id":"P"}}`)
	})

	res, err := f.open(backend.VendorOneDrive, "").UploadContent(context.Background(), backend.UploadRequest{
		FileID:          "F",
		ExpectedVersion: `"{F},2"`,
		Content:         strings.NewReader("new bytes"),
		Size:            9,
	})
	require.NoError(t, err)

	assert.Equal(t, &backend.UploadResult{FileID: "F", Name: "F.docx", ParentID: "P", VersionID: `"{F},3"`}, res)
}

func TestUploadContent_StaleVersion(t *testing.T) {
	f := newFakeGraph(t)
	f.json("PUT /me/drive/items/F/content", http.StatusPreconditionFailed,
		`{"error":{"code":"notAllowed","message":"ETag does not match"}}`)

	_, err := f.open(backend.VendorOneDrive, "").UploadContent(context.Background(), backend.UploadRequest{
		FileID:          "F",
		ExpectedVersion: "old",
		Content:         strings.NewReader("x"),
		Size:            1,
	})
	assert.ErrorIs(t, err, backend.ErrStaleVersion)
}

func TestUploadContent_CreateBehavior(t *testing.T) {
	tests := []struct {
		name       string
		autorename bool
		want       string
	}{
		{"fail on collision", false, "fail"},
		{"vendor renames", true, "rename"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeGraph(t)
			f.handle("PUT /drives/lib1/items/P:/F (conflicted copy).docx:/content", func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, tt.want, r.URL.Query().Get("@microsoft.graph.conflictBehavior"))
				assert.Empty(t, r.Header.Get("If-Match"))
				writeJSON(w, http.StatusCreated, `{"id":"F2","name":"F (conflicted copy).docx","eTag":"e1","parentReference":{"id":"P"}}`)
			})

			res, err := f.open(backend.VendorSharePoint, "lib1").UploadContent(context.Background(), backend.UploadRequest{
				ParentID:   "P",
				Name:       "F (conflicted copy).docx",
				Autorename: tt.autorename,
				Content:    strings.NewReader("x"),
				Size:       1,
			})
			require.NoError(t, err)
			assert.Equal(t, "F2", res.FileID)
		})
	}
}

func TestUploadContent_NeedsTarget(t *testing.T) {
	f := newFakeGraph(t)

	_, err := f.open(backend.VendorOneDrive, "").UploadContent(context.Background(), backend.UploadRequest{Name: "x"})
	require.Error(t, err)
	assert.Empty(t, f.seen())
}

func TestPrivateFolder_UsedFromSharedLibrary(t *testing.T) {
	f := newFakeGraph(t)
	f.json("GET /me/drive/special/approot", http.StatusOK, `{"id":"APP"}`)
	f.json("PUT /me/drive/items/APP:/F (conflicted copy).docx:/content", http.StatusCreated,
		`{"id":"F2","name":"F (conflicted copy).docx","eTag":"e1","parentReference":{"id":"APP"}}`)

	s := f.open(backend.VendorSharePoint, "lib1")

	id, err := s.PrivateFolder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "APP", id)

	again, err := s.PrivateFolder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, again)

	res, err := s.UploadContent(context.Background(), backend.UploadRequest{
		ParentID: "APP", Name: "F (conflicted copy).docx", Autorename: true, Content: strings.NewReader("x"), Size: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "APP", res.ParentID)
	assert.Equal(t, 1, strings.Count(strings.Join(f.seen(), "\n"), "approot"))
}

func TestUploadContent_LargeUsesSession(t *testing.T) {
	size := int64(simpleUploadMaxSize + 10)
	payload := strings.Repeat("a", int(size))

	f := newFakeGraph(t)
	f.handle("POST /me/drive/items/F/createUploadSession", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "v2", r.Header.Get("If-Match"))
		writeJSON(w, http.StatusOK, `{"uploadUrl":"`+f.srv.URL+`/upload/s1"}`)
	})
	f.handle("PUT /upload/s1", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"), "upload URL is pre-authenticated")
		assert.Equal(t, "bytes 0-4194313/4194314", r.Header.Get("Content-Range"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Len(t, body, int(size))

		writeJSON(w, http.StatusCreated, `{"id":"F","name":"F.docx","eTag":"v3"}`)
	})

	res, err := f.open(backend.VendorOneDrive, "").UploadContent(context.Background(), backend.UploadRequest{
		FileID: "F", ExpectedVersion: "v2", Content: strings.NewReader(payload), Size: size,
	})
	require.NoError(t, err)
	assert.Equal(t, "v3", res.VersionID)
}

func TestUploadContent_FailedSessionIsCanceled(t *testing.T) {
	f := newFakeGraph(t)
	f.json("POST /me/drive/items/F/createUploadSession", http.StatusOK, `{"uploadUrl":"`+f.srv.URL+`/upload/s1"}`)
	f.json("PUT /upload/s1", http.StatusInternalServerError, `{}`)

	canceled := make(chan struct{}, 1)
	f.handle("DELETE /upload/s1", func(w http.ResponseWriter, _ *http.Request) {
		canceled <- struct{}{}
		w.WriteHeader(http.StatusNoContent)
	})

	size := int64(simpleUploadMaxSize + 1)

	_, err := f.open(backend.VendorOneDrive, "").UploadContent(context.Background(), backend.UploadRequest{
		FileID: "F", Content: strings.NewReader(strings.Repeat("b", int(size))), Size: size,
	})
	assert.ErrorIs(t, err, backend.ErrTransient)

	select {
	case <-canceled:
	default:
		t.Fatal("upload session was not canceled")
	}
}

func TestAdapter_RefreshToken(t *testing.T) {
	f := newFakeGraph(t)
	f.handle("POST /token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "rt-1", r.PostForm.Get("refresh_token"))
		writeJSON(w, http.StatusOK, `{"access_token":"at-2","token_type":"Bearer","expires_in":3600}`)
	})

	a := NewAdapter(backend.VendorOneDrive, Config{ClientID: "cid", TokenURL: f.srv.URL + "/token"}, f.srv.Client(), nil)

	tok, err := a.RefreshToken(context.Background(), "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", tok.AccessToken)
}

func TestAdapter_RefreshRejected(t *testing.T) {
	f := newFakeGraph(t)
	f.json("POST /token", http.StatusBadRequest, `{"error":"invalid_grant"}`)

	a := NewAdapter(backend.VendorOneDrive, Config{TokenURL: f.srv.URL + "/token"}, f.srv.Client(), nil)

	_, err := a.RefreshToken(context.Background(), "rt-1")
	assert.ErrorIs(t, err, backend.ErrOAuthRejected)
}

func TestAdapter_OAuthConfig(t *testing.T) {
	od := NewAdapter(backend.VendorOneDrive, Config{ClientID: "cid"}, nil, nil)
	sp := NewAdapter(backend.VendorSharePoint, Config{ClientID: "cid", Tenant: "contoso"}, nil, nil)

	assert.Equal(t, backend.VendorOneDrive, od.Vendor())
	assert.Contains(t, od.OAuthConfig().Endpoint.TokenURL, "/common/")
	assert.NotContains(t, od.OAuthConfig().Scopes, "Sites.ReadWrite.All")

	assert.Contains(t, sp.OAuthConfig().Endpoint.TokenURL, "/contoso/")
	assert.Contains(t, sp.OAuthConfig().Scopes, "Sites.ReadWrite.All")
	assert.Contains(t, sp.OAuthConfig().Scopes, "offline_access")
	assert.Len(t, defaultScopes, 3, "shared scope list must not be mutated")

	assert.True(t, od.Open(backend.Credential{AccessToken: "t"}).Capabilities().Autorename)
}

func TestAdapter_Identify(t *testing.T) {
	f := newFakeGraph(t)
	f.handle("GET /me", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer fresh", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, `{"id":"u1"}`)
	})

	a := NewAdapter(backend.VendorOneDrive, Config{BaseURL: f.srv.URL}, f.srv.Client(), nil)

	id, err := a.Identify(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, "u1", id)
}

func TestUploadContent_VerifiesQuickXorHash(t *testing.T) {
	tests := []struct {
		name    string
		hash    string
		wantErr bool
	}{
		{"match", "aCgDG9jwBgAAAAAABQAAAAAAAAA=", false},
		{"mismatch", "AAAAAAAAAAAAAAAAAAAAAAAAAAA=", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeGraph(t)
			f.handle("PUT /me/drive/items/F/content", func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(io.Discard, r.Body)
				writeJSON(w, http.StatusOK,
					`{"id":"F","name":"F.txt","eTag":"v2","file":{"hashes":{"quickXorHash":"`+tt.hash+`"}}}`)
			})

			_, err := f.open(backend.VendorOneDrive, "").UploadContent(context.Background(), backend.UploadRequest{
				FileID:  "F",
				Content: strings.NewReader("hello"),
				Size:    5,
			})

			if tt.wantErr {
				require.ErrorIs(t, err, ErrContentMismatch)
				return
			}

			require.NoError(t, err)
		})
	}
}
