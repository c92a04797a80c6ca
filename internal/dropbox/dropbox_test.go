package dropbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdk "github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/auth"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/users"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cloudbridge/internal/backend"
)

// fakeFiles is an in-memory filesAPI with scripted failures.
type fakeFiles struct {
	meta    map[string]files.IsMetadata
	metaErr error

	pages   []*files.ListFolderResult
	listArg string

	uploads   []*files.UploadArg
	bodies    []string
	uploadErr error

	sessionBytes int
	appends      int
	finished     *files.UploadSessionFinishArg

	folders   []string
	folderErr error
}

func (f *fakeFiles) GetMetadata(arg *files.GetMetadataArg) (files.IsMetadata, error) {
	if f.metaErr != nil {
		return nil, f.metaErr
	}

	m, ok := f.meta[arg.Path]
	if !ok {
		return nil, notFound()
	}

	return m, nil
}

func (f *fakeFiles) ListFolder(arg *files.ListFolderArg) (*files.ListFolderResult, error) {
	f.listArg = arg.Path
	return f.next(), nil
}

func (f *fakeFiles) ListFolderContinue(*files.ListFolderContinueArg) (*files.ListFolderResult, error) {
	return f.next(), nil
}

func (f *fakeFiles) next() *files.ListFolderResult {
	p := f.pages[0]
	f.pages = f.pages[1:]

	return p
}

func (f *fakeFiles) Upload(arg *files.UploadArg, content io.Reader) (*files.FileMetadata, error) {
	body, _ := io.ReadAll(content) //nolint:errcheck // test fake
	f.uploads = append(f.uploads, arg)
	f.bodies = append(f.bodies, string(body))

	if f.uploadErr != nil {
		return nil, f.uploadErr
	}

	return fileMeta("id:new", arg.Path, "rev-new", nil), nil
}

func (f *fakeFiles) UploadSessionStart(_ *files.UploadSessionStartArg, content io.Reader) (*files.UploadSessionStartResult, error) {
	n, _ := io.Copy(io.Discard, content) //nolint:errcheck // test fake
	f.sessionBytes += int(n)

	return &files.UploadSessionStartResult{SessionId: "sess-1"}, nil
}

func (f *fakeFiles) UploadSessionAppendV2(_ *files.UploadSessionAppendArg, content io.Reader) error {
	n, _ := io.Copy(io.Discard, content) //nolint:errcheck // test fake
	f.sessionBytes += int(n)
	f.appends++

	return nil
}

func (f *fakeFiles) UploadSessionFinish(arg *files.UploadSessionFinishArg, content io.Reader) (*files.FileMetadata, error) {
	n, _ := io.Copy(io.Discard, content) //nolint:errcheck // test fake
	f.sessionBytes += int(n)
	f.finished = arg

	return fileMeta("id:big", arg.Commit.Path, "rev-big", nil), nil
}

func (f *fakeFiles) CreateFolderV2(arg *files.CreateFolderArg) (*files.CreateFolderResult, error) {
	f.folders = append(f.folders, arg.Path)

	if f.folderErr != nil {
		return nil, f.folderErr
	}

	return &files.CreateFolderResult{}, nil
}

func fileMeta(id, p, rev string, sharing *files.FileSharingInfo) *files.FileMetadata {
	m := &files.FileMetadata{Id: id, Rev: rev, SharingInfo: sharing}
	m.Name = p[strings.LastIndex(p, "/")+1:]
	m.PathDisplay = p
	m.ServerModified = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	return m
}

func sharing(readOnly bool) *files.FileSharingInfo {
	s := &files.FileSharingInfo{ParentSharedFolderId: "sf-1"}
	s.ReadOnly = readOnly

	return s
}

func notFound() error {
	return files.GetMetadataAPIError{
		APIError: sdk.APIError{ErrorSummary: "path/not_found/"},
		EndpointError: &files.GetMetadataError{
			Path: &files.LookupError{Tagged: sdk.Tagged{Tag: files.LookupErrorNotFound}},
		},
	}
}

func uploadConflict() error {
	return files.UploadAPIError{
		APIError: sdk.APIError{ErrorSummary: "path/conflict/file/"},
		EndpointError: &files.UploadError{
			Path: &files.UploadWriteFailed{
				Reason: &files.WriteError{Tagged: sdk.Tagged{Tag: files.WriteErrorConflict}},
			},
		},
	}
}

func newTestAdapter(f *fakeFiles) *Adapter {
	a := NewAdapter(Config{}, nil, slog.Default())
	a.newFiles = func(sdk.Config) filesAPI { return f }

	return a
}

func open(f *fakeFiles) backend.Session {
	return newTestAdapter(f).Open(backend.Credential{Vendor: backend.VendorDropbox, AccountID: "dbid:1", AccessToken: "t"})
}

func TestGetMetadata_Roles(t *testing.T) {
	tests := []struct {
		name    string
		sharing *files.FileSharingInfo
		want    backend.Role
	}{
		{"own file", nil, backend.RoleOwner},
		{"shared folder editor", sharing(false), backend.RoleEditor},
		{"shared folder viewer", sharing(true), backend.RoleViewer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFiles{meta: map[string]files.IsMetadata{
				"id:F": fileMeta("id:F", "/Team/Plan.docx", "rev-2", tt.sharing),
			}}

			meta, err := open(f).GetMetadata(context.Background(), "id:F")
			require.NoError(t, err)

			assert.Equal(t, tt.want, meta.Permission.Role)
			assert.Equal(t, "rev-2", meta.VersionID)
			assert.Equal(t, "/Team", meta.ParentID)
			assert.Equal(t, "/Team/Plan.docx", meta.Path)
			assert.Equal(t, "Plan.docx", meta.Name)
			assert.True(t, meta.ParentReadable)
		})
	}
}

func TestGetMetadata_FileSharedAlone(t *testing.T) {
	m := fileMeta("id:F", "/x/Plan.docx", "rev-2", sharing(false))
	m.PathDisplay = ""

	f := &fakeFiles{meta: map[string]files.IsMetadata{"id:F": m}}

	meta, err := open(f).GetMetadata(context.Background(), "id:F")
	require.NoError(t, err)
	assert.False(t, meta.ParentReadable)
	assert.Empty(t, meta.ParentID)
}

func TestGetMetadata_DeletedAndMissing(t *testing.T) {
	deleted := &files.DeletedMetadata{}
	deleted.Name = "Plan.docx"

	f := &fakeFiles{meta: map[string]files.IsMetadata{
		"id:D":   deleted,
		"id:dir": &files.FolderMetadata{Id: "id:dir"},
	}}
	s := open(f)

	meta, err := s.GetMetadata(context.Background(), "id:D")
	require.NoError(t, err)
	assert.True(t, meta.Deleted)

	_, err = s.GetMetadata(context.Background(), "id:gone")
	assert.ErrorIs(t, err, backend.ErrNotFound)

	_, err = s.GetMetadata(context.Background(), "id:dir")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestUploadContent_ConditionalUpdate(t *testing.T) {
	f := &fakeFiles{}

	res, err := open(f).UploadContent(context.Background(), backend.UploadRequest{
		FileID:          "id:F",
		Path:            "/Team/Plan.docx",
		ExpectedVersion: "rev-2",
		Content:         strings.NewReader("v3 bytes"),
		Size:            8,
	})
	require.NoError(t, err)

	require.Len(t, f.uploads, 1)
	arg := f.uploads[0]
	assert.Equal(t, "/Team/Plan.docx", arg.Path)
	assert.Equal(t, files.WriteModeUpdate, arg.Mode.Tag)
	assert.Equal(t, "rev-2", arg.Mode.Update)
	assert.True(t, arg.StrictConflict)
	assert.False(t, arg.Autorename)
	assert.Equal(t, "v3 bytes", f.bodies[0])

	assert.Equal(t, "rev-new", res.VersionID)
	assert.Equal(t, "/Team", res.ParentID)
}

func TestUploadContent_ConflictMeaning(t *testing.T) {
	f := &fakeFiles{uploadErr: uploadConflict()}
	s := open(f)

	_, err := s.UploadContent(context.Background(), backend.UploadRequest{
		FileID: "id:F", ExpectedVersion: "rev-1", Content: strings.NewReader("x"), Size: 1,
	})
	assert.ErrorIs(t, err, backend.ErrStaleVersion, "conflict on update mode is a stale rev")

	_, err = s.UploadContent(context.Background(), backend.UploadRequest{
		ParentID: "/Team", Name: "Plan (conflicted copy).docx", Content: strings.NewReader("x"), Size: 1,
	})
	assert.ErrorIs(t, err, backend.ErrNameConflict, "conflict on add mode is a taken name")

	assert.Equal(t, "id:F", f.uploads[0].Path, "id addresses the file when no path is known")
	assert.Equal(t, "/Team/Plan (conflicted copy).docx", f.uploads[1].Path)
	assert.Equal(t, files.WriteModeAdd, f.uploads[1].Mode.Tag)
}

func TestUploadContent_CreateAutorename(t *testing.T) {
	f := &fakeFiles{}

	_, err := open(f).UploadContent(context.Background(), backend.UploadRequest{
		ParentID: "/", Name: "new.txt", Autorename: true, Content: strings.NewReader("x"), Size: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "/new.txt", f.uploads[0].Path)
	assert.True(t, f.uploads[0].Autorename)
}

func TestUploadContent_UnconditionalOverwrite(t *testing.T) {
	f := &fakeFiles{}

	_, err := open(f).UploadContent(context.Background(), backend.UploadRequest{
		FileID: "id:F", Path: "/a.txt", Content: strings.NewReader("x"), Size: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, files.WriteModeOverwrite, f.uploads[0].Mode.Tag)
}

func TestUploadContent_LargeUsesSession(t *testing.T) {
	f := &fakeFiles{}
	size := int64(singleUploadMaxSize + sessionChunkSize/2)

	res, err := open(f).UploadContent(context.Background(), backend.UploadRequest{
		FileID: "id:F", Path: "/big.bin", ExpectedVersion: "rev-1",
		Content: io.LimitReader(zeroReader{}, size), Size: size,
	})
	require.NoError(t, err)

	assert.Empty(t, f.uploads)
	assert.Equal(t, int(size), f.sessionBytes)
	assert.Equal(t, 18, f.appends)
	require.NotNil(t, f.finished)
	assert.Equal(t, uint64(size-size%sessionChunkSize), f.finished.Cursor.Offset, "the tail travels with finish")
	assert.Equal(t, "rev-1", f.finished.Commit.Mode.Update)
	assert.Equal(t, "rev-big", res.VersionID)
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func TestListChildren_FollowsCursor(t *testing.T) {
	file := fileMeta("id:a", "/Team/a.docx", "r", nil)
	folder := &files.FolderMetadata{}
	folder.Name = "Sub"

	f := &fakeFiles{pages: []*files.ListFolderResult{
		{Entries: []files.IsMetadata{file, folder}, Cursor: "c1", HasMore: true},
		{Entries: []files.IsMetadata{fileMeta("id:b", "/Team/b.docx", "r", nil)}},
	}}

	names, err := open(f).ListChildren(context.Background(), "/Team")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.docx", "Sub", "b.docx"}, names)

	f.pages = []*files.ListFolderResult{{}}
	_, err = open(f).ListChildren(context.Background(), "/")
	require.NoError(t, err)
	assert.Empty(t, f.listArg, "root is listed as the empty path")
}

func TestPrivateFolder(t *testing.T) {
	f := &fakeFiles{}

	p, err := open(f).PrivateFolder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultPrivateFolder, p)

	f.folderErr = files.CreateFolderV2APIError{
		APIError:      sdk.APIError{ErrorSummary: "path/conflict/folder/"},
		EndpointError: &files.CreateFolderError{Path: &files.WriteError{Tagged: sdk.Tagged{Tag: files.WriteErrorConflict}}},
	}

	p, err = open(f).PrivateFolder(context.Background())
	require.NoError(t, err, "an existing folder is fine")
	assert.Equal(t, DefaultPrivateFolder, p)

	f.folderErr = files.CreateFolderV2APIError{
		EndpointError: &files.CreateFolderError{Path: &files.WriteError{Tagged: sdk.Tagged{Tag: files.WriteErrorInsufficientSpace}}},
	}

	_, err = open(f).PrivateFolder(context.Background())
	assert.ErrorIs(t, err, backend.ErrQuotaExceeded)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"auth", auth.AuthAPIError{APIError: sdk.APIError{ErrorSummary: "expired_access_token/"}}, backend.ErrOAuthRejected},
		{"access", auth.AccessAPIError{}, backend.ErrForbidden},
		{"not found", notFound(), backend.ErrNotFound},
		{"restricted", files.GetMetadataAPIError{EndpointError: &files.GetMetadataError{
			Path: &files.LookupError{Tagged: sdk.Tagged{Tag: files.LookupErrorRestrictedContent}},
		}}, backend.ErrNotShared},
		{"no write permission", files.UploadAPIError{EndpointError: &files.UploadError{Path: &files.UploadWriteFailed{
			Reason: &files.WriteError{Tagged: sdk.Tagged{Tag: files.WriteErrorNoWritePermission}},
		}}}, backend.ErrForbidden},
		{"quota", files.UploadAPIError{EndpointError: &files.UploadError{Path: &files.UploadWriteFailed{
			Reason: &files.WriteError{Tagged: sdk.Tagged{Tag: files.WriteErrorInsufficientSpace}},
		}}}, backend.ErrQuotaExceeded},
		{"server", sdk.SDKInternalError{StatusCode: http.StatusServiceUnavailable, Content: "down"}, backend.ErrTransient},
		{"network", errors.New("dial tcp: connection refused"), backend.ErrTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError("op", tt.err, false), tt.want)
		})
	}
}

func TestMapError_RateLimits(t *testing.T) {
	err := mapError("upload", auth.RateLimitAPIError{RateLimitError: &auth.RateLimitError{RetryAfter: 4}}, false)

	var rl *backend.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 4*time.Second, rl.RetryAfter)

	err = mapError("upload", files.UploadAPIError{EndpointError: &files.UploadError{Path: &files.UploadWriteFailed{
		Reason: &files.WriteError{Tagged: sdk.Tagged{Tag: files.WriteErrorTooManyWriteOperations}},
	}}}, false)
	require.True(t, errors.As(err, &rl))
	assert.Zero(t, rl.RetryAfter)
}

type fakeUsers struct{ id string }

func (u fakeUsers) GetCurrentAccount() (*users.FullAccount, error) {
	acct := &users.FullAccount{}
	acct.AccountId = u.id

	return acct, nil
}

func TestIdentify(t *testing.T) {
	a := NewAdapter(Config{}, nil, nil)
	a.newUsers = func(c sdk.Config) usersAPI {
		assert.Equal(t, "fresh", c.Token)
		return fakeUsers{id: "dbid:42"}
	}

	id, err := a.Identify(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, "dbid:42", id)
}

func TestRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "app-key", r.PostForm.Get("client_id"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"sl.new","token_type":"bearer","expires_in":14400}`)
	}))
	t.Cleanup(srv.Close)

	a := NewAdapter(Config{ClientID: "app-key", TokenURL: srv.URL}, srv.Client(), nil)

	tok, err := a.RefreshToken(context.Background(), "rt")
	require.NoError(t, err)
	assert.Equal(t, "sl.new", tok.AccessToken)
	assert.Empty(t, tok.RefreshToken, "Dropbox does not rotate refresh tokens")
}

func TestOAuthConfig(t *testing.T) {
	a := NewAdapter(Config{ClientID: "app-key"}, nil, nil)

	cfg := a.OAuthConfig()
	assert.Equal(t, tokenURL, cfg.Endpoint.TokenURL)
	assert.Contains(t, cfg.AuthCodeURL("s", a.AuthCodeOptions()...), "token_access_type=offline")
	assert.Equal(t, backend.VendorDropbox, a.Vendor())
	assert.False(t, open(&fakeFiles{}).Capabilities().Autorename)
}
