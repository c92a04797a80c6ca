// Package dropbox is the Dropbox adapter. Files are addressed by id for
// reads and by path for writes; a file's rev is its version id.
package dropbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	sdk "github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/users"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/cloudbridge/internal/backend"
	"github.com/tonimelisma/cloudbridge/internal/oauthflow"
)

const (
	// DefaultPrivateFolder receives forks the actor cannot place next to the
	// original.
	DefaultPrivateFolder = "/Conflicted Copies"

	authURL  = "https://www.dropbox.com/oauth2/authorize"
	tokenURL = "https://api.dropboxapi.com/oauth2/token"

	// singleUploadMaxSize is the largest body /files/upload accepts.
	singleUploadMaxSize = 150 * 1024 * 1024
	sessionChunkSize    = 8 * 1024 * 1024
)

// filesAPI is the part of files.Client the adapter uses.
type filesAPI interface {
	GetMetadata(arg *files.GetMetadataArg) (files.IsMetadata, error)
	ListFolder(arg *files.ListFolderArg) (*files.ListFolderResult, error)
	ListFolderContinue(arg *files.ListFolderContinueArg) (*files.ListFolderResult, error)
	Upload(arg *files.UploadArg, content io.Reader) (*files.FileMetadata, error)
	UploadSessionStart(arg *files.UploadSessionStartArg, content io.Reader) (*files.UploadSessionStartResult, error)
	UploadSessionAppendV2(arg *files.UploadSessionAppendArg, content io.Reader) error
	UploadSessionFinish(arg *files.UploadSessionFinishArg, content io.Reader) (*files.FileMetadata, error)
	CreateFolderV2(arg *files.CreateFolderArg) (*files.CreateFolderResult, error)
}

// usersAPI is the part of users.Client used to identify a linked account.
type usersAPI interface {
	GetCurrentAccount() (*users.FullAccount, error)
}

// Config configures the Dropbox app.
type Config struct {
	ClientID      string
	ClientSecret  string
	PrivateFolder string // DefaultPrivateFolder when empty
	// TokenURL overrides the OAuth token endpoint.
	TokenURL string
}

// Adapter implements backend.Adapter for Dropbox.
type Adapter struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	newFiles func(sdk.Config) filesAPI
	newUsers func(sdk.Config) usersAPI
}

// NewAdapter returns a Dropbox adapter.
func NewAdapter(cfg Config, httpClient *http.Client, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if cfg.PrivateFolder == "" {
		cfg.PrivateFolder = DefaultPrivateFolder
	}

	return &Adapter{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With(slog.String("vendor", backend.VendorDropbox)),
		newFiles:   func(c sdk.Config) filesAPI { return files.New(c) },
		newUsers:   func(c sdk.Config) usersAPI { return users.New(c) },
	}
}

// Vendor implements backend.Adapter.
func (a *Adapter) Vendor() string {
	return backend.VendorDropbox
}

// OAuthConfig is the Dropbox app used for linking and refresh.
func (a *Adapter) OAuthConfig() *oauth2.Config {
	tu := tokenURL
	if a.cfg.TokenURL != "" {
		tu = a.cfg.TokenURL
	}

	return &oauth2.Config{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: authURL, TokenURL: tu, AuthStyle: oauth2.AuthStyleInParams},
	}
}

// AuthCodeOptions asks Dropbox for a long-lived refresh token.
func (a *Adapter) AuthCodeOptions() []oauth2.AuthCodeOption {
	return []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("token_access_type", "offline")}
}

// RefreshToken implements backend.Adapter.
func (a *Adapter) RefreshToken(ctx context.Context, refreshToken string) (*backend.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)

	return oauthflow.Refresh(ctx, a.OAuthConfig(), refreshToken)
}

// Identify returns the Dropbox account id behind accessToken.
func (a *Adapter) Identify(ctx context.Context, accessToken string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	acct, err := a.newUsers(a.sdkConfig(accessToken, "")).GetCurrentAccount()
	if err != nil {
		return "", mapError("get_current_account", err, false)
	}

	return acct.AccountId, nil
}

// Open implements backend.Adapter. A RootHint selects a team namespace.
func (a *Adapter) Open(cred backend.Credential) backend.Session {
	return &Session{
		files:   a.newFiles(a.sdkConfig(cred.AccessToken, cred.RootHint)),
		private: a.cfg.PrivateFolder,
		logger:  a.logger.With(slog.String("account_id", cred.AccountID)),
	}
}

func (a *Adapter) sdkConfig(token, namespace string) sdk.Config {
	c := sdk.Config{Token: token, LogLevel: sdk.LogOff, Client: a.httpClient}
	if namespace != "" {
		c = c.WithNamespaceID(namespace)
	}

	return c
}

// Session is one request's view of a Dropbox account.
type Session struct {
	files   filesAPI
	private string
	logger  *slog.Logger
}

// Capabilities implements backend.Session. Dropbox's own autorename scheme
// differs from the fork naming rule, so forks pick names themselves.
func (s *Session) Capabilities() backend.Capabilities {
	return backend.Capabilities{}
}

// GetMetadata implements backend.Session.
func (s *Session) GetMetadata(ctx context.Context, fileID string) (*backend.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	arg := files.NewGetMetadataArg(fileID)
	arg.IncludeDeleted = true

	res, err := s.files.GetMetadata(arg)
	if err != nil {
		return nil, mapError("get_metadata", err, false)
	}

	switch m := res.(type) {
	case *files.FileMetadata:
		return fileMetadata(m), nil
	case *files.DeletedMetadata:
		return &backend.Metadata{ID: fileID, Name: m.Name, Path: m.PathDisplay, Deleted: true}, nil
	case *files.FolderMetadata:
		return nil, fmt.Errorf("dropbox: %s is a folder: %w", fileID, backend.ErrNotFound)
	default:
		return nil, fmt.Errorf("dropbox: unexpected metadata %T", res)
	}
}

// fileMetadata maps a Dropbox file. Files outside any shared folder are the
// actor's own; inside one, the sharing info says whether the actor may
// write. A file shared on its own has no path for the recipient, so its
// folder is not readable.
func fileMetadata(m *files.FileMetadata) *backend.Metadata {
	meta := &backend.Metadata{
		ID:        m.Id,
		Name:      m.Name,
		Path:      m.PathDisplay,
		VersionID: m.Rev,
		Modified:  m.ServerModified,
	}

	switch {
	case m.SharingInfo == nil:
		meta.Permission.Role = backend.RoleOwner
	case m.SharingInfo.ReadOnly:
		meta.Permission.Role = backend.RoleViewer
	default:
		meta.Permission.Role = backend.RoleEditor
	}

	if m.PathDisplay != "" {
		meta.ParentID = path.Dir(m.PathDisplay)
		meta.ParentReadable = true
	}

	return meta
}

// ListChildren implements backend.Session; folderID is a folder path.
func (s *Session) ListChildren(ctx context.Context, folderID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := s.files.ListFolder(files.NewListFolderArg(apiPath(folderID)))
	if err != nil {
		return nil, mapError("list_folder", err, false)
	}

	var names []string

	for {
		for _, e := range res.Entries {
			switch m := e.(type) {
			case *files.FileMetadata:
				names = append(names, m.Name)
			case *files.FolderMetadata:
				names = append(names, m.Name)
			}
		}

		if !res.HasMore {
			break
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err = s.files.ListFolderContinue(files.NewListFolderContinueArg(res.Cursor))
		if err != nil {
			return nil, mapError("list_folder_continue", err, false)
		}
	}

	s.logger.Debug("listed children", slog.String("folder_id", folderID), slog.Int("count", len(names)))

	return names, nil
}

// PrivateFolder implements backend.Session, creating the folder on first use.
func (s *Session) PrivateFolder(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	_, err := s.files.CreateFolderV2(files.NewCreateFolderArg(s.private))
	if err == nil {
		s.logger.Info("created private folder", slog.String("path", s.private))
		return s.private, nil
	}

	if mapped := mapError("create_folder", err, false); !errors.Is(mapped, backend.ErrNameConflict) {
		return "", mapped
	}

	return s.private, nil
}

// UploadContent implements backend.Session. An update with an expected rev
// uses update mode with strict conflict detection; creates use add mode.
func (s *Session) UploadContent(ctx context.Context, req backend.UploadRequest) (*backend.UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	commit, update, err := commitInfo(req)
	if err != nil {
		return nil, err
	}

	s.logger.Info("uploading content",
		slog.String("path", commit.Path),
		slog.String("mode", commit.Mode.Tag),
		slog.Int64("size", req.Size),
	)

	content := req.Content
	if content == nil {
		content = bytes.NewReader(nil)
	}

	var m *files.FileMetadata

	if req.Size > singleUploadMaxSize {
		m, err = s.sessionUpload(ctx, commit, content, req.Size)
	} else {
		arg := files.NewUploadArg(commit.Path)
		arg.CommitInfo = *commit
		m, err = s.files.Upload(arg, content)
	}

	if err != nil {
		return nil, mapError("upload", err, update)
	}

	res := &backend.UploadResult{FileID: m.Id, Name: m.Name, VersionID: m.Rev}
	if m.PathDisplay != "" {
		res.ParentID = path.Dir(m.PathDisplay)
	}

	return res, nil
}

func commitInfo(req backend.UploadRequest) (*files.CommitInfo, bool, error) {
	if req.FileID != "" {
		target := req.Path
		if target == "" {
			target = req.FileID
		}

		c := files.NewCommitInfo(target)
		if req.ExpectedVersion != "" {
			c.Mode = &files.WriteMode{Tagged: sdk.Tagged{Tag: files.WriteModeUpdate}, Update: req.ExpectedVersion}
			c.StrictConflict = true

			return c, true, nil
		}

		c.Mode = &files.WriteMode{Tagged: sdk.Tagged{Tag: files.WriteModeOverwrite}}

		return c, false, nil
	}

	if req.ParentID == "" || req.Name == "" {
		return nil, false, errors.New("dropbox: upload needs a file id or a parent folder and name")
	}

	c := files.NewCommitInfo(joinPath(req.ParentID, req.Name))
	c.Mode = &files.WriteMode{Tagged: sdk.Tagged{Tag: files.WriteModeAdd}}
	c.Autorename = req.Autorename

	return c, false, nil
}

func (s *Session) sessionUpload(ctx context.Context, commit *files.CommitInfo, content io.Reader, total int64) (*files.FileMetadata, error) {
	buf := make([]byte, sessionChunkSize)

	n, err := io.ReadFull(content, buf)
	if err != nil {
		return nil, fmt.Errorf("dropbox: reading upload content: %w", err)
	}

	start, err := s.files.UploadSessionStart(files.NewUploadSessionStartArg(), bytes.NewReader(buf[:n]))
	if err != nil {
		return nil, err
	}

	offset := uint64(n)
	n = 0

	for int64(offset) < total {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err = io.ReadFull(content, buf[:min(int64(sessionChunkSize), total-int64(offset))])
		if err != nil {
			return nil, fmt.Errorf("dropbox: reading upload content at %d: %w", offset, err)
		}

		// The last chunk travels with the finish call.
		if int64(offset)+int64(n) == total {
			break
		}

		cursor := files.NewUploadSessionCursor(start.SessionId, offset)
		if err := s.files.UploadSessionAppendV2(files.NewUploadSessionAppendArg(cursor), bytes.NewReader(buf[:n])); err != nil {
			return nil, err
		}

		offset += uint64(n)
		n = 0
	}

	finish := files.NewUploadSessionFinishArg(files.NewUploadSessionCursor(start.SessionId, offset), commit)

	return s.files.UploadSessionFinish(finish, bytes.NewReader(buf[:n]))
}

// apiPath converts "/" to Dropbox's root spelling.
func apiPath(folder string) string {
	if folder == "/" {
		return ""
	}

	return folder
}

func joinPath(folder, name string) string {
	if strings.HasPrefix(folder, "id:") || strings.HasPrefix(folder, "ns:") {
		return folder + "/" + name
	}

	return path.Join("/", folder, name)
}
