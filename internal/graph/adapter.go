package graph

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/tonimelisma/cloudbridge/internal/backend"
	"github.com/tonimelisma/cloudbridge/internal/oauthflow"
)

const (
	defaultTenant = "common"
	ownDrive      = "/me/drive"
)

var defaultScopes = []string{
	"offline_access",
	"Files.ReadWrite.All",
	"User.Read",
}

// Config configures one Graph-backed vendor.
type Config struct {
	ClientID     string
	ClientSecret string
	Tenant       string // "common" when empty
	BaseURL      string // DefaultBaseURL when empty
	// TokenURL overrides the Azure AD token endpoint.
	TokenURL string
}

// Adapter implements backend.Adapter for OneDrive or SharePoint.
type Adapter struct {
	vendor     string
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAdapter returns an adapter registered under vendor, which is
// backend.VendorOneDrive or backend.VendorSharePoint.
func NewAdapter(vendor string, cfg Config, httpClient *http.Client, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if cfg.Tenant == "" {
		cfg.Tenant = defaultTenant
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}

	return &Adapter{vendor: vendor, cfg: cfg, httpClient: httpClient, logger: logger.With(slog.String("vendor", vendor))}
}

// Vendor implements backend.Adapter.
func (a *Adapter) Vendor() string {
	return a.vendor
}

// OAuthConfig is the Azure AD application used for linking and refresh.
func (a *Adapter) OAuthConfig() *oauth2.Config {
	endpoint := microsoft.AzureADEndpoint(a.cfg.Tenant)
	if a.cfg.TokenURL != "" {
		endpoint.TokenURL = a.cfg.TokenURL
	}

	scopes := defaultScopes
	if a.vendor == backend.VendorSharePoint {
		scopes = append(append([]string(nil), defaultScopes...), "Sites.ReadWrite.All")
	}

	return &oauth2.Config{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		Scopes:       scopes,
		Endpoint:     endpoint,
	}
}

// RefreshToken implements backend.Adapter.
func (a *Adapter) RefreshToken(ctx context.Context, refreshToken string) (*backend.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)

	return oauthflow.Refresh(ctx, a.OAuthConfig(), refreshToken)
}

// Open implements backend.Adapter. An empty RootHint addresses the actor's
// own drive; otherwise RootHint is the drive id of a document library or a
// drive shared with the actor.
func (a *Adapter) Open(cred backend.Credential) backend.Session {
	drive, own := ownDrive, true
	if cred.RootHint != "" {
		drive, own = "/drives/"+url.PathEscape(cred.RootHint), false
	}

	logger := a.logger.With(slog.String("account_id", cred.AccountID))

	return &Session{
		client: NewClient(a.cfg.BaseURL, a.httpClient, staticToken(cred.AccessToken), logger),
		drive:  drive,
		own:    own,
		logger: logger,
	}
}

// Session is one request's view of a Graph drive.
type Session struct {
	client *Client
	drive  string
	own    bool
	logger *slog.Logger

	who       *identity
	privateID string
}

// Capabilities implements backend.Session. Graph renames on collision when
// asked to.
func (s *Session) Capabilities() backend.Capabilities {
	return backend.Capabilities{Autorename: true}
}

// PrivateFolder returns the app folder in the actor's own OneDrive.
func (s *Session) PrivateFolder(ctx context.Context) (string, error) {
	if s.privateID != "" {
		return s.privateID, nil
	}

	var ref identityRef
	if err := s.getJSON(ctx, ownDrive+"/special/approot?$select=id", &ref); err != nil {
		return "", err
	}

	s.privateID = ref.ID

	return ref.ID, nil
}

// folderBase addresses the private folder through the actor's own drive even
// when the session targets a shared library.
func (s *Session) folderBase(folderID string) string {
	if s.privateID != "" && folderID == s.privateID {
		return ownDrive
	}

	return s.drive
}

// Identify returns the Graph user id behind accessToken. It keys the linked
// account.
func (a *Adapter) Identify(ctx context.Context, accessToken string) (string, error) {
	s := a.Open(backend.Credential{Vendor: a.vendor, AccessToken: accessToken}).(*Session)

	var me identityRef
	if err := s.getJSON(ctx, "/me?$select=id", &me); err != nil {
		return "", err
	}

	return me.ID, nil
}
