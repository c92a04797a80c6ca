// Package backend defines the small capability surface every cloud storage
// vendor adapter implements. The upload protocol (vault, retry, conflict,
// resolver, notify, upload) is written once against these interfaces; the
// graph and dropbox packages provide the vendor-specific halves.
package backend

import (
	"context"
	"io"
	"time"
)

// Vendor names used as registry keys and stored on account records.
const (
	VendorOneDrive   = "onedrive"
	VendorSharePoint = "sharepoint"
	VendorDropbox    = "dropbox"
)

// Role is the actor's effective permission on a remote object, ordered from
// weakest to strongest so callers can compare with >=.
type Role int

const (
	RoleNone Role = iota
	RoleViewer
	RoleCommenter
	RoleEditor
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleCommenter:
		return "commenter"
	case RoleEditor:
		return "editor"
	case RoleOwner:
		return "owner"
	default:
		return "none"
	}
}

// Permission is the actor's direct role plus any roles inherited through
// group membership.
type Permission struct {
	Role       Role
	GroupRoles []Role
}

// CanEdit reports whether the actor is owner or editor directly, or through
// at least one group.
func (p Permission) CanEdit() bool {
	if p.Role >= RoleEditor {
		return true
	}

	for _, r := range p.GroupRoles {
		if r >= RoleEditor {
			return true
		}
	}

	return false
}

// Credential is a decrypted, in-memory access token. It is produced by the
// vault for one request or one refresh cycle and is never persisted.
type Credential struct {
	Vendor      string
	AccountID   string
	AccessToken string
	Expiry      time.Time
	RootHint    string // vendor namespace/root (Dropbox namespace, SharePoint site)
}

// Token is what a vendor returns from a refresh-token exchange.
type Token struct {
	AccessToken  string
	RefreshToken string // empty when the vendor does not rotate refresh tokens
	Expiry       time.Time
}

// Metadata is the authoritative live state of a remote file, as seen by the
// actor holding the credential.
type Metadata struct {
	ID        string
	Name      string
	Path      string // vendor path when the vendor addresses by path (Dropbox)
	ParentID  string
	VersionID string
	Deleted   bool
	Modified  time.Time

	// Permission is the actor's effective role on the file.
	Permission Permission
	// ParentReadable reports whether the actor can at least read the parent
	// folder; forks land there only when true.
	ParentReadable bool
}

// UploadRequest describes one content write. Exactly one of FileID (update in
// place) or ParentID+Name (create) addresses the target.
type UploadRequest struct {
	FileID   string
	Path     string // vendor path of FileID, when known
	ParentID string
	Name     string

	// ExpectedVersion makes the write conditional; the vendor rejects it with
	// ErrStaleVersion when the live version differs. Empty means unconditional.
	ExpectedVersion string
	// Autorename asks the vendor to pick a free name on collision instead of
	// failing with ErrNameConflict.
	Autorename bool

	Content io.Reader
	Size    int64
}

// UploadResult is the vendor's view of the object after a successful write.
type UploadResult struct {
	FileID    string
	Name      string
	ParentID  string
	VersionID string
}

// Capabilities advertises optional vendor behavior.
type Capabilities struct {
	// Autorename is true when the vendor resolves name collisions itself.
	Autorename bool
}

// Session is a per-request view of one vendor account, bound to a freshly
// obtained Credential. Sessions are cheap and never shared across requests.
type Session interface {
	GetMetadata(ctx context.Context, fileID string) (*Metadata, error)
	ListChildren(ctx context.Context, folderID string) ([]string, error)
	UploadContent(ctx context.Context, req UploadRequest) (*UploadResult, error)
	// PrivateFolder returns the per-user fallback folder for forks the actor
	// cannot place next to the original.
	PrivateFolder(ctx context.Context) (string, error)
	Capabilities() Capabilities
}

// Adapter is implemented once per vendor.
type Adapter interface {
	Vendor() string
	RefreshToken(ctx context.Context, refreshToken string) (*Token, error)
	Open(cred Credential) Session
}
