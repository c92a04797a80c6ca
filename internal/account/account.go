// Package account persists ExternalAccount records (one user's link to one
// vendor account, with encrypted OAuth tokens) and FileVersionState markers.
// ExternalAccount rows are the only mutable shared state in the upload
// protocol; token updates are compare-and-swap on the stored expiry.
package account

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record matches the key.
	ErrNotFound = errors.New("account: not found")
	// ErrStale is returned by UpdateTokens when the stored expiry no longer
	// matches the caller's expected value (another writer got there first).
	ErrStale = errors.New("account: stale token update")
)

// ExternalAccount is one user's link to one vendor account. At most one
// record exists per (UserID, AccountID). Token fields hold ciphertext only.
type ExternalAccount struct {
	UserID       string
	AccountID    string
	Vendor       string
	AccessToken  string // sealed
	RefreshToken string // sealed
	ExpiresAt    time.Time
	RootHint     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Key identifies the account for locking and cache purposes.
func (a *ExternalAccount) Key() string {
	return Key(a.UserID, a.AccountID)
}

// Key builds the (user, vendor-account) identity string.
func Key(userID, accountID string) string {
	return userID + "/" + accountID
}

// FileVersionState is the last version the system synchronized for a file at
// a vendor. Informational only; the vendor's live metadata is authoritative.
type FileVersionState struct {
	FileID    string
	Vendor    string
	VersionID string
	SyncedAt  time.Time
}

// Store is CRUD over ExternalAccount plus FileVersionState bookkeeping.
type Store interface {
	Get(ctx context.Context, userID, accountID string) (*ExternalAccount, error)
	List(ctx context.Context, userID string) ([]ExternalAccount, error)
	// Upsert creates the record or replaces every field of an existing one.
	Upsert(ctx context.Context, a *ExternalAccount) error
	// UpdateTokens writes the token fields of a only if the stored expiry
	// still equals expectedExpiry. Returns ErrStale otherwise.
	UpdateTokens(ctx context.Context, a *ExternalAccount, expectedExpiry time.Time) error
	Delete(ctx context.Context, userID, accountID string) error

	GetVersionState(ctx context.Context, vendor, fileID string) (*FileVersionState, error)
	SaveVersionState(ctx context.Context, s *FileVersionState) error
}
