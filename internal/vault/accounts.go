package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/cloudbridge/internal/account"
	"github.com/tonimelisma/cloudbridge/internal/backend"
)

// LinkRequest carries the result of a completed OAuth authorization.
type LinkRequest struct {
	UserID    string
	AccountID string
	Vendor    string
	Token     backend.Token
	RootHint  string
}

// Summary describes a linked account without any token material.
type Summary struct {
	AccountID string
	Vendor    string
	ExpiresAt time.Time
	RootHint  string
	LinkedAt  time.Time
	UpdatedAt time.Time
}

// Link stores a freshly authorized account, replacing any existing link for
// the same (user, vendor account).
func (v *Vault) Link(ctx context.Context, req LinkRequest) error {
	if req.UserID == "" || req.AccountID == "" {
		return errors.New("vault: link requires user and account ids")
	}

	if _, err := v.adapters.Get(req.Vendor); err != nil {
		return fmt.Errorf("vault: link: %w", err)
	}

	if req.Token.AccessToken == "" || req.Token.RefreshToken == "" {
		return fmt.Errorf("%w: authorization returned no refresh token", ErrNoNewToken)
	}

	rec := account.ExternalAccount{
		UserID:    req.UserID,
		AccountID: req.AccountID,
		Vendor:    req.Vendor,
		ExpiresAt: req.Token.Expiry,
		RootHint:  req.RootHint,
	}

	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = v.nowFunc().Add(defaultTokenLifetime)
	}

	var err error

	rec.AccessToken, err = v.keys.Seal([]byte(req.Token.AccessToken), tokenAAD(&rec, "access"))
	if err != nil {
		return fmt.Errorf("vault: sealing access token: %w", err)
	}

	rec.RefreshToken, err = v.keys.Seal([]byte(req.Token.RefreshToken), tokenAAD(&rec, "refresh"))
	if err != nil {
		return fmt.Errorf("vault: sealing refresh token: %w", err)
	}

	// Serialize with any background write for the same account.
	lock := v.accountLock(rec.Key())
	lock.Lock()
	defer lock.Unlock()

	if err := v.store.Upsert(ctx, &rec); err != nil {
		return fmt.Errorf("vault: linking account: %w", err)
	}

	v.invalidate(rec.Key())

	v.logger.Info("account linked",
		slog.String("user_id", rec.UserID),
		slog.String("account_id", rec.AccountID),
		slog.String("vendor", rec.Vendor),
	)

	return nil
}

// Revoke deletes the account link. The vendor-side grant is left alone.
func (v *Vault) Revoke(ctx context.Context, userID, accountID string) error {
	key := account.Key(userID, accountID)

	lock := v.accountLock(key)
	lock.Lock()
	defer lock.Unlock()

	err := v.store.Delete(ctx, userID, accountID)
	if errors.Is(err, account.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNoSuchAccount, key)
	}

	if err != nil {
		return fmt.Errorf("vault: revoking %s: %w", key, err)
	}

	v.invalidate(key)

	v.logger.Info("account revoked",
		slog.String("user_id", userID),
		slog.String("account_id", accountID),
	)

	return nil
}

// List returns the user's linked accounts. Nothing is decrypted.
func (v *Vault) List(ctx context.Context, userID string) ([]Summary, error) {
	recs, err := v.store.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("vault: listing accounts: %w", err)
	}

	out := make([]Summary, 0, len(recs))
	for i := range recs {
		out = append(out, Summary{
			AccountID: recs[i].AccountID,
			Vendor:    recs[i].Vendor,
			ExpiresAt: recs[i].ExpiresAt,
			RootHint:  recs[i].RootHint,
			LinkedAt:  recs[i].CreatedAt,
			UpdatedAt: recs[i].UpdatedAt,
		})
	}

	return out, nil
}
