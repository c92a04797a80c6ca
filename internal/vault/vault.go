// Package vault keeps per-user vendor credentials usable across unbounded
// sessions. Obtain decrypts the stored access token and, when it is within
// the expiry margin, exchanges the refresh token for a new one. Refreshes are
// coalesced per account and persisted in the background, linearized per
// account with a compare-and-swap on the stored expiry.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/cloudbridge/internal/account"
	"github.com/tonimelisma/cloudbridge/internal/backend"
	"github.com/tonimelisma/cloudbridge/internal/retry"
	"github.com/tonimelisma/cloudbridge/internal/secret"
)

const (
	// DefaultExpireMargin is the lookahead window before expiry in which a
	// token is treated as already expired.
	DefaultExpireMargin = 5 * time.Minute

	// defaultTokenLifetime applies when a vendor omits expires_in.
	defaultTokenLifetime = time.Hour

	refreshTimeout     = 2 * time.Minute
	persistTimeout     = 30 * time.Second
	maxPersistAttempts = 3
)

// Config tunes the vault.
type Config struct {
	ExpireMargin time.Duration
}

// errLinkChanged reports that Link or Revoke replaced the account while a
// refresh of the previous link was running.
var errLinkChanged = errors.New("vault: account link changed during refresh")

// cacheEntry is the newest record this process knows for an account, with
// its decrypted access token. It may be ahead of the store while a
// background write is pending.
type cacheEntry struct {
	record account.ExternalAccount
	cred   backend.Credential
}

// Vault is safe for concurrent use.
type Vault struct {
	store    account.Store
	keys     *secret.Keyring
	adapters *backend.Registry
	policy   *retry.Policy
	margin   time.Duration
	logger   *slog.Logger

	// nowFunc returns the current time. Tests override it.
	nowFunc func() time.Time

	flights singleflight.Group

	mu    sync.Mutex
	cache map[string]cacheEntry
	locks map[string]*sync.Mutex
	gens  map[string]uint64 // bumped by Link and Revoke

	pending sync.WaitGroup
}

// New builds a Vault. policy wraps every refresh-token exchange.
func New(
	store account.Store, keys *secret.Keyring, adapters *backend.Registry,
	policy *retry.Policy, cfg Config, logger *slog.Logger,
) *Vault {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.ExpireMargin <= 0 {
		cfg.ExpireMargin = DefaultExpireMargin
	}

	return &Vault{
		store:    store,
		keys:     keys,
		adapters: adapters,
		policy:   policy,
		margin:   cfg.ExpireMargin,
		logger:   logger,
		nowFunc:  time.Now,
		cache:    make(map[string]cacheEntry),
		locks:    make(map[string]*sync.Mutex),
		gens:     make(map[string]uint64),
	}
}

// SetExpireMargin changes the lookahead window, e.g. on config reload.
func (v *Vault) SetExpireMargin(d time.Duration) {
	if d <= 0 {
		return
	}

	v.mu.Lock()
	v.margin = d
	v.mu.Unlock()
}

// Obtain returns a credential for (userID, accountID) that stays valid for at
// least the expire margin, refreshing it first if needed.
func (v *Vault) Obtain(ctx context.Context, userID, accountID string) (backend.Credential, error) {
	cred, err := v.obtain(ctx, userID, accountID)
	if errors.Is(err, errLinkChanged) {
		cred, err = v.obtain(ctx, userID, accountID)
	}

	return cred, err
}

func (v *Vault) obtain(ctx context.Context, userID, accountID string) (backend.Credential, error) {
	key := account.Key(userID, accountID)

	if entry, ok := v.cached(key); ok && v.fresh(entry.cred.Expiry) {
		return entry.cred, nil
	}

	gen := v.generation(key)

	rec, err := v.store.Get(ctx, userID, accountID)
	if errors.Is(err, account.ErrNotFound) {
		return backend.Credential{}, fmt.Errorf("%w: %s", ErrNoSuchAccount, key)
	}

	if err != nil {
		return backend.Credential{}, fmt.Errorf("vault: loading account %s: %w", key, err)
	}

	access, err := v.keys.Open(rec.AccessToken, tokenAAD(rec, "access"))
	if err != nil {
		return backend.Credential{}, fmt.Errorf("%w: access token for %s", ErrDecryption, key)
	}

	cred := credentialFor(rec, string(access))
	if v.fresh(cred.Expiry) {
		return cred, nil
	}

	v.logger.Debug("access token inside expiry margin",
		slog.String("user_id", userID),
		slog.String("account_id", accountID),
		slog.Time("expires_at", rec.ExpiresAt),
	)

	// The exchange outlives any one caller so that callers joining the
	// flight do not fail with the first caller's cancellation.
	ch := v.flights.DoChan(key, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		return v.refresh(rctx, rec, gen)
	})

	select {
	case <-ctx.Done():
		return backend.Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return backend.Credential{}, res.Err
		}

		if res.Shared {
			v.logger.Debug("joined in-flight refresh", slog.String("account_id", accountID))
		}

		return res.Val.(backend.Credential), nil
	}
}

// refresh exchanges the refresh token of the newest known record and caches
// the result. Persistence happens in the background. gen is the link
// generation rec was read under; a newer one discards the result.
func (v *Vault) refresh(ctx context.Context, rec *account.ExternalAccount, gen uint64) (backend.Credential, error) {
	key := rec.Key()

	// A flight that finished just before this one started already did the work.
	if entry, ok := v.cached(key); ok {
		if v.fresh(entry.cred.Expiry) {
			return entry.cred, nil
		}

		if entry.record.ExpiresAt.After(rec.ExpiresAt) {
			latest := entry.record
			rec = &latest
		}
	}

	adapter, err := v.adapters.Get(rec.Vendor)
	if err != nil {
		return backend.Credential{}, fmt.Errorf("vault: account %s: %w", key, err)
	}

	refreshToken, err := v.keys.Open(rec.RefreshToken, tokenAAD(rec, "refresh"))
	if err != nil {
		return backend.Credential{}, fmt.Errorf("%w: refresh token for %s", ErrDecryption, key)
	}

	tok, err := retry.Do(ctx, v.policy, retry.Op{Name: "refresh_token", Idempotent: true},
		func(ctx context.Context) (*backend.Token, error) {
			return adapter.RefreshToken(ctx, string(refreshToken))
		})
	if err != nil {
		return backend.Credential{}, v.refreshError(key, err)
	}

	if tok == nil || tok.AccessToken == "" {
		return backend.Credential{}, fmt.Errorf("%w: %s", ErrNoNewToken, key)
	}

	if tok.Expiry.IsZero() {
		tok.Expiry = v.nowFunc().Add(defaultTokenLifetime)
	}

	next := *rec
	next.ExpiresAt = tok.Expiry

	next.AccessToken, err = v.keys.Seal([]byte(tok.AccessToken), tokenAAD(&next, "access"))
	if err != nil {
		return backend.Credential{}, fmt.Errorf("vault: sealing access token: %w", err)
	}

	// Vendors that do not rotate refresh tokens keep the old one; it is
	// resealed anyway so the record moves to the primary key.
	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		newRefresh = string(refreshToken)
	}

	next.RefreshToken, err = v.keys.Seal([]byte(newRefresh), tokenAAD(&next, "refresh"))
	if err != nil {
		return backend.Credential{}, fmt.Errorf("vault: sealing refresh token: %w", err)
	}

	cred := credentialFor(&next, tok.AccessToken)

	v.mu.Lock()
	if v.gens[key] != gen {
		v.mu.Unlock()

		v.logger.Info("account link changed during refresh, discarding token",
			slog.String("user_id", rec.UserID),
			slog.String("account_id", rec.AccountID),
		)

		return backend.Credential{}, fmt.Errorf("%w: %s", errLinkChanged, key)
	}

	v.cache[key] = cacheEntry{record: next, cred: cred}
	v.mu.Unlock()

	v.logger.Info("refreshed access token",
		slog.String("user_id", rec.UserID),
		slog.String("account_id", rec.AccountID),
		slog.String("vendor", rec.Vendor),
		slog.Time("expires_at", next.ExpiresAt),
	)

	v.pending.Add(1)

	go v.persist(next, gen)

	return cred, nil
}

func (v *Vault) refreshError(key string, err error) error {
	switch {
	case errors.Is(err, backend.ErrOAuthRejected):
		return fmt.Errorf("%w: %s: %w", ErrOAuthRejected, key, err)
	case errors.Is(err, backend.ErrNoNewToken):
		return fmt.Errorf("%w: %s: %w", ErrNoNewToken, key, err)
	default:
		return fmt.Errorf("vault: refreshing %s: %w", key, err)
	}
}

// persist writes a refreshed token. Writes for one account are serialized;
// a write older than what is already stored, or one for a link that has
// since been replaced, is dropped.
func (v *Vault) persist(next account.ExternalAccount, gen uint64) {
	defer v.pending.Done()

	lock := v.accountLock(next.Key())
	lock.Lock()
	defer lock.Unlock()

	if v.generation(next.Key()) != gen {
		v.logger.Debug("account relinked or revoked before refreshed token was stored",
			slog.String("user_id", next.UserID),
			slog.String("account_id", next.AccountID),
		)

		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	logger := v.logger.With(
		slog.String("user_id", next.UserID),
		slog.String("account_id", next.AccountID),
	)

	for attempt := 1; attempt <= maxPersistAttempts; attempt++ {
		cur, err := v.store.Get(ctx, next.UserID, next.AccountID)
		if errors.Is(err, account.ErrNotFound) {
			logger.Debug("account removed before refreshed token was stored")
			return
		}

		if err != nil {
			logger.Warn("loading account for token write failed", slog.String("error", err.Error()))
			return
		}

		if !next.ExpiresAt.After(cur.ExpiresAt) {
			logger.Debug("stored token is already newer, dropping write")
			return
		}

		rec := *cur
		rec.AccessToken = next.AccessToken
		rec.RefreshToken = next.RefreshToken
		rec.ExpiresAt = next.ExpiresAt

		err = v.store.UpdateTokens(ctx, &rec, cur.ExpiresAt)
		if err == nil {
			logger.Debug("refreshed token stored", slog.Time("expires_at", rec.ExpiresAt))
			return
		}

		if !errors.Is(err, account.ErrStale) {
			logger.Warn("storing refreshed token failed", slog.String("error", err.Error()))
			return
		}

		logger.Debug("token write lost compare-and-swap, retrying", slog.Int("attempt", attempt))
	}

	logger.Warn("storing refreshed token gave up after concurrent writes",
		slog.Int("attempts", maxPersistAttempts))
}

// Wait blocks until background token writes have finished.
func (v *Vault) Wait() {
	v.pending.Wait()
}

func (v *Vault) cached(key string) (cacheEntry, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.cache[key]

	return e, ok
}

func (v *Vault) fresh(expiry time.Time) bool {
	v.mu.Lock()
	margin := v.margin
	v.mu.Unlock()

	return !v.nowFunc().Add(margin).After(expiry)
}

func (v *Vault) accountLock(key string) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()

	l, ok := v.locks[key]
	if !ok {
		l = &sync.Mutex{}
		v.locks[key] = l
	}

	return l
}

// invalidate drops the cached credential and starts a new link generation.
// Callers hold the account lock.
func (v *Vault) invalidate(key string) {
	v.mu.Lock()
	delete(v.cache, key)
	v.gens[key]++
	v.mu.Unlock()
}

func (v *Vault) generation(key string) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.gens[key]
}

func credentialFor(rec *account.ExternalAccount, accessToken string) backend.Credential {
	return backend.Credential{
		Vendor:      rec.Vendor,
		AccountID:   rec.AccountID,
		AccessToken: accessToken,
		Expiry:      rec.ExpiresAt,
		RootHint:    rec.RootHint,
	}
}

// tokenAAD binds a ciphertext to its account and field so a sealed token
// cannot be replayed into another row or column.
func tokenAAD(rec *account.ExternalAccount, field string) []byte {
	return []byte(rec.Key() + "/" + field)
}
