package vault

import (
	"errors"

	"github.com/tonimelisma/cloudbridge/internal/backend"
)

// Auth failures. All are fatal to the current request and mean the user must
// re-authorize the account.
var (
	ErrNoSuchAccount = errors.New("vault: no such account")
	ErrDecryption    = errors.New("vault: stored token cannot be decrypted")
	ErrOAuthRejected = errors.New("vault: refresh token rejected by vendor")
	ErrNoNewToken    = errors.New("vault: vendor issued no usable token")
)

// IsReauthRequired reports whether err means the account link is unusable
// and the user must go through the OAuth flow again.
func IsReauthRequired(err error) bool {
	return errors.Is(err, ErrNoSuchAccount) ||
		errors.Is(err, ErrDecryption) ||
		errors.Is(err, ErrOAuthRejected) ||
		errors.Is(err, ErrNoNewToken) ||
		errors.Is(err, backend.ErrOAuthRejected) ||
		errors.Is(err, backend.ErrNoNewToken)
}
