// Package secret encrypts OAuth tokens at rest with AES-256-GCM. The
// working key is derived from a master secret with HKDF-SHA256; every
// ciphertext carries the id of the key that sealed it so retired keys keep
// decrypting after rotation.
package secret

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MinKeyLen is the minimum master secret length in bytes.
const MinKeyLen = 32

const (
	formatVersion = 1
	keyIDLen      = 4
	aesKeyLen     = 32
	headerLen     = 1 + keyIDLen
)

var (
	infoAEAD  = []byte("cloudbridge token encryption v1")
	infoKeyID = []byte("cloudbridge key id v1")
)

// ErrDecrypt is returned for any ciphertext that cannot be opened: corrupt,
// truncated, bound to other associated data, or sealed by an unknown key.
var ErrDecrypt = errors.New("secret: decryption failed")

// ErrShortKey is returned when a master secret is shorter than MinKeyLen.
var ErrShortKey = errors.New("secret: master key too short")

type sealer struct {
	id   []byte
	aead cipher.AEAD
}

// Keyring seals with the primary key and opens with any known key.
// It is immutable after construction and safe for concurrent use.
type Keyring struct {
	primary sealer
	byID    map[string]cipher.AEAD
}

// NewKeyring builds a keyring from the primary master secret and any retired
// secrets that must still decrypt existing records.
func NewKeyring(primary []byte, retired ...[]byte) (*Keyring, error) {
	p, err := newSealer(primary)
	if err != nil {
		return nil, err
	}

	k := &Keyring{
		primary: p,
		byID:    map[string]cipher.AEAD{string(p.id): p.aead},
	}

	for i, r := range retired {
		s, err := newSealer(r)
		if err != nil {
			return nil, fmt.Errorf("secret: retired key %d: %w", i, err)
		}

		if _, dup := k.byID[string(s.id)]; !dup {
			k.byID[string(s.id)] = s.aead
		}
	}

	return k, nil
}

func newSealer(master []byte) (sealer, error) {
	if len(master) < MinKeyLen {
		return sealer{}, ErrShortKey
	}

	key := make([]byte, aesKeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, infoAEAD), key); err != nil {
		return sealer{}, fmt.Errorf("secret: deriving key: %w", err)
	}

	id := make([]byte, keyIDLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, infoKeyID), id); err != nil {
		return sealer{}, fmt.Errorf("secret: deriving key id: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return sealer{}, fmt.Errorf("secret: creating cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return sealer{}, fmt.Errorf("secret: creating GCM: %w", err)
	}

	return sealer{id: id, aead: aead}, nil
}

// Seal encrypts plaintext under the primary key. aad binds the ciphertext to
// its owner (for tokens: the account key), so a ciphertext copied onto
// another record does not open.
func (k *Keyring) Seal(plaintext, aad []byte) (string, error) {
	nonce := make([]byte, k.primary.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secret: generating nonce: %w", err)
	}

	out := make([]byte, 0, headerLen+len(nonce)+len(plaintext)+k.primary.aead.Overhead())
	out = append(out, formatVersion)
	out = append(out, k.primary.id...)
	out = append(out, nonce...)
	out = k.primary.aead.Seal(out, nonce, plaintext, aad)

	return base64.RawStdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal with the same aad.
func (k *Keyring) Open(ciphertext string, aad []byte) ([]byte, error) {
	raw, err := base64.RawStdEncoding.DecodeString(ciphertext)
	if err != nil || len(raw) < headerLen || raw[0] != formatVersion {
		return nil, ErrDecrypt
	}

	aead, ok := k.byID[string(raw[1:headerLen])]
	if !ok {
		return nil, ErrDecrypt
	}

	body := raw[headerLen:]
	if len(body) < aead.NonceSize() {
		return nil, ErrDecrypt
	}

	plaintext, err := aead.Open(nil, body[:aead.NonceSize()], body[aead.NonceSize():], aad)
	if err != nil {
		return nil, ErrDecrypt
	}

	return plaintext, nil
}

// SealedByPrimary reports whether ciphertext was sealed by the primary key.
func (k *Keyring) SealedByPrimary(ciphertext string) bool {
	raw, err := base64.RawStdEncoding.DecodeString(ciphertext)
	if err != nil || len(raw) < headerLen {
		return false
	}

	return bytes.Equal(raw[1:headerLen], k.primary.id)
}

// ParseKey decodes a base64 master secret from configuration.
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("secret: decoding key: %w", err)
	}

	if len(key) < MinKeyLen {
		return nil, ErrShortKey
	}

	return key, nil
}

// GenerateKey returns a fresh random master secret, base64 encoded.
func GenerateKey() (string, error) {
	key := make([]byte, MinKeyLen)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("secret: generating key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(key), nil
}
