// Package vault encrypts OAuth tokens and PKCE verifiers at rest.
// The key is derived from a single process secret; payloads are
// versioned so the format can rotate without breaking stored rows.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	version   = "v1"
	nonceSize = 12 // 96-bit IV per GCM recommendation
)

var (
	// ErrNoSecret means OAUTH_ENCRYPTION_SECRET (or SESSION_SECRET) was
	// never configured. Deferred to first use so a server without OAuth
	// still boots.
	ErrNoSecret = errors.New("vault: encryption secret not configured")

	errMalformed = errors.New("vault: malformed payload")
)

// Vault holds the derived AES-256 key. A Vault with an empty secret is
// valid to construct; every operation on it returns ErrNoSecret.
type Vault struct {
	key []byte
}

// New derives the 256-bit key as SHA-256 of the process secret.
func New(secret string) *Vault {
	if secret == "" {
		return &Vault{}
	}
	sum := sha256.Sum256([]byte(secret))
	return &Vault{key: sum[:]}
}

// Encrypt seals plaintext with AES-256-GCM under a fresh 96-bit IV and
// returns "v1:<iv>:<tag>:<ciphertext>" with every segment base64-encoded.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	gcm, err := v.gcm()
	if err != nil {
		return "", err
	}

	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("vault: read iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	split := len(sealed) - gcm.Overhead()
	ct, tag := sealed[:split], sealed[split:]

	b64 := base64.StdEncoding
	return strings.Join([]string{
		version,
		b64.EncodeToString(iv),
		b64.EncodeToString(tag),
		b64.EncodeToString(ct),
	}, ":"), nil
}

// Decrypt reverses Encrypt. Any payload that does not carry the v1 tag
// and exactly three base64 segments is rejected.
func (v *Vault) Decrypt(payload string) (string, error) {
	gcm, err := v.gcm()
	if err != nil {
		return "", err
	}

	parts := strings.Split(payload, ":")
	if len(parts) != 4 || parts[0] != version {
		return "", errMalformed
	}

	b64 := base64.StdEncoding
	iv, err := b64.DecodeString(parts[1])
	if err != nil {
		return "", errMalformed
	}
	tag, err := b64.DecodeString(parts[2])
	if err != nil {
		return "", errMalformed
	}
	ct, err := b64.DecodeString(parts[3])
	if err != nil {
		return "", errMalformed
	}
	if len(iv) != nonceSize || len(tag) != gcm.Overhead() {
		return "", errMalformed
	}

	plain, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("vault: gcm open: %w", err)
	}
	return string(plain), nil
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	if len(v.key) == 0 {
		return nil, ErrNoSecret
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: new gcm: %w", err)
	}
	return gcm, nil
}
