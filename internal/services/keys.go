package services

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
)

const keyPrefixLen = 8

// GenerateAPIKey returns the full key handed to the caller once, plus the
// prefix and hash that get stored. The full key is "<prefix>.<secret>".
func GenerateAPIKey() (full, prefix, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", err
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)
	prefixBytes := make([]byte, keyPrefixLen/2)
	if _, err := rand.Read(prefixBytes); err != nil {
		return "", "", "", err
	}
	prefix = hex.EncodeToString(prefixBytes)
	hash, err = HashAPIKeySecret(secret)
	if err != nil {
		return "", "", "", err
	}
	return prefix + "." + secret, prefix, hash, nil
}

// HashAPIKeySecret derives an argon2id hash of the secret with a fresh salt.
// The result encodes as "<salt-hex>$<hash-hex>".
func HashAPIKeySecret(secret string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	sum := argon2.IDKey([]byte(secret), salt, 1, 64*1024, 4, 32)
	return hex.EncodeToString(salt) + "$" + hex.EncodeToString(sum), nil
}

// VerifyAPIKeySecret checks a secret against a stored hash.
func VerifyAPIKeySecret(stored, secret string) error {
	saltHex, hashHex, ok := strings.Cut(stored, "$")
	if !ok {
		return fmt.Errorf("malformed key hash")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return err
	}
	want, err := hex.DecodeString(hashHex)
	if err != nil {
		return err
	}
	got := argon2.IDKey([]byte(secret), salt, 1, 64*1024, 4, 32)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrInvalidKey
	}
	return nil
}

// SplitAPIKey splits a presented key into prefix and secret.
func SplitAPIKey(full string) (prefix, secret string, err error) {
	prefix, secret, ok := strings.Cut(full, ".")
	if !ok || prefix == "" || secret == "" {
		return "", "", ErrInvalidKey
	}
	return prefix, secret, nil
}

// keyCache remembers recently verified keys so the argon2 derivation runs at
// most once per TTL per key. Entries are keyed by a digest of the raw
// credential, never the credential itself.
type keyCache struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time
	m   map[[32]byte]cachedKey
}

type cachedKey struct {
	key       ServiceAPIKey
	expiresAt time.Time
}

func newKeyCache(ttl time.Duration, now func() time.Time) *keyCache {
	return &keyCache{ttl: ttl, now: now, m: make(map[[32]byte]cachedKey)}
}

func (c *keyCache) get(raw string) (ServiceAPIKey, bool) {
	if c.ttl <= 0 {
		return ServiceAPIKey{}, false
	}
	digest := sha256.Sum256([]byte(raw))
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.m[digest]
	if !ok {
		return ServiceAPIKey{}, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.m, digest)
		return ServiceAPIKey{}, false
	}
	return entry.key, true
}

func (c *keyCache) put(raw string, key ServiceAPIKey) {
	if c.ttl <= 0 {
		return
	}
	digest := sha256.Sum256([]byte(raw))
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[digest] = cachedKey{key: key, expiresAt: c.now().Add(c.ttl)}
}
