package services

import (
	"context"
	"errors"
	"time"
)

// Credentials carries the raw material a request presented for service
// resolution. ClientID is the azp claim of an already-verified bearer token.
type Credentials struct {
	ClientID string
	APIKey   string
}

// Resolver turns request credentials into a tenant service. Verified API
// keys are cached for a short TTL so the argon2 check does not run on every
// request.
type Resolver struct {
	store Store
	cache *keyCache
	now   func() time.Time
}

// ResolverOption configures Resolver behavior.
type ResolverOption func(*Resolver)

// WithKeyCacheTTL sets the verified-key cache lifetime. Zero disables the
// cache.
func WithKeyCacheTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.cache = newKeyCache(ttl, r.now)
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
			if r.cache != nil {
				r.cache.now = fn
			}
		}
	}
}

func NewResolver(store Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store: store,
		now:   time.Now,
	}
	r.cache = newKeyCache(5*time.Minute, r.now)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveAPIKey verifies a presented API key and returns its stored record.
// Cache hits skip the argon2 derivation entirely.
func (r *Resolver) ResolveAPIKey(ctx context.Context, raw string) (*ServiceAPIKey, error) {
	if key, ok := r.cache.get(raw); ok {
		if key.Expired(r.now()) {
			return nil, ErrInvalidKey
		}
		return &key, nil
	}
	prefix, secret, err := SplitAPIKey(raw)
	if err != nil {
		return nil, err
	}
	key, err := r.store.FindAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, err
	}
	if key.Expired(r.now()) {
		return nil, ErrInvalidKey
	}
	if err := VerifyAPIKeySecret(key.KeyHash, secret); err != nil {
		return nil, ErrInvalidKey
	}
	r.cache.put(raw, *key)
	return key, nil
}

// ResolveService maps credentials to a service. An API key wins over a
// bearer client id. Superusers act outside any single tenant and always
// resolve to a nil service. When nothing resolves, everyone else gets
// ErrNoService when required is true, or nil service otherwise.
func (r *Resolver) ResolveService(ctx context.Context, ident Identity, creds Credentials, required bool) (*Service, error) {
	if creds.APIKey != "" {
		key, err := r.ResolveAPIKey(ctx, creds.APIKey)
		if err != nil {
			return nil, err
		}
		return r.store.FindService(ctx, key.ServiceID)
	}
	if creds.ClientID != "" && !ident.Superuser() {
		svc, err := r.store.FindServiceByClientID(ctx, creds.ClientID)
		if err != nil {
			if errors.Is(err, ErrNotFound) && !required {
				return nil, nil
			}
			if errors.Is(err, ErrNotFound) {
				return nil, ErrNoService
			}
			return nil, err
		}
		return svc, nil
	}
	if ident.Superuser() || !required {
		return nil, nil
	}
	return nil, ErrNoService
}
