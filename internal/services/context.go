package services

import "context"

type identityContextKey struct{}

// ContextWithIdentity attaches the resolved identity to the context. The
// identity is resolved once per request and read everywhere else, so
// downstream permission checks and audit events agree on the caller.
func ContextWithIdentity(ctx context.Context, ident Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, &ident)
}

// IdentityFromContext extracts the identity attached by the authentication
// middleware. The second return is false when no middleware ran.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	v, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok || v == nil {
		return Identity{}, false
	}
	return *v, true
}
