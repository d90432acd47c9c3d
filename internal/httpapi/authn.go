package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"atv.dev/internal/apierror"
	"atv.dev/internal/audit"
	"atv.dev/internal/services"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Claims carried by bearer tokens. The authorized party names the client
// the token was issued to, which maps to a registered service.
type Claims struct {
	AuthorizedParty string `json:"azp"`
	GivenName       string `json:"given_name"`
	FamilyName      string `json:"family_name"`
	Email           string `json:"email"`
	jwt.RegisteredClaims
}

// withIdentity resolves the caller before request handling. An API key wins
// over a bearer token; requests with neither proceed anonymously and the
// endpoint decides whether that is acceptable. Bad credentials are rejected
// here, never silently downgraded to anonymous.
func (a *API) withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident := services.Identity{}

		if raw := strings.TrimSpace(r.Header.Get(a.cfg.APIKeyHeader)); raw != "" {
			resolved, err := a.resolveAPIKeyIdentity(r, raw)
			if err != nil {
				writeDomainError(w, r, err)
				return
			}
			ident = resolved
		} else if header := strings.TrimSpace(r.Header.Get(authHeader)); header != "" {
			resolved, err := a.resolveTokenIdentity(r, header)
			if err != nil {
				writeDomainError(w, r, err)
				return
			}
			ident = resolved
		}

		ctx := services.ContextWithIdentity(r.Context(), ident)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) resolveAPIKeyIdentity(r *http.Request, raw string) (services.Identity, error) {
	key, err := a.resolver.ResolveAPIKey(r.Context(), raw)
	if err != nil {
		return services.Identity{}, err
	}
	user, err := a.users.FindUser(r.Context(), key.UserID)
	if err != nil {
		return services.Identity{}, err
	}
	svc, err := a.users.FindService(r.Context(), key.ServiceID)
	if err != nil {
		return services.Identity{}, err
	}
	return services.Identity{User: user, Service: svc, AuthMethod: "api_key"}, nil
}

func (a *API) resolveTokenIdentity(r *http.Request, header string) (services.Identity, error) {
	if !strings.HasPrefix(header, bearer) {
		return services.Identity{}, apierror.NotAuthenticated()
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return services.Identity{}, apierror.NotAuthenticated()
	}

	claims, err := a.parseToken(token)
	if err != nil {
		return services.Identity{}, err
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return services.Identity{}, apierror.NotAuthenticated()
	}
	user, err := a.users.EnsureUser(r.Context(), &services.User{
		ID:        userID,
		Username:  claims.Subject,
		FirstName: claims.GivenName,
		LastName:  claims.FamilyName,
		Email:     claims.Email,
		IsActive:  true,
	})
	if err != nil {
		return services.Identity{}, err
	}
	if !user.IsActive {
		return services.Identity{}, apierror.NotAuthenticated()
	}

	ident := services.Identity{User: user, AuthMethod: "token"}
	svc, err := a.resolver.ResolveService(r.Context(), ident,
		services.Credentials{ClientID: claims.AuthorizedParty}, false)
	if err != nil {
		return services.Identity{}, err
	}
	ident.Service = svc
	return ident, nil
}

func (a *API) parseToken(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, apierror.NotAuthenticated()
		}
		return []byte(a.cfg.AuthSecret), nil
	}, jwt.WithIssuer(a.cfg.AuthIssuer), jwt.WithExpirationRequired(), jwt.WithLeeway(5*time.Second))
	if err != nil {
		return nil, apierror.NotAuthenticated()
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, apierror.NotAuthenticated()
	}
	return claims, nil
}

// identity pulls the resolved identity from the request context.
func identity(r *http.Request) services.Identity {
	ident, _ := services.IdentityFromContext(r.Context())
	return ident
}

// apiKeyPresent reports whether the caller authenticated with a service API
// key, which widens several permission checks.
func apiKeyPresent(ident services.Identity) bool {
	return ident.AuthMethod == "api_key"
}

// actorFor snapshots the caller for audit purposes before the handler body
// runs.
func (a *API) actorFor(r *http.Request, ident services.Identity) audit.Actor {
	provider := ""
	if ident.Service != nil {
		provider = ident.Service.Name
	}
	return audit.ActorForIdentity(ident, provider, a.clientIP(r))
}

func (a *API) clientIP(r *http.Request) string {
	return audit.ClientIP(r.Header.Get("X-Forwarded-For"), r.RemoteAddr, a.cfg.TrustForwardedFor)
}
