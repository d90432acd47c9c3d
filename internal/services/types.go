// Package services holds the tenant model: services, their API keys and
// client ids, users and groups, and the resolver that turns request
// credentials into an identity.
package services

import (
	"time"

	"github.com/google/uuid"
)

// Service is a tenant. Documents always belong to exactly one service.
type Service struct {
	ID          int64
	Name        string
	Description string
	// GroupID points at the group provisioned with the default grant set.
	GroupID   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ServiceAPIKey authenticates machine callers of a service. Only the prefix
// and an argon2id hash of the secret are stored.
type ServiceAPIKey struct {
	ID        string
	ServiceID int64
	// UserID is the synthetic user the key acts as.
	UserID  uuid.UUID
	Prefix  string
	KeyHash string
	// ExpiresAt nil means the key never expires.
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Expired reports whether the key is past its expiry at t.
func (k *ServiceAPIKey) Expired(t time.Time) bool {
	return k.ExpiresAt != nil && !t.Before(*k.ExpiresAt)
}

// ServiceClientID maps an OIDC client id (the token's azp claim) to a service.
type ServiceClientID struct {
	ServiceID int64
	ClientID  string
	CreatedAt time.Time
}

type User struct {
	ID          uuid.UUID
	Username    string
	FirstName   string
	LastName    string
	Email       string
	IsActive    bool
	IsStaff     bool
	IsSuperuser bool
	// ServiceAccount marks synthetic users provisioned for API keys.
	ServiceAccount bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Group struct {
	ID   int64
	Name string
}

// Identity is the resolved caller of a request.
type Identity struct {
	// User is nil for anonymous requests.
	User *User
	// Service is nil when no service could be resolved (e.g. a superuser
	// token without an azp claim).
	Service *Service
	// AuthMethod is "token", "api_key" or "" for anonymous.
	AuthMethod string
}

func (id Identity) Anonymous() bool { return id.User == nil }

func (id Identity) Superuser() bool { return id.User != nil && id.User.IsSuperuser }

func (id Identity) Staff() bool { return id.User != nil && id.User.IsStaff }
