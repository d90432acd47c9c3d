package services

import (
	"context"

	"github.com/google/uuid"
)

// Store describes persistence operations required by the identity subsystem.
type Store interface {
	FindService(ctx context.Context, id int64) (*Service, error)
	FindServiceByName(ctx context.Context, name string) (*Service, error)
	FindServiceByClientID(ctx context.Context, clientID string) (*Service, error)
	ListServices(ctx context.Context) ([]*Service, error)

	FindAPIKeyByPrefix(ctx context.Context, prefix string) (*ServiceAPIKey, error)

	FindUser(ctx context.Context, id uuid.UUID) (*User, error)
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	// EnsureUser creates the user if missing and returns the stored row.
	EnsureUser(ctx context.Context, u *User) (*User, error)
}
