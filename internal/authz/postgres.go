package authz

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

// PGGrantStore persists grants in permission_grants. A row binds either a
// user_id or a group_id (exactly one is non-null) to a kind and service.
// A null service_id is a global grant; callers pass serviceID 0 for those.
// Global grants satisfy checks against any service.
type PGGrantStore struct {
	db *sql.DB
}

var _ GrantStore = (*PGGrantStore)(nil)

func NewPGGrantStore(db *sql.DB) *PGGrantStore {
	return &PGGrantStore{db: db}
}

func (s *PGGrantStore) UserHasGrant(ctx context.Context, userID uuid.UUID, kind string, serviceID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		select exists(
			select 1 from permission_grants g
			where g.permission = $2
			  and (g.service_id = nullif($3, 0) or g.service_id is null)
			  and (g.user_id = $1
			       or g.group_id in (select group_id from user_groups where user_id = $1))
		)
	`, userID, kind, serviceID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (s *PGGrantStore) GrantToUser(ctx context.Context, userID uuid.UUID, kind string, serviceID int64) error {
	_, err := s.db.ExecContext(ctx, `
		insert into permission_grants(user_id, permission, service_id)
		values ($1, $2, nullif($3, 0))
		on conflict do nothing
	`, userID, kind, serviceID)
	return err
}

func (s *PGGrantStore) GrantToGroup(ctx context.Context, groupID int64, kind string, serviceID int64) error {
	_, err := s.db.ExecContext(ctx, `
		insert into permission_grants(group_id, permission, service_id)
		values ($1, $2, nullif($3, 0))
		on conflict do nothing
	`, groupID, kind, serviceID)
	return err
}

func (s *PGGrantStore) RevokeFromUser(ctx context.Context, userID uuid.UUID, kind string, serviceID int64) error {
	_, err := s.db.ExecContext(ctx, `
		delete from permission_grants
		where user_id = $1 and permission = $2
		  and service_id is not distinct from nullif($3, 0)
	`, userID, kind, serviceID)
	return err
}
