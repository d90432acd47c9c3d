package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"atv.dev/internal/authz"
	"atv.dev/internal/ids"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// PGStore persists services, API keys, client ids, users and groups.
type PGStore struct {
	db *sql.DB
}

var _ Store = (*PGStore)(nil)

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const serviceCols = `id, name, description, group_id, created_at, updated_at`

func scanService(row *sql.Row) (*Service, error) {
	var svc Service
	err := row.Scan(&svc.ID, &svc.Name, &svc.Description, &svc.GroupID, &svc.CreatedAt, &svc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

func (s *PGStore) FindService(ctx context.Context, id int64) (*Service, error) {
	return scanService(s.db.QueryRowContext(ctx,
		`select `+serviceCols+` from services where id = $1`, id))
}

func (s *PGStore) FindServiceByName(ctx context.Context, name string) (*Service, error) {
	return scanService(s.db.QueryRowContext(ctx,
		`select `+serviceCols+` from services where name = $1`, name))
}

func (s *PGStore) FindServiceByClientID(ctx context.Context, clientID string) (*Service, error) {
	return scanService(s.db.QueryRowContext(ctx, `
		select s.id, s.name, s.description, s.group_id, s.created_at, s.updated_at
		from services s
		join service_client_ids c on c.service_id = s.id
		where c.client_id = $1
	`, clientID))
}

func (s *PGStore) ListServices(ctx context.Context) ([]*Service, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+serviceCols+` from services order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Service
	for rows.Next() {
		var svc Service
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.Description, &svc.GroupID, &svc.CreatedAt, &svc.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &svc)
	}
	return out, rows.Err()
}

func (s *PGStore) FindAPIKeyByPrefix(ctx context.Context, prefix string) (*ServiceAPIKey, error) {
	var key ServiceAPIKey
	err := s.db.QueryRowContext(ctx, `
		select id, service_id, user_id, prefix, key_hash, expires_at, created_at
		from service_api_keys where prefix = $1
	`, prefix).Scan(&key.ID, &key.ServiceID, &key.UserID, &key.Prefix, &key.KeyHash, &key.ExpiresAt, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

const userCols = `id, username, first_name, last_name, email, is_active, is_staff, is_superuser, service_account, created_at, updated_at`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.Email,
		&u.IsActive, &u.IsStaff, &u.IsSuperuser, &u.ServiceAccount, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PGStore) FindUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userCols+` from users where id = $1`, id))
}

func (s *PGStore) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userCols+` from users where username = $1`, username))
}

// EnsureUser inserts the user if the username is new, otherwise returns the
// existing row. Token-authenticated callers are created on first sight.
func (s *PGStore) EnsureUser(ctx context.Context, u *User) (*User, error) {
	if strings.TrimSpace(u.Username) == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	id := u.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return scanUser(s.db.QueryRowContext(ctx, `
		insert into users(id, username, first_name, last_name, email, is_active, is_staff, is_superuser, service_account, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		on conflict (username) do update
		set first_name = excluded.first_name,
		    last_name  = excluded.last_name,
		    email      = excluded.email,
		    updated_at = now()
		returning `+userCols,
		id, u.Username, u.FirstName, u.LastName, u.Email,
		u.IsActive, u.IsStaff, u.IsSuperuser, u.ServiceAccount))
}

// Manager handles provisioning flows that span several tables.
type Manager struct {
	db *sql.DB
}

func NewManager(db *sql.DB) *Manager {
	return &Manager{db: db}
}

// CreateService provisions a service together with its permission group. The
// group receives the default grant set for the new service so members can
// work with its documents immediately.
func (m *Manager) CreateService(ctx context.Context, name, description string) (*Service, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: service name is required", ErrInvalidInput)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var groupID int64
	if err := tx.QueryRowContext(ctx, `
		insert into groups(name) values ($1) returning id
	`, "service_"+name).Scan(&groupID); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}

	var svc Service
	if err := tx.QueryRowContext(ctx, `
		insert into services(name, description, group_id, created_at, updated_at)
		values ($1, $2, $3, now(), now())
		returning `+serviceCols,
		name, description, groupID,
	).Scan(&svc.ID, &svc.Name, &svc.Description, &svc.GroupID, &svc.CreatedAt, &svc.UpdatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}

	for _, kind := range authz.DefaultServiceKinds {
		if _, err := tx.ExecContext(ctx, `
			insert into permission_grants(group_id, permission, service_id)
			values ($1, $2, $3)
		`, groupID, kind, svc.ID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &svc, nil
}

// CreateAPIKey provisions an API key for a service together with the
// synthetic user the key acts as. The user receives the default grant set
// for the service. The full key is returned exactly once. A nil expiresAt
// means the key never expires.
func (m *Manager) CreateAPIKey(ctx context.Context, serviceID int64, expiresAt *time.Time) (fullKey string, key *ServiceAPIKey, err error) {
	full, prefix, hash, err := GenerateAPIKey()
	if err != nil {
		return "", nil, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var serviceName string
	if err := tx.QueryRowContext(ctx,
		`select name from services where id = $1`, serviceID).Scan(&serviceName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil, ErrNotFound
		}
		return "", nil, err
	}

	userID := uuid.New()
	username := fmt.Sprintf("%s_key_%s", serviceName, prefix)
	if _, err := tx.ExecContext(ctx, `
		insert into users(id, username, is_active, is_staff, is_superuser, service_account, created_at, updated_at)
		values ($1, $2, true, false, false, true, now(), now())
	`, userID, username); err != nil {
		return "", nil, err
	}

	for _, kind := range authz.DefaultServiceKinds {
		if _, err := tx.ExecContext(ctx, `
			insert into permission_grants(user_id, permission, service_id)
			values ($1, $2, $3)
		`, userID, kind, serviceID); err != nil {
			return "", nil, err
		}
	}

	rec := &ServiceAPIKey{
		ID:        ids.New(),
		ServiceID: serviceID,
		UserID:    userID,
		Prefix:    prefix,
		KeyHash:   hash,
		ExpiresAt: expiresAt,
	}
	if err := tx.QueryRowContext(ctx, `
		insert into service_api_keys(id, service_id, user_id, prefix, key_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6, now())
		returning created_at
	`, rec.ID, rec.ServiceID, rec.UserID, rec.Prefix, rec.KeyHash, rec.ExpiresAt).Scan(&rec.CreatedAt); err != nil {
		return "", nil, err
	}

	if err := tx.Commit(); err != nil {
		return "", nil, err
	}
	return full, rec, nil
}

// AddClientID binds an OIDC client id to a service.
func (m *Manager) AddClientID(ctx context.Context, serviceID int64, clientID string) error {
	if strings.TrimSpace(clientID) == "" {
		return fmt.Errorf("%w: client id is required", ErrInvalidInput)
	}
	_, err := m.db.ExecContext(ctx, `
		insert into service_client_ids(service_id, client_id, created_at)
		values ($1, $2, now())
	`, serviceID, clientID)
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return ErrAlreadyExists
		case pgErrForeignKeyViolation:
			return ErrNotFound
		}
	}
	return err
}

// PromoteAdmin marks an existing user as staff and superuser.
func (m *Manager) PromoteAdmin(ctx context.Context, username string) error {
	res, err := m.db.ExecContext(ctx, `
		update users set is_staff = true, is_superuser = true, updated_at = now()
		where username = $1
	`, username)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
