package identity

import (
	"context"
	"database/sql"
	"errors"

	"github.com/chrisdanielwise/miniapp-gateway/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const identityColumns = `id, chat_id, display_name, role, tenant_id, revocation_stamp, active, created_at, updated_at`

func scanIdentity(row interface{ Scan(...any) error }) (*Identity, error) {
	var (
		ident  Identity
		tenant sql.NullString
	)
	err := row.Scan(&ident.ID, &ident.ChatID, &ident.DisplayName, &ident.Role,
		&tenant, &ident.RevocationStamp, &ident.Active, &ident.CreatedAt, &ident.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	ident.TenantID = tenant.String
	return &ident, nil
}

func (s *PGStore) Find(ctx context.Context, id string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities where id=$1`, id)
	return scanIdentity(row)
}

func (s *PGStore) FindByChatID(ctx context.Context, chatID int64) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+identityColumns+` from identities where chat_id=$1`, chatID)
	return scanIdentity(row)
}

func (s *PGStore) Upsert(ctx context.Context, ident *Identity) error {
	if ident.ID == "" {
		ident.ID = ids.New()
	}
	if ident.Role == "" {
		ident.Role = RoleCustomer
	}
	if ident.RevocationStamp == "" {
		ident.RevocationStamp = ids.New()
	}
	var tenant sql.NullString
	if ident.TenantID != "" {
		tenant = sql.NullString{String: ident.TenantID, Valid: true}
	}
	row := s.db.QueryRowContext(ctx, `
		insert into identities(id, chat_id, display_name, role, tenant_id, revocation_stamp, active)
		values ($1,$2,$3,$4,$5,$6,true)
		on conflict (chat_id) do update
		set display_name = excluded.display_name, updated_at = now()
		returning `+identityColumns,
		ident.ID, ident.ChatID, ident.DisplayName, ident.Role, tenant, ident.RevocationStamp,
	)
	stored, err := scanIdentity(row)
	if err != nil {
		return err
	}
	*ident = *stored
	return nil
}

func (s *PGStore) SetRole(ctx context.Context, id string, role Role, tenantID string) error {
	var tenant sql.NullString
	if tenantID != "" {
		tenant = sql.NullString{String: tenantID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`update identities set role=$2, tenant_id=$3, updated_at=now() where id=$1`,
		id, role, tenant)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGStore) RotateStamp(ctx context.Context, id string) (string, error) {
	stamp := ids.New()
	res, err := s.db.ExecContext(ctx,
		`update identities set revocation_stamp=$2, updated_at=now() where id=$1`,
		id, stamp)
	if err != nil {
		return "", err
	}
	if err := requireRow(res); err != nil {
		return "", err
	}
	return stamp, nil
}

func (s *PGStore) RevocationStamp(ctx context.Context, id string) (string, error) {
	var stamp string
	err := s.db.QueryRowContext(ctx,
		`select revocation_stamp from identities where id=$1`, id).Scan(&stamp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return stamp, nil
}

func (s *PGStore) Deactivate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`update identities set active=false, updated_at=now() where id=$1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
