package linktoken

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`insert into link_tokens(id, identity_id, token_hash, expires_at) values ($1,$2,$3,$4)`,
		rec.ID, rec.IdentityID, rec.TokenHash, rec.ExpiresAt)
	return err
}

// Consume marks the token used and returns its identity in one
// conditional update. Two concurrent calls race on the `consumed_at is
// null` predicate inside the database, so exactly one wins.
func (s *PGStore) Consume(ctx context.Context, tokenHash string, now time.Time) (string, error) {
	var identityID string
	err := s.db.QueryRowContext(ctx, `
		update link_tokens
		set consumed_at = $2
		where token_hash = $1 and consumed_at is null and expires_at > $2
		returning identity_id`,
		tokenHash, now).Scan(&identityID)
	if err == nil {
		return identityID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	return "", s.diagnose(ctx, tokenHash, now)
}

// diagnose distinguishes the three failure modes after the conditional
// update matched nothing. Purely informational; the token is already
// unusable whichever branch is hit.
func (s *PGStore) diagnose(ctx context.Context, tokenHash string, now time.Time) error {
	var (
		expiresAt  time.Time
		consumedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`select expires_at, consumed_at from link_tokens where token_hash=$1`,
		tokenHash).Scan(&expiresAt, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if consumedAt.Valid {
		return ErrConsumed
	}
	if !expiresAt.After(now) {
		return ErrExpired
	}
	return ErrNotFound
}
