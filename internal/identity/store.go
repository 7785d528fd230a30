package identity

import "context"

// Store describes persistence operations for identities. Identities are
// never hard-deleted; Deactivate soft-marks them instead.
type Store interface {
	Find(ctx context.Context, id string) (*Identity, error)
	FindByChatID(ctx context.Context, chatID int64) (*Identity, error)

	// Upsert creates the identity on first handshake or refreshes the
	// display name of an existing one, keyed by chat id.
	Upsert(ctx context.Context, ident *Identity) error

	SetRole(ctx context.Context, id string, role Role, tenantID string) error

	// RotateStamp replaces the revocation stamp, invalidating every
	// previously issued session credential, and returns the new stamp.
	RotateStamp(ctx context.Context, id string) (string, error)

	// RevocationStamp reads only the live stamp; the single store hit on
	// the slow verification path.
	RevocationStamp(ctx context.Context, id string) (string, error)

	Deactivate(ctx context.Context, id string) error
}
