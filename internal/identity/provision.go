package identity

import (
	"context"
	"fmt"
	"net/url"

	"github.com/chrisdanielwise/miniapp-gateway/internal/handshake"
)

// TokenLookup resolves the signing token for an optional tenant
// identifier. The second return is false when no token is configured.
type TokenLookup func(tenantID string) (string, bool)

// Provisioner authenticates raw handshake material and creates the
// identity on first contact.
type Provisioner struct {
	store    Store
	verifier *handshake.Verifier
	tokens   TokenLookup
}

func NewProvisioner(store Store, verifier *handshake.Verifier, tokens TokenLookup) (*Provisioner, error) {
	if store == nil || verifier == nil || tokens == nil {
		return nil, fmt.Errorf("%w: provisioner dependencies missing", ErrInvalidInput)
	}
	return &Provisioner{store: store, verifier: verifier, tokens: tokens}, nil
}

var _ HandshakeAuthority = (*Provisioner)(nil)

// Authenticate verifies the payload against the tenant's signing token
// and upserts the identity it asserts. New identities start as plain
// customers; roles are granted by admin provisioning afterwards.
func (p *Provisioner) Authenticate(ctx context.Context, values url.Values) (Identity, error) {
	signingToken, ok := p.tokens(values.Get("tenant_id"))
	if !ok {
		return Identity{}, fmt.Errorf("%w: no signing token for tenant", ErrUnauthorized)
	}
	profile, err := p.verifier.Verify(values, signingToken)
	if err != nil {
		return Identity{}, err
	}

	ident := &Identity{
		ChatID:      profile.ChatID,
		DisplayName: profile.DisplayName(),
		Role:        RoleCustomer,
	}
	if err := p.store.Upsert(ctx, ident); err != nil {
		return Identity{}, err
	}
	if !ident.Active {
		return Identity{}, ErrInactive
	}
	return *ident, nil
}
