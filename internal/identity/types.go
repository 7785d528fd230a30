package identity

import (
	"fmt"
	"time"
)

// Role is the closed set of roles an identity can hold.
type Role string

const (
	RolePlatformRoot     Role = "platform-root"
	RolePlatformManager  Role = "platform-manager"
	RolePlatformSupport  Role = "platform-support"
	RoleMerchantOperator Role = "merchant-operator"
	RoleCustomer         Role = "customer"
)

// Roles lists every valid role.
var Roles = []Role{
	RolePlatformRoot,
	RolePlatformManager,
	RolePlatformSupport,
	RoleMerchantOperator,
	RoleCustomer,
}

// ParseRole validates a role string against the closed set.
func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

// Staff reports whether the role belongs to platform staff.
func (r Role) Staff() bool {
	switch r {
	case RolePlatformRoot, RolePlatformManager, RolePlatformSupport:
		return true
	}
	return false
}

// Identity is a person known to the platform. TenantID is empty for
// platform roles and plain customers. RevocationStamp changes whenever
// every session issued for the identity must be invalidated.
type Identity struct {
	ID              string    `json:"id"`
	ChatID          int64     `json:"chat_id"`
	DisplayName     string    `json:"display_name"`
	Role            Role      `json:"role"`
	TenantID        string    `json:"tenant_id,omitempty"`
	RevocationStamp string    `json:"-"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// IsStaff mirrors Role.Staff for resolved identities.
func (i Identity) IsStaff() bool { return i.Role.Staff() }

// IsTenantOperator reports whether the identity operates under a tenant.
func (i Identity) IsTenantOperator() bool { return i.TenantID != "" }
