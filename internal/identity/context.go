package identity

import "context"

// Resolved is the normalized identity every downstream feature consumes.
// IsStaff and IsTenantOperator are derived once here so role logic is
// not re-derived ad hoc across the codebase.
type Resolved struct {
	Identity         Identity
	IsStaff          bool
	IsTenantOperator bool
}

// NewResolved derives the staff and tenant-operator flags from the role.
func NewResolved(ident Identity) Resolved {
	return Resolved{
		Identity:         ident,
		IsStaff:          ident.IsStaff(),
		IsTenantOperator: ident.IsTenantOperator(),
	}
}

type resolvedContextKey struct{}

// ContextWithResolved attaches the resolved identity to the context.
func ContextWithResolved(ctx context.Context, res Resolved) context.Context {
	return context.WithValue(ctx, resolvedContextKey{}, &res)
}

// ResolvedFromContext extracts the resolved identity from the context.
// A directly attached identity wins; otherwise a successful resolution
// memoized in the per-request cache is reported.
func ResolvedFromContext(ctx context.Context) (Resolved, bool) {
	if ctx == nil {
		return Resolved{}, false
	}
	if v, ok := ctx.Value(resolvedContextKey{}).(*Resolved); ok && v != nil {
		return *v, true
	}
	if cache, ok := cacheFromContext(ctx); ok {
		return cache.snapshot()
	}
	return Resolved{}, false
}
