package auth

import (
	"slices"

	"locallibrary/internal/apperr"
)

// Oracle answers permission questions about a principal.
type Oracle interface {
	Has(p *Principal, perm Permission) bool
}

// PermissionOracle grants superusers everything and everyone else their
// explicit permission set.
type PermissionOracle struct{}

func (PermissionOracle) Has(p *Principal, perm Permission) bool {
	if p == nil {
		return false
	}
	if p.IsSuperuser {
		return true
	}
	return slices.Contains(p.Permissions, perm)
}

// Require fails with ErrUnauthenticated for anonymous callers and with
// ErrForbidden when the principal lacks perm.
func Require(o Oracle, p *Principal, perm Permission) error {
	if p == nil {
		return apperr.ErrUnauthenticated
	}
	if !o.Has(p, perm) {
		return apperr.ErrForbidden
	}
	return nil
}

// RequireAuthenticated fails with ErrUnauthenticated for anonymous callers.
func RequireAuthenticated(p *Principal) error {
	if p == nil {
		return apperr.ErrUnauthenticated
	}
	return nil
}

// RequireStaff admits staff members and superusers.
func RequireStaff(p *Principal) error {
	if p == nil {
		return apperr.ErrUnauthenticated
	}
	if !p.IsStaff && !p.IsSuperuser {
		return apperr.ErrForbidden
	}
	return nil
}

// RequireSuperuser admits superusers only.
func RequireSuperuser(p *Principal) error {
	if p == nil {
		return apperr.ErrUnauthenticated
	}
	if !p.IsSuperuser {
		return apperr.ErrForbidden
	}
	return nil
}
