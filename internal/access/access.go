// Package access decides which payments a caller may observe or change.
package access

import (
	"context"

	"github.com/sambitmohanty1/rentpay/internal/apperrors"
	"github.com/sambitmohanty1/rentpay/internal/directory"
	"github.com/sambitmohanty1/rentpay/internal/models"
	"github.com/sambitmohanty1/rentpay/internal/store"
)

// Role is the caller's platform role
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
	RoleTenant Role = "tenant"
)

// CallerContext identifies who is calling. It is passed explicitly into every
// scoped operation.
type CallerContext struct {
	UserID           string
	Role             Role
	TenantID         string
	OwnedPropertyIDs []string
}

func (c CallerContext) IsAdmin() bool { return c.Role == RoleAdmin }

// System is the caller used by schedulers and webhook processing.
var System = CallerContext{UserID: "system", Role: RoleAdmin}

// Filter applies caller scoping to single payments and to queries
type Filter struct {
	dir directory.Directory
}

func NewFilter(dir directory.Directory) *Filter {
	return &Filter{dir: dir}
}

// CanAccess reports whether caller may see or mutate p.
func (f *Filter) CanAccess(ctx context.Context, caller CallerContext, p *models.Payment) (bool, error) {
	switch caller.Role {
	case RoleAdmin:
		return true, nil
	case RoleTenant:
		return caller.TenantID != "" && p.TenantID == caller.TenantID, nil
	case RoleOwner:
		if len(caller.OwnedPropertyIDs) == 0 {
			return false, nil
		}
		tenant, err := f.dir.GetTenant(ctx, p.TenantID)
		if err != nil {
			if apperrors.IsKind(err, apperrors.KindNotFound) {
				return false, nil
			}
			return false, err
		}
		for _, id := range caller.OwnedPropertyIDs {
			if id == tenant.PropertyID {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, nil
	}
}

// Authorize is CanAccess returning an authorization error on denial.
func (f *Filter) Authorize(ctx context.Context, caller CallerContext, p *models.Payment) error {
	ok, err := f.CanAccess(ctx, caller, p)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Authorization("caller may not access payment %s", p.ID)
	}
	return nil
}

// RequireAdmin guards operations outside the per-payment scope, like delete.
func RequireAdmin(caller CallerContext) error {
	if !caller.IsAdmin() {
		return apperrors.Authorization("operation requires the admin role")
	}
	return nil
}

// Scope narrows base to the payments caller may list.
func (f *Filter) Scope(ctx context.Context, caller CallerContext, base store.Filter) (store.Filter, error) {
	switch caller.Role {
	case RoleAdmin:
		return base, nil
	case RoleTenant:
		base.Restricted = true
		base.TenantIDs = intersect(base.TenantIDs, []string{caller.TenantID})
		if caller.TenantID == "" {
			base.TenantIDs = nil
		}
		return base, nil
	case RoleOwner:
		ids, err := f.dir.TenantIDsForProperties(ctx, caller.OwnedPropertyIDs)
		if err != nil {
			return store.Filter{}, err
		}
		base.Restricted = true
		base.TenantIDs = intersect(base.TenantIDs, ids)
		return base, nil
	default:
		base.Restricted = true
		base.TenantIDs = nil
		return base, nil
	}
}

// intersect keeps allowed, narrowed to requested when the caller asked for
// specific tenants.
func intersect(requested, allowed []string) []string {
	if len(requested) == 0 {
		return allowed
	}
	set := make(map[string]struct{}, len(allowed))
	for _, id := range allowed {
		set[id] = struct{}{}
	}
	out := make([]string, 0, len(requested))
	for _, id := range requested {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
