package access_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sambitmohanty1/rentpay/internal/access"
	"github.com/sambitmohanty1/rentpay/internal/apperrors"
	"github.com/sambitmohanty1/rentpay/internal/directory"
	"github.com/sambitmohanty1/rentpay/internal/models"
	"github.com/sambitmohanty1/rentpay/internal/store"
	"github.com/sambitmohanty1/rentpay/internal/testutil"
)

func setup(t *testing.T) *access.Filter {
	db := testutil.NewDB(t)
	testutil.SeedProperty(t, db, "p1", "owner-1")
	testutil.SeedProperty(t, db, "p2", "owner-2")
	testutil.SeedTenant(t, db, "t1", "p1", "1000")
	testutil.SeedTenant(t, db, "t2", "p2", "1000")
	return access.NewFilter(directory.NewGormDirectory(db))
}

func TestCanAccess(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	payment := &models.Payment{ID: uuid.New(), TenantID: "t1"}

	tests := []struct {
		name   string
		caller access.CallerContext
		want   bool
	}{
		{"admin sees everything", access.CallerContext{Role: access.RoleAdmin}, true},
		{"own tenant", access.CallerContext{Role: access.RoleTenant, TenantID: "t1"}, true},
		{"other tenant", access.CallerContext{Role: access.RoleTenant, TenantID: "t2"}, false},
		{"tenant without id", access.CallerContext{Role: access.RoleTenant}, false},
		{"owner of the property", access.CallerContext{Role: access.RoleOwner, OwnedPropertyIDs: []string{"p1"}}, true},
		{"owner of another property", access.CallerContext{Role: access.RoleOwner, OwnedPropertyIDs: []string{"p2"}}, false},
		{"owner without properties", access.CallerContext{Role: access.RoleOwner}, false},
		{"unknown role", access.CallerContext{Role: "auditor"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.CanAccess(ctx, tt.caller, payment)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthorizeReturnsAuthorizationError(t *testing.T) {
	f := setup(t)
	err := f.Authorize(context.Background(),
		access.CallerContext{Role: access.RoleTenant, TenantID: "t2"},
		&models.Payment{ID: uuid.New(), TenantID: "t1"})
	assert.ErrorIs(t, err, apperrors.ErrAuthorization)

	assert.ErrorIs(t, access.RequireAdmin(access.CallerContext{Role: access.RoleOwner}), apperrors.ErrAuthorization)
	assert.NoError(t, access.RequireAdmin(access.System))
}

func TestScope(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	admin, err := f.Scope(ctx, access.CallerContext{Role: access.RoleAdmin}, store.Filter{})
	require.NoError(t, err)
	assert.False(t, admin.Restricted)

	owner, err := f.Scope(ctx, access.CallerContext{Role: access.RoleOwner, OwnedPropertyIDs: []string{"p1"}}, store.Filter{})
	require.NoError(t, err)
	assert.True(t, owner.Restricted)
	assert.Equal(t, []string{"t1"}, owner.TenantIDs)

	tenant, err := f.Scope(ctx, access.CallerContext{Role: access.RoleTenant, TenantID: "t1"}, store.Filter{TenantIDs: []string{"t2"}})
	require.NoError(t, err)
	assert.True(t, tenant.Empty(), "a tenant asking for someone else's payments gets nothing")

	unknown, err := f.Scope(ctx, access.CallerContext{}, store.Filter{})
	require.NoError(t, err)
	assert.True(t, unknown.Empty())
}
