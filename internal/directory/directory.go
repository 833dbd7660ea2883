// Package directory answers tenant and property lookups for the payment
// engine. The tables are owned by the surrounding platform; only reads are
// needed here.
package directory

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/sambitmohanty1/rentpay/internal/apperrors"
	"github.com/sambitmohanty1/rentpay/internal/models"
)

// Directory is the tenant/property lookup the engine depends on
type Directory interface {
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	GetTenantsByProperty(ctx context.Context, propertyID string) ([]models.Tenant, error)
	ListActiveTenants(ctx context.Context) ([]models.Tenant, error)
	// TenantIDsForProperties resolves the tenants living in any of the given properties.
	TenantIDsForProperties(ctx context.Context, propertyIDs []string) ([]string, error)
	PropertyIDsForOwner(ctx context.Context, ownerID string) ([]string, error)
}

// GormDirectory reads tenants and properties with gorm
type GormDirectory struct {
	db *gorm.DB
}

func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

func (d *GormDirectory) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	var t models.Tenant
	if err := d.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("tenant %s not found", id)
		}
		return nil, fmt.Errorf("failed to load tenant %s: %w", id, err)
	}
	return &t, nil
}

func (d *GormDirectory) GetTenantsByProperty(ctx context.Context, propertyID string) ([]models.Tenant, error) {
	var out []models.Tenant
	if err := d.db.WithContext(ctx).Where("property_id = ?", propertyID).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to load tenants for property %s: %w", propertyID, err)
	}
	return out, nil
}

func (d *GormDirectory) ListActiveTenants(ctx context.Context) ([]models.Tenant, error) {
	var out []models.Tenant
	if err := d.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list active tenants: %w", err)
	}
	return out, nil
}

func (d *GormDirectory) TenantIDsForProperties(ctx context.Context, propertyIDs []string) ([]string, error) {
	if len(propertyIDs) == 0 {
		return []string{}, nil
	}
	var ids []string
	err := d.db.WithContext(ctx).Model(&models.Tenant{}).
		Where("property_id IN ?", propertyIDs).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tenants for properties: %w", err)
	}
	return ids, nil
}

func (d *GormDirectory) PropertyIDsForOwner(ctx context.Context, ownerID string) ([]string, error) {
	var ids []string
	err := d.db.WithContext(ctx).Model(&models.Property{}).
		Where("owner_id = ?", ownerID).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load properties for owner %s: %w", ownerID, err)
	}
	return ids, nil
}
