// Package testutil holds helpers shared by package tests.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sambitmohanty1/rentpay/internal/database"
	"github.com/sambitmohanty1/rentpay/internal/models"
)

// NewDB returns a migrated in-memory sqlite database private to the test.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.RunMigrations(db))
	return db
}

// SeedProperty inserts a property owned by ownerID.
func SeedProperty(t *testing.T, db *gorm.DB, id, ownerID string) *models.Property {
	t.Helper()
	p := &models.Property{ID: id, OwnerID: ownerID, Name: "Property " + id}
	require.NoError(t, db.Create(p).Error)
	return p
}

// SeedTenant inserts an active tenant renting at the given monthly amount.
func SeedTenant(t *testing.T, db *gorm.DB, id, propertyID string, rent string) *models.Tenant {
	t.Helper()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tenant := &models.Tenant{
		ID:         id,
		PropertyID: propertyID,
		Name:       "Tenant " + id,
		Email:      id + "@example.com",
		RentAmount: decimal.RequireFromString(rent),
		Active:     true,
		LeaseStart: &start,
	}
	require.NoError(t, db.Create(tenant).Error)
	return tenant
}
