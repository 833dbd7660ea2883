package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sambitmohanty1/rentpay/internal/config"
	"github.com/sambitmohanty1/rentpay/internal/database"
	"github.com/sambitmohanty1/rentpay/internal/models"
)

func TestMigrateCreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rentpay.db")
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_NAME", path)
	t.Setenv("LOG_LEVEL", "error")

	cmd := migrateCmd()
	cmd.SetArgs(nil)
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	db, err := database.Open(config.DatabaseConfig{Driver: "sqlite", Name: path}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	assert.True(t, db.Migrator().HasTable(&models.Payment{}))
	assert.True(t, db.Migrator().HasTable(&models.GatewayEvent{}))
}
