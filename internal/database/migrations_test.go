package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func openMigrationDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return database
}

func TestMigrateBackfillsAuthProviderID(testContext *testing.T) {
	database := openMigrationDatabase(testContext)
	if err := Migrate(database, nil); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	if err := database.Where("name = ?", migrationBackfillAuthProviderID).Delete(&migrationRecord{}).Error; err != nil {
		testContext.Fatalf("failed to reset migration record: %v", err)
	}
	if err := database.Exec(`INSERT INTO users (id, email, created_at, updated_at) VALUES ('auth0|legacy', 'legacy@example.com', '2023-01-01 00:00:00', '2023-01-01 00:00:00')`).Error; err != nil {
		testContext.Fatalf("failed to insert legacy user: %v", err)
	}

	core, logs := observer.New(zapcore.InfoLevel)
	if err := applyMigrations(database, zap.New(core)); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var providerID string
	if err := database.Raw("SELECT auth_provider_id FROM users WHERE id = ?", "auth0|legacy").Scan(&providerID).Error; err != nil {
		testContext.Fatalf("failed to reload user: %v", err)
	}
	if providerID != "auth0|legacy" {
		testContext.Fatalf("expected provider id to be backfilled, got %q", providerID)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillAuthProviderID).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
	if logs.FilterMessage("database migration applied").Len() != 1 {
		testContext.Fatalf("expected only the reset migration to run, got %d", logs.FilterMessage("database migration applied").Len())
	}
}

func TestMigrateClearsStaleReservations(testContext *testing.T) {
	database := openMigrationDatabase(testContext)
	if err := Migrate(database, nil); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	if err := database.Where("name = ?", migrationClearStaleReservations).Delete(&migrationRecord{}).Error; err != nil {
		testContext.Fatalf("failed to reset migration record: %v", err)
	}
	if err := database.Exec(`INSERT INTO wishlist_items (wishlist_id, item_id, position, title, reserved, reserved_by) VALUES
		('wishlist-1', 'item-1', 0, 'Bike', 0, 'guest-1'),
		('wishlist-1', 'item-2', 1, 'Book', 1, 'guest-2')`).Error; err != nil {
		testContext.Fatalf("failed to insert items: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	type itemRow struct {
		ItemID     string
		ReservedBy string
	}
	var rows []itemRow
	if err := database.Raw("SELECT item_id, reserved_by FROM wishlist_items ORDER BY position").Scan(&rows).Error; err != nil {
		testContext.Fatalf("failed to reload items: %v", err)
	}
	if len(rows) != 2 || rows[0].ReservedBy != "" || rows[1].ReservedBy != "guest-2" {
		testContext.Fatalf("unexpected items after migration %+v", rows)
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database := openMigrationDatabase(testContext)
	if err := Migrate(database, nil); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	core, logs := observer.New(zapcore.InfoLevel)
	if err := applyMigrations(database, zap.New(core)); err != nil {
		testContext.Fatalf("failed to reapply migrations: %v", err)
	}
	if logs.Len() != 0 {
		testContext.Fatalf("expected applied migrations to be skipped, got %d log entries", logs.Len())
	}
	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if count != int64(len(migrations)) {
		testContext.Fatalf("expected %d migration records, got %d", len(migrations), count)
	}
}
