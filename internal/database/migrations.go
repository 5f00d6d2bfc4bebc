package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillAuthProviderID = "2024-04-01_backfill_auth_provider_id"
	migrationClearStaleReservations = "2024-05-12_clear_stale_reservations"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

var migrations = []migrationDefinition{
	{name: migrationBackfillAuthProviderID, apply: backfillAuthProviderID},
	{name: migrationClearStaleReservations, apply: clearStaleReservations},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			logger.Error("database migration failed", zap.String("migration", migration.name), zap.Error(err))
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// backfillAuthProviderID links records created before the provider id column
// existed: their id is the provider subject.
func backfillAuthProviderID(db *gorm.DB) error {
	return db.Table("users").
		Where("auth_provider_id IS NULL OR auth_provider_id = ''").
		Update("auth_provider_id", gorm.Expr("id")).Error
}

// clearStaleReservations drops reserver ids left on items that are not reserved.
func clearStaleReservations(db *gorm.DB) error {
	return db.Table("wishlist_items").
		Where("reserved = ? AND reserved_by <> ''", false).
		Update("reserved_by", "").Error
}
