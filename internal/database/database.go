// Package database opens the relational store behind the users collection.
package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/wishr/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	errMissingPath   = errors.New("database path is required")
	errMissingDSN    = errors.New("database dsn is required")
	errUnknownDriver = errors.New("unsupported database driver")
)

// Config selects the driver. Path is used by sqlite, DSN by postgres.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// Open connects to the configured database and migrates the schema.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if driverName(cfg.Driver) == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", driverName(cfg.Driver)))
	return db, nil
}

// Migrate creates the tables and applies pending data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	models := append(users.Models(), &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

func dialectorFor(cfg Config) (gorm.Dialector, error) {
	switch driverName(cfg.Driver) {
	case DriverSQLite:
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errMissingPath
		}
		return sqlite.Open(cfg.Path), nil
	case DriverPostgres:
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, errMissingDSN
		}
		return postgres.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownDriver, cfg.Driver)
	}
}

func driverName(driver string) string {
	normalized := strings.ToLower(strings.TrimSpace(driver))
	if normalized == "" {
		return DriverSQLite
	}
	return normalized
}
