// Package database opens the gorm connection behind the durable job and asset repositories.
package database

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrUnsupportedDriver is returned for a driver other than sqlite or postgres.
var ErrUnsupportedDriver = errors.New("unsupported database driver")

// ErrMissingDSN is returned when no connection string is given.
var ErrMissingDSN = errors.New("database dsn is required")

const slowQueryThreshold = 500 * time.Millisecond

// Open connects to the database. For sqlite, dsn is a file path (or ":memory:")
// and its parent directory is created when missing.
func Open(driver, dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, ErrMissingDSN
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path != ":memory:" && !strings.HasPrefix(path, "file:") {
			if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		dialector = sqlite.Open(path)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(log.New(os.Stderr, "", log.LstdFlags), logger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", driver, err)
	}

	if driver == DriverSQLite {
		// sqlite allows a single writer; serialize through one connection.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
