// Package database opens the relational store behind gorm and migrates the
// tables this process owns.
package database

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"forecast-refresh/internal/config"
	"forecast-refresh/internal/forecast"
	"forecast-refresh/internal/logging"
	"forecast-refresh/internal/priority"
	"forecast-refresh/internal/storehours"
)

// Dialector picks the gorm driver for cfg.Driver.
func Dialector(cfg config.DBConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	case "sqlite":
		return sqlite.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER value: %s", cfg.Driver)
	}
}

// Open connects to the configured store and verifies it with a ping.
func Open(cfg config.DBConfig, log *zap.SugaredLogger) (*gorm.DB, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  newGormLogger(log),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	if cfg.MaxOpen > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpen)
		sqlDB.SetMaxIdleConns(cfg.MaxOpen)
	}
	if cfg.Driver == "sqlite" {
		// sqlite serializes writers; a single connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping %s database: %w", cfg.Driver, err)
	}
	return db, nil
}

// Migrate creates or updates every table the scheduler reads or writes.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&priority.Region{},
		&priority.RegionPriority{},
		&storehours.StoreHours{},
		&forecast.Run{},
		&forecast.Record{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// newGormLogger routes gorm warnings and slow queries into log.
func newGormLogger(log *zap.SugaredLogger) logger.Interface {
	if log == nil {
		return logger.Discard
	}
	return logger.New(logging.GormWriter{Log: log}, logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

