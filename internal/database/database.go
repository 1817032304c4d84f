package database

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/klear-gate/internal/database/migrations"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=FULL;",
	"PRAGMA busy_timeout=5000;",
}

// NewDatabase opens the configured database and runs migrations
func NewDatabase(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if db.Dialector.Name() == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// one writer keeps sqlite serializable and in-memory databases shared
		sqlDB.SetMaxOpenConns(1)

		for _, pragma := range sqlitePragmas {
			if err := db.Exec(pragma).Error; err != nil {
				log.Warn().Err(err).Str("pragma", pragma).Msg("failed to apply sqlite pragma")
			}
		}
	}

	if err := migrations.CreateAuditEvents(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := migrations.AddAppendOnlyGuards(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info().Str("driver", db.Dialector.Name()).Msg("database ready")
	return db, nil
}
