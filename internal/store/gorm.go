package store

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/flockctl/flockctl/internal/config"
)

// InitDB opens the backing PostgreSQL database. The control plane
// leans on Postgres-only features (sequences, LISTEN/NOTIFY, range
// partitioning), so no other dialect is supported.
func InitDB(cfg *config.Config, log logrus.FieldLogger) (*gorm.DB, error) {
	if cfg.Database.Type != "pgsql" {
		return nil, fmt.Errorf("unsupported database type %q, only pgsql is supported", cfg.Database.Type)
	}

	newDB, err := gorm.Open(postgres.Open(BuildDSN(cfg)), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	sqlDB, err := newDB.DB()
	if err != nil {
		return nil, fmt.Errorf("configuring connections: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	var version string
	if result := newDB.Raw("SELECT version()").Scan(&version); result.Error != nil {
		return nil, result.Error
	}
	log.Infof("connected to database: %s", version)

	return newDB, nil
}

// BuildDSN renders the keyword/value connection string used by both
// gorm and the raw pgx notification listener.
func BuildDSN(cfg *config.Config) string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d",
		cfg.Database.Hostname,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Name,
		cfg.Database.Port,
	)
}
