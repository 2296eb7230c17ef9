package database

import (
	"fmt"

	"github.com/fisker/dbm-flow/pkg/config"
	"github.com/fisker/dbm-flow/pkg/logger"
	"gorm.io/gorm"
)

var DB *gorm.DB

func Init(cfg *config.DatabaseConfig) error {
	cfg.SetDefaults()

	if err := InitDatabase(cfg); err != nil {
		return err
	}
	if DB == nil {
		return fmt.Errorf("database connection is nil after InitDatabase")
	}

	if err := AutoMigrateAll(DB); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	logger.Infof("Database initialized successfully")
	return nil
}

func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
