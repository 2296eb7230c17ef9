package database

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fisker/dbm-flow/internal/model"
	"github.com/fisker/dbm-flow/pkg/config"
	"github.com/fisker/dbm-flow/pkg/logger"
	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "github.com/lib/pq"              // PostgreSQL driver
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

// InitDatabase 初始化数据库（支持 MySQL、PostgreSQL、SQLite）
func InitDatabase(cfg *config.DatabaseConfig) error {
	db, err := Open(cfg)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// Open 按配置打开数据库连接并配置连接池
func Open(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "postgres", "postgresql":
		if err := createPostgresDatabase(cfg); err != nil {
			return nil, fmt.Errorf("failed to create PostgreSQL database: %w", err)
		}
		dialector = postgres.Open(cfg.DSN())
	case "sqlite", "sqlite3":
		// 单机部署与测试使用，文件路径取自 dbname
		dialector = sqlite.Open(cfg.DSN() + "?_busy_timeout=5000&_foreign_keys=on")
	case "mysql", "":
		if err := createMySQLDatabase(cfg); err != nil {
			return nil, fmt.Errorf("failed to create MySQL database: %w", err)
		}
		dialector = mysql.Open(cfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres, sqlite)", cfg.Driver)
	}

	logger.Infof("Connecting to %s database...", cfg.Driver)

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			gormLogger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  gormLogger.Warn,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	maxOpenConns := cfg.MaxOpenConns
	if cfg.Driver == "sqlite" || cfg.Driver == "sqlite3" {
		// SQLite 只允许单写者
		maxOpenConns = 1
	}
	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	logger.Infof("Database connection pool configured: MaxOpenConns=%d, MaxIdleConns=%d, ConnMaxLifetime=%ds",
		maxOpenConns, maxIdleConns, cfg.ConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// createMySQLDatabase 创建 MySQL 数据库（如果不存在）
// 使用 database/sql 而不是 GORM，避免影响主连接
func createMySQLDatabase(cfg *config.DatabaseConfig) error {
	dsnWithoutDB := fmt.Sprintf("%s:%s@tcp(%s:%d)/?charset=utf8mb4&parseTime=True&loc=Local",
		cfg.User, cfg.Password, cfg.Host, cfg.Port)

	db, err := sql.Open("mysql", dsnWithoutDB)
	if err != nil {
		return fmt.Errorf("failed to connect to MySQL server: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping MySQL server: %w", err)
	}

	createDBSQL := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", cfg.DBName)
	if _, err := db.Exec(createDBSQL); err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	return nil
}

// createPostgresDatabase 创建 PostgreSQL 数据库（如果不存在）
func createPostgresDatabase(cfg *config.DatabaseConfig) error {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=postgres sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL server: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping PostgreSQL server: %w", err)
	}

	var count int64
	if err := db.QueryRow("SELECT COUNT(*) FROM pg_database WHERE datname = $1", cfg.DBName).Scan(&count); err != nil {
		return fmt.Errorf("failed to check database existence: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(fmt.Sprintf("CREATE DATABASE %s", cfg.DBName)); err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
		logger.Infof("Database '%s' created successfully", cfg.DBName)
	}
	return nil
}

// Models 单据引擎的全部表
func Models() []interface{} {
	return []interface{}{
		&model.Ticket{},
		&model.Flow{},
		&model.FlowNode{},
		&model.Todo{},
		&model.TodoHistory{},
		&model.TicketFlowsConfig{},
		&model.OperationRecord{},
		&model.PipelineTree{},
		&model.NotifyConfig{},
		&model.NoticeRecord{},
	}
}

// AutoMigrateAll 自动迁移所有表并写入默认数据
func AutoMigrateAll(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("database connection is not initialized")
	}

	logger.Info("Checking database tables...")
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	return createDefaultData(db)
}

// createDefaultData 写入平台默认通知配置（已存在则跳过）
func createDefaultData(db *gorm.DB) error {
	defaults := []model.NotifyConfig{
		{Status: model.TicketStatusApprove, Channels: model.StringArray{"mail"}, Receivers: model.StringArray{model.ReceiverApprovers}, Enabled: true},
		{Status: model.TicketStatusInnerTodo, Channels: model.StringArray{"mail"}, Receivers: model.StringArray{model.ReceiverApprovers, model.ReceiverCreator}, Enabled: true},
		{Status: model.TicketStatusResourceReplenish, Channels: model.StringArray{"mail"}, Receivers: model.StringArray{model.ReceiverDBA, model.ReceiverCreator}, Enabled: true},
		{Status: model.TicketStatusFailed, Channels: model.StringArray{"mail"}, Receivers: model.StringArray{model.ReceiverCreator, model.ReceiverAssistants}, Enabled: true},
		{Status: model.TicketStatusSucceeded, Channels: model.StringArray{"mail"}, Receivers: model.StringArray{model.ReceiverCreator}, Enabled: true},
		{Status: model.TicketStatusTerminated, Channels: model.StringArray{"mail"}, Receivers: model.StringArray{model.ReceiverCreator}, Enabled: true},
	}

	var count int64
	if err := db.Model(&model.NotifyConfig{}).Where("bk_biz_id = ? AND ticket_type = ?", 0, "").Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&defaults).Error
}
