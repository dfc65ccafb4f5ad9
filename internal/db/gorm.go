package db

import (
	"context"
	"fmt"
	"log"
	"time"

	"graph-sync/internal/config"
	"graph-sync/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database instance
type GormDB struct {
	*gorm.DB
}

// Pool sizes the underlying database/sql pool
type Pool struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PoolFromConfig reads the DB_* pool settings
func PoolFromConfig(cfg *config.Config) Pool {
	return Pool{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	}
}

// NewGorm connects to Postgres, sizes the pool and migrates the sync tables.
// Slow queries are logged at warn level; a sequencer waits on every append.
func NewGorm(ctx context.Context, cfg *config.Config) (*GormDB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	gdb := &GormDB{db}
	if err := gdb.Configure(PoolFromConfig(cfg)); err != nil {
		return nil, err
	}
	if err := gdb.Ping(ctx); err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	log.Printf("✓ Database connected and migrated (pool: %d open, %d idle)", cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)

	return gdb, nil
}

// Migrate creates or updates the operation log and membership tables
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.OperationRecord{},
		&models.GraphMember{},
	); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Configure applies pool limits. Zero values keep the database/sql defaults.
func (db *GormDB) Configure(p Pool) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if p.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(p.MaxOpenConns)
	}
	if p.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(p.MaxIdleConns)
	}
	if p.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(p.ConnMaxLifetime)
	}
	return nil
}

func (db *GormDB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
