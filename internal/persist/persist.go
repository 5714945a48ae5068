// Package persist stores boards, edit leases and resource records with gorm.
// Postgres is the production driver; sqlite serves local runs and tests.
package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	slowQuery = 200 * time.Millisecond
)

type BoardRow struct {
	Code      string `gorm:"primaryKey;size:64"`
	Document  string `gorm:"type:text;not null"`
	Version   int64  `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (BoardRow) TableName() string { return "boards" }

// LeaseRow times are unix milliseconds so comparisons behave the same on
// every driver.
type LeaseRow struct {
	ResourceID      string `gorm:"primaryKey;size:128"`
	HolderSessionID string `gorm:"size:128;not null"`
	HolderUserID    string `gorm:"size:128;not null"`
	AcquiredAtMs    int64  `gorm:"not null;index"`
	ExpiresAtMs     int64  `gorm:"not null;index"`
	TTLMs           int64  `gorm:"not null"`
}

func (LeaseRow) TableName() string { return "edit_leases" }

type RecordRow struct {
	ResourceID  string `gorm:"primaryKey;size:128"`
	Data        string `gorm:"type:text;not null"`
	Version     int64  `gorm:"not null"`
	UpdatedBy   string `gorm:"size:128"`
	UpdatedAtMs int64
}

func (RecordRow) TableName() string { return "resource_records" }

// Open connects with the named driver and migrates the schema.
func Open(driver, dsn string, log *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("persist: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         NewGormLogger(log.Named("gorm")),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", driver, err)
	}
	if err := db.AutoMigrate(&BoardRow{}, &LeaseRow{}, &RecordRow{}); err != nil {
		return nil, fmt.Errorf("persist: migrate: %w", err)
	}
	log.Info("database ready", zap.String("driver", driver))
	return db, nil
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// isUniqueViolation reports a primary key or unique index collision.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// gormLogger routes gorm's query log through zap.
type gormLogger struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

func NewGormLogger(log *zap.Logger) gormlogger.Interface {
	return gormLogger{log: log, level: gormlogger.Warn}
}

func (g gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	g.level = level
	return g
}

func (g gormLogger) Info(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Info {
		g.log.Sugar().Infof(msg, args...)
	}
}

func (g gormLogger) Warn(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Warn {
		g.log.Sugar().Warnf(msg, args...)
	}
}

func (g gormLogger) Error(_ context.Context, msg string, args ...any) {
	if g.level >= gormlogger.Error {
		g.log.Sugar().Errorf(msg, args...)
	}
}

func (g gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && g.level >= gormlogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		g.log.Error("query failed", zap.Error(err), zap.String("sql", sql),
			zap.Int64("rows", rows), zap.Duration("elapsed", elapsed))
	case elapsed > slowQuery && g.level >= gormlogger.Warn:
		sql, rows := fc()
		g.log.Warn("slow query", zap.String("sql", sql),
			zap.Int64("rows", rows), zap.Duration("elapsed", elapsed))
	case g.level >= gormlogger.Info:
		sql, rows := fc()
		g.log.Debug("query", zap.String("sql", sql),
			zap.Int64("rows", rows), zap.Duration("elapsed", elapsed))
	}
}
