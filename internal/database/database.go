// Package database opens the GORM connection and the optional pgx pool from a database URL.
package database

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"

	defaultSQLiteFile  = "vaultshop.db"
	sqliteBusyPragmas  = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	slowQueryThreshold = 500 * time.Millisecond
	serverMaxOpenConns = 20
)

// Target is a parsed database URL.
type Target struct {
	Driver string
	DSN    string
}

// ResolveDriver maps a database URL onto a driver and the DSN that driver expects.
// postgres:// and postgresql:// go to postgres, mysql:// to mysql, sqlite:// and bare paths to sqlite.
func ResolveDriver(databaseURL string) (Target, error) {
	trimmed := strings.TrimSpace(databaseURL)
	switch {
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		return Target{Driver: DriverPostgres, DSN: trimmed}, nil
	case strings.HasPrefix(trimmed, "mysql://"):
		dsn := strings.TrimPrefix(trimmed, "mysql://")
		if dsn == "" {
			return Target{}, fmt.Errorf("mysql url requires a dsn")
		}
		if !strings.Contains(dsn, "parseTime=") {
			dsn = appendQuery(dsn, "parseTime=true")
		}
		return Target{Driver: DriverMySQL, DSN: dsn}, nil
	case strings.HasPrefix(trimmed, "sqlite://"):
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return Target{}, fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Host + parsed.Path
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		if err != nil {
			return Target{}, err
		}
		return Target{Driver: DriverSQLite, DSN: sqliteDSN(sqlitePath)}, nil
	case trimmed == "":
		return Target{}, fmt.Errorf("database url is required")
	}
	sqlitePath, err := normalizeSQLitePath(trimmed)
	if err != nil {
		return Target{}, err
	}
	return Target{Driver: DriverSQLite, DSN: sqliteDSN(sqlitePath)}, nil
}

// Open connects GORM to databaseURL. The returned cleanup closes the underlying pool.
func Open(ctx context.Context, databaseURL string, logger *zap.Logger) (*gorm.DB, func() error, string, error) {
	target, err := ResolveDriver(databaseURL)
	if err != nil {
		return nil, nil, "", err
	}
	cfg := &gorm.Config{
		Logger:         newGormLogger(logger),
		TranslateError: true,
	}
	var dialector gorm.Dialector
	switch target.Driver {
	case DriverPostgres:
		dialector = postgres.Open(target.DSN)
	case DriverMySQL:
		dialector = mysql.Open(target.DSN)
	case DriverSQLite:
		dialector = sqlite.Open(target.DSN)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", target.Driver)
	}
	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if target.Driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(serverMaxOpenConns)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, nil, "", fmt.Errorf("ping %s: %w", target.Driver, err)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db, cleanup, target.Driver, nil
}

// OpenPool opens a pgx pool for the postgres-only inventory store.
func OpenPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	target, err := ResolveDriver(databaseURL)
	if err != nil {
		return nil, err
	}
	if target.Driver != DriverPostgres {
		return nil, fmt.Errorf("pgx pool requires postgres, got %s", target.Driver)
	}
	pool, err := pgxpool.New(ctx, target.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgx ping: %w", err)
	}
	return pool, nil
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?" + sqliteBusyPragmas
}

func appendQuery(dsn string, pair string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + pair
	}
	return dsn + "?" + pair
}

func newGormLogger(logger *zap.Logger) gormlogger.Interface {
	if logger == nil {
		return gormlogger.Discard
	}
	return gormlogger.New(zapWriter{logger: logger.Named("gorm").Sugar()}, gormlogger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

type zapWriter struct {
	logger *zap.SugaredLogger
}

func (writer zapWriter) Printf(format string, args ...interface{}) {
	writer.logger.Warnf(format, args...)
}
