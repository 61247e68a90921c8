package db

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

var (
	ErrCreateDatabase    = errors.New("cannot create a database")
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)

type SQLiteConfig struct {
	BusyTimeoutMs int
	WAL           bool
	ForeignKeys   bool
	// TxLock is the BEGIN mode: "deferred", "immediate" or "exclusive".
	TxLock string
}

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type Config struct {
	Driver string
	DSN    string
	Pool   PoolConfig
	SQLite SQLiteConfig
}

// DefaultConfig keeps SQLite on a single connection so writers queue in the
// pool instead of failing with SQLITE_BUSY. Transactions take the write lock
// at BEGIN, so handles sharing the file wait on the busy timeout instead of
// failing an upgrade from a stale read snapshot.
func DefaultConfig() Config {
	return Config{
		Driver: DriverSQLite,
		Pool: PoolConfig{
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
		SQLite: SQLiteConfig{
			BusyTimeoutMs: 5000,
			WAL:           true,
			ForeignKeys:   true,
			TxLock:        "immediate",
		},
	}
}

// Open connects to the configured engine. Duplicate key and foreign key
// violations are translated into gorm.ErrDuplicatedKey and
// gorm.ErrForeignKeyViolated.
func Open(cfg Config) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		slog.Error("db: Cannot open GORM database", "error", err, "driver", cfg.Driver)
		return nil, fmt.Errorf("%w: %w", ErrCreateDatabase, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreateDatabase, err)
	}
	if cfg.Pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Pool.MaxOpenConns)
	}
	if cfg.Pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Pool.MaxIdleConns)
	}
	if cfg.Pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Pool.ConnMaxLifetime)
	}

	slog.Debug("db: Database opened", "driver", cfg.Driver)

	return gdb, nil
}

// Close releases the underlying connection pool.
func Close(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func dialectorFor(cfg Config) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite:
		dsn, err := sqliteDSN(cfg)
		if err != nil {
			return nil, err
		}
		return sqlite.Open(dsn), nil
	case DriverMySQL:
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, fmt.Errorf("%w: empty mysql dsn", ErrCreateDatabase)
		}
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

// sqliteDSN turns a file path into a go-sqlite3 DSN and makes sure the
// parent directory exists.
func sqliteDSN(cfg Config) (string, error) {
	path := strings.TrimSpace(cfg.DSN)
	if path == "" {
		return "", fmt.Errorf("%w: empty sqlite path", ErrCreateDatabase)
	}

	base, query, _ := strings.Cut(path, "?")
	if base != ":memory:" && !strings.HasPrefix(base, "file:") {
		if dir := filepath.Dir(base); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				slog.Error("db: Cannot create database directory", "error", err, "dir", dir)
				return "", fmt.Errorf("%w: %w", ErrCreateDatabase, err)
			}
		}
	}

	params, err := url.ParseQuery(query)
	if err != nil {
		return "", fmt.Errorf("%w: bad sqlite dsn parameters: %w", ErrCreateDatabase, err)
	}
	if cfg.SQLite.ForeignKeys && !params.Has("_foreign_keys") {
		params.Set("_foreign_keys", "on")
	}
	if cfg.SQLite.BusyTimeoutMs > 0 && !params.Has("_busy_timeout") {
		params.Set("_busy_timeout", fmt.Sprint(cfg.SQLite.BusyTimeoutMs))
	}
	if cfg.SQLite.TxLock != "" && !params.Has("_txlock") {
		params.Set("_txlock", cfg.SQLite.TxLock)
	}
	if cfg.SQLite.WAL && base != ":memory:" && !params.Has("_journal_mode") {
		params.Set("_journal_mode", "WAL")
	}

	if len(params) == 0 {
		return base, nil
	}
	return base + "?" + params.Encode(), nil
}
