package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/hellio/hrchat/internal/config"
)

type Config struct {
	Driver          string
	DSN             string
	ReadOnly        bool
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

func FromConfig(cfg config.DatabaseConfig) Config {
	return Config{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		ReadOnly:        true,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
}

func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	dsn, err := driverDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", cfg.Driver, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", cfg.Driver, err)
	}

	return db, nil
}

func driverDSN(cfg Config) (string, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		if strings.TrimSpace(cfg.DSN) == "" {
			return "", fmt.Errorf("database dsn is required")
		}
		return cfg.DSN, nil
	case config.DriverDuckDB:
		return duckDBDSN(cfg.DSN, cfg.ReadOnly), nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// duckDBDSN opens file databases in read-only access mode; an in-memory database cannot be.
func duckDBDSN(dsn string, readOnly bool) string {
	dsn = strings.TrimSpace(dsn)
	if !readOnly || dsn == "" || dsn == ":memory:" || strings.Contains(dsn, "access_mode=") {
		return dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + "access_mode=READ_ONLY"
}
