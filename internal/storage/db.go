// Package storage persists rules and alert history in a SQL database.
// PostgreSQL, MySQL and SQLite are supported; timestamps are stored as
// epoch milliseconds so every dialect scans them the same way.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"telemetry-alert/internal/config"
	"telemetry-alert/internal/logging"
)

const (
	Postgres = "postgres"
	MySQL    = "mysql"
	SQLite   = "sqlite3"
)

type DB struct {
	conn    *sql.DB
	dialect string
}

// Open connects using the configured driver and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	switch cfg.Driver {
	case Postgres, MySQL, SQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, errors.New("database dsn is empty")
	}
	conn, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	conn.SetConnMaxLifetime(cfg.GetConnMaxLifetime())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	logging.Infof("database connected: driver=%s", cfg.Driver)
	return &DB{conn: conn, dialect: cfg.Driver}, nil
}

// New wraps an existing connection.
func New(conn *sql.DB, dialect string) *DB {
	return &DB{conn: conn, dialect: dialect}
}

func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	return db.conn.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (db *DB) rebind(q string) string {
	if db.dialect != Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (db *DB) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return db.conn.ExecContext(ctx, db.rebind(q), args...)
}

func (db *DB) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, db.rebind(q), args...)
}

func (db *DB) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, db.rebind(q), args...)
}

// Migrate creates the tables when they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	stmts, ok := schemas[db.dialect]
	if !ok {
		return fmt.Errorf("no schema for dialect %q", db.dialect)
	}
	for _, s := range stmts {
		if _, err := db.conn.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	logging.Infof("database schema ready (%s)", db.dialect)
	return nil
}

var schemas = map[string][]string{
	Postgres: {
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL UNIQUE,
			enabled BOOLEAN NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			definition TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			last_triggered_at BIGINT,
			trigger_count BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS alert_events (
			id VARCHAR(64) PRIMARY KEY,
			rule_id VARCHAR(64) NOT NULL,
			severity VARCHAR(16) NOT NULL,
			triggered_at BIGINT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alert_events_rule ON alert_events (rule_id, triggered_at)`,
	},
	MySQL: {
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL UNIQUE,
			enabled BOOLEAN NOT NULL,
			priority INT NOT NULL DEFAULT 0,
			definition LONGTEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			last_triggered_at BIGINT NULL,
			trigger_count BIGINT NOT NULL DEFAULT 0
		) DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS alert_events (
			id VARCHAR(64) PRIMARY KEY,
			rule_id VARCHAR(64) NOT NULL,
			severity VARCHAR(16) NOT NULL,
			triggered_at BIGINT NOT NULL,
			payload LONGTEXT NOT NULL,
			INDEX idx_alert_events_rule (rule_id, triggered_at)
		) DEFAULT CHARSET=utf8mb4`,
	},
	SQLite: {
		`CREATE TABLE IF NOT EXISTS alert_rules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			enabled INTEGER NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			definition TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			last_triggered_at INTEGER,
			trigger_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS alert_events (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			triggered_at INTEGER NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alert_events_rule ON alert_events (rule_id, triggered_at)`,
	},
}

// isUniqueViolation recognises duplicate-key errors of every supported driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
