// Package db is shellgate's optional host-key trust store (spec §4, item
// 2: "known_hosts"-equivalent persistence for trust-on-first-use host key
// verification). It is optional: main.go opens a DB handle only when
// ssh.hostKeyVerification.enabled is true.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "modernc.org/sqlite"
)

// ctx returns a background context for bun queries.
func ctx() context.Context { return context.Background() }

// TrustedHostKey is one (host, port, key type) the gateway has seen and
// accepted before. Trust-on-first-use records the key on first connect;
// later connections compare the server's key against this row.
type TrustedHostKey struct {
	bun.BaseModel `bun:"table:trusted_host_keys"`

	Host        string    `bun:"host,pk"`
	Port        int       `bun:"port,pk"`
	KeyType     string    `bun:"key_type,pk"`
	Fingerprint string    `bun:"fingerprint,notnull"`
	FirstSeen   time.Time `bun:"first_seen,notnull"`
	LastSeen    time.Time `bun:"last_seen,notnull"`
}

// DB wraps a bun connection over either SQLite or Postgres.
type DB struct {
	bun    *bun.DB
	dbType string
}

// DBType returns the database type ("sqlite" or "postgres").
func (db *DB) DBType() string {
	return db.dbType
}

// Open opens a SQLite database at the given path.
// This is a convenience wrapper around OpenDB for backward compatibility.
func Open(dbPath string) (*DB, error) {
	return OpenDB("sqlite", dbPath)
}

// OpenDB opens a database connection for the given type and DSN,
// runs any pending migrations, and returns the DB handle.
func OpenDB(dbType, dsn string) (*DB, error) {
	var driverName string
	switch dbType {
	case "sqlite":
		driverName = "sqlite"
	case "postgres":
		driverName = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	// For SQLite in-memory databases, use shared cache so that the migration
	// connection (opened separately by golang-migrate) sees the same database.
	migrateDSN := dsn
	if dbType == "sqlite" && dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
		migrateDSN = dsn
	}

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbType == "sqlite" {
		// busy_timeout waits up to 5 seconds for locks to clear
		if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
		}

		// WAL mode allows concurrent reads while writing
		if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}

		// Keep at least one connection open to prevent in-memory databases
		// from being destroyed when all connections close.
		conn.SetMaxIdleConns(1)
	}

	// Run all pending migrations (uses its own connection to avoid m.Close() side effects)
	if err := runMigrations(dbType, migrateDSN); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	var bunDB *bun.DB
	switch dbType {
	case "sqlite":
		bunDB = bun.NewDB(conn, sqlitedialect.New())
	case "postgres":
		bunDB = bun.NewDB(conn, pgdialect.New())
	}

	return &DB{bun: bunDB, dbType: dbType}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.bun.Close()
}

// Ping verifies the database connection is alive.
func (db *DB) Ping() error {
	return db.bun.PingContext(ctx())
}

// GetTrustedHostKey looks up a previously trusted key for (host, port,
// keyType). The bool is false when no row exists.
func (db *DB) GetTrustedHostKey(host string, port int, keyType string) (*TrustedHostKey, bool, error) {
	var row TrustedHostKey
	err := db.bun.NewSelect().
		Model(&row).
		Where("host = ? AND port = ? AND key_type = ?", host, port, keyType).
		Scan(ctx())
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get trusted host key: %w", err)
	}
	return &row, true, nil
}

// TrustHostKey records a newly-seen host key (trust-on-first-use) or, if one
// already exists for this (host, port, keyType), refreshes its last-seen
// timestamp. It never overwrites the stored fingerprint — a changed
// fingerprint is a caller-level decision (reject or prompt), not something
// this layer resolves silently.
func (db *DB) TrustHostKey(host string, port int, keyType, fingerprint string) error {
	now := time.Now()
	row := TrustedHostKey{
		Host: host, Port: port, KeyType: keyType,
		Fingerprint: fingerprint, FirstSeen: now, LastSeen: now,
	}

	_, err := db.bun.NewInsert().
		Model(&row).
		On("CONFLICT (host, port, key_type) DO UPDATE").
		Set("last_seen = EXCLUDED.last_seen").
		Exec(ctx())
	if err != nil {
		return fmt.Errorf("failed to trust host key: %w", err)
	}
	return nil
}

// ListTrustedHostKeys returns every known host key, most recently seen first.
func (db *DB) ListTrustedHostKeys() ([]TrustedHostKey, error) {
	var rows []TrustedHostKey
	err := db.bun.NewSelect().Model(&rows).Order("last_seen DESC").Scan(ctx())
	if err != nil {
		return nil, fmt.Errorf("failed to list trusted host keys: %w", err)
	}
	return rows, nil
}

// ForgetHostKey removes a trusted key, forcing the next connection to that
// (host, port, keyType) through trust-on-first-use again.
func (db *DB) ForgetHostKey(host string, port int, keyType string) error {
	_, err := db.bun.NewDelete().
		Model((*TrustedHostKey)(nil)).
		Where("host = ? AND port = ? AND key_type = ?", host, port, keyType).
		Exec(ctx())
	if err != nil {
		return fmt.Errorf("failed to forget host key: %w", err)
	}
	return nil
}
