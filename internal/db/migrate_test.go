package db

import (
	"database/sql"
	"os"
	"testing"

	_ "modernc.org/sqlite"
)

func TestRunMigrationsSQLiteCreatesTrustedHostKeysTable(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test-migrate-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpFile.Close()
	defer os.Remove(tmpFile.Name())

	if err := runMigrations("sqlite", tmpFile.Name()); err != nil {
		t.Fatalf("runMigrations() error = %v", err)
	}

	conn, err := sql.Open("sqlite", tmpFile.Name())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer conn.Close()

	var count int
	if err := conn.QueryRow("SELECT COUNT(*) FROM trusted_host_keys").Scan(&count); err != nil {
		t.Fatalf("table trusted_host_keys does not exist: %v", err)
	}
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test-migrate-idempotent-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpFile.Close()
	defer os.Remove(tmpFile.Name())

	if err := runMigrations("sqlite", tmpFile.Name()); err != nil {
		t.Fatalf("first runMigrations() error = %v", err)
	}
	if err := runMigrations("sqlite", tmpFile.Name()); err != nil {
		t.Fatalf("second runMigrations() error = %v", err)
	}
}

func TestNewMigratorRejectsUnsupportedDialect(t *testing.T) {
	if _, err := NewMigrator("oracle", ":memory:"); err == nil {
		t.Fatal("expected an error for an unsupported database type")
	}
}
