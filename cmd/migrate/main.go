// Command migrate applies or rolls back the host-key trust store schema
// using the same embedded migrations internal/db runs automatically on
// startup. It exists for operators who want explicit control over schema
// changes outside the normal gateway lifecycle.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"

	"github.com/rjsadow/shellgate/internal/db"
)

func main() {
	dbType := flag.String("type", "sqlite", "Database type: sqlite or postgres")
	dsn := flag.String("dsn", "shellgate.db", "Database connection string (file path for sqlite, DSN for postgres)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Usage: migrate [up|down|version] -type sqlite -dsn shellgate.db")
		os.Exit(1)
	}

	m, err := db.NewMigrator(*dbType, *dsn)
	if err != nil {
		log.Fatalf("failed to create migrator: %v", err)
	}
	defer m.Close()

	switch flag.Arg(0) {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("migration failed: %v", err)
		}
		fmt.Println("Migrations applied")
	case "down":
		if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("rollback failed: %v", err)
		}
		fmt.Println("Rolled back one migration")
	case "version":
		version, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			log.Fatalf("failed to read version: %v", err)
		}
		fmt.Printf("version=%d dirty=%v\n", version, dirty)
	default:
		fmt.Printf("Unknown command: %s\n", flag.Arg(0))
		fmt.Println("Usage: migrate [up|down|version] -type sqlite -dsn shellgate.db")
		os.Exit(1)
	}
}
