package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"

	"shortfall/internal/persistence"
	"shortfall/internal/projection"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|rebuild>")
		fmt.Println("  up      - apply all pending migrations")
		fmt.Println("  down    - roll back the last migration")
		fmt.Println("  rebuild - truncate projections and rebuild balances from the event log")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  SHORTFALL_POSTGRES_DSN   - Postgres connection string (required)")
		fmt.Println("  SHORTFALL_MIGRATIONS_DIR - path to migrations directory (default: migrations)")
		os.Exit(1)
	}

	pgURL := os.Getenv("SHORTFALL_POSTGRES_DSN")
	if pgURL == "" {
		pgURL = "postgres://localhost:5432/shortfall?sslmode=disable"
	}

	migrationsDir := os.Getenv("SHORTFALL_MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		log.Fatalf("FATAL: open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, migrationsDir)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatalf("FATAL: migrate up: %v", err)
		}
		log.Println("INFO: all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatalf("FATAL: migrate down: %v", err)
		}
		log.Println("INFO: last migration rolled back")

	case "rebuild":
		if err := projection.RebuildProjections(ctx, db); err != nil {
			log.Fatalf("FATAL: rebuild projections: %v", err)
		}
		log.Println("INFO: projections rebuilt from event log")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'rebuild')\n", os.Args[1])
		os.Exit(1)
	}
}
