// Applies the engine's database schema. Usage:
//
//	migrate [-db-url URL] <up|down|status|version>
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/linkflow/execplane/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	dbURL := flag.String("db-url", getEnv("DATABASE_URL", ""), "postgres URL")
	flag.Parse()

	if *dbURL == "" {
		return fmt.Errorf("-db-url or DATABASE_URL is required")
	}
	command := flag.Arg(0)
	if command == "" {
		command = "up"
	}

	db, err := sql.Open("pgx", *dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	switch command {
	case "up":
		return goose.Up(db, ".")
	case "down":
		return goose.Down(db, ".")
	case "status":
		return goose.Status(db, ".")
	case "version":
		return goose.Version(db, ".")
	default:
		return fmt.Errorf("unknown command %q (want up, down, status or version)", command)
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
