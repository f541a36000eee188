package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/frankenstein/sagakit/framework/migrations"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]

	dbURL := flag.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	dir := flag.String("migrations-dir", "migrations/sql", "Path to migrations directory")
	flag.CommandLine.Parse(os.Args[2:])

	if *dbURL == "" {
		fmt.Fprintln(os.Stderr, "Error: --database-url or DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := migrations.Open(*dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	switch command {
	case "up":
		if len(flag.Args()) > 0 {
			version, err := strconv.ParseInt(flag.Args()[0], 10, 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: invalid target version %q\n", flag.Args()[0])
				os.Exit(1)
			}
			err = migrations.UpTo(db, *dir, version)
			exitOn(err)
		} else {
			exitOn(migrations.Up(db, *dir))
		}
		fmt.Println("migrations applied")
	case "down":
		exitOn(migrations.Down(db, *dir))
		fmt.Println("migration rolled back")
	case "version":
		version, err := migrations.Version(db)
		exitOn(err)
		fmt.Printf("current version: %d\n", version)
	case "status":
		statuses, err := migrations.List(db, *dir)
		exitOn(err)
		for _, s := range statuses {
			state := "pending"
			if s.Applied {
				state = "applied"
			}
			fmt.Printf("%5d  %-8s  %s\n", s.Version, state, s.Name)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func exitOn(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("SagaKit Migration Tool")
	fmt.Println()
	fmt.Println("Usage: saga-migrate <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up [version]  - Apply all pending migrations (or up to version)")
	fmt.Println("  down          - Rollback the last migration")
	fmt.Println("  status        - Show status of all migrations")
	fmt.Println("  version       - Show current schema version")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --database-url    - PostgreSQL connection string (or DATABASE_URL)")
	fmt.Println("  --migrations-dir  - Path to migrations directory (default: migrations/sql)")
}
