// anchor-migrate применяет миграции схемы PostgreSQL хранилищ.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/akriventsev/anchor/framework/migrations"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	flags := flag.NewFlagSet(command, flag.ExitOnError)
	databaseURL := flags.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	if err := flags.Parse(os.Args[2:]); err != nil {
		os.Exit(1)
	}

	if *databaseURL == "" {
		fmt.Fprintln(os.Stderr, "error: --database-url or DATABASE_URL is required")
		os.Exit(1)
	}

	migrator, err := migrations.NewMigrator(*databaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	switch command {
	case "up":
		err = migrator.Up()
	case "down":
		err = migrator.Down()
	case "version":
		var version int64
		if version, err = migrator.Version(); err == nil {
			fmt.Printf("database version: %d\n", version)
		}
	case "status":
		var statuses []migrations.MigrationStatus
		if statuses, err = migrator.Status(); err == nil {
			for _, s := range statuses {
				state := "pending"
				if s.Applied {
					state = "applied"
				}
				fmt.Printf("%5d  %-8s %s\n", s.Version, state, s.Name)
			}
		}
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: anchor-migrate <command> [flags]

Commands:
  up       apply all pending migrations
  down     rollback the last migration
  status   show migration status
  version  print current database version

Flags:
  --database-url  PostgreSQL connection string (or DATABASE_URL env)`)
}
