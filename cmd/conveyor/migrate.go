package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/fleetworks/conveyor/config"
	"github.com/fleetworks/conveyor/internal/migration"
)

func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	subargs := args[1:]

	switch subcommand {
	case "up":
		withMigrator(subargs, func(ctx context.Context, m *migration.Migrator) error {
			if err := m.Up(ctx); err != nil {
				return err
			}
			return printMigrationInfo(ctx, m)
		})
	case "down":
		runMigrateDown(subargs)
	case "status", "version":
		withMigrator(subargs, printMigrationInfo)
	case "goto":
		runMigrateGoto(subargs)
	case "force":
		runMigrateForce(subargs)
	case "reset":
		runMigrateReset(subargs)
	case "help", "-h", "--help":
		printMigrateUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  conveyor migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration (--all rolls back everything)
  status    Show current migration version
  goto      Migrate to a specific version
  force     Force set migration version (use with caution)
  reset     Rollback all migrations
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  conveyor migrate up
  conveyor migrate up --config /etc/conveyor/conveyor.yaml
  conveyor migrate down
  conveyor migrate goto 2
  conveyor migrate force 0`)
}

// createMigrator builds a migrator from flags, falling back to the loaded
// configuration's database section.
func createMigrator(fs *flag.FlagSet, args []string) (*migration.Migrator, error) {
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	mcfg := &migration.Config{
		DatabaseType: migration.DatabaseType(*dbType),
		DatabaseURL:  *dbURL,
	}
	if mcfg.DatabaseType == "" || mcfg.DatabaseURL == "" {
		loader := config.NewLoader()
		if *configPath != "" {
			loader = loader.WithConfigPath(*configPath)
		}
		cfg, err := loader.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		if mcfg.DatabaseType == "" {
			mcfg.DatabaseType = migration.DatabaseType(cfg.Database.Driver)
		}
		if mcfg.DatabaseURL == "" {
			mcfg.DatabaseURL = cfg.Database.DSN
		}
	}

	return migration.New(mcfg)
}

// withMigrator runs op with a migrator built from args and exits non-zero
// on failure.
func withMigrator(args []string, op func(context.Context, *migration.Migrator) error) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	migrator, err := createMigrator(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	if err := op(context.Background(), migrator); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
}

func printMigrationInfo(ctx context.Context, m *migration.Migrator) error {
	info, err := m.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("version: %d  dirty: %v\n", info.CurrentVersion, info.Dirty)
	return nil
}

func runMigrateDown(args []string) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	all := fs.Bool("all", false, "Rollback all migrations")

	migrator, err := createMigrator(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	ctx := context.Background()
	if *all {
		err = migrator.DownAll(ctx)
	} else {
		err = migrator.Down(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Migration rollback failed: %v\n", err)
		os.Exit(1)
	}
}

func runMigrateGoto(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: conveyor migrate goto <version>\n")
		os.Exit(1)
	}
	target, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", args[0])
		os.Exit(1)
	}

	withMigrator(args[1:], func(ctx context.Context, m *migration.Migrator) error {
		info, err := m.Version(ctx)
		if err != nil {
			return err
		}
		return m.Steps(ctx, int(target)-int(info.CurrentVersion))
	})
}

func runMigrateForce(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: conveyor migrate force <version>\n")
		os.Exit(1)
	}
	target, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid version number: %s\n", args[0])
		os.Exit(1)
	}

	withMigrator(args[1:], func(ctx context.Context, m *migration.Migrator) error {
		return m.Force(ctx, int(target))
	})
}

func runMigrateReset(args []string) {
	runMigrateDown(append([]string{"--all"}, args...))
}
