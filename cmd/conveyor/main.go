// Conveyor entry point.
//
// Usage:
//
//	conveyor serve                        # start the coordinator
//	conveyor serve --config conveyor.yaml # with a config file
//	conveyor work                         # start a worker process
//	conveyor migrate up                   # apply database migrations
//	conveyor migrate status               # show migration state
//	conveyor health                       # probe a running coordinator
//	conveyor version                      # show version information
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/fleetworks/conveyor/config"
)

// Version metadata, injected at build time via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "work":
		runWork(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// loadConfig resolves the configuration for a subcommand and builds the
// process logger from it.
func loadConfig(configPath string) (*config.Config, *zap.Logger) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.BuildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	return cfg, logger
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Coordinator address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("Conveyor %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`Conveyor - durable job execution for robot fleets

Usage:
  conveyor <command> [options]

Commands:
  serve     Start the coordinator (API, queue, fleet monitor)
  work      Start a worker process (claims and executes jobs)
  migrate   Database migration commands
  version   Show version information
  health    Probe a running coordinator
  help      Show this help message

Options for 'serve' and 'work':
  --config <path>   Path to configuration file (YAML)

Migration subcommands:
  migrate up        Apply all pending migrations
  migrate down      Rollback the last migration
  migrate status    Show current migration version
  migrate goto <v>  Migrate to a specific version
  migrate force <v> Force set migration version
  migrate reset     Rollback all migrations

Examples:
  conveyor serve --config /etc/conveyor/conveyor.yaml
  conveyor work --config /etc/conveyor/worker.yaml
  conveyor migrate up
  conveyor health --addr http://localhost:8080`)
}
