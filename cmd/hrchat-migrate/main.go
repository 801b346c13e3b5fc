package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/hellio/hrchat/internal/config"
	"github.com/hellio/hrchat/internal/migrations"
	"github.com/hellio/hrchat/internal/observability"
)

func main() {
	direction := flag.String("direction", "up", "migration direction: up|down|status")
	steps := flag.Int("steps", 0, "number of migration steps; 0 means all for up, 1 for down")
	flag.Parse()

	cfg, err := config.LoadFromEnv("hrchat-migrate")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.Driver != config.DriverPostgres {
		fmt.Fprintf(os.Stderr, "migrations only apply to postgres, driver is %q\n", cfg.Database.Driver)
		os.Exit(1)
	}
	// The chat service's own DSN is read-only; role provisioning needs an owner.
	dsn := cfg.Database.MigrateDSN
	if dsn == "" {
		dsn = cfg.Database.DSN
	}
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "HRCHAT_MIGRATE_DSN or HRCHAT_DATABASE_DSN is required")
		os.Exit(1)
	}

	db, err := sql.Open(config.DriverPostgres, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database open error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "database ping error (%s): %v\n", observability.MaskDSN(dsn), err)
		os.Exit(1)
	}

	runner := migrations.NewRunner()
	switch *direction {
	case "up":
		applied, err := runner.Up(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration up failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("applied %d migration(s)\n", applied)
	case "down":
		rolledBack, err := runner.Down(ctx, db, *steps)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration down failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("rolled back %d migration(s)\n", rolledBack)
	case "status":
		states, err := runner.Status(ctx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migration status failed: %v\n", err)
			os.Exit(1)
		}
		for _, state := range states {
			mark := "pending"
			if state.Applied {
				mark = "applied"
			}
			fmt.Printf("%06d_%s\t%s\n", state.Version, state.Name, mark)
		}
	default:
		fmt.Fprintf(os.Stderr, "invalid direction: %s\n", *direction)
		os.Exit(1)
	}
}
