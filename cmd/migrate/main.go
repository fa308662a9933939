// Archive schema migration tool. The daemon applies migrations on
// startup when the archive is enabled; this runs the same embedded
// migrations offline, so the schema can be prepared or inspected
// without starting a control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quarterdeck-io/quarterdeck/internal/archive"
	"github.com/quarterdeck-io/quarterdeck/internal/config"
)

func main() {
	command := flag.String("command", "migrate", "Command to run: migrate or status")
	configPath := flag.String("config", "", "Path to config file (default: ./configs/config.yaml)")
	dsn := flag.String("db", "", "Postgres DSN (overrides the archive section of the config)")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	_ = godotenv.Load()

	if *dsn == "" {
		cfg, err := config.ValidateAndLoad(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		if !cfg.Archive.Enabled {
			fmt.Fprintln(os.Stderr, "The archive is disabled in this configuration; pass -db to migrate an explicit database")
			os.Exit(1)
		}
		*dsn = cfg.Archive.DSN()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	store, err := archive.New(ctx, *dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to archive: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *command {
	case "migrate":
		if err := store.Migrate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
			os.Exit(1)
		}
	case "status":
		st, err := store.Status(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status check failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Schema version: %d (latest embedded: %d)\n", st.Current, st.Latest)
		if st.UpToDate() {
			fmt.Println("Archive schema is up to date")
			return
		}
		for _, m := range st.Pending {
			fmt.Printf("  pending %03d: %s\n", m.Version, m.Description)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", *command)
		fmt.Fprintf(os.Stderr, "Usage: migrate -command=[migrate|status] [-config path] [-db dsn]\n")
		os.Exit(1)
	}
}
