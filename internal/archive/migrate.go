package archive

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// Migrations ship inside the binary; the archive schema is managed by
// the process that writes it, not by an external tool.
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one versioned schema step.
type Migration struct {
	Version     int
	Description string
	SQL         string
	Filename    string
}

// loadMigrations reads the embedded migration files, skipping any
// _down.sql companions, and returns them sorted by version.
func loadMigrations() ([]Migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".sql") || strings.HasSuffix(name, "_down.sql") {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", name, err)
		}

		var version int
		var description string
		if _, err := fmt.Sscanf(name, "%d_%s", &version, &description); err != nil {
			return nil, fmt.Errorf("invalid migration filename format: %s (expected: NNN_description.sql)", name)
		}
		description = strings.TrimSuffix(description, ".sql")
		description = strings.ReplaceAll(description, "_", " ")

		migrations = append(migrations, Migration{
			Version:     version,
			Description: description,
			SQL:         string(content),
			Filename:    name,
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// ensureSchemaVersionTable creates the schema_version table if it
// doesn't exist.
func (s *Store) ensureSchemaVersionTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW(),
			description TEXT
		)
	`
	_, err := s.pool.Exec(ctx, query)
	return err
}

// currentVersion returns the highest applied schema version.
func (s *Store) currentVersion(ctx context.Context) (int, error) {
	var version int
	err := s.pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

// Migrate applies all pending migrations. Safe to run on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.ensureSchemaVersionTable(ctx); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	current, err := s.currentVersion(ctx)
	if err != nil {
		return err
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	var pending []Migration
	for _, m := range migrations {
		if m.Version > current {
			pending = append(pending, m)
		}
	}

	if len(pending) == 0 {
		log.Debug().Int("version", current).Msg("Archive schema is up to date")
		return nil
	}

	log.Info().
		Int("current_version", current).
		Int("pending", len(pending)).
		Msg("Applying archive schema migrations")

	for _, m := range pending {
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}
	}

	final, _ := s.currentVersion(ctx)
	log.Info().Int("version", final).Msg("Archive schema migration complete")

	return nil
}

// SchemaStatus compares the applied schema version against the
// migrations embedded in this binary.
type SchemaStatus struct {
	Current int
	Latest  int
	Pending []Migration
}

// UpToDate reports whether every embedded migration has been applied.
func (st SchemaStatus) UpToDate() bool { return len(st.Pending) == 0 }

// Status reports the schema version without changing anything beyond
// creating the version table itself.
func (s *Store) Status(ctx context.Context) (SchemaStatus, error) {
	if err := s.ensureSchemaVersionTable(ctx); err != nil {
		return SchemaStatus{}, fmt.Errorf("failed to create schema_version table: %w", err)
	}
	current, err := s.currentVersion(ctx)
	if err != nil {
		return SchemaStatus{}, err
	}
	migrations, err := loadMigrations()
	if err != nil {
		return SchemaStatus{}, err
	}

	st := SchemaStatus{Current: current}
	for _, m := range migrations {
		if m.Version > st.Latest {
			st.Latest = m.Version
		}
		if m.Version > current {
			st.Pending = append(st.Pending, m)
		}
	}
	return st, nil
}

// applyMigration runs one migration inside a transaction.
func (s *Store) applyMigration(ctx context.Context, m Migration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }() // Rollback on error - commit overrides if successful

	// Migration SQL carries no parameters, so pgx sends it over the
	// simple protocol and multi-statement files work.
	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO schema_version (version, description) VALUES ($1, $2) ON CONFLICT (version) DO NOTHING",
		m.Version,
		m.Description,
	)
	if err != nil {
		return fmt.Errorf("failed to record migration version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Info().
		Int("version", m.Version).
		Str("description", m.Description).
		Msg("Migration applied")

	return nil
}
