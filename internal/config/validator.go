package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// PersistenceError marks an unrecoverable persistence failure at startup.
// Main funcs map it onto ExitPersistence so a broken disk is
// distinguishable from a bad config.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence root %s is unusable: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ValidatorOptions contains options for startup validation
type ValidatorOptions struct {
	VerifyConnectivity bool // Check archive/Redis connectivity
	Timeout            time.Duration
}

// DefaultValidatorOptions returns default validator options for startup
func DefaultValidatorOptions() ValidatorOptions {
	return ValidatorOptions{
		VerifyConnectivity: true,
		Timeout:            5 * time.Second,
	}
}

// Validator handles configuration validation at startup
type Validator struct {
	config  *Config
	options ValidatorOptions
}

// NewValidator creates a new configuration validator
func NewValidator(config *Config, options ValidatorOptions) *Validator {
	return &Validator{
		config:  config,
		options: options,
	}
}

// ValidateStartup performs startup validation beyond what Load checks:
// the persistence root must survive a write-rename round trip, and the
// optional backing services must answer when connectivity checks are on.
// This should be called before starting any services.
func (v *Validator) ValidateStartup(ctx context.Context) error {
	log.Info().Msg("Validating startup environment...")

	if err := v.probePersistRoot(); err != nil {
		return err
	}

	if v.options.VerifyConnectivity {
		if err := v.checkArchiveConnectivity(ctx); err != nil {
			return fmt.Errorf("archive connectivity check failed: %w", err)
		}

		if err := v.checkRedisConnectivity(ctx); err != nil {
			return fmt.Errorf("redis connectivity check failed: %w", err)
		}
	}

	log.Info().Msg("Startup validation completed successfully")
	return nil
}

// probePersistRoot exercises the same write path every persisted file
// uses: create, write, fsync, rename. A root that cannot complete the
// sequence can never hold scope state.
func (v *Validator) probePersistRoot() error {
	root := v.config.PersistRoot

	if err := os.MkdirAll(root, 0o755); err != nil {
		return &PersistenceError{Path: root, Err: err}
	}

	tmp, err := os.CreateTemp(root, ".probe-*")
	if err != nil {
		return &PersistenceError{Path: root, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString("probe\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &PersistenceError{Path: root, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &PersistenceError{Path: root, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{Path: root, Err: err}
	}

	final := filepath.Join(root, ".probe")
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{Path: root, Err: err}
	}
	os.Remove(final)

	log.Info().Str("persist_root", root).Msg("Persistence root probe passed")
	return nil
}

// checkArchiveConnectivity tests the trade archive connection with timeout
func (v *Validator) checkArchiveConnectivity(ctx context.Context) error {
	if !v.config.Archive.Enabled {
		return nil
	}

	log.Info().Msg("Checking archive connectivity...")

	connCtx, cancel := context.WithTimeout(ctx, v.options.Timeout)
	defer cancel()

	pool, err := pgxpool.New(connCtx, v.config.Archive.DSN())
	if err != nil {
		return fmt.Errorf("failed to create archive connection pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(connCtx); err != nil {
		return fmt.Errorf("failed to ping archive database: %w", err)
	}

	log.Info().
		Str("host", v.config.Archive.Host).
		Int("port", v.config.Archive.Port).
		Str("database", v.config.Archive.Database).
		Msg("Archive connectivity check passed")

	return nil
}

// checkRedisConnectivity tests the market data cache connection with timeout
func (v *Validator) checkRedisConnectivity(ctx context.Context) error {
	if !v.config.Redis.Enabled {
		return nil
	}

	log.Info().Msg("Checking Redis connectivity...")

	connCtx, cancel := context.WithTimeout(ctx, v.options.Timeout)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr:     v.config.Redis.Addr(),
		Password: v.config.Redis.Password,
		DB:       v.config.Redis.DB,
	})
	defer client.Close()

	if err := client.Ping(connCtx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	log.Info().
		Str("addr", v.config.Redis.Addr()).
		Int("db", v.config.Redis.DB).
		Msg("Redis connectivity check passed")

	return nil
}
