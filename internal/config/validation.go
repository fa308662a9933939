package config

import (
	"fmt"
	"strings"

	"github.com/quarterdeck-io/quarterdeck/internal/validation"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// brokersRequiringCredentials lists adapters that cannot be constructed
// without API keys. Simulator brokers are deliberately absent.
var brokersRequiringCredentials = map[string]bool{
	"alpaca":  true,
	"binance": true,
	"kraken":  true,
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validatePersistRoot()...)
	errors = append(errors, c.validateScopes()...)
	errors = append(errors, c.validateFlags()...)
	errors = append(errors, c.validateBrokers()...)
	errors = append(errors, c.validateArchive()...)
	errors = append(errors, c.validateRedis()...)
	errors = append(errors, c.validateNATS()...)
	errors = append(errors, c.validateTelegram()...)
	errors = append(errors, c.validateOps()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	if c.App.Environment == "" {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: "Environment is required (development, staging, or production)",
		})
	} else {
		validEnvs := []string{"development", "staging", "production"}
		valid := false
		for _, env := range validEnvs {
			if c.App.Environment == env {
				valid = true
				break
			}
		}
		if !valid {
			errors = append(errors, ValidationError{
				Field:   "app.environment",
				Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvs),
			})
		}
	}

	if c.App.LogLevel == "" {
		errors = append(errors, ValidationError{
			Field:   "app.log_level",
			Message: "Log level is required (debug, info, warn, error)",
		})
	}

	if c.App.LogFormat != "" && c.App.LogFormat != "json" && c.App.LogFormat != "console" {
		errors = append(errors, ValidationError{
			Field:   "app.log_format",
			Message: fmt.Sprintf("Invalid log format '%s'. Must be 'json' or 'console'", c.App.LogFormat),
		})
	}

	return errors
}

func (c *Config) validatePersistRoot() ValidationErrors {
	var errors ValidationErrors

	if c.PersistRoot == "" {
		errors = append(errors, ValidationError{
			Field:   "persist_root",
			Message: "Persistence root is required",
		})
	}

	return errors
}

func (c *Config) validateScopes() ValidationErrors {
	var errors ValidationErrors

	if len(c.Scopes) == 0 {
		errors = append(errors, ValidationError{
			Field:   "scopes",
			Message: "At least one scope must be configured",
		})
		return errors
	}

	seen := make(map[string]bool, len(c.Scopes))
	for i, sc := range c.Scopes {
		field := func(suffix string) string { return fmt.Sprintf("scopes[%d].%s", i, suffix) }

		env := strings.ToLower(sc.Env)
		if env != "paper" && env != "live" {
			errors = append(errors, ValidationError{
				Field:   field("env"),
				Message: fmt.Sprintf("Invalid scope env '%s'. Must be 'paper' or 'live'", sc.Env),
			})
		}

		for _, part := range []struct{ name, val string }{
			{"broker", sc.Broker},
			{"market", sc.Market},
			{"region", sc.Region},
		} {
			if part.val == "" {
				errors = append(errors, ValidationError{
					Field:   field(part.name),
					Message: fmt.Sprintf("Scope %s is required", part.name),
				})
			} else if strings.ContainsAny(part.val, "/\\ ") {
				errors = append(errors, ValidationError{
					Field:   field(part.name),
					Message: fmt.Sprintf("Scope %s '%s' must not contain path separators or spaces", part.name, part.val),
				})
			}
		}

		slug := sc.Slug()
		if seen[slug] {
			errors = append(errors, ValidationError{
				Field:   field("env"),
				Message: fmt.Sprintf("Duplicate scope '%s'", slug),
			})
		}
		seen[slug] = true

		if sc.Equity <= 0 {
			errors = append(errors, ValidationError{
				Field:   field("equity"),
				Message: "Equity must be greater than 0",
			})
		}

		for _, sym := range sc.Symbols {
			if !validation.IsSymbol(sym) {
				errors = append(errors, ValidationError{
					Field:   field("symbols"),
					Message: fmt.Sprintf("Symbol '%s' must be an uppercase ticker (letters, digits, dashes)", sym),
				})
			}
		}
		for _, sym := range sc.Universe.Watchlist {
			if !validation.IsSymbol(sym) {
				errors = append(errors, ValidationError{
					Field:   field("universe.watchlist"),
					Message: fmt.Sprintf("Symbol '%s' must be an uppercase ticker (letters, digits, dashes)", sym),
				})
			}
		}

		errors = append(errors, validateCadence(field("cadence"), sc.Cadence)...)
		errors = append(errors, validateGate(field("gate"), sc.Gate)...)
		errors = append(errors, validateUniverse(field("universe"), sc.Universe)...)

		if sc.ProposalExpiryHours < 1 {
			errors = append(errors, ValidationError{
				Field:   field("proposal_expiry_hours"),
				Message: "Proposal expiry must be at least 1 hour",
			})
		}
	}

	return errors
}

func validateCadence(field string, cad CadenceConfig) ValidationErrors {
	var errors ValidationErrors

	for _, task := range []struct {
		name string
		cfg  TaskConfig
	}{
		{"reconciliation", cad.Reconciliation},
		{"regime", cad.Regime},
		{"universe", cad.Universe},
		{"governance", cad.Governance},
	} {
		if task.cfg.IntervalSeconds < 1 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("%s.%s.interval_seconds", field, task.name),
				Message: "Task interval must be at least 1 second",
			})
		}
		if task.cfg.TimeoutSeconds < 0 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("%s.%s.timeout_seconds", field, task.name),
				Message: "Task timeout must not be negative",
			})
		}
		if task.cfg.MaxAgeSeconds < 0 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("%s.%s.max_age_seconds", field, task.name),
				Message: "Task max age must not be negative",
			})
		}
	}

	return errors
}

func validateGate(field string, g GateConfig) ValidationErrors {
	var errors ValidationErrors

	if g.SlippageBps < 0 {
		errors = append(errors, ValidationError{
			Field:   field + ".slippage_bps",
			Message: "Slippage must not be negative",
		})
	}

	if g.MaxADVPct <= 0 || g.MaxADVPct > 1 {
		errors = append(errors, ValidationError{
			Field:   field + ".max_adv_pct",
			Message: fmt.Sprintf("Invalid max_adv_pct %.3f. Must be between 0-1", g.MaxADVPct),
		})
	}

	if g.ADVWindowDays < 1 {
		errors = append(errors, ValidationError{
			Field:   field + ".adv_window_days",
			Message: "ADV window must be at least 1 day",
		})
	}

	if g.BarLookback < 1 {
		errors = append(errors, ValidationError{
			Field:   field + ".bar_lookback",
			Message: "Bar lookback must be at least 1",
		})
	}

	if g.PollIntervalMS < 1 {
		errors = append(errors, ValidationError{
			Field:   field + ".poll_interval_ms",
			Message: "Poll interval must be at least 1ms",
		})
	}

	if g.PollTimeoutS < 1 {
		errors = append(errors, ValidationError{
			Field:   field + ".poll_timeout_s",
			Message: "Poll timeout must be at least 1 second",
		})
	}

	return errors
}

func validateUniverse(field string, u UniverseConfig) ValidationErrors {
	var errors ValidationErrors

	if u.MinSize < 0 || u.MaxSize <= 0 || u.MinSize > u.MaxSize {
		errors = append(errors, ValidationError{
			Field:   field + ".min_size",
			Message: fmt.Sprintf("Universe size bounds [%d, %d] are invalid", u.MinSize, u.MaxSize),
		})
	}

	if u.MaxAdditionsPerCycle < 0 || u.MaxRemovalsPerCycle < 0 {
		errors = append(errors, ValidationError{
			Field:   field + ".max_additions_per_cycle",
			Message: "Per-cycle change caps must not be negative",
		})
	}

	if u.MinScoreToAdd < u.MaxScoreToRemove {
		errors = append(errors, ValidationError{
			Field:   field + ".min_score_to_add",
			Message: fmt.Sprintf("min_score_to_add %.1f below max_score_to_remove %.1f would thrash", u.MinScoreToAdd, u.MaxScoreToRemove),
		})
	}

	if u.CooldownDaysAfterRemove < 0 {
		errors = append(errors, ValidationError{
			Field:   field + ".cooldown_days_after_remove",
			Message: "Cooldown must not be negative",
		})
	}

	return errors
}

func (c *Config) validateFlags() ValidationErrors {
	var errors ValidationErrors

	// A live scope with neither flag set would fail adapter construction
	// mid-wiring; reject it here so the operator sees one clear message.
	if !c.Flags.EnableLiveOrders && !c.Flags.DryRun {
		for i, sc := range c.Scopes {
			if sc.IsLive() {
				errors = append(errors, ValidationError{
					Field:   fmt.Sprintf("scopes[%d]", i),
					Message: fmt.Sprintf("Live scope '%s' requires flags.enable_live_orders=true or flags.dry_run=true", sc.Slug()),
				})
			}
		}
	}

	if c.Flags.PhaseGDryRun && !c.Flags.PhaseGEnabled {
		errors = append(errors, ValidationError{
			Field:   "flags.phase_g_dry_run",
			Message: "phase_g_dry_run has no effect while phase_g_enabled is false",
		})
	}

	return errors
}

func (c *Config) validateBrokers() ValidationErrors {
	var errors ValidationErrors

	for i, sc := range c.Scopes {
		name := strings.ToLower(sc.Broker)
		if !sc.IsLive() || !brokersRequiringCredentials[name] {
			continue
		}

		bc := c.BrokerFor(name)
		envPrefix := strings.ToUpper(name)

		if bc.APIKey == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("brokers.%s.api_key", name),
				Message: fmt.Sprintf("API key is required for live scope %d (set %s_API_KEY)", i, envPrefix),
			})
		} else {
			errors = append(errors, credentialErrors(fmt.Sprintf("brokers.%s.api_key", name), bc.APIKey, 16)...)
		}

		if bc.APISecret == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("brokers.%s.api_secret", name),
				Message: fmt.Sprintf("API secret is required for live scope %d (set %s_API_SECRET)", i, envPrefix),
			})
		} else {
			errors = append(errors, credentialErrors(fmt.Sprintf("brokers.%s.api_secret", name), bc.APISecret, 16)...)
		}
	}

	for name, bc := range c.Brokers {
		if bc.RequestsPerSecond < 0 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("brokers.%s.requests_per_second", name),
				Message: "Rate limit must not be negative",
			})
		}
		if bc.Burst < 0 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("brokers.%s.burst", name),
				Message: "Burst must not be negative",
			})
		}
	}

	return errors
}

func (c *Config) validateArchive() ValidationErrors {
	var errors ValidationErrors

	if !c.Archive.Enabled {
		return errors
	}

	if c.Archive.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "archive.host",
			Message: "Archive host is required when the archive is enabled",
		})
	}

	if c.Archive.Port < 1 || c.Archive.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "archive.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Archive.Port),
		})
	}

	if c.Archive.User == "" {
		errors = append(errors, ValidationError{
			Field:   "archive.user",
			Message: "Archive user is required when the archive is enabled",
		})
	}

	if c.Archive.Database == "" {
		errors = append(errors, ValidationError{
			Field:   "archive.database",
			Message: "Archive database name is required when the archive is enabled",
		})
	}

	if c.Archive.PoolSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "archive.pool_size",
			Message: "Archive pool size must be at least 1",
		})
	}

	if c.App.Environment == "production" {
		if c.Archive.SSLMode == "disable" {
			errors = append(errors, ValidationError{
				Field:   "archive.ssl_mode",
				Message: "SSL must be enabled for the archive in production",
			})
		}
		if c.Archive.Password != "" {
			errors = append(errors, credentialErrors("archive.password", c.Archive.Password, 12)...)
		}
	}

	return errors
}

func (c *Config) validateRedis() ValidationErrors {
	var errors ValidationErrors

	if !c.Redis.Enabled {
		return errors
	}

	if c.Redis.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "redis.host",
			Message: "Redis host is required when the cache is enabled",
		})
	}

	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "redis.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Redis.Port),
		})
	}

	if c.Redis.TTLSeconds < 1 {
		errors = append(errors, ValidationError{
			Field:   "redis.ttl_seconds",
			Message: "Cache TTL must be at least 1 second",
		})
	}

	return errors
}

func (c *Config) validateNATS() ValidationErrors {
	var errors ValidationErrors

	if !c.NATS.Enabled {
		return errors
	}

	if c.NATS.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL is required when the mirror is enabled",
		})
	} else if !strings.HasPrefix(c.NATS.URL, "nats://") {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL must start with 'nats://'",
		})
	}

	if c.NATS.SubjectPrefix == "" {
		errors = append(errors, ValidationError{
			Field:   "nats.subject_prefix",
			Message: "NATS subject prefix is required when the mirror is enabled",
		})
	}

	return errors
}

func (c *Config) validateTelegram() ValidationErrors {
	var errors ValidationErrors

	if !c.Telegram.Enabled {
		return errors
	}

	if c.Telegram.BotToken == "" {
		errors = append(errors, ValidationError{
			Field:   "telegram.bot_token",
			Message: "Bot token is required when alerts are enabled (set TELEGRAM_BOT_TOKEN)",
		})
	}

	if len(c.Telegram.ChatIDs) == 0 {
		errors = append(errors, ValidationError{
			Field:   "telegram.chat_ids",
			Message: "At least one operator chat ID is required when alerts are enabled (set TELEGRAM_CHAT_IDS)",
		})
	}

	return errors
}

func (c *Config) validateOps() ValidationErrors {
	var errors ValidationErrors

	if !c.Ops.Enabled {
		return errors
	}

	if c.Ops.Port < 1 || c.Ops.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "ops.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1-65535", c.Ops.Port),
		})
	}

	return errors
}

// ValidateAndLoad loads and validates configuration
// Returns the loaded config and any validation errors
// configPath can be empty to use default config locations
func ValidateAndLoad(configPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}
