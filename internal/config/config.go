// Package config provides configuration management for Quarterdeck: the
// scope roster, per-scope cadences and tuning, the global feature flag
// set, broker credentials, and the optional archive, cache, mirror,
// alerting, and ops-server integrations.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Process exit codes. Main funcs map startup failures onto these so
// supervisors can tell a bad config from a broken disk.
const (
	ExitOK          = 0
	ExitConfig      = 1
	ExitPersistence = 2
)

// Config holds all application configuration
type Config struct {
	App         AppConfig               `mapstructure:"app"`
	PersistRoot string                  `mapstructure:"persist_root"`
	Flags       Flags                   `mapstructure:"flags"`
	Scopes      []ScopeConfig           `mapstructure:"scopes"`
	Brokers     map[string]BrokerConfig `mapstructure:"brokers"`
	Archive     ArchiveConfig           `mapstructure:"archive"`
	Redis       RedisConfig             `mapstructure:"redis"`
	NATS        NATSConfig              `mapstructure:"nats"`
	Telegram    TelegramConfig          `mapstructure:"telegram"`
	Ops         OpsConfig               `mapstructure:"ops"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // json or console
}

// Flags is the global kill-switch set. It applies to every scope.
//
// dry_run suppresses all order flow: submits return synthetic REJECTED
// results without contacting any broker. enable_live_orders must
// additionally be true before a live scope places real orders; a live
// scope with neither flag set is a configuration error.
type Flags struct {
	DryRun            bool `mapstructure:"dry_run"`
	EnableLiveOrders  bool `mapstructure:"enable_live_orders"`
	GovernanceEnabled bool `mapstructure:"governance_enabled"`
	PhaseGEnabled     bool `mapstructure:"phase_g_enabled"`
	PhaseGDryRun      bool `mapstructure:"phase_g_dry_run"`
}

// ScopeConfig declares one trading scope and its per-scope tuning.
type ScopeConfig struct {
	Env    string `mapstructure:"env"` // paper or live
	Broker string `mapstructure:"broker"`
	Market string `mapstructure:"market"`
	Region string `mapstructure:"region"`

	// Equity seeds simulator brokers and sizes liquidity checks.
	Equity  float64  `mapstructure:"equity"`
	Symbols []string `mapstructure:"symbols"`

	// BarsDir is the daily bar history directory for this scope, one
	// <SYMBOL>.json per symbol. Defaults to
	// <persist_root>/marketdata/<market>.
	BarsDir string `mapstructure:"bars_dir"`

	Cadence CadenceConfig `mapstructure:"cadence"`

	Gate              GateConfig     `mapstructure:"gate"`
	ScalingPolicyFile string         `mapstructure:"scaling_policy_file"`
	Universe          UniverseConfig `mapstructure:"universe"`
	Regime            RegimeConfig   `mapstructure:"regime"`

	// ProposalExpiryHours bounds how long a governance proposal stays
	// approvable before it lapses.
	ProposalExpiryHours int `mapstructure:"proposal_expiry_hours"`
}

// Slug returns the scope's directory-safe identity,
// e.g. "paper-alpaca-us_equities-us".
func (s ScopeConfig) Slug() string {
	parts := []string{s.Env, s.Broker, s.Market, s.Region}
	for i, p := range parts {
		parts[i] = strings.ToLower(p)
	}
	return strings.Join(parts, "-")
}

// IsLive reports whether the scope trades against a live account.
func (s ScopeConfig) IsLive() bool {
	return strings.ToLower(s.Env) == "live"
}

// TaskConfig is the schedule for one periodic task within a scope.
// Zero timeout and max age fall back to the scheduler defaults.
type TaskConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	TimeoutSeconds  int `mapstructure:"timeout_seconds"`
	MaxAgeSeconds   int `mapstructure:"max_age_seconds"`
}

// Interval returns the tick period as a duration.
func (t TaskConfig) Interval() time.Duration {
	return time.Duration(t.IntervalSeconds) * time.Second
}

// Timeout returns the per-run deadline as a duration.
func (t TaskConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// MaxAge returns the staleness threshold as a duration.
func (t TaskConfig) MaxAge() time.Duration {
	return time.Duration(t.MaxAgeSeconds) * time.Second
}

// CadenceConfig sets the four periodic task schedules for a scope.
type CadenceConfig struct {
	Reconciliation TaskConfig `mapstructure:"reconciliation"`
	Regime         TaskConfig `mapstructure:"regime"`
	Universe       TaskConfig `mapstructure:"universe"`
	Governance     TaskConfig `mapstructure:"governance"`
}

// GateConfig contains execution gate tuning for a scope.
type GateConfig struct {
	// UseNextOpen selects next-session-open exit pricing; false means
	// same-day close. One consistent semantics per scope.
	UseNextOpen     bool    `mapstructure:"use_next_open"`
	SlippageBps     float64 `mapstructure:"slippage_bps"`
	MaxADVPct       float64 `mapstructure:"max_adv_pct"`
	ADVWindowDays   int     `mapstructure:"adv_window_days"`
	BarLookback     int     `mapstructure:"bar_lookback"`
	BlackoutEnabled bool    `mapstructure:"blackout_enabled"`
	PollIntervalMS  int     `mapstructure:"poll_interval_ms"`
	PollTimeoutS    int     `mapstructure:"poll_timeout_s"`
}

// PollInterval returns the order status poll period.
func (g GateConfig) PollInterval() time.Duration {
	return time.Duration(g.PollIntervalMS) * time.Millisecond
}

// PollTimeout returns the order status poll deadline.
func (g GateConfig) PollTimeout() time.Duration {
	return time.Duration(g.PollTimeoutS) * time.Second
}

// UniverseConfig bounds universe churn for a scope.
type UniverseConfig struct {
	MinSize                 int      `mapstructure:"min_size"`
	MaxSize                 int      `mapstructure:"max_size"`
	MaxAdditionsPerCycle    int      `mapstructure:"max_additions_per_cycle"`
	MaxRemovalsPerCycle     int      `mapstructure:"max_removals_per_cycle"`
	MinScoreToAdd           float64  `mapstructure:"min_score_to_add"`
	MaxScoreToRemove        float64  `mapstructure:"max_score_to_remove"`
	CooldownDaysAfterRemove int      `mapstructure:"cooldown_days_after_remove"`
	Watchlist               []string `mapstructure:"watchlist"`
}

// RegimeConfig overrides the per-market drift detection defaults.
// Zero values keep the market default.
type RegimeConfig struct {
	// Benchmark is the symbol classified to derive the scope's regime.
	// Defaults per market: SPY for us_equities, NIFTYBEES for
	// india_equities, BTC-USD for crypto.
	Benchmark string `mapstructure:"benchmark"`

	// Lookback is the number of daily benchmark bars per classification.
	Lookback int `mapstructure:"lookback"`

	ConfidenceDeltaMin    float64 `mapstructure:"confidence_delta_min"`
	MinDwellHours         int     `mapstructure:"min_dwell_hours"`
	EmergencyDrawdown     float64 `mapstructure:"emergency_drawdown"`
	MinDurationPercentile float64 `mapstructure:"min_duration_percentile"`
	MinExternalSources    int     `mapstructure:"min_external_sources"`
}

// BrokerConfig contains broker-specific settings. Credentials left empty
// here are resolved from <BROKER>_API_KEY / <BROKER>_API_SECRET
// environment variables during Load.
type BrokerConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	APISecret         string  `mapstructure:"api_secret"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// ArchiveConfig contains the optional Postgres trade mirror settings.
type ArchiveConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// DSN returns the PostgreSQL connection string
func (c ArchiveConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode, c.PoolSize,
	)
}

// RedisConfig contains the optional market data cache settings.
type RedisConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// Addr returns the Redis address
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TTL returns the cache entry lifetime.
func (c RedisConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// NATSConfig contains the optional event mirror settings.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// TelegramConfig contains the operator alert channel settings. The bot
// token and chat IDs are resolved from TELEGRAM_BOT_TOKEN and
// TELEGRAM_CHAT_IDS when not set in the file.
type TelegramConfig struct {
	Enabled  bool    `mapstructure:"enabled"`
	BotToken string  `mapstructure:"bot_token"`
	ChatIDs  []int64 `mapstructure:"chat_ids"`
}

// OpsConfig contains the read-only ops API server settings.
type OpsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Addr returns the ops server listen address
func (c OpsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("QUARTERDECK")

	// Set defaults
	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	// Unmarshal into struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Scope entries arrive as a list, which viper defaults cannot reach
	applyScopeDefaults(&cfg)

	if err := resolveEnvSecrets(&cfg); err != nil {
		return nil, err
	}

	// Validate configuration using comprehensive validation
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "quarterdeck")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("persist_root", "./data")

	// Flag defaults. Live order flow is opt-in twice over: a live scope
	// refuses to start until enable_live_orders or dry_run is set.
	v.SetDefault("flags.dry_run", false)
	v.SetDefault("flags.enable_live_orders", false)
	v.SetDefault("flags.governance_enabled", true)
	v.SetDefault("flags.phase_g_enabled", true)
	v.SetDefault("flags.phase_g_dry_run", true)

	// Archive defaults
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.host", "localhost")
	v.SetDefault("archive.port", PostgresPort)
	v.SetDefault("archive.user", "quarterdeck")
	v.SetDefault("archive.database", "quarterdeck")
	v.SetDefault("archive.ssl_mode", "disable")
	v.SetDefault("archive.pool_size", 4)

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", RedisPort)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl_seconds", 300)

	// NATS defaults
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", fmt.Sprintf("nats://localhost:%d", NATSPort))
	v.SetDefault("nats.subject_prefix", "quarterdeck")

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)

	// Ops server defaults
	v.SetDefault("ops.enabled", true)
	v.SetDefault("ops.host", "0.0.0.0")
	v.SetDefault("ops.port", OpsServerPort)
}

// applyScopeDefaults fills unset per-scope knobs. Staleness thresholds
// default to four intervals with an hour floor so slow cadences are not
// flagged stale between perfectly healthy runs.
func applyScopeDefaults(cfg *Config) {
	for i := range cfg.Scopes {
		sc := &cfg.Scopes[i]

		if sc.Equity == 0 {
			sc.Equity = 100000
		}
		if sc.BarsDir == "" {
			sc.BarsDir = filepath.Join(cfg.PersistRoot, "marketdata", strings.ToLower(sc.Market))
		}
		if sc.ScalingPolicyFile == "" {
			sc.ScalingPolicyFile = filepath.Join("config", "scaling_policies.yaml")
		}

		defaultTask(&sc.Cadence.Reconciliation, 300)
		defaultTask(&sc.Cadence.Regime, 3600)
		defaultTask(&sc.Cadence.Universe, 86400)
		defaultTask(&sc.Cadence.Governance, 21600)

		if sc.Gate.SlippageBps == 0 {
			sc.Gate.SlippageBps = 5
		}
		if sc.Gate.MaxADVPct == 0 {
			sc.Gate.MaxADVPct = 0.05
		}
		if sc.Gate.ADVWindowDays == 0 {
			sc.Gate.ADVWindowDays = 20
		}
		if sc.Gate.BarLookback == 0 {
			sc.Gate.BarLookback = 30
		}
		if sc.Gate.PollIntervalMS == 0 {
			sc.Gate.PollIntervalMS = 500
		}
		if sc.Gate.PollTimeoutS == 0 {
			sc.Gate.PollTimeoutS = 60
		}

		if sc.Universe.MaxSize == 0 {
			sc.Universe = UniverseConfig{
				MinSize:                 3,
				MaxSize:                 15,
				MaxAdditionsPerCycle:    2,
				MaxRemovalsPerCycle:     2,
				MinScoreToAdd:           65,
				MaxScoreToRemove:        40,
				CooldownDaysAfterRemove: 7,
				Watchlist:               sc.Universe.Watchlist,
			}
		}

		if sc.Regime.Benchmark == "" {
			sc.Regime.Benchmark = defaultBenchmark(sc.Market)
		}
		if sc.Regime.Lookback == 0 {
			sc.Regime.Lookback = 60
		}

		if sc.ProposalExpiryHours == 0 {
			sc.ProposalExpiryHours = 72
		}
	}
}

// defaultBenchmark picks the regime benchmark symbol for a market.
func defaultBenchmark(market string) string {
	switch strings.ToLower(market) {
	case "crypto":
		return "BTC-USD"
	case "india_equities":
		return "NIFTYBEES"
	default:
		return "SPY"
	}
}

func defaultTask(t *TaskConfig, intervalSeconds int) {
	if t.IntervalSeconds == 0 {
		t.IntervalSeconds = intervalSeconds
	}
	if t.MaxAgeSeconds == 0 {
		t.MaxAgeSeconds = 4 * t.IntervalSeconds
		if t.MaxAgeSeconds < 3600 {
			t.MaxAgeSeconds = 3600
		}
	}
}

// resolveEnvSecrets fills credentials that the file leaves empty:
// <BROKER>_API_KEY / <BROKER>_API_SECRET for every broker a scope
// references, and TELEGRAM_BOT_TOKEN / TELEGRAM_CHAT_IDS for the
// operator channel.
func resolveEnvSecrets(cfg *Config) error {
	if cfg.Brokers == nil {
		cfg.Brokers = make(map[string]BrokerConfig)
	}
	for _, sc := range cfg.Scopes {
		name := strings.ToLower(sc.Broker)
		if name == "" {
			continue
		}
		bc := cfg.Brokers[name]
		prefix := strings.ToUpper(name)
		if bc.APIKey == "" {
			bc.APIKey = os.Getenv(prefix + "_API_KEY")
		}
		if bc.APISecret == "" {
			bc.APISecret = os.Getenv(prefix + "_API_SECRET")
		}
		cfg.Brokers[name] = bc
	}

	if cfg.Telegram.Enabled {
		if cfg.Telegram.BotToken == "" {
			cfg.Telegram.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
		}
		if len(cfg.Telegram.ChatIDs) == 0 {
			raw := os.Getenv("TELEGRAM_CHAT_IDS")
			for _, part := range strings.Split(raw, ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				id, err := strconv.ParseInt(part, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid TELEGRAM_CHAT_IDS entry %q: %w", part, err)
				}
				cfg.Telegram.ChatIDs = append(cfg.Telegram.ChatIDs, id)
			}
		}
	}

	return nil
}

// BrokerFor returns the broker settings for a scope's broker, zero-valued
// when the broker has no entry.
func (c *Config) BrokerFor(name string) BrokerConfig {
	return c.Brokers[strings.ToLower(name)]
}
