// Package scope defines the (env, broker, market, region) tuple that
// namespaces every piece of durable state in the control plane.
package scope

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Env selects paper or live trading for a scope.
type Env string

const (
	EnvPaper Env = "paper"
	EnvLive  Env = "live"
)

// Valid reports whether the environment is one of the supported values.
func (e Env) Valid() bool {
	return e == EnvPaper || e == EnvLive
}

// Scope identifies one independent trading universe. All persistent state
// for a scope lives under <root>/<slug>/. A Scope is created once at
// process start and never mutated afterwards.
type Scope struct {
	Env    Env    `json:"env"`
	Broker string `json:"broker"`
	Market string `json:"market"`
	Region string `json:"region"`
}

// New validates the tuple and returns an immutable Scope.
func New(env Env, broker, market, region string) (Scope, error) {
	if !env.Valid() {
		return Scope{}, fmt.Errorf("invalid scope env %q (want paper or live)", env)
	}
	for _, part := range []struct{ name, val string }{
		{"broker", broker},
		{"market", market},
		{"region", region},
	} {
		if part.val == "" {
			return Scope{}, fmt.Errorf("scope %s must not be empty", part.name)
		}
		if strings.ContainsAny(part.val, "/\\ ") {
			return Scope{}, fmt.Errorf("scope %s %q must not contain path separators or spaces", part.name, part.val)
		}
	}
	return Scope{
		Env:    env,
		Broker: strings.ToLower(broker),
		Market: strings.ToLower(market),
		Region: strings.ToLower(region),
	}, nil
}

// MustNew is New for static scope literals in tests and fixtures.
func MustNew(env Env, broker, market, region string) Scope {
	s, err := New(env, broker, market, region)
	if err != nil {
		panic(err)
	}
	return s
}

// Slug returns the directory-safe identity of the scope,
// e.g. "paper-alpaca-us_equities-us".
func (s Scope) Slug() string {
	return strings.Join([]string{string(s.Env), s.Broker, s.Market, s.Region}, "-")
}

// String implements fmt.Stringer for log fields.
func (s Scope) String() string { return s.Slug() }

// IsLive reports whether the scope trades against a live account.
func (s Scope) IsLive() bool { return s.Env == EnvLive }

// Layout resolves every persisted path for one scope. The directory names
// are a stable on-disk contract; readers outside this process depend on
// them.
type Layout struct {
	Root string // <persist_root>/<scope-slug>
}

// NewLayout roots a layout for the scope under persistRoot.
func NewLayout(persistRoot string, s Scope) Layout {
	return Layout{Root: filepath.Join(persistRoot, s.Slug())}
}

// State files (authoritative, overwritten atomically).

func (l Layout) OpenPositionsFile() string { return filepath.Join(l.Root, "state", "open_positions.json") }
func (l Layout) CursorFile() string {
	return filepath.Join(l.Root, "state", "reconciliation_cursor.json")
}
func (l Layout) BrokerStateFile() string { return filepath.Join(l.Root, "state", "broker_state.json") }
func (l Layout) SchedulerRunsFile() string {
	return filepath.Join(l.Root, "state", "scheduler_runs.json")
}

// Legacy ledger location. Read-only fallback for position queries; the
// engine never writes here.

func (l Layout) LegacyPositionsFile() string {
	return filepath.Join(l.Root, "ledger", "open_positions.json")
}
func (l Layout) TradesLog() string { return filepath.Join(l.Root, "ledger", "trades.jsonl") }

// Append-only logs.

func (l Layout) DailySummaryLog() string { return filepath.Join(l.Root, "logs", "daily_summary.jsonl") }
func (l Layout) ErrorsLog() string       { return filepath.Join(l.Root, "logs", "errors.jsonl") }
func (l Layout) AdvisorCallsLog() string {
	return filepath.Join(l.Root, "logs", "ai_advisor_calls.jsonl")
}
func (l Layout) DecisionsLog() string { return filepath.Join(l.Root, "logs", "decisions.jsonl") }

// Observability snapshot, overwritten each cycle.

func (l Layout) SnapshotFile() string {
	return filepath.Join(l.Root, "observability", "latest_snapshot.json")
}

// Governance artifacts.

func (l Layout) ProposalsDir() string { return filepath.Join(l.Root, "governance", "proposals") }
func (l Layout) ProposalDir(id string) string {
	return filepath.Join(l.ProposalsDir(), id)
}
func (l Layout) GovernanceEventsLog() string {
	return filepath.Join(l.Root, "governance", "logs", "governance_events.jsonl")
}

// Universe state.

func (l Layout) ActiveUniverseFile() string {
	return filepath.Join(l.Root, "universe", "active_universe.json")
}
func (l Layout) CooldownsFile() string { return filepath.Join(l.Root, "universe", "cooldowns.json") }
func (l Layout) UniverseDecisionsLog() string {
	return filepath.Join(l.Root, "universe", "decisions.jsonl")
}
func (l Layout) ScoringHistoryLog() string {
	return filepath.Join(l.Root, "universe", "scoring_history.jsonl")
}

// Regime state.

func (l Layout) RegimeRunsLog() string  { return filepath.Join(l.Root, "regime", "runs.jsonl") }
func (l Layout) RegimeStateFile() string { return filepath.Join(l.Root, "regime", "run_state.json") }

// EnsureDirs creates the directory tree for the scope. Called once at
// startup; a failure here is an unrecoverable persistence error.
func (l Layout) EnsureDirs() error {
	dirs := []string{
		filepath.Join(l.Root, "state"),
		filepath.Join(l.Root, "ledger"),
		filepath.Join(l.Root, "logs"),
		filepath.Join(l.Root, "observability"),
		l.ProposalsDir(),
		filepath.Join(l.Root, "governance", "logs"),
		filepath.Join(l.Root, "universe"),
		filepath.Join(l.Root, "regime"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("failed to create scope directory %s: %w", d, err)
		}
	}
	return nil
}
