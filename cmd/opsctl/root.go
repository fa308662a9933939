package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/quarterdeck-io/quarterdeck/internal/config"
	"github.com/quarterdeck-io/quarterdeck/internal/scope"
	"github.com/quarterdeck-io/quarterdeck/internal/universe"
)

var (
	flagConfig string
	flagScope  string
)

// Execute builds the command tree and runs it. Every command reads the
// same config file the control plane runs from, so the CLI always looks
// at the state the daemon writes.
func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:           "opsctl",
		Short:         "Operator console for the trading control plane",
		Long:          "opsctl inspects persisted scope state and drives the operator-only flows: proposal approval and approved change application.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file (default: ./configs/config.yaml)")
	root.PersistentFlags().StringVar(&flagScope, "scope", "", "scope slug, e.g. paper-alpaca-us_equities-us (optional when one scope is configured)")

	root.AddCommand(scopesCmd())
	root.AddCommand(positionsCmd())
	root.AddCommand(cursorCmd())
	root.AddCommand(universeCmd())
	root.AddCommand(regimeCmd())
	root.AddCommand(stalenessCmd())
	root.AddCommand(snapshotCmd())
	root.AddCommand(proposalsCmd(ctx))
	root.AddCommand(tradesCmd(ctx))
	root.AddCommand(policyCmd(ctx))
	root.AddCommand(runCmd(ctx))

	return root.ExecuteContext(ctx)
}

// target is the resolved scope a command operates on.
type target struct {
	cfg    *config.Config
	sc     config.ScopeConfig
	scope  scope.Scope
	layout scope.Layout
}

// loadSharedConfig loads the config file without resolving a scope.
func loadSharedConfig() (*config.Config, error) {
	return config.ValidateAndLoad(flagConfig)
}

// resolveTarget loads the config and picks the scope named by --scope,
// defaulting to the only configured scope.
func resolveTarget() (*target, error) {
	cfg, err := loadSharedConfig()
	if err != nil {
		return nil, err
	}

	var picked *config.ScopeConfig
	switch {
	case flagScope != "":
		for i := range cfg.Scopes {
			if cfg.Scopes[i].Slug() == strings.ToLower(flagScope) {
				picked = &cfg.Scopes[i]
				break
			}
		}
		if picked == nil {
			return nil, fmt.Errorf("scope %q is not configured (known: %s)", flagScope, strings.Join(scopeSlugs(cfg), ", "))
		}
	case len(cfg.Scopes) == 1:
		picked = &cfg.Scopes[0]
	default:
		return nil, fmt.Errorf("--scope is required with %d scopes configured (known: %s)", len(cfg.Scopes), strings.Join(scopeSlugs(cfg), ", "))
	}

	s, err := scope.New(scope.Env(strings.ToLower(picked.Env)), picked.Broker, picked.Market, picked.Region)
	if err != nil {
		return nil, err
	}
	return &target{
		cfg:    cfg,
		sc:     *picked,
		scope:  s,
		layout: scope.NewLayout(cfg.PersistRoot, s),
	}, nil
}

func scopeSlugs(cfg *config.Config) []string {
	out := make([]string, 0, len(cfg.Scopes))
	for _, sc := range cfg.Scopes {
		out = append(out, sc.Slug())
	}
	return out
}

// universeConfig converts the config section into the manager's type.
func universeConfig(sc config.ScopeConfig) universe.Config {
	return universe.Config{
		MinSize:                 sc.Universe.MinSize,
		MaxSize:                 sc.Universe.MaxSize,
		MaxAdditionsPerCycle:    sc.Universe.MaxAdditionsPerCycle,
		MaxRemovalsPerCycle:     sc.Universe.MaxRemovalsPerCycle,
		MinScoreToAdd:           sc.Universe.MinScoreToAdd,
		MaxScoreToRemove:        sc.Universe.MaxScoreToRemove,
		CooldownDaysAfterRemove: sc.Universe.CooldownDaysAfterRemove,
		Watchlist:               sc.Universe.Watchlist,
	}
}

// newTable returns a writer in the house style: rounded borders,
// stdout, optional title.
func newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	if title != "" {
		t.SetTitle(title)
	}
	return t
}
