package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/quarterdeck-io/quarterdeck/internal/config"
	"github.com/quarterdeck-io/quarterdeck/internal/governance"
	"github.com/quarterdeck-io/quarterdeck/internal/ops"
	"github.com/quarterdeck-io/quarterdeck/internal/scheduler"
	"github.com/quarterdeck-io/quarterdeck/internal/timeutil"
)

// taskHealth is the offline staleness view computed from the persisted
// scheduler registry, so the CLI answers without a running daemon.
type taskHealth struct {
	Task                string
	LastSuccessAt       string
	Age                 time.Duration
	MaxAge              time.Duration
	Stale               bool
	ConsecutiveFailures int
	LastError           string
}

// scopeTaskHealth joins the persisted registry against the configured
// cadences. A task with no recorded success is stale by definition.
func scopeTaskHealth(tgt *target, now time.Time) ([]taskHealth, error) {
	states, err := scheduler.LoadRegistry(tgt.layout)
	if err != nil {
		return nil, err
	}

	maxAges := map[string]time.Duration{
		"reconciliation": tgt.sc.Cadence.Reconciliation.MaxAge(),
		"regime":         tgt.sc.Cadence.Regime.MaxAge(),
		"universe":       tgt.sc.Cadence.Universe.MaxAge(),
		"governance":     tgt.sc.Cadence.Governance.MaxAge(),
	}

	names := make([]string, 0, len(maxAges))
	for name := range maxAges {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]taskHealth, 0, len(names))
	for _, name := range names {
		h := taskHealth{Task: name, MaxAge: maxAges[name], Stale: true}
		if st, ok := states[name]; ok {
			h.LastSuccessAt = st.LastSuccessAt
			h.ConsecutiveFailures = st.ConsecutiveFailures
			h.LastError = st.LastError
			if ts, perr := timeutil.Parse(st.LastSuccessAt); perr == nil {
				h.Age = now.Sub(ts)
				h.Stale = h.Age > h.MaxAge
			}
		}
		out = append(out, h)
	}
	return out, nil
}

func stalenessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "staleness",
		Short: "Show per-task staleness from the persisted run registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			tgt, err := resolveTarget()
			if err != nil {
				return err
			}

			health, err := scopeTaskHealth(tgt, time.Now().UTC())
			if err != nil {
				return err
			}

			t := newTable(fmt.Sprintf("TASK STALENESS (%s)", tgt.scope.Slug()))
			t.AppendHeader(table.Row{"Task", "Last Success", "Age", "Max Age", "Stale", "Failures", "Last Error"})
			stale := 0
			for _, h := range health {
				age := "-"
				if h.LastSuccessAt != "" {
					age = h.Age.Round(time.Second).String()
				}
				flag := ""
				if h.Stale {
					flag = "STALE"
					stale++
				}
				t.AppendRow(table.Row{
					h.Task, orDash(h.LastSuccessAt), age, h.MaxAge,
					flag, h.ConsecutiveFailures, truncate(h.LastError, 48),
				})
			}
			t.Render()

			if stale > 0 {
				fmt.Printf("\n%d of %d tasks stale\n", stale, len(health))
			}
			return nil
		},
	}
}

func snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Print the operator snapshot for a scope",
		Long:  "Builds the snapshot fresh from persisted state, the same summary the daemon writes to observability/latest_snapshot.json each reconciliation cycle.",
		RunE: func(cmd *cobra.Command, args []string) error {
			tgt, err := resolveTarget()
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			handle := ops.ScopeHandle{
				Scope:     tgt.scope,
				Layout:    tgt.layout,
				Proposals: governance.NewStore(tgt.layout, proposalExpiry(tgt.sc)),
			}
			snap := ops.BuildSnapshot(handle, now)

			// The handle has no live scheduler; staleness comes from the
			// persisted registry instead.
			if health, herr := scopeTaskHealth(tgt, now); herr == nil {
				for _, h := range health {
					if h.Stale {
						snap.StaleTasks = append(snap.StaleTasks, h.Task)
					}
				}
			}

			out, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func proposalExpiry(sc config.ScopeConfig) time.Duration {
	return time.Duration(sc.ProposalExpiryHours) * time.Hour
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
