package main

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/quarterdeck-io/quarterdeck/internal/eventlog"
	"github.com/quarterdeck-io/quarterdeck/internal/governance"
	"github.com/quarterdeck-io/quarterdeck/internal/universe"
	"github.com/quarterdeck-io/quarterdeck/internal/validation"
)

func proposalsCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proposals",
		Short: "Inspect, approve, and apply governance proposals",
	}
	cmd.AddCommand(proposalsListCmd())
	cmd.AddCommand(proposalsShowCmd())
	cmd.AddCommand(proposalsApproveCmd())
	cmd.AddCommand(proposalsApplyCmd(ctx))
	return cmd
}

func proposalsListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			tgt, err := resolveTarget()
			if err != nil {
				return err
			}

			store := governance.NewStore(tgt.layout, proposalExpiry(tgt.sc))
			bundles, skipped, err := store.List()
			if err != nil {
				return err
			}

			t := newTable(fmt.Sprintf("GOVERNANCE PROPOSALS (%s)", tgt.scope.Slug()))
			t.AppendHeader(table.Row{"ID", "Type", "Symbols", "Stage", "Recommendation", "Confidence", "Status"})
			shown := 0
			for _, b := range bundles {
				status := proposalStatus(b)
				if !all && (status == "expired" || strings.HasPrefix(status, "approved")) {
					continue
				}
				rec, conf := "-", "-"
				if b.Synthesis != nil {
					rec = string(b.Synthesis.FinalRecommendation)
					conf = fmt.Sprintf("%.2f", b.Synthesis.Confidence)
				}
				t.AppendRow(table.Row{
					shortID(b.Proposal.ProposalID),
					string(b.Proposal.ProposalType),
					strings.Join(b.Proposal.Symbols, " "),
					bundleStage(b),
					rec, conf, status,
				})
				shown++
			}
			t.Render()

			if shown == 0 {
				fmt.Println("No open proposals (use --all to include approved and expired)")
			}
			if skipped > 0 {
				fmt.Printf("Warning: %d proposal directories were unreadable or order-violating\n", skipped)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include approved and expired proposals")
	return cmd
}

func proposalsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <proposal-id>",
		Short: "Show every artifact of one proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tgt, err := resolveTarget()
			if err != nil {
				return err
			}

			store := governance.NewStore(tgt.layout, proposalExpiry(tgt.sc))
			id, err := resolveProposalID(store, args[0])
			if err != nil {
				return err
			}
			b, err := store.Load(id)
			if err != nil {
				return err
			}

			p := b.Proposal
			t := newTable("PROPOSAL")
			t.AppendRows([]table.Row{
				{"ID", p.ProposalID},
				{"Type", string(p.ProposalType)},
				{"Environment", p.Environment},
				{"Symbols", strings.Join(p.Symbols, " ")},
				{"Rationale", p.Rationale},
				{"Risk notes", p.RiskNotes},
				{"Confidence", fmt.Sprintf("%.2f", p.Confidence)},
				{"Non-binding", p.NonBinding},
				{"Created", p.CreatedAt},
				{"Status", proposalStatus(b)},
			})
			t.SetColumnConfigs([]table.ColumnConfig{{Number: 2, WidthMax: 72}})
			t.Render()

			if len(p.Evidence.DeadSymbols) > 0 || len(p.Evidence.ScanStarvation) > 0 || p.Evidence.PerformanceNotes != "" {
				et := newTable("EVIDENCE")
				et.AppendRows([]table.Row{
					{"Missed signals", p.Evidence.MissedSignals},
					{"Scan starvation", strings.Join(p.Evidence.ScanStarvation, " ")},
					{"Dead symbols", strings.Join(p.Evidence.DeadSymbols, " ")},
					{"Performance", p.Evidence.PerformanceNotes},
				})
				et.SetColumnConfigs([]table.ColumnConfig{{Number: 2, WidthMax: 72}})
				et.Render()
			}

			if b.Critique != nil {
				ct := newTable("CRITIQUE")
				ct.AppendRows([]table.Row{
					{"Verdict", string(b.Critique.Verdict)},
					{"Criticisms", strings.Join(b.Critique.Criticisms, "; ")},
					{"Penalty", fmt.Sprintf("%.2f", b.Critique.ConfidencePenalty)},
					{"Adjusted confidence", fmt.Sprintf("%.2f", b.Critique.AdjustedConfidence)},
				})
				ct.SetColumnConfigs([]table.ColumnConfig{{Number: 2, WidthMax: 72}})
				ct.Render()
			}

			if b.Audit != nil {
				at := newTable("CONSTITUTIONAL AUDIT")
				at.AppendRow(table.Row{"Passed", b.Audit.ConstitutionPassed})
				for _, v := range b.Audit.Violations {
					at.AppendRow(table.Row{string(v.Severity), fmt.Sprintf("%s: %s", v.RuleName, v.Violation)})
				}
				at.SetColumnConfigs([]table.ColumnConfig{{Number: 2, WidthMax: 72}})
				at.Render()
			}

			if b.Synthesis != nil {
				st := newTable("SYNTHESIS")
				st.AppendRows([]table.Row{
					{"Recommendation", string(b.Synthesis.FinalRecommendation)},
					{"Confidence", fmt.Sprintf("%.2f", b.Synthesis.Confidence)},
					{"Summary", b.Synthesis.Summary},
					{"Key risks", strings.Join(b.Synthesis.KeyRisks, "; ")},
				})
				st.SetColumnConfigs([]table.ColumnConfig{{Number: 2, WidthMax: 72}})
				st.Render()
			}

			if b.Approval != nil {
				apt := newTable("APPROVAL")
				apt.AppendRows([]table.Row{
					{"Approved by", b.Approval.ApprovedBy},
					{"Approved at", b.Approval.ApprovedAt},
					{"Notes", orDash(b.Approval.Notes)},
				})
				apt.Render()
			}
			return nil
		},
	}
}

func proposalsApproveCmd() *cobra.Command {
	var approvedBy, notes string
	cmd := &cobra.Command{
		Use:   "approve <proposal-id>",
		Short: "Record the operator approval that makes a proposal actionable",
		Long:  "Writes approval.json into the proposal directory. This is the only writer of approvals; the pipeline itself never creates them.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tgt, err := resolveTarget()
			if err != nil {
				return err
			}
			if tgt.cfg.Flags.PhaseGDryRun {
				return fmt.Errorf("phase_g_dry_run is set: the pipeline runs in shadow mode and proposals cannot be approved; clear the flag to enable the operator flow")
			}
			if approvedBy == "" {
				approvedBy = currentUser()
			}
			notes = validation.SanitizeInput(notes)

			v := validation.NewValidator()
			v.Required("approved_by", approvedBy)
			v.MaxLength("approved_by", approvedBy, 120)
			v.MaxLength("notes", notes, 2000)
			if v.HasErrors() {
				return v.Errors()
			}

			store := governance.NewStore(tgt.layout, proposalExpiry(tgt.sc))
			id, err := resolveProposalID(store, args[0])
			if err != nil {
				return err
			}
			ap := governance.Approval{
				ProposalID: id,
				ApprovedBy: approvedBy,
				Notes:      notes,
			}
			if err := store.RecordApproval(ap); err != nil {
				return err
			}

			fmt.Printf("Proposal %s approved by %s\n", shortID(id), approvedBy)
			fmt.Println("Run 'opsctl proposals apply' to fold an approved symbol change into the universe.")
			return nil
		},
	}
	cmd.Flags().StringVar(&approvedBy, "by", "", "approver name (default: current OS user)")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form approval notes")
	return cmd
}

func proposalsApplyCmd(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <proposal-id>",
		Short: "Apply an approved symbol proposal to the active universe",
		Long:  "Folds an approved ADD_SYMBOLS or REMOVE_SYMBOLS proposal into the active universe. Guardrails still apply; a violating change is discarded whole.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tgt, err := resolveTarget()
			if err != nil {
				return err
			}

			store := governance.NewStore(tgt.layout, proposalExpiry(tgt.sc))
			id, err := resolveProposalID(store, args[0])
			if err != nil {
				return err
			}
			b, err := store.Load(id)
			if err != nil {
				return err
			}
			if !b.Actionable() {
				return fmt.Errorf("proposal %s has no approval artifact; only approved proposals may be applied", shortID(id))
			}

			var change universe.ChangeSet
			switch b.Proposal.ProposalType {
			case governance.ProposalAddSymbols:
				change.Additions = b.Proposal.Symbols
			case governance.ProposalRemoveSymbols:
				change.Removals = b.Proposal.Symbols
			default:
				return fmt.Errorf("proposal type %s does not change universe membership; apply it by adjusting configuration", b.Proposal.ProposalType)
			}

			events := eventlog.NewLogger(tgt.layout, tgt.scope, nil)
			manager, err := universe.NewManager(tgt.scope, tgt.layout, events, universeConfig(tgt.sc))
			if err != nil {
				return err
			}

			report, err := manager.ApplyChangeSet(ctx, change)
			if err != nil {
				return err
			}

			if !report.Applied {
				fmt.Println("Change set discarded by guardrails:")
				for _, v := range report.Violations {
					fmt.Printf("  %s: %s\n", v.Rule, v.Detail)
				}
				return fmt.Errorf("proposal %s not applied", shortID(id))
			}

			fmt.Printf("Applied proposal %s: universe %d -> %d symbols\n",
				shortID(id), report.SizeBefore, report.SizeAfter)
			if len(change.Additions) > 0 {
				fmt.Printf("  added:   %s\n", strings.Join(change.Additions, " "))
			}
			if len(change.Removals) > 0 {
				fmt.Printf("  removed: %s\n", strings.Join(change.Removals, " "))
			}
			return nil
		},
	}
}

// resolveProposalID expands a full or prefix id to exactly one stored
// proposal, so the short ids printed by 'proposals list' can be typed
// back. Ambiguous prefixes are refused rather than guessed.
func resolveProposalID(store *governance.Store, arg string) (string, error) {
	if !validation.IsArtifactID(arg) {
		return "", fmt.Errorf("proposal id %q is not a valid id or prefix", arg)
	}
	bundles, _, err := store.List()
	if err != nil {
		return "", err
	}
	var matches []string
	for _, b := range bundles {
		id := b.Proposal.ProposalID
		if id == arg {
			return id, nil
		}
		if strings.HasPrefix(id, arg) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no proposal matches %q", arg)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q matches %d proposals; use more characters", arg, len(matches))
	}
}

// bundleStage names the furthest pipeline stage the bundle reached.
func bundleStage(b *governance.Bundle) string {
	switch {
	case b.Synthesis != nil:
		return "synthesis"
	case b.Audit != nil:
		return "audit"
	case b.Critique != nil:
		return "critique"
	default:
		return "proposal"
	}
}

func proposalStatus(b *governance.Bundle) string {
	switch {
	case b.Approval != nil:
		return "approved by " + b.Approval.ApprovedBy
	case b.Expired:
		return "expired"
	default:
		return "open"
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if host, err := os.Hostname(); err == nil {
		return "operator@" + host
	}
	return "operator"
}
