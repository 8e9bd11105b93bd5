package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"storyline/internal/config"
	"storyline/internal/domain"
	"storyline/internal/registry"
	"storyline/internal/repo"
	"storyline/internal/signal"
)

func age(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Truncate(time.Second).String()
}

func (c *cli) auditCmd() *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List stale dispatch records and dead locks",
		Long: `A dispatch is stale when its heartbeat is older than registry.stale_after.
With --fix, stale records and locks whose owning process is gone on this host
are removed. Live claims are never touched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(false)
			if err != nil {
				return err
			}
			defer a.Close()
			stale, err := a.Registry.Audit()
			if err != nil {
				return exitf(exitFailure, "audit: %v", err)
			}
			locks, err := a.Signals.ListLocks()
			if err != nil {
				return exitf(exitFailure, "audit: %v", err)
			}
			var dead []domain.LockRecord
			for _, l := range locks {
				if !signal.ProcessAlive(l.OwnerPID) {
					dead = append(dead, l)
				}
			}
			out := cmd.OutOrStdout()
			if c.jsonOutput() {
				_ = printJSON(out, map[string]any{"stale_dispatches": stale, "dead_locks": dead, "fixed": fix})
			} else {
				now := time.Now()
				if len(stale) == 0 && len(dead) == 0 {
					fmt.Fprintln(out, text.FgGreen.Sprint("✓")+" no stale dispatches")
				}
				if len(stale) > 0 {
					tw := table.NewWriter()
					tw.SetOutputMirror(out)
					tw.AppendHeader(table.Row{"Dispatch", "Unit", "Instance", "Phase", "Last heartbeat"})
					for _, rec := range stale {
						tw.AppendRow(table.Row{rec.DispatchID, rec.UnitID, rec.Instance, rec.Phase, age(now, rec.LastHeartbeat) + " ago"})
					}
					tw.Render()
				}
				for _, l := range dead {
					warnf(out, "lock for %s held by dead process %d", l.UnitID, l.OwnerPID)
				}
			}
			if !fix {
				return nil
			}
			j, journalErr := a.Journal(cmd.Context())
			for _, rec := range stale {
				if err := a.Registry.Clear(rec.UnitID, false); err != nil {
					warnf(cmd.ErrOrStderr(), "could not clear %s: %v", rec.UnitID, err)
					continue
				}
				if journalErr == nil {
					j.Record(cmd.Context(), domain.EventClaimCleared, rec.UnitID, rec.Phase, map[string]any{"dispatch_id": rec.DispatchID, "reason": "stale"})
				}
				if !c.jsonOutput() {
					fmt.Fprintf(out, "cleared %s (%s)\n", rec.DispatchID, rec.UnitID)
				}
			}
			for _, l := range dead {
				if err := a.Signals.RemoveLock(l.UnitID); err != nil {
					warnf(cmd.ErrOrStderr(), "could not remove lock %s: %v", l.UnitID, err)
					continue
				}
				_ = a.Signals.ClearSignal(l.UnitID)
				if !c.jsonOutput() {
					fmt.Fprintf(out, "removed lock %s\n", l.UnitID)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "remove stale records and dead locks")
	return cmd
}

func (c *cli) clearCmd() *cobra.Command {
	var all, force bool
	cmd := &cobra.Command{
		Use:     "clear [story-id]",
		Aliases: []string{"clear-dispatch"},
		Short:   "Clear dispatch records",
		Long:    "Without arguments lists the records. Live claims are only cleared with --force.",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(false)
			if err != nil {
				return err
			}
			defer a.Close()
			recs, err := a.Registry.List()
			if err != nil {
				return exitf(exitFailure, "clear: %v", err)
			}
			out := cmd.OutOrStdout()
			var targets []domain.DispatchRecord
			switch {
			case len(args) == 1:
				rec, err := a.Registry.Get(args[0])
				if errors.Is(err, registry.ErrNotFound) {
					return exitf(exitFailure, "clear: no dispatch record for %s", args[0])
				}
				if err != nil {
					return exitf(exitFailure, "clear: %v", err)
				}
				targets = []domain.DispatchRecord{rec}
			case all:
				targets = recs
			default:
				return c.printDispatches(cmd, recs, a.Registry)
			}
			j, jerr := a.Journal(cmd.Context())
			failed := 0
			for _, rec := range targets {
				if err := a.Registry.Clear(rec.UnitID, force); err != nil {
					failed++
					warnf(cmd.ErrOrStderr(), "%s: %v", rec.UnitID, err)
					continue
				}
				if jerr == nil {
					j.Record(cmd.Context(), domain.EventClaimCleared, rec.UnitID, rec.Phase, map[string]any{"dispatch_id": rec.DispatchID, "forced": force})
				}
				fmt.Fprintf(out, "cleared %s (%s)\n", rec.UnitID, rec.DispatchID)
			}
			if failed > 0 {
				return exitf(exitFailure, "%d record(s) still held; use --force to clear live claims", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "clear every record")
	cmd.Flags().BoolVar(&force, "force", false, "clear live claims too")
	return cmd
}

func (c *cli) printDispatches(cmd *cobra.Command, recs []domain.DispatchRecord, reg *registry.Registry) error {
	out := cmd.OutOrStdout()
	if c.jsonOutput() {
		return printJSON(out, recs)
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "No dispatch records.")
		return nil
	}
	now := time.Now()
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"Unit", "Dispatch", "Instance", "State", "Phase", "Heartbeat"})
	for _, rec := range recs {
		state := string(rec.State)
		if reg.Stale(rec) {
			state = text.FgRed.Sprint("stale")
		}
		tw.AppendRow(table.Row{rec.UnitID, rec.DispatchID, rec.Instance, state, rec.Phase, age(now, rec.LastHeartbeat) + " ago"})
	}
	tw.Render()
	return nil
}

func (c *cli) locksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List in-flight phase locks and pending signals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(false)
			if err != nil {
				return err
			}
			defer a.Close()
			locks, err := a.Signals.ListLocks()
			if err != nil {
				return exitf(exitFailure, "locks: %v", err)
			}
			out := cmd.OutOrStdout()
			if c.jsonOutput() {
				return printJSON(out, locks)
			}
			if len(locks) == 0 {
				fmt.Fprintln(out, "No locks.")
				return nil
			}
			now := time.Now()
			tw := table.NewWriter()
			tw.SetOutputMirror(out)
			tw.AppendHeader(table.Row{"Unit", "Phase", "Starting status", "Owner", "Worker", "Age", "Signal"})
			for _, l := range locks {
				owner := fmt.Sprint(l.OwnerPID)
				if !signal.ProcessAlive(l.OwnerPID) {
					owner = text.FgRed.Sprint(owner + " (dead)")
				}
				sig := ""
				if rec, ok, err := a.Signals.ReadSignal(l.UnitID); err == nil && ok {
					sig = fmt.Sprintf("%s → %s", rec.FromStatus, rec.ToStatus)
				}
				tw.AppendRow(table.Row{l.UnitID, l.Phase, l.StartingStatus, owner, l.WorkerPID, age(now, l.CreatedAt), sig})
			}
			tw.Render()
			return nil
		},
	}
}

func (c *cli) hookCmd() *cobra.Command {
	var unit string
	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Completion hook: signal phases whose story status changed",
		Long: `Run this from the worker's idle hook. For every lock it compares the story's
current status with the lock's starting status and writes a completion signal
when they differ. STORYLINE_UNIT narrows the check to the worker's own story.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(false)
			if err != nil {
				return err
			}
			defer a.Close()
			obs, err := a.Observer()
			if err != nil {
				return exitf(exitFailure, "hook: %v", err)
			}
			if unit == "" {
				unit = os.Getenv("STORYLINE_UNIT")
			}
			written, err := obs.Observe(cmd.Context(), unit)
			if err != nil {
				return exitf(exitFailure, "hook: %v", err)
			}
			if c.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), written)
			}
			for _, s := range written {
				fmt.Fprintf(cmd.OutOrStdout(), "signalled %s: %s → %s\n", s.UnitID, s.FromStatus, s.ToStatus)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&unit, "unit", "", "only check this story's lock")
	return cmd
}

func (c *cli) logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event journal",
	}
	var n int
	var f repo.EventFilter
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest journal events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(false)
			if err != nil {
				return err
			}
			defer a.Close()
			j, err := a.Journal(cmd.Context())
			if err != nil {
				return exitf(exitFailure, "log: %v", err)
			}
			events, err := j.Tail(cmd.Context(), n, f)
			if err != nil {
				return exitf(exitFailure, "log: %v", err)
			}
			out := cmd.OutOrStdout()
			if c.jsonOutput() {
				return printJSON(out, events)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(out)
			tw.AppendHeader(table.Row{"ID", "Time", "Type", "Unit", "Phase", "Instance", "Payload"})
			for _, e := range events {
				tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.UnitID, e.Phase, e.Instance, e.Payload})
			}
			tw.Render()
			return nil
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type, or prefix.* ")
	tail.Flags().StringVar(&f.UnitID, "unit", "", "story id")
	tail.Flags().StringVar(&f.Phase, "phase", "", "phase")
	log.AddCommand(tail)
	return log
}

func (c *cli) configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect project config",
		Long:  "storyline.yml at the project root overrides the defaults shown by 'sl config init'.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(false)
			if err != nil {
				return err
			}
			defer a.Close()
			if c.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), a.Config)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(a.Config)
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default storyline.yml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(false)
			if err != nil {
				return err
			}
			defer a.Close()
			path := config.Path(a.Root)
			if _, err := os.Stat(path); err == nil && !force {
				return exitf(exitFailure, "%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return exitf(exitFailure, "config init: %v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate storyline.yml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := c.open(false); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config OK")
			return nil
		},
	})
	return cfg
}
