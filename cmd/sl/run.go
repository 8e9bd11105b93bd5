package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"storyline/internal/dispatch"
	"storyline/internal/domain"
	"storyline/internal/registry"
)

// unitExitCode maps a finished unit run to the run-unit exit codes.
func unitExitCode(o domain.Outcome) int {
	switch o {
	case domain.OutcomeDone, domain.OutcomeDryRun:
		return exitOK
	case domain.OutcomeTimeout:
		return exitTimeout
	case domain.OutcomeAborted:
		return exitInterrupted
	default:
		return exitIntervention
	}
}

// groupExitCode picks the most severe outcome across failures. A unit that
// needs a human outranks a timeout.
func groupExitCode(results []domain.GroupResult) int {
	code := exitOK
	for _, g := range results {
		for _, f := range g.Failed {
			switch c := unitExitCode(f.Outcome); {
			case c == exitInterrupted:
				return c
			case c == exitIntervention:
				code = exitIntervention
			case c == exitTimeout && code == exitOK:
				code = exitTimeout
			}
		}
	}
	return code
}

func describeUnit(res domain.UnitResult) string {
	var b strings.Builder
	switch res.Outcome {
	case domain.OutcomeDone:
		fmt.Fprintf(&b, "%s %s completed", text.FgGreen.Sprint("✓"), res.UnitID)
	case domain.OutcomeDryRun:
		fmt.Fprintf(&b, "%s %s dry run: %s", text.FgYellow.Sprint("·"), res.UnitID, res.Reason)
	default:
		fmt.Fprintf(&b, "%s %s %s", text.FgRed.Sprint("✗"), res.UnitID, strings.ReplaceAll(string(res.Outcome), "_", " "))
		if res.Phase != "" {
			fmt.Fprintf(&b, " during %s", res.Phase)
		}
		if res.Reason != "" {
			fmt.Fprintf(&b, ": %s", res.Reason)
		}
	}
	if len(res.Phases) > 0 {
		phases := make([]string, len(res.Phases))
		for i, p := range res.Phases {
			phases[i] = string(p)
		}
		fmt.Fprintf(&b, " (phases: %s)", strings.Join(phases, ", "))
	}
	return b.String()
}

func (c *cli) nextCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Dispatch the next recommended action",
		Long:  "Plans over the whole project, skipping stories other instances hold, and dispatches one phase.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(dryRun)
			if err != nil {
				return err
			}
			defer a.Close()
			r, err := a.Runner(cmd.Context())
			if err != nil {
				return exitf(exitFailure, "next: %v", err)
			}
			res, err := r.Next(cmd.Context())
			if c.jsonOutput() {
				_ = printJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			switch {
			case err != nil && errors.Is(err, dispatch.ErrAborted):
				return exitf(exitInterrupted, "next: %s %s interrupted", res.Phase, res.UnitID)
			case err != nil:
				return exitf(exitFailure, "next: %v", err)
			case res.Outcome == domain.OutcomeNothingToDo:
				if !c.jsonOutput() {
					fmt.Fprintln(out, "Nothing to do.")
				}
				return exitf(exitNothingToDo, "")
			case !c.jsonOutput() && res.Outcome == domain.OutcomeDryRun:
				fmt.Fprintf(out, "Would run %s for %s:\n  %s\n", res.Phase, res.UnitID, res.Message)
			case !c.jsonOutput():
				fmt.Fprintf(out, "%s %s for %s: %s → %s\n", text.FgGreen.Sprint("✓"), res.Phase, res.UnitID, res.FromStatus, res.ToStatus)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the worker command without running it")
	return cmd
}

func (c *cli) runUnitCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:     "run-unit <story-id>",
		Aliases: []string{"run-story"},
		Short:   "Run a single story through to completion",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(dryRun)
			if err != nil {
				return err
			}
			defer a.Close()
			r, err := a.Runner(cmd.Context())
			if err != nil {
				return exitf(exitFailure, "run-unit: %v", err)
			}
			res, err := r.RunUnit(cmd.Context(), args[0])
			if res.Outcome == "" {
				return exitf(exitFailure, "run-unit %s: %v", args[0], err)
			}
			return c.reportUnit(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the first phase without running it")
	return cmd
}

func (c *cli) reportUnit(out io.Writer, res domain.UnitResult) error {
	if c.jsonOutput() {
		_ = printJSON(out, res)
	} else {
		fmt.Fprintln(out, describeUnit(res))
	}
	if code := unitExitCode(res.Outcome); code != exitOK {
		return exitf(code, "")
	}
	return nil
}

func (c *cli) runGroupCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:     "run-group <group-id>",
		Aliases: []string{"run-epic"},
		Short:   "Run every story of a group in order",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(dryRun)
			if err != nil {
				return err
			}
			defer a.Close()
			r, err := a.Runner(cmd.Context())
			if err != nil {
				return exitf(exitFailure, "run-group: %v", err)
			}
			gid := args[0]
			if !strings.HasPrefix(gid, domain.GroupPrefix) {
				gid = domain.GroupPrefix + gid
			}
			res, err := r.RunGroup(cmd.Context(), gid)
			if err != nil && !errors.Is(err, dispatch.ErrAborted) && len(res.Completed)+len(res.Failed) == 0 {
				return exitf(exitFailure, "run-group %s: %v", gid, err)
			}
			return c.reportGroups(cmd.OutOrStdout(), []domain.GroupResult{res}, err)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the first phase of each story without running it")
	return cmd
}

func (c *cli) runAllCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run-all",
		Short: "Run every unfinished group",
		Long:  "Group order and concurrency come from lifecycle.group_order and lifecycle.group_concurrency.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(dryRun)
			if err != nil {
				return err
			}
			defer a.Close()
			r, err := a.Runner(cmd.Context())
			if err != nil {
				return exitf(exitFailure, "run-all: %v", err)
			}
			res, err := r.RunAll(cmd.Context())
			if err != nil && !errors.Is(err, dispatch.ErrAborted) && len(res) == 0 {
				return exitf(exitFailure, "run-all: %v", err)
			}
			return c.reportGroups(cmd.OutOrStdout(), res, err)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the first phase of each story without running it")
	return cmd
}

func (c *cli) reportGroups(out io.Writer, results []domain.GroupResult, runErr error) error {
	if c.jsonOutput() {
		_ = printJSON(out, results)
	} else {
		tw := table.NewWriter()
		tw.SetOutputMirror(out)
		tw.AppendHeader(table.Row{"Group", "Completed", "Failed", "Skipped"})
		var failures []domain.GroupFailure
		for _, g := range results {
			tw.AppendRow(table.Row{g.GroupID, len(g.Completed), len(g.Failed), len(g.Skipped)})
			failures = append(failures, g.Failed...)
		}
		tw.Render()
		for _, f := range failures {
			fmt.Fprintln(out, describeUnit(domain.UnitResult{UnitID: f.UnitID, Outcome: f.Outcome, Phase: f.Phase, Reason: f.Reason}))
		}
	}
	if errors.Is(runErr, dispatch.ErrAborted) {
		return exitf(exitInterrupted, "interrupted")
	}
	if runErr != nil {
		return exitf(exitFailure, "%v", runErr)
	}
	if code := groupExitCode(results); code != exitOK {
		return exitf(code, "")
	}
	return nil
}

func (c *cli) restartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart <dispatch-id>",
		Short: "Reclaim a stale dispatch and run its story again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(false)
			if err != nil {
				return err
			}
			defer a.Close()
			r, err := a.Runner(cmd.Context())
			if err != nil {
				return exitf(exitFailure, "restart: %v", err)
			}
			res, err := r.Restart(cmd.Context(), args[0])
			switch {
			case errors.Is(err, registry.ErrNotStale):
				return exitf(exitFailure, "restart: %v", err)
			case errors.Is(err, registry.ErrNotFound):
				return exitf(exitFailure, "restart: no dispatch %s", args[0])
			case res.Outcome == "":
				return exitf(exitFailure, "restart: %v", err)
			}
			return c.reportUnit(cmd.OutOrStdout(), res)
		},
	}
	return cmd
}

func warnf(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, text.FgYellow.Sprint("⚠ ")+format+"\n", args...)
}
