package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"storyline/internal/domain"
	storylinesdk "storyline/sdk/go"
)

type nextView struct {
	UnitID   string `json:"unit_id"`
	Phase    string `json:"phase"`
	Workflow string `json:"workflow"`
}

// statusView is what `sl status` prints, built from a local snapshot or the
// HTTP API.
type statusView struct {
	Source      string              `json:"source"`
	Project     string              `json:"project,omitempty"`
	Revision    string              `json:"revision"`
	Counts      map[string]int      `json:"counts"`
	GroupCounts map[string]int      `json:"group_counts"`
	ByStatus    map[string][]string `json:"stories_by_status"`
	Blocked     map[string]string   `json:"blocked_reasons,omitempty"`
	Next        *nextView           `json:"next,omitempty"`
	Active      int                 `json:"active_dispatches"`
	Stale       []string            `json:"stale_dispatches,omitempty"`
}

func (c *cli) statusCmd() *cobra.Command {
	var stories bool
	var remote string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sprint status and the next recommended action",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				view statusView
				err  error
			)
			if remote != "" {
				view, err = c.remoteStatus(cmd, remote)
			} else {
				view, err = c.localStatus()
			}
			if err != nil {
				return err
			}
			if c.jsonOutput() {
				return printJSON(cmd.OutOrStdout(), view)
			}
			renderStatus(cmd.OutOrStdout(), view, stories)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&stories, "stories", "s", false, "list stories grouped by status")
	cmd.Flags().StringVar(&remote, "remote", "", "read status from a running `sl serve` at this URL")
	cmd.Flags().String("token", "", "bearer token for --remote (env STORYLINE_TOKEN)")
	_ = c.v.BindPFlag("token", cmd.Flags().Lookup("token"))
	return cmd
}

func (c *cli) localStatus() (statusView, error) {
	a, err := c.open(false)
	if err != nil {
		return statusView{}, err
	}
	defer a.Close()
	st, err := a.Status()
	if err != nil {
		return statusView{}, exitf(exitFailure, "status: %v", err)
	}
	snap, err := st.Load()
	if err != nil {
		return statusView{}, exitf(exitFailure, "status: %v", err)
	}
	view := statusView{
		Source:      snap.Path(),
		Project:     snap.Project(),
		Revision:    snap.Revision(),
		Counts:      map[string]int{},
		GroupCounts: map[string]int{},
		ByStatus:    map[string][]string{},
		Blocked:     map[string]string{},
	}
	for s, n := range snap.Counts() {
		view.Counts[string(s)] = n
	}
	for s, n := range snap.GroupCounts() {
		view.GroupCounts[string(s)] = n
	}
	for s, ids := range snap.ByStatus() {
		view.ByStatus[string(s)] = ids
	}
	for _, u := range snap.Stories() {
		if u.Status.Status == domain.StatusBlocked {
			view.Blocked[u.ID] = u.Status.Reason
		}
	}
	claimed, err := a.Registry.Claimed()
	if err != nil {
		return statusView{}, exitf(exitFailure, "status: %v", err)
	}
	skip := map[string]bool{}
	for id, rec := range claimed {
		skip[id] = true
		if a.Registry.Stale(rec) {
			view.Stale = append(view.Stale, rec.DispatchID)
		} else {
			view.Active++
		}
	}
	sort.Strings(view.Stale)
	if act := a.Planner.NextExcluding(snap, skip); act != nil {
		view.Next = &nextView{UnitID: act.UnitID, Phase: string(act.Phase), Workflow: act.Workflow}
	}
	return view, nil
}

func (c *cli) remoteStatus(cmd *cobra.Command, url string) (statusView, error) {
	client := storylinesdk.New(url, c.v.GetString("token"))
	ctx := cmd.Context()
	st, err := client.Status(ctx)
	if err != nil {
		return statusView{}, exitf(exitFailure, "status: %v", err)
	}
	next, err := client.Next(ctx)
	if err != nil {
		return statusView{}, exitf(exitFailure, "status: %v", err)
	}
	dispatches, err := client.Dispatches(ctx)
	if err != nil {
		return statusView{}, exitf(exitFailure, "status: %v", err)
	}
	view := statusView{
		Source:      url,
		Project:     st.Project,
		Revision:    st.Revision,
		Counts:      st.Counts,
		GroupCounts: st.GroupCounts,
		ByStatus:    map[string][]string{},
		Blocked:     map[string]string{},
	}
	for _, u := range st.Units {
		if u.Kind != string(domain.KindStory) {
			continue
		}
		view.ByStatus[u.Status] = append(view.ByStatus[u.Status], u.ID)
		if u.Reason != "" {
			view.Blocked[u.ID] = u.Reason
		}
	}
	for _, d := range dispatches {
		switch {
		case d.Stale:
			view.Stale = append(view.Stale, d.DispatchID)
		case d.State == string(domain.DispatchClaimed) || d.State == string(domain.DispatchWorking):
			view.Active++
		}
	}
	if next.Action != nil {
		view.Next = &nextView{UnitID: next.Action.UnitID, Phase: next.Action.Phase, Workflow: next.Action.Workflow}
	}
	return view, nil
}

var statusColors = map[string]text.Colors{
	string(domain.StatusDone):        {text.FgGreen},
	string(domain.StatusReview):      {text.FgCyan},
	string(domain.StatusInProgress):  {text.FgBlue},
	string(domain.StatusReadyForDev): {text.FgYellow},
	string(domain.StatusBlocked):     {text.FgRed, text.Bold},
}

func colorStatus(s string) string {
	if c, ok := statusColors[s]; ok {
		return c.Sprint(s)
	}
	return s
}

func formatCounts(counts map[string]int) string {
	var parts []string
	for _, s := range domain.AllStatuses() {
		if n := counts[string(s)]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, colorStatus(string(s))))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " · ")
}

func renderStatus(out io.Writer, v statusView, stories bool) {
	bold := text.Colors{text.Bold}
	if v.Project != "" {
		fmt.Fprintf(out, "%s %s\n", bold.Sprint("Project:"), v.Project)
	}
	fmt.Fprintf(out, "%s  %s\n", bold.Sprint("Source:"), v.Source)
	fmt.Fprintf(out, "%s %s\n", bold.Sprint("Stories:"), formatCounts(v.Counts))
	fmt.Fprintf(out, "%s  %s\n", bold.Sprint("Groups:"), formatCounts(v.GroupCounts))
	if v.Active > 0 {
		fmt.Fprintf(out, "%s  %d active\n", bold.Sprint("Claims:"), v.Active)
	}
	if v.Next != nil {
		fmt.Fprintf(out, "%s    %s → %s\n", bold.Sprint("Next:"), v.Next.Phase, text.Colors{text.FgCyan, text.Bold}.Sprint(v.Next.UnitID))
	} else {
		fmt.Fprintf(out, "%s    nothing actionable\n", bold.Sprint("Next:"))
	}
	for _, id := range v.Stale {
		warnf(out, "stale dispatch %s (sl restart %s)", id, id)
	}
	if !stories {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"Status", "Stories"})
	for _, s := range domain.AllStatuses() {
		ids := v.ByStatus[string(s)]
		if len(ids) == 0 {
			continue
		}
		lines := make([]string, len(ids))
		for i, id := range ids {
			lines[i] = id
			if reason, ok := v.Blocked[id]; ok && s == domain.StatusBlocked {
				lines[i] = fmt.Sprintf("%s (%s)", id, reason)
			}
		}
		tw.AppendRow(table.Row{colorStatus(string(s)), strings.Join(lines, "\n")})
	}
	tw.Render()
}
