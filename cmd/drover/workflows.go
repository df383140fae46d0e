package main

import (
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"drover/internal/event"
	"drover/internal/state"
)

func newCreateCommand() *cobra.Command {
	var (
		name      string
		kind      string
		issueRef  string
		branch    string
		tags      []string
		modelSet  string
		budgetUSD float64
		start     bool
	)
	cmd := &cobra.Command{
		Use:   "create [task description]",
		Short: "Create a workflow",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task := ""
			if len(args) > 0 {
				task = args[0]
			}
			body := map[string]any{
				"name":             name,
				"kind":             kind,
				"task_description": task,
				"issue_ref":        issueRef,
				"branch":           branch,
				"tags":             tags,
				"model_set":        modelSet,
				"budget_usd":       budgetUSD,
				"start":            start,
			}
			var w state.Workflow
			if err := newAPIClient().post("/api/workflows", body, &w); err != nil {
				return err
			}
			fmt.Printf("%s %s\n", color.GreenString("created"), w.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "workflow name")
	cmd.Flags().StringVar(&kind, "kind", "standard", "workflow kind (standard, tdd, plan-only, test-only, review-only)")
	cmd.Flags().StringVar(&issueRef, "issue", "", "issue reference to drive the task from")
	cmd.Flags().StringVar(&branch, "branch", "", "working branch name")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tags (repeatable)")
	cmd.Flags().StringVar(&modelSet, "model-set", "", "model set (base, fast, max)")
	cmd.Flags().Float64Var(&budgetUSD, "budget", 0, "spend cap in USD (0 uses the server default)")
	cmd.Flags().BoolVar(&start, "start", false, "start immediately")
	return cmd
}

func newListCommand() *cobra.Command {
	var (
		stateFilter     string
		kindFilter      string
		tagFilter       string
		includeArchived bool
		limit           int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if stateFilter != "" {
				q.Set("state", stateFilter)
			}
			if kindFilter != "" {
				q.Set("kind", kindFilter)
			}
			if tagFilter != "" {
				q.Set("tag", tagFilter)
			}
			if includeArchived {
				q.Set("include_archived", "true")
			}
			q.Set("limit", fmt.Sprint(limit))

			var out struct {
				Workflows []state.Workflow `json:"workflows"`
			}
			if err := newAPIClient().get("/api/workflows?"+q.Encode(), &out); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tKIND\tSTATE\tCOST\tAGE")
			for _, w := range out.Workflows {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t$%.4f\t%s\n",
					shortID(w.ID), w.Name, w.Kind, colorState(w.State), w.CostUSD, age(w.CreatedAt))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&stateFilter, "state", "", "filter by state")
	cmd.Flags().StringVar(&kindFilter, "kind", "", "filter by kind")
	cmd.Flags().StringVar(&tagFilter, "tag", "", "filter by tag")
	cmd.Flags().BoolVar(&includeArchived, "archived", false, "include archived workflows")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a workflow and its phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient()
			var w state.Workflow
			if err := client.get("/api/workflows/"+args[0], &w); err != nil {
				return err
			}
			var phases struct {
				Phases []state.Phase `json:"phases"`
			}
			if err := client.get("/api/workflows/"+args[0]+"/phases", &phases); err != nil {
				return err
			}

			bold := color.New(color.Bold)
			bold.Printf("%s", w.ID)
			if w.Name != "" {
				fmt.Printf("  (%s)", w.Name)
			}
			fmt.Println()
			fmt.Printf("  kind: %s  state: %s  model set: %s\n", w.Kind, colorState(w.State), w.ModelSet)
			fmt.Printf("  task: %s\n", truncate(w.TaskDescription, 120))
			if w.IssueRef != "" {
				fmt.Printf("  issue: %s\n", w.IssueRef)
			}
			if w.Branch != "" {
				fmt.Printf("  branch: %s (base %s)\n", w.Branch, w.BaseBranch)
			}
			fmt.Printf("  cost: $%.4f", w.CostUSD)
			if w.BudgetUSD > 0 {
				fmt.Printf(" of $%.2f budget", w.BudgetUSD)
			}
			fmt.Printf("  tokens: %d\n", w.TotalTokens)
			if w.ErrorMessage != "" {
				fmt.Printf("  error: %s\n", color.RedString(w.ErrorMessage))
			}
			if len(phases.Phases) > 0 {
				fmt.Println("  phases:")
				for _, p := range phases.Phases {
					fmt.Printf("    %-14s attempt %d  %s\n", p.Name, p.Attempt, colorPhase(p.State))
				}
			}
			return nil
		},
	}
}

func newEventsCommand() *cobra.Command {
	var sinceSeq int64
	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "Show a workflow's event history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Events []event.Event `json:"events"`
			}
			path := fmt.Sprintf("/api/workflows/%s/events?since_seq=%d", args[0], sinceSeq)
			if err := newAPIClient().get(path, &out); err != nil {
				return err
			}
			for _, e := range out.Events {
				line := fmt.Sprintf("%6d  %s  %s", e.Seq, e.CreatedAt.Format(time.RFC3339), e.EventType)
				if e.PhaseName != "" {
					line += "  " + e.PhaseName
				}
				switch e.Severity {
				case event.SeverityError:
					color.Red("%s", line)
				case event.SeverityWarn:
					color.Yellow("%s", line)
				default:
					fmt.Println(line)
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&sinceSeq, "since-seq", 0, "return events after this sequence number")
	return cmd
}

func newPauseCommand() *cobra.Command {
	return controlCommand("pause", "Pause a running workflow at the next phase boundary")
}

func newResumeCommand() *cobra.Command {
	return controlCommand("resume", "Resume a paused or stuck workflow")
}

func newArchiveCommand() *cobra.Command {
	return controlCommand("archive", "Archive a terminal workflow")
}

func newCancelCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"reason": reason}
			if err := newAPIClient().post("/api/workflows/"+args[0]+"/cancel", body, nil); err != nil {
				return err
			}
			fmt.Println(color.YellowString("cancelled"), args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func controlCommand(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newAPIClient().post("/api/workflows/"+args[0]+"/"+verb, nil, nil); err != nil {
				return err
			}
			fmt.Println(color.GreenString(verb+"d"), args[0])
			return nil
		},
	}
}

func colorState(s state.WorkflowState) string {
	switch s {
	case state.StateCompleted:
		return color.GreenString(string(s))
	case state.StateFailed:
		return color.RedString(string(s))
	case state.StateRunning:
		return color.CyanString(string(s))
	case state.StatePaused, state.StateStuck:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func colorPhase(s state.PhaseState) string {
	switch s {
	case state.PhaseCompleted:
		return color.GreenString(string(s))
	case state.PhaseFailed:
		return color.RedString(string(s))
	case state.PhaseRunning:
		return color.CyanString(string(s))
	case state.PhaseSkipped:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func age(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
