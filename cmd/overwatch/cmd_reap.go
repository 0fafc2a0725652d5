package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/overwatch/internal/reaper"
	"github.com/yairfalse/overwatch/pkg/resource"
)

var (
	reapDryRun bool
	reapOutput string
)

var reapCmd = &cobra.Command{
	Use:   "reap [role-arn]",
	Short: "Delete expired resources",
	Long: `Delete every stored resource whose overwatch-delete-after date has passed.

Without an account, every bound account is reaped. The reap policy
(reaper.policy_file, or the built-in one that honours overwatch-protect)
can skip resources. Use --dry-run to see what would happen.`,
	Example: `  overwatch reap --dry-run
  overwatch reap arn:aws:iam::123456789012:role/OverwatchAccess`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateOutput(reapOutput); err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		var ref resource.AccountRef
		if len(args) == 1 {
			ref = resource.AccountRef(args[0])
		}
		out := cmd.OutOrStdout()

		if reapDryRun {
			plan, err := a.manager.PlanReap(cmd.Context(), ref)
			if err != nil {
				return err
			}
			if reapOutput == outputJSON {
				return printJSON(out, plan)
			}
			return printPlan(cmd, plan)
		}

		summary, err := a.manager.ReapExpired(cmd.Context(), ref)
		if reapOutput == outputJSON {
			if perr := printJSON(out, summary); perr != nil {
				return perr
			}
			return err
		}
		printSummary(cmd, summary)
		if err != nil {
			return err
		}
		if summary.Failed > 0 {
			return fmt.Errorf("%s failed", describeCount(summary.Failed, "deletion"))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reapCmd)
	reapCmd.Flags().BoolVar(&reapDryRun, "dry-run", false, "Show what would be deleted without deleting")
	reapCmd.Flags().StringVarP(&reapOutput, "output", "o", outputTable, "Output format: table, json")
}

func printPlan(cmd *cobra.Command, plan []reaper.Candidate) error {
	out := cmd.OutOrStdout()
	if len(plan) == 0 {
		fmt.Fprintln(out, "Nothing to reap.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tRESOURCE\tTYPE\tREGION\tDELETE AFTER\tACTION")
	allowed := 0
	for _, c := range plan {
		action := "delete"
		if c.Allow {
			allowed++
		} else {
			action = "skip: " + c.Reason
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.Record.AccountRef.AccountID(), c.Record.ResourceID, c.Record.Type, c.Record.Region,
			c.Record.DeleteAfter.Format("2006-01-02 15:04"), action)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%s would be deleted, %d skipped (dry run)\n", describeCount(allowed, "resource"), len(plan)-allowed)
	return nil
}

func printSummary(cmd *cobra.Command, s reaper.Summary) {
	out := cmd.OutOrStdout()
	for _, r := range s.Results {
		switch r.Status {
		case reaper.StatusDeleted:
			fmt.Fprintf(out, "deleted  %s (%s)\n", r.Key.ResourceID, r.Type)
		case reaper.StatusSkipped:
			fmt.Fprintf(out, "skipped  %s: %s\n", r.Key.ResourceID, r.SkipReason)
		case reaper.StatusFailed:
			retry := ""
			if r.Retryable {
				retry = " (will retry)"
			}
			fmt.Fprintf(out, "failed   %s: %s%s\n", r.Key.ResourceID, r.Error, retry)
		}
	}
	fmt.Fprintf(out, "\nDeleted %d, failed %d, skipped %d in %s\n",
		s.Deleted, s.Failed, s.Skipped, s.Duration.Round(time.Millisecond))
}
