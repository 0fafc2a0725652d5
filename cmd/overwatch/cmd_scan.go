package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/overwatch/internal/apperr"
	"github.com/yairfalse/overwatch/pkg/resource"
)

var scanOutput string

var scanCmd = &cobra.Command{
	Use:   "scan <role-arn>",
	Short: "Scan a bound account and refresh its inventory",
	Long: `Scan a bound account and refresh its inventory.

Resources tagged overwatch-delete-after are upserted; resources no longer
reported are evicted. When some regions fail the scan is partial: what was
found is still stored, nothing is evicted, and the exit code is 3.`,
	Example: `  overwatch scan arn:aws:iam::123456789012:role/OverwatchAccess
  overwatch scan arn:aws:iam::123456789012:role/OverwatchAccess -o json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateOutput(scanOutput); err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		summary, err := a.manager.Scan(cmd.Context(), resource.AccountRef(args[0]))
		if err != nil && !errors.Is(err, apperr.ErrPartialScan) {
			return err
		}

		out := cmd.OutOrStdout()
		if scanOutput == outputJSON {
			if perr := printJSON(out, summary); perr != nil {
				return perr
			}
			return err
		}

		fmt.Fprintf(out, "Scanned %s at %s\n", summary.Account, summary.ScannedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(out, "  Resources: %d (%d ingested, %d evicted)\n", summary.Count, summary.Ingested, summary.Evicted)
		fmt.Fprintf(out, "  Changes:   +%d ~%d -%d\n", summary.Changes.Added, summary.Changes.Modified, summary.Changes.Evicted)
		if summary.Partial {
			fmt.Fprintf(out, "  Partial:   %d failures\n", len(summary.Errors))
			for _, e := range summary.Errors {
				fmt.Fprintf(out, "    - %s\n", e)
			}
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringVarP(&scanOutput, "output", "o", outputTable, "Output format: table, json")
}
