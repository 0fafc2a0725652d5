package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/overwatch/pkg/resource"
)

var bindRebind bool

var bindCmd = &cobra.Command{
	Use:   "bind <user-id> <role-arn>",
	Short: "Start binding an account to a user",
	Long: `Start binding an account to a user.

Prints the external id the role must require and a trust policy to attach
to it. Run "overwatch confirm" once the role trusts Overwatch.`,
	Example: `  overwatch bind 6f1c... arn:aws:iam::123456789012:role/OverwatchAccess
  overwatch bind 6f1c... arn:aws:iam::123456789012:role/Other --rebind`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		res, err := a.manager.BindAccount(cmd.Context(), args[0], resource.AccountRef(args[1]), bindRebind)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "External ID: %s\n", res.Challenge)
		if res.TrustPolicy != "" {
			fmt.Fprintf(out, "\nTrust policy:\n%s\n", res.TrustPolicy)
		}
		return nil
	},
}

var confirmCmd = &cobra.Command{
	Use:   "confirm <user-id> <role-arn>",
	Short: "Verify access to a pending account binding",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		b, err := a.manager.ConfirmBind(cmd.Context(), args[0], resource.AccountRef(args[1]))
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), b)
	},
}

func init() {
	rootCmd.AddCommand(bindCmd)
	rootCmd.AddCommand(confirmCmd)

	bindCmd.Flags().BoolVar(&bindRebind, "rebind", false, "Replace an existing binding")
}
