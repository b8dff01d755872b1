package main

import (
	"context"

	"github.com/spf13/cobra"
)

var resolveStrict bool

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Check plugin constraints",
	Long: `Resolve every discovered plugin's needs, wants and conflicts against the
other plugins and the host-provided versions, and report what is unmet.

With --strict the command fails when any plugin cannot be loaded.`,
	Args: cobra.NoArgs,
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().BoolVar(&resolveStrict, "strict", false, "exit non-zero on any fatal resolution failure")
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	host, err := newHost(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = host.Shutdown(context.WithoutCancel(ctx)) }()

	pass, err := host.Resolve(ctx)
	if err != nil {
		return err
	}
	printReport(cmd.OutOrStdout(), pass)

	if resolveStrict || host.Config().Strict {
		return pass.StrictErr()
	}
	return nil
}
