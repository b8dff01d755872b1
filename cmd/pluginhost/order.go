package main

import (
	"context"

	"github.com/spf13/cobra"
)

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Show the planned load order",
	Long: `Show the order plugins would be started in. Dependencies come before
their dependents; independent plugins are ordered by id. Plugins that cannot
load, including every member of a dependency cycle, are listed separately.`,
	Args: cobra.NoArgs,
	RunE: runOrder,
}

func init() {
	rootCmd.AddCommand(orderCmd)
}

func runOrder(cmd *cobra.Command, _ []string) error {
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
	printOrder(cmd.OutOrStdout(), pass)
	return nil
}
