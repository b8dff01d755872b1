package main

import (
	"context"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovered plugins",
	Long: `List every plugin descriptor found under the plugin roots, including
duplicates and disabled plugins, followed by descriptors that failed to parse.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, _ []string) error {
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
	printManifests(cmd.OutOrStdout(), pass)
	return nil
}
