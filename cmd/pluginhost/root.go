package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/pluginhost/internal/app"
	"github.com/felixgeelhaar/pluginhost/internal/domain/config"
	"github.com/felixgeelhaar/pluginhost/internal/logging"
)

var (
	// Global flags
	cfgFile      string
	verbose      bool
	rootDirs     []string
	strategyName string
)

var rootCmd = &cobra.Command{
	Use:   "pluginhost",
	Short: "Discover, resolve and run plugins",
	Long: `pluginhost discovers plugin descriptors under the configured roots,
checks their version constraints, plans a dependency-ordered load and drives
every plugin through its lifecycle:
  Discover → Resolve → Plan → Load → Start`,
	SilenceErrors: true, // We handle error formatting ourselves
	SilenceUsage:  true, // Don't show usage on error
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (.yaml, .yml or .toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringArrayVar(&rootDirs, "root", nil, "plugin root directory (repeatable, replaces configured roots)")
	rootCmd.PersistentFlags().StringVar(&strategyName, "strategy", "", "loader strategy (development, packaged)")

	registerFlagCompletions()

	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads --config, or the defaults, and applies flag overrides.
func loadConfig() (*config.HostConfig, error) {
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if len(rootDirs) > 0 {
		cfg.Roots = cfg.Roots[:0]
		for _, dir := range rootDirs {
			abs, err := filepath.Abs(dir)
			if err != nil {
				return nil, fmt.Errorf("invalid root %q: %w", dir, err)
			}
			cfg.Roots = append(cfg.Roots, abs)
		}
	}
	if strategyName != "" {
		cfg.Strategy = strategyName
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	if len(cfg.Roots) == 0 {
		return nil, &config.UserError{
			Code:       config.ErrCodeConfigInvalid,
			Message:    "no plugin roots configured",
			Suggestion: "Pass --root <dir> or set roots in the config file.",
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.HostConfig) *logging.Logger {
	return logging.NewWithFormat(cfg.Log.Format, cfg.Log.Level)
}

// newHost loads the configuration and builds a host. reg may be nil.
func newHost(ctx context.Context, reg prometheus.Registerer) (*app.Host, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, app.Options{
		Config:     cfg,
		Registerer: reg,
		Logger:     newLogger(cfg),
	})
}

// formatError returns a user-friendly error message.
// With verbose=false: shows only the user message and suggestion.
// With verbose=true: also shows the underlying technical error.
func formatError(err error) string {
	userErr := config.GetUserError(err)
	if userErr == nil {
		return err.Error()
	}
	if verbose {
		return userErr.Format()
	}
	msg := userErr.Message
	if userErr.Context != "" {
		msg += fmt.Sprintf(" (at %s)", userErr.Context)
	}
	if userErr.Suggestion != "" {
		msg += fmt.Sprintf("\n\nSuggestion: %s", userErr.Suggestion)
	}
	return msg
}

// printError prints an error message to stderr with proper formatting.
func printError(err error) {
	printErrorTo(os.Stderr, err)
}

// printErrorTo prints an error message to the given writer.
func printErrorTo(w io.Writer, err error) {
	_, _ = fmt.Fprintf(w, "Error: %s\n", formatError(err))
}

// registerFlagCompletions sets up custom completions for global flags.
func registerFlagCompletions() {
	_ = rootCmd.RegisterFlagCompletionFunc("config", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{"yaml", "yml", "toml"}, cobra.ShellCompDirectiveFilterFileExt
	})

	_ = rootCmd.RegisterFlagCompletionFunc("root", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return nil, cobra.ShellCompDirectiveFilterDirs
	})

	_ = rootCmd.RegisterFlagCompletionFunc("strategy", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return []string{
			"development\tIn-process entry points sharing one parent context",
			"packaged\tOne WebAssembly instance per plugin",
		}, cobra.ShellCompDirectiveNoFileComp
	})
}
