package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/pluginhost/internal/app"
)

const shutdownTimeout = 30 * time.Second

var (
	runWatch       bool
	runStrict      bool
	runMetricsAddr string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load and start plugins",
	Long: `Load every resolvable plugin in dependency order and keep the host running
until interrupted. On SIGINT or SIGTERM plugins are stopped and deleted in
reverse start order.

With --watch the plugin roots are rescanned whenever they change: removed or
changed plugins are reloaded together with their dependents.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "rescan plugin roots on change")
	runCmd.Flags().BoolVar(&runStrict, "strict", false, "exit non-zero on any fatal resolution failure")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	host, err := newHost(ctx, reg)
	if err != nil {
		return err
	}
	cfg := host.Config()
	out := cmd.OutOrStdout()

	shutdown := func() error {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return host.Shutdown(sctx)
	}

	addr := runMetricsAddr
	if addr == "" && cfg.Metrics.Enabled {
		addr = cfg.Metrics.Addr
	}
	var server *http.Server
	if addr != "" {
		server = metricsServer(addr, reg)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				printError(fmt.Errorf("metrics server: %w", err))
			}
		}()
		_, _ = fmt.Fprintf(out, "Serving metrics on %s/metrics\n", addr)
	}
	defer func() {
		if server != nil {
			_ = server.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	pass, err := host.Start(ctx)
	if err != nil {
		return errors.Join(err, shutdown())
	}
	printRecords(out, host.Records())
	printPassSummary(out, pass)

	if runStrict || cfg.Strict {
		if err := pass.StrictErr(); err != nil {
			return errors.Join(err, shutdown())
		}
	}

	if runWatch || cfg.Watch.Enabled {
		go func() {
			if err := host.Watch(ctx); err != nil {
				printError(err)
			}
		}()
	}

	<-ctx.Done()
	_, _ = fmt.Fprintln(out, "\nShutting down plugins...")
	return shutdown()
}

func metricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func printPassSummary(w io.Writer, pass *app.Pass) {
	started := len(pass.Result.Started)
	failed := len(pass.Result.Failed)
	degraded := len(pass.Result.Degraded)
	_, _ = fmt.Fprintf(w, "\n%s %d started, %d degraded, %d failed\n",
		styles.Symbol(failed == 0, degraded > 0), started, degraded, failed)
}
