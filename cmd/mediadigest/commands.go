package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mediadigest/internal/engine"
	appLog "mediadigest/internal/log"
	"mediadigest/internal/model"
	"mediadigest/internal/scheduler"
	"mediadigest/internal/web"
)

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP trigger API",
		Long: `Arm the recurring sync job from the schedule config and serve the
trigger API (POST /api/sync, GET|PUT /api/schedule, GET /api/connections,
GET /health) until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listen != "" {
				opts.cfg.Listen = listen
			}
			return serve(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}

func serve(parent context.Context, opts *rootOptions) error {
	cfg := opts.cfg
	ctx, cancel := signalContext(parent)
	defer cancel()

	eng := engine.New(cfg)
	sched := scheduler.New(cfg.Location(), func(ctx context.Context, trigger engine.Trigger) model.SyncResult {
		return eng.RunSyncCycle(ctx, engine.CycleOptions{Trigger: trigger})
	})
	if err := sched.Reconfigure(cfg.Schedule); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	sched.Start()

	srvErr := web.NewServer(cfg, opts.configPath, sched, eng).ListenAndServe(ctx)
	if srvErr != nil {
		appLog.Error("http server stopped", srvErr)
	}

	// Give running cycles a bounded grace period.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := sched.Stop(stopCtx); err != nil {
		appLog.Warn("scheduler did not stop cleanly", "err", err)
	}

	appLog.Info("mediadigest exiting")
	return srvErr
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var (
		cycle   engine.CycleOptions
		jsonOut bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sync cycle and exit",
		Long: `Fetch, render, write and (if enabled) publish once. Exits non-zero when the
cycle fails.

Example:
  mediadigest run --lookback 7 --lookahead 3
  mediadigest run --fail-fast --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			cycle.Trigger = engine.TriggerCLI
			res := engine.New(opts.cfg).RunSyncCycle(ctx, cycle)

			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			} else {
				printResult(cmd, res)
			}
			if !res.Success {
				return errors.New("sync cycle failed: " + res.Error)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&cycle.Lookback, "lookback", 0, "days of recently added items (1..30, default from config)")
	cmd.Flags().IntVar(&cycle.Lookahead, "lookahead", 0, "days of upcoming schedule (1..30, default from config)")
	cmd.Flags().BoolVar(&cycle.FailFast, "fail-fast", false, "fail the cycle when any service is unreachable")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the result as JSON")
	return cmd
}

func printResult(cmd *cobra.Command, res model.SyncResult) {
	out := cmd.OutOrStdout()
	if !res.Success {
		fmt.Fprintf(out, "sync failed: %s\n", res.Error)
		return
	}
	fmt.Fprintf(out, "movies: %d\nshows: %d\nscheduled: %d\n", res.MoviesCount, res.ShowsCount, res.ScheduledCount)
	if res.Published != nil {
		fmt.Fprintf(out, "published: %t\n", *res.Published)
	}
}

func newTestCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Probe Plex, Sonarr and (if enabled) GitHub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			failed := 0
			for _, st := range engine.New(opts.cfg).TestConnections(ctx) {
				if st.OK {
					fmt.Fprintf(cmd.OutOrStdout(), "%-8s ok\n", st.Service)
					continue
				}
				failed++
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s FAILED: %s\n", st.Service, st.Error)
			}
			if failed > 0 {
				return fmt.Errorf("%d connection(s) failed", failed)
			}
			return nil
		},
	}
}
