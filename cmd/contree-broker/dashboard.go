package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/contree/broker/internal/daemon"
	"github.com/contree/broker/internal/dashboard"
	"github.com/contree/broker/internal/operation"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Start a live WebSocket dashboard of syncs and operations",
	Long: `Start a WebSocket dashboard server that streams sync and operation events.

WebSocket messages include:
- operation_update: an operation changed state
- sync_complete: a directory state was registered
- stats: operation counts by state and bytes uploaded

The server also exposes /health and Prometheus metrics at /metrics.

Example usage:
  contree-broker dashboard                          # listen on dashboard.addr
  contree-broker dashboard --addr 127.0.0.1:9000
  contree-broker dashboard --watch ./project        # sync on change and stream it
  contree-broker dashboard --follow $A --follow $B  # stream operations to the end

Connect with a WebSocket client:
  ws://127.0.0.1:8765/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Dashboard.Addr
		}
		watch, _ := cmd.Flags().GetStringArray("watch")
		follow, _ := cmd.Flags().GetStringArray("follow")

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		b, err := openBroker(ctx)
		if err != nil {
			return err
		}
		defer closeBroker(ctx, b)

		server := dashboard.NewServer(&dashboard.Config{
			Addr:   addr,
			Logger: logger.Named("dashboard"),
		})
		b.Observe(dashboard.NewHandler(server, logger.Named("dashboard")))

		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
		defer func() {
			if err := server.Stop(); err != nil {
				out.Error("error during shutdown: %v", err)
			}
		}()

		out.Success("Dashboard server started on http://%s", server.GetAddr())
		out.Field("WebSocket", fmt.Sprintf("ws://%s/ws", server.GetAddr()))
		out.Field("Health", fmt.Sprintf("http://%s/health", server.GetAddr()))
		out.Field("Metrics", fmt.Sprintf("http://%s/metrics", server.GetAddr()))
		out.Line("\nPress Ctrl+C to stop...")

		g, gctx := errgroup.WithContext(ctx)
		for _, root := range watch {
			dcfg := daemon.DefaultConfig()
			dcfg.Excludes = cfg.Sync.Excludes
			dcfg.Logger = logger.Named("watch")
			dcfg.OnError = func(err error) {
				logger.Warn("sync failed", zap.String("root", root), zap.Error(err))
			}
			d, err := daemon.New(b.Planner, root, dcfg)
			if err != nil {
				return err
			}
			g.Go(func() error { return d.Start(gctx) })
		}
		if len(follow) > 0 {
			g.Go(func() error {
				_, err := b.Tracker.Wait(gctx, follow, operation.WaitAll, 0)
				if err != nil && gctx.Err() == nil {
					return err
				}
				return nil
			})
		}
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})

		err = g.Wait()
		out.Line("\nShutting down dashboard server...")
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	dashboardCmd.Flags().String("addr", "", "Address to listen on (default dashboard.addr)")
	dashboardCmd.Flags().StringArray("watch", nil, "Directory to watch and sync (repeatable)")
	dashboardCmd.Flags().StringArray("follow", nil, "Operation id to poll until finished (repeatable)")

	rootCmd.AddCommand(dashboardCmd)
}
