// Command contree-broker syncs local trees to a remote execution service and
// submits, tracks and caches the operations that run against them.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/contree/broker/internal/broker"
	"github.com/contree/broker/internal/config"
	"github.com/contree/broker/internal/logging"
	"github.com/contree/broker/internal/ui"
)

var (
	configPath   string
	traceEnabled bool
	jsonOutput   bool

	cfg      config.Config
	logger   = logging.Nop()
	out      = ui.New(os.Stdout)
	stopOTel = func(context.Context) error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "contree-broker",
	Short: "Client-side execution broker for a remote sandbox service",
	Long: `contree-broker keeps the expensive parts of remote execution local:

  - it syncs a working tree as content-addressed blobs, uploading only what
    the service has not seen, and registers a directory state for it
  - it submits commands and image imports without waiting for them
  - it waits for many operations at once with one shared poller each
  - it answers finished operations from a durable local cache

Configuration is read from ` + "`" + `config.toml` + "`" + ` (see 'config show'), CONTREE_*
environment variables and flags, in increasing order of precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if skipConfig(cmd) {
			return nil
		}
		loader := config.NewLoader()
		for key, name := range boundFlags {
			if f := cmd.Flag(name); f != nil {
				if err := loader.BindFlag(key, f); err != nil {
					return err
				}
			}
		}
		loaded, err := loader.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		logger = logging.New(logging.Config{
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})

		if traceEnabled {
			stop, err := setupTracing(cmd.Context(), os.Stderr)
			if err != nil {
				return err
			}
			stopOTel = stop
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if err := stopOTel(context.WithoutCancel(cmd.Context())); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
		_ = logger.Sync()
	},
}

// boundFlags maps config keys to the persistent flags that override them.
var boundFlags = map[string]string{
	"backend.url":         "backend-url",
	"backend.kind":        "backend",
	"store.driver":        "store",
	"store.path":          "store-path",
	"log.level":           "log-level",
	"wait.cancel_on_exit": "cancel-on-exit",
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Syncing:"},
		&cobra.Group{ID: "ops", Title: "Operations:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (default "+config.DefaultPath()+")")
	pf.BoolVar(&traceEnabled, "trace", false, "Print OpenTelemetry spans to stderr")
	pf.BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	pf.String("backend", "", "Backend kind: http or memory")
	pf.String("backend-url", "", "Backend service URL")
	pf.String("store", "", "Cache store driver: sqlite, badger or memory")
	pf.String("store-path", "", "Cache store location")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.Bool("cancel-on-exit", false, "Cancel incomplete operations when interrupted")
}

// skipConfig reports whether cmd runs without a loaded configuration.
func skipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations["config"] == "skip" {
			return true
		}
	}
	return false
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// openBroker opens the broker for the loaded configuration.
func openBroker(ctx context.Context) (*broker.Broker, error) {
	b, err := broker.Open(ctx, cfg, logger.Logger)
	if err != nil {
		return nil, err
	}
	if b.Degraded {
		out.Warn("cache store %s unavailable, results will not persist", cfg.Store.Path)
	}
	return b, nil
}

// closeBroker closes b. Incomplete operations are cancelled when ctx was
// interrupted and cancel-on-exit is configured.
func closeBroker(ctx context.Context, b *broker.Broker) {
	interrupted := ctx.Err() != nil
	cancel := interrupted && cfg.Wait.CancelOnExit
	if err := b.Close(context.WithoutCancel(ctx), cancel); err != nil {
		out.Error("failed to close: %v", err)
	}
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exitError carries a specific exit status.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	code := 1
	var ee *exitError
	if errors.As(err, &ee) {
		code = ee.code
	}
	if errors.Is(err, context.Canceled) {
		code = 130
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(code)
}
