package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/contree/broker/internal/loadtest"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a concurrent sync and wait load test against the in-process backend",
	Long: `Run a load test that simulates many clients syncing the same tree and
waiting on batches of operations, then report latency percentiles.

Nothing leaves the machine: the backend is the in-process fake and the cache
store is in memory. The generated tree is removed afterwards.

Examples:
  # Default run (16 clients, 200 files)
  contree-broker bench

  # 64 clients with 1ms of simulated network latency per call
  contree-broker bench --clients 64 --latency 1ms

  # Output the report as JSON
  contree-broker bench --json
`,
	GroupID:     "maint",
	Annotations: map[string]string{"config": "skip"},
	RunE:        runBench,
}

func init() {
	def := loadtest.DefaultConfig()
	benchCmd.Flags().Int("clients", def.Clients, "Number of concurrent clients to simulate")
	benchCmd.Flags().Int("files", def.Files, "Number of files in the generated tree")
	benchCmd.Flags().Int("file-size", def.FileSize, "Size of each file in bytes")
	benchCmd.Flags().Int("syncs", def.SyncsPerClient, "Syncs per client")
	benchCmd.Flags().Int("ops", def.OpsPerClient, "Operations each client submits and waits on")
	benchCmd.Flags().Duration("latency", def.Latency, "Simulated latency per backend call")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	lc := loadtest.DefaultConfig()
	lc.Clients, _ = f.GetInt("clients")
	lc.Files, _ = f.GetInt("files")
	lc.FileSize, _ = f.GetInt("file-size")
	lc.SyncsPerClient, _ = f.GetInt("syncs")
	lc.OpsPerClient, _ = f.GetInt("ops")
	lc.Latency, _ = f.GetDuration("latency")

	if lc.Clients <= 0 || lc.Files <= 0 || lc.FileSize <= 0 {
		return fmt.Errorf("--clients, --files and --file-size must be positive")
	}
	if lc.SyncsPerClient <= 0 {
		return fmt.Errorf("--syncs must be positive")
	}
	if lc.OpsPerClient < 0 {
		return fmt.Errorf("--ops must not be negative")
	}

	dir, err := os.MkdirTemp("", "contree-bench-*")
	if err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	if !jsonOutput {
		out.Title("Load test: %d clients, %d files of %d bytes", lc.Clients, lc.Files, lc.FileSize)
	}
	report, err := loadtest.Run(ctx, dir, lc)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(report)
	}
	report.Print(os.Stdout)
	return nil
}
