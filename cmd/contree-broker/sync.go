package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/contree/broker/internal/daemon"
	"github.com/contree/broker/internal/scan"
	"github.com/contree/broker/internal/syncer"
	"github.com/contree/broker/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync [dir]",
	GroupID: "sync",
	Short:   "Sync a working tree and register a directory state",
	Long: `Sync a local directory to the backend and print the directory state id.

This performs a full sync:
  1. Walks the tree, skipping excluded paths
  2. Hashes changed files (unchanged files are served by the file cache)
  3. Uploads only content the backend does not already have
  4. Registers the manifest as a directory state

Pass the printed id to 'op submit --state' to run commands against the tree.

Examples:
  contree-broker sync
  contree-broker sync ./project --exclude build --exclude '*.log'
  contree-broker sync --repo --manifest state.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, excludes, err := syncTarget(cmd, args)
		if err != nil {
			return err
		}
		manifestPath, _ := cmd.Flags().GetString("manifest")

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		b, err := openBroker(ctx)
		if err != nil {
			return err
		}
		defer closeBroker(ctx, b)

		res, err := b.Planner.Sync(ctx, root, excludes)
		if err != nil {
			return err
		}

		if manifestPath != "" {
			if err := writeManifest(manifestPath, res); err != nil {
				return err
			}
		}

		if jsonOutput {
			return printJSON(res)
		}
		printSync(root, res)
		if manifestPath != "" {
			out.Field("Manifest", manifestPath)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:     "watch [dir]",
	GroupID: "sync",
	Short:   "Watch a working tree and re-sync it on change",
	Long: `Sync a directory, then watch it and re-sync after every burst of changes.

Each sync prints the new directory state id. Excluded directories are not
watched. Stop with Ctrl+C.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, excludes, err := syncTarget(cmd, args)
		if err != nil {
			return err
		}
		debounce, _ := cmd.Flags().GetDuration("debounce")

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		b, err := openBroker(ctx)
		if err != nil {
			return err
		}
		defer closeBroker(ctx, b)

		dcfg := daemon.DefaultConfig()
		dcfg.Excludes = excludes
		if debounce > 0 {
			dcfg.DebounceInterval = debounce
		}
		dcfg.Logger = logger.Named("watch")
		dcfg.OnSync = func(res syncer.Result) {
			if jsonOutput {
				_ = printJSON(res)
				return
			}
			printSync(root, res)
		}
		dcfg.OnError = func(err error) {
			out.Error("sync failed: %v", err)
		}

		d, err := daemon.New(b.Planner, root, dcfg)
		if err != nil {
			return err
		}
		if !jsonOutput {
			out.Title("Watching %s (Ctrl+C to stop)", root)
		}
		if err := d.Start(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		logger.Info("watch stopped", zap.Int("syncs", d.Syncs()))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{syncCmd, watchCmd} {
		c.Flags().StringArrayP("exclude", "e", nil, "Glob to exclude (repeatable, adds to sync.excludes)")
		c.Flags().Bool("no-default-excludes", false, "Ignore sync.excludes from the configuration")
		c.Flags().Bool("repo", false, "Sync the root of the enclosing jj, git or hg working copy")
	}
	syncCmd.Flags().String("manifest", "", "Write the registered directory state to this YAML file")
	watchCmd.Flags().Duration("debounce", 0, "Quiet period before a re-sync (default 500ms)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
}

// syncTarget returns the directory to sync and its excludes. With --repo
// the directory is widened to its working copy root.
func syncTarget(cmd *cobra.Command, args []string) (string, []string, error) {
	root := "."
	if len(args) == 1 {
		root = args[0]
	}
	excludes := syncExcludes(cmd)

	if useRepo, _ := cmd.Flags().GetBool("repo"); useRepo {
		repo, err := scan.FindRepo(root)
		if err != nil {
			return "", nil, err
		}
		logger.Debug("syncing repository root", zap.String("kind", string(repo.Kind)), zap.String("root", repo.Root))
		root = repo.Root
		excludes = append(excludes, repo.MetadataExcludes()...)
	}
	return root, excludes, nil
}

// syncExcludes combines the configured excludes with --exclude flags.
func syncExcludes(cmd *cobra.Command) []string {
	extra, _ := cmd.Flags().GetStringArray("exclude")
	noDefaults, _ := cmd.Flags().GetBool("no-default-excludes")
	if noDefaults {
		return extra
	}
	return append(append([]string(nil), cfg.Sync.Excludes...), extra...)
}

func printSync(root string, res syncer.Result) {
	st := res.Stats
	out.Success("Synced %s in %v", root, st.Duration.Round(time.Millisecond))
	out.Field("Directory state", res.State.ID)
	out.Field("Files", st.Files)
	if st.Reused {
		out.Field("Reused", "unchanged since the last sync in this session")
		return
	}
	out.Field("Hashed", fmt.Sprintf("%d (%d from cache)", st.Hashed, st.CacheHits))
	out.Field("Uploaded", fmt.Sprintf("%d blobs, %s", st.Uploaded, ui.Bytes(st.UploadedBytes)))
	out.Field("Already known", st.Confirmed)
}

// writeManifest writes the directory state as YAML.
func writeManifest(path string, res syncer.Result) error {
	data, err := yaml.Marshal(res.State)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
