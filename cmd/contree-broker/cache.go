package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/contree/broker/internal/broker"
	"github.com/contree/broker/internal/lineage"
)

var cacheCmd = &cobra.Command{
	Use:     "cache",
	GroupID: "maint",
	Short:   "Inspect and prune the local caches",
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache location and entry counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		b, err := openBroker(ctx)
		if err != nil {
			return err
		}
		defer closeBroker(ctx, b)

		st, err := b.Status(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(st)
		}

		out.Title("Cache")
		out.Field("Driver", st.Driver)
		if st.Path != "" && st.Driver != "memory" {
			out.Field("Location", st.Path)
		}
		if st.Degraded {
			out.Warn("store unavailable, showing an empty in-memory cache")
		}
		out.Field("Files", st.Files)
		out.Field("Known content", st.Content)
		out.Field("Results", st.Results)
		out.Field("Lineage edges", st.Lineage)
		out.Field("Content TTL", cfg.Cache.ContentTTL)
		return nil
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop old cache entries",
	Long: `Drop cache entries past their retention window, or every entry written
before --before.

--before accepts a duration ("72h"), an RFC 3339 time, or natural language
("yesterday", "last monday").

Examples:
  contree-broker cache prune
  contree-broker cache prune --before 168h
  contree-broker cache prune --before "last monday"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		before, _ := cmd.Flags().GetString("before")

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		b, err := openBroker(ctx)
		if err != nil {
			return err
		}
		defer closeBroker(ctx, b)

		// Opening the broker already applied the retention windows.
		st := b.Pruned
		if before != "" {
			cutoff, err := parseCutoff(before, time.Now())
			if err != nil {
				return err
			}
			more, err := b.PruneBefore(ctx, cutoff)
			if err != nil {
				return err
			}
			st = broker.PruneStats{
				Files:   st.Files + more.Files,
				Content: st.Content + more.Content,
				Results: st.Results + more.Results,
			}
		}

		if jsonOutput {
			return printJSON(st)
		}
		out.Success("Pruned %d file, %d content and %d result entries", st.Files, st.Content, st.Results)
		return nil
	},
}

var lineageCmd = &cobra.Command{
	Use:     "lineage <image>",
	GroupID: "ops",
	Short:   "Show the chain of images an image was built from",
	Long: `Walk the recorded ancestry of an image, nearest parent first.

An edge is recorded whenever a non-disposable command succeeds and produces
a new image from its input image.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		b, err := openBroker(ctx)
		if err != nil {
			return err
		}
		defer closeBroker(ctx, b)

		chain, err := b.Lineage.Ancestors(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(chain)
		}
		printLineage(args[0], chain)
		return nil
	},
}

// printLineage writes the ancestry of image, nearest parent first.
func printLineage(image string, chain []lineage.Edge) {
	if len(chain) == 0 {
		out.Line("%s has no recorded parent", image)
		return
	}
	out.Title("%s", image)
	for _, edge := range chain {
		out.Line("  <- %s  %s", edge.Parent, out.Muted(fmt.Sprintf("%s %q", edge.OperationID, edge.Command)))
	}
}

func init() {
	cachePruneCmd.Flags().String("before", "", "Drop entries written before this time")

	cacheCmd.AddCommand(cacheStatusCmd, cachePruneCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(lineageCmd)
}

// parseCutoff reads a duration ago, an RFC 3339 timestamp or a natural
// language time relative to now.
func parseCutoff(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("--before duration must not be negative (got %s)", s)
		}
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --before %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("failed to parse --before %q: not a duration, timestamp or date", s)
	}
	return r.Time, nil
}
