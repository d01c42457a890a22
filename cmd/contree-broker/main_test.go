package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/contree/broker/internal/lineage"
	"github.com/contree/broker/internal/schema"
	"github.com/contree/broker/internal/ui"
)

func TestParseCutoff(t *testing.T) {
	now := time.Date(2026, 3, 18, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		in   string
		want time.Time
	}{
		{"72h", now.Add(-72 * time.Hour)},
		{"2026-03-01T00:00:00Z", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseCutoff(tt.in, now)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v, want %v", got, tt.want)
		})
	}

	t.Run("natural language", func(t *testing.T) {
		got, err := parseCutoff("yesterday", now)
		require.NoError(t, err)
		assert.True(t, got.Before(now))
		assert.WithinDuration(t, now.Add(-24*time.Hour), got, 24*time.Hour)
	})

	t.Run("negative duration", func(t *testing.T) {
		_, err := parseCutoff("-1h", now)
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := parseCutoff("zzz", now)
		assert.Error(t, err)
	})
}

func TestCommandSpec(t *testing.T) {
	stdin := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(stdin, []byte("hello"), 0o644))
	hash := schema.HashBytes([]byte("data"))

	cmd := opSubmitCmd
	require.NoError(t, cmd.ParseFlags([]string{
		"--image", "golang",
		"--state", "ds-1",
		"--env", "GOFLAGS=-mod=mod",
		"--stdin", stdin,
		"--file", "/etc/extra=" + hash,
		"--disposable",
	}))

	spec, err := commandSpec(cmd, []string{"go", "test", "./..."})
	require.NoError(t, err)
	assert.Equal(t, "go", spec.Command)
	assert.Equal(t, []string{"test", "./..."}, spec.Args)
	assert.Equal(t, "golang", spec.Image)
	assert.Equal(t, "ds-1", spec.DirectoryStateID)
	assert.Equal(t, map[string]string{"GOFLAGS": "-mod=mod"}, spec.Env)
	assert.Equal(t, "hello", spec.Stdin)
	assert.True(t, spec.Disposable)
	assert.Equal(t, schema.FileMapping{Hash: hash}, spec.Files["/etc/extra"])

	req := schema.NewCommandRequest(spec)
	assert.NoError(t, req.Validate())
}

// TestSyncCommand runs the sync command end to end against the in-process
// backend and checks the exported manifest.
func TestSyncCommand(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("CONTREE_BACKEND_KIND", "memory")
	t.Setenv("CONTREE_STORE_DRIVER", "memory")

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref"), 0o644))
	manifest := filepath.Join(t.TempDir(), "out", "state.yaml")

	rootCmd.SetArgs([]string{"sync", root, "--manifest", manifest})
	require.NoError(t, rootCmd.Execute())

	data, err := os.ReadFile(manifest)
	require.NoError(t, err)
	var ds schema.DirectoryState
	require.NoError(t, yaml.Unmarshal(data, &ds))
	assert.NotEmpty(t, ds.ID)
	require.Len(t, ds.Manifest, 1, "default excludes drop .git")
	assert.Equal(t, "a.txt", ds.Manifest[0].Path)
	assert.Equal(t, schema.HashBytes([]byte("a")), ds.Manifest[0].Hash)
}

// TestPrintLineage verifies image names are printed verbatim, including
// ones that contain formatting verbs.
func TestPrintLineage(t *testing.T) {
	var buf bytes.Buffer
	saved := out
	out = ui.New(&buf)
	t.Cleanup(func() { out = saved })

	printLineage("build%d:100%", []lineage.Edge{
		{Child: "build%d:100%", Parent: "alpine:3", OperationID: "op-1", Command: "apk add git"},
	})
	assert.Contains(t, buf.String(), "build%d:100%")
	assert.Contains(t, buf.String(), "<- alpine:3")
	assert.NotContains(t, buf.String(), "%!")

	buf.Reset()
	printLineage("solo%s", nil)
	assert.Contains(t, buf.String(), "solo%s has no recorded parent")
}
