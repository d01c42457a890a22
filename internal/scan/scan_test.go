package scan

import (
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contree/broker/internal/errs"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func relPaths(t *testing.T, root string, excludes ...string) []string {
	t.Helper()
	seq, err := Walk(root, excludes)
	require.NoError(t, err)
	fds, err := Collect(seq)
	require.NoError(t, err)
	paths := make([]string, 0, len(fds))
	for _, fd := range fds {
		paths = append(paths, fd.RelPath)
	}
	slices.Sort(paths)
	return paths
}

func TestWalk_YieldsRegularFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main")
	writeFile(t, root, "pkg/util/util.go", "package util")
	writeFile(t, root, "README.md", "# hi")

	assert.Equal(t, []string{"README.md", "main.go", "pkg/util/util.go"}, relPaths(t, root))

	seq, err := Walk(root, nil)
	require.NoError(t, err)
	for fd, err := range seq {
		require.NoError(t, err)
		if fd.RelPath == "main.go" {
			assert.Equal(t, int64(len("package main")), fd.Size)
			resolved, err := filepath.EvalSymlinks(root)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(resolved, "main.go"), fd.AbsPath)
			assert.Empty(t, fd.Hash)
		}
	}
}

func TestWalk_Excludes(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "x")
	writeFile(t, root, "node_modules/lib/index.js", "x")
	writeFile(t, root, "web/node_modules/a.js", "x")
	writeFile(t, root, "build/out.o", "x")
	writeFile(t, root, "cache.pyc", "x")
	writeFile(t, root, "pkg/deep/mod.PYC", "x")
	writeFile(t, root, "docs/internal/notes.md", "x")
	writeFile(t, root, "docs/guide.md", "x")

	got := relPaths(t, root, "node_modules", "BUILD", "*.pyc", "docs/internal/**")
	assert.Equal(t, []string{"docs/guide.md", "main.go"}, got)
}

// TestWalk_ExcludedDirectoryIsNotOpened verifies an excluded directory
// contributes zero descriptors even if it cannot be read.
func TestWalk_ExcludedDirectoryIsNotOpened(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "keep.txt", "x")
	writeFile(t, root, "secret/key.pem", "x")
	require.NoError(t, os.Chmod(filepath.Join(root, "secret"), 0000))
	t.Cleanup(func() { _ = os.Chmod(filepath.Join(root, "secret"), 0755) })

	assert.Equal(t, []string{"keep.txt"}, relPaths(t, root, "secret"))
}

// TestWalk_UnreadableDirectoryAborts verifies a read failure ends the scan
// with an I/O error naming the path.
func TestWalk_UnreadableDirectoryAborts(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for this user")
	}
	root := t.TempDir()
	writeFile(t, root, "locked/a.txt", "x")
	locked := filepath.Join(root, "locked")
	require.NoError(t, os.Chmod(locked, 0000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0755) })

	seq, err := Walk(root, nil)
	require.NoError(t, err)
	_, err = Collect(seq)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrIO)
	assert.Contains(t, err.Error(), "locked")
}

func TestWalk_MissingRoot(t *testing.T) {
	_, err := Walk(filepath.Join(t.TempDir(), "nope"), nil)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestWalk_RootIsFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "f", "x")
	_, err := Walk(filepath.Join(root, "f"), nil)
	assert.ErrorIs(t, err, errs.ErrIO)
}

func TestWalk_InvalidPattern(t *testing.T) {
	_, err := Walk(t.TempDir(), []string{"[unclosed"})
	assert.ErrorContains(t, err, "invalid exclude pattern")
}

func TestWalk_Symlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges on windows")
	}
	outside := t.TempDir()
	writeFile(t, outside, "escape.txt", "outside")

	root := t.TempDir()
	writeFile(t, root, "real/data.txt", "inside")
	require.NoError(t, os.Symlink(filepath.Join(root, "real", "data.txt"), filepath.Join(root, "link.txt")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "escape.txt"), filepath.Join(root, "escape.txt")))
	require.NoError(t, os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "dirlink")))
	require.NoError(t, os.Symlink(root, filepath.Join(root, "real", "loop")))
	require.NoError(t, os.Symlink(filepath.Join(root, "gone"), filepath.Join(root, "dangling")))

	assert.Equal(t, []string{"link.txt", "real/data.txt"}, relPaths(t, root))
}

// TestWalk_IsRestartable verifies each range performs a fresh traversal.
func TestWalk_IsRestartable(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a", "x")

	seq, err := Walk(root, nil)
	require.NoError(t, err)

	first, err := Collect(seq)
	require.NoError(t, err)
	writeFile(t, root, "b", "x")
	second, err := Collect(seq)
	require.NoError(t, err)

	assert.Len(t, first, 1)
	assert.Len(t, second, 2)
}

func TestWalk_EarlyBreak(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a", "b", "c", "d"} {
		writeFile(t, root, name, "x")
	}
	seq, err := Walk(root, nil)
	require.NoError(t, err)

	n := 0
	for _, err := range seq {
		require.NoError(t, err)
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestMatcher(t *testing.T) {
	m, err := NewMatcher([]string{".git", "*.log", "dist/", "src/**/gen_*.go", "  "})
	require.NoError(t, err)

	tests := map[string]bool{
		".git":                 true,
		"sub/.git/config":      true,
		"app.log":              true,
		"deep/dir/APP.LOG":     true,
		"dist":                 true,
		"src/a/b/gen_api.go":   true,
		"src/api.go":           false,
		"gitignore":            false,
		"logs/app.txt":         false,
		"other/dist-notes.md":  false,
		"src/a/b/generated.go": false,
	}
	for rel, want := range tests {
		assert.Equal(t, want, m.Match(rel), rel)
	}
	assert.Equal(t, []string{".git", "*.log", "dist", "src/**/gen_*.go"}, m.Patterns())

	var nilMatcher *Matcher
	assert.False(t, nilMatcher.Match("anything"))
}

func TestMatcher_MatchPathChecksParents(t *testing.T) {
	m, err := NewMatcher([]string{"vendor/**", "tmp/cache"})
	require.NoError(t, err)

	assert.True(t, m.MatchPath("tmp/cache/a/b.bin"))
	assert.False(t, m.Match("tmp/cache/a/b.bin"))
	assert.True(t, m.MatchPath("vendor/x/y.go"))
	assert.False(t, m.MatchPath("tmp/other.bin"))
}
