package scan

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contree/broker/internal/errs"
)

func TestFindRepo(t *testing.T) {
	mkdirs := func(t *testing.T, root string, dirs ...string) {
		t.Helper()
		for _, d := range dirs {
			require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0o755))
		}
	}

	t.Run("git from a subdirectory", func(t *testing.T) {
		root := t.TempDir()
		mkdirs(t, root, ".git", "src/pkg")

		repo, err := FindRepo(filepath.Join(root, "src", "pkg"))
		require.NoError(t, err)
		assert.Equal(t, RepoGit, repo.Kind)
		assert.Equal(t, root, repo.Root)
		assert.False(t, repo.Worktree)
		assert.Equal(t, []string{".git"}, repo.MetadataExcludes())
	})

	t.Run("colocated", func(t *testing.T) {
		root := t.TempDir()
		mkdirs(t, root, ".git", ".jj")

		repo, err := FindRepo(root)
		require.NoError(t, err)
		assert.Equal(t, RepoColocated, repo.Kind)
		assert.ElementsMatch(t, []string{".git", ".jj"}, repo.MetadataExcludes())
	})

	t.Run("nearest wins", func(t *testing.T) {
		root := t.TempDir()
		mkdirs(t, root, ".git", "vendor/lib/.hg")

		repo, err := FindRepo(filepath.Join(root, "vendor", "lib"))
		require.NoError(t, err)
		assert.Equal(t, RepoHg, repo.Kind)
		assert.Equal(t, filepath.Join(root, "vendor", "lib"), repo.Root)
	})

	t.Run("git worktree", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, ".git"), []byte("gitdir: /elsewhere/.git/worktrees/wt\n"), 0o644))

		repo, err := FindRepo(root)
		require.NoError(t, err)
		assert.Equal(t, RepoGit, repo.Kind)
		assert.True(t, repo.Worktree)
	})

	t.Run("none", func(t *testing.T) {
		// The temp dir may itself live inside a checkout on some machines.
		if _, err := FindRepo(os.TempDir()); err == nil {
			t.Skip("temp dir is inside a repository")
		}
		_, err := FindRepo(t.TempDir())
		assert.True(t, errors.Is(err, errs.ErrNotFound))
	})
}
