package scan

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/contree/broker/internal/errs"
)

// RepoKind names the version control system that owns a tree.
type RepoKind string

const (
	RepoJJ        RepoKind = "jj"
	RepoGit       RepoKind = "git"
	RepoColocated RepoKind = "jj+git"
	RepoHg        RepoKind = "hg"
)

// Repo is the working copy enclosing a directory.
type Repo struct {
	Kind RepoKind
	Root string // working copy root

	// Worktree is set for a linked git worktree, whose .git is a file.
	Worktree bool
}

// FindRepo walks up from dir to the nearest working copy root.
//
// Detection precedence at each level: .jj, then .git (a directory, or a
// file for linked worktrees), then .hg. A directory with both .jj and .git
// is a colocated repository.
//
// Returns an error wrapping errs.ErrNotFound if no working copy encloses
// dir.
func FindRepo(dir string) (Repo, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Repo{}, errs.IOError("resolve", dir, err)
	}

	for current := abs; ; {
		hasJJ := isDir(filepath.Join(current, ".jj"))
		gitInfo, gitErr := os.Stat(filepath.Join(current, ".git"))
		hasGit := gitErr == nil && (gitInfo.IsDir() || gitInfo.Mode().IsRegular())

		switch {
		case hasJJ && hasGit:
			return Repo{Kind: RepoColocated, Root: current}, nil
		case hasJJ:
			return Repo{Kind: RepoJJ, Root: current}, nil
		case hasGit:
			return Repo{Kind: RepoGit, Root: current, Worktree: gitInfo.Mode().IsRegular() && isGitLink(filepath.Join(current, ".git"))}, nil
		case isDir(filepath.Join(current, ".hg")):
			return Repo{Kind: RepoHg, Root: current}, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return Repo{}, errs.NotFound("no repository encloses %s", abs)
		}
		current = parent
	}
}

// MetadataExcludes returns the exclude patterns for the repository's own
// metadata directories.
func (r Repo) MetadataExcludes() []string {
	switch r.Kind {
	case RepoColocated:
		return []string{".jj", ".git"}
	case RepoJJ:
		return []string{".jj"}
	case RepoGit:
		return []string{".git"}
	case RepoHg:
		return []string{".hg"}
	}
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// isGitLink reports whether a .git file points at another git directory,
// as linked worktrees and submodules do.
func isGitLink(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(string(data)), "gitdir: ")
}
