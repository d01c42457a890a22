// Package scan walks a local directory tree and yields the files a sync
// should consider.
package scan

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/contree/broker/internal/errs"
)

// FileDescriptor describes one regular file found by a scan.
type FileDescriptor struct {
	RelPath string // slash-separated, relative to the scan root
	AbsPath string // path to open; a symlink path when the file was reached through one
	Size    int64
	ModTime time.Time
	Mode    fs.FileMode // permission bits only
	Hash    string      // content hash, empty until resolved
}

var errStop = errors.New("stop")

// Walk returns a lazy sequence of the regular files under root that are
// not excluded. Each range over the sequence performs a fresh traversal,
// so the sequence can be consumed more than once and concurrently.
//
// Excluded directories are skipped without being opened. Symlinks are
// resolved: links to files inside root are yielded, links that leave root
// or point at directories are skipped, and dangling links are skipped.
//
// Walk fails up front with errs.ErrNotFound when root does not exist and
// with an invalid-pattern error for a bad exclude. During iteration the
// first stat or read failure is yielded as an errs.PathError and ends
// the sequence.
func Walk(root string, excludes []string) (iter.Seq2[FileDescriptor, error], error) {
	m, err := NewMatcher(excludes)
	if err != nil {
		return nil, err
	}
	return WalkMatcher(root, m)
}

// WalkMatcher is Walk with a precompiled Matcher.
func WalkMatcher(root string, m *Matcher) (iter.Seq2[FileDescriptor, error], error) {
	absRoot, err := resolveRoot(root)
	if err != nil {
		return nil, err
	}

	return func(yield func(FileDescriptor, error) bool) {
		w := walker{root: absRoot, matcher: m, yield: yield}
		err := filepath.WalkDir(absRoot, w.visit)
		if err != nil && !errors.Is(err, errStop) {
			yield(FileDescriptor{}, errs.IOError("scan", absRoot, err))
		}
	}, nil
}

// Collect drains a sequence into a slice, stopping at the first error.
func Collect(seq iter.Seq2[FileDescriptor, error]) ([]FileDescriptor, error) {
	var out []FileDescriptor
	for fd, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, fd)
	}
	return out, nil
}

func resolveRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", errs.IOError("resolve", root, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", errs.NotFound("directory %s", root)
		}
		return "", errs.IOError("resolve", root, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", errs.IOError("stat", root, err)
	}
	if !info.IsDir() {
		return "", errs.IOError("scan", root, fmt.Errorf("not a directory"))
	}
	return resolved, nil
}

type walker struct {
	root    string
	matcher *Matcher
	yield   func(FileDescriptor, error) bool
}

func (w *walker) fail(op, path string, err error) error {
	w.yield(FileDescriptor{}, errs.IOError(op, path, err))
	return errStop
}

func (w *walker) visit(path string, d fs.DirEntry, err error) error {
	if err != nil {
		return w.fail("read", path, err)
	}
	if path == w.root {
		return nil
	}

	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return w.fail("resolve", path, err)
	}
	rel = filepath.ToSlash(rel)

	if w.matcher.Match(rel) {
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	}

	if d.IsDir() {
		return nil
	}

	var info fs.FileInfo
	if d.Type()&fs.ModeSymlink != 0 {
		info, err = w.followLink(path)
		if err != nil {
			return w.fail("resolve", path, err)
		}
		if info == nil {
			return nil
		}
	} else {
		if !d.Type().IsRegular() {
			return nil
		}
		info, err = d.Info()
		if err != nil {
			return w.fail("stat", path, err)
		}
	}

	fd := FileDescriptor{
		RelPath: rel,
		AbsPath: path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Mode:    info.Mode().Perm(),
	}
	if !w.yield(fd, nil) {
		return errStop
	}
	return nil
}

// followLink returns the target's info for a link to a regular file inside
// root, or nil for links that should be skipped.
func (w *walker) followLink(path string) (fs.FileInfo, error) {
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	rel, err := filepath.Rel(w.root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, nil
	}
	info, err := os.Stat(target)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, nil
	}
	return info, nil
}
