package scan

import (
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// Matcher decides whether a relative path is excluded.
//
// A pattern without a slash or glob metacharacter is a bare name and
// matches any path component, so "node_modules" excludes every
// node_modules directory in the tree. Any other pattern is a glob
// matched against the slash-separated relative path; a glob without a
// slash is also matched against the base name, so "*.pyc" works at any
// depth. "**" crosses directories. Matching is case-insensitive.
type Matcher struct {
	names    map[string]struct{}
	globs    []glob.Glob
	baseOnly []glob.Glob
	patterns []string
}

// NewMatcher compiles exclude patterns. Blank patterns are ignored.
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{names: make(map[string]struct{})}
	for _, raw := range patterns {
		p := strings.ToLower(strings.TrimSpace(raw))
		p = strings.TrimPrefix(p, "./")
		p = strings.TrimRight(p, "/")
		if p == "" {
			continue
		}
		m.patterns = append(m.patterns, p)

		if !strings.ContainsAny(p, "/*?[{") {
			m.names[p] = struct{}{}
			continue
		}

		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", raw, err)
		}
		if strings.Contains(p, "/") {
			m.globs = append(m.globs, g)
		} else {
			m.baseOnly = append(m.baseOnly, g)
		}
	}
	return m, nil
}

// Patterns returns the normalized patterns in the order given.
func (m *Matcher) Patterns() []string {
	return append([]string(nil), m.patterns...)
}

// Match reports whether rel (slash-separated, relative to the scan root)
// is excluded. A nil Matcher excludes nothing.
func (m *Matcher) Match(rel string) bool {
	if m == nil || rel == "" {
		return false
	}
	rel = strings.ToLower(rel)

	if len(m.names) > 0 {
		for _, part := range strings.Split(rel, "/") {
			if _, ok := m.names[part]; ok {
				return true
			}
		}
	}

	if len(m.baseOnly) > 0 {
		base := path.Base(rel)
		for _, g := range m.baseOnly {
			if g.Match(base) {
				return true
			}
		}
	}

	for _, g := range m.globs {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// MatchPath reports whether rel or any of its parent directories is
// excluded. Use it for descriptors that did not come from Walk, where
// excluded directories were never pruned.
func (m *Matcher) MatchPath(rel string) bool {
	if m == nil {
		return false
	}
	for {
		if m.Match(rel) {
			return true
		}
		i := strings.LastIndexByte(rel, '/')
		if i < 0 {
			return false
		}
		rel = rel[:i]
	}
}
