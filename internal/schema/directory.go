package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"
)

// ManifestEntry maps a slash-separated relative path to a content hash.
type ManifestEntry struct {
	Path string `json:"path" yaml:"path"`
	Hash string `json:"sha256" yaml:"sha256"`
	Mode uint32 `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// Manifest is the ordered list of entries registered for a tree.
type Manifest []ManifestEntry

// Sort orders the manifest by path.
func (m Manifest) Sort() {
	slices.SortFunc(m, func(a, b ManifestEntry) int {
		return strings.Compare(a.Path, b.Path)
	})
}

// Hashes returns the distinct content hashes referenced by the manifest.
func (m Manifest) Hashes() []string {
	seen := make(map[string]struct{}, len(m))
	out := make([]string, 0, len(m))
	for _, e := range m {
		if _, ok := seen[e.Hash]; ok {
			continue
		}
		seen[e.Hash] = struct{}{}
		out = append(out, e.Hash)
	}
	return out
}

// Validate checks that every entry has a path and a valid hash, that paths
// are unique, and that the manifest is sorted.
func (m Manifest) Validate() error {
	for i, e := range m {
		if e.Path == "" {
			return fmt.Errorf("entry %d: path is required", i)
		}
		if strings.HasPrefix(e.Path, "/") || strings.Contains(e.Path, "\\") {
			return fmt.Errorf("entry %d: path %q must be relative and slash-separated", i, e.Path)
		}
		if !IsValidHash(e.Hash) {
			return fmt.Errorf("entry %d (%s): invalid sha256 %q", i, e.Path, e.Hash)
		}
		if i > 0 && m[i-1].Path >= e.Path {
			return fmt.Errorf("entry %d (%s): manifest is not sorted or has duplicates", i, e.Path)
		}
	}
	return nil
}

// Digest returns a stable digest of the manifest contents. Two manifests
// with the same entries in the same order have the same digest.
func (m Manifest) Digest() string {
	h := sha256.New()
	for _, e := range m {
		_, _ = io.WriteString(h, e.Path)
		_, _ = h.Write([]byte{0})
		_, _ = io.WriteString(h, e.Hash)
		_, _ = fmt.Fprintf(h, "\x00%o\n", e.Mode)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DirectoryState is a synchronized snapshot of a local tree as registered
// with the backend. It is immutable once created.
type DirectoryState struct {
	ID        string    `json:"id" yaml:"id"`
	Manifest  Manifest  `json:"manifest" yaml:"entries"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// IsValidHash reports whether s is a lowercase hex SHA-256 digest.
func IsValidHash(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// HashBytes returns the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
