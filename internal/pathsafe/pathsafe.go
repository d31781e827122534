// Package pathsafe validates archive entry paths against a destination root.
// It rejects traversal segments and absolute prefixes, normalizes separators,
// and holds the fail-closed hardening gate for bulk writes. It never consults
// backend identity — only the resolved capability set.
package pathsafe

import (
	"fmt"
	"path"
	"strings"

	"github.com/quincefs/quince/internal/capability"
	"github.com/quincefs/quince/internal/storage"
)

// Normalized is a validated, forward-slash entry path split into parts.
type Normalized struct {
	// Path is the normalized relative path ("a/b/c.txt").
	Path string
	// Parts are the path segments; Dir is Parts without the final name.
	Parts []string
	Dir   []string
	// Name is the final segment.
	Name string
	// Depth is the number of segments.
	Depth int
}

// Normalize validates and normalizes a raw archive entry path.
//
// Backslashes become slashes, leading "./" runs are stripped, empty and "."
// segments are dropped. Any ".." segment, an absolute prefix (slash or drive
// letter), or a path that normalizes to nothing is a path escape.
func Normalize(raw string) (*Normalized, error) {
	p := strings.ReplaceAll(raw, "\\", "/")
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}

	if strings.HasPrefix(p, "/") || hasDrivePrefix(p) {
		return nil, escape(raw, "absolute path")
	}

	var parts []string
	for _, part := range strings.Split(p, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			return nil, escape(raw, "parent traversal")
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return nil, escape(raw, "empty path")
	}

	return &Normalized{
		Path:  strings.Join(parts, "/"),
		Parts: parts,
		Dir:   parts[:len(parts)-1],
		Name:  parts[len(parts)-1],
		Depth: len(parts),
	}, nil
}

// hasDrivePrefix reports a Windows-style absolute prefix like "C:".
func hasDrivePrefix(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func escape(raw, reason string) error {
	return &storage.Error{
		Code:    storage.CodePathEscape,
		Message: "archive entry escapes the destination",
		Err:     fmt.Errorf("%s in entry %q", reason, raw),
	}
}

// Guard resolves entry paths under a fixed destination root for one job.
type Guard struct {
	root string
	caps capability.Set
}

// NewGuard creates a Guard for a destination root key and the destination
// backend's resolved capability set. The root is slash-normalized and may be
// empty (backend root).
func NewGuard(root string, caps capability.Set) *Guard {
	root = strings.Trim(strings.ReplaceAll(root, "\\", "/"), "/")
	return &Guard{root: path.Clean("/" + root)[1:], caps: caps}
}

// CheckGate enforces the bulk-write hardening gate. Backends whose resolved
// capability set lacks security.safe_for_archive_extract refuse extraction
// outright: object stores carry it intrinsically, mounts only when the
// deployment asserts hardening. A syntactically safe path is worthless if the
// storage layer can still follow a symlink out of the root afterwards.
func (g *Guard) CheckGate() error {
	if !g.caps.Has(capability.SafeForExtract) {
		return storage.ErrSafetyGateClosed
	}
	return nil
}

// Resolve validates entryPath and returns its normalized form plus the full
// destination key under the root. The joined key is re-verified against the
// root prefix even though normalization already forbids traversal.
func (g *Guard) Resolve(entryPath string) (*Normalized, string, error) {
	if err := g.CheckGate(); err != nil {
		return nil, "", err
	}

	n, err := Normalize(entryPath)
	if err != nil {
		return nil, "", err
	}

	joined := n.Path
	if g.root != "" {
		joined = g.root + "/" + n.Path
	}
	joined = path.Clean(joined)

	if g.root != "" && joined != g.root && !strings.HasPrefix(joined, g.root+"/") {
		return nil, "", escape(entryPath, "resolved outside destination root")
	}

	return n, joined, nil
}

// Root returns the canonical destination root key.
func (g *Guard) Root() string { return g.root }
