package pathsafe

import (
	"errors"
	"testing"

	"github.com/quincefs/quince/internal/capability"
	"github.com/quincefs/quince/internal/storage"
)

func allCaps() capability.Set {
	return capability.Set{
		capability.SafeForExtract: true,
		capability.StreamingWrite: true,
	}
}

func TestNormalizeAcceptsCleanPaths(t *testing.T) {
	cases := map[string]string{
		"a/b/c.txt":       "a/b/c.txt",
		"./docs/readme":   "docs/readme",
		"././x":           "x",
		"a//b":            "a/b",
		"a\\b\\c":         "a/b/c",
		"dir/./file":      "dir/file",
		"trailing/slash/": "trailing/slash",
	}
	for raw, want := range cases {
		n, err := Normalize(raw)
		if err != nil {
			t.Errorf("Normalize(%q) unexpected error: %v", raw, err)
			continue
		}
		if n.Path != want {
			t.Errorf("Normalize(%q) = %q, want %q", raw, n.Path, want)
		}
	}
}

func TestNormalizeRejectsEscapes(t *testing.T) {
	rejected := []string{
		"../secret",
		"a/../../b",
		"..",
		"a/b/..",
		"/etc/passwd",
		"\\windows\\system32",
		"C:evil",
		"c:/evil",
		"",
		".",
		"./",
		"//",
	}
	for _, raw := range rejected {
		if _, err := Normalize(raw); err == nil {
			t.Errorf("Normalize(%q) accepted, want path escape", raw)
		} else if !errors.Is(err, storage.ErrPathEscape) {
			t.Errorf("Normalize(%q) error = %v, want PATH_ESCAPE", raw, err)
		}
	}
}

func TestNormalizeParts(t *testing.T) {
	n, err := Normalize("a/b/c.txt")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if n.Name != "c.txt" {
		t.Errorf("Name = %q, want c.txt", n.Name)
	}
	if len(n.Dir) != 2 || n.Dir[0] != "a" || n.Dir[1] != "b" {
		t.Errorf("Dir = %v, want [a b]", n.Dir)
	}
	if n.Depth != 3 {
		t.Errorf("Depth = %d, want 3", n.Depth)
	}
}

func TestGuardResolveJoinsUnderRoot(t *testing.T) {
	g := NewGuard("dest/folder", allCaps())

	n, key, err := g.Resolve("sub/file.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if key != "dest/folder/sub/file.txt" {
		t.Errorf("key = %q", key)
	}
	if n.Path != "sub/file.txt" {
		t.Errorf("normalized = %q", n.Path)
	}
}

func TestGuardResolveEmptyRoot(t *testing.T) {
	g := NewGuard("", allCaps())
	_, key, err := g.Resolve("file.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if key != "file.txt" {
		t.Errorf("key = %q, want file.txt", key)
	}
}

func TestGuardRefusesTraversal(t *testing.T) {
	g := NewGuard("dest", allCaps())
	if _, _, err := g.Resolve("../../etc/passwd"); !errors.Is(err, storage.ErrPathEscape) {
		t.Fatalf("Resolve(../../etc/passwd) error = %v, want PATH_ESCAPE", err)
	}
}

func TestGuardGateFailsClosed(t *testing.T) {
	// Missing security.safe_for_archive_extract refuses even safe paths.
	g := NewGuard("dest", capability.Set{capability.StreamingWrite: true})

	if err := g.CheckGate(); !errors.Is(err, storage.ErrSafetyGateClosed) {
		t.Fatalf("CheckGate error = %v, want MOUNT_ARCHIVE_EXTRACT_UNSAFE", err)
	}
	if _, _, err := g.Resolve("perfectly/fine.txt"); !errors.Is(err, storage.ErrSafetyGateClosed) {
		t.Fatalf("Resolve error = %v, want MOUNT_ARCHIVE_EXTRACT_UNSAFE", err)
	}
}

func TestGuardGateCodeIsStable(t *testing.T) {
	g := NewGuard("dest", capability.Set{})
	err := g.CheckGate()
	if storage.CodeOf(err) != "MOUNT_ARCHIVE_EXTRACT_UNSAFE" {
		t.Fatalf("code = %q, want MOUNT_ARCHIVE_EXTRACT_UNSAFE", storage.CodeOf(err))
	}
}
