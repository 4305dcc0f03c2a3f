package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func newTestCatalog(t *testing.T) (*Catalog, string) {
	t.Helper()
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "court-1", "court-1-20260301T100000-aaaa1111.mp4"), []byte("video-a"))
	writeFile(t, filepath.Join(root, "court-1", "court-1-20260301T110000-bbbb2222.mp4.part"), []byte("inflight"))
	writeFile(t, filepath.Join(root, "court-2", "court-2-20260301T120000-cccc3333.mp4"), []byte("video-c"))
	writeFile(t, filepath.Join(root, "stray.txt"), []byte("not a recording"))

	return New(root), root
}

func TestCatalogList(t *testing.T) {
	c, _ := newTestCatalog(t)

	entries, err := c.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List() returned %d entries, want 2 (no .part, no stray files)", len(entries))
	}

	byID := make(map[string]Entry)
	for _, e := range entries {
		byID[e.SessionID] = e
	}

	a, ok := byID["court-1-20260301T100000-aaaa1111"]
	if !ok {
		t.Fatal("finalized recording for court-1 missing from listing")
	}
	if a.ScopeID != "court-1" {
		t.Errorf("scope = %s, want court-1", a.ScopeID)
	}
	if a.SizeBytes != int64(len("video-a")) {
		t.Errorf("size = %d, want %d", a.SizeBytes, len("video-a"))
	}
	if a.ModifiedAt.IsZero() {
		t.Error("modified time not set")
	}

	if _, ok := byID["court-1-20260301T110000-bbbb2222"]; ok {
		t.Error("in-flight .part file must never be listed")
	}
}

func TestCatalogResolve(t *testing.T) {
	c, root := newTestCatalog(t)

	entry, err := c.Resolve("court-2-20260301T120000-cccc3333")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	want := filepath.Join(root, "court-2", "court-2-20260301T120000-cccc3333.mp4")
	if entry.Path != want {
		t.Errorf("path = %s, want %s", entry.Path, want)
	}

	if _, err := c.Resolve("no-such-session"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(unknown) error = %v, want ErrNotFound", err)
	}
	if _, err := c.Resolve("court-1-20260301T110000-bbbb2222"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(.part session) error = %v, want ErrNotFound", err)
	}
}

func TestCatalogMissingRoot(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "does-not-exist"))

	entries, err := c.List()
	if err != nil {
		t.Fatalf("List() on missing root error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("List() on missing root returned %d entries, want 0", len(entries))
	}
}
