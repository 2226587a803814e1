package registry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
	return path
}

func TestSnapshotDir_IndependentOfCreationOrder(t *testing.T) {
	first := t.TempDir()
	writeFile(t, first, "agents/reviewer.md", "agent")
	writeFile(t, first, "hooks/gate.py", "print('x')")
	writeFile(t, first, "README.md", "readme")

	second := t.TempDir()
	writeFile(t, second, "README.md", "readme")
	writeFile(t, second, "hooks/gate.py", "print('x')")
	writeFile(t, second, "agents/reviewer.md", "agent")

	a, err := SnapshotDir(first, DefaultExclude)
	if err != nil {
		t.Fatalf("SnapshotDir first: %v", err)
	}
	b, err := SnapshotDir(second, DefaultExclude)
	if err != nil {
		t.Fatalf("SnapshotDir second: %v", err)
	}
	if a.Digest != b.Digest {
		t.Fatalf("expected equal digests, got %s vs %s", a.Digest, b.Digest)
	}
	if !strings.HasPrefix(a.Digest, "sha256:") || a.Digest == EmptyDigest {
		t.Fatalf("unexpected digest %q", a.Digest)
	}

	wantOrder := []string{"README.md", "agents/reviewer.md", "hooks/gate.py"}
	if len(a.Files) != len(wantOrder) {
		t.Fatalf("expected %d files, got %v", len(wantOrder), a.Files)
	}
	for i, rel := range wantOrder {
		want := filepath.Join(first, filepath.FromSlash(rel))
		if a.Files[i] != want {
			t.Fatalf("file %d: expected %s, got %s", i, want, a.Files[i])
		}
	}
}

func TestSnapshotDir_ContentChangeChangesDigest(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "hooks/gate.py", "safe")

	before, err := SnapshotDir(root, DefaultExclude)
	if err != nil {
		t.Fatalf("SnapshotDir: %v", err)
	}
	if err := os.WriteFile(path, []byte("evil"), 0644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	after, err := SnapshotDir(root, DefaultExclude)
	if err != nil {
		t.Fatalf("SnapshotDir: %v", err)
	}
	if before.Digest == after.Digest {
		t.Fatal("expected digest to change after content edit")
	}
}

func TestSnapshotDir_PathBoundariesAreUnambiguous(t *testing.T) {
	first := t.TempDir()
	writeFile(t, first, "ab", "c")
	second := t.TempDir()
	writeFile(t, second, "a", "bc")

	a, err := SnapshotDir(first, nil)
	if err != nil {
		t.Fatalf("SnapshotDir: %v", err)
	}
	b, err := SnapshotDir(second, nil)
	if err != nil {
		t.Fatalf("SnapshotDir: %v", err)
	}
	if a.Digest == b.Digest {
		t.Fatal("expected distinct digests for different path/content splits")
	}
}

func TestSnapshotDir_ExcludesNoise(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "hooks/gate.py", "code")
	clean, err := SnapshotDir(root, DefaultExclude)
	if err != nil {
		t.Fatalf("SnapshotDir: %v", err)
	}

	writeFile(t, root, "hooks/__pycache__/gate.cpython-312.pyc", "bytecode")
	writeFile(t, root, "core/stale.pyc", "bytecode")
	writeFile(t, root, ".DS_Store", "finder")
	noisy, err := SnapshotDir(root, DefaultExclude)
	if err != nil {
		t.Fatalf("SnapshotDir: %v", err)
	}

	if clean.Digest != noisy.Digest {
		t.Fatalf("noise changed digest: %s vs %s", clean.Digest, noisy.Digest)
	}
	if len(noisy.Files) != 1 {
		t.Fatalf("expected only gate.py, got %v", noisy.Files)
	}
}

func TestSnapshotDir_ExecutableBitChangesDigest(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "bin/run.sh", "echo hi")

	before, err := SnapshotDir(root, nil)
	if err != nil {
		t.Fatalf("SnapshotDir: %v", err)
	}
	if err := os.Chmod(path, 0755); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	after, err := SnapshotDir(root, nil)
	if err != nil {
		t.Fatalf("SnapshotDir: %v", err)
	}
	if before.Digest == after.Digest {
		t.Fatal("expected executable bit to change digest")
	}
}

func TestSnapshotDir_SymlinkTargetChangesDigest(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "a")
	writeFile(t, root, "b.txt", "b")
	link := filepath.Join(root, "current")
	if err := os.Symlink("a.txt", link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	before, err := SnapshotDir(root, nil)
	if err != nil {
		t.Fatalf("SnapshotDir: %v", err)
	}
	if err := os.Remove(link); err != nil {
		t.Fatalf("remove link: %v", err)
	}
	if err := os.Symlink("b.txt", link); err != nil {
		t.Fatalf("relink: %v", err)
	}
	after, err := SnapshotDir(root, nil)
	if err != nil {
		t.Fatalf("SnapshotDir: %v", err)
	}
	if before.Digest == after.Digest {
		t.Fatal("expected symlink retarget to change digest")
	}
}

func TestSnapshotDir_EmptyAndMissing(t *testing.T) {
	snap, err := SnapshotDir(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("SnapshotDir empty: %v", err)
	}
	if snap.Digest != EmptyDigest || len(snap.Files) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}

	_, err = SnapshotDir(filepath.Join(t.TempDir(), "missing"), nil)
	if !errors.Is(err, ErrExtensionUnreadable) {
		t.Fatalf("expected ErrExtensionUnreadable, got %v", err)
	}
}

func TestValidatePatterns(t *testing.T) {
	if err := ValidatePatterns(DefaultExclude); err != nil {
		t.Fatalf("default patterns invalid: %v", err)
	}
	if err := ValidatePatterns([]string{"[unclosed"}); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}
