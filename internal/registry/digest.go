package registry

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	digestPrefix = "sha256:"
	// EmptyDigest is the digest of an extension without hashable files.
	EmptyDigest = digestPrefix + "empty"
)

// DefaultExclude lists noise that never contributes to a digest.
var DefaultExclude = []string{
	"**/__pycache__/**",
	"**/*.pyc",
	"**/.DS_Store",
	"**/.git/**",
}

// entry kinds folded into the digest.
const (
	kindFile       byte = 'f'
	kindExecutable byte = 'x'
	kindSymlink    byte = 'l'
)

type fileEntry struct {
	rel  string // slash-separated, relative to the install root
	abs  string
	kind byte
	size int64
}

// Snapshot is the content identity of one extension directory.
type Snapshot struct {
	Files  []string // absolute paths in canonical order
	Digest string
}

// ValidatePatterns reports the first invalid exclusion glob.
func ValidatePatterns(patterns []string) error {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid exclude pattern: %q", p)
		}
	}
	return nil
}

// SnapshotDir enumerates root and computes its digest. Entries are
// ordered by relative path, so the result does not depend on traversal
// order. Any enumeration or read failure returns ErrExtensionUnreadable.
func SnapshotDir(root string, exclude []string) (Snapshot, error) {
	info, err := os.Stat(root)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrExtensionUnreadable, root, err)
	}
	if !info.IsDir() {
		return Snapshot{}, fmt.Errorf("%w: %s is not a directory", ErrExtensionUnreadable, root)
	}

	entries, err := collectEntries(root, exclude)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrExtensionUnreadable, root, err)
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		files = append(files, e.abs)
	}
	if len(entries) == 0 {
		return Snapshot{Files: files, Digest: EmptyDigest}, nil
	}

	h := sha256.New()
	for _, e := range entries {
		if err := hashEntry(h, e); err != nil {
			return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrExtensionUnreadable, e.abs, err)
		}
	}
	return Snapshot{Files: files, Digest: digestPrefix + hex.EncodeToString(h.Sum(nil))}, nil
}

func collectEntries(root string, exclude []string) ([]fileEntry, error) {
	var entries []fileEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if excluded(rel, exclude) {
				return filepath.SkipDir
			}
			return nil
		}
		if excluded(rel, exclude) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := info.Mode()
		switch {
		case mode&fs.ModeSymlink != 0:
			entries = append(entries, fileEntry{rel: rel, abs: path, kind: kindSymlink})
		case mode.IsRegular():
			kind := kindFile
			if mode.Perm()&0o111 != 0 {
				kind = kindExecutable
			}
			entries = append(entries, fileEntry{rel: rel, abs: path, kind: kind, size: info.Size()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })
	return entries, nil
}

func excluded(rel string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// hashEntry writes one length-prefixed (path, kind, content) record.
func hashEntry(h hash.Hash, e fileEntry) error {
	writeChunk(h, []byte(e.rel))
	h.Write([]byte{e.kind})

	if e.kind == kindSymlink {
		target, err := os.Readlink(e.abs)
		if err != nil {
			return err
		}
		writeChunk(h, []byte(target))
		return nil
	}

	f, err := os.Open(e.abs)
	if err != nil {
		return err
	}
	defer f.Close()

	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(e.size))
	h.Write(size[:])
	n, err := io.Copy(h, f)
	if err != nil {
		return err
	}
	if n != e.size {
		return fmt.Errorf("size changed while hashing: expected %d bytes, read %d", e.size, n)
	}
	return nil
}

func writeChunk(h hash.Hash, b []byte) {
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(b)))
	h.Write(size[:])
	h.Write(b)
}
