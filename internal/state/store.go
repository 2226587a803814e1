package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const (
	documentVersion = 1
	stateFileMode   = 0600
	stateDirMode    = 0755
	corruptSuffix   = ".corrupt"
)

var (
	// ErrStoreCorrupt is returned alongside an empty document when the
	// state file exists but cannot be parsed.
	ErrStoreCorrupt = errors.New("state store corrupt")

	// ErrPersist wraps any failure to durably replace the state file.
	ErrPersist = errors.New("state store persist failed")
)

// Store persists the extension trust document to a single JSON file.
// Every write replaces the whole file atomically.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store backed by the file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the document. A missing file yields an empty document and
// nil error; an unparseable file yields an empty document and
// ErrStoreCorrupt.
func (s *Store) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadLocked()
}

// Save atomically replaces the document on disk.
func (s *Store) Save(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveLocked(doc)
}

// Update loads the document, applies fn and saves the result. A corrupt
// store is treated as empty. If fn returns an error nothing is written.
func (s *Store) Update(fn func(doc *Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked()
	if err != nil && !errors.Is(err, ErrStoreCorrupt) {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.saveLocked(doc)
}

func (s *Store) loadLocked() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDocument(), nil
		}
		// An unreadable store must not grant trust; callers see it as empty.
		return NewDocument(), fmt.Errorf("%w: read %s: %v", ErrStoreCorrupt, s.path, err)
	}

	var parsed Document
	if err := json.Unmarshal(data, &parsed); err != nil {
		s.quarantine(data)
		return NewDocument(), fmt.Errorf("%w: parse %s: %v", ErrStoreCorrupt, s.path, err)
	}
	return normalizeDocument(&parsed), nil
}

func (s *Store) saveLocked(doc *Document) error {
	if doc == nil {
		doc = NewDocument()
	}
	doc = normalizeDocument(doc)

	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrPersist, err)
	}
	encoded = append(encoded, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, stateDirMode); err != nil {
		return fmt.Errorf("%w: create state dir: %v", ErrPersist, err)
	}

	tmpFile, err := os.CreateTemp(dir, "state-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp state: %v", ErrPersist, err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := tmpFile.Write(encoded); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("%w: write temp state: %v", ErrPersist, err)
	}
	if err := tmpFile.Chmod(stateFileMode); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("%w: chmod temp state: %v", ErrPersist, err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("%w: sync temp state: %v", ErrPersist, err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("%w: close temp state: %v", ErrPersist, err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("%w: replace state: %v", ErrPersist, err)
	}
	return nil
}

// quarantine keeps a copy of an unparseable document for inspection.
func (s *Store) quarantine(data []byte) {
	target := s.path + corruptSuffix
	if err := os.WriteFile(target, data, stateFileMode); err != nil {
		slog.Warn("failed to preserve corrupt state file", "path", target, "error", err)
		return
	}
	slog.Warn("state file corrupt, treating as empty", "path", s.path, "preserved", target)
}

func normalizeDocument(doc *Document) *Document {
	if doc.Version <= 0 {
		doc.Version = documentVersion
	}
	if doc.Extensions == nil {
		doc.Extensions = map[string]*Record{}
	}
	for key, rec := range doc.Extensions {
		if rec == nil || strings.TrimSpace(key) == "" {
			delete(doc.Extensions, key)
			continue
		}
		rec.Key = key
		if !rec.AuditState.Valid() {
			rec.AuditState = StateUnaudited
		}
		if rec.Files == nil {
			rec.Files = []string{}
		}
	}
	return doc
}

// Keys returns the document's keys in sorted order.
func (d *Document) Keys() []string {
	keys := make([]string, 0, len(d.Extensions))
	for key := range d.Extensions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Records returns copies of all records sorted by key.
func (d *Document) Records() []Record {
	records := make([]Record, 0, len(d.Extensions))
	for _, key := range d.Keys() {
		rec, _ := d.Get(key)
		records = append(records, rec.Clone())
	}
	return records
}

// Clone returns a deep copy of r.
func (r *Record) Clone() Record {
	out := *r
	out.Files = append([]string{}, r.Files...)
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		out.DecidedAt = &t
	}
	return out
}
