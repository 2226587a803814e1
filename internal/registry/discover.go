// Package registry reconciles the host's installed-extension manifest
// with the trust store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/MEKXH/canary/internal/policy"
	"github.com/MEKXH/canary/internal/state"
)

// Options configures a Discoverer.
type Options struct {
	ManifestPath string
	Skip         policy.SkipSet
	Exclude      []string
}

// Discoverer runs discovery passes against one store.
type Discoverer struct {
	store        *state.Store
	manifestPath string
	skip         policy.SkipSet
	exclude      []string
	now          func() time.Time
}

// NewDiscoverer creates a discoverer writing to store.
func NewDiscoverer(store *state.Store, opts Options) *Discoverer {
	exclude := opts.Exclude
	if exclude == nil {
		exclude = DefaultExclude
	}
	return &Discoverer{
		store:        store,
		manifestPath: opts.ManifestPath,
		skip:         opts.Skip,
		exclude:      exclude,
		now:          time.Now,
	}
}

// Summary describes the outcome of one discovery pass.
type Summary struct {
	Keys                []string // all tracked keys after the pass
	New                 []string
	Changed             []string
	Unchanged           []string
	Dropped             []string
	Skipped             []string
	Unreadable          []string
	ManifestUnavailable bool
}

// Line renders the one-line session summary.
func (s Summary) Line() string {
	if len(s.Keys) == 0 {
		return "canary: no extensions to review"
	}
	return fmt.Sprintf("canary: %d extensions (%s)", len(s.Keys), strings.Join(s.Keys, ", "))
}

// scanned is the per-extension result of reading the install tree.
type scanned struct {
	installPath string
	snapshot    Snapshot
}

// Run performs a full discovery pass and persists the merged store.
// The returned error is non-nil only when the store cannot be written.
func (d *Discoverer) Run(ctx context.Context) (Summary, error) {
	var summary Summary

	manifest, err := LoadManifest(d.manifestPath)
	if err != nil {
		// Never retain trust for extensions whose presence cannot be confirmed.
		slog.Warn("manifest unavailable, treating registry as empty", "path", d.manifestPath, "error", err)
		summary.ManifestUnavailable = true
	}

	found := d.scan(ctx, manifest, &summary)

	err = d.store.Update(func(doc *state.Document) error {
		merge(doc, found, d.now().UTC(), &summary)
		return nil
	})
	if err != nil {
		return summary, fmt.Errorf("persist discovery: %w", err)
	}
	return summary, nil
}

func (d *Discoverer) scan(ctx context.Context, manifest Manifest, summary *Summary) map[string]scanned {
	keys := make([]string, 0, len(manifest.Installs))
	for key := range manifest.Installs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	found := make(map[string]scanned, len(keys))
	for _, key := range keys {
		if ctx.Err() != nil {
			// Unscanned extensions are dropped, never carried over as trusted.
			slog.Warn("discovery cancelled", "remaining_from", key, "error", ctx.Err())
			summary.Unreadable = append(summary.Unreadable, key)
			continue
		}
		if d.skip.Matches(key) {
			slog.Debug("skipping extension (skip list)", "key", key)
			summary.Skipped = append(summary.Skipped, key)
			continue
		}

		installPath := manifest.Installs[key].InstallPath
		snap, err := SnapshotDir(installPath, d.exclude)
		if err != nil {
			if errors.Is(err, ErrExtensionUnreadable) {
				slog.Warn("skipping unreadable extension", "key", key, "path", installPath, "error", err)
			}
			summary.Unreadable = append(summary.Unreadable, key)
			continue
		}
		found[key] = scanned{installPath: installPath, snapshot: snap}
	}
	return found
}

// merge reconciles doc with freshly scanned extensions. Records with an
// unchanged digest keep their audit state; new or changed ones become
// unaudited; records not found are deleted.
func merge(doc *state.Document, found map[string]scanned, now time.Time, summary *Summary) {
	for _, key := range doc.Keys() {
		if _, ok := found[key]; !ok {
			delete(doc.Extensions, key)
			summary.Dropped = append(summary.Dropped, key)
			slog.Debug("dropped extension", "key", key)
		}
	}

	keys := make([]string, 0, len(found))
	for key := range found {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		s := found[key]
		existing, ok := doc.Get(key)
		switch {
		case ok && existing.Digest == s.snapshot.Digest:
			existing.InstallPath = s.installPath
			existing.Files = s.snapshot.Files
			summary.Unchanged = append(summary.Unchanged, key)
			slog.Debug("unchanged extension", "key", key, "state", existing.AuditState)
		default:
			if ok {
				summary.Changed = append(summary.Changed, key)
				slog.Info("extension content changed, trust reset", "key", key, "previous_state", existing.AuditState)
			} else {
				summary.New = append(summary.New, key)
				slog.Debug("discovered extension", "key", key, "files", len(s.snapshot.Files))
			}
			doc.Put(&state.Record{
				Key:          key,
				InstallPath:  s.installPath,
				Files:        s.snapshot.Files,
				Digest:       s.snapshot.Digest,
				AuditState:   state.StateUnaudited,
				DiscoveredAt: now,
			})
		}
	}
	summary.Keys = doc.Keys()
}
