// Package policy holds the static exemptions applied before any trust
// lookup.
package policy

import (
	"strings"

	"github.com/MEKXH/canary/internal/state"
)

// SkipSet is an exact-match set of extension key patterns exempt from
// gating.
//
// A pattern "name" matches the key "name" and any "name@source" key.
// A pattern "name@source" matches only that key. A pattern "@source"
// matches every key from that source. Matching is case-insensitive and
// never partial: "canary" does not match "canary-backdoor".
type SkipSet struct {
	names   map[string]struct{}
	keys    map[string]struct{}
	sources map[string]struct{}
}

// NewSkipSet builds a skip set, ignoring blank patterns.
func NewSkipSet(patterns []string) SkipSet {
	set := SkipSet{
		names:   map[string]struct{}{},
		keys:    map[string]struct{}{},
		sources: map[string]struct{}{},
	}
	for _, raw := range patterns {
		pattern := normalize(raw)
		switch {
		case pattern == "" || pattern == "@":
			continue
		case strings.HasPrefix(pattern, "@"):
			set.sources[pattern[1:]] = struct{}{}
		case strings.Contains(pattern, "@"):
			set.keys[pattern] = struct{}{}
		default:
			set.names[pattern] = struct{}{}
		}
	}
	return set
}

// Matches reports whether key is exempt.
func (s SkipSet) Matches(key string) bool {
	normalized := normalize(key)
	if normalized == "" {
		return false
	}
	if _, ok := s.keys[normalized]; ok {
		return true
	}
	name, source := state.SplitKey(normalized)
	if _, ok := s.names[name]; ok {
		return true
	}
	if source != "" {
		if _, ok := s.sources[source]; ok {
			return true
		}
	}
	return false
}

// Len returns the number of patterns in the set.
func (s SkipSet) Len() int {
	return len(s.names) + len(s.keys) + len(s.sources)
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
