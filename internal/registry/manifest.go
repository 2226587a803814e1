package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

var (
	// ErrManifestUnavailable is returned when the host manifest is missing
	// or cannot be parsed. Callers treat it as an empty registry.
	ErrManifestUnavailable = errors.New("installed extension manifest unavailable")

	// ErrExtensionUnreadable is returned when an extension's install
	// directory cannot be fully enumerated or read.
	ErrExtensionUnreadable = errors.New("extension unreadable")
)

// InstallDescriptor is one install entry of an extension in the host
// manifest.
type InstallDescriptor struct {
	InstallPath string `json:"installPath"`
	Version     string `json:"version,omitempty"`
	Scope       string `json:"scope,omitempty"`
}

// Manifest is the host's installed-extension registry, keyed by
// extension key.
type Manifest struct {
	Version  int
	Installs map[string]InstallDescriptor
}

type rawManifest struct {
	Version int                        `json:"version"`
	Plugins map[string]json.RawMessage `json:"plugins"`
}

// LoadManifest reads the manifest at path. A missing or unparseable file
// returns an empty manifest and ErrManifestUnavailable. Malformed
// individual entries are skipped.
func LoadManifest(path string) (Manifest, error) {
	empty := Manifest{Installs: map[string]InstallDescriptor{}}

	data, err := os.ReadFile(path)
	if err != nil {
		return empty, fmt.Errorf("%w: read %s: %v", ErrManifestUnavailable, path, err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes manifest bytes with the same tolerance as
// LoadManifest.
func ParseManifest(data []byte) (Manifest, error) {
	out := Manifest{Installs: map[string]InstallDescriptor{}}

	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return out, fmt.Errorf("%w: parse: %v", ErrManifestUnavailable, err)
	}
	if raw.Plugins == nil {
		return out, fmt.Errorf("%w: missing plugins object", ErrManifestUnavailable)
	}
	out.Version = raw.Version

	for key, entry := range raw.Plugins {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		var installs []InstallDescriptor
		if err := json.Unmarshal(entry, &installs); err != nil {
			slog.Debug("skipping malformed manifest entry", "key", key, "error", err)
			continue
		}
		if len(installs) == 0 || strings.TrimSpace(installs[0].InstallPath) == "" {
			slog.Debug("skipping manifest entry without install path", "key", key)
			continue
		}
		out.Installs[key] = installs[0]
	}
	return out, nil
}
