package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Reviewer.Agent != "canary:canary" {
		t.Errorf("expected reviewer canary:canary, got %q", cfg.Reviewer.Agent)
	}
	if len(cfg.Gate.Tools) != 1 || cfg.Gate.Tools[0] != "Task" {
		t.Errorf("expected gate.tools=[Task], got %v", cfg.Gate.Tools)
	}
	if len(cfg.Policy.Skip) != 0 {
		t.Errorf("expected no default skip patterns, got %v", cfg.Policy.Skip)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_CreatesDefaultFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CANARY_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("expected info level, got %q", cfg.Log.Level)
	}
	if _, err := os.Stat(filepath.Join(home, "config.json")); err != nil {
		t.Fatalf("expected config file created: %v", err)
	}
}

func TestLoad_ReadsFileAndEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CANARY_HOME", home)
	t.Setenv("CANARY_LOG_LEVEL", "DEBUG")
	t.Setenv("CANARY_STATE_PATH", "/tmp/canary-env/state.json")

	data := `{"reviewer":{"agent":"guard:review"},"gate":{"tools":["Task","Agent"]},"registry":{"manifest-path":"/opt/plugins.json"}}`
	if err := os.WriteFile(filepath.Join(home, "config.json"), []byte(data), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Reviewer.Agent != "guard:review" {
		t.Errorf("expected reviewer from file, got %q", cfg.Reviewer.Agent)
	}
	if len(cfg.Gate.Tools) != 2 || cfg.Gate.Tools[1] != "Agent" {
		t.Errorf("expected tools from file, got %v", cfg.Gate.Tools)
	}
	if cfg.ManifestPath() != "/opt/plugins.json" {
		t.Errorf("expected manifest path from file, got %q", cfg.ManifestPath())
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected env log level normalized to debug, got %q", cfg.Log.Level)
	}
	if cfg.StatePath() != "/tmp/canary-env/state.json" {
		t.Errorf("expected env state path, got %q", cfg.StatePath())
	}
	if len(cfg.Policy.Skip) != 0 {
		t.Errorf("expected empty default skip list, got %v", cfg.Policy.Skip)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"bad exclude", func(c *Config) { c.Registry.Exclude = []string{"[unclosed"} }, "registry.exclude"},
		{"no tools", func(c *Config) { c.Gate.Tools = []string{" "} }, "gate.tools"},
		{"reviewer key", func(c *Config) { c.Reviewer.Agent = "canary@local" }, "reviewer.agent"},
		{"empty source skip", func(c *Config) { c.Policy.Skip = []string{"@"} }, "policy.skip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_FillsDefaults(t *testing.T) {
	cfg := &Config{Gate: GateConfig{Tools: []string{"Task"}}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if cfg.Reviewer.Agent != "canary:canary" || cfg.Log.Level != "info" || cfg.Registry.ManifestPath == "" {
		t.Fatalf("expected defaults filled, got %+v", cfg)
	}
}

func stubExecutable(t *testing.T, path string) {
	t.Helper()
	orig := executable
	executable = func() (string, error) { return path, nil }
	t.Cleanup(func() { executable = orig })
}

func TestStatePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CANARY_HOME", home)
	stubExecutable(t, filepath.Join(t.TempDir(), "canary"))

	cfg := DefaultConfig()
	t.Setenv("CLAUDE_PLUGIN_ROOT", "")
	if got := cfg.StatePath(); got != filepath.Join(home, "state.json") {
		t.Fatalf("expected config-dir state path, got %q", got)
	}

	t.Setenv("CLAUDE_PLUGIN_ROOT", "/plugins/canary")
	if got := cfg.StatePath(); got != filepath.Join("/plugins/canary", "resources", "state.json") {
		t.Fatalf("expected plugin-root state path, got %q", got)
	}
	if got := cfg.AuditPath(); got != filepath.Join("/plugins/canary", "resources", "audit.jsonl") {
		t.Fatalf("expected audit beside state, got %q", got)
	}

	cfg.Audit.Path = "OFF"
	if got := cfg.AuditPath(); got != "" {
		t.Fatalf("expected audit disabled, got %q", got)
	}
}

func TestStatePath_DerivedFromExecutable(t *testing.T) {
	t.Setenv("CANARY_HOME", t.TempDir())
	t.Setenv("CLAUDE_PLUGIN_ROOT", "")
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".claude-plugin"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stubExecutable(t, filepath.Join(root, "bin", "canary"))

	if got := DefaultConfig().StatePath(); got != filepath.Join(root, "resources", "state.json") {
		t.Fatalf("expected state under derived plugin root, got %q", got)
	}
}

func TestStatePath_BinaryOutsidePluginIgnored(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CANARY_HOME", home)
	t.Setenv("CLAUDE_PLUGIN_ROOT", "")
	stubExecutable(t, filepath.Join(t.TempDir(), "bin", "canary"))

	if got := DefaultConfig().StatePath(); got != filepath.Join(home, "state.json") {
		t.Fatalf("expected config-dir state path, got %q", got)
	}
}

func TestLoad_RemembersPluginRoot(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CANARY_HOME", home)
	stubExecutable(t, filepath.Join(t.TempDir(), "canary"))
	pluginRoot := filepath.Join(t.TempDir(), "canary-plugin")

	t.Setenv("CLAUDE_PLUGIN_ROOT", pluginRoot)
	if _, err := Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}

	t.Setenv("CLAUDE_PLUGIN_ROOT", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := cfg.StatePath(); got != filepath.Join(pluginRoot, "resources", "state.json") {
		t.Fatalf("expected remembered plugin root, got %q", got)
	}
}
