package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/MEKXH/canary/internal/registry"
)

// Config root configuration
type Config struct {
	State    StateConfig    `mapstructure:"state" json:"state"`
	Registry RegistryConfig `mapstructure:"registry" json:"registry"`
	Policy   PolicyConfig   `mapstructure:"policy" json:"policy"`
	Reviewer ReviewerConfig `mapstructure:"reviewer" json:"reviewer"`
	Gate     GateConfig     `mapstructure:"gate" json:"gate"`
	Audit    AuditConfig    `mapstructure:"audit" json:"audit"`
	Log      LogConfig      `mapstructure:"log" json:"log"`
}

// StateConfig locates the trust document. An empty path resolves to
// <plugin root>/resources/state.json when a plugin root is known, else
// <config dir>/state.json.
type StateConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

// RegistryConfig locates the host's installed-extension manifest.
type RegistryConfig struct {
	ManifestPath string   `mapstructure:"manifest_path" json:"manifest_path"`
	Exclude      []string `mapstructure:"exclude" json:"exclude"`
}

// PolicyConfig holds the skip list.
type PolicyConfig struct {
	Skip []string `mapstructure:"skip" json:"skip"`
}

// ReviewerConfig names the reviewer agent.
type ReviewerConfig struct {
	Agent string `mapstructure:"agent" json:"agent"`
}

// GateConfig lists the host tools that are gated.
type GateConfig struct {
	Tools []string `mapstructure:"tools" json:"tools"`
}

// AuditConfig locates the audit trail. An empty path writes audit.jsonl
// beside the state document; "off" disables it.
type AuditConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

// LogConfig logging configuration
type LogConfig struct {
	Level string `mapstructure:"level" json:"level"`
	File  string `mapstructure:"file" json:"file"`
}

// AuditDisabled is the audit.path value that turns the audit trail off.
const AuditDisabled = "off"

const defaultManifestPath = "~/.claude/plugins/installed_plugins.json"

// envKeys are the settings overridable through CANARY_* variables.
var envKeys = []string{
	"state.path",
	"registry.manifest_path",
	"registry.exclude",
	"policy.skip",
	"reviewer.agent",
	"gate.tools",
	"audit.path",
	"log.level",
	"log.file",
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Registry: RegistryConfig{
			ManifestPath: defaultManifestPath,
			Exclude:      append([]string{}, registry.DefaultExclude...),
		},
		Policy: PolicyConfig{
			Skip: []string{},
		},
		Reviewer: ReviewerConfig{
			Agent: "canary:canary",
		},
		Gate: GateConfig{
			Tools: []string{"Task"},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// ConfigDir returns the canary config directory. CANARY_HOME overrides
// the default ~/.canary.
func ConfigDir() string {
	if dir := strings.TrimSpace(os.Getenv("CANARY_HOME")); dir != "" {
		return dir
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".canary")
}

// ConfigPath returns the config file path
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load loads config from file, creating it with defaults on first use,
// and applies CANARY_* environment overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := ConfigPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := Save(cfg); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("CANARY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return cfg, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	if err := rememberPluginRoot(); err != nil {
		slog.Warn("failed to remember plugin root", "error", err)
	}

	return cfg, nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save saves config to file
func Save(cfg *Config) error {
	configPath := ConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks the configuration and fills in defaults for empty values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Registry.ManifestPath) == "" {
		c.Registry.ManifestPath = defaultManifestPath
	}
	if err := registry.ValidatePatterns(c.Registry.Exclude); err != nil {
		return fmt.Errorf("registry.exclude: %w", err)
	}

	c.Reviewer.Agent = strings.TrimSpace(c.Reviewer.Agent)
	if c.Reviewer.Agent == "" {
		c.Reviewer.Agent = "canary:canary"
	}
	if strings.Contains(c.Reviewer.Agent, "@") {
		return fmt.Errorf("reviewer.agent must be a host agent name (plugin:agent), got %q", c.Reviewer.Agent)
	}

	tools := make([]string, 0, len(c.Gate.Tools))
	for _, tool := range c.Gate.Tools {
		if tool = strings.TrimSpace(tool); tool != "" {
			tools = append(tools, tool)
		}
	}
	if len(tools) == 0 {
		return fmt.Errorf("gate.tools must name at least one tool")
	}
	c.Gate.Tools = tools

	for _, pattern := range c.Policy.Skip {
		if strings.TrimSpace(pattern) == "@" {
			return fmt.Errorf("policy.skip contains an empty source pattern")
		}
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}

	return nil
}

// StatePath returns the resolved trust document path. Hooks and manual
// commands must agree on it, so an empty state.path falls back to the
// plugin root before the config dir.
func (c *Config) StatePath() string {
	if path := strings.TrimSpace(c.State.Path); path != "" {
		return expandHome(path)
	}
	if root := PluginRoot(); root != "" {
		return filepath.Join(root, "resources", "state.json")
	}
	return filepath.Join(ConfigDir(), "state.json")
}

// executable is swapped in tests.
var executable = os.Executable

// PluginRoot locates the installed canary plugin: CLAUDE_PLUGIN_ROOT when
// the host sets it, else the root derived from the running binary
// (<root>/bin/canary next to <root>/.claude-plugin), else the root last
// seen by a hook. It returns "" when none is known.
func PluginRoot() string {
	if root := strings.TrimSpace(os.Getenv("CLAUDE_PLUGIN_ROOT")); root != "" {
		return root
	}
	if root := pluginRootFromExecutable(); root != "" {
		return root
	}
	data, err := os.ReadFile(pluginRootFile())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func pluginRootFromExecutable() string {
	exe, err := executable()
	if err != nil {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	bin := filepath.Dir(exe)
	if filepath.Base(bin) != "bin" {
		return ""
	}
	root := filepath.Dir(bin)
	if info, err := os.Stat(filepath.Join(root, ".claude-plugin")); err != nil || !info.IsDir() {
		return ""
	}
	return root
}

func pluginRootFile() string {
	return filepath.Join(ConfigDir(), "plugin_root")
}

// rememberPluginRoot records CLAUDE_PLUGIN_ROOT so commands run outside
// the host find the store the hooks use.
func rememberPluginRoot() error {
	root := strings.TrimSpace(os.Getenv("CLAUDE_PLUGIN_ROOT"))
	if root == "" {
		return nil
	}
	path := pluginRootFile()
	if data, err := os.ReadFile(path); err == nil && strings.TrimSpace(string(data)) == root {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(root+"\n"), 0600)
}

// ManifestPath returns the resolved installed-extension manifest path.
func (c *Config) ManifestPath() string {
	return expandHome(c.Registry.ManifestPath)
}

// AuditPath returns the audit trail path, or "" when auditing is off.
func (c *Config) AuditPath() string {
	path := strings.TrimSpace(c.Audit.Path)
	switch {
	case strings.EqualFold(path, AuditDisabled):
		return ""
	case path == "":
		return filepath.Join(filepath.Dir(c.StatePath()), "audit.jsonl")
	default:
		return expandHome(path)
	}
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	rest := path[1:]
	rest = strings.TrimPrefix(rest, string(filepath.Separator))
	rest = strings.TrimPrefix(rest, "/")
	return filepath.Join(homeDir, rest)
}
