package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the per-repository configuration file. It is searched
// for in the repository directory and every parent directory above it, so
// a single file can cover a whole tree of projects.
const ConfigFileName = ".autosave.yaml"

const (
	DefaultBranch     = "tmp/autosave"
	DefaultMessage    = "autosave commit"
	DefaultMergeMsg   = "autosave merge"
	DefaultDebounceMs = 500
)

// Config holds per-repository autosave settings.
type Config struct {
	// Branch is the branch automatic commits go to.
	Branch string `yaml:"branch"`
	// CommitMessage is used for every automatic commit.
	CommitMessage string `yaml:"commit_message"`
	// MergeMessage is used when a sandbox branch is merged back. Merging is
	// user-driven; the field is carried so config files round-trip.
	MergeMessage string `yaml:"merge_message"`
	// DebounceMs is how long the watcher waits after the last filesystem
	// event before committing.
	DebounceMs int `yaml:"debounce_ms"`
	// Ignore lists extra path patterns (gitignore syntax) that never
	// trigger or enter a commit. The .git directory is always ignored.
	Ignore []string `yaml:"ignore"`
}

func Default() *Config {
	return &Config{
		Branch:        DefaultBranch,
		CommitMessage: DefaultMessage,
		MergeMessage:  DefaultMergeMsg,
		DebounceMs:    DefaultDebounceMs,
	}
}

// Load returns the configuration for a repository directory. It walks from
// dir upward looking for ConfigFileName; the first file found wins. A
// missing file is not an error and yields defaults.
func Load(dir string) (*Config, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config search root: %w", err)
	}

	for d := abs; ; d = filepath.Dir(d) {
		path := filepath.Join(d, ConfigFileName)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
		if filepath.Dir(d) == d {
			return Default(), nil
		}
	}
}

// LoadFile parses a single config file. Fields left empty fall back to
// defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Branch == "" {
		c.Branch = DefaultBranch
	}
	if c.CommitMessage == "" {
		c.CommitMessage = DefaultMessage
	}
	if c.MergeMessage == "" {
		c.MergeMessage = DefaultMergeMsg
	}
	if c.DebounceMs <= 0 {
		c.DebounceMs = DefaultDebounceMs
	}
}

// Save writes the configuration to path in YAML form.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
