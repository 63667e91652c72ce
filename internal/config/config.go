// Package config loads and models the user's model-selector settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/nghyane/pi-model-selector/internal/json"
)

// PriorityKey is one ranking dimension for ordering candidates.
type PriorityKey string

const (
	PriorityFullAvailability PriorityKey = "fullAvailability"
	PriorityRemainingPercent PriorityKey = "remainingPercent"
	PriorityEarliestReset    PriorityKey = "earliestReset"
)

// DefaultPriority is used when the settings file names no priority keys.
var DefaultPriority = []PriorityKey{
	PriorityFullAvailability,
	PriorityEarliestReset,
	PriorityRemainingPercent,
}

// Fallback names the last-resort model used when every quota-tracked
// bucket is exhausted or locked. Lock defaults to true.
type Fallback struct {
	Provider string `json:"provider" yaml:"provider"`
	ID       string `json:"id" yaml:"id"`
	Lock     *bool  `json:"lock,omitempty" yaml:"lock,omitempty"`
}

// WantsLock reports whether the fallback participates in model locking.
func (f *Fallback) WantsLock() bool {
	return f.Lock == nil || *f.Lock
}

// LoadedConfig is an immutable per-selection snapshot of the settings file.
type LoadedConfig struct {
	Mappings          []MappingEntry `json:"mappings,omitempty" yaml:"mappings,omitempty"`
	Priority          []PriorityKey  `json:"priority,omitempty" yaml:"priority,omitempty"`
	DisabledProviders []string       `json:"disabledProviders,omitempty" yaml:"disabledProviders,omitempty"`
	Fallback          *Fallback      `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	DebugLog          string         `json:"debugLog,omitempty" yaml:"debugLog,omitempty"`
	HistoryDSN        string         `json:"history-dsn,omitempty" yaml:"history-dsn,omitempty"`
	StatusAddr        string         `json:"status-addr,omitempty" yaml:"status-addr,omitempty"`
}

// EffectivePriority returns the configured priority keys, dropping unknown
// names, or the default order when none survive.
func (c *LoadedConfig) EffectivePriority() []PriorityKey {
	keys := make([]PriorityKey, 0, len(c.Priority))
	for _, k := range c.Priority {
		switch k {
		case PriorityFullAvailability, PriorityRemainingPercent, PriorityEarliestReset:
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return DefaultPriority
	}
	return keys
}

// DisabledSet resolves the disabled-provider names to canonical IDs.
func (c *LoadedConfig) DisabledSet() map[ProviderID]bool {
	set := make(map[ProviderID]bool, len(c.DisabledProviders))
	for _, name := range c.DisabledProviders {
		if id, ok := NormalizeProvider(name); ok {
			set[id] = true
		}
	}
	return set
}

// SelectorHome returns the directory holding selector state
// (~/.pi/model-selector). Overridable via PI_HOME for tests.
func SelectorHome() string {
	return filepath.Join(AgentHome(), "model-selector")
}

// AgentHome returns the pi agent home directory (~/.pi).
func AgentHome() string {
	if v := os.Getenv("PI_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pi"
	}
	return filepath.Join(home, ".pi")
}

// DefaultSettingsPath returns the settings file path, preferring the JSONC
// file and falling back to YAML.
func DefaultSettingsPath() string {
	base := SelectorHome()
	jsonPath := filepath.Join(base, "settings.json")
	if _, err := os.Stat(jsonPath); err == nil {
		return jsonPath
	}
	yamlPath := filepath.Join(base, "settings.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		return yamlPath
	}
	return jsonPath
}

// Load reads and parses the settings file. A missing file yields an empty
// config: every provider is then implicitly disabled until mapped.
func Load(path string) (*LoadedConfig, error) {
	if path == "" {
		path = DefaultSettingsPath()
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &LoadedConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	cfg := &LoadedConfig{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse settings: %w", err)
		}
	default:
		std, err := hujson.Standardize(data)
		if err != nil {
			return nil, fmt.Errorf("parse settings: %w", err)
		}
		if err := json.Unmarshal(std, cfg); err != nil {
			return nil, fmt.Errorf("parse settings: %w", err)
		}
	}

	cfg.sanitize()
	return cfg, nil
}

// sanitize trims fields and drops structurally invalid mappings so one bad
// entry cannot take out the rest.
func (c *LoadedConfig) sanitize() {
	valid := make([]MappingEntry, 0, len(c.Mappings))
	for _, e := range c.Mappings {
		e.Usage.Provider = strings.TrimSpace(e.Usage.Provider)
		e.Usage.Account = strings.TrimSpace(e.Usage.Account)
		e.Usage.Window = strings.TrimSpace(e.Usage.Window)
		e.Combine = strings.TrimSpace(e.Combine)
		if !e.Valid() {
			continue
		}
		if _, ok := NormalizeProvider(e.Usage.Provider); !ok {
			continue
		}
		valid = append(valid, e)
	}
	c.Mappings = valid

	if c.Fallback != nil && (c.Fallback.Provider == "" || c.Fallback.ID == "") {
		c.Fallback = nil
	}
}
