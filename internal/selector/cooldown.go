package selector

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nghyane/pi-model-selector/internal/config"
	"github.com/nghyane/pi-model-selector/internal/json"
	log "github.com/nghyane/pi-model-selector/internal/logging"
)

// CooldownTTL is how long a 429 pauses a provider account.
const CooldownTTL = time.Hour

// DefaultCooldownPath returns the cooldown state file under agent home.
func DefaultCooldownPath() string {
	return filepath.Join(config.AgentHome(), "model-selector-cooldowns.json")
}

// CooldownKey is the exact bucket key shape.
func CooldownKey(provider config.ProviderID, account, window string) string {
	return fmt.Sprintf("%s|%s|%s", provider, account, window)
}

// WildcardCooldownKey covers every window of a (provider, account).
func WildcardCooldownKey(provider config.ProviderID, account string) string {
	return fmt.Sprintf("%s|%s|*", provider, account)
}

type cooldownFile struct {
	Cooldowns    map[string]int64 `json:"cooldowns"`
	LastSelected string           `json:"lastSelected,omitempty"`
}

// CooldownState is the persistent 429 memory: key to expiry in epoch ms.
type CooldownState struct {
	path         string
	cooldowns    map[string]int64
	lastSelected string
	dirty        bool
}

// LoadCooldowns reads the state file. Expired entries are retained on load
// and removed only by Prune. A missing or unreadable file yields an empty
// state.
func LoadCooldowns(path string) *CooldownState {
	if path == "" {
		path = DefaultCooldownPath()
	}
	s := &CooldownState{path: path, cooldowns: make(map[string]int64)}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Debugf("cooldowns: read %s: %v", path, err)
		}
		return s
	}
	var f cooldownFile
	if err := json.Unmarshal(data, &f); err != nil {
		log.Debugf("cooldowns: parse %s: %v", path, err)
		return s
	}
	if f.Cooldowns != nil {
		s.cooldowns = f.Cooldowns
	}
	s.lastSelected = f.LastSelected
	return s
}

// Prune removes entries whose expiry has passed.
func (s *CooldownState) Prune(now time.Time) {
	nowMs := now.UnixMilli()
	for key, expiresAt := range s.cooldowns {
		if expiresAt <= nowMs {
			delete(s.cooldowns, key)
			s.dirty = true
		}
	}
}

// IsOnCooldown reports whether the bucket is paused, by exact or wildcard
// key.
func (s *CooldownState) IsOnCooldown(provider config.ProviderID, account, window string, now time.Time) bool {
	nowMs := now.UnixMilli()
	if exp, ok := s.cooldowns[CooldownKey(provider, account, window)]; ok && exp > nowMs {
		return true
	}
	if exp, ok := s.cooldowns[WildcardCooldownKey(provider, account)]; ok && exp > nowMs {
		return true
	}
	return false
}

// SetOrExtendProviderCooldown records a 429 for (provider, account).
// The stored expiry only ever moves forward. Returns whether anything
// changed.
func (s *CooldownState) SetOrExtendProviderCooldown(provider config.ProviderID, account string, now time.Time) bool {
	key := WildcardCooldownKey(provider, account)
	expiry := now.Add(CooldownTTL).UnixMilli()
	if current, ok := s.cooldowns[key]; ok && current >= expiry {
		return false
	}
	s.cooldowns[key] = expiry
	s.dirty = true
	return true
}

// Clear wipes every cooldown. Used when cooldowns block all candidates.
func (s *CooldownState) Clear() {
	if len(s.cooldowns) == 0 {
		return
	}
	s.cooldowns = make(map[string]int64)
	s.dirty = true
}

// SetLastSelected records the winning candidate key.
func (s *CooldownState) SetLastSelected(key string) {
	if s.lastSelected != key {
		s.lastSelected = key
		s.dirty = true
	}
}

// LastSelected returns the previously recorded winner, empty when none.
func (s *CooldownState) LastSelected() string { return s.lastSelected }

// Snapshot returns a copy of the cooldown map for display surfaces.
func (s *CooldownState) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(s.cooldowns))
	for k, v := range s.cooldowns {
		out[k] = v
	}
	return out
}

// Persist writes the state with an atomic rename. A no-op when nothing
// changed since load.
func (s *CooldownState) Persist() error {
	if !s.dirty {
		return nil
	}
	data, err := json.MarshalIndent(cooldownFile{
		Cooldowns:    s.cooldowns,
		LastSelected: s.lastSelected,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.dirty = false
	return nil
}
