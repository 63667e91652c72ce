package auth

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nghyane/pi-model-selector/internal/config"
	"github.com/nghyane/pi-model-selector/internal/json"
)

// Store is the read-only credential surface the host exposes
// (modelRegistry.authStorage).
type Store interface {
	// GetAPIKey returns a plain API key for the provider, or "".
	GetAPIKey(id string) string
	// Get returns the raw credential record for the provider, or nil.
	Get(id string) map[string]any
}

// PiAuth is the parsed content of ~/.pi/agent/auth.json: provider key to
// raw credential object.
type PiAuth map[string]map[string]any

// PiAuthPath returns the pi agent auth file location.
func PiAuthPath() string {
	return filepath.Join(config.AgentHome(), "agent", "auth.json")
}

// LoadPiAuth reads and parses the agent auth file. A missing file is an
// empty map, not an error.
func LoadPiAuth(path string) (PiAuth, error) {
	if path == "" {
		path = PiAuthPath()
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return PiAuth{}, nil
	}
	if err != nil {
		return nil, err
	}
	var parsed PiAuth
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

// Lookup finds the first record stored under any of the given keys.
// Returns the record, the key it was found under, and whether it was found.
func (a PiAuth) Lookup(keys ...string) (Record, string, bool) {
	for _, key := range keys {
		if raw, ok := a[key]; ok && raw != nil {
			return ParseRecord(raw), key, true
		}
	}
	return Record{}, "", false
}

// LookupPrefix finds every record whose key starts with the prefix, in key
// order. Codex credentials are stored as openai-codex, openai-codex-2, ...
func (a PiAuth) LookupPrefix(prefix string) []Credential {
	keys := make([]string, 0, len(a))
	for key := range a {
		if a[key] != nil && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	creds := make([]Credential, 0, len(keys))
	for _, key := range keys {
		creds = append(creds, Credential{Source: key, Record: ParseRecord(a[key])})
	}
	return creds
}
