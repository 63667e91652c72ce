package auth

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/nghyane/pi-model-selector/internal/json"
	log "github.com/nghyane/pi-model-selector/internal/logging"
)

// ReadKeychainClaude reads the Claude Code OAuth bundle from the macOS
// keychain. Returns the zero record on any failure or off macOS.
func ReadKeychainClaude(ctx context.Context) (Record, bool) {
	if runtime.GOOS != "darwin" {
		return Record{}, false
	}
	out, err := exec.CommandContext(ctx, "security",
		"find-generic-password", "-s", "Claude Code-credentials", "-w").Output()
	if err != nil {
		log.Debugf("auth: keychain lookup failed: %v", err)
		return Record{}, false
	}
	var wrapper struct {
		ClaudeAiOauth map[string]any `json:"claudeAiOauth"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(out))), &wrapper); err != nil {
		return Record{}, false
	}
	if wrapper.ClaudeAiOauth == nil {
		return Record{}, false
	}
	return ParseRecord(wrapper.ClaudeAiOauth), true
}

// ReadCredentialFile parses a single JSON credential file.
func ReadCredentialFile(path string) (Record, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, false
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Record{}, false
	}
	// Codex stores the OAuth bundle under a "tokens" object.
	if tokens, ok := raw["tokens"].(map[string]any); ok {
		rec := ParseRecord(tokens)
		if rec.Access != "" || rec.Refresh != "" {
			return rec, true
		}
	}
	rec := ParseRecord(raw)
	return rec, rec.Access != "" || rec.Refresh != ""
}

// GeminiOauthCredsPath is the gemini-cli on-disk credential file.
func GeminiOauthCredsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".gemini", "oauth_creds.json")
}

// CodexHome resolves the codex credential directory: $CODEX_HOME if set,
// otherwise ~/.codex.
func CodexHome() string {
	if v := os.Getenv("CODEX_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".codex")
}

// CodexAuthFiles lists auth*.json files under the codex home, sorted.
func CodexAuthFiles() []string {
	dir := CodexHome()
	if dir == "" {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "auth*.json"))
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	return matches
}

// GhAuthToken asks the gh CLI for its current token. Returns "" if gh is
// not installed or not logged in.
func GhAuthToken(ctx context.Context) string {
	if _, err := exec.LookPath("gh"); err != nil {
		return ""
	}
	out, err := exec.CommandContext(ctx, "gh", "auth", "token").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
