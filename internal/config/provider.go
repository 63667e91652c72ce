package config

import "strings"

// ProviderID identifies one of the quota-tracked providers.
type ProviderID string

const (
	ProviderAnthropic   ProviderID = "anthropic"
	ProviderCopilot     ProviderID = "github-copilot"
	ProviderGemini      ProviderID = "google-gemini"
	ProviderCodex       ProviderID = "openai-codex"
	ProviderAntigravity ProviderID = "google-antigravity"
	ProviderKiro        ProviderID = "kiro"
	ProviderZai         ProviderID = "z-ai"
)

// AllProviders lists every probe in registration order. Snapshot ordering
// returned to the user follows this order.
var AllProviders = []ProviderID{
	ProviderAnthropic,
	ProviderCopilot,
	ProviderGemini,
	ProviderCodex,
	ProviderAntigravity,
	ProviderKiro,
	ProviderZai,
}

// providerAliases maps the names accepted in settings and in
// ~/.pi/agent/auth.json onto canonical provider IDs.
var providerAliases = map[string]ProviderID{
	"anthropic":          ProviderAnthropic,
	"claude":             ProviderAnthropic,
	"github-copilot":     ProviderCopilot,
	"copilot":            ProviderCopilot,
	"google-gemini":      ProviderGemini,
	"google-gemini-cli":  ProviderGemini,
	"gemini":             ProviderGemini,
	"openai-codex":       ProviderCodex,
	"codex":              ProviderCodex,
	"google-antigravity": ProviderAntigravity,
	"antigravity":        ProviderAntigravity,
	"anti-gravity":       ProviderAntigravity,
	"kiro":               ProviderKiro,
	"z-ai":               ProviderZai,
	"zai":                ProviderZai,
}

// NormalizeProvider resolves a user-supplied provider name to its canonical
// ID. Returns false for unknown names.
func NormalizeProvider(name string) (ProviderID, bool) {
	id, ok := providerAliases[strings.TrimSpace(strings.ToLower(name))]
	return id, ok
}

// DisplayName returns the human-readable provider name used in snapshots
// and notifications.
func (p ProviderID) DisplayName() string {
	switch p {
	case ProviderAnthropic:
		return "Claude"
	case ProviderCopilot:
		return "Copilot"
	case ProviderGemini:
		return "Gemini"
	case ProviderCodex:
		return "Codex"
	case ProviderAntigravity:
		return "Antigravity"
	case ProviderKiro:
		return "Kiro"
	case ProviderZai:
		return "z.ai"
	}
	return string(p)
}
