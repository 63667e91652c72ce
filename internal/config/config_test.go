package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsEmptyConfig(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(cfg.Mappings) != 0 || cfg.Fallback != nil {
		t.Fatalf("expected empty config, got %+v", cfg)
	}
}

func TestLoadJSONCWithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	data := `{
		// pick sonnet for the 5h bucket
		"mappings": [
			{"usage": {"provider": "anthropic", "window": "5h"},
			 "model": {"provider": "anthropic", "id": "claude-sonnet-4-5"}},
		],
		"priority": ["remainingPercent", "bogusKey"],
		"fallback": {"provider": "openai", "id": "gpt-4o-mini", "lock": false},
	}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Mappings) != 1 {
		t.Fatalf("expected 1 mapping, got %d", len(cfg.Mappings))
	}
	priority := cfg.EffectivePriority()
	if len(priority) != 1 || priority[0] != PriorityRemainingPercent {
		t.Fatalf("unknown priority keys should be dropped, got %v", priority)
	}
	if cfg.Fallback == nil || cfg.Fallback.WantsLock() {
		t.Fatalf("fallback lock:false should be preserved, got %+v", cfg.Fallback)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	data := `mappings:
  - usage:
      provider: github-copilot
      window: Premium
    model:
      provider: openai
      id: gpt-5
disabledProviders: [kiro, nonsense]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Mappings) != 1 || cfg.Mappings[0].Model.ID != "gpt-5" {
		t.Fatalf("unexpected mappings: %+v", cfg.Mappings)
	}
	disabled := cfg.DisabledSet()
	if !disabled[ProviderKiro] || len(disabled) != 1 {
		t.Fatalf("unknown disabled names should be dropped, got %v", disabled)
	}
}

func TestSanitizeDropsInvalidEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	data := `{
		"mappings": [
			{"usage": {"provider": "made-up"}, "ignore": true},
			{"usage": {"provider": "anthropic"}, "ignore": true}
		],
		"fallback": {"provider": "openai"}
	}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Mappings) != 1 {
		t.Fatalf("unknown provider mapping should be dropped, got %+v", cfg.Mappings)
	}
	if cfg.Fallback != nil {
		t.Fatalf("fallback without id should be dropped, got %+v", cfg.Fallback)
	}
}

func TestNormalizeProviderAliases(t *testing.T) {
	cases := map[string]ProviderID{
		"Anthropic":         ProviderAnthropic,
		"anti-gravity":      ProviderAntigravity,
		"google-gemini-cli": ProviderGemini,
		"zai":               ProviderZai,
	}
	for name, want := range cases {
		got, ok := NormalizeProvider(name)
		if !ok || got != want {
			t.Errorf("NormalizeProvider(%q) = %v, %v; want %v", name, got, ok, want)
		}
	}
	if _, ok := NormalizeProvider("mistral"); ok {
		t.Error("unknown provider should not normalize")
	}
}
