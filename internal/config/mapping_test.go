package config

import "testing"

func TestMappingPrecedence(t *testing.T) {
	cfg := &LoadedConfig{Mappings: []MappingEntry{
		{Usage: UsageSelector{Provider: "anthropic", WindowPattern: ".*"}, Model: &ModelRef{Provider: "a", ID: "pattern"}},
		{Usage: UsageSelector{Provider: "anthropic", Window: "Sonnet"}, Model: &ModelRef{Provider: "a", ID: "window"}},
		{Usage: UsageSelector{Provider: "anthropic", Account: "work", Window: "Sonnet"}, Model: &ModelRef{Provider: "a", ID: "exact"}},
	}}

	got := cfg.FindModelMapping(ProviderAnthropic, "work", "Sonnet")
	if got == nil || got.Model.ID != "exact" {
		t.Fatalf("expected exact (provider, account, window) match to win, got %+v", got)
	}

	got = cfg.FindModelMapping(ProviderAnthropic, "personal", "Sonnet")
	if got == nil || got.Model.ID != "window" {
		t.Fatalf("expected (provider, window) match for other account, got %+v", got)
	}

	got = cfg.FindModelMapping(ProviderAnthropic, "personal", "Opus")
	if got == nil || got.Model.ID != "pattern" {
		t.Fatalf("expected pattern match for unlisted window, got %+v", got)
	}
}

func TestMappingBadRegexInvalidatesOnlyThatEntry(t *testing.T) {
	cfg := &LoadedConfig{Mappings: []MappingEntry{
		{Usage: UsageSelector{Provider: "anthropic", WindowPattern: "("}, Model: &ModelRef{Provider: "a", ID: "broken"}},
		{Usage: UsageSelector{Provider: "anthropic", Window: "5h"}, Model: &ModelRef{Provider: "a", ID: "ok"}},
	}}

	if got := cfg.FindModelMapping(ProviderAnthropic, "", "5h"); got == nil || got.Model.ID != "ok" {
		t.Fatalf("valid entry should survive a broken sibling, got %+v", got)
	}
	if got := cfg.FindModelMapping(ProviderAnthropic, "", "Week"); got != nil {
		t.Fatalf("broken regex entry must never match, got %+v", got)
	}
}

func TestMappingEntryValid(t *testing.T) {
	cases := []struct {
		name  string
		entry MappingEntry
		want  bool
	}{
		{"model only", MappingEntry{Usage: UsageSelector{Provider: "anthropic", Window: "5h"}, Model: &ModelRef{Provider: "a", ID: "m"}}, true},
		{"no provider", MappingEntry{Usage: UsageSelector{Window: "5h"}, Model: &ModelRef{Provider: "a", ID: "m"}}, false},
		{"window and pattern", MappingEntry{Usage: UsageSelector{Provider: "anthropic", Window: "5h", WindowPattern: ".*"}, Ignore: true}, false},
		{"model and ignore", MappingEntry{Usage: UsageSelector{Provider: "anthropic"}, Model: &ModelRef{Provider: "a", ID: "m"}, Ignore: true}, false},
		{"no action", MappingEntry{Usage: UsageSelector{Provider: "anthropic"}}, false},
		{"reserve without model", MappingEntry{Usage: UsageSelector{Provider: "anthropic"}, Ignore: true, Reserve: 10}, false},
		{"reserve in range", MappingEntry{Usage: UsageSelector{Provider: "anthropic"}, Model: &ModelRef{Provider: "a", ID: "m"}, Reserve: 99}, true},
		{"reserve too big", MappingEntry{Usage: UsageSelector{Provider: "anthropic"}, Model: &ModelRef{Provider: "a", ID: "m"}, Reserve: 100}, false},
	}
	for _, tc := range cases {
		if got := tc.entry.Valid(); got != tc.want {
			t.Errorf("%s: Valid() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestProviderIgnored(t *testing.T) {
	cfg := &LoadedConfig{Mappings: []MappingEntry{
		{Usage: UsageSelector{Provider: "z-ai"}, Ignore: true},
		{Usage: UsageSelector{Provider: "anthropic", Window: "5h"}, Ignore: true},
	}}

	if !cfg.ProviderIgnored(ProviderZai, "whatever") {
		t.Fatal("blanket ignore should cover every account")
	}
	if cfg.ProviderIgnored(ProviderAnthropic, "work") {
		t.Fatal("a window-scoped ignore is not a blanket ignore")
	}
}

func TestHasMappingForProvider(t *testing.T) {
	cfg := &LoadedConfig{Mappings: []MappingEntry{
		{Usage: UsageSelector{Provider: "github-copilot", Window: "Premium"}, Model: &ModelRef{Provider: "openai", ID: "gpt"}},
	}}
	if !cfg.HasMappingForProvider(ProviderCopilot) {
		t.Fatal("mapped provider should be reported")
	}
	if cfg.HasMappingForProvider(ProviderKiro) {
		t.Fatal("unmapped provider is implicitly disabled")
	}
}
