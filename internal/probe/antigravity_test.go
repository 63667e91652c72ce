package probe

import "testing"

func TestParseAntigravityWorstInGroup(t *testing.T) {
	body := []byte(`{"models": [
		{"modelId": "claude-sonnet-4-5",          "quotaInfo": {"remainingFraction": 0.5}},
		{"modelId": "claude-sonnet-4-5-thinking", "quotaInfo": {"remainingFraction": 0.1}},
		{"modelId": "gpt-oss-120b-medium",        "quotaInfo": {"remainingFraction": 0.9}}
	]}`)

	snap := parseAntigravityModels(body, "auth.json")
	if snap.Err != "" {
		t.Fatalf("unexpected error: %s", snap.Err)
	}
	if len(snap.Windows) != 1 {
		t.Fatalf("only the Claude group is quota-grouped here, got %+v", snap.Windows)
	}
	claude := snap.Windows[0]
	if claude.Label != "Claude" || claude.UsedPercent != 90 {
		t.Fatalf("group must track its worst member (10%% remaining): %+v", claude)
	}
}

func TestParseAntigravityGroupOrder(t *testing.T) {
	body := []byte(`{"models": [
		{"modelId": "gemini-3-flash", "quotaInfo": {"remainingFraction": 0.8}},
		{"modelId": "claude-opus-4",  "quotaInfo": {"remainingFraction": 0.6}},
		{"modelId": "gemini-3-pro",   "quotaInfo": {"remainingFraction": 0.4}}
	]}`)

	snap := parseAntigravityModels(body, "auth.json")
	want := []string{"Claude", "G3 Pro", "G3 Flash"}
	if len(snap.Windows) != len(want) {
		t.Fatalf("expected %v, got %+v", want, snap.Windows)
	}
	for i, label := range want {
		if snap.Windows[i].Label != label {
			t.Fatalf("window %d: got %s, want %s", i, snap.Windows[i].Label, label)
		}
	}
}

func TestAntigravityGroupMapping(t *testing.T) {
	cases := map[string]string{
		"claude-sonnet-4-5":   "Claude",
		"gemini-3-pro-high":   "G3 Pro",
		"gemini-3-flash-lite": "G3 Flash",
		"gpt-oss-120b-medium": "",
	}
	for modelID, want := range cases {
		if got := antigravityGroup(modelID); got != want {
			t.Errorf("antigravityGroup(%q) = %q, want %q", modelID, got, want)
		}
	}
}

func TestParseAntigravityNoGroupedModels(t *testing.T) {
	body := []byte(`{"models": [{"modelId": "gpt-oss-120b-medium", "quotaInfo": {"remainingFraction": 0.9}}]}`)
	snap := parseAntigravityModels(body, "env")
	if snap.Err != ErrNoQuotaData {
		t.Fatalf("expected %q, got %+v", ErrNoQuotaData, snap)
	}
}
