package selector

import (
	"testing"
	"time"

	"github.com/nghyane/pi-model-selector/internal/config"
)

func TestRankDefaultPriority(t *testing.T) {
	soon := time.Date(2026, 8, 26, 13, 0, 0, 0, time.UTC)
	later := time.Date(2026, 8, 27, 13, 0, 0, 0, time.UTC)

	cands := []Candidate{
		{Provider: "openai-codex", WindowLabel: "5h", UsedPercent: 10, RemainingPercent: 90, ResetsAt: &later},
		{Provider: "anthropic", WindowLabel: "5h", UsedPercent: 0, RemainingPercent: 100},
		{Provider: "github-copilot", WindowLabel: "Premium", UsedPercent: 10, RemainingPercent: 90, ResetsAt: &soon},
	}
	Rank(cands, config.DefaultPriority)

	// fullAvailability first, then earliestReset, missing resets last.
	want := []config.ProviderID{"anthropic", "github-copilot", "openai-codex"}
	for i, p := range want {
		if cands[i].Provider != p {
			t.Fatalf("position %d: got %s, want %s (order %+v)", i, cands[i].Provider, p, cands)
		}
	}
}

func TestRankMissingResetRanksLast(t *testing.T) {
	soon := time.Now().Add(time.Hour)
	cands := []Candidate{
		{Provider: "a", WindowLabel: "x", UsedPercent: 50, RemainingPercent: 50},
		{Provider: "b", WindowLabel: "x", UsedPercent: 50, RemainingPercent: 50, ResetsAt: &soon},
	}
	Rank(cands, []config.PriorityKey{config.PriorityEarliestReset})
	if cands[0].Provider != "b" {
		t.Fatalf("candidate with a reset outranks one without: %+v", cands)
	}
}

func TestRankRemainingPercent(t *testing.T) {
	cands := []Candidate{
		{Provider: "a", WindowLabel: "x", UsedPercent: 60, RemainingPercent: 40},
		{Provider: "b", WindowLabel: "x", UsedPercent: 20, RemainingPercent: 80},
	}
	Rank(cands, []config.PriorityKey{config.PriorityRemainingPercent})
	if cands[0].Provider != "b" {
		t.Fatalf("more remaining ranks earlier: %+v", cands)
	}
}

func TestRankTieBreakIsLexicographic(t *testing.T) {
	cands := []Candidate{
		{Provider: "anthropic", WindowLabel: "Week", UsedPercent: 10, RemainingPercent: 90},
		{Provider: "anthropic", WindowLabel: "5h", UsedPercent: 10, RemainingPercent: 90},
	}
	Rank(cands, config.DefaultPriority)
	if cands[0].WindowLabel != "5h" {
		t.Fatalf("ties fall back to (provider, windowLabel): %+v", cands)
	}
}

// The comparator must be a total order: antisymmetric and transitive over
// every pair, so rank output cannot depend on input permutation.
func TestRankIsTotalOrder(t *testing.T) {
	soon := time.Now().Add(time.Hour)
	later := time.Now().Add(48 * time.Hour)
	pool := []Candidate{
		{Provider: "anthropic", WindowLabel: "5h", UsedPercent: 0, RemainingPercent: 100},
		{Provider: "anthropic", WindowLabel: "Week", UsedPercent: 0, RemainingPercent: 100},
		{Provider: "github-copilot", WindowLabel: "Premium", UsedPercent: 40, RemainingPercent: 60, ResetsAt: &soon},
		{Provider: "openai-codex", WindowLabel: "5h", UsedPercent: 40, RemainingPercent: 60, ResetsAt: &later},
		{Provider: "z-ai", WindowLabel: "Monthly", UsedPercent: 40, RemainingPercent: 60},
	}

	for i := range pool {
		for j := range pool {
			cij := compareCandidates(&pool[i], &pool[j], config.DefaultPriority)
			cji := compareCandidates(&pool[j], &pool[i], config.DefaultPriority)
			if cij != -cji {
				t.Fatalf("antisymmetry broken between %d and %d: %d vs %d", i, j, cij, cji)
			}
			if i == j && cij != 0 {
				t.Fatalf("candidate %d does not compare equal to itself", i)
			}
		}
	}

	forward := append([]Candidate(nil), pool...)
	backward := make([]Candidate, len(pool))
	for i, c := range pool {
		backward[len(pool)-1-i] = c
	}
	Rank(forward, config.DefaultPriority)
	Rank(backward, config.DefaultPriority)
	for i := range forward {
		if forward[i].Key() != backward[i].Key() {
			t.Fatalf("order depends on input permutation at %d: %s vs %s", i, forward[i].Key(), backward[i].Key())
		}
	}
}
