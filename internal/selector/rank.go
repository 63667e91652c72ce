package selector

import (
	"sort"

	"github.com/nghyane/pi-model-selector/internal/config"
)

// Rank orders candidates in place under the configured priority keys.
// Ties fall through to (provider, windowLabel) lexicographic so the order
// is total and deterministic.
func Rank(cands []Candidate, priority []config.PriorityKey) {
	sort.SliceStable(cands, func(i, j int) bool {
		return compareCandidates(&cands[i], &cands[j], priority) < 0
	})
}

func compareCandidates(a, b *Candidate, priority []config.PriorityKey) int {
	for _, key := range priority {
		switch key {
		case config.PriorityFullAvailability:
			af, bf := a.UsedPercent == 0, b.UsedPercent == 0
			if af != bf {
				if af {
					return -1
				}
				return 1
			}
		case config.PriorityRemainingPercent:
			if a.RemainingPercent != b.RemainingPercent {
				if a.RemainingPercent > b.RemainingPercent {
					return -1
				}
				return 1
			}
		case config.PriorityEarliestReset:
			if c := compareResets(a, b); c != 0 {
				return c
			}
		}
	}
	if a.Provider != b.Provider {
		if a.Provider < b.Provider {
			return -1
		}
		return 1
	}
	if a.WindowLabel != b.WindowLabel {
		if a.WindowLabel < b.WindowLabel {
			return -1
		}
		return 1
	}
	return 0
}

// compareResets ranks earlier resets first; a missing reset ranks last.
func compareResets(a, b *Candidate) int {
	switch {
	case a.ResetsAt == nil && b.ResetsAt == nil:
		return 0
	case a.ResetsAt == nil:
		return 1
	case b.ResetsAt == nil:
		return -1
	case a.ResetsAt.Before(*b.ResetsAt):
		return -1
	case b.ResetsAt.Before(*a.ResetsAt):
		return 1
	default:
		return 0
	}
}
