package selector

import (
	"fmt"
	"time"

	"github.com/nghyane/pi-model-selector/internal/config"
	"github.com/nghyane/pi-model-selector/internal/probe"
)

// Candidate is one usage bucket promoted to a selection atom.
type Candidate struct {
	Provider         config.ProviderID `json:"provider"`
	DisplayName      string            `json:"displayName"`
	WindowLabel      string            `json:"windowLabel"`
	Account          string            `json:"account,omitempty"`
	UsedPercent      float64           `json:"usedPercent"`
	RemainingPercent float64           `json:"remainingPercent"`
	ResetsAt         *time.Time        `json:"resetsAt,omitempty"`
	IsSynthetic      bool              `json:"isSynthetic,omitempty"`
	Ignored          bool              `json:"ignored,omitempty"`
	CombineMember    bool              `json:"combineMember,omitempty"`

	// Mapping is the winning model rule for this bucket, nil when unmapped.
	Mapping *config.MappingEntry `json:"-"`
}

// Key identifies the bucket: provider|account|windowLabel.
func (c *Candidate) Key() string {
	return fmt.Sprintf("%s|%s|%s", c.Provider, c.Account, c.WindowLabel)
}

// Exhausted reports whether the candidate has no usable headroom, taking
// the mapping's reserve threshold into account.
func (c *Candidate) Exhausted() bool {
	if c.RemainingPercent <= 0 {
		return true
	}
	if c.Mapping != nil && c.Mapping.Reserve > 0 {
		return c.UsedPercent >= float64(100-c.Mapping.Reserve)
	}
	return false
}

// BuildResult splits candidates into the display set (everything, for the
// widget) and the rankable set (ignored buckets and combine members removed,
// synthetic group candidates added).
type BuildResult struct {
	All      []Candidate
	Rankable []Candidate
}

// BuildCandidates flattens non-error snapshots into candidates and applies
// the user's combine and ignore rules.
func BuildCandidates(snapshots []probe.Snapshot, cfg *config.LoadedConfig) BuildResult {
	type groupState struct {
		first   int // index into all, for provider/account of the synthetic
		used    float64
		resetAt *time.Time
	}
	groups := make(map[string]*groupState)
	var groupOrder []string

	var all []Candidate
	for _, snap := range snapshots {
		if snap.Err != "" {
			continue
		}
		for _, w := range snap.Windows {
			cand := Candidate{
				Provider:         snap.Provider,
				DisplayName:      snap.DisplayName,
				WindowLabel:      w.Label,
				Account:          snap.Account,
				UsedPercent:      w.UsedPercent,
				RemainingPercent: 100 - w.UsedPercent,
				ResetsAt:         w.ResetsAt,
			}
			if m := cfg.FindIgnoreMapping(cand.Provider, cand.Account, cand.WindowLabel); m != nil {
				cand.Ignored = true
			}
			if m := cfg.FindCombineMapping(cand.Provider, cand.Account, cand.WindowLabel); m != nil && !cand.Ignored {
				cand.CombineMember = true
				state, ok := groups[m.Combine]
				if !ok {
					groups[m.Combine] = &groupState{first: len(all), used: cand.UsedPercent, resetAt: cand.ResetsAt}
					groupOrder = append(groupOrder, m.Combine)
				} else {
					// Pessimistic fold: worst used, latest reset.
					if cand.UsedPercent > state.used {
						state.used = cand.UsedPercent
					}
					if state.resetAt == nil || (cand.ResetsAt != nil && cand.ResetsAt.After(*state.resetAt)) {
						state.resetAt = cand.ResetsAt
					}
				}
			}
			cand.Mapping = cfg.FindModelMapping(cand.Provider, cand.Account, cand.WindowLabel)
			all = append(all, cand)
		}
	}

	for _, name := range groupOrder {
		state := groups[name]
		anchor := all[state.first]
		synthetic := Candidate{
			Provider:         anchor.Provider,
			DisplayName:      anchor.DisplayName,
			WindowLabel:      name,
			Account:          anchor.Account,
			UsedPercent:      state.used,
			RemainingPercent: 100 - state.used,
			ResetsAt:         state.resetAt,
			IsSynthetic:      true,
		}
		synthetic.Mapping = cfg.FindModelMapping(synthetic.Provider, synthetic.Account, name)
		all = append(all, synthetic)
	}

	rankable := make([]Candidate, 0, len(all))
	for _, cand := range all {
		if cand.Ignored || cand.CombineMember {
			continue
		}
		rankable = append(rankable, cand)
	}
	return BuildResult{All: all, Rankable: rankable}
}
