package probe

import "sort"

// finalizeMultiAccount post-processes the snapshots of a probe that can
// discover several credentials: successes first, duplicates (by key)
// dropped, and error snapshots suppressed when they are shadowed by a
// success for the same account or, with exactly one surviving success, when
// they are anonymous (their account is a discovery-source tag rather than a
// real identity).
func finalizeMultiAccount(snaps []Snapshot, key func(Snapshot) string, isSourceTag func(string) bool) []Snapshot {
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].Err == "" && snaps[j].Err != ""
	})

	seen := make(map[string]bool)
	successAccounts := make(map[string]bool)
	successes := 0
	out := make([]Snapshot, 0, len(snaps))

	for _, s := range snaps {
		if s.Err != "" {
			continue
		}
		k := key(s)
		if k != "" && seen[k] {
			continue
		}
		if k != "" {
			seen[k] = true
		}
		successAccounts[s.Account] = true
		successes++
		out = append(out, s)
	}

	for _, s := range snaps {
		if s.Err == "" {
			continue
		}
		if s.Account != "" && successAccounts[s.Account] {
			continue
		}
		if successes == 1 && (s.Account == "" || isSourceTag(s.Account)) {
			continue
		}
		out = append(out, s)
	}
	return out
}
