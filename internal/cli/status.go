package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nghyane/pi-model-selector/internal/config"
	"github.com/nghyane/pi-model-selector/internal/probe"
	"github.com/nghyane/pi-model-selector/internal/selector"
)

func newStatusCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch usage from every mapped provider and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			disabled := rt.cfg.DisabledSet()
			if !all {
				for _, provider := range config.AllProviders {
					if !disabled[provider] && !rt.cfg.HasMappingForProvider(provider) {
						disabled[provider] = true
					}
				}
			}

			snapshots := probe.FetchAll(cmdContext(), rt.env, disabled)
			printSnapshots(snapshots)

			build := selector.BuildCandidates(snapshots, rt.cfg)
			if len(build.Rankable) > 0 {
				ranked := append([]selector.Candidate(nil), build.Rankable...)
				selector.Rank(ranked, rt.cfg.EffectivePriority())
				fmt.Println()
				printCandidates(ranked)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "probe every provider, even unmapped ones")
	return cmd
}

func printSnapshots(snapshots []probe.Snapshot) {
	for _, snap := range snapshots {
		header := snap.DisplayName
		if snap.Account != "" {
			header += " (" + snap.Account + ")"
		}
		if snap.Plan != "" {
			header += " [" + snap.Plan + "]"
		}
		if snap.Err != "" {
			fmt.Printf("%s: %s\n", header, snap.Err)
			continue
		}
		fmt.Println(header)
		for _, w := range snap.Windows {
			line := fmt.Sprintf("  %-12s %5.1f%% used", w.Label, w.UsedPercent)
			if w.ResetDescription != "" {
				line += "  " + w.ResetDescription
			}
			fmt.Println(line)
		}
	}
}

func printCandidates(ranked []selector.Candidate) {
	fmt.Println("ranked candidates:")
	for i, cand := range ranked {
		marker := "  "
		if cand.IsSynthetic {
			marker = " *"
		}
		fmt.Printf("%s%2d. %-14s %-12s %5.1f%% remaining\n",
			marker, i+1, cand.DisplayName, cand.WindowLabel, cand.RemainingPercent)
	}
}
