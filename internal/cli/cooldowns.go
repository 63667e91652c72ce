package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/nghyane/pi-model-selector/internal/selector"
)

func newCooldownsCommand() *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "cooldowns",
		Short: "List or clear rate-limit cooldowns",
		RunE: func(cmd *cobra.Command, args []string) error {
			state := selector.LoadCooldowns("")
			if clear {
				state.Clear()
				if err := state.Persist(); err != nil {
					return err
				}
				fmt.Println("cooldowns cleared")
				return nil
			}

			entries := state.Snapshot()
			if len(entries) == 0 {
				fmt.Println("no cooldowns")
			}
			keys := make([]string, 0, len(entries))
			for key := range entries {
				keys = append(keys, key)
			}
			sort.Strings(keys)

			now := time.Now()
			for _, key := range keys {
				expires := time.UnixMilli(entries[key])
				if remaining := expires.Sub(now); remaining > 0 {
					fmt.Printf("%-40s expires in %s\n", key, remaining.Round(time.Second))
				} else {
					fmt.Printf("%-40s expired\n", key)
				}
			}
			if last := state.LastSelected(); last != "" {
				fmt.Printf("last selected: %s\n", last)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "remove every cooldown entry")
	return cmd
}
