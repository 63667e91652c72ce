package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/nghyane/pi-model-selector/internal/selector"
)

func newLocksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List model lock files and their holders",
		RunE: func(cmd *cobra.Command, args []string) error {
			locks := selector.NewCoordinator("").List()
			if len(locks) == 0 {
				fmt.Println("no model locks held")
				return nil
			}
			keys := make([]string, 0, len(locks))
			for key := range locks {
				keys = append(keys, key)
			}
			sort.Strings(keys)

			now := time.Now()
			for _, key := range keys {
				rec := locks[key]
				age := now.Sub(time.UnixMilli(rec.HeartbeatAt)).Round(time.Second)
				state := "live"
				if age >= selector.StaleThreshold {
					state = "stale"
				}
				fmt.Printf("%-40s pid %-7d heartbeat %s ago (%s)\n", key, rec.PID, age, state)
			}
			return nil
		},
	}
}
