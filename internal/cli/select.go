package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/nghyane/pi-model-selector/internal/selector"
)

func newSelectCommand() *cobra.Command {
	var (
		lock   bool
		wait   bool
		reason string
	)
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Run one selection pass and print the chosen model",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			ok := rt.runner.RunSelector(cmdContext(), selector.Reason(reason), selector.Options{
				AcquireModelLock: lock,
				WaitForModelLock: wait,
			})
			if !ok {
				return errors.New("no model selected")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&lock, "lock", false, "acquire the cross-process model lock")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for a busy model lock instead of failing over")
	cmd.Flags().StringVar(&reason, "reason", string(selector.ReasonCommand), "selection trigger (startup, command, auto, request)")
	return cmd
}
