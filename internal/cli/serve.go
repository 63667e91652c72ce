package cli

import (
	"github.com/spf13/cobra"

	"github.com/nghyane/pi-model-selector/internal/api"
	"github.com/nghyane/pi-model-selector/internal/selector"
)

func newServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.close()

			// Populate the usage view before the first request lands.
			rt.runner.RunSelector(cmdContext(), selector.ReasonStartup, selector.Options{})

			if addr == "" {
				addr = rt.cfg.StatusAddr
			}
			srv := api.NewServer(rt.runner, rt.locks, "")
			return srv.Run(cmdContext(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default 127.0.0.1:8791)")
	return cmd
}
