// Package cli implements the pi-model-selector command-line surface. The
// host plugin embeds selector.Runner directly; the CLI drives the same
// runner with a console host.
package cli

import (
	"fmt"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nghyane/pi-model-selector/internal/auth"
	"github.com/nghyane/pi-model-selector/internal/config"
	"github.com/nghyane/pi-model-selector/internal/history"
	log "github.com/nghyane/pi-model-selector/internal/logging"
	"github.com/nghyane/pi-model-selector/internal/probe"
	"github.com/nghyane/pi-model-selector/internal/selector"
)

var flagDebug bool

// NewRootCommand builds the full command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "pi-model-selector",
		Short:         "Pick the LLM provider with the most quota headroom",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Missing .env is the normal case.
			_ = godotenv.Load()
			log.SetupBaseLogger(flagDebug)
		},
	}
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	root.AddCommand(
		newSelectCommand(),
		newStatusCommand(),
		newLocksCommand(),
		newCooldownsCommand(),
		newServeCommand(),
	)
	return root
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// runtime wires the shared collaborators one command invocation needs.
type runtime struct {
	cfg     *config.LoadedConfig
	loader  *config.Loader
	env     *probe.Env
	locks   *selector.Coordinator
	runner  *selector.Runner
	journal *history.Journal
}

func newRuntime() (*runtime, error) {
	loader := config.NewLoader("")
	cfg, err := loader.Load()
	if err != nil {
		loader.Close()
		return nil, err
	}
	if cfg.DebugLog != "" {
		log.SetupDebugFile(cfg.DebugLog)
	}

	piAuth, err := auth.LoadPiAuth("")
	if err != nil {
		log.WithError(err).Warn("cannot read agent auth file")
		piAuth = auth.PiAuth{}
	}

	env := &probe.Env{
		PiAuth:       piAuth,
		PiAuthPath:   auth.PiAuthPath(),
		Client:       probe.NewClient(nil),
		Google:       auth.NewGoogleRefresher(&http.Client{Transport: probe.SharedTransport()}),
		CopilotCache: probe.NewCopilotCache(),
	}

	locks := selector.NewCoordinator("")
	rt := &runtime{
		cfg:    cfg,
		loader: loader,
		env:    env,
		locks:  locks,
		runner: &selector.Runner{
			Host:     &consoleHost{},
			Registry: &consoleRegistry{},
			Loader:   loader,
			Env:      env,
			Locks:    locks,
		},
	}

	if cfg.HistoryDSN != "" {
		journal, err := history.Open(cfg.HistoryDSN)
		if err != nil {
			log.WithError(err).Warn("history journal disabled")
		} else if err := journal.Start(cmdContext()); err != nil {
			log.WithError(err).Warn("history journal disabled")
		} else {
			rt.journal = journal
			rt.runner.Journal = journal
		}
	}
	return rt, nil
}

func (rt *runtime) close() {
	rt.runner.Shutdown()
	if rt.journal != nil {
		rt.journal.Stop()
	}
	rt.loader.Close()
}
