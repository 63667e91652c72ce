package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nghyane/pi-model-selector/internal/auth"
	"github.com/nghyane/pi-model-selector/internal/config"
	"github.com/nghyane/pi-model-selector/internal/selector"
)

var (
	cmdCtx     context.Context
	cmdCtxOnce sync.Once
)

// cmdContext returns the process-lifetime context, cancelled on SIGINT or
// SIGTERM.
func cmdContext() context.Context {
	cmdCtxOnce.Do(func() {
		cmdCtx, _ = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	})
	return cmdCtx
}

// consoleHost renders host callbacks on the terminal. There is no agent
// process behind the CLI, so SetModel just records the choice.
type consoleHost struct {
	mu      sync.Mutex
	current *selector.Model
}

func (h *consoleHost) SetModel(m *selector.Model) bool {
	h.mu.Lock()
	h.current = m
	h.mu.Unlock()
	fmt.Printf("model: %s/%s\n", m.Provider, m.ID)
	return true
}

func (h *consoleHost) Notify(level selector.NotifyLevel, message string) {
	fmt.Printf("[%s] %s\n", level, message)
}

func (h *consoleHost) CurrentModel() *selector.Model {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// consoleRegistry accepts any model reference. Outside the agent there is
// no catalog to validate against.
type consoleRegistry struct{}

func (consoleRegistry) Find(provider, id string) *selector.Model {
	if provider == "" || id == "" {
		return nil
	}
	return &selector.Model{Provider: provider, ID: id}
}

func (consoleRegistry) GetAvailable() []config.ModelRef { return nil }

func (consoleRegistry) AuthStorage() auth.Store { return nil }
