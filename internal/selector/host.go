// Package selector orchestrates one selection pass: aggregate usage,
// build and rank candidates, coordinate model locks across processes,
// and apply the winner through the host surface.
package selector

import (
	"github.com/nghyane/pi-model-selector/internal/auth"
	"github.com/nghyane/pi-model-selector/internal/config"
)

// Model is a resolved entry from the host's model registry.
type Model struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
}

// NotifyLevel grades host notifications.
type NotifyLevel string

const (
	NotifyInfo    NotifyLevel = "info"
	NotifyWarning NotifyLevel = "warning"
	NotifyError   NotifyLevel = "error"
)

// ModelRegistry is the host's model catalog plus its credential store.
type ModelRegistry interface {
	// Find resolves a model reference, nil when the host does not know it.
	Find(provider, id string) *Model
	// GetAvailable lists every selectable model.
	GetAvailable() []config.ModelRef
	// AuthStorage exposes the host's read-only credential records.
	AuthStorage() auth.Store
}

// Host is the embedding agent surface the selector drives.
type Host interface {
	// SetModel switches the host to the given model. False means the host
	// rejected the switch.
	SetModel(m *Model) bool
	// Notify surfaces a user-facing message.
	Notify(level NotifyLevel, message string)
	// CurrentModel reports what the host is using right now, nil if unset.
	CurrentModel() *Model
}
