// Package probe fetches live usage snapshots from the seven quota-tracked
// providers. Probes never return errors: every failure becomes a snapshot
// with Err set so the aggregate keeps a uniform shape.
package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/nghyane/pi-model-selector/internal/auth"
	"github.com/nghyane/pi-model-selector/internal/config"
)

// RateWindow is one rate-limit dimension reported by a provider.
type RateWindow struct {
	Label            string     `json:"label"`
	UsedPercent      float64    `json:"usedPercent"`
	ResetsAt         *time.Time `json:"resetsAt,omitempty"`
	ResetDescription string     `json:"resetDescription,omitempty"`
}

// NewWindow builds a window, clamping usedPercent into [0,100] and deriving
// the reset description from the instant.
func NewWindow(label string, usedPercent float64, resetsAt *time.Time) RateWindow {
	if usedPercent < 0 {
		usedPercent = 0
	}
	if usedPercent > 100 {
		usedPercent = 100
	}
	w := RateWindow{Label: label, UsedPercent: usedPercent}
	if resetsAt != nil && !resetsAt.IsZero() {
		t := resetsAt.UTC()
		w.ResetsAt = &t
		w.ResetDescription = describeReset(t)
	}
	return w
}

// AccessWindowLabel marks the synthetic window emitted when a credential is
// alive but its quota is unreadable.
const AccessWindowLabel = "Access"

func describeReset(t time.Time) string {
	d := time.Until(t)
	switch {
	case d <= 0:
		return "resets now"
	case d < time.Hour:
		return fmt.Sprintf("resets in %dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("resets in %dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("resets in %dd", int(d.Hours()/24))
	}
}

// Snapshot is one probe's normalized output for one (provider, account).
// Either Err is set and Windows is empty, or Err is empty and Windows is
// non-empty (a lone synthetic Access window also counts).
type Snapshot struct {
	Provider    config.ProviderID `json:"provider"`
	DisplayName string            `json:"displayName"`
	Windows     []RateWindow      `json:"windows,omitempty"`
	Plan        string            `json:"plan,omitempty"`
	Account     string            `json:"account,omitempty"`
	Err         string            `json:"error,omitempty"`
}

// Env carries the shared collaborators a probe needs for one fetch pass.
type Env struct {
	AuthStore    auth.Store
	PiAuth       auth.PiAuth
	PiAuthPath   string
	Client       *Client
	Google       *auth.GoogleRefresher
	CopilotCache *CopilotCache
	Now          func() time.Time
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Probe is the common contract: discover credentials, fetch within the
// per-call deadline, and emit one or more snapshots.
type Probe interface {
	Provider() config.ProviderID
	Fetch(ctx context.Context, env *Env) []Snapshot
}

// Error strings surfaced to the user. Tests depend on the exact text.
const (
	ErrNoCredentials   = "No credentials"
	ErrNoToken         = "No token found"
	ErrMissingProject  = "Missing projectId"
	ErrUnauthorized    = "Unauthorized"
	ErrTokenExpired    = "Token expired"
	ErrTimeout         = "Timeout"
	ErrNotLoggedIn     = "Not logged in"
	ErrKiroCliNotFound = "kiro-cli not found"
	ErrNoQuotaData     = "No quota data"
)

func errorSnapshot(provider config.ProviderID, account, msg string) Snapshot {
	return Snapshot{
		Provider:    provider,
		DisplayName: provider.DisplayName(),
		Account:     account,
		Err:         msg,
	}
}

func httpError(code int) string {
	return fmt.Sprintf("HTTP %d", code)
}
