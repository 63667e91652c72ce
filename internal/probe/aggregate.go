package probe

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nghyane/pi-model-selector/internal/config"
	log "github.com/nghyane/pi-model-selector/internal/logging"
)

// AggregateTimeout bounds the whole fetch pass. A probe that has not
// produced anything by then is reported as timed out rather than holding
// up selection.
const AggregateTimeout = 12 * time.Second

// Registry returns all probes in their fixed display order.
func Registry() []Probe {
	return []Probe{
		ClaudeProbe{},
		CopilotProbe{},
		GeminiProbe{},
		CodexProbe{},
		AntigravityProbe{},
		KiroProbe{},
		ZaiProbe{},
	}
}

// FetchAll runs every enabled probe concurrently and returns their
// snapshots flattened in registry order. disabled providers are skipped
// entirely, without even an error snapshot.
func FetchAll(ctx context.Context, env *Env, disabled map[config.ProviderID]bool) []Snapshot {
	return fetchAll(ctx, env, Registry(), disabled)
}

func fetchAll(ctx context.Context, env *Env, probes []Probe, disabled map[config.ProviderID]bool) []Snapshot {
	ctx, cancel := context.WithTimeout(ctx, AggregateTimeout)
	defer cancel()

	enabled := make([]Probe, 0, len(probes))
	for _, p := range probes {
		if disabled[p.Provider()] {
			continue
		}
		enabled = append(enabled, p)
	}

	results := make([][]Snapshot, len(enabled))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range enabled {
		g.Go(func() error {
			start := time.Now()
			results[i] = fetchBounded(gctx, p, env)
			log.Debugf("probe: %s finished in %s", p.Provider(), time.Since(start).Round(time.Millisecond))
			return nil
		})
	}
	g.Wait()

	var all []Snapshot
	for _, snaps := range results {
		all = append(all, snaps...)
	}
	return all
}

// fetchBounded guards against probes that ignore their context, for
// example a wedged subprocess. The goroutine is abandoned on timeout.
func fetchBounded(ctx context.Context, p Probe, env *Env) []Snapshot {
	done := make(chan []Snapshot, 1)
	go func() {
		done <- p.Fetch(ctx, env)
	}()
	select {
	case snaps := <-done:
		if len(snaps) == 0 {
			return []Snapshot{errorSnapshot(p.Provider(), "", ErrNoQuotaData)}
		}
		return snaps
	case <-ctx.Done():
		return []Snapshot{errorSnapshot(p.Provider(), "", ErrTimeout)}
	}
}
