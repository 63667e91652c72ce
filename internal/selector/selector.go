package selector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nghyane/pi-model-selector/internal/config"
	log "github.com/nghyane/pi-model-selector/internal/logging"
	"github.com/nghyane/pi-model-selector/internal/probe"
)

// Reason tags why a selection pass was triggered.
type Reason string

const (
	ReasonStartup Reason = "startup"
	ReasonCommand Reason = "command"
	ReasonAuto    Reason = "auto"
	ReasonRequest Reason = "request"
)

// Options tunes one selection pass.
type Options struct {
	// AcquireModelLock walks ranked candidates and picks the first whose
	// model lock can be acquired.
	AcquireModelLock bool
	// WaitForModelLock keeps polling busy locks instead of failing over
	// immediately.
	WaitForModelLock bool
	// Snapshots, when set, skips the probe fan-out and reuses these.
	Snapshots []probe.Snapshot
}

// Recorder journals selection outcomes. Implemented by the history
// package; nil disables journaling.
type Recorder interface {
	RecordSelection(at time.Time, reason, selectedKey string, model *Model, lockWait time.Duration)
	RecordRateLimit(at time.Time, provider config.ProviderID, account string)
}

// Runner drives selection passes for one host instance. RunSelector is not
// reentrant; the host calls it serially.
type Runner struct {
	Host         Host
	Registry     ModelRegistry
	Loader       *config.Loader
	Env          *probe.Env
	Locks        *Coordinator
	CooldownPath string
	Journal      Recorder
	// Widget receives the ranked display candidates after each pass; a nil
	// slice means clear. Optional.
	Widget func([]Candidate)

	mu            sync.Mutex
	activeLockKey string
	hb            *heartbeat

	lastSnapshots atomic.Pointer[[]probe.Snapshot]
	lastRanked    atomic.Pointer[[]Candidate]
}

// LastSnapshots returns the snapshots from the most recent pass.
func (r *Runner) LastSnapshots() []probe.Snapshot {
	if p := r.lastSnapshots.Load(); p != nil {
		return *p
	}
	return nil
}

// LastRanked returns the ranked candidates from the most recent pass.
func (r *Runner) LastRanked() []Candidate {
	if p := r.lastRanked.Load(); p != nil {
		return *p
	}
	return nil
}

func (r *Runner) now() time.Time {
	if r.Env != nil && r.Env.Now != nil {
		return r.Env.Now()
	}
	return time.Now()
}

// winner is the resolved outcome of a pass.
type winner struct {
	candidate  *Candidate // nil for the fallback path
	model      *Model
	lockKey    string // empty when no lock was acquired
	isFallback bool
	lockReason string
	waitReason string
}

// RunSelector performs one full selection pass and reports success.
func (r *Runner) RunSelector(ctx context.Context, reason Reason, opts Options) bool {
	now := r.now()

	cfg, err := r.Loader.Load()
	if err != nil {
		r.fail(reason, "", fmt.Sprintf("cannot load settings: %v", err))
		return false
	}
	cooldowns := LoadCooldowns(r.CooldownPath)
	cooldowns.Prune(now)

	fresh := opts.Snapshots == nil
	snapshots := opts.Snapshots
	if fresh {
		snapshots = probe.FetchAll(ctx, r.Env, r.effectiveDisabled(cfg))
	}
	snapsCopy := snapshots
	r.lastSnapshots.Store(&snapsCopy)

	r.handleRateLimits(cfg, cooldowns, snapshots, now)
	if fresh {
		r.warnOtherErrors(cfg, cooldowns, snapshots, now)
	}

	build := BuildCandidates(snapshots, cfg)
	active, clearedAll := filterCooldowns(build.Rankable, cooldowns, now)
	if clearedAll {
		// Every candidate was blocked purely by cooldowns. Clear and retry
		// once rather than refusing to pick anything.
		log.Infof("selector: all candidates on cooldown, clearing cooldowns")
		cooldowns.Clear()
		active, _ = filterCooldowns(build.Rankable, cooldowns, now)
	}
	if len(active) == 0 {
		if err := cooldowns.Persist(); err != nil {
			log.WithError(err).Warn("selector: persist cooldowns")
		}
		if len(build.All) > 0 {
			r.fail(reason, "", "all usage buckets are ignored")
		} else {
			r.fail(reason, "", "no usage windows reported")
		}
		r.pushWidget(nil)
		return false
	}

	ranked := append([]Candidate(nil), active...)
	Rank(ranked, cfg.EffectivePriority())
	r.lastRanked.Store(&ranked)

	// Widget sees every bucket that survives cooldowns, ignored entries
	// and combine members included; only ranking excludes them.
	display := make([]Candidate, 0, len(build.All))
	for _, cand := range build.All {
		if cooldowns.IsOnCooldown(cand.Provider, cand.Account, cand.WindowLabel, now) {
			continue
		}
		display = append(display, cand)
	}
	Rank(display, cfg.EffectivePriority())
	r.pushWidget(display)

	usable := make([]Candidate, 0, len(active))
	for _, cand := range active {
		if !cand.Exhausted() {
			usable = append(usable, cand)
		}
	}
	if len(usable) == 0 {
		if cfg.Fallback == nil {
			if err := cooldowns.Persist(); err != nil {
				log.WithError(err).Warn("selector: persist cooldowns")
			}
			r.fail(reason, "", "all usage buckets exhausted")
			return false
		}
		return r.applyFallback(ctx, reason, cfg, cooldowns, opts)
	}

	Rank(usable, cfg.EffectivePriority())

	win, ok := r.pick(ctx, cfg, usable, opts)
	if !ok {
		if err := cooldowns.Persist(); err != nil {
			log.WithError(err).Warn("selector: persist cooldowns")
		}
		r.fail(reason, "", "no mapped model could be selected")
		return false
	}

	if !r.apply(win) {
		if win.lockKey != "" {
			r.Locks.Release(win.lockKey)
		}
		if err := cooldowns.Persist(); err != nil {
			log.WithError(err).Warn("selector: persist cooldowns")
		}
		r.fail(reason, win.model.Provider+"/"+win.model.ID, "host rejected model switch")
		return false
	}

	key := win.selectedKey()
	cooldowns.SetLastSelected(key)
	if err := cooldowns.Persist(); err != nil {
		log.WithError(err).Warn("selector: persist cooldowns")
	}
	if r.Journal != nil {
		r.Journal.RecordSelection(r.now(), string(reason), key, win.model, 0)
	}

	r.notifySelection(win, usable, cfg.EffectivePriority())
	return true
}

func (w *winner) selectedKey() string {
	if w.isFallback {
		return "fallback:" + w.model.Provider + "/" + w.model.ID
	}
	return w.candidate.Key()
}

// effectiveDisabled is the explicit disabled set plus providers with no
// mapping at all, which are implicitly disabled.
func (r *Runner) effectiveDisabled(cfg *config.LoadedConfig) map[config.ProviderID]bool {
	disabled := cfg.DisabledSet()
	for _, provider := range config.AllProviders {
		if !disabled[provider] && !cfg.HasMappingForProvider(provider) {
			disabled[provider] = true
		}
	}
	return disabled
}

// handleRateLimits turns 429 error snapshots into provider cooldowns and
// warns once per provider.
func (r *Runner) handleRateLimits(cfg *config.LoadedConfig, cooldowns *CooldownState, snapshots []probe.Snapshot, now time.Time) {
	warned := make(map[config.ProviderID]bool)
	updated := false
	for _, snap := range snapshots {
		if snap.Err == "" || !strings.Contains(snap.Err, "429") {
			continue
		}
		if cfg.ProviderIgnored(snap.Provider, snap.Account) {
			continue
		}
		if cooldowns.SetOrExtendProviderCooldown(snap.Provider, snap.Account, now) {
			updated = true
			if r.Journal != nil {
				r.Journal.RecordRateLimit(now, snap.Provider, snap.Account)
			}
			if !warned[snap.Provider] {
				warned[snap.Provider] = true
				r.Host.Notify(NotifyWarning, fmt.Sprintf("%s rate limited (429), paused 1 hour", snap.DisplayName))
			}
		}
	}
	if updated {
		if err := cooldowns.Persist(); err != nil {
			log.WithError(err).Warn("selector: persist cooldowns after 429")
		}
	}
}

// warnOtherErrors surfaces non-429 probe errors, unless the bucket is
// already paused or ignored.
func (r *Runner) warnOtherErrors(cfg *config.LoadedConfig, cooldowns *CooldownState, snapshots []probe.Snapshot, now time.Time) {
	for _, snap := range snapshots {
		if snap.Err == "" || strings.Contains(snap.Err, "429") {
			continue
		}
		if cfg.ProviderIgnored(snap.Provider, snap.Account) {
			continue
		}
		if cooldowns.IsOnCooldown(snap.Provider, snap.Account, "*", now) {
			continue
		}
		msg := snap.DisplayName
		if snap.Account != "" {
			msg += " (" + snap.Account + ")"
		}
		r.Host.Notify(NotifyWarning, msg+": "+snap.Err)
	}
}

// filterCooldowns drops candidates on cooldown. The second result is true
// when candidates existed but cooldowns removed every one of them.
func filterCooldowns(cands []Candidate, cooldowns *CooldownState, now time.Time) ([]Candidate, bool) {
	kept := make([]Candidate, 0, len(cands))
	for _, cand := range cands {
		if cooldowns.IsOnCooldown(cand.Provider, cand.Account, cand.WindowLabel, now) {
			continue
		}
		kept = append(kept, cand)
	}
	return kept, len(kept) == 0 && len(cands) > 0
}

type lockable struct {
	candidate *Candidate // nil for the fallback entry
	model     *Model
	key       string
}

// pick resolves the winning candidate, acquiring a model lock when asked.
func (r *Runner) pick(ctx context.Context, cfg *config.LoadedConfig, ranked []Candidate, opts Options) (*winner, bool) {
	if !opts.AcquireModelLock {
		for i := range ranked {
			cand := &ranked[i]
			if model := r.resolveMapping(cand); model != nil {
				return &winner{candidate: cand, model: model}, true
			}
		}
		return nil, false
	}

	lockables := make([]lockable, 0, len(ranked)+1)
	for i := range ranked {
		cand := &ranked[i]
		model := r.resolveMapping(cand)
		if model == nil {
			continue
		}
		lockables = append(lockables, lockable{
			candidate: cand,
			model:     model,
			key:       ModelLockKey(model.Provider, model.ID),
		})
	}
	if cfg.Fallback != nil && cfg.Fallback.WantsLock() {
		if model := r.Registry.Find(cfg.Fallback.Provider, cfg.Fallback.ID); model != nil {
			lockables = append(lockables, lockable{
				model: model,
				key:   ModelLockKey(model.Provider, model.ID),
			})
		}
	}
	if len(lockables) == 0 {
		return nil, false
	}

	if win, ok := r.tryLockables(lockables); ok {
		return win, true
	}

	if opts.WaitForModelLock {
		if win, ok := r.waitLockables(ctx, lockables); ok {
			return win, true
		}
	}

	// Everything stayed locked. An unlocked fallback is the last way out.
	if cfg.Fallback != nil && !cfg.Fallback.WantsLock() {
		if model := r.Registry.Find(cfg.Fallback.Provider, cfg.Fallback.ID); model != nil {
			return &winner{model: model, isFallback: true}, true
		}
	}
	return nil, false
}

func (r *Runner) tryLockables(lockables []lockable) (*winner, bool) {
	for i, l := range lockables {
		res := r.Locks.Acquire(l.key)
		if !res.Acquired {
			continue
		}
		win := &winner{
			candidate:  l.candidate,
			model:      l.model,
			lockKey:    l.key,
			isFallback: l.candidate == nil,
			lockReason: fmt.Sprintf("first unlocked model (rank #%d)", i+1),
		}
		return win, true
	}
	return nil, false
}

func (r *Runner) waitLockables(ctx context.Context, lockables []lockable) (*winner, bool) {
	start := r.now()
	deadline := start.Add(LockWaitMax)
	first := lockables[0]

	for r.now().Before(deadline) {
		res := r.Locks.AcquireWait(ctx, first.key, LockPollInterval, func(elapsed time.Duration) {
			log.Debugf("selector: waiting for lock %s (%.1fs)", first.key, r.now().Sub(start).Seconds())
		})
		if res.Acquired {
			win := &winner{
				candidate:  first.candidate,
				model:      first.model,
				lockKey:    first.key,
				isFallback: first.candidate == nil,
				lockReason: "first unlocked model (rank #1)",
				waitReason: fmt.Sprintf("waited %.1fs for lock", r.now().Sub(start).Seconds()),
			}
			return win, true
		}
		// Some other lockable may have freed up meanwhile.
		if win, ok := r.tryLockables(lockables); ok {
			win.waitReason = fmt.Sprintf("waited %.1fs for lock", r.now().Sub(start).Seconds())
			return win, true
		}
		if ctx.Err() != nil {
			return nil, false
		}
	}
	return nil, false
}

// resolveMapping resolves the candidate's mapped model in the host
// registry, nil when the candidate is unmapped or the model is unknown.
func (r *Runner) resolveMapping(cand *Candidate) *Model {
	if cand.Mapping == nil || cand.Mapping.Model == nil {
		return nil
	}
	return r.Registry.Find(cand.Mapping.Model.Provider, cand.Mapping.Model.ID)
}

// applyFallback handles the exhaustion path: every quota-tracked bucket is
// spent, switch to the configured last-resort model.
func (r *Runner) applyFallback(ctx context.Context, reason Reason, cfg *config.LoadedConfig, cooldowns *CooldownState, opts Options) bool {
	model := r.Registry.Find(cfg.Fallback.Provider, cfg.Fallback.ID)
	if model == nil {
		r.fail(reason, "", fmt.Sprintf("fallback model %s/%s not found", cfg.Fallback.Provider, cfg.Fallback.ID))
		return false
	}
	win := &winner{model: model, isFallback: true}
	if opts.AcquireModelLock && cfg.Fallback.WantsLock() {
		key := ModelLockKey(model.Provider, model.ID)
		res := r.Locks.Acquire(key)
		if !res.Acquired && opts.WaitForModelLock {
			res = r.Locks.AcquireWait(ctx, key, LockWaitMax, nil)
		}
		if res.Acquired {
			win.lockKey = key
		}
	}

	if !r.apply(win) {
		if win.lockKey != "" {
			r.Locks.Release(win.lockKey)
		}
		r.fail(reason, model.Provider+"/"+model.ID, "host rejected model switch")
		return false
	}

	key := win.selectedKey()
	cooldowns.SetLastSelected(key)
	if err := cooldowns.Persist(); err != nil {
		log.WithError(err).Warn("selector: persist cooldowns")
	}
	if r.Journal != nil {
		r.Journal.RecordSelection(r.now(), string(reason), key, model, 0)
	}
	r.Host.Notify(NotifyWarning, fmt.Sprintf("all usage buckets exhausted, switching to last-resort model %s/%s", model.Provider, model.ID))
	return true
}

// apply sets the host model if it changed and hands over the lock
// heartbeat. Returns false when the host refuses the switch.
func (r *Runner) apply(win *winner) bool {
	current := r.Host.CurrentModel()
	if current == nil || current.Provider != win.model.Provider || current.ID != win.model.ID {
		if !r.Host.SetModel(win.model) {
			return false
		}
	}

	r.mu.Lock()
	previous := r.activeLockKey
	prevHb := r.hb
	r.activeLockKey = win.lockKey
	r.mu.Unlock()

	if previous != "" && previous != win.lockKey {
		if prevHb != nil {
			prevHb.stopOnce()
		}
		r.Locks.Release(previous)
	}
	if win.lockKey != "" && win.lockKey != previous {
		r.startHeartbeat(win.lockKey)
	}
	return true
}

func (r *Runner) notifySelection(win *winner, ranked []Candidate, priority []config.PriorityKey) {
	parts := make([]string, 0, 3)
	if win.lockReason != "" {
		parts = append(parts, win.lockReason)
	}
	if win.waitReason != "" {
		parts = append(parts, win.waitReason)
	}
	if win.candidate != nil {
		parts = append(parts, selectionReason(win.candidate, ranked, priority))
	}
	msg := fmt.Sprintf("selected %s/%s", win.model.Provider, win.model.ID)
	if len(parts) > 0 {
		msg += " (" + strings.Join(parts, ", ") + ")"
	}
	r.Host.Notify(NotifyInfo, msg)
}

// selectionReason explains why the winner beat the runner-up under the
// priority keys.
func selectionReason(win *Candidate, ranked []Candidate, priority []config.PriorityKey) string {
	var runnerUp *Candidate
	for i := range ranked {
		if ranked[i].Key() != win.Key() {
			runnerUp = &ranked[i]
			break
		}
	}
	if runnerUp == nil {
		return "only candidate"
	}
	for _, key := range priority {
		switch key {
		case config.PriorityFullAvailability:
			if win.UsedPercent == 0 && runnerUp.UsedPercent != 0 {
				return "fully available"
			}
		case config.PriorityRemainingPercent:
			if win.RemainingPercent > runnerUp.RemainingPercent {
				return fmt.Sprintf("most remaining (%.0f%% vs %.0f%%)", win.RemainingPercent, runnerUp.RemainingPercent)
			}
		case config.PriorityEarliestReset:
			if compareResets(win, runnerUp) < 0 {
				return "earliest reset"
			}
		}
	}
	return "ranked first"
}

func (r *Runner) fail(reason Reason, model, msg string) {
	if model != "" {
		msg = model + ": " + msg
	}
	log.Warnf("selector: %s", msg)
	level := NotifyWarning
	if reason == ReasonRequest {
		level = NotifyError
	}
	r.Host.Notify(level, "model selection failed: "+msg)
}

func (r *Runner) pushWidget(cands []Candidate) {
	if r.Widget != nil {
		r.Widget(cands)
	}
}

// heartbeat periodically refreshes a held lock, with an in-flight guard so
// a slow filesystem cannot stack refreshes.
type heartbeat struct {
	stop     chan struct{}
	stopped  sync.Once
	inFlight atomic.Bool
}

func (h *heartbeat) stopOnce() {
	h.stopped.Do(func() { close(h.stop) })
}

func (r *Runner) startHeartbeat(key string) {
	hb := &heartbeat{stop: make(chan struct{})}
	r.mu.Lock()
	r.hb = hb
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hb.stop:
				return
			case <-ticker.C:
				if !hb.inFlight.CompareAndSwap(false, true) {
					continue
				}
				alive := r.Locks.Refresh(key)
				hb.inFlight.Store(false)
				if !alive {
					log.Warnf("selector: lost model lock %s", key)
					r.mu.Lock()
					if r.activeLockKey == key {
						r.activeLockKey = ""
					}
					r.mu.Unlock()
					return
				}
			}
		}
	}()
}

// Shutdown stops the heartbeat and releases every held lock.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	hb := r.hb
	r.activeLockKey = ""
	r.mu.Unlock()
	if hb != nil {
		hb.stopOnce()
	}
	r.Locks.ReleaseAll()
}

// ActiveLockKey reports the lock currently heartbeated by this runner.
func (r *Runner) ActiveLockKey() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLockKey
}
