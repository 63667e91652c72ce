package selector

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nghyane/pi-model-selector/internal/config"
	"github.com/nghyane/pi-model-selector/internal/json"
	log "github.com/nghyane/pi-model-selector/internal/logging"
)

const (
	// HeartbeatInterval is how often a held lock is refreshed.
	HeartbeatInterval = 5 * time.Second
	// StaleThreshold is 3x the heartbeat interval: a record older than
	// this (or with a dead holder pid) may be taken over.
	StaleThreshold = 15 * time.Second
	// LockPollInterval paces the wait-for-lock loop.
	LockPollInterval = 1250 * time.Millisecond
	// LockWaitMax caps the total wait-for-lock time.
	LockWaitMax = 10 * time.Minute
)

// ModelLockKey names the lock for a concrete model.
func ModelLockKey(provider, id string) string {
	return provider + "/" + id
}

// DefaultLockDir returns the lock-file directory under selector home.
func DefaultLockDir() string {
	return filepath.Join(config.SelectorHome(), "locks")
}

// LockRecord identifies the current holder of a lock file.
type LockRecord struct {
	InstanceID  string `json:"instanceId"`
	PID         int    `json:"pid"`
	AcquiredAt  int64  `json:"acquiredAt"`
	HeartbeatAt int64  `json:"heartbeatAt"`
}

// AcquireResult reports one acquisition attempt.
type AcquireResult struct {
	Acquired bool
	HeldBy   *LockRecord
}

// Coordinator is the advisory cross-process model lock, one file per key.
// Ownership is (instanceId, pid); only the owner refreshes or releases,
// except during takeover of a stale record.
type Coordinator struct {
	dir        string
	instanceID string
	pid        int
	now        func() time.Time

	mu   sync.Mutex
	held map[string]bool
}

// NewCoordinator creates a coordinator with a fresh per-process identity.
func NewCoordinator(dir string) *Coordinator {
	if dir == "" {
		dir = DefaultLockDir()
	}
	return &Coordinator{
		dir:        dir,
		instanceID: uuid.NewString(),
		pid:        os.Getpid(),
		now:        time.Now,
		held:       make(map[string]bool),
	}
}

var lockFileEscaper = strings.NewReplacer("/", "__", string(filepath.Separator), "__")

func (c *Coordinator) lockPath(key string) string {
	return filepath.Join(c.dir, lockFileEscaper.Replace(key)+".lock")
}

func (c *Coordinator) record() LockRecord {
	nowMs := c.now().UnixMilli()
	return LockRecord{
		InstanceID:  c.instanceID,
		PID:         c.pid,
		AcquiredAt:  nowMs,
		HeartbeatAt: nowMs,
	}
}

func (c *Coordinator) writeRecord(path string, rec LockRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tmp := path + "." + c.instanceID + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readLockRecord(path string) (*LockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// stale reports whether the record may be taken over: heartbeat older than
// the stale threshold, or the holder pid provably gone.
func (c *Coordinator) stale(rec *LockRecord) bool {
	if c.now().Sub(time.UnixMilli(rec.HeartbeatAt)) >= StaleThreshold {
		return true
	}
	return rec.PID > 0 && !pidAlive(rec.PID)
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes existence without delivering anything.
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}

// Acquire attempts one non-blocking acquisition. A stale record is taken
// over in place.
func (c *Coordinator) Acquire(key string) AcquireResult {
	path := c.lockPath(key)
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		log.Debugf("lock: mkdir %s: %v", c.dir, err)
		return AcquireResult{}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		f.Close()
		if err := c.writeRecord(path, c.record()); err != nil {
			log.Debugf("lock: write %s: %v", path, err)
			os.Remove(path)
			return AcquireResult{}
		}
		c.markHeld(key, true)
		return AcquireResult{Acquired: true}
	}
	if !os.IsExist(err) {
		log.Debugf("lock: create %s: %v", path, err)
		return AcquireResult{}
	}

	rec, readErr := readLockRecord(path)
	if readErr != nil {
		// Racing holder mid-write or vanished file; treat as busy.
		return AcquireResult{Acquired: false}
	}
	if rec.InstanceID == c.instanceID {
		// Already ours, refresh in place.
		if err := c.writeRecord(path, c.record()); err != nil {
			return AcquireResult{Acquired: false, HeldBy: rec}
		}
		c.markHeld(key, true)
		return AcquireResult{Acquired: true}
	}
	if c.stale(rec) {
		log.Debugf("lock: taking over stale %s (pid %d)", key, rec.PID)
		if err := c.writeRecord(path, c.record()); err != nil {
			return AcquireResult{Acquired: false, HeldBy: rec}
		}
		c.markHeld(key, true)
		return AcquireResult{Acquired: true}
	}
	return AcquireResult{Acquired: false, HeldBy: rec}
}

// AcquireWait polls Acquire until it succeeds, the timeout elapses, or the
// context is done. onPoll, when set, observes each failed round with the
// elapsed wait.
func (c *Coordinator) AcquireWait(ctx context.Context, key string, timeout time.Duration, onPoll func(elapsed time.Duration)) AcquireResult {
	if timeout <= 0 || timeout > LockWaitMax {
		timeout = LockWaitMax
	}
	deadline := c.now().Add(timeout)
	limiter := rate.NewLimiter(rate.Every(LockPollInterval), 1)

	for {
		res := c.Acquire(key)
		if res.Acquired {
			return res
		}
		if c.now().After(deadline) {
			return res
		}
		if onPoll != nil {
			onPoll(timeout - deadline.Sub(c.now()))
		}
		if err := limiter.Wait(ctx); err != nil {
			return res
		}
	}
}

// Refresh bumps the heartbeat, only if the on-disk record is still ours.
// False means the lock was lost: the file is gone or another instance
// took it.
func (c *Coordinator) Refresh(key string) bool {
	path := c.lockPath(key)
	rec, err := readLockRecord(path)
	if err != nil || rec.InstanceID != c.instanceID {
		c.markHeld(key, false)
		return false
	}
	rec.HeartbeatAt = c.now().UnixMilli()
	if err := c.writeRecord(path, *rec); err != nil {
		log.Debugf("lock: refresh %s: %v", key, err)
		return false
	}
	return true
}

// Release deletes the lock file if it is still ours. Missing files are
// tolerated silently.
func (c *Coordinator) Release(key string) {
	path := c.lockPath(key)
	rec, err := readLockRecord(path)
	if err == nil && rec.InstanceID == c.instanceID {
		os.Remove(path)
	}
	c.markHeld(key, false)
}

// ReleaseAll releases every lock this process recorded as held. Called at
// shutdown.
func (c *Coordinator) ReleaseAll() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.held))
	for key := range c.held {
		keys = append(keys, key)
	}
	c.mu.Unlock()
	for _, key := range keys {
		c.Release(key)
	}
}

func (c *Coordinator) markHeld(key string, held bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if held {
		c.held[key] = true
	} else {
		delete(c.held, key)
	}
}

// InstanceID returns the per-process lock identity.
func (c *Coordinator) InstanceID() string { return c.instanceID }

// List reads every lock file in the directory, keyed by lock name, for
// display surfaces. Unreadable files are skipped.
func (c *Coordinator) List() map[string]LockRecord {
	out := make(map[string]LockRecord)
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return out
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".lock") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		rec, err := readLockRecord(filepath.Join(c.dir, name))
		if err != nil {
			continue
		}
		key := strings.ReplaceAll(strings.TrimSuffix(name, ".lock"), "__", "/")
		out[key] = *rec
	}
	return out
}
