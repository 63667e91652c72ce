package selector

import (
	"os"
	"testing"
	"time"
)

func TestAcquireContention(t *testing.T) {
	dir := t.TempDir()
	a := NewCoordinator(dir)
	b := NewCoordinator(dir)
	key := ModelLockKey("anthropic", "claude-sonnet-4-5")

	if res := a.Acquire(key); !res.Acquired {
		t.Fatal("first acquire should succeed")
	}
	res := b.Acquire(key)
	if res.Acquired {
		t.Fatal("second instance must not steal a live lock")
	}
	if res.HeldBy == nil || res.HeldBy.InstanceID != a.InstanceID() {
		t.Fatalf("conflict should report the holder: %+v", res.HeldBy)
	}

	// The loser can still take a different model.
	other := ModelLockKey("openai", "gpt-4o-mini")
	if res := b.Acquire(other); !res.Acquired {
		t.Fatal("unrelated lock should be free")
	}
}

func TestAcquireIsReentrantForOwner(t *testing.T) {
	a := NewCoordinator(t.TempDir())
	key := ModelLockKey("anthropic", "m")
	if !a.Acquire(key).Acquired {
		t.Fatal("acquire")
	}
	if !a.Acquire(key).Acquired {
		t.Fatal("re-acquiring our own lock should succeed")
	}
}

func TestRefreshOnlyForOwner(t *testing.T) {
	dir := t.TempDir()
	a := NewCoordinator(dir)
	b := NewCoordinator(dir)
	key := ModelLockKey("anthropic", "m")

	if !a.Acquire(key).Acquired {
		t.Fatal("acquire")
	}
	if !a.Refresh(key) {
		t.Fatal("owner refresh should succeed")
	}
	if b.Refresh(key) {
		t.Fatal("non-owner refresh must report lost")
	}

	a.Release(key)
	if a.Refresh(key) {
		t.Fatal("refresh after release must report lost")
	}
}

func TestReleaseTolerantOfMissingFile(t *testing.T) {
	a := NewCoordinator(t.TempDir())
	a.Release(ModelLockKey("anthropic", "never-acquired"))
}

func TestReleaseOnlyRemovesOwnLock(t *testing.T) {
	dir := t.TempDir()
	a := NewCoordinator(dir)
	b := NewCoordinator(dir)
	key := ModelLockKey("anthropic", "m")

	if !a.Acquire(key).Acquired {
		t.Fatal("acquire")
	}
	b.Release(key)
	if !a.Refresh(key) {
		t.Fatal("another instance's release must not delete our lock")
	}
}

func TestStaleHeartbeatTakeover(t *testing.T) {
	dir := t.TempDir()
	a := NewCoordinator(dir)
	b := NewCoordinator(dir)
	key := ModelLockKey("anthropic", "m")

	if !a.Acquire(key).Acquired {
		t.Fatal("acquire")
	}
	// Age a's heartbeat past the stale threshold from b's point of view.
	b.now = func() time.Time { return time.Now().Add(StaleThreshold + time.Second) }

	if !b.Acquire(key).Acquired {
		t.Fatal("a stale record should be taken over")
	}
	if a.Refresh(key) {
		t.Fatal("the previous owner must observe the loss")
	}
}

func TestDeadPidTakeover(t *testing.T) {
	dir := t.TempDir()
	a := NewCoordinator(dir)
	key := ModelLockKey("anthropic", "m")

	// A record with a fresh heartbeat but an impossible pid.
	rec := a.record()
	rec.PID = 1 << 30
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := a.writeRecord(a.lockPath(key), rec); err != nil {
		t.Fatal(err)
	}

	b := NewCoordinator(dir)
	if !b.Acquire(key).Acquired {
		t.Fatal("a lock held by a dead pid should be taken over")
	}
}

func TestReleaseAll(t *testing.T) {
	dir := t.TempDir()
	a := NewCoordinator(dir)
	k1 := ModelLockKey("anthropic", "m1")
	k2 := ModelLockKey("openai", "m2")
	a.Acquire(k1)
	a.Acquire(k2)

	a.ReleaseAll()

	b := NewCoordinator(dir)
	if !b.Acquire(k1).Acquired || !b.Acquire(k2).Acquired {
		t.Fatal("all locks should be free after ReleaseAll")
	}
}

func TestListLocks(t *testing.T) {
	dir := t.TempDir()
	a := NewCoordinator(dir)
	a.Acquire(ModelLockKey("anthropic", "claude-sonnet-4-5"))

	locks := a.List()
	rec, ok := locks["anthropic/claude-sonnet-4-5"]
	if !ok {
		t.Fatalf("lock missing from listing: %v", locks)
	}
	if rec.InstanceID != a.InstanceID() || rec.PID != os.Getpid() {
		t.Fatalf("record mismatch: %+v", rec)
	}
}
