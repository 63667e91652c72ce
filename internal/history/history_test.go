package history

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nghyane/pi-model-selector/internal/config"
	"github.com/nghyane/pi-model-selector/internal/selector"
)

func TestOpenSchemes(t *testing.T) {
	if _, err := Open("sqlite:///tmp/x.db"); err != nil {
		t.Fatalf("sqlite dsn: %v", err)
	}
	if _, err := Open("postgres://localhost/selector"); err != nil {
		t.Fatalf("postgres dsn: %v", err)
	}
	if _, err := Open("mysql://nope"); err == nil {
		t.Fatal("unknown scheme must be rejected")
	}
}

func TestSqliteJournalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	j, err := Open("sqlite://" + path)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer j.Stop()

	at := time.Now()
	j.RecordSelection(at, "command", "anthropic|auth.json|5h",
		&selector.Model{Provider: "anthropic", ID: "claude-sonnet-4-5"}, 1500*time.Millisecond)
	j.RecordRateLimit(at, config.ProviderZai, "env")
	j.Flush()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var kind, selectedKey, modelID string
	var lockWaitMs int64
	err = db.QueryRow(`SELECT kind, selected_key, model_id, lock_wait_ms
		FROM selector_events WHERE kind = ?`, EventSelection).
		Scan(&kind, &selectedKey, &modelID, &lockWaitMs)
	if err != nil {
		t.Fatalf("selection row: %v", err)
	}
	if selectedKey != "anthropic|auth.json|5h" || modelID != "claude-sonnet-4-5" || lockWaitMs != 1500 {
		t.Fatalf("row mismatch: %s %s %d", selectedKey, modelID, lockWaitMs)
	}

	var provider, account string
	err = db.QueryRow(`SELECT provider, account FROM selector_events WHERE kind = ?`, EventRateLimit).
		Scan(&provider, &account)
	if err != nil {
		t.Fatalf("rate limit row: %v", err)
	}
	if provider != "z-ai" || account != "env" {
		t.Fatalf("rate limit mismatch: %s %s", provider, account)
	}
}

func TestSqliteCleanup(t *testing.T) {
	b := newSqliteBackend(filepath.Join(t.TempDir(), "history.db"))
	ctx := context.Background()
	if err := b.init(ctx); err != nil {
		t.Fatal(err)
	}
	defer b.close()

	now := time.Now()
	old := Event{At: now.Add(-40 * 24 * time.Hour), Kind: EventSelection}
	recent := Event{At: now, Kind: EventSelection}
	if err := b.writeBatch(ctx, []Event{old, recent}); err != nil {
		t.Fatal(err)
	}
	if err := b.cleanup(ctx, now.Add(-retention)); err != nil {
		t.Fatal(err)
	}

	var n int
	if err := b.db.QueryRow(`SELECT COUNT(*) FROM selector_events`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("cleanup should keep only recent rows, got %d", n)
	}
}

type memBackend struct {
	mu     sync.Mutex
	events []Event
}

func (m *memBackend) init(context.Context) error { return nil }
func (m *memBackend) writeBatch(_ context.Context, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}
func (m *memBackend) cleanup(context.Context, time.Time) error { return nil }
func (m *memBackend) close() error                             { return nil }

func (m *memBackend) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestStopDrainsQueue(t *testing.T) {
	mem := &memBackend{}
	j := &Journal{
		backend: mem,
		events:  make(chan Event, queueSize),
		flush:   make(chan chan struct{}),
		done:    make(chan struct{}),
	}
	if err := j.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		j.RecordRateLimit(time.Now(), config.ProviderAnthropic, "auth.json")
	}
	j.Stop()

	if got := mem.count(); got != 10 {
		t.Fatalf("stop must flush queued events, wrote %d of 10", got)
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	// No worker draining: the queue fills and further events are dropped
	// instead of blocking.
	j := &Journal{
		backend: &memBackend{},
		events:  make(chan Event, 2),
		flush:   make(chan chan struct{}),
		done:    make(chan struct{}),
	}
	for i := 0; i < 5; i++ {
		j.enqueue(Event{Kind: EventSelection})
	}
	if len(j.events) != 2 {
		t.Fatalf("queue length %d, want 2", len(j.events))
	}
}
