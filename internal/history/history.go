// Package history journals selection outcomes and rate-limit observations
// to a local or remote database, enabled by the history-dsn setting.
package history

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nghyane/pi-model-selector/internal/config"
	log "github.com/nghyane/pi-model-selector/internal/logging"
	"github.com/nghyane/pi-model-selector/internal/selector"
)

const (
	// EventSelection records a completed selection pass.
	EventSelection = "selection"
	// EventRateLimit records an observed 429.
	EventRateLimit = "rate_limit"
)

// Event is one journal row.
type Event struct {
	At            time.Time
	Kind          string
	Reason        string
	SelectedKey   string
	ModelProvider string
	ModelID       string
	Provider      string
	Account       string
	LockWaitMs    int64
}

// backend is the storage half of the journal.
type backend interface {
	init(ctx context.Context) error
	writeBatch(ctx context.Context, events []Event) error
	cleanup(ctx context.Context, olderThan time.Time) error
	close() error
}

const (
	queueSize     = 256
	batchSize     = 64
	flushInterval = 5 * time.Second
	cleanupEvery  = time.Hour
	retention     = 30 * 24 * time.Hour
)

// Journal buffers events on a channel and writes them in batches from a
// single background worker.
type Journal struct {
	backend backend
	events  chan Event
	flush   chan chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// Open builds a journal for the DSN. Supported schemes: sqlite://,
// postgres:// (and postgresql://).
func Open(dsn string) (*Journal, error) {
	var b backend
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		b = newSqliteBackend(strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		b = newPostgresBackend(dsn)
	default:
		return nil, fmt.Errorf("history: unsupported dsn scheme in %q", dsn)
	}
	return &Journal{
		backend: b,
		events:  make(chan Event, queueSize),
		flush:   make(chan chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start initializes the backend and launches the writer.
func (j *Journal) Start(ctx context.Context) error {
	if err := j.backend.init(ctx); err != nil {
		return fmt.Errorf("history: init: %w", err)
	}
	j.started = true
	j.wg.Add(1)
	go j.run()
	return nil
}

// Stop drains the queue, flushes, and closes the backend.
func (j *Journal) Stop() {
	if !j.started {
		return
	}
	close(j.done)
	j.wg.Wait()
	if err := j.backend.close(); err != nil {
		log.Debugf("history: close: %v", err)
	}
	j.started = false
}

// Flush blocks until everything queued so far is written.
func (j *Journal) Flush() {
	if !j.started {
		return
	}
	ack := make(chan struct{})
	select {
	case j.flush <- ack:
		<-ack
	case <-j.done:
	}
}

// RecordSelection implements selector.Recorder. Drops the event when the
// queue is full rather than blocking a selection pass.
func (j *Journal) RecordSelection(at time.Time, reason, selectedKey string, model *selector.Model, lockWait time.Duration) {
	ev := Event{
		At:          at,
		Kind:        EventSelection,
		Reason:      reason,
		SelectedKey: selectedKey,
		LockWaitMs:  lockWait.Milliseconds(),
	}
	if model != nil {
		ev.ModelProvider = model.Provider
		ev.ModelID = model.ID
	}
	j.enqueue(ev)
}

// RecordRateLimit implements selector.Recorder.
func (j *Journal) RecordRateLimit(at time.Time, provider config.ProviderID, account string) {
	j.enqueue(Event{
		At:       at,
		Kind:     EventRateLimit,
		Provider: string(provider),
		Account:  account,
	})
}

func (j *Journal) enqueue(ev Event) {
	select {
	case j.events <- ev:
	default:
		log.Debugf("history: queue full, dropping %s event", ev.Kind)
	}
}

func (j *Journal) run() {
	defer j.wg.Done()

	buf := make([]Event, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	cleanup := time.NewTicker(cleanupEvery)
	defer cleanup.Stop()

	writeOut := func() {
		if len(buf) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := j.backend.writeBatch(ctx, buf); err != nil {
			log.WithError(err).Warn("history: write batch")
		}
		cancel()
		buf = buf[:0]
	}

	for {
		select {
		case ev := <-j.events:
			buf = append(buf, ev)
			if len(buf) >= batchSize {
				writeOut()
			}
		case <-ticker.C:
			writeOut()
		case <-cleanup.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := j.backend.cleanup(ctx, time.Now().Add(-retention)); err != nil {
				log.Debugf("history: cleanup: %v", err)
			}
			cancel()
		case ack := <-j.flush:
			for drained := false; !drained; {
				select {
				case ev := <-j.events:
					buf = append(buf, ev)
				default:
					drained = true
				}
			}
			writeOut()
			close(ack)
		case <-j.done:
			for drained := false; !drained; {
				select {
				case ev := <-j.events:
					buf = append(buf, ev)
				default:
					drained = true
				}
			}
			writeOut()
			return
		}
	}
}
