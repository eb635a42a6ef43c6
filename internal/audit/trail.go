// Package audit persists access decisions. The guard hands every verdict to
// a Recorder; the Trail implementation here buffers them in memory and
// batch-inserts into _audit_log so the hot path never waits on the database.
package audit

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"forge-backend/internal/access"
	"forge-backend/internal/config"
	"forge-backend/internal/store"
)

// Trail collects decisions in memory and periodically flushes them to the
// _audit_log table in a batch insert. By default only denials are kept;
// LogAllows turns on the full stream.
type Trail struct {
	mu        sync.Mutex
	pending   []access.Decision
	store     *store.Store
	maxSize   int
	logAllows bool
	ticker    *time.Ticker
	done      chan struct{}
}

// NewTrail creates a trail that flushes on a timer or when the buffer fills.
func NewTrail(s *store.Store, cfg config.AuditConfig) *Trail {
	maxSize := cfg.BufferSize
	if maxSize <= 0 {
		maxSize = 500
	}
	flushMs := cfg.FlushIntervalMs
	if flushMs <= 0 {
		flushMs = 1000
	}

	t := &Trail{
		store:     s,
		maxSize:   maxSize,
		logAllows: cfg.LogAllows,
		done:      make(chan struct{}),
	}
	t.ticker = time.NewTicker(time.Duration(flushMs) * time.Millisecond)
	go t.run()
	return t
}

func (t *Trail) run() {
	for {
		select {
		case <-t.done:
			return
		case <-t.ticker.C:
			t.Flush()
		}
	}
}

// Record implements access.Recorder. Allowed decisions are dropped unless
// LogAllows is set; denials always land in the buffer. If the buffer is
// full, a flush is triggered asynchronously.
func (t *Trail) Record(d access.Decision) {
	if d.Allowed && !t.logAllows {
		return
	}
	t.mu.Lock()
	t.pending = append(t.pending, d)
	shouldFlush := len(t.pending) >= t.maxSize
	t.mu.Unlock()
	if shouldFlush {
		go t.Flush()
	}
}

// Flush writes all buffered decisions to the database in a single batch
// insert. Errors are logged and the batch is dropped; the trail never blocks
// or fails a request.
func (t *Trail) Flush() {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}
	batch := t.pending
	t.pending = nil
	t.mu.Unlock()

	ctx := context.Background()
	tx, err := t.store.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("ERROR: audit trail begin tx: %v", err)
		return
	}

	if off := t.store.Dialect.SyncCommitOff(); off != "" {
		if _, err := tx.ExecContext(ctx, off); err != nil {
			tx.Rollback()
			log.Printf("ERROR: audit trail set sync commit: %v", err)
			return
		}
	}

	pb := t.store.Dialect.NewParamBuilder()
	tuples := make([]string, 0, len(batch))
	for _, d := range batch {
		ph := []string{
			pb.Add(uuid.NewString()),
			pb.Add(d.Entity),
			pb.Add(d.Action),
			pb.Add(nullIfEmpty(d.UserID)),
			pb.Add(nullIfEmpty(d.RecordID)),
			pb.Add(d.Allowed),
			pb.Add(d.Reason),
			pb.Add(float64(d.Elapsed) / float64(time.Millisecond)),
			pb.Add(d.At.UTC().Format(time.RFC3339)),
		}
		tuples = append(tuples, "("+strings.Join(ph, ", ")+")")
	}

	sqlStr := "INSERT INTO _audit_log (id, entity, action, user_id, record_id, allowed, reason, duration_ms, created_at) VALUES " +
		strings.Join(tuples, ", ")
	if _, err := tx.ExecContext(ctx, sqlStr, pb.Params()...); err != nil {
		tx.Rollback()
		log.Printf("ERROR: audit trail insert: %v", err)
		return
	}

	if err := tx.Commit(); err != nil {
		log.Printf("ERROR: audit trail commit: %v", err)
	}
}

// Stop halts the background ticker and flushes remaining decisions.
func (t *Trail) Stop() {
	if t.ticker != nil {
		t.ticker.Stop()
	}
	close(t.done)
	t.Flush()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ access.Recorder = (*Trail)(nil)
