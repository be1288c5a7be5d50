// Package logring implements the per-worker log ring buffer spec.md §9
// names as the VSL (Varnish Shared Log) analog: the Done step pushes one
// structured entry per finished request into a fixed-size in-memory
// ring, and a Flusher can optionally copy the ring to a durable sink.
//
// The CRUD shape of the optional durable sink is grounded on
// internal/database/supabase.go's table-operation methods (GetX/InsertX
// against a table name with a handful of Eq filters) — rebuilt here on
// database/sql plus lib/pq, since this repo's persistence dependency is
// a raw Postgres driver rather than a hosted REST-over-Postgres client.
package logring

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// Level mirrors the severity tags VSL entries carry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Entry is one log line tagged with the request it belongs to.
type Entry struct {
	XID       uint64
	Step      string
	Level     Level
	Message   string
	Timestamp time.Time
}

// Ring is a fixed-capacity circular buffer of Entry, safe for concurrent
// use; cmd/edgeproxyd creates one and shares it across all Sessions.
// Overwriting the oldest entry on overflow mirrors VSL's
// wraparound shared-memory log rather than growing without bound.
type Ring struct {
	mu       sync.Mutex
	buf      []Entry
	next     int
	count    int
	capacity int
}

// New creates a Ring holding at most capacity entries.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Ring{buf: make([]Entry, capacity), capacity: capacity}
}

// Push appends e, evicting the oldest entry if the ring is full.
func (r *Ring) Push(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
	}
}

// Snapshot returns the ring's entries in chronological order.
func (r *Ring) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, r.count)
	if r.count < r.capacity {
		copy(out, r.buf[:r.count])
		return out
	}
	start := r.next
	for i := 0; i < r.capacity; i++ {
		out[i] = r.buf[(start+i)%r.capacity]
	}
	return out
}

// ForXID filters a snapshot down to one request's entries, the
// admin-surface equivalent of `varnishlog -i <xid>`.
func (r *Ring) ForXID(xid uint64) []Entry {
	all := r.Snapshot()
	out := all[:0:0]
	for _, e := range all {
		if e.XID == xid {
			out = append(out, e)
		}
	}
	return out
}

// Sink persists entries past the ring's lifetime. Entries flushed here
// survive process restarts; the ring itself does not.
type Sink interface {
	Write(ctx context.Context, entries []Entry) error
}

// PQSink writes entries to a Postgres access_log table.
type PQSink struct {
	db    *sql.DB
	table string
}

// NewPQSink opens a connection pool against dsn and targets table for
// inserts (default "access_log").
func NewPQSink(dsn, table string) (*PQSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("logring: open postgres: %w", err)
	}
	if table == "" {
		table = "access_log"
	}
	return &PQSink{db: db, table: table}, nil
}

// Write batches entries into a single multi-row INSERT.
func (s *PQSink) Write(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (xid, step, level, message, logged_at) VALUES ($1, $2, $3, $4, $5)`, s.table))
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.XID, e.Step, e.Level.String(), e.Message, e.Timestamp); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Close releases the underlying connection pool.
func (s *PQSink) Close() error { return s.db.Close() }

// Flusher periodically drains a Ring into a Sink, the durable-log
// analog of a Varnish log-shipping daemon tailing shared memory.
type Flusher struct {
	ring     *Ring
	sink     Sink
	interval time.Duration
	stop     chan struct{}
}

// NewFlusher starts nothing yet; call Run to begin the periodic drain.
func NewFlusher(ring *Ring, sink Sink, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Flusher{ring: ring, sink: sink, interval: interval, stop: make(chan struct{})}
}

// Run blocks, flushing on each tick until ctx is canceled or Stop is
// called.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stop:
			return
		case <-ticker.C:
			entries := f.ring.Snapshot()
			if len(entries) == 0 {
				continue
			}
			if err := f.sink.Write(ctx, entries); err != nil {
				continue
			}
		}
	}
}

// Stop ends a running Run loop.
func (f *Flusher) Stop() { close(f.stop) }
