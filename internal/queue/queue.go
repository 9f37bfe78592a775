// Package queue implements the durable offline mutation queue: a FIFO of
// pending remote writes, recorded when a push cannot reach the server and
// replayed in enqueue order on reconnect with bounded retry.
package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/marcus/flipstock/internal/models"
)

// Action is the kind of deferred remote write.
type Action string

const (
	ActionUpsert Action = "upsert"
	ActionDelete Action = "delete"
)

const (
	// maxEntries caps the queue; entries beyond it are dropped with a warning.
	maxEntries = 1000

	// maxRetries bounds replay attempts per entry (5 attempts total).
	maxRetries = 5
)

// ErrQueueFull is returned when the queue is at capacity.
var ErrQueueFull = errors.New("offline queue full")

const schema = `
CREATE TABLE IF NOT EXISTS sync_queue (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	action      TEXT NOT NULL,
	tbl         TEXT NOT NULL,
	payload     TEXT NOT NULL,
	enqueued_at INTEGER NOT NULL,
	retries     INTEGER NOT NULL DEFAULT 0
);
`

// Entry is one deferred remote write. For upserts the payload is the record
// batch; for deletes it is the id list.
type Entry struct {
	Seq        int64
	Action     Action
	Table      string
	Payload    json.RawMessage
	EnqueuedAt int64
	Retries    int
}

// Records decodes an upsert payload.
func (e Entry) Records() ([]models.Record, error) {
	var recs []models.Record
	if err := json.Unmarshal(e.Payload, &recs); err != nil {
		return nil, fmt.Errorf("decode upsert payload: %w", err)
	}
	return recs, nil
}

// IDs decodes a delete payload.
func (e Entry) IDs() ([]string, error) {
	var ids []string
	if err := json.Unmarshal(e.Payload, &ids); err != nil {
		return nil, fmt.Errorf("decode delete payload: %w", err)
	}
	return ids, nil
}

// Queue is the offline mutation queue. Entries are durable rows in the local
// sqlite database, independent of the collections, so they survive even when
// the in-memory dataset is not yet reloaded. With no database handle (store
// degraded) the queue falls back to process memory.
type Queue struct {
	conn *sql.DB // nil in memory mode

	mu     sync.Mutex
	mem    []Entry // memory mode storage
	memSeq int64

	replaying sync.Mutex // single-flight guard for Replay
}

// Open prepares the queue table on the given connection. A nil connection
// yields an in-memory queue.
func Open(conn *sql.DB) (*Queue, error) {
	q := &Queue{conn: conn}
	if conn != nil {
		if _, err := conn.Exec(schema); err != nil {
			return nil, fmt.Errorf("init queue table: %w", err)
		}
	}
	return q, nil
}

// Enqueue appends a deferred write. payload must be a record batch for
// upserts or an id list for deletes. Beyond capacity the entry is dropped
// and ErrQueueFull returned so callers can surface a warning.
func (q *Queue) Enqueue(action Action, table string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode queue payload: %w", err)
	}
	if q.Len() >= maxEntries {
		slog.Warn("queue: at capacity, dropping entry", "action", action, "table", table)
		return ErrQueueFull
	}
	return q.append(Entry{
		Action:     action,
		Table:      table,
		Payload:    data,
		EnqueuedAt: models.NowMillis(),
	})
}

func (q *Queue) append(e Entry) error {
	if q.conn == nil {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.memSeq++
		e.Seq = q.memSeq
		q.mem = append(q.mem, e)
		return nil
	}
	_, err := q.conn.Exec(
		`INSERT INTO sync_queue (action, tbl, payload, enqueued_at, retries) VALUES (?, ?, ?, ?, ?)`,
		string(e.Action), e.Table, string(e.Payload), e.EnqueuedAt, e.Retries,
	)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	if q.conn == nil {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.mem)
	}
	var n int
	if err := q.conn.QueryRow(`SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		slog.Warn("queue: count", "err", err)
		return 0
	}
	return n
}

// DrainInOrder atomically reads all entries in enqueue order and clears the
// queue. Callers must re-enqueue whatever fails; entries are never removed
// piecemeal during a partial failure.
func (q *Queue) DrainInOrder() ([]Entry, error) {
	if q.conn == nil {
		q.mu.Lock()
		defer q.mu.Unlock()
		out := q.mem
		q.mem = nil
		return out, nil
	}

	tx, err := q.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("drain: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT seq, action, tbl, payload, enqueued_at, retries FROM sync_queue ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("drain: query: %w", err)
	}
	var entries []Entry
	for rows.Next() {
		var e Entry
		var action, payload string
		if err := rows.Scan(&e.Seq, &action, &e.Table, &payload, &e.EnqueuedAt, &e.Retries); err != nil {
			rows.Close()
			return nil, fmt.Errorf("drain: scan: %w", err)
		}
		e.Action = Action(action)
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("drain: rows: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM sync_queue`); err != nil {
		return nil, fmt.Errorf("drain: clear: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("drain: commit: %w", err)
	}
	return entries, nil
}
