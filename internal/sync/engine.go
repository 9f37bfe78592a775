// Package sync implements the delta sync protocol: push only dirty and
// deleted records, pull only rows updated after the last watermark, and
// resolve concurrent edits per record by last-writer-wins on timestamps.
package sync

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/marcus/flipstock/internal/models"
	"github.com/marcus/flipstock/internal/queue"
	"github.com/marcus/flipstock/internal/remote"
	"github.com/marcus/flipstock/internal/store"
	"github.com/marcus/flipstock/internal/track"
)

// Watermark keys in the store's metadata namespace.
const (
	MetaLastPush = "lastSyncPush"
	MetaLastPull = "lastSyncPull"
)

// Remote is the server surface the engine needs.
type Remote interface {
	UpsertBatch(accountID, table string, records []models.Record) error
	DeleteBatch(accountID, table string, ids []string) error
	FetchSince(accountID, table string, since int64) ([]remote.Row, error)
}

// Engine drives push and pull cycles for one account. Construct with New and
// wire the dependencies explicitly; the engine never reaches for globals.
type Engine struct {
	data      *models.Dataset
	store     *store.Store
	tracker   *track.Tracker
	queue     *queue.Queue
	client    Remote
	accountID string

	mu       sync.Mutex
	status   Status
	onStatus func(Status)
	offline  bool

	auto        *debouncer
	autoDelay   time.Duration
	autoEnabled bool
}

// New wires a sync engine. Components are passed in dependency order; none of
// them are optional.
func New(data *models.Dataset, st *store.Store, tr *track.Tracker, q *queue.Queue, client Remote, accountID string) *Engine {
	return &Engine{
		data:        data,
		store:       st,
		tracker:     tr,
		queue:       q,
		client:      client,
		accountID:   accountID,
		status:      Status{State: StateDisconnected},
		autoDelay:   2 * time.Second,
		autoEnabled: true,
	}
}

// SetOffline flips the explicit connectivity flag. While offline, PushDelta
// routes changes straight into the queue without attempting the network.
func (e *Engine) SetOffline(offline bool) {
	e.mu.Lock()
	e.offline = offline
	e.mu.Unlock()
	if offline {
		e.setStatus(StateDisconnected, "")
	}
}

func (e *Engine) isOffline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offline
}

// PushDelta sends dirty records as upsert batches and deleted ids as delete
// batches. When the network is unavailable the snapshot is handed to the
// offline queue instead — the mutation is deferred, never lost.
func (e *Engine) PushDelta() error {
	// A record mid-write must not be pushed; settle durable state first.
	e.store.WaitForPendingWrite()

	snap := e.tracker.Snapshot()
	if snap.Empty() {
		return nil
	}

	if e.isOffline() {
		e.deferSnapshot(snap)
		e.tracker.Clear()
		return nil
	}

	e.setStatus(StateSyncing, "")
	if err := e.sendSnapshot(snap); err != nil {
		if remote.IsNetworkError(err) {
			// Queue everything so nothing is lost; the tracker restarts
			// clean and the queue replays on reconnect.
			e.deferSnapshot(snap)
			e.tracker.Clear()
			e.setStatus(StateError, err.Error())
			return fmt.Errorf("push deferred to offline queue: %w", err)
		}
		// Server rejected the batch: keep the dirty set for an idempotent
		// retry on the next cycle.
		e.setStatus(StateError, err.Error())
		return fmt.Errorf("push: %w", err)
	}

	e.store.SetMeta(MetaLastPush, strconv.FormatInt(models.NowMillis(), 10))
	e.tracker.Clear()
	e.setStatus(StateConnected, "")
	return nil
}

// sendSnapshot performs the remote writes for one change snapshot.
func (e *Engine) sendSnapshot(snap track.Snapshot) error {
	for _, table := range models.Tables {
		if recs := e.dirtyRecords(snap, table); len(recs) > 0 {
			if err := e.client.UpsertBatch(e.accountID, table, recs); err != nil {
				return fmt.Errorf("upsert %s: %w", table, err)
			}
		}
		if ids := snap.Deleted[table]; len(ids) > 0 {
			if err := e.client.DeleteBatch(e.accountID, table, ids); err != nil {
				return fmt.Errorf("delete %s: %w", table, err)
			}
		}
	}
	return nil
}

// dirtyRecords serializes a table's dirty records for transfer, stripping
// local-only fields.
func (e *Engine) dirtyRecords(snap track.Snapshot, table string) []models.Record {
	ids := snap.Dirty[table]
	recs := make([]models.Record, 0, len(ids))
	for _, id := range ids {
		rec, ok := e.data.Get(table, id)
		if !ok {
			continue
		}
		recs = append(recs, rec.StripLocal())
	}
	return recs
}

// deferSnapshot hands a change snapshot to the offline queue, one entry per
// collection with pending work.
func (e *Engine) deferSnapshot(snap track.Snapshot) {
	for _, table := range models.Tables {
		if recs := e.dirtyRecords(snap, table); len(recs) > 0 {
			if err := e.queue.Enqueue(queue.ActionUpsert, table, recs); err != nil {
				slog.Warn("sync: defer upserts", "table", table, "err", err)
			}
		}
		if ids := snap.Deleted[table]; len(ids) > 0 {
			if err := e.queue.Enqueue(queue.ActionDelete, table, ids); err != nil {
				slog.Warn("sync: defer deletes", "table", table, "err", err)
			}
		}
	}
}

// PullDelta fetches remote rows updated after the pull watermark and merges
// them into the local collections. With no prior watermark the remote wholly
// replaces local state. Errors leave collections and watermark untouched.
func (e *Engine) PullDelta() error {
	var since int64
	raw, haveWatermark := e.store.GetMeta(MetaLastPull)
	if haveWatermark {
		var err error
		since, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			slog.Warn("sync: bad pull watermark, forcing full pull", "value", raw)
			haveWatermark = false
		}
	}

	e.setStatus(StateSyncing, "")

	// Fetch everything before mutating anything: pull is all-or-nothing.
	fetched := make(map[string][]remote.Row, len(models.Tables))
	for _, table := range models.Tables {
		query := since
		if !haveWatermark {
			query = 0
		}
		rows, err := e.client.FetchSince(e.accountID, table, query)
		if err != nil {
			e.setStatus(StateError, err.Error())
			return fmt.Errorf("pull %s: %w", table, err)
		}
		fetched[table] = rows
	}

	if haveWatermark {
		for _, table := range models.Tables {
			e.mergeIncremental(table, fetched[table])
		}
	} else {
		// This device has no prior state; remote is authoritative.
		for _, table := range models.Tables {
			e.data.Replace(table, rowsToRecords(fetched[table]))
		}
	}

	e.store.SetMeta(MetaLastPull, strconv.FormatInt(models.NowMillis(), 10))
	e.store.Save()
	e.setStatus(StateConnected, "")
	return nil
}

// mergeIncremental applies remote rows to one collection with per-record
// last-writer-wins. The local stamp is compared against the server-assigned
// updated_at; ties go to the remote. Record granularity only — fields are
// never merged individually.
func (e *Engine) mergeIncremental(table string, rows []remote.Row) {
	for _, row := range rows {
		local, exists := e.data.Get(table, row.ID)
		if !exists {
			e.data.Put(table, rowRecord(row))
			continue
		}
		if row.UpdatedAt >= local.LocalUpdatedAt() {
			e.data.Put(table, rowRecord(row))
		}
		// else: local edit is newer; keep it, the next push re-sends it.
	}
}

// rowRecord converts a remote row into a local record. Merged records keep
// their remote form — the local stamp is never set by a merge.
func rowRecord(row remote.Row) models.Record {
	rec := row.Data
	if rec == nil {
		rec = models.Record{}
	}
	rec["id"] = row.ID
	return rec
}

func rowsToRecords(rows []remote.Row) []models.Record {
	recs := make([]models.Record, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, rowRecord(row))
	}
	return recs
}

// FullSync pulls then pushes, in that order, so a manual "sync now"
// reconciles remote state before sending local dirty records.
func (e *Engine) FullSync() error {
	if err := e.PullDelta(); err != nil {
		return err
	}
	return e.PushDelta()
}

// ReplayQueue drains the offline queue against the remote. Skips all work
// when the queue is empty.
func (e *Engine) ReplayQueue() queue.Result {
	if e.queue.Len() == 0 {
		return queue.Result{}
	}
	return e.queue.Replay(e.client, e.accountID)
}

// Watermarks returns the push and pull watermarks (0 when unset).
func (e *Engine) Watermarks() (push, pull int64) {
	if raw, ok := e.store.GetMeta(MetaLastPush); ok {
		push, _ = strconv.ParseInt(raw, 10, 64)
	}
	if raw, ok := e.store.GetMeta(MetaLastPull); ok {
		pull, _ = strconv.ParseInt(raw, 10, 64)
	}
	return push, pull
}
