// Package track records which record ids were mutated or deleted since the
// last successful push. The change set is transient: it is rebuilt each sync
// cycle and cleared only after a push is confirmed.
package track

import (
	"sync"

	"github.com/marcus/flipstock/internal/models"
)

// Snapshot holds the dirty and deleted id sets at a point in time, resolved
// against the live dataset.
type Snapshot struct {
	Dirty   map[string][]string // table -> ids of records that still exist
	Deleted map[string][]string // table -> ids pending remote delete
}

// Empty reports whether the snapshot carries no changes.
func (s Snapshot) Empty() bool {
	for _, ids := range s.Dirty {
		if len(ids) > 0 {
			return false
		}
	}
	for _, ids := range s.Deleted {
		if len(ids) > 0 {
			return false
		}
	}
	return true
}

// Tracker is the change tracker. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	data    *models.Dataset
	dirty   map[string]map[string]struct{}
	deleted map[string]map[string]struct{}
}

// New returns a tracker bound to the live dataset.
func New(data *models.Dataset) *Tracker {
	t := &Tracker{data: data}
	t.reset()
	return t
}

func (t *Tracker) reset() {
	t.dirty = make(map[string]map[string]struct{}, len(models.Tables))
	t.deleted = make(map[string]map[string]struct{}, len(models.Tables))
	for _, table := range models.Tables {
		t.dirty[table] = make(map[string]struct{})
		t.deleted[table] = make(map[string]struct{})
	}
}

// MarkDirty adds id to the table's dirty set and stamps the live record's
// local-update time. The stamp is the basis for conflict resolution, so it is
// set here and only here — merge-from-remote never touches it.
func (t *Tracker) MarkDirty(table, id string) {
	if !models.ValidTable(table) || id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	// Delete is terminal for the change cycle.
	if _, gone := t.deleted[table][id]; gone {
		return
	}
	t.dirty[table][id] = struct{}{}
	// Stamp through the dataset so it happens under the dataset's write lock,
	// not against a record handed out by an already-released read lock.
	t.data.Touch(table, id, models.NowMillis())
}

// MarkDeleted records id for remote deletion on the next push and drops any
// pending dirty mark for it.
func (t *Tracker) MarkDeleted(table, id string) {
	if !models.ValidTable(table) || id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.dirty[table], id)
	t.deleted[table][id] = struct{}{}
}

// Snapshot returns the current change set resolved against the live dataset:
// dirty ids whose records no longer exist are dropped. State is not mutated.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		Dirty:   make(map[string][]string, len(models.Tables)),
		Deleted: make(map[string][]string, len(models.Tables)),
	}
	for _, table := range models.Tables {
		for id := range t.dirty[table] {
			if t.data.Contains(table, id) {
				snap.Dirty[table] = append(snap.Dirty[table], id)
			}
		}
		for id := range t.deleted[table] {
			snap.Deleted[table] = append(snap.Deleted[table], id)
		}
	}
	return snap
}

// Clear empties all sets. Called only after a push is confirmed successful;
// a failed push leaves the sets intact so the next cycle retries them.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reset()
}

// Pending reports whether any dirty or deleted ids are recorded.
func (t *Tracker) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, table := range models.Tables {
		if len(t.dirty[table]) > 0 || len(t.deleted[table]) > 0 {
			return true
		}
	}
	return false
}
