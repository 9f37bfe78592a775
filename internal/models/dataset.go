package models

import "sync"

// Collection is a set of records of one entity type, uniquely keyed by id.
// Ordering is irrelevant; All returns records in unspecified order.
type Collection struct {
	records map[string]Record
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{records: make(map[string]Record)}
}

// Get returns the record with the given id.
func (c *Collection) Get(id string) (Record, bool) {
	rec, ok := c.records[id]
	return rec, ok
}

// Put inserts or replaces the record keyed by its id. Records without an id
// are ignored — id is assigned at creation and immutable afterwards.
func (c *Collection) Put(rec Record) {
	id := rec.ID()
	if id == "" {
		return
	}
	c.records[id] = rec
}

// Delete removes the record with the given id, if present.
func (c *Collection) Delete(id string) {
	delete(c.records, id)
}

// Replace discards all records and installs the given set.
func (c *Collection) Replace(recs []Record) {
	c.records = make(map[string]Record, len(recs))
	for _, rec := range recs {
		c.Put(rec)
	}
}

// All returns all records. The returned slice is fresh; the records are the
// live documents.
func (c *Collection) All() []Record {
	out := make([]Record, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec)
	}
	return out
}

// Len returns the number of records.
func (c *Collection) Len() int {
	return len(c.records)
}

// Dataset holds the three live collections. It is constructed once and
// injected into every component that reads or mutates synchronized state.
type Dataset struct {
	mu          sync.RWMutex
	collections map[string]*Collection
}

// NewDataset returns a dataset with one empty collection per table.
func NewDataset() *Dataset {
	d := &Dataset{collections: make(map[string]*Collection, len(Tables))}
	for _, t := range Tables {
		d.collections[t] = NewCollection()
	}
	return d
}

// Get returns the record with the given id from a table.
func (d *Dataset) Get(table, id string) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.collections[table]
	if !ok {
		return nil, false
	}
	return c.Get(id)
}

// Put inserts or replaces a record in a table.
func (d *Dataset) Put(table string, rec Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.collections[table]; ok {
		c.Put(rec)
	}
}

// Delete removes a record from a table.
func (d *Dataset) Delete(table, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.collections[table]; ok {
		c.Delete(id)
	}
}

// Touch stamps the local-update time on a record while holding the write
// lock, so the stamp cannot race a concurrent Put or Replace. Reports
// whether the record exists.
func (d *Dataset) Touch(table, id string, nowMillis int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.collections[table]
	if !ok {
		return false
	}
	rec, ok := c.Get(id)
	if !ok {
		return false
	}
	rec.Touch(nowMillis)
	return true
}

// Records returns all records of a table.
func (d *Dataset) Records(table string) []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.collections[table]
	if !ok {
		return nil
	}
	return c.All()
}

// Replace discards a table's records and installs the given set.
func (d *Dataset) Replace(table string, recs []Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.collections[table]; ok {
		c.Replace(recs)
	}
}

// Len returns the number of records in a table.
func (d *Dataset) Len(table string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.collections[table]
	if !ok {
		return 0
	}
	return c.Len()
}

// Contains reports whether a table holds a record with the given id.
func (d *Dataset) Contains(table, id string) bool {
	_, ok := d.Get(table, id)
	return ok
}
