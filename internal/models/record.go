// Package models defines the synchronized data model: schemaless records,
// id-keyed collections, and the dataset holding the three live collections.
package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Table names for the three synchronized collections.
const (
	TableInventory = "inventory"
	TableSales     = "sales"
	TableExpenses  = "expenses"
)

// Tables lists all synchronized tables in a stable order.
var Tables = []string{TableInventory, TableSales, TableExpenses}

// ValidTable reports whether name is one of the synchronized tables.
func ValidTable(name string) bool {
	switch name {
	case TableInventory, TableSales, TableExpenses:
		return true
	}
	return false
}

// LocalUpdatedAtKey is the record field stamped on every local mutation.
// It is never set when a record is updated by merging remote data.
const LocalUpdatedAtKey = "_localUpdatedAt"

// Record is a schemaless document. Domain fields are opaque to the sync
// engine; only "id" and the local-update stamp matter here.
type Record map[string]any

// NewRecord returns a record with a freshly generated id.
func NewRecord() Record {
	return Record{"id": uuid.NewString()}
}

// ID returns the record's id, or "" if unset.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// LocalUpdatedAt returns the local mutation stamp in epoch milliseconds,
// or 0 when the record has never been locally mutated. JSON decoding turns
// numbers into float64, so both representations are accepted.
func (r Record) LocalUpdatedAt() int64 {
	switch v := r[LocalUpdatedAtKey].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// Touch stamps the record as locally mutated at the given epoch-ms time.
func (r Record) Touch(nowMillis int64) {
	r[LocalUpdatedAtKey] = nowMillis
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case Record:
		return map[string]any(t.Clone())
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

// StripLocal returns a copy suitable for sending to the remote store:
// underscore-prefixed local-only fields are dropped, and photo lists are
// collapsed to remote URLs only (inline data URLs never leave the device).
func (r Record) StripLocal() Record {
	out := make(Record, len(r))
	for k, v := range r {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if k == "photos" {
			if urls, ok := remotePhotoURLs(v); ok {
				out[k] = urls
				continue
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}

// remotePhotoURLs filters a photo list down to http(s) URLs.
func remotePhotoURLs(v any) ([]any, bool) {
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	urls := make([]any, 0, len(list))
	for _, e := range list {
		s, ok := e.(string)
		if !ok {
			continue
		}
		if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
			urls = append(urls, s)
		}
	}
	return urls, true
}

// NowMillis returns the current wall clock in epoch milliseconds, the
// timestamp scale used for both local stamps and remote updated_at values.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
