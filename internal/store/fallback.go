package store

import (
	"encoding/json"
	"log/slog"
	"os"
	"strings"

	"github.com/marcus/flipstock/internal/models"
)

const (
	// defaultFallbackCap bounds the snapshot file size.
	defaultFallbackCap = 512 * 1024

	// largeFieldThreshold: string fields above this are considered binary
	// payloads (inline photos) and are dropped when degrading a record.
	largeFieldThreshold = 4 * 1024
)

// snapshotFile is the degraded secondary engine: one JSON file holding a full
// snapshot of every collection, bounded in size.
type snapshotFile struct {
	path string
	cap  int
}

func newSnapshotFile(path string, cap int) *snapshotFile {
	return &snapshotFile{path: path, cap: cap}
}

// read loads the snapshot. A missing or corrupt file yields an empty map.
func (f *snapshotFile) read() map[string][]models.Record {
	out := make(map[string][]models.Record)
	data, err := os.ReadFile(f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("fallback: read snapshot", "err", err)
		}
		return out
	}
	if err := json.Unmarshal(data, &out); err != nil {
		slog.Warn("fallback: decode snapshot", "err", err)
		return make(map[string][]models.Record)
	}
	return out
}

// write persists the snapshot. When the encoded snapshot exceeds the cap,
// each record is degraded (large binary fields dropped) and the write is
// retried once. A residual failure is logged, not returned as fatal.
func (f *snapshotFile) write(snap map[string][]models.Record) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if len(data) > f.cap {
		slog.Warn("fallback: snapshot over capacity, degrading records",
			"size", len(data), "cap", f.cap)
		degraded := make(map[string][]models.Record, len(snap))
		for table, recs := range snap {
			out := make([]models.Record, 0, len(recs))
			for _, rec := range recs {
				out = append(out, degradeRecord(rec))
			}
			degraded[table] = out
		}
		if data, err = json.Marshal(degraded); err != nil {
			return err
		}
		if len(data) > f.cap {
			slog.Warn("fallback: snapshot still over capacity, skipping mirror",
				"size", len(data), "cap", f.cap)
			return nil
		}
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// degradeRecord returns a copy with non-essential large fields removed:
// inline data URLs and oversized string values.
func degradeRecord(rec models.Record) models.Record {
	out := make(models.Record, len(rec))
	for k, v := range rec {
		switch t := v.(type) {
		case string:
			if strings.HasPrefix(t, "data:") || len(t) > largeFieldThreshold {
				continue
			}
		case []any:
			if k == "photos" {
				kept := make([]any, 0, len(t))
				for _, e := range t {
					if s, ok := e.(string); ok && strings.HasPrefix(s, "data:") {
						continue
					}
					kept = append(kept, e)
				}
				out[k] = kept
				continue
			}
		}
		out[k] = v
	}
	return out
}
