package store

import (
	"log/slog"
	"time"

	"github.com/marcus/flipstock/internal/models"
)

// Save schedules a debounced durable write of the whole dataset and mirrors
// it to the fallback engine synchronously. Rapid successive saves collapse
// into one underlying write.
func (s *Store) Save() {
	// Mirror first: the fallback copy must exist even if the process dies
	// before the debounce timer fires.
	s.mirrorToFallback()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.saveDone == nil {
		s.saveDone = make(chan struct{})
	}
	if s.saveTimer != nil {
		s.saveTimer.Reset(s.saveDelay)
		return
	}
	s.saveTimer = time.AfterFunc(s.saveDelay, s.flush)
}

// WaitForPendingWrite blocks until any scheduled or in-flight durable write
// has completed. The sync push awaits this before reading dirty state so it
// never sends a record mid-write.
func (s *Store) WaitForPendingWrite() {
	s.mu.Lock()
	done := s.saveDone
	timer := s.saveTimer
	s.mu.Unlock()

	if done == nil {
		return
	}
	// Collapse the remaining debounce delay instead of sitting it out.
	if timer != nil && timer.Stop() {
		go s.flush()
	}
	<-done
}

// flush writes every collection to the primary engine and resolves the
// pending-write future.
func (s *Store) flush() {
	for _, table := range models.Tables {
		s.WriteAll(table, s.data.Records(table))
	}

	s.mu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	done := s.saveDone
	s.saveDone = nil
	s.mu.Unlock()

	if done != nil {
		close(done)
	}
}

// mirrorToFallback writes the current dataset snapshot to the fallback
// engine. Capacity overruns degrade the copy instead of failing the save.
func (s *Store) mirrorToFallback() {
	snap := make(map[string][]models.Record, len(models.Tables))
	for _, table := range models.Tables {
		snap[table] = s.data.Records(table)
	}
	if err := s.fallback.write(snap); err != nil {
		slog.Warn("store: fallback mirror failed", "err", err)
	}
}
