package sync

import (
	"log/slog"
	"sync"
	"time"
)

// debouncer coalesces a burst of triggers into one invocation after a quiet
// window. Any newer trigger resets the timer, so only the last scheduled
// invocation in a burst actually runs.
type debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	timer *time.Timer
	fn    func()
}

func newDebouncer(delay time.Duration, fn func()) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

// trigger (re)schedules the invocation.
func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Reset(d.delay)
		return
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		d.timer = nil
		d.mu.Unlock()
		d.fn()
	})
}

// stop cancels any scheduled invocation.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// ConfigureAutoPush applies the auto-sync settings: whether ScheduleAutoPush
// arms at all, and the quiet window. A non-positive delay keeps the current
// one. Resets any armed debouncer so the new window takes effect.
func (e *Engine) ConfigureAutoPush(enabled bool, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.autoEnabled = enabled
	if delay > 0 {
		e.autoDelay = delay
	}
	if e.auto != nil {
		e.auto.stop()
		e.auto = nil
	}
}

// ScheduleAutoPush arms the debounced push-only auto-sync. Called after every
// local save while online and authenticated; rapid edits collapse into one
// push after the quiet window.
func (e *Engine) ScheduleAutoPush() {
	e.mu.Lock()
	if !e.autoEnabled {
		e.mu.Unlock()
		return
	}
	if e.auto == nil {
		e.auto = newDebouncer(e.autoDelay, func() {
			if err := e.PushDelta(); err != nil {
				slog.Debug("autosync: push", "err", err)
			}
		})
	}
	auto := e.auto
	e.mu.Unlock()
	auto.trigger()
}

// StopAutoPush cancels a pending auto-sync, if any.
func (e *Engine) StopAutoPush() {
	e.mu.Lock()
	auto := e.auto
	e.mu.Unlock()
	if auto != nil {
		auto.stop()
	}
}
